package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasew/imgcache/internal/errutil"
	"github.com/lucasew/imgcache/internal/loader"
	"github.com/lucasew/imgcache/internal/perf"
	"github.com/lucasew/imgcache/internal/platform"
	"github.com/lucasew/imgcache/internal/registry"
)

// Loader resolves images for the handlers.
type Loader interface {
	Load(ctx context.Context, img registry.Image) (*loader.Result, error)
	Lookup(ctx context.Context, url string) (*loader.Result, error)
}

// Catalog supplies the metadata of known images.
type Catalog interface {
	Lookup(u string) (registry.Image, bool)
}

// NetworkObserver receives the network conditions reported by clients.
type NetworkObserver interface {
	SetNetwork(n platform.NetworkInfo)
}

// ImageHandler serves images by URL through the loader.
//
// The lookup is tiered:
// 1. Cache: the stored payload is served (HIT).
// 2. Network: the image is fetched, stored and served (MISS).
// 3. Placeholder: served when the image cannot be obtained (PLACEHOLDER).
type ImageHandler struct {
	Loader  Loader
	Catalog Catalog
	Network NetworkObserver
	// MaxAge is advertised in Cache-Control for real images.
	MaxAge time.Duration
}

func NewImageHandler(l Loader, catalog Catalog, network NetworkObserver) *ImageHandler {
	return &ImageHandler{
		Loader:  l,
		Catalog: catalog,
		Network: network,
		MaxAge:  7 * 24 * time.Hour,
	}
}

// ServeHTTP handles /images?url=... requests.
//
// HEAD requests only consult the cache and never trigger a fetch. Images
// unknown to the catalog are treated as visible and loaded at high
// priority.
func (h *ImageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		http.Error(w, "Missing url parameter", http.StatusBadRequest)
		return
	}

	if info, ok := platform.FromClientHints(r.Header); ok && h.Network != nil {
		h.Network.SetNetwork(info)
	}

	if r.Method == http.MethodHead {
		res, err := h.Loader.Lookup(r.Context(), u)
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		h.setHeaders(w, res)
		return
	}

	img, ok := h.Catalog.Lookup(u)
	if !ok {
		img = registry.Image{URL: u, Priority: registry.High}
	}

	res, err := h.Loader.Load(r.Context(), img)
	if err != nil {
		slog.Debug("Client went away", "url", u, "error", err)
		return
	}

	h.setHeaders(w, res)
	if res.Digest != "" && r.Header.Get("If-None-Match") == etag(res.Digest) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, err = w.Write(res.Payload)
	errutil.LogMsg(err, "Failed to write image", "url", u)
}

func (h *ImageHandler) setHeaders(w http.ResponseWriter, res *loader.Result) {
	hdr := w.Header()
	hdr.Set("Content-Type", res.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(len(res.Payload)))
	hdr.Set("X-Cache", cacheStatus(res.Source))
	if res.Source == perf.SourcePlaceholder {
		hdr.Set("Cache-Control", "no-store")
		return
	}
	hdr.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.MaxAge.Seconds())))
	if res.Digest != "" {
		hdr.Set("ETag", etag(res.Digest))
	}
}

func cacheStatus(s perf.Source) string {
	switch s {
	case perf.SourceCache:
		return "HIT"
	case perf.SourceNetwork:
		return "MISS"
	}
	return "PLACEHOLDER"
}

func etag(digest string) string {
	return `"` + digest + `"`
}
