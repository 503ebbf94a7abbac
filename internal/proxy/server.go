package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/elazarl/goproxy"

	"github.com/lucasew/imgcache/internal/loader"
	"github.com/lucasew/imgcache/internal/perf"
	"github.com/lucasew/imgcache/internal/registry"
)

// Loader resolves the images answered by the proxy.
type Loader interface {
	Load(ctx context.Context, img registry.Image) (*loader.Result, error)
}

type Server struct {
	Proxy  *goproxy.ProxyHttpServer
	Loader Loader
	Rules  []Rule
}

// NewServer creates a caching forward proxy.
// fallback is the handler to use for non-proxy requests (e.g. local routes).
// When caCert is nil HTTPS is tunneled untouched and only plain HTTP image
// requests are cached.
func NewServer(l Loader, rules []Rule, fallback http.Handler, caCert *tls.Certificate) *Server {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false

	if caCert != nil {
		proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return &goproxy.ConnectAction{
				Action:    goproxy.ConnectMitm,
				TLSConfig: goproxy.TLSConfigFromCA(caCert),
			}, host
		}))
	}

	if fallback != nil {
		proxy.NonproxyHandler = fallback
	}

	s := &Server{
		Proxy:  proxy,
		Loader: l,
		Rules:  rules,
	}

	proxy.OnRequest().DoFunc(s.handleRequest)
	return s
}

func (s *Server) match(r *http.Request) (registry.Image, bool) {
	if r.Method != http.MethodGet {
		return registry.Image{}, false
	}
	for _, rule := range s.Rules {
		if img, ok := rule(r.Context(), r.URL); ok {
			return img, true
		}
	}
	return registry.Image{}, false
}

func (s *Server) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	img, ok := s.match(r)
	if !ok {
		// No rule matched, pass through
		return r, nil
	}
	slog.Debug("Proxy rule matched", "url", img.URL, "priority", img.Priority)

	res, err := s.Loader.Load(r.Context(), img)
	if err != nil {
		return r, nil
	}
	if res.Source == perf.SourcePlaceholder {
		// let the origin answer with its own error
		slog.Warn("Failed to load image in proxy, falling back to direct proxy", "url", img.URL, "error", res.Err)
		return r, nil
	}
	return r, newResponse(r, res)
}

func newResponse(r *http.Request, res *loader.Result) *http.Response {
	resp := goproxy.NewResponse(r, res.ContentType, http.StatusOK, "")
	resp.Body = io.NopCloser(bytes.NewReader(res.Payload))
	resp.ContentLength = int64(len(res.Payload))
	resp.Header.Set("Content-Length", strconv.Itoa(len(res.Payload)))
	if res.Source == perf.SourceCache {
		resp.Header.Set("X-Cache", "HIT")
	} else {
		resp.Header.Set("X-Cache", "MISS")
	}
	if res.Digest != "" {
		resp.Header.Set("ETag", `"`+res.Digest+`"`)
	}
	return resp
}
