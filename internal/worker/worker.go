// Package worker implements the message channel used to drive background
// preloading and cache clearing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/lucasew/imgcache/internal/loader"
	"github.com/lucasew/imgcache/internal/registry"
)

type MessageType string

const (
	PreloadImages   MessageType = "PRELOAD_IMAGES"
	ClearCache      MessageType = "CLEAR_CACHE"
	PreloadProgress MessageType = "PRELOAD_PROGRESS"
	PreloadComplete MessageType = "PRELOAD_COMPLETE"
	CacheCleared    MessageType = "CACHE_CLEARED"
	Error           MessageType = "ERROR"
)

var ErrUnknownMessage = errors.New("unknown message type")

// Request is an inbound message. Images are URLs; catalog metadata is used
// when a URL is known.
type Request struct {
	Type     MessageType        `json:"type"`
	Images   []string           `json:"images,omitempty"`
	Priority *registry.Priority `json:"priority,omitempty"`
}

type Progress struct {
	URL        string        `json:"url"`
	Status     loader.Status `json:"status"`
	Current    int           `json:"current"`
	Total      int           `json:"total"`
	Percentage int           `json:"percentage"`
}

type Complete struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

type Cleared struct {
	Cleared int `json:"cleared"`
}

// Response is an outbound message. Exactly one payload field is set,
// matching Type.
type Response struct {
	Type     MessageType `json:"type"`
	Progress *Progress   `json:"progress,omitempty"`
	Complete *Complete   `json:"complete,omitempty"`
	Cleared  *Cleared    `json:"cleared,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type Loader interface {
	Preload(ctx context.Context, imgs []registry.Image, priority *registry.Priority) loader.PreloadStats
	Process(ctx context.Context, progress func(loader.Progress)) (loader.Summary, error)
}

type Cache interface {
	Clear(ctx context.Context) (int, error)
}

type Catalog interface {
	Lookup(u string) (registry.Image, bool)
}

// Worker handles one request at a time.
type Worker struct {
	loader  Loader
	cache   Cache
	catalog Catalog

	mu sync.Mutex
}

func New(l Loader, cache Cache, catalog Catalog) *Worker {
	return &Worker{loader: l, cache: cache, catalog: catalog}
}

// Run handles requests from in until ctx is done or in is closed. Failures
// are reported as Error responses. out is not closed.
func (w *Worker) Run(ctx context.Context, in <-chan Request, out chan<- Response) {
	emit := func(r Response) {
		select {
		case out <- r:
		case <-ctx.Done():
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-in:
			if !ok {
				return
			}
			if err := w.Handle(ctx, req, emit); err != nil {
				slog.Warn("Worker request failed", "type", req.Type, "error", err)
				emit(Response{Type: Error, Error: err.Error()})
			}
		}
	}
}

// Handle processes a single request, passing every response to emit.
func (w *Worker) Handle(ctx context.Context, req Request, emit func(Response)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch req.Type {
	case PreloadImages:
		return w.preload(ctx, req, emit)
	case ClearCache:
		n, err := w.cache.Clear(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		slog.Info("Image cache cleared", "cleared", n)
		emit(Response{Type: CacheCleared, Cleared: &Cleared{Cleared: n}})
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, req.Type)
}

func (w *Worker) preload(ctx context.Context, req Request, emit func(Response)) error {
	imgs := make([]registry.Image, 0, len(req.Images))
	for _, u := range req.Images {
		img, ok := w.catalog.Lookup(u)
		if !ok {
			img = registry.Image{URL: u, Priority: registry.Low}
		}
		imgs = append(imgs, img)
	}

	total := len(imgs)
	queued := w.loader.Preload(ctx, imgs, req.Priority)
	done := queued.Skipped
	sum, err := w.loader.Process(ctx, func(p loader.Progress) {
		if p.Status == loader.StatusRetrying {
			return
		}
		done++
		emit(Response{Type: PreloadProgress, Progress: &Progress{
			URL:        p.URL,
			Status:     p.Status,
			Current:    done,
			Total:      total,
			Percentage: percentage(done, total),
		}})
	})
	if err != nil {
		return err
	}
	emit(Response{Type: PreloadComplete, Complete: &Complete{
		Success: sum.Success,
		Failed:  sum.Failed,
		Skipped: queued.Skipped,
		Total:   total,
	}})
	return nil
}

func percentage(current, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}
