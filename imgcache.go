// Package imgcache embeds the progressive image cache in another program.
//
// A Cache owns the same components as the server: the persistent store,
// the priority queue, the network aware optimizer and the background
// cleanup. Images are loaded on demand with Load or Get and warmed ahead
// of time with Preload.
package imgcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/lucasew/imgcache/internal/app"
	"github.com/lucasew/imgcache/internal/eviction"
	"github.com/lucasew/imgcache/internal/handler"
	"github.com/lucasew/imgcache/internal/perf"
	"github.com/lucasew/imgcache/internal/registry"
	"github.com/lucasew/imgcache/internal/worker"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("cache closed")

	// ErrUnavailable is returned by Get when neither the cache nor the
	// network could provide the image.
	ErrUnavailable = errors.New("image unavailable")
)

type (
	Config   = app.Config
	Stats    = handler.Stats
	Progress = worker.Progress
	Summary  = worker.Complete
)

func DefaultConfig() Config {
	return app.DefaultConfig()
}

// Image is a loaded image.
type Image struct {
	URL         string
	Data        []byte
	ContentType string
	Digest      string
	// Cached is set when the image was served from the store.
	Cached bool
	// Placeholder is set when Data is the fallback image. Err holds the
	// reason.
	Placeholder bool
	Err         error
}

type Cache struct {
	app    *app.App
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// Open builds the components described by cfg and starts the background
// loops. ctx only bounds the setup; the loops run until Close.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bg, cancel := context.WithCancel(context.Background())
	a.Start(bg)
	return &Cache{app: a, cancel: cancel}, nil
}

func (c *Cache) acquire() error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (c *Cache) release() {
	c.mu.RUnlock()
}

// Load resolves url from the cache or the network. A placeholder is
// returned instead of an error when the image cannot be obtained; the
// error is only set when ctx ends first.
func (c *Cache) Load(ctx context.Context, url string) (*Image, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	img, ok := c.app.Registry.Lookup(url)
	if !ok {
		img = registry.Image{URL: url, Priority: registry.High}
	}
	res, err := c.app.Loader.Load(ctx, img)
	if err != nil {
		return nil, err
	}
	return &Image{
		URL:         res.URL,
		Data:        res.Payload,
		ContentType: res.ContentType,
		Digest:      res.Digest,
		Cached:      res.Source == perf.SourceCache,
		Placeholder: res.Source == perf.SourcePlaceholder,
		Err:         res.Err,
	}, nil
}

// Get is Load without the placeholder: a failed image is an error wrapping
// ErrUnavailable.
func (c *Cache) Get(ctx context.Context, url string) (*Image, error) {
	img, err := c.Load(ctx, url)
	if err != nil {
		return nil, err
	}
	if img.Placeholder {
		if img.Err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, url, img.Err)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, url)
	}
	return img, nil
}

// Preload queues urls and processes them, reporting progress as each one
// settles. An empty list preloads the whole catalog in loading order.
func (c *Cache) Preload(ctx context.Context, urls []string, progress func(Progress)) (Summary, error) {
	if err := c.acquire(); err != nil {
		return Summary{}, err
	}
	defer c.release()

	if len(urls) == 0 {
		for _, img := range c.app.Registry.ForProgressiveLoading() {
			urls = append(urls, img.URL)
		}
	}

	var sum Summary
	err := c.app.Worker.Handle(ctx, worker.Request{Type: worker.PreloadImages, Images: urls}, func(r worker.Response) {
		switch r.Type {
		case worker.PreloadProgress:
			if progress != nil {
				progress(*r.Progress)
			}
		case worker.PreloadComplete:
			sum = *r.Complete
		}
	})
	return sum, err
}

// Stats collects the state of every component.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if err := c.acquire(); err != nil {
		return Stats{}, err
	}
	defer c.release()
	return c.app.API().Stats(ctx)
}

// Cleanup runs one eviction pass. An aggressive pass evicts down to half
// of the size budget.
func (c *Cache) Cleanup(ctx context.Context, aggressive bool) (eviction.Result, error) {
	if err := c.acquire(); err != nil {
		return eviction.Result{}, err
	}
	defer c.release()
	if aggressive {
		return c.app.Cleanup.RunAggressive(ctx)
	}
	return c.app.Cleanup.Run(ctx)
}

// Clear removes every cached image and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()
	return c.app.Store.Clear(ctx)
}

// Catalog lists the known images in loading order.
func (c *Cache) Catalog() []registry.Image {
	return c.app.Registry.ForProgressiveLoading()
}

// Handler serves the image endpoint, the API and the metrics.
func (c *Cache) Handler() http.Handler {
	return c.app.Handler()
}

// Close stops the background loops and releases the store. It waits for
// in-flight operations to return.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return c.app.Close()
}
