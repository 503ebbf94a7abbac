package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lucasew/imgcache/internal/errutil"
	"github.com/lucasew/imgcache/internal/proxy"
)

// NewServer creates the combined server: proxied image requests are
// answered by the cache and direct requests reach the image endpoint, the
// API and the metrics.
func NewServer(cfg Config) (*http.Server, func(), error) {
	return newServer(cfg, true)
}

// newServer builds and starts an App behind the proxy. Without the API,
// direct requests are rejected by the proxy. The returned cleanup stops the
// background loops and closes the store.
func newServer(cfg Config, withAPI bool) (*http.Server, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	a.Start(ctx)

	var fallback http.Handler
	if withAPI {
		fallback = a.Handler()
	}
	p := proxy.NewServer(a.Loader, a.Rules(), fallback, a.CA)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting server", "addr", addr, "api", withAPI, "cache_dir", cfg.CacheDir, "driver", cfg.Driver, "mitm", a.CA != nil)

	server := &http.Server{
		Addr:    addr,
		Handler: p.Proxy,
	}
	cleanup := func() {
		cancel()
		errutil.LogMsg(a.Close(), "Failed to close app")
	}
	return server, cleanup, nil
}
