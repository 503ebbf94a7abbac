package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasew/imgcache/internal/platform"
)

var pngBody = []byte("\x89PNG\r\n\x1a\nimage")

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBody)
	}))
	t.Cleanup(origin.Close)
	return origin
}

func startApp(t *testing.T, cfg Config) *App {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	a, err := New(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	a.Start(ctx)
	t.Cleanup(func() {
		cancel()
		if err := a.Close(); err != nil {
			t.Error(err)
		}
	})
	return a
}

func memoryConfig() Config {
	cfg := DefaultConfig()
	cfg.Driver = "memory"
	return cfg
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"Unknown Driver", func(c *Config) { c.Driver = "nope" }},
		{"Unknown Strategy", func(c *Config) { c.EvictionStrategy = "nope" }},
		{"Missing Registry", func(c *Config) { c.RegistryFile = "/nonexistent/catalog.json" }},
		{"Missing Placeholder", func(c *Config) { c.PlaceholderPath = "/nonexistent/placeholder.svg" }},
		{"Half CA", func(c *Config) { c.CA.CertPath = "/nonexistent/ca.pem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mod(&cfg)
			if _, err := New(t.Context(), cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandler(t *testing.T) {
	origin := newOrigin(t)
	a := startApp(t, memoryConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/images?url=" + url.QueryEscape(origin.URL+"/a.png"))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}

	for _, path := range []string{"/api/stats", "/api/performance/export", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	if n := a.Perf.Metrics().NetworkImages; n != 1 {
		t.Errorf("load not recorded, got %d network images", n)
	}
	if a.Optimizer.Stats().ImagesLoaded != 1 {
		t.Error("data usage not recorded")
	}
}

func TestClientHintsReachComponents(t *testing.T) {
	origin := newOrigin(t)
	a := startApp(t, memoryConfig())

	req := httptest.NewRequest(http.MethodGet, "/images?url="+url.QueryEscape(origin.URL+"/a.png"), nil)
	req.Header.Set("Save-Data", "on")
	req.Header.Set("ECT", "2g")
	a.Handler().ServeHTTP(httptest.NewRecorder(), req)

	deadline := time.Now().Add(2 * time.Second)
	for a.Optimizer.Level() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Optimizer.Level() == 0 {
		t.Error("save-data hint did not reach the optimizer")
	}
	for a.Retry.Quality() != platform.Poor && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q := a.Retry.Quality(); q != platform.Poor {
		t.Errorf("network hint did not reach the retry handler, quality %s", q)
	}
}

func TestOfflineEvents(t *testing.T) {
	a := startApp(t, memoryConfig())
	a.Platform.SetOnline(false)

	deadline := time.Now().Add(2 * time.Second)
	for (a.Offline.Online() || a.Optimizer.Online()) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Offline.Online() || a.Optimizer.Online() {
		t.Error("offline event not delivered")
	}
}

func TestRegistryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	catalog := `{"sections":[{"name":"home","order":1,"images":[{"url":"/a.png","priority":"high"}]}]}`
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := memoryConfig()
	cfg.RegistryFile = path
	cfg.BaseURL = "https://cdn.example.com"
	a, err := New(t.Context(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Store.Close()

	img, ok := a.Registry.Lookup("https://cdn.example.com/a.png")
	if !ok || img.Section != "home" {
		t.Errorf("catalog not resolved against base URL: %+v", img)
	}
}

func TestSQLiteDriver(t *testing.T) {
	origin := newOrigin(t)
	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	a := startApp(t, cfg)

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/images?url="+url.QueryEscape(origin.URL+"/a.png"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if _, err := os.Stat(filepath.Join(cfg.CacheDir, "images.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestRules(t *testing.T) {
	a := startApp(t, memoryConfig())
	rules := a.Rules()
	u, _ := url.Parse("http://example.com/photo.webp")
	for _, rule := range rules {
		if img, ok := rule(t.Context(), u); ok {
			if !strings.HasSuffix(img.URL, ".webp") {
				t.Errorf("unexpected image %+v", img)
			}
			return
		}
	}
	t.Error("image URL not matched by any rule")
}
