package offline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lucasew/imgcache/internal/fetcher"
	"github.com/lucasew/imgcache/internal/platform"
	"github.com/lucasew/imgcache/internal/registry"
	"github.com/lucasew/imgcache/internal/store"
)

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeFetcher) FetchWithRetry(ctx context.Context, url string, hints fetcher.Hints) (*fetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.fail[url] {
		return nil, errors.New("network error")
	}
	return &fetcher.Response{URL: url, StatusCode: 200, Body: []byte("image:" + url)}, nil
}

func newManager(t *testing.T, cfg Config) (*Manager, store.Store, *fakeFetcher) {
	t.Helper()
	st, err := store.Open(t.Context(), "memory", store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeFetcher{fail: map[string]bool{}}
	return New(st, f, cfg), st, f
}

func TestTransitionsAndSync(t *testing.T) {
	m, st, f := newManager(t, DefaultConfig())
	if !m.AllowSpeculative() {
		t.Fatal("should start online")
	}

	m.HandleOffline()
	if m.Online() || m.AllowSpeculative() {
		t.Error("offline must freeze speculative loads")
	}
	m.QueueForSync("/a.png")
	m.QueueForSync("/b.png")
	m.QueueForSync("/a.png")
	f.fail["/b.png"] = true

	res := m.HandleOnline(t.Context())
	if res == nil {
		t.Fatal("expected a sync pass")
	}
	if res.Success || res.SyncedImages != 1 || res.FailedImages != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.TotalSize != int64(len("image:/a.png")) {
		t.Errorf("unexpected size %d", res.TotalSize)
	}
	if m.OfflineDuration() != 0 {
		t.Error("online duration must be zero")
	}

	img, err := st.Peek(t.Context(), "/a.png")
	if err != nil || img.Section != Section {
		t.Errorf("synced image not stored: %v %+v", err, img)
	}
	if pending := m.PendingSync(); len(pending) != 1 || pending[0] != "/b.png" {
		t.Errorf("failed image must stay queued, got %v", pending)
	}

	f.fail["/b.png"] = false
	if res := m.Sync(t.Context()); !res.Success || res.SyncedImages != 1 {
		t.Errorf("unexpected retry result %+v", res)
	}
	if len(m.PendingSync()) != 0 {
		t.Error("queue should be drained")
	}
}

func TestNoSyncWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncOnReconnect = false
	m, _, f := newManager(t, cfg)
	m.HandleOffline()
	m.QueueForSync("/a.png")
	if res := m.HandleOnline(t.Context()); res != nil {
		t.Errorf("sync ran while disabled: %+v", res)
	}
	if len(f.calls) != 0 {
		t.Error("nothing should be fetched")
	}
}

func TestCacheForOffline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCacheSize = 20
	m, st, f := newManager(t, cfg)

	ok, err := m.CacheForOffline(t.Context(), "/a.png", registry.High)
	if err != nil || !ok {
		t.Fatalf("expected cached, got %v %v", ok, err)
	}
	if !m.IsAvailableOffline(t.Context(), "/a.png") {
		t.Error("image should be available offline")
	}

	ok, _ = m.CacheForOffline(t.Context(), "/a.png", registry.High)
	if !ok || len(f.calls) != 1 {
		t.Errorf("cached image must not be fetched again, calls=%v", f.calls)
	}

	ok, err = m.CacheForOffline(t.Context(), "/b.png", registry.High)
	if err != nil || ok {
		t.Errorf("size limit must reject, got %v %v", ok, err)
	}
	if _, err := st.Peek(t.Context(), "/b.png"); !errors.Is(err, store.ErrNotFound) {
		t.Error("rejected image was stored")
	}

	f.fail["/c.png"] = true
	if _, err := m.CacheForOffline(t.Context(), "/c.png", registry.High); err == nil {
		t.Error("expected fetch error")
	}

	m.UpdateConfig(func(c *Config) { c.Enabled = false })
	if ok, _ := m.CacheForOffline(t.Context(), "/d.png", registry.High); ok {
		t.Error("disabled offline mode must not cache")
	}
}

func TestCacheCriticalImages(t *testing.T) {
	m, st, _ := newManager(t, DefaultConfig())
	reg := registry.Default()

	n := m.CacheCriticalImages(t.Context(), reg)
	if want := len(reg.ByPriority(registry.High)); n != want {
		t.Errorf("expected %d critical images, got %d", want, n)
	}
	stats, _ := st.Stats(t.Context())
	if stats.ByPriority["high"] != n {
		t.Errorf("unexpected priorities %v", stats.ByPriority)
	}

	status, err := m.Status(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if !status.CanWorkOffline || status.CachedImages != n {
		t.Errorf("unexpected status %+v", status)
	}

	cleared, err := m.ClearCache(t.Context())
	if err != nil || cleared != n {
		t.Errorf("expected %d cleared, got %d %v", n, cleared, err)
	}

	m.UpdateConfig(func(c *Config) { c.CacheCritical = false })
	if m.CacheCriticalImages(t.Context(), reg) != 0 {
		t.Error("critical caching disabled")
	}
}

func TestInitAndWatch(t *testing.T) {
	m, _, _ := newManager(t, DefaultConfig())
	m.Init(t.Context(), platform.Unsupported{})
	if !m.Online() {
		t.Error("unsupported probe must keep the manager online")
	}

	bus := platform.NewBus()
	events, unsubscribe := bus.Subscribe(4)
	s := platform.NewStatic(bus)
	m.Init(t.Context(), s)

	done := make(chan struct{})
	go func() {
		m.Watch(t.Context(), events)
		close(done)
	}()
	s.SetOnline(false)
	unsubscribe()
	<-done
	if m.Online() {
		t.Error("offline event not applied")
	}
	st, _ := m.Status(t.Context())
	if st.Online || st.LastOffline.IsZero() {
		t.Errorf("unexpected status %+v", st)
	}
}
