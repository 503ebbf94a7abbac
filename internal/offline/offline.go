// Package offline tracks connectivity and keeps a critical subset of images
// cached so the consumer keeps working without network.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasew/imgcache/internal/fetcher"
	"github.com/lucasew/imgcache/internal/platform"
	"github.com/lucasew/imgcache/internal/registry"
	"github.com/lucasew/imgcache/internal/store"
)

// Section is the store section used for images cached by this package.
const Section = "offline"

type Config struct {
	Enabled         bool `json:"enableOfflineMode"`
	CacheCritical   bool `json:"cacheCriticalImages"`
	SyncOnReconnect bool `json:"syncOnReconnect"`
	// MaxCacheSize bounds the store size up to which images are cached for
	// offline use.
	MaxCacheSize int64 `json:"maxOfflineCacheSize"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		CacheCritical:   true,
		SyncOnReconnect: true,
		MaxCacheSize:    20 << 20,
	}
}

// Fetcher retrieves images from the network.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, url string, hints fetcher.Hints) (*fetcher.Response, error)
}

type SyncResult struct {
	Success      bool          `json:"success"`
	SyncedImages int           `json:"syncedImages"`
	FailedImages int           `json:"failedImages"`
	TotalSize    int64         `json:"totalSize"`
	Duration     time.Duration `json:"duration"`
}

type Status struct {
	Online          bool          `json:"isOnline"`
	LastOnline      time.Time     `json:"lastOnline"`
	LastOffline     time.Time     `json:"lastOffline,omitzero"`
	OfflineDuration time.Duration `json:"offlineDuration"`
	CachedImages    int           `json:"cachedImagesCount"`
	CacheSize       int64         `json:"offlineCacheSize"`
	CanWorkOffline  bool          `json:"canWorkOffline"`
	PendingSync     int           `json:"pendingSync"`
}

type Manager struct {
	store  store.Store
	client Fetcher
	now    func() time.Time

	mu          sync.Mutex
	cfg         Config
	online      bool
	lastOnline  time.Time
	lastOffline time.Time
	queue       []string
	queued      map[string]struct{}

	syncing atomic.Bool
}

func New(st store.Store, client Fetcher, cfg Config) *Manager {
	return &Manager{
		store:      st,
		client:     client,
		now:        time.Now,
		cfg:        cfg,
		online:     true,
		lastOnline: time.Now(),
		queued:     make(map[string]struct{}),
	}
}

// Init reads the initial connectivity. An unsupported probe keeps the
// manager online.
func (m *Manager) Init(ctx context.Context, probe platform.ConnectivityProbe) {
	online, err := probe.Online(ctx)
	if err != nil && !errors.Is(err, platform.ErrUnsupported) {
		slog.Warn("Failed to probe connectivity", "error", err)
		return
	}
	if !online {
		m.HandleOffline()
	}
}

// HandleOnline records the transition and, when enabled and images are
// waiting, runs a sync pass. The result is nil when no sync ran.
func (m *Manager) HandleOnline(ctx context.Context) *SyncResult {
	m.mu.Lock()
	m.online = true
	m.lastOnline = m.now()
	shouldSync := m.cfg.SyncOnReconnect && len(m.queue) > 0
	m.mu.Unlock()

	slog.Info("Connection restored")
	if !shouldSync {
		return nil
	}
	res := m.Sync(ctx)
	return &res
}

func (m *Manager) HandleOffline() {
	m.mu.Lock()
	m.online = false
	m.lastOffline = m.now()
	m.mu.Unlock()
	slog.Info("Connection lost")
}

// Watch applies connectivity events until ctx is done or events is closed.
func (m *Manager) Watch(ctx context.Context, events <-chan platform.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case platform.EventOnline:
				m.HandleOnline(ctx)
			case platform.EventOffline:
				m.HandleOffline()
			}
		}
	}
}

func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// AllowSpeculative is false while offline, freezing speculative preloads.
func (m *Manager) AllowSpeculative() bool {
	return m.Online()
}

func (m *Manager) OfflineDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online {
		return 0
	}
	return m.now().Sub(m.lastOffline)
}

// QueueForSync remembers an image to fetch once connectivity returns.
func (m *Manager) QueueForSync(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queued[url]; ok {
		return
	}
	m.queued[url] = struct{}{}
	m.queue = append(m.queue, url)
	slog.Debug("Queued image for sync", "url", url)
}

func (m *Manager) PendingSync() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queue...)
}

// Sync fetches every queued image into the store. Images that fail stay
// queued. A call made while another sync runs returns an unsuccessful empty
// result.
func (m *Manager) Sync(ctx context.Context) SyncResult {
	if !m.syncing.CompareAndSwap(false, true) {
		slog.Info("Sync already in progress")
		return SyncResult{}
	}
	defer m.syncing.Store(false)

	start := m.now()
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.queued = make(map[string]struct{})
	m.mu.Unlock()

	slog.Info("Starting offline data sync", "pending", len(pending))
	var res SyncResult
	for i, url := range pending {
		if ctx.Err() != nil {
			for _, rest := range pending[i:] {
				m.QueueForSync(rest)
			}
			res.FailedImages += len(pending) - i
			break
		}
		size, err := m.fetchAndStore(ctx, url, registry.Medium)
		if err != nil {
			slog.Warn("Failed to sync image", "url", url, "error", err)
			m.QueueForSync(url)
			res.FailedImages++
			continue
		}
		res.SyncedImages++
		res.TotalSize += size
	}
	res.Success = res.FailedImages == 0
	res.Duration = m.now().Sub(start)

	slog.Info("Sync completed", "synced", res.SyncedImages, "failed", res.FailedImages, "size", res.TotalSize)
	return res
}

func (m *Manager) fetchAndStore(ctx context.Context, url string, p registry.Priority) (int64, error) {
	resp, err := m.client.FetchWithRetry(ctx, url, fetcher.Hints{})
	if err != nil {
		return 0, err
	}
	err = m.store.Put(ctx, store.Entry{URL: url, Payload: resp.Body, Section: Section, Priority: p})
	if err != nil {
		return 0, err
	}
	return int64(len(resp.Body)), nil
}

// CacheForOffline makes url available offline. It reports false when
// offline mode is disabled or caching it would exceed MaxCacheSize.
func (m *Manager) CacheForOffline(ctx context.Context, url string, p registry.Priority) (bool, error) {
	cfg := m.Config()
	if !cfg.Enabled {
		return false, nil
	}

	_, err := m.store.Peek(ctx, url)
	if err == nil {
		slog.Debug("Image already cached for offline", "url", url)
		return true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	resp, err := m.client.FetchWithRetry(ctx, url, fetcher.Hints{})
	if err != nil {
		return false, fmt.Errorf("failed to fetch %s: %w", url, err)
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		return false, err
	}
	if stats.TotalSize+int64(len(resp.Body)) > cfg.MaxCacheSize {
		slog.Warn("Offline cache size limit reached", "url", url)
		return false, nil
	}

	if err := m.store.Put(ctx, store.Entry{URL: url, Payload: resp.Body, Section: Section, Priority: p}); err != nil {
		return false, err
	}
	slog.Info("Cached image for offline", "url", url, "size", len(resp.Body))
	return true, nil
}

// CacheCriticalImages caches the high priority images of reg and returns
// how many are available offline.
func (m *Manager) CacheCriticalImages(ctx context.Context, reg *registry.Registry) int {
	if !m.Config().CacheCritical {
		return 0
	}
	var cached int
	for _, img := range reg.ByPriority(registry.High) {
		ok, err := m.CacheForOffline(ctx, img.URL, registry.High)
		if err != nil {
			slog.Warn("Failed to cache critical image", "url", img.URL, "error", err)
			continue
		}
		if ok {
			cached++
		}
	}
	slog.Info("Cached critical images for offline use", "count", cached)
	return cached
}

func (m *Manager) IsAvailableOffline(ctx context.Context, url string) bool {
	_, err := m.store.Peek(ctx, url)
	return err == nil
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	st := Status{
		Online:      m.online,
		LastOnline:  m.lastOnline,
		LastOffline: m.lastOffline,
		PendingSync: len(m.queue),
	}
	if !m.online {
		st.OfflineDuration = m.now().Sub(m.lastOffline)
	}
	m.mu.Unlock()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.CachedImages = stats.Count
	st.CacheSize = stats.TotalSize
	st.CanWorkOffline = stats.Count > 0
	return st, nil
}

func (m *Manager) ClearCache(ctx context.Context) (int, error) {
	return m.store.Clear(ctx)
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) UpdateConfig(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.cfg)
}
