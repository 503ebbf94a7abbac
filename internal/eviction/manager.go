package eviction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasew/imgcache/internal/eviction/policy"
	"github.com/lucasew/imgcache/internal/eviction/policy/maxsize"
	"github.com/lucasew/imgcache/internal/platform"
)

type Config struct {
	// MaxSize is the cache budget in bytes.
	MaxSize int64 `json:"maxSize"`
	// MaxAge removes images cached longer ago than it. Zero disables it and
	// leaves expiry to the store TTL.
	MaxAge      time.Duration `json:"maxAge"`
	Interval    time.Duration `json:"cleanupInterval"`
	AutoCleanup bool          `json:"enableAutoCleanup"`
	// PressureThreshold is the storage usage ratio above which becoming
	// visible forces a cleanup.
	PressureThreshold float64 `json:"pressureThreshold"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize:           50 << 20,
		Interval:          time.Hour,
		AutoCleanup:       true,
		PressureThreshold: 0.8,
	}
}

// Result reports one cleanup pass.
type Result struct {
	TotalRemoved   int           `json:"totalRemoved"`
	SizeFreed      int64         `json:"sizeFreed"`
	ExpiredRemoved int           `json:"expiredRemoved"`
	LRURemoved     int           `json:"lruRemoved"`
	CleanupTime    time.Duration `json:"cleanupTime"`
	NextCleanup    time.Time     `json:"nextCleanup"`
}

type Status struct {
	Running     bool      `json:"isRunning"`
	LastCleanup time.Time `json:"lastCleanup,omitzero"`
	NextCleanup time.Time `json:"nextCleanup"`
	Config      Config    `json:"config"`
}

// Manager manages cache cleanup.
type Manager struct {
	store     Store
	strategy  Strategy
	policies  []policy.Policy
	estimator platform.StorageEstimator
	now       func() time.Time

	mu          sync.Mutex
	cfg         Config
	lastCleanup time.Time
	stop        context.CancelFunc
	reset       chan time.Duration

	running atomic.Bool
}

type Option func(*Manager)

// WithPolicies adds budget policies checked next to MaxSize.
func WithPolicies(policies ...policy.Policy) Option {
	return func(m *Manager) { m.policies = append(m.policies, policies...) }
}

// WithEstimator enables the storage pressure check of OnVisible.
func WithEstimator(e platform.StorageEstimator) Option {
	return func(m *Manager) { m.estimator = e }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new cleanup manager.
func NewManager(st Store, cfg Config, strategy Strategy, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.PressureThreshold <= 0 {
		cfg.PressureThreshold = d.PressureThreshold
	}
	m := &Manager{
		store:     st,
		strategy:  strategy,
		estimator: platform.Unsupported{},
		now:       time.Now,
		cfg:       cfg,
		reset:     make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Run removes expired images and then evicts until every policy is
// satisfied. A call made while another pass is running returns an empty
// result.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	return m.run(ctx, m.config().MaxSize)
}

// RunAggressive runs one pass against half the configured budget.
func (m *Manager) RunAggressive(ctx context.Context) (Result, error) {
	slog.Info("Performing aggressive cleanup")
	return m.run(ctx, m.config().MaxSize/2)
}

func (m *Manager) run(ctx context.Context, budget int64) (Result, error) {
	cfg := m.config()
	if !m.running.CompareAndSwap(false, true) {
		slog.Info("Cleanup already in progress")
		return Result{NextCleanup: m.now().Add(cfg.Interval)}, nil
	}
	defer m.running.Store(false)

	start := m.now()
	res, err := m.sweep(ctx, cfg, budget)
	if err != nil {
		return Result{NextCleanup: m.now().Add(cfg.Interval)}, err
	}

	end := m.now()
	res.CleanupTime = end.Sub(start)
	res.NextCleanup = end.Add(cfg.Interval)

	m.mu.Lock()
	m.lastCleanup = end
	m.mu.Unlock()

	slog.Info("Cleanup completed", "removed", res.TotalRemoved, "size_freed", res.SizeFreed, "time", res.CleanupTime)
	return res, nil
}

func (m *Manager) sweep(ctx context.Context, cfg Config, budget int64) (Result, error) {
	var res Result

	before, err := m.store.Stats(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read cache stats: %w", err)
	}

	expired, expiredBytes, err := m.store.RemoveExpired(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to remove expired images: %w", err)
	}
	res.ExpiredRemoved = expired

	entries, err := m.store.List(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list cache: %w", err)
	}

	if cfg.MaxAge > 0 {
		cutoff := m.now().Add(-cfg.MaxAge)
		kept := entries[:0]
		for _, e := range entries {
			if !e.CachedAt.Before(cutoff) {
				kept = append(kept, e)
				continue
			}
			if _, err := m.store.Remove(ctx, e.URL); err != nil {
				return res, fmt.Errorf("failed to remove aged image: %w", err)
			}
			res.ExpiredRemoved++
		}
		entries = kept
	}

	usage := policy.Usage{Images: len(entries)}
	for _, e := range entries {
		usage.Bytes += e.Size
	}

	toFree := m.bytesToFree(ctx, usage, budget)
	if toFree > 0 {
		victims := m.strategy.Victims(entries, toFree)
		slog.Info("Evicting images", "count", len(victims), "current_size", usage.Bytes, "to_free", toFree)
		for _, victim := range victims {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			removed, err := m.store.Remove(ctx, victim.Key)
			if err != nil {
				slog.Error("Failed to remove image", "url", victim.Key, "error", err)
				continue
			}
			if removed {
				res.LRURemoved++
			}
		}
	}
	res.TotalRemoved = res.ExpiredRemoved + res.LRURemoved

	after, err := m.store.Stats(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read cache stats: %w", err)
	}
	// Stats only counts live images, so expired bytes are added separately.
	res.SizeFreed = expiredBytes + before.TotalSize - after.TotalSize
	return res, nil
}

func (m *Manager) bytesToFree(ctx context.Context, usage policy.Usage, budget int64) int64 {
	policies := append([]policy.Policy{&maxsize.Policy{MaxBytes: budget}}, m.policies...)
	var maxToFree int64
	for _, p := range policies {
		toFree, err := p.BytesToFree(ctx, usage)
		if err != nil {
			slog.Error("Failed to check capacity policy", "error", err)
			continue
		}
		maxToFree = max(maxToFree, toFree)
	}
	return maxToFree
}

// Start runs the periodic cleanup loop until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
	}
	m.stop = cancel
	interval := m.cfg.Interval
	m.mu.Unlock()
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Auto cleanup started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.reset:
			ticker.Reset(d)
		case <-ticker.C:
			if _, err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Cleanup failed", "error", err)
			}
		}
	}
}

// Stop ends the loop started by Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		m.stop()
		m.stop = nil
		slog.Info("Auto cleanup stopped")
	}
}

// ShouldRun reports whether an interval elapsed since the last pass or the
// storage is under pressure.
func (m *Manager) ShouldRun(ctx context.Context) bool {
	m.mu.Lock()
	elapsed := m.now().Sub(m.lastCleanup)
	cfg := m.cfg
	m.mu.Unlock()
	if elapsed >= cfg.Interval {
		return true
	}
	est, err := m.estimator.Estimate(ctx)
	if err != nil {
		return false
	}
	return est.Pressure() > cfg.PressureThreshold
}

// OnVisible runs a pass when ShouldRun allows it and reports whether it did.
func (m *Manager) OnVisible(ctx context.Context) (Result, bool, error) {
	if !m.ShouldRun(ctx) {
		return Result{}, false, nil
	}
	res, err := m.Run(ctx)
	return res, true, err
}

// Watch triggers OnVisible for visibility events.
func (m *Manager) Watch(ctx context.Context, events <-chan platform.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Kind != platform.EventVisible {
				continue
			}
			if _, _, err := m.OnVisible(ctx); err != nil {
				slog.Error("Cleanup failed", "error", err)
			}
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:     m.running.Load(),
		LastCleanup: m.lastCleanup,
		NextCleanup: m.lastCleanup.Add(m.cfg.Interval),
		Config:      m.cfg,
	}
}

func (m *Manager) Config() Config {
	return m.config()
}

// UpdateConfig applies fn and reschedules a running loop when the interval
// changed.
func (m *Manager) UpdateConfig(fn func(*Config)) {
	m.mu.Lock()
	old := m.cfg.Interval
	fn(&m.cfg)
	if m.cfg.Interval <= 0 {
		m.cfg.Interval = old
	}
	interval := m.cfg.Interval
	m.mu.Unlock()

	if interval != old {
		select {
		case m.reset <- interval:
		default:
		}
	}
	slog.Info("Cleanup configuration updated", "interval", interval)
}
