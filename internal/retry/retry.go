package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lucasew/imgcache/internal/fetcher"
	"github.com/lucasew/imgcache/internal/platform"
)

// Config is the retry policy.
type Config struct {
	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
	MaxDelay   time.Duration `json:"maxDelay"`
	Multiplier float64       `json:"backoffMultiplier"`
	Jitter     bool          `json:"jitter"`
	// AttemptTimeout bounds every single attempt.
	AttemptTimeout time.Duration `json:"attemptTimeout"`
	// HistorySize bounds the in-memory error history.
	HistorySize int `json:"historySize"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		Jitter:         true,
		AttemptTimeout: 10 * time.Second,
		HistorySize:    100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// ErrorContext is the environment at the time of a failure.
type ErrorContext struct {
	NetworkQuality platform.Quality `json:"networkQuality"`
	Online         bool             `json:"online"`
	Operation      string           `json:"operation,omitempty"`
}

// ErrorInfo records one failure.
type ErrorInfo struct {
	Kind       Kind         `json:"type"`
	Message    string       `json:"message"`
	URL        string       `json:"url,omitempty"`
	RetryCount int          `json:"retryCount"`
	MaxRetries int          `json:"maxRetries"`
	Timestamp  time.Time    `json:"timestamp"`
	Context    ErrorContext `json:"context"`
}

// Doer performs one fetch attempt.
type Doer interface {
	Fetch(ctx context.Context, url string, hints fetcher.Hints) (*fetcher.Response, error)
}

// Handler runs fetches under the retry policy and keeps the error history.
type Handler struct {
	client Doer

	mu      sync.Mutex
	cfg     Config
	online  bool
	network platform.NetworkInfo
	history []ErrorInfo

	retriedOps       int
	retriedSucceeded int
	totalRetries     int

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
	now   func() time.Time
}

type Option func(*Handler)

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) { h.sleep = sleep }
}

// WithRand replaces the jitter source. It must return values in [0, 1).
func WithRand(r func() float64) Option {
	return func(h *Handler) { h.rand = r }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func New(client Doer, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		client: client,
		cfg:    cfg.withDefaults(),
		online: true,
		sleep:  sleepContext,
		rand:   rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h *Handler) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Handler) UpdateConfig(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.cfg)
	h.cfg = h.cfg.withDefaults()
	slog.Info("Retry configuration updated", "max_retries", h.cfg.MaxRetries, "base_delay", h.cfg.BaseDelay)
}

func (h *Handler) SetOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = online
}

func (h *Handler) SetNetwork(n platform.NetworkInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.network = n
}

// Quality is the current network quality bucket.
func (h *Handler) Quality() platform.Quality {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.network.Quality()
}

// Watch applies platform events until ctx is done or events is closed.
func (h *Handler) Watch(ctx context.Context, events <-chan platform.Event) {
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
				h.SetOnline(true)
			case platform.EventOffline:
				h.SetOnline(false)
			case platform.EventNetworkChange:
				h.SetNetwork(e.Network)
			}
		}
	}
}

// FetchWithRetry fetches url, retrying per the policy. It makes at most
// MaxRetries+1 attempts, each bounded by AttemptTimeout, and returns the
// last error when every attempt failed. Cancelling ctx stops both in-flight
// attempts and pending backoff sleeps.
func (h *Handler) FetchWithRetry(ctx context.Context, url string, hints fetcher.Hints) (*fetcher.Response, error) {
	cfg := h.Config()
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.BaseDelay),
		backoff.WithMultiplier(cfg.Multiplier),
		backoff.WithMaxInterval(cfg.MaxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	var prev time.Duration
	for retries := 0; ; retries++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		resp, err := h.client.Fetch(attemptCtx, url, hints)
		cancel()
		if err == nil {
			h.recordSuccess(retries)
			return resp, nil
		}
		if ctx.Err() != nil {
			h.recordFailure(retries)
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}

		info := h.record(err, url, retries, cfg.MaxRetries)
		if !h.shouldRetry(info.Kind, retries) {
			h.recordFailure(retries)
			slog.Warn("Fetch failed", "url", url, "kind", info.Kind, "attempts", retries+1, "error", err)
			return nil, err
		}

		delay := h.delay(b.NextBackOff(), cfg)
		if delay < prev {
			delay = prev
		}
		prev = delay
		slog.Debug("Retrying fetch", "url", url, "kind", info.Kind, "retry", retries+1, "delay", delay)
		if serr := h.sleep(ctx, delay); serr != nil {
			h.recordFailure(retries)
			return nil, fmt.Errorf("%w: %w", serr, err)
		}
	}
}

// ShouldRetry reports whether a failure of kind after retryCount retries
// would be retried under the current conditions.
func (h *Handler) ShouldRetry(kind Kind, retryCount int) bool {
	return h.shouldRetry(kind, retryCount)
}

func (h *Handler) shouldRetry(kind Kind, retryCount int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.online {
		return false
	}
	budget := h.cfg.MaxRetries
	if h.network.Quality() == platform.Poor {
		budget = min(budget, 2)
	}
	if retryCount >= budget {
		return false
	}
	if !kind.Retryable() {
		return false
	}
	if kind == KindUnknown {
		return retryCount < 1
	}
	return true
}

// Delay computes the wait before retry number retryCount+1.
func (h *Handler) Delay(retryCount int) time.Duration {
	cfg := h.Config()
	base := float64(cfg.BaseDelay)
	for i := 0; i < retryCount; i++ {
		base *= cfg.Multiplier
		if base >= float64(cfg.MaxDelay) {
			break
		}
	}
	return h.delay(min(time.Duration(base), cfg.MaxDelay), cfg)
}

func (h *Handler) delay(base time.Duration, cfg Config) time.Duration {
	d := float64(base)
	if cfg.Jitter {
		d += d * 0.1 * h.rand()
	}
	switch h.Quality() {
	case platform.Poor:
		d *= 1.5
	case platform.Fair:
		d *= 1.2
	}
	return time.Duration(d)
}

func (h *Handler) record(err error, url string, retryCount, maxRetries int) ErrorInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := ErrorInfo{
		Kind:       Classify(err),
		Message:    err.Error(),
		URL:        url,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Timestamp:  h.now(),
		Context: ErrorContext{
			NetworkQuality: h.network.Quality(),
			Online:         h.online,
		},
	}
	h.push(info)
	return info
}

func (h *Handler) push(info ErrorInfo) {
	h.history = append(h.history, info)
	if over := len(h.history) - h.cfg.HistorySize; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
}

func (h *Handler) recordSuccess(retries int) {
	if retries == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retriedOps++
	h.retriedSucceeded++
	h.totalRetries += retries
}

func (h *Handler) recordFailure(retries int) {
	if retries == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retriedOps++
	h.totalRetries += retries
}

// HandleStorageError records a failed store operation.
func (h *Handler) HandleStorageError(op string, err error) ErrorInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	kind := Classify(err)
	if kind != KindQuota && kind != KindPermission {
		kind = KindStorage
	}
	info := ErrorInfo{
		Kind:      kind,
		Message:   fmt.Sprintf("storage operation failed: %s: %v", op, err),
		Timestamp: h.now(),
		Context: ErrorContext{
			NetworkQuality: h.network.Quality(),
			Online:         h.online,
			Operation:      op,
		},
	}
	h.push(info)
	slog.Error("Storage error", "op", op, "kind", kind, "error", err)
	return info
}

// Stats aggregates the error history.
type Stats struct {
	TotalErrors      int            `json:"totalErrors"`
	ByKind           map[Kind]int   `json:"errorsByType"`
	ByURL            map[string]int `json:"errorsByUrl"`
	RetrySuccessRate float64        `json:"retrySuccessRate"`
	AverageRetries   float64        `json:"averageRetries"`
	LastError        *ErrorInfo     `json:"lastError,omitempty"`
}

func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats()
}

func (h *Handler) stats() Stats {
	s := Stats{
		TotalErrors: len(h.history),
		ByKind:      make(map[Kind]int),
		ByURL:       make(map[string]int),
	}
	for _, e := range h.history {
		s.ByKind[e.Kind]++
		if e.URL != "" {
			s.ByURL[e.URL]++
		}
	}
	if h.retriedOps > 0 {
		s.RetrySuccessRate = float64(h.retriedSucceeded) / float64(h.retriedOps) * 100
	}
	if s.TotalErrors > 0 {
		s.AverageRetries = float64(h.totalRetries) / float64(s.TotalErrors)
		last := h.history[len(h.history)-1]
		s.LastError = &last
	}
	return s
}

// Recent returns up to limit of the latest errors, oldest first.
func (h *Handler) Recent(limit int) []ErrorInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]ErrorInfo, limit)
	copy(out, h.history[len(h.history)-limit:])
	return out
}

func (h *Handler) ClearErrors() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
	h.retriedOps, h.retriedSucceeded, h.totalRetries = 0, 0, 0
}

// Healthy is false while offline, on a poor network or when more than 30%
// of the recorded errors are network errors.
func (h *Handler) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy()
}

func (h *Handler) healthy() bool {
	if !h.online || h.network.Quality() == platform.Poor {
		return false
	}
	s := h.stats()
	if s.TotalErrors == 0 {
		return true
	}
	return float64(s.ByKind[KindNetwork])/float64(s.TotalErrors) <= 0.3
}

// Status is a point in time report of the handler.
type Status struct {
	Online         bool             `json:"isOnline"`
	NetworkQuality platform.Quality `json:"networkQuality"`
	Healthy        bool             `json:"isHealthy"`
	Errors         Stats            `json:"errorStats"`
}

func (h *Handler) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Online:         h.online,
		NetworkQuality: h.network.Quality(),
		Healthy:        h.healthy(),
		Errors:         h.stats(),
	}
}
