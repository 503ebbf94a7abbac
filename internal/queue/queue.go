package queue

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lucasew/imgcache/internal/registry"
)

// Task describes work to schedule.
type Task struct {
	URL         string
	Section     string
	Description string
	Priority    registry.Priority
	Size        int64
	// MaxRetries overrides Config.MaxRetries when positive.
	MaxRetries int
}

// Item is a scheduled task and its retry bookkeeping.
type Item struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Priority    registry.Priority `json:"priority"`
	Section     string            `json:"section"`
	Description string            `json:"description,omitempty"`
	Size        int64             `json:"size,omitempty"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	AddedAt     time.Time         `json:"addedAt"`
	LastAttempt time.Time         `json:"lastAttempt,omitzero"`

	// tier is the queue the item currently waits in, which differs from
	// Priority once aging promoted it.
	tier       registry.Priority
	enqueuedAt time.Time
}

type Config struct {
	MaxConcurrent int
	MaxRetries    int
	// BaseDelay and MaxDelay bound the requeue backoff of failed items.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// AgingThreshold promotes items that waited longer than it by one tier.
	// Zero keeps strict tier precedence.
	AgingThreshold time.Duration
	// ItemEstimate is the assumed duration of one item for ETA purposes.
	ItemEstimate time.Duration
	// HistorySize caps how many finished item IDs are remembered for
	// IsCompleted and IsFailed. Counts in Stats are not capped.
	HistorySize int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		ItemEstimate:  2 * time.Second,
		HistorySize:   1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.ItemEstimate <= 0 {
		c.ItemEstimate = d.ItemEstimate
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

type stopper interface {
	Stop() bool
}

// Scheduler hands out image work in priority order. Within a tier items are
// served FIFO and a tier is only served when every more urgent tier is
// empty. An item is in exactly one of: a pending tier, processing, waiting
// for its retry timer, completed or failed.
type Scheduler struct {
	mu         sync.Mutex
	cfg        Config
	tiers      [3][]*Item
	processing map[string]*Item
	delayed    map[string]*delayedItem
	completed  *lru.Cache[string, struct{}]
	failed     *lru.Cache[string, struct{}]
	// totals of finished items, kept apart from the capped ID history
	nCompleted int
	nFailed    int
	closed     bool
	ready      chan struct{}

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
}

func newHistory(size int) *lru.Cache[string, struct{}] {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		// only returned for a non-positive size, which withDefaults rules out
		panic(err)
	}
	return c
}

type delayedItem struct {
	item  *Item
	timer stopper
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAfterFunc replaces time.AfterFunc for retry timers.
func WithAfterFunc(f func(d time.Duration, fn func()) stopper) Option {
	return func(s *Scheduler) { s.afterFunc = f }
}

func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:        cfg,
		processing: make(map[string]*Item),
		delayed:    make(map[string]*delayedItem),
		completed:  newHistory(cfg.HistorySize),
		failed:     newHistory(cfg.HistorySize),
		ready:      make(chan struct{}, 1),
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is signalled whenever new work may be available.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func tierOf(p registry.Priority) registry.Priority {
	if !p.Valid() {
		return registry.Medium
	}
	return p
}

// Enqueue appends a task to the tail of its priority tier.
func (s *Scheduler) Enqueue(t Task) Item {
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	now := s.now()
	item := &Item{
		ID:          uuid.NewString(),
		URL:         t.URL,
		Priority:    tierOf(t.Priority),
		Section:     t.Section,
		Description: t.Description,
		Size:        t.Size,
		MaxRetries:  maxRetries,
		AddedAt:     now,
	}

	s.mu.Lock()
	s.push(item, item.Priority, now)
	s.mu.Unlock()

	slog.Debug("Queued image", "url", t.URL, "priority", item.Priority)
	s.signal()
	return *item
}

func (s *Scheduler) push(item *Item, tier registry.Priority, now time.Time) {
	item.tier = tier
	item.enqueuedAt = now
	s.tiers[tier] = append(s.tiers[tier], item)
}

// age promotes items that waited longer than AgingThreshold.
func (s *Scheduler) age(now time.Time) {
	if s.cfg.AgingThreshold <= 0 {
		return
	}
	for tier := registry.Medium; tier <= registry.Low; tier++ {
		kept := s.tiers[tier][:0]
		var promoted []*Item
		for _, item := range s.tiers[tier] {
			if now.Sub(item.enqueuedAt) >= s.cfg.AgingThreshold {
				promoted = append(promoted, item)
			} else {
				kept = append(kept, item)
			}
		}
		s.tiers[tier] = kept
		for _, item := range promoted {
			s.push(item, tier-1, now)
		}
	}
}

// Dequeue removes the next item and moves it to processing.
func (s *Scheduler) Dequeue() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.age(s.now())
	for tier := range s.tiers {
		if len(s.tiers[tier]) == 0 {
			continue
		}
		item := s.tiers[tier][0]
		s.tiers[tier][0] = nil
		s.tiers[tier] = s.tiers[tier][1:]
		s.processing[item.ID] = item
		return *item, true
	}
	return Item{}, false
}

// Peek returns the item Dequeue would return, without removing it.
func (s *Scheduler) Peek() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.age(s.now())
	for _, tier := range s.tiers {
		if len(tier) > 0 {
			return *tier[0], true
		}
	}
	return Item{}, false
}

// MarkProcessing claims a specific pending item.
func (s *Scheduler) MarkProcessing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processing[id]; ok {
		return true
	}
	item := s.removePending(id)
	if item == nil {
		return false
	}
	s.processing[id] = item
	return true
}

func (s *Scheduler) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processing[id]; !ok {
		return
	}
	delete(s.processing, id)
	s.completed.Add(id, struct{}{})
	s.nCompleted++
	s.signal()
}

// MarkFailed either schedules the item for another attempt after
// min(BaseDelay*2^RetryCount, MaxDelay) and returns true, or moves it to the
// failed set for good.
func (s *Scheduler) MarkFailed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.processing[id]
	if !ok {
		return false
	}
	delete(s.processing, id)
	s.signal()

	if s.closed || item.RetryCount >= item.MaxRetries {
		s.failed.Add(id, struct{}{})
		s.nFailed++
		slog.Warn("Max retries reached", "url", item.URL, "retries", item.RetryCount)
		return false
	}

	delay := s.RequeueDelay(item.RetryCount)
	item.RetryCount++
	item.LastAttempt = s.now()
	s.delayed[id] = &delayedItem{
		item:  item,
		timer: s.afterFunc(delay, func() { s.requeue(id) }),
	}
	slog.Info("Retrying image", "url", item.URL, "attempt", item.RetryCount, "max", item.MaxRetries, "delay", delay)
	return true
}

// RequeueDelay is the wait before an item with retryCount retries is queued
// again.
func (s *Scheduler) RequeueDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.BaseDelay),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(s.cfg.MaxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	d := b.NextBackOff()
	for i := 0; i < retryCount && d < s.cfg.MaxDelay; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Scheduler) requeue(id string) {
	s.mu.Lock()
	d, ok := s.delayed[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.delayed, id)
	s.push(d.item, d.item.Priority, s.now())
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) removePending(id string) *Item {
	for tier, items := range s.tiers {
		for i, item := range items {
			if item.ID == id {
				s.tiers[tier] = slices.Delete(items, i, i+1)
				return item
			}
		}
	}
	return nil
}

// Remove drops a pending or retry-waiting item.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removePending(id) != nil {
		return true
	}
	if d, ok := s.delayed[id]; ok {
		d.timer.Stop()
		delete(s.delayed, id)
		return true
	}
	return false
}

// CanProcessMore is true when a processing slot is free and work is pending.
func (s *Scheduler) CanProcessMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processing) < s.cfg.MaxConcurrent && s.pending() > 0
}

func (s *Scheduler) pending() int {
	return len(s.tiers[registry.High]) + len(s.tiers[registry.Medium]) + len(s.tiers[registry.Low])
}

// Idle reports that nothing is pending, processing or waiting to retry.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending() == 0 && len(s.processing) == 0 && len(s.delayed) == 0
}

type Stats struct {
	Total      int `json:"total"`
	High       int `json:"high"`
	Medium     int `json:"medium"`
	Low        int `json:"low"`
	Processing int `json:"processing"`
	Delayed    int `json:"delayed"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats()
}

func (s *Scheduler) stats() Stats {
	st := Stats{
		High:       len(s.tiers[registry.High]),
		Medium:     len(s.tiers[registry.Medium]),
		Low:        len(s.tiers[registry.Low]),
		Processing: len(s.processing),
		Delayed:    len(s.delayed),
		Completed:  s.nCompleted,
		Failed:     s.nFailed,
	}
	st.Pending = st.High + st.Medium + st.Low
	st.Total = st.Pending + st.Processing + st.Delayed
	return st
}

// Clear forgets every item and cancels pending retries.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimers()
	s.tiers = [3][]*Item{}
	s.processing = make(map[string]*Item)
	s.completed.Purge()
	s.failed.Purge()
	s.nCompleted, s.nFailed = 0, 0
	slog.Info("Cleared image queue")
}

func (s *Scheduler) stopTimers() {
	for id, d := range s.delayed {
		d.timer.Stop()
		delete(s.delayed, id)
	}
}

// Close cancels retry timers. Items failing afterwards are not retried.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimers()
}

func (s *Scheduler) ItemsBySection(section string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, tier := range s.tiers {
		for _, item := range tier {
			if item.Section == section {
				out = append(out, *item)
			}
		}
	}
	return out
}

// ItemsByPriority returns the items waiting in a tier.
func (s *Scheduler) ItemsByPriority(p registry.Priority) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.Valid() {
		return nil
	}
	out := make([]Item, len(s.tiers[p]))
	for i, item := range s.tiers[p] {
		out[i] = *item
	}
	return out
}

func (s *Scheduler) IsProcessing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processing[id]
	return ok
}

func (s *Scheduler) IsCompleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed.Contains(id)
}

func (s *Scheduler) IsFailed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed.Contains(id)
}

// EstimatedTimeToCompletion returns false when nothing is processing and the
// estimate is unknown.
func (s *Scheduler) EstimatedTimeToCompletion() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats()
	if st.Pending == 0 {
		return 0, true
	}
	if st.Processing == 0 {
		return 0, false
	}
	workers := min(st.Processing, s.cfg.MaxConcurrent)
	ms := math.Ceil(float64(st.Pending) * float64(s.cfg.ItemEstimate.Milliseconds()) / float64(workers))
	return time.Duration(ms) * time.Millisecond, true
}

type Health string

const (
	Healthy  Health = "healthy"
	Warning  Health = "warning"
	Critical Health = "critical"
)

// Health grades the failure rate of finished items.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := s.nCompleted + s.nFailed
	if done == 0 {
		return Healthy
	}
	rate := float64(s.nFailed) / float64(done)
	switch {
	case rate > 0.3:
		return Critical
	case rate > 0.1:
		return Warning
	}
	return Healthy
}
