// Package perf records image load telemetry and derives a performance score.
package perf

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourcePlaceholder Source = "placeholder"
)

type LoadEvent struct {
	URL       string        `json:"url"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	LoadTime  time.Duration `json:"loadTime"`
	Size      int64         `json:"size"`
	Source    Source        `json:"source"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

type Metrics struct {
	TotalImages   int `json:"totalImages"`
	CachedImages  int `json:"cachedImages"`
	NetworkImages int `json:"networkImages"`
	// AverageLoadTime is in milliseconds over successful loads.
	AverageLoadTime float64 `json:"averageLoadTime"`
	// CacheHitRate is a percentage.
	CacheHitRate         float64  `json:"cacheHitRate"`
	TotalDataTransferred int64    `json:"totalDataTransferred"`
	DataSaved            int64    `json:"dataSaved"`
	PerformanceScore     int      `json:"performanceScore"`
	Recommendations      []string `json:"recommendations"`
}

type Config struct {
	Enabled bool `json:"enableMonitoring"`
	// Threshold is the score below which the tuner is asked to tighten.
	Threshold    int  `json:"performanceThreshold"`
	MaxEvents    int  `json:"maxEvents"`
	AutoOptimize bool `json:"autoOptimize"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Threshold:    80,
		MaxEvents:    1000,
		AutoOptimize: true,
	}
}

// Tuner receives the hand-off when the score falls below the threshold.
type Tuner interface {
	Tighten(reason string)
}

type Export struct {
	Metrics    Metrics     `json:"metrics"`
	Events     []LoadEvent `json:"events"`
	Config     Config      `json:"config"`
	ExportTime time.Time   `json:"exportTime"`
}

type Status struct {
	Monitoring  bool          `json:"isMonitoring"`
	EventsCount int           `json:"eventsCount"`
	StartTime   time.Time     `json:"startTime"`
	Uptime      time.Duration `json:"uptime"`
}

type collectors struct {
	loads    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
	score    prometheus.Gauge
	hitRate  prometheus.Gauge
}

func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcache_image_loads_total",
			Help: "Total number of image loads",
		}, []string{"source", "success"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgcache_image_load_duration_seconds",
			Help:    "Image load duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcache_image_bytes_total",
			Help: "Total image bytes served",
		}, []string{"source"}),
		score: f.NewGauge(prometheus.GaugeOpts{
			Name: "imgcache_performance_score",
			Help: "Composite performance score between 0 and 100",
		}),
		hitRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "imgcache_cache_hit_ratio",
			Help: "Share of loads served from the cache",
		}),
	}
}

// Monitor keeps a bounded window of load events.
type Monitor struct {
	mu         sync.Mutex
	cfg        Config
	events     []LoadEvent
	start      time.Time
	monitoring bool
	below      bool

	tuner   Tuner
	metrics *collectors
	now     func() time.Time
}

type Option func(*Monitor)

func WithTuner(t Tuner) Option {
	return func(m *Monitor) { m.tuner = t }
}

// WithRegisterer registers the prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.metrics = newCollectors(reg) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(cfg Config, opts ...Option) *Monitor {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	m := &Monitor{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newCollectors(nil)
	}
	m.start = m.now()
	m.monitoring = cfg.Enabled
	return m
}

func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.monitoring {
		m.monitoring = true
		slog.Info("Performance monitoring started")
	}
}

func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoring = false
	slog.Info("Performance monitoring stopped")
}

// Record stores e, computing LoadTime from its timestamps. Events are
// dropped while monitoring is stopped.
func (m *Monitor) Record(e LoadEvent) {
	e.LoadTime = e.EndTime.Sub(e.StartTime)

	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return
	}
	m.push(e)
	metrics := m.compute()
	var tighten bool
	if m.cfg.AutoOptimize {
		below := metrics.PerformanceScore < m.cfg.Threshold
		tighten = below && !m.below
		m.below = below
	}
	tuner := m.tuner
	m.mu.Unlock()

	m.metrics.loads.WithLabelValues(string(e.Source), fmt.Sprint(e.Success)).Inc()
	m.metrics.duration.WithLabelValues(string(e.Source)).Observe(e.LoadTime.Seconds())
	m.metrics.bytes.WithLabelValues(string(e.Source)).Add(float64(e.Size))
	m.metrics.score.Set(float64(metrics.PerformanceScore))
	m.metrics.hitRate.Set(metrics.CacheHitRate / 100)

	slog.Debug("Image loaded", "url", e.URL, "load_time", e.LoadTime, "size", e.Size, "source", e.Source)

	if tighten && tuner != nil {
		slog.Info("Performance below threshold, applying optimizations", "score", metrics.PerformanceScore)
		tuner.Tighten(fmt.Sprintf("performance score %d below %d", metrics.PerformanceScore, m.cfg.Threshold))
	}
}

func (m *Monitor) push(e LoadEvent) {
	m.events = append(m.events, e)
	if over := len(m.events) - m.cfg.MaxEvents; over > 0 {
		m.events = slices.Delete(m.events, 0, over)
	}
}

func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compute()
}

func (m *Monitor) compute() Metrics {
	if len(m.events) == 0 {
		return Metrics{Recommendations: []string{"No performance data available"}}
	}

	var res Metrics
	var loadTotal time.Duration
	var successes int
	res.TotalImages = len(m.events)
	for _, e := range m.events {
		switch e.Source {
		case SourceCache:
			res.CachedImages++
			res.DataSaved += e.Size
		case SourceNetwork:
			res.NetworkImages++
		}
		if e.Success {
			successes++
			loadTotal += e.LoadTime
		}
		res.TotalDataTransferred += e.Size
	}
	if successes > 0 {
		res.AverageLoadTime = float64(loadTotal.Milliseconds()) / float64(successes)
	}
	res.CacheHitRate = float64(res.CachedImages) / float64(res.TotalImages) * 100
	res.PerformanceScore = Score(res.CacheHitRate, res.AverageLoadTime, res.DataSaved, res.TotalImages)
	res.Recommendations = m.recommendations(res)
	return res
}

// Score weighs hit rate 40%, load time 30%, data saved 20% and volume 10%.
func Score(hitRate, avgLoadMs float64, dataSaved int64, images int) int {
	loadScore := math.Max(0, 100-avgLoadMs/10)
	savedScore := math.Min(100, float64(dataSaved)/(1<<20)*10)
	countScore := math.Min(100, float64(images)*2)
	return int(math.Round(hitRate/100*40 + loadScore/100*30 + savedScore/100*20 + countScore/100*10))
}

func (m *Monitor) recommendations(res Metrics) []string {
	var out []string
	if res.CacheHitRate < 50 {
		out = append(out, "Low cache hit rate - consider preloading more images")
	}
	if res.AverageLoadTime > 1000 {
		out = append(out, "Slow image loading - consider optimizing image sizes or using CDN")
	}
	if res.PerformanceScore < m.cfg.Threshold {
		out = append(out, "Performance below threshold - review image optimization strategy")
	}
	if res.TotalImages < 10 {
		out = append(out, "Limited image data - consider testing with more images")
	}
	if res.CacheHitRate > 90 {
		out = append(out, "Excellent cache performance - consider reducing preload frequency")
	}
	return out
}

// Events returns the newest limit events, every event when limit <= 0.
func (m *Monitor) Events(limit int) []LoadEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	return slices.Clone(events)
}

func (m *Monitor) filter(keep func(LoadEvent) bool) []LoadEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LoadEvent
	for _, e := range m.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Monitor) BySource(s Source) []LoadEvent {
	return m.filter(func(e LoadEvent) bool { return e.Source == s })
}

// ByTimeRange returns events that started and ended within [from, to].
func (m *Monitor) ByTimeRange(from, to time.Time) []LoadEvent {
	return m.filter(func(e LoadEvent) bool {
		return !e.StartTime.Before(from) && !e.EndTime.After(to)
	})
}

func (m *Monitor) Failed() []LoadEvent {
	return m.filter(func(e LoadEvent) bool { return !e.Success })
}

func (m *Monitor) top(n int, by func(a, b LoadEvent) int) []LoadEvent {
	events := m.Events(0)
	slices.SortStableFunc(events, by)
	if n > 0 && n < len(events) {
		events = events[:n]
	}
	return events
}

func (m *Monitor) Slowest(n int) []LoadEvent {
	return m.top(n, func(a, b LoadEvent) int { return cmp.Compare(b.LoadTime, a.LoadTime) })
}

func (m *Monitor) Largest(n int) []LoadEvent {
	return m.top(n, func(a, b LoadEvent) int { return cmp.Compare(b.Size, a.Size) })
}

func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.below = false
	m.start = m.now()
	slog.Info("Performance data cleared")
}

func (m *Monitor) Export() Export {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Export{
		Metrics:    m.compute(),
		Events:     slices.Clone(m.events),
		Config:     m.cfg,
		ExportTime: m.now(),
	}
}

// Import replaces the recorded events with those of an export. The
// configuration of the monitor is kept.
func (m *Monitor) Import(data Export) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	for _, e := range data.Events {
		m.push(e)
	}
	m.below = m.compute().PerformanceScore < m.cfg.Threshold
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Monitoring:  m.monitoring,
		EventsCount: len(m.events),
		StartTime:   m.start,
		Uptime:      m.now().Sub(m.start),
	}
}

func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Monitor) UpdateConfig(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.cfg)
	if m.cfg.MaxEvents <= 0 {
		m.cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	if over := len(m.events) - m.cfg.MaxEvents; over > 0 {
		m.events = slices.Delete(m.events, 0, over)
	}
}

// Report renders a human readable summary.
func (m *Monitor) Report() string {
	metrics := m.Metrics()
	status := m.Status()

	var b strings.Builder
	b.WriteString("Performance Report\n==================\n\n")
	b.WriteString("Monitoring Status:\n")
	fmt.Fprintf(&b, "- Active: %v\n", status.Monitoring)
	fmt.Fprintf(&b, "- Events: %d\n", status.EventsCount)
	fmt.Fprintf(&b, "- Uptime: %.1f minutes\n\n", status.Uptime.Minutes())
	b.WriteString("Performance Metrics:\n")
	fmt.Fprintf(&b, "- Total Images: %d\n", metrics.TotalImages)
	fmt.Fprintf(&b, "- Cache Hit Rate: %.1f%%\n", metrics.CacheHitRate)
	fmt.Fprintf(&b, "- Average Load Time: %.0fms\n", metrics.AverageLoadTime)
	fmt.Fprintf(&b, "- Performance Score: %d/100\n", metrics.PerformanceScore)
	fmt.Fprintf(&b, "- Data Transferred: %.1fMB\n", float64(metrics.TotalDataTransferred)/(1<<20))
	fmt.Fprintf(&b, "- Data Saved: %.1fMB\n\n", float64(metrics.DataSaved)/(1<<20))
	b.WriteString("Recommendations:\n")
	for _, r := range metrics.Recommendations {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return strings.TrimSpace(b.String())
}
