// Package optimizer turns network, battery and data usage signals into an
// optimization level that gates preloading and suggests quality hints.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/lucasew/imgcache/internal/platform"
	"github.com/lucasew/imgcache/internal/registry"
)

type Config struct {
	RespectSaveData       bool `json:"respectSaveData"`
	RespectBattery        bool `json:"respectBattery"`
	RespectNetworkQuality bool `json:"respectNetworkQuality"`
	// MaxDataUsage is the session data cap in bytes.
	MaxDataUsage        int64   `json:"maxDataUsage"`
	LowBatteryThreshold float64 `json:"lowBatteryThreshold"`
	// PoorNetworkThreshold is the downlink in Mbps below which the network
	// counts as poor.
	PoorNetworkThreshold     float64 `json:"poorNetworkThreshold"`
	EnableCompression        bool    `json:"enableCompression"`
	EnableProgressiveLoading bool    `json:"enableProgressiveLoading"`
	// CDNHints rewrites image URLs with q and fm query parameters.
	CDNHints bool `json:"cdnHints"`
}

func DefaultConfig() Config {
	return Config{
		RespectSaveData:          true,
		RespectBattery:           true,
		RespectNetworkQuality:    true,
		MaxDataUsage:             100 << 20,
		LowBatteryThreshold:      0.2,
		PoorNetworkThreshold:     2,
		EnableCompression:        true,
		EnableProgressiveLoading: true,
	}
}

// withDefaults fills the numeric limits left unset. The switches keep their
// zero values since false is a meaningful setting for each of them.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDataUsage <= 0 {
		c.MaxDataUsage = d.MaxDataUsage
	}
	if c.LowBatteryThreshold <= 0 {
		c.LowBatteryThreshold = d.LowBatteryThreshold
	}
	if c.PoorNetworkThreshold <= 0 {
		c.PoorNetworkThreshold = d.PoorNetworkThreshold
	}
	return c
}

type Stats struct {
	TotalDataUsed    int64     `json:"totalDataUsed"`
	ImagesLoaded     int64     `json:"imagesLoaded"`
	AverageImageSize int64     `json:"averageImageSize"`
	DataSaved        int64     `json:"dataSaved"`
	SessionStart     time.Time `json:"sessionStart"`
	LastUpdate       time.Time `json:"lastUpdate"`
}

// ImageConfig is the suggested delivery of one image.
type ImageConfig struct {
	URL      string            `json:"url"`
	Quality  float64           `json:"quality"`
	Format   string            `json:"format"`
	Priority registry.Priority `json:"priority"`
}

const FormatOriginal = "original"

// Optimizer is safe for concurrent use.
type Optimizer struct {
	mu        sync.Mutex
	cfg       Config
	stats     Stats
	network   *platform.NetworkInfo
	battery   *platform.BatteryStatus
	online    bool
	level     float64
	listeners []func(level float64)
	now       func() time.Time
}

func New(cfg Config) *Optimizer {
	o := &Optimizer{cfg: cfg.withDefaults(), online: true, now: time.Now}
	o.stats = o.emptyStats()
	return o
}

func (o *Optimizer) emptyStats() Stats {
	now := o.now()
	return Stats{SessionStart: now, LastUpdate: now}
}

// Init reads the initial platform state. Unsupported capabilities are
// skipped.
func (o *Optimizer) Init(ctx context.Context, network platform.NetworkSource, battery platform.BatterySource) error {
	if network != nil {
		n, err := network.Network(ctx)
		switch {
		case err == nil:
			o.UpdateNetwork(n)
		case !errors.Is(err, platform.ErrUnsupported):
			return fmt.Errorf("failed to read network info: %w", err)
		}
	}
	if battery != nil {
		b, err := battery.Battery(ctx)
		switch {
		case err == nil:
			o.UpdateBattery(b)
		case errors.Is(err, platform.ErrUnsupported):
			slog.Debug("Battery API not available")
		default:
			return fmt.Errorf("failed to read battery status: %w", err)
		}
	}
	return nil
}

// OnChange registers a listener called with the new level whenever it
// changes.
func (o *Optimizer) OnChange(fn func(level float64)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// update applies fn under the lock and notifies listeners on level change.
func (o *Optimizer) update(fn func()) {
	o.mu.Lock()
	fn()
	level := o.computeLevel()
	changed := level != o.level
	o.level = level
	listeners := append([]func(float64){}, o.listeners...)
	o.mu.Unlock()

	if !changed {
		return
	}
	slog.Debug("Optimization level changed", "level", level)
	for _, l := range listeners {
		l(level)
	}
}

func (o *Optimizer) UpdateNetwork(n platform.NetworkInfo) {
	o.update(func() { o.network = &n })
	slog.Debug("Network info updated", "effectiveType", n.EffectiveType, "downlink", n.Downlink, "rtt", n.RTT, "saveData", n.SaveData)
}

func (o *Optimizer) UpdateBattery(b platform.BatteryStatus) {
	o.update(func() { o.battery = &b })
	slog.Debug("Battery updated", "level", math.Round(b.Level*100), "charging", b.Charging)
}

func (o *Optimizer) SetOnline(online bool) {
	o.update(func() { o.online = online })
}

func (o *Optimizer) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Watch applies platform events until ctx is done or events is closed.
func (o *Optimizer) Watch(ctx context.Context, events <-chan platform.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case platform.EventNetworkChange:
				o.UpdateNetwork(e.Network)
			case platform.EventBatteryChange:
				o.UpdateBattery(e.Battery)
			case platform.EventOnline:
				o.SetOnline(true)
			case platform.EventOffline:
				o.SetOnline(false)
			}
		}
	}
}

func (o *Optimizer) saveData() bool {
	return o.cfg.RespectSaveData && o.network != nil && o.network.SaveData
}

func (o *Optimizer) lowBattery() bool {
	return o.cfg.RespectBattery && o.battery != nil &&
		o.battery.Level < o.cfg.LowBatteryThreshold && !o.battery.Charging
}

// poorNetwork ignores a zero downlink, which means unknown.
func (o *Optimizer) poorNetwork() bool {
	return o.cfg.RespectNetworkQuality && o.network != nil &&
		o.network.Downlink > 0 && o.network.Downlink < o.cfg.PoorNetworkThreshold
}

func (o *Optimizer) overCap() bool {
	return o.stats.TotalDataUsed > o.cfg.MaxDataUsage
}

func (o *Optimizer) computeLevel() float64 {
	var level float64
	if o.saveData() {
		level += 0.5
	}
	if o.lowBattery() {
		level += 0.3
	}
	if o.poorNetwork() {
		level += 0.2
	}
	if o.overCap() {
		level += 0.5
	}
	return math.Min(level, 1)
}

// Level is the current optimization level in [0, 1].
func (o *Optimizer) Level() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.computeLevel()
}

// ShouldOptimize reports whether any optimization applies.
func (o *Optimizer) ShouldOptimize() bool {
	return o.Level() > 0
}

// ImageConfig suggests quality, format and priority for an image.
func (o *Optimizer) ImageConfig(rawURL string) ImageConfig {
	o.mu.Lock()
	level := o.computeLevel()
	cfg := o.cfg
	slow := o.network != nil && o.network.Slow()
	o.mu.Unlock()

	ic := ImageConfig{URL: rawURL, Quality: 1, Format: FormatOriginal, Priority: registry.Medium}
	switch {
	case level > 0.7:
		ic.Quality, ic.Format, ic.Priority = 0.6, "webp", registry.Low
	case level > 0.4:
		ic.Quality, ic.Format = 0.8, "webp"
	case level > 0.1:
		ic.Quality = 0.9
	}
	if slow {
		ic.Quality *= 0.5
		ic.Priority = registry.Low
	}
	if !cfg.EnableCompression {
		ic.Format = FormatOriginal
	}
	if cfg.CDNHints {
		ic.URL = withHints(rawURL, ic)
	}
	return ic
}

// Query returns the q and fm parameters describing ic, or nil when the
// original image is wanted.
func (ic ImageConfig) Query() url.Values {
	if ic.Quality >= 1 && ic.Format == FormatOriginal {
		return nil
	}
	q := url.Values{}
	q.Set("q", strconv.Itoa(int(math.Round(ic.Quality*100))))
	if ic.Format != FormatOriginal {
		q.Set("fm", ic.Format)
	}
	return q
}

func withHints(rawURL string, ic ImageConfig) string {
	hints := ic.Query()
	if hints == nil {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range hints {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ShouldPreload gates speculative loads by priority.
func (o *Optimizer) ShouldPreload(p registry.Priority) bool {
	level := o.Level()
	switch {
	case level > 0.7:
		return p == registry.High
	case level > 0.4:
		return p == registry.High || p == registry.Medium
	}
	return true
}

func (o *Optimizer) RecordDataUsage(bytes int64, imageURL string) {
	o.update(func() {
		o.stats.TotalDataUsed += bytes
		o.stats.ImagesLoaded++
		o.stats.AverageImageSize = o.stats.TotalDataUsed / o.stats.ImagesLoaded
		o.stats.LastUpdate = o.now()
	})
	slog.Debug("Data usage recorded", "url", imageURL, "bytes", bytes)
}

// CalculateDataSavings records and returns original-optimized.
func (o *Optimizer) CalculateDataSavings(original, optimized int64) int64 {
	savings := original - optimized
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.DataSaved += savings
	return savings
}

func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Optimizer) ResetStats() {
	o.update(func() { o.stats = o.emptyStats() })
	slog.Info("Data usage statistics reset")
}

func (o *Optimizer) Network() (platform.NetworkInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.network == nil {
		return platform.NetworkInfo{}, false
	}
	return *o.network, true
}

func (o *Optimizer) Battery() (platform.BatteryStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.battery == nil {
		return platform.BatteryStatus{}, false
	}
	return *o.battery, true
}

func (o *Optimizer) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Optimizer) UpdateConfig(fn func(*Config)) {
	o.update(func() {
		fn(&o.cfg)
		o.cfg = o.cfg.withDefaults()
	})
}

// Tighten enables compression and network awareness. It is the hand-off
// used by the performance monitor when the score degrades.
func (o *Optimizer) Tighten(reason string) {
	o.update(func() {
		o.cfg.EnableCompression = true
		o.cfg.RespectNetworkQuality = true
		o.cfg.RespectSaveData = true
	})
	slog.Info("Tightened data optimization", "reason", reason)
}

func (o *Optimizer) WithinLimits() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.overCap()
}

func (o *Optimizer) RemainingAllowance() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return max(0, o.cfg.MaxDataUsage-o.stats.TotalDataUsed)
}

func (o *Optimizer) Recommendations() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	if o.network != nil && o.network.SaveData {
		out = append(out, "Save Data mode is enabled - consider using compressed images")
	}
	if o.battery != nil && o.battery.Level < o.cfg.LowBatteryThreshold && !o.battery.Charging {
		out = append(out, "Low battery detected - reducing image quality to save power")
	}
	if o.network != nil && o.network.Downlink > 0 && o.network.Downlink < o.cfg.PoorNetworkThreshold {
		out = append(out, "Poor network detected - using lower quality images")
	}
	if float64(o.stats.TotalDataUsed) > float64(o.cfg.MaxDataUsage)*0.8 {
		out = append(out, "Approaching data usage limit - consider reducing image quality")
	}
	return out
}

// Status is the JSON view exposed by the stats endpoint.
type Status struct {
	Level           float64                 `json:"optimizationLevel"`
	Online          bool                    `json:"online"`
	Network         *platform.NetworkInfo   `json:"network,omitempty"`
	Battery         *platform.BatteryStatus `json:"battery,omitempty"`
	Stats           Stats                   `json:"stats"`
	Remaining       int64                   `json:"remainingAllowance"`
	Recommendations []string                `json:"recommendations"`
}

func (o *Optimizer) Status() Status {
	st := Status{
		Level:           o.Level(),
		Online:          o.Online(),
		Stats:           o.Stats(),
		Remaining:       o.RemainingAllowance(),
		Recommendations: o.Recommendations(),
	}
	if n, ok := o.Network(); ok {
		st.Network = &n
	}
	if b, ok := o.Battery(); ok {
		st.Battery = &b
	}
	return st
}
