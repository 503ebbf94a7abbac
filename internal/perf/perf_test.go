package perf

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type tunerFunc func(string)

func (f tunerFunc) Tighten(reason string) { f(reason) }

var t0 = time.Unix(1_700_000_000, 0)

func load(url string, src Source, ms int, size int64, ok bool) LoadEvent {
	start := t0.Add(time.Duration(len(url)) * time.Second)
	return LoadEvent{
		URL:       url,
		StartTime: start,
		EndTime:   start.Add(time.Duration(ms) * time.Millisecond),
		Size:      size,
		Source:    src,
		Success:   ok,
	}
}

func TestMetrics(t *testing.T) {
	m := New(DefaultConfig())
	if got := m.Metrics(); got.TotalImages != 0 || got.Recommendations[0] != "No performance data available" {
		t.Errorf("unexpected empty metrics %+v", got)
	}

	m.Record(load("/a", SourceCache, 10, 1<<20, true))
	m.Record(load("/bb", SourceNetwork, 190, 1<<20, true))
	m.Record(load("/ccc", SourceNetwork, 5000, 0, false))

	got := m.Metrics()
	if got.TotalImages != 3 || got.CachedImages != 1 || got.NetworkImages != 2 {
		t.Errorf("unexpected counts %+v", got)
	}
	if got.AverageLoadTime != 100 {
		t.Errorf("average must only count successes, got %v", got.AverageLoadTime)
	}
	if got.DataSaved != 1<<20 || got.TotalDataTransferred != 2<<20 {
		t.Errorf("unexpected data %+v", got)
	}
	// 40*(1/3) + 30*0.9 + 20*0.1 + 10*0.06 = 42.93
	if got.PerformanceScore != 43 {
		t.Errorf("expected score 43, got %d", got.PerformanceScore)
	}
	if len(m.Failed()) != 1 || len(m.BySource(SourceNetwork)) != 2 {
		t.Error("unexpected filters")
	}
}

func TestScore(t *testing.T) {
	cases := []struct {
		hit, avg float64
		saved    int64
		images   int
		want     int
	}{
		{0, 0, 0, 0, 30},
		{100, 0, 10 << 20, 50, 100},
		{50, 2000, 0, 5, 21},
	}
	for _, c := range cases {
		if got := Score(c.hit, c.avg, c.saved, c.images); got != c.want {
			t.Errorf("Score(%v, %v, %v, %v) = %d, want %d", c.hit, c.avg, c.saved, c.images, got, c.want)
		}
	}
}

func TestTightenIsEdgeTriggered(t *testing.T) {
	var calls []string
	m := New(DefaultConfig(), WithTuner(tunerFunc(func(r string) { calls = append(calls, r) })))

	m.Record(load("/a", SourceNetwork, 500, 0, true))
	m.Record(load("/b", SourceNetwork, 500, 0, true))
	if len(calls) != 1 {
		t.Fatalf("expected a single hand-off, got %d", len(calls))
	}

	m.Clear()
	m.Record(load("/c", SourceNetwork, 500, 0, true))
	if len(calls) != 2 {
		t.Errorf("clear must re-arm the trigger, got %d", len(calls))
	}

	m.UpdateConfig(func(c *Config) { c.AutoOptimize = false; c.Threshold = 100 })
	m.Clear()
	m.Record(load("/d", SourceNetwork, 500, 0, true))
	if len(calls) != 2 {
		t.Error("auto optimize disabled")
	}
}

func TestRingBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEvents = 3
	m := New(cfg)
	for _, u := range []string{"/1", "/2", "/3", "/4", "/5"} {
		m.Record(load(u, SourceCache, 1, 1, true))
	}
	events := m.Events(0)
	if len(events) != 3 || events[0].URL != "/3" {
		t.Errorf("expected newest 3 events, got %+v", events)
	}
	if last := m.Events(1); len(last) != 1 || last[0].URL != "/5" {
		t.Errorf("unexpected limited events %+v", last)
	}
}

func TestStopMonitoring(t *testing.T) {
	m := New(DefaultConfig())
	m.StopMonitoring()
	m.Record(load("/a", SourceCache, 1, 1, true))
	if m.Status().EventsCount != 0 || m.Status().Monitoring {
		t.Error("events must be dropped while stopped")
	}
	m.StartMonitoring()
	m.Record(load("/a", SourceCache, 1, 1, true))
	if m.Status().EventsCount != 1 {
		t.Error("event not recorded")
	}
}

func TestQueries(t *testing.T) {
	m := New(DefaultConfig())
	m.Record(load("/a", SourceCache, 30, 10, true))
	m.Record(load("/bb", SourceNetwork, 10, 300, true))
	m.Record(load("/ccc", SourceNetwork, 20, 20, true))

	if s := m.Slowest(1); s[0].URL != "/a" {
		t.Errorf("unexpected slowest %+v", s)
	}
	if l := m.Largest(2); len(l) != 2 || l[0].URL != "/bb" || l[1].URL != "/ccc" {
		t.Errorf("unexpected largest %+v", l)
	}
	in := m.ByTimeRange(t0, t0.Add(3100*time.Millisecond))
	if len(in) != 2 {
		t.Errorf("expected 2 events in range, got %d", len(in))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := New(DefaultConfig())
	src.Record(load("/a", SourceCache, 30, 10, true))
	src.Record(load("/bb", SourceNetwork, 700, 3000, true))
	src.Record(load("/ccc", SourceNetwork, 0, 0, false))

	raw, err := json.Marshal(src.Export())
	if err != nil {
		t.Fatal(err)
	}
	var decoded Export
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	dst := New(DefaultConfig())
	dst.Import(decoded)
	if !reflect.DeepEqual(dst.Metrics(), src.Metrics()) {
		t.Errorf("metrics differ after round trip:\n%+v\n%+v", dst.Metrics(), src.Metrics())
	}
	if !reflect.DeepEqual(decoded.Metrics, src.Metrics()) {
		t.Error("exported metrics differ from live metrics")
	}
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(DefaultConfig(), WithRegisterer(reg))
	m.Record(load("/a", SourceCache, 30, 10, true))

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"imgcache_image_loads_total",
		"imgcache_image_load_duration_seconds",
		"imgcache_image_bytes_total",
		"imgcache_performance_score",
		"imgcache_cache_hit_ratio",
	} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}
}

func TestReport(t *testing.T) {
	m := New(DefaultConfig())
	m.Record(load("/a", SourceCache, 30, 10, true))
	r := m.Report()
	for _, want := range []string{"Performance Report", "Cache Hit Rate: 100.0%", "Performance Score:"} {
		if !strings.Contains(r, want) {
			t.Errorf("report missing %q:\n%s", want, r)
		}
	}
}
