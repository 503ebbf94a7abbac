package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lucasew/imgcache/internal/registry"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

type timers struct {
	mu  sync.Mutex
	all []*fakeTimer
}

func (ts *timers) afterFunc(d time.Duration, fn func()) stopper {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	ts.all = append(ts.all, t)
	return t
}

func (ts *timers) fire(i int) {
	ts.mu.Lock()
	t := ts.all[i]
	ts.mu.Unlock()
	t.fn()
}

func newTestScheduler(cfg Config) (*Scheduler, *timers) {
	ts := &timers{}
	return New(cfg, WithAfterFunc(ts.afterFunc)), ts
}

func TestTierPrecedence(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Enqueue(Task{URL: "/low1", Priority: registry.Low})
	s.Enqueue(Task{URL: "/med1", Priority: registry.Medium})
	s.Enqueue(Task{URL: "/high1", Priority: registry.High})
	s.Enqueue(Task{URL: "/low2", Priority: registry.Low})
	s.Enqueue(Task{URL: "/high2", Priority: registry.High})

	want := []string{"/high1", "/high2", "/med1", "/low1", "/low2"}
	for _, w := range want {
		item, ok := s.Dequeue()
		if !ok {
			t.Fatalf("queue drained early, expected %s", w)
		}
		if item.URL != w {
			t.Errorf("expected %s, got %s", w, item.URL)
		}
	}
	if _, ok := s.Dequeue(); ok {
		t.Error("expected empty queue")
	}
	if st := s.Stats(); st.Processing != 5 || st.Pending != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPeek(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	if _, ok := s.Peek(); ok {
		t.Fatal("peek on empty queue")
	}
	s.Enqueue(Task{URL: "/a", Priority: registry.Medium})
	a := s.Enqueue(Task{URL: "/b", Priority: registry.High})
	item, ok := s.Peek()
	if !ok || item.ID != a.ID {
		t.Errorf("expected %s, got %+v", a.ID, item)
	}
	if s.Stats().Pending != 2 {
		t.Error("peek must not remove")
	}
}

func TestMarkFailedRequeues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	s, ts := newTestScheduler(cfg)
	added := s.Enqueue(Task{URL: "/a", Priority: registry.Low})

	item, _ := s.Dequeue()
	if !s.MarkFailed(item.ID) {
		t.Fatal("first failure should requeue")
	}
	if s.IsProcessing(item.ID) || s.IsFailed(item.ID) {
		t.Error("delayed item must not be processing or failed")
	}
	if st := s.Stats(); st.Delayed != 1 || st.Pending != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if ts.all[0].delay != time.Second {
		t.Errorf("expected 1s delay, got %v", ts.all[0].delay)
	}

	ts.fire(0)
	item, ok := s.Dequeue()
	if !ok || item.ID != added.ID || item.RetryCount != 1 {
		t.Fatalf("expected requeued item with one retry, got %+v", item)
	}
	if item.LastAttempt.IsZero() {
		t.Error("last attempt not set")
	}

	if !s.MarkFailed(item.ID) {
		t.Fatal("second failure should requeue")
	}
	if ts.all[1].delay != 2*time.Second {
		t.Errorf("expected 2s delay, got %v", ts.all[1].delay)
	}
	ts.fire(1)
	item, _ = s.Dequeue()
	if s.MarkFailed(item.ID) {
		t.Fatal("retries exhausted, expected permanent failure")
	}
	if !s.IsFailed(item.ID) {
		t.Error("item should be failed")
	}
	if st := s.Stats(); st.Failed != 1 || st.Total != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRequeueDelay(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for n, w := range want {
		if got := s.RequeueDelay(n); got != w*time.Second {
			t.Errorf("RequeueDelay(%d) = %v, want %v", n, got, w*time.Second)
		}
	}
}

func TestMarkCompleted(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Enqueue(Task{URL: "/a"})
	item, _ := s.Dequeue()
	s.MarkCompleted(item.ID)
	if !s.IsCompleted(item.ID) || s.IsProcessing(item.ID) {
		t.Error("item should be completed only")
	}
	if !s.Idle() {
		t.Error("scheduler should be idle")
	}
	if s.Health() != Healthy {
		t.Errorf("expected healthy, got %s", s.Health())
	}
}

func TestMarkProcessing(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Enqueue(Task{URL: "/a", Priority: registry.High})
	b := s.Enqueue(Task{URL: "/b", Priority: registry.Low})
	if !s.MarkProcessing(b.ID) {
		t.Fatal("expected to claim pending item")
	}
	if !s.IsProcessing(b.ID) {
		t.Error("item not processing")
	}
	if s.MarkProcessing("missing") {
		t.Error("unknown item claimed")
	}
	if len(s.ItemsByPriority(registry.Low)) != 0 {
		t.Error("claimed item still pending")
	}
}

func TestCanProcessMore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	s, _ := newTestScheduler(cfg)
	if s.CanProcessMore() {
		t.Error("nothing pending")
	}
	for range 3 {
		s.Enqueue(Task{URL: "/x"})
	}
	s.Dequeue()
	if !s.CanProcessMore() {
		t.Error("one slot left")
	}
	s.Dequeue()
	if s.CanProcessMore() {
		t.Error("slots exhausted")
	}
}

func TestRemoveAndClear(t *testing.T) {
	s, ts := newTestScheduler(DefaultConfig())
	a := s.Enqueue(Task{URL: "/a", Section: "home"})
	s.Enqueue(Task{URL: "/b", Section: "blogs"})
	if got := s.ItemsBySection("home"); len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("unexpected section items %+v", got)
	}
	if !s.Remove(a.ID) || s.Remove(a.ID) {
		t.Error("remove should succeed once")
	}

	item, _ := s.Dequeue()
	s.MarkFailed(item.ID)
	if !s.Remove(item.ID) {
		t.Error("delayed item should be removable")
	}
	if !ts.all[0].stopped {
		t.Error("timer not stopped")
	}

	s.Enqueue(Task{URL: "/c"})
	s.Clear()
	if st := s.Stats(); st != (Stats{}) {
		t.Errorf("expected empty stats, got %+v", st)
	}
}

func TestCloseStopsTimers(t *testing.T) {
	s, ts := newTestScheduler(DefaultConfig())
	s.Enqueue(Task{URL: "/a"})
	item, _ := s.Dequeue()
	s.MarkFailed(item.ID)
	s.Close()
	if !ts.all[0].stopped {
		t.Error("timer not stopped")
	}
	ts.fire(0)
	if _, ok := s.Dequeue(); ok {
		t.Error("closed scheduler requeued an item")
	}
}

func TestReadySignal(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Enqueue(Task{URL: "/a"})
	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}
}

func TestAging(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := DefaultConfig()
	cfg.AgingThreshold = time.Minute
	s := New(cfg, WithClock(func() time.Time { return now }))
	s.Enqueue(Task{URL: "/low", Priority: registry.Low})
	now = now.Add(2 * time.Minute)
	s.Enqueue(Task{URL: "/med", Priority: registry.Medium})

	item, _ := s.Dequeue()
	if item.URL != "/med" {
		t.Errorf("promoted item must queue behind existing medium items, got %s", item.URL)
	}
	item, _ = s.Dequeue()
	if item.URL != "/low" {
		t.Errorf("expected /low, got %s", item.URL)
	}
}

func TestEstimatedTimeToCompletion(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	if d, ok := s.EstimatedTimeToCompletion(); !ok || d != 0 {
		t.Errorf("empty queue: %v %v", d, ok)
	}
	for range 5 {
		s.Enqueue(Task{URL: "/x"})
	}
	if _, ok := s.EstimatedTimeToCompletion(); ok {
		t.Error("unknown while nothing processes")
	}
	s.Dequeue()
	s.Dequeue()
	d, ok := s.EstimatedTimeToCompletion()
	if !ok || d != 3*time.Second {
		t.Errorf("expected 3s, got %v %v", d, ok)
	}
}

func TestHealth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	s, _ := newTestScheduler(cfg)
	for i := range 10 {
		s.Enqueue(Task{URL: "/x"})
		item, _ := s.Dequeue()
		if i < 2 {
			s.MarkFailed(item.ID)
		} else {
			s.MarkCompleted(item.ID)
		}
	}
	if got := s.Health(); got != Warning {
		t.Errorf("expected warning at 20%%, got %s", got)
	}
	for range 3 {
		s.Enqueue(Task{URL: "/y"})
		item, _ := s.Dequeue()
		s.MarkFailed(item.ID)
	}
	if got := s.Health(); got != Critical {
		t.Errorf("expected critical, got %s", got)
	}
}

func TestFinishedHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.HistorySize = 4
	s, _ := newTestScheduler(cfg)

	var ids []string
	for i := range 10 {
		s.Enqueue(Task{URL: fmt.Sprintf("/img%d.png", i)})
		item, _ := s.Dequeue()
		ids = append(ids, item.ID)
		if i == 9 {
			s.MarkFailed(item.ID)
		} else {
			s.MarkCompleted(item.ID)
		}
	}

	st := s.Stats()
	if st.Completed != 9 || st.Failed != 1 {
		t.Errorf("counts must cover every finished item, got completed=%d failed=%d", st.Completed, st.Failed)
	}
	if s.completed.Len() != cfg.HistorySize {
		t.Errorf("expected %d remembered ids, got %d", cfg.HistorySize, s.completed.Len())
	}
	if s.IsCompleted(ids[0]) {
		t.Error("oldest completed id should have been dropped")
	}
	if !s.IsCompleted(ids[8]) || !s.IsFailed(ids[9]) {
		t.Error("recent ids must still be tracked")
	}
	if got := s.Health(); got != Healthy {
		t.Errorf("expected healthy at 10%%, got %s", got)
	}

	s.Clear()
	if st := s.Stats(); st.Completed != 0 || st.Failed != 0 || s.IsFailed(ids[9]) {
		t.Errorf("clear must reset history, got %+v", st)
	}
}
