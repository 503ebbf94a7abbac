package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/lucasew/imgcache/internal/loader"
	"github.com/lucasew/imgcache/internal/registry"
)

type fakeLoader struct {
	imgs     []registry.Image
	priority *registry.Priority
	fail     map[string]bool
}

func (f *fakeLoader) Preload(ctx context.Context, imgs []registry.Image, p *registry.Priority) loader.PreloadStats {
	f.priority = p
	var st loader.PreloadStats
	for _, img := range imgs {
		if img.URL == "/cached.png" {
			st.Skipped++
			continue
		}
		f.imgs = append(f.imgs, img)
		st.Queued++
	}
	return st
}

func (f *fakeLoader) Process(ctx context.Context, progress func(loader.Progress)) (loader.Summary, error) {
	var sum loader.Summary
	for _, img := range f.imgs {
		if f.fail[img.URL] {
			progress(loader.Progress{URL: img.URL, Status: loader.StatusRetrying})
			sum.Failed++
			progress(loader.Progress{URL: img.URL, Status: loader.StatusFailed})
			continue
		}
		sum.Success++
		progress(loader.Progress{URL: img.URL, Status: loader.StatusLoaded})
	}
	sum.Total = sum.Success + sum.Failed
	f.imgs = nil
	return sum, nil
}

type fakeCache struct {
	n   int
	err error
}

func (c *fakeCache) Clear(context.Context) (int, error) { return c.n, c.err }

func collect(t *testing.T, w *Worker, req Request) ([]Response, error) {
	t.Helper()
	var out []Response
	err := w.Handle(t.Context(), req, func(r Response) { out = append(out, r) })
	return out, err
}

func TestPreload(t *testing.T) {
	l := &fakeLoader{fail: map[string]bool{"/b.png": true}}
	reg := registry.Default()
	known := reg.ByPriority(registry.High)[0]
	w := New(l, &fakeCache{}, reg)

	out, err := collect(t, w, Request{Type: PreloadImages, Images: []string{known.URL, "/cached.png", "/b.png", "/c.png"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 3 progress messages and a completion, got %+v", out)
	}

	first := out[0].Progress
	if out[0].Type != PreloadProgress || first.Current != 2 || first.Total != 4 || first.Percentage != 50 {
		t.Errorf("unexpected first progress %+v", first)
	}
	if last := out[2].Progress; last.Current != 4 || last.Percentage != 100 {
		t.Errorf("unexpected last progress %+v", last)
	}
	done := out[3]
	if done.Type != PreloadComplete || *done.Complete != (Complete{Success: 2, Failed: 1, Skipped: 1, Total: 4}) {
		t.Errorf("unexpected completion %+v", done.Complete)
	}
}

func TestPreloadUsesCatalog(t *testing.T) {
	l := &fakeLoader{}
	reg := registry.Default()
	known := reg.ByPriority(registry.High)[0]
	w := New(&capture{fakeLoader: l}, &fakeCache{}, reg)
	c := w.loader.(*capture)

	low := registry.Low
	collect(t, w, Request{Type: PreloadImages, Images: []string{known.URL, "/unknown.png"}, Priority: &low})
	if c.seen[0].Section != known.Section || c.seen[0].Priority != registry.High {
		t.Errorf("catalog metadata not used: %+v", c.seen[0])
	}
	if c.seen[1].Priority != registry.Low {
		t.Errorf("unknown images default to low, got %v", c.seen[1].Priority)
	}
	if l.priority == nil || *l.priority != registry.Low {
		t.Error("override not forwarded")
	}
}

type capture struct {
	*fakeLoader
	seen []registry.Image
}

func (c *capture) Preload(ctx context.Context, imgs []registry.Image, p *registry.Priority) loader.PreloadStats {
	c.seen = append(c.seen, imgs...)
	return c.fakeLoader.Preload(ctx, imgs, p)
}

func TestClearCache(t *testing.T) {
	w := New(&fakeLoader{}, &fakeCache{n: 7}, registry.Default())
	out, err := collect(t, w, Request{Type: ClearCache})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Type != CacheCleared || out[0].Cleared.Cleared != 7 {
		t.Errorf("unexpected response %+v", out)
	}

	w = New(&fakeLoader{}, &fakeCache{err: errors.New("disk gone")}, registry.Default())
	if _, err := collect(t, w, Request{Type: ClearCache}); err == nil {
		t.Error("expected error")
	}
}

func TestRun(t *testing.T) {
	w := New(&fakeLoader{}, &fakeCache{n: 1}, registry.Default())
	in := make(chan Request, 2)
	out := make(chan Response, 4)
	in <- Request{Type: "BOGUS"}
	in <- Request{Type: ClearCache}
	close(in)

	w.Run(t.Context(), in, out)
	close(out)

	var got []MessageType
	for r := range out {
		got = append(got, r.Type)
	}
	if len(got) != 2 || got[0] != Error || got[1] != CacheCleared {
		t.Errorf("unexpected responses %v", got)
	}
}

func TestPercentage(t *testing.T) {
	cases := []struct{ current, total, want int }{
		{0, 0, 100},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
	}
	for _, c := range cases {
		if got := percentage(c.current, c.total); got != c.want {
			t.Errorf("percentage(%d, %d) = %d, want %d", c.current, c.total, got, c.want)
		}
	}
}
