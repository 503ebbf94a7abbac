package registry

import (
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	r := Default()

	names := r.SectionNames()
	want := []string{"home", "education", "projects", "experience", "blogs"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expected sections %v, got %v", want, names)
	}

	if got := len(r.AllSorted()); got != 18 {
		t.Errorf("expected 18 images, got %d", got)
	}

	for _, img := range r.AllSorted() {
		if img.Section == "" {
			t.Errorf("image %s has no section", img.URL)
		}
	}
}

func TestQueries(t *testing.T) {
	r := New([]Section{
		{Name: "b", Order: 2, Images: []Image{
			{URL: "/b/low.png", Priority: Low, Size: 10},
			{URL: "/b/high.png", Priority: High, Size: 20},
		}},
		{Name: "a", Order: 1, Images: []Image{
			{URL: "/a/med.png", Priority: Medium, Size: 30},
		}},
	})

	t.Run("Sorted By Section Order", func(t *testing.T) {
		all := r.AllSorted()
		if all[0].URL != "/a/med.png" {
			t.Errorf("expected section a first, got %s", all[0].URL)
		}
	})

	t.Run("Progressive Order", func(t *testing.T) {
		got := r.ForProgressiveLoading()
		want := []string{"/b/high.png", "/a/med.png", "/b/low.png"}
		for i, img := range got {
			if img.URL != want[i] {
				t.Errorf("position %d: expected %s, got %s", i, want[i], img.URL)
			}
		}
	})

	t.Run("Section With Priority", func(t *testing.T) {
		got := r.SectionWithPriority("b")
		if got[0].Priority != High {
			t.Errorf("expected high first, got %s", got[0].Priority)
		}
		// The registry itself must stay untouched.
		if r.BySection("b")[0].Priority != Low {
			t.Errorf("registry order was mutated")
		}
	})

	t.Run("Navigation", func(t *testing.T) {
		if got := r.NextSection("a"); got != "b" {
			t.Errorf("expected next of a to be b, got %q", got)
		}
		if got := r.NextSection("b"); got != "" {
			t.Errorf("expected no next section, got %q", got)
		}
		if got := r.PreviousSection("a"); got != "" {
			t.Errorf("expected no previous section, got %q", got)
		}
		if got := r.PreviousSection("missing"); got != "" {
			t.Errorf("expected empty for unknown section, got %q", got)
		}
	})

	t.Run("Totals And Uncached", func(t *testing.T) {
		if got := r.TotalEstimatedSize(); got != 60 {
			t.Errorf("expected 60, got %d", got)
		}
		unc := r.Uncached([]string{"/b/low.png", "/a/med.png"})
		if len(unc) != 1 || unc[0].URL != "/b/high.png" {
			t.Errorf("unexpected uncached set: %+v", unc)
		}
		if img, ok := r.Lookup("/a/med.png"); !ok || img.Section != "a" {
			t.Errorf("lookup failed: %+v %v", img, ok)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		r, err := Load(strings.NewReader(`{"sections":[{"name":"x","order":1,"images":[{"url":"/x.png","priority":"low"}]}]}`))
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		imgs := r.BySection("x")
		if len(imgs) != 1 || imgs[0].Priority != Low || imgs[0].Section != "x" {
			t.Errorf("unexpected images: %+v", imgs)
		}
	})

	t.Run("Bad Priority", func(t *testing.T) {
		_, err := Load(strings.NewReader(`{"sections":[{"name":"x","images":[{"url":"/x.png","priority":"urgent"}]}]}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("Missing URL", func(t *testing.T) {
		_, err := Load(strings.NewReader(`{"sections":[{"name":"x","images":[{"priority":"low"}]}]}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestResolve(t *testing.T) {
	r := New([]Section{{Name: "a", Images: []Image{{URL: "/static/a.png"}, {URL: "https://cdn.example.com/b.png"}}}})
	resolved, err := r.Resolve("http://localhost:1313/")
	if err != nil {
		t.Fatal(err)
	}
	imgs := resolved.BySection("a")
	if imgs[0].URL != "http://localhost:1313/static/a.png" {
		t.Errorf("unexpected url %s", imgs[0].URL)
	}
	if imgs[1].URL != "https://cdn.example.com/b.png" {
		t.Errorf("absolute url changed: %s", imgs[1].URL)
	}
	if _, ok := resolved.Lookup("http://localhost:1313/static/a.png"); !ok {
		t.Error("resolved url not indexed")
	}
}
