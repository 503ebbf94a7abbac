package policy_test

import (
	"context"
	"testing"

	"github.com/lucasew/imgcache/internal/eviction/policy"
	"github.com/lucasew/imgcache/internal/eviction/policy/maxsize"
	"github.com/lucasew/imgcache/internal/eviction/policy/minfree"
	"github.com/lucasew/imgcache/internal/platform"
)

func TestMaxSize(t *testing.T) {
	cases := []struct {
		name    string
		max     int64
		current int64
		want    int64
	}{
		{"Under Budget", 100, 50, 0},
		{"At Budget", 100, 100, 0},
		{"Over Budget", 100, 150, 50},
		{"Disabled", 0, 150, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var p policy.Policy = &maxsize.Policy{MaxBytes: c.max}
			got, err := p.BytesToFree(t.Context(), policy.Usage{Bytes: c.current})
			if err != nil || got != c.want {
				t.Errorf("BytesToFree(%d) = %d, %v; want %d", c.current, got, err, c.want)
			}
		})
	}
}

type estimate platform.StorageEstimate

func (e estimate) Estimate(context.Context) (platform.StorageEstimate, error) {
	return platform.StorageEstimate(e), nil
}

func TestMinFree(t *testing.T) {
	u := policy.Usage{Bytes: 100, Images: 3}

	t.Run("Enough Space", func(t *testing.T) {
		p := &minfree.Policy{Estimator: estimate{Usage: 500, Quota: 1000}, MinFreeBytes: 400}
		if got, err := p.BytesToFree(t.Context(), u); err != nil || got != 0 {
			t.Errorf("expected nothing to free, got %d %v", got, err)
		}
	})

	t.Run("Short On Space", func(t *testing.T) {
		p := &minfree.Policy{Estimator: estimate{Usage: 950, Quota: 1000}, MinFreeBytes: 80}
		if got, err := p.BytesToFree(t.Context(), u); err != nil || got != 30 {
			t.Errorf("expected 30 bytes, got %d %v", got, err)
		}
	})

	t.Run("Capped At Cache Size", func(t *testing.T) {
		p := &minfree.Policy{Estimator: platform.DiskEstimator{Path: t.TempDir()}, MinFreeBytes: 1 << 62}
		if got, err := p.BytesToFree(t.Context(), u); err != nil || got != 100 {
			t.Errorf("expected the whole cache, got %d %v", got, err)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		p := &minfree.Policy{Estimator: platform.Unsupported{}, MinFreeBytes: 1 << 62}
		if got, err := p.BytesToFree(t.Context(), u); err != nil || got != 0 {
			t.Errorf("unsupported estimators never trigger eviction, got %d %v", got, err)
		}
	})

	t.Run("Missing Path", func(t *testing.T) {
		p := &minfree.Policy{Estimator: platform.DiskEstimator{Path: t.TempDir() + "/missing"}, MinFreeBytes: 1}
		if _, err := p.BytesToFree(t.Context(), u); err == nil {
			t.Error("expected error for missing path")
		}
	})
}
