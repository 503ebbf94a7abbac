// Package minfree keeps a minimum of free space on the storage backing the
// cache.
package minfree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lucasew/imgcache/internal/eviction/policy"
	"github.com/lucasew/imgcache/internal/platform"
)

// Policy asks for eviction when the free space reported by Estimator falls
// below MinFreeBytes. It never asks for more than the cache holds.
type Policy struct {
	Estimator    platform.StorageEstimator
	MinFreeBytes int64
}

func (p *Policy) BytesToFree(ctx context.Context, u policy.Usage) (int64, error) {
	est, err := p.Estimator.Estimate(ctx)
	if errors.Is(err, platform.ErrUnsupported) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to estimate free space: %w", err)
	}

	free := est.Quota - est.Usage
	slog.Debug("Free space check", "free_bytes", free, "min_required", p.MinFreeBytes)
	if free >= p.MinFreeBytes {
		return 0, nil
	}
	return min(p.MinFreeBytes-free, u.Bytes), nil
}
