// Package maxsize caps the bytes held by the cache.
package maxsize

import (
	"context"

	"github.com/lucasew/imgcache/internal/eviction/policy"
)

// Policy keeps the cache within MaxBytes. Zero or less disables it.
type Policy struct {
	MaxBytes int64
}

func (p *Policy) BytesToFree(_ context.Context, u policy.Usage) (int64, error) {
	if p.MaxBytes <= 0 || u.Bytes <= p.MaxBytes {
		return 0, nil
	}
	return u.Bytes - p.MaxBytes, nil
}
