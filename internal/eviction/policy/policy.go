// Package policy defines the capacity limits that trigger eviction.
package policy

import "context"

// Usage is the live content of the cache when a sweep runs.
type Usage struct {
	Bytes  int64
	Images int
}

// Policy reports how many bytes must be evicted to satisfy one limit. The
// manager evicts the largest amount any policy asks for.
type Policy interface {
	BytesToFree(ctx context.Context, u Usage) (int64, error)
}
