package lru

import (
	"cmp"
	"slices"

	"github.com/lucasew/imgcache/internal/eviction"
	"github.com/lucasew/imgcache/internal/store"
)

// LRU evicts the least recently accessed images first.
type LRU struct{}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{}
}

func (l *LRU) Victims(entries []store.Meta, toFree int64) []eviction.Victim {
	ordered := slices.Clone(entries)
	slices.SortStableFunc(ordered, func(a, b store.Meta) int {
		return cmp.Compare(a.LastAccessed.UnixNano(), b.LastAccessed.UnixNano())
	})
	return eviction.Take(ordered, toFree)
}
