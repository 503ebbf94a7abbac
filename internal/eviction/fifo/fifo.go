package fifo

import (
	"cmp"
	"slices"

	"github.com/lucasew/imgcache/internal/eviction"
	"github.com/lucasew/imgcache/internal/store"
)

// FIFO evicts the images that were cached first, ignoring access.
type FIFO struct{}

func init() {
	eviction.Register("fifo", func() eviction.Strategy {
		return New()
	})
}

func New() *FIFO {
	return &FIFO{}
}

func (f *FIFO) Victims(entries []store.Meta, toFree int64) []eviction.Victim {
	ordered := slices.Clone(entries)
	slices.SortStableFunc(ordered, func(a, b store.Meta) int {
		return cmp.Compare(a.CachedAt.UnixNano(), b.CachedAt.UnixNano())
	})
	return eviction.Take(ordered, toFree)
}
