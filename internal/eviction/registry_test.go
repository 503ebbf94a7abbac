package eviction_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/lucasew/imgcache/internal/eviction"
	_ "github.com/lucasew/imgcache/internal/eviction/fifo"
	_ "github.com/lucasew/imgcache/internal/eviction/lru"
)

func TestStrategies(t *testing.T) {
	if got := eviction.Strategies(); !slices.Equal(got, []string{"fifo", "lru"}) {
		t.Errorf("unexpected strategies %v", got)
	}

	for _, name := range []string{"fifo", "lru"} {
		s, err := eviction.GetStrategy(name)
		if err != nil || s == nil {
			t.Errorf("GetStrategy(%q) = %v, %v", name, s, err)
		}
	}

	if _, err := eviction.GetStrategy("random"); !errors.Is(err, eviction.ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}
