package fifo

import (
	"testing"
	"time"

	"github.com/lucasew/imgcache/internal/store"
)

func TestFIFO(t *testing.T) {
	base := time.Unix(1000, 0)
	entries := []store.Meta{
		{URL: "new", Size: 10, CachedAt: base.Add(time.Minute), LastAccessed: base},
		{URL: "old", Size: 10, CachedAt: base, LastAccessed: base.Add(time.Hour)},
	}
	victims := New().Victims(entries, 5)
	if len(victims) != 1 || victims[0].Key != "old" {
		t.Errorf("expected old to go first, got %+v", victims)
	}
}
