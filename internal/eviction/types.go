package eviction

import (
	"context"

	"github.com/lucasew/imgcache/internal/store"
)

// Store is the part of the image store the cleanup manager operates on.
type Store interface {
	RemoveExpired(ctx context.Context) (int, int64, error)
	List(ctx context.Context) ([]store.Meta, error)
	Remove(ctx context.Context, url string) (bool, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Victim represents an image to be evicted.
type Victim struct {
	Key  string
	Size int64
}

// Strategy picks which images to evict.
type Strategy interface {
	// Victims returns entries to remove so that at least toFree bytes are
	// released, or every entry when that is impossible.
	Victims(entries []store.Meta, toFree int64) []Victim
}

// Take walks ordered entries collecting victims until toFree is reached.
func Take(ordered []store.Meta, toFree int64) []Victim {
	var victims []Victim
	var freed int64
	for _, e := range ordered {
		if freed >= toFree {
			break
		}
		victims = append(victims, Victim{Key: e.URL, Size: e.Size})
		freed += e.Size
	}
	return victims
}
