package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lucasew/imgcache/internal/hashutil"
	"github.com/lucasew/imgcache/internal/registry"
)

const (
	// DefaultMaxBytes is the byte budget used when Options.MaxBytes is zero.
	DefaultMaxBytes int64 = 50 * 1024 * 1024
	// DefaultTTL applies when an entry is stored without its own TTL.
	DefaultTTL = 7 * 24 * time.Hour
)

var (
	// ErrNotFound is returned when an entry is absent or already expired.
	ErrNotFound = errors.New("image not cached")

	// ErrQuotaExceeded is returned when a payload cannot fit in the budget.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrPermission is returned when the backing storage refuses access.
	ErrPermission = errors.New("storage permission denied")

	// ErrUnavailable is returned when the backing storage cannot be used.
	ErrUnavailable = errors.New("storage unavailable")
)

// Error decorates a storage failure with the operation that caused it.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CachedImage is a stored payload together with its bookkeeping.
type CachedImage struct {
	Meta
	Payload []byte
}

// Meta is everything about an entry except its payload.
type Meta struct {
	URL          string
	Size         int64
	CachedAt     time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	Section      string
	Priority     registry.Priority
	Digest       string
}

// Entry is the input of Put.
type Entry struct {
	URL      string
	Payload  []byte
	Section  string
	Priority registry.Priority
	// TTL overrides the store default when positive.
	TTL time.Duration
}

// Stats summarizes the live entries.
type Stats struct {
	Count       int            `json:"totalImages"`
	TotalSize   int64          `json:"totalSize"`
	MaxBytes    int64          `json:"maxSize"`
	Oldest      time.Time      `json:"oldest"`
	Newest      time.Time      `json:"newest"`
	AverageSize int64          `json:"averageSize"`
	BySection   map[string]int `json:"sections"`
	ByPriority  map[string]int `json:"priorities"`
}

func newStats(maxBytes int64) Stats {
	s := Stats{
		MaxBytes:   maxBytes,
		BySection:  make(map[string]int),
		ByPriority: make(map[string]int),
	}
	for _, p := range registry.Priorities {
		s.ByPriority[p.String()] = 0
	}
	return s
}

func (s *Stats) add(m Meta) {
	s.Count++
	s.TotalSize += m.Size
	if s.Oldest.IsZero() || m.CachedAt.Before(s.Oldest) {
		s.Oldest = m.CachedAt
	}
	if m.CachedAt.After(s.Newest) {
		s.Newest = m.CachedAt
	}
	s.BySection[m.Section]++
	s.ByPriority[m.Priority.String()]++
}

func (s *Stats) finish() {
	if s.Count > 0 {
		s.AverageSize = s.TotalSize / int64(s.Count)
	}
}

// Store is a size bounded, TTL aware image cache.
//
// Put reclaims space before writing: expired entries first, then entries in
// ascending LastAccessed order, until the new payload fits. Check and write
// happen in one critical section so concurrent writers never overshoot the
// budget.
type Store interface {
	Put(ctx context.Context, e Entry) error
	// Get returns ErrNotFound for absent or expired entries and records the
	// access otherwise.
	Get(ctx context.Context, url string) (*CachedImage, error)
	// Peek is Get without the access bookkeeping.
	Peek(ctx context.Context, url string) (*CachedImage, error)
	Remove(ctx context.Context, url string) (bool, error)
	Clear(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// List returns live entries, least recently accessed first.
	List(ctx context.Context) ([]Meta, error)
	// RemoveExpired deletes every entry past its expiry and reports how many
	// entries and bytes were removed.
	RemoveExpired(ctx context.Context) (int, int64, error)
	Budget() int64
	Close() error
}

// Options configure a store driver.
type Options struct {
	// Path is the database file for persistent drivers.
	Path       string
	MaxBytes   int64
	DefaultTTL time.Duration
	// DigestAlgo names the hashutil algorithm for Meta.Digest.
	DigestAlgo string
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.DigestAlgo == "" {
		o.DigestAlgo = hashutil.Default
	}
	return o
}

// Driver opens a Store.
type Driver func(ctx context.Context, opts Options) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = d
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	return names
}

// Open opens a store with the named driver.
func Open(ctx context.Context, name string, opts Options) (Store, error) {
	driversMu.RLock()
	d, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store driver not found: %s", name)
	}
	opts = opts.withDefaults()
	if !hashutil.IsSupported(opts.DigestAlgo) {
		return nil, fmt.Errorf("unsupported digest algorithm: %s", opts.DigestAlgo)
	}
	return d(ctx, opts)
}

func ttlFor(e Entry, def time.Duration) time.Duration {
	if e.TTL > 0 {
		return e.TTL
	}
	return def
}
