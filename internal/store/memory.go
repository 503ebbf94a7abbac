package store

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/lucasew/imgcache/internal/hashutil"
)

func init() {
	Register("memory", func(ctx context.Context, opts Options) (Store, error) {
		return NewMemory(opts), nil
	})
}

// Memory keeps entries in process memory. The list is ordered by recency,
// most recently used at the front.
type Memory struct {
	mu     sync.Mutex
	opts   Options
	list   *list.List
	items  map[string]*list.Element
	total  int64
	closed bool
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:  opts.withDefaults(),
		list:  list.New(),
		items: make(map[string]*list.Element),
	}
}

func (m *Memory) Budget() int64 {
	return m.opts.MaxBytes
}

func (m *Memory) Put(ctx context.Context, e Entry) error {
	size := int64(len(e.Payload))
	if size > m.opts.MaxBytes {
		return &Error{Op: "put", URL: e.URL, Err: ErrQuotaExceeded}
	}
	digest, err := hashutil.Sum(m.opts.DigestAlgo, e.Payload)
	if err != nil {
		return &Error{Op: "put", URL: e.URL, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &Error{Op: "put", URL: e.URL, Err: ErrUnavailable}
	}

	now := m.opts.Now()
	if elem, ok := m.items[e.URL]; ok {
		m.removeElement(elem)
	}

	if m.total+size > m.opts.MaxBytes {
		// 1. Expired entries
		for elem := m.list.Back(); elem != nil; {
			prev := elem.Prev()
			if expired(elem.Value.(*CachedImage).ExpiresAt, now) {
				m.removeElement(elem)
			}
			elem = prev
		}
		// 2. Least recently used
		for m.total+size > m.opts.MaxBytes {
			victim := m.list.Back()
			if victim == nil {
				break
			}
			m.removeElement(victim)
		}
	}

	img := &CachedImage{
		Meta: Meta{
			URL:          e.URL,
			Size:         size,
			CachedAt:     now,
			LastAccessed: now,
			ExpiresAt:    now.Add(ttlFor(e, m.opts.DefaultTTL)),
			Section:      e.Section,
			Priority:     e.Priority,
			Digest:       digest,
		},
		Payload: slices.Clone(e.Payload),
	}
	m.items[e.URL] = m.list.PushFront(img)
	m.total += size
	return nil
}

func (m *Memory) removeElement(elem *list.Element) {
	img := elem.Value.(*CachedImage)
	m.list.Remove(elem)
	delete(m.items, img.URL)
	m.total -= img.Size
}

func (m *Memory) lookup(op, url string, touch bool) (*CachedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &Error{Op: op, URL: url, Err: ErrUnavailable}
	}

	elem, ok := m.items[url]
	if !ok {
		return nil, &Error{Op: op, URL: url, Err: ErrNotFound}
	}
	img := elem.Value.(*CachedImage)
	now := m.opts.Now()
	if expired(img.ExpiresAt, now) {
		m.removeElement(elem)
		return nil, &Error{Op: op, URL: url, Err: ErrNotFound}
	}
	if touch {
		img.AccessCount++
		img.LastAccessed = now
		m.list.MoveToFront(elem)
	}
	cp := *img
	cp.Payload = slices.Clone(img.Payload)
	return &cp, nil
}

func (m *Memory) Get(ctx context.Context, url string) (*CachedImage, error) {
	return m.lookup("get", url, true)
}

func (m *Memory) Peek(ctx context.Context, url string) (*CachedImage, error) {
	return m.lookup("peek", url, false)
}

func (m *Memory) Remove(ctx context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.items[url]
	if !ok {
		return false, nil
	}
	m.removeElement(elem)
	return true, nil
}

func (m *Memory) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.items)
	m.list.Init()
	m.items = make(map[string]*list.Element)
	m.total = 0
	return n, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	s := newStats(m.opts.MaxBytes)
	for _, elem := range m.items {
		img := elem.Value.(*CachedImage)
		if !expired(img.ExpiresAt, now) {
			s.add(img.Meta)
		}
	}
	s.finish()
	return s, nil
}

func (m *Memory) List(ctx context.Context) ([]Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	var out []Meta
	for elem := m.list.Back(); elem != nil; elem = elem.Prev() {
		img := elem.Value.(*CachedImage)
		if !expired(img.ExpiresAt, now) {
			out = append(out, img.Meta)
		}
	}
	return out, nil
}

func (m *Memory) RemoveExpired(ctx context.Context) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	var count int
	var freed int64
	for elem := m.list.Back(); elem != nil; {
		prev := elem.Prev()
		img := elem.Value.(*CachedImage)
		if expired(img.ExpiresAt, now) {
			count++
			freed += img.Size
			m.removeElement(elem)
		}
		elem = prev
	}
	return count, freed, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func expired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}
