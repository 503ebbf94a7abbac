package platform

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a platform signal change.
type EventKind string

const (
	EventOnline        EventKind = "online"
	EventOffline       EventKind = "offline"
	EventNetworkChange EventKind = "network"
	EventBatteryChange EventKind = "battery"
	// EventVisible is raised when the consumer becomes active again.
	EventVisible EventKind = "visible"
)

type Event struct {
	Kind    EventKind
	Network NetworkInfo
	Battery BatteryStatus
	Time    time.Time
}

// Bus fans platform events out to subscribers. Slow subscribers lose
// events rather than block publishers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("Dropped platform event", "kind", e.Kind, "subscriber", id)
		}
	}
}
