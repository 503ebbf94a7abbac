package platform

import (
	"context"
	"sync"
)

// Static is a settable platform. Setters publish the matching event on the
// attached bus, if any.
type Static struct {
	mu      sync.RWMutex
	bus     *Bus
	online  bool
	network NetworkInfo
	battery *BatteryStatus
	storage *StorageEstimate
}

// NewStatic starts online with an unknown network, no battery and no
// storage estimate.
func NewStatic(bus *Bus) *Static {
	return &Static{bus: bus, online: true}
}

func (s *Static) publish(e Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Static) Online(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online, nil
}

func (s *Static) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if !changed {
		return
	}
	if online {
		s.publish(Event{Kind: EventOnline})
	} else {
		s.publish(Event{Kind: EventOffline})
	}
}

func (s *Static) Network(context.Context) (NetworkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.network, nil
}

func (s *Static) SetNetwork(n NetworkInfo) {
	s.mu.Lock()
	s.network = n
	s.mu.Unlock()
	s.publish(Event{Kind: EventNetworkChange, Network: n})
}

func (s *Static) Battery(context.Context) (BatteryStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.battery == nil {
		return BatteryStatus{}, ErrUnsupported
	}
	return *s.battery, nil
}

func (s *Static) SetBattery(b BatteryStatus) {
	s.mu.Lock()
	s.battery = &b
	s.mu.Unlock()
	s.publish(Event{Kind: EventBatteryChange, Battery: b})
}

func (s *Static) Estimate(context.Context) (StorageEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.storage == nil {
		return StorageEstimate{}, ErrUnsupported
	}
	return *s.storage, nil
}

func (s *Static) SetStorage(e StorageEstimate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = &e
}

// Visible raises an EventVisible.
func (s *Static) Visible() {
	s.publish(Event{Kind: EventVisible})
}
