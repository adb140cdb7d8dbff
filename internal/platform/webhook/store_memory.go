package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a thread-safe, in-memory Store used in tests and
// single-node development setups.
type InMemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[uuid.UUID]*Endpoint
	deliveries    map[uuid.UUID]*Delivery
	endpointOrder []uuid.UUID
	deliveryOrder []uuid.UUID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		endpoints:  make(map[uuid.UUID]*Endpoint),
		deliveries: make(map[uuid.UUID]*Delivery),
	}
}

func (s *InMemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *InMemoryStore) GetEndpoint(_ context.Context, id uuid.UUID) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", id)
	}
	cp := *ep
	return &cp, nil
}

func (s *InMemoryStore) ListEndpoints(_ context.Context, ownerID uuid.UUID, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Endpoint
	for _, id := range s.endpointOrder {
		ep, ok := s.endpoints[id]
		if !ok {
			continue
		}
		if ownerID == uuid.Nil || ep.OwnerID == ownerID {
			cp := *ep
			filtered = append(filtered, &cp)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Endpoint{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *InMemoryStore) ListActiveEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Endpoint
	for _, id := range s.endpointOrder {
		ep, ok := s.endpoints[id]
		if !ok || !ep.Active {
			continue
		}
		cp := *ep
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("endpoint %s not found", ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *InMemoryStore) DeleteEndpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	delete(s.endpoints, id)
	for i, eid := range s.endpointOrder {
		if eid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	s.deliveryOrder = append(s.deliveryOrder, d.ID)
	return nil
}

func (s *InMemoryStore) UpdateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return fmt.Errorf("delivery %s not found", d.ID)
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetDelivery(_ context.Context, id uuid.UUID) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (s *InMemoryStore) ListDeliveries(_ context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Delivery
	for _, id := range s.deliveryOrder {
		d, ok := s.deliveries[id]
		if !ok {
			continue
		}
		if d.EndpointID == endpointID {
			cp := *d
			filtered = append(filtered, &cp)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Delivery
	for _, id := range s.deliveryOrder {
		d, ok := s.deliveries[id]
		if !ok || d.Status != StatusRetrying {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
