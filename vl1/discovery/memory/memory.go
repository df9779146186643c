package memory

import (
	"maps"
	"sync"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

// Store is an in-memory endpoint store.
// It is useful for tests, examples and embedding in applications.
type Store struct {
	mu        sync.RWMutex
	endpoints map[identity.Address]discovery.Endpoint
}

func New() *Store {
	return &Store{endpoints: map[identity.Address]discovery.Endpoint{}}
}

func (s *Store) SaveRemoteEndpoint(addr identity.Address, ep discovery.Endpoint) error {
	if !addr.IsValid() || !ep.IsValid() {
		return discovery.ErrInvalidEndpoint
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[addr] = ep
	return nil
}

func (s *Store) GetRemoteEndpoint(addr identity.Address) (discovery.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[addr]
	if !ok {
		return discovery.Endpoint{}, discovery.ErrNotFound
	}
	return ep, nil
}

// All returns a copy of every stored endpoint.
func (s *Store) All() map[identity.Address]discovery.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.endpoints)
}
