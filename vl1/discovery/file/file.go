// Package file keeps remote endpoints in a JSON file so they survive restarts.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

// FormatVersion is the version of the on-disk format.
const FormatVersion = 1

type document struct {
	Version   int                                     `json:"version"`
	Endpoints map[identity.Address]discovery.Endpoint `json:"endpoints"`
}

// Store is a discovery.Store backed by a JSON file. Every save rewrites the file
// atomically.
type Store struct {
	path string

	mu        sync.RWMutex
	endpoints map[identity.Address]discovery.Endpoint
}

// Open loads path, starting empty if it does not exist or has another version.
func Open(path string) (*Store, error) {
	s := &Store{path: path, endpoints: map[identity.Address]discovery.Endpoint{}}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoint store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint store: %w", err)
	}
	if doc.Version != FormatVersion {
		return s, nil
	}
	for addr, ep := range doc.Endpoints {
		if addr.IsValid() && ep.IsValid() {
			s.endpoints[addr] = ep
		}
	}
	return s, nil
}

func (s *Store) SaveRemoteEndpoint(addr identity.Address, ep discovery.Endpoint) error {
	if !addr.IsValid() || !ep.IsValid() {
		return discovery.ErrInvalidEndpoint
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.endpoints[addr]; ok && old == ep {
		return nil
	}
	s.endpoints[addr] = ep
	return s.flushLocked()
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

// Len returns the number of stored endpoints.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

func (s *Store) flushLocked() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(document{Version: FormatVersion, Endpoints: s.endpoints}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write endpoint store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to rename endpoint store: %w", err)
	}
	return nil
}
