// Package discovery defines physical endpoints and where nodes remember them.
package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

var (
	ErrNotFound        = errors.New("discovery: endpoint not found")
	ErrInvalidEndpoint = errors.New("discovery: invalid endpoint")
)

// Networks understood by Endpoint.
const (
	NetworkUDP  = "udp"
	NetworkQUIC = "quic"
)

// Endpoint is a physical address a node can be reached at.
// Its text form is "network/ip:port", e.g. "udp/192.0.2.1:9993".
type Endpoint struct {
	Network  string
	AddrPort netip.AddrPort
}

// NewEndpoint builds an endpoint from its parts.
func NewEndpoint(network string, ap netip.AddrPort) Endpoint {
	return Endpoint{Network: network, AddrPort: ap}
}

// ParseEndpoint parses the text form.
func ParseEndpoint(s string) (Endpoint, error) {
	network, addr, ok := strings.Cut(s, "/")
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	switch network {
	case NetworkUDP, NetworkQUIC:
	default:
		return Endpoint{}, fmt.Errorf("%w: unknown network %q", ErrInvalidEndpoint, network)
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return Endpoint{Network: network, AddrPort: ap}, nil
}

// IsValid reports whether e has a network and a usable address.
func (e Endpoint) IsValid() bool {
	return e.Network != "" && e.AddrPort.IsValid()
}

func (e Endpoint) String() string {
	if !e.IsValid() {
		return ""
	}
	return e.Network + "/" + e.AddrPort.String()
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Endpoint) UnmarshalText(text []byte) error {
	ep, err := ParseEndpoint(string(text))
	if err != nil {
		return err
	}
	*e = ep
	return nil
}

// Store persists the last known endpoint of each remote node.
// Implementations must be safe for concurrent use.
type Store interface {
	SaveRemoteEndpoint(addr identity.Address, ep Endpoint) error
	GetRemoteEndpoint(addr identity.Address) (Endpoint, error)
}
