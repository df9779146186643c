package vl1

import (
	"context"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

// Transport carries frames between physical endpoints. Implementations live in
// the transport subpackages.
type Transport interface {
	// ReadFrom blocks for the next frame and returns its length and source.
	ReadFrom(ctx context.Context, buf []byte) (int, discovery.Endpoint, error)
	// WriteTo sends one frame. It must not retain b.
	WriteTo(ctx context.Context, b []byte, ep discovery.Endpoint) error
	// MTU is the largest frame WriteTo accepts.
	MTU() int
	LocalEndpoint() discovery.Endpoint
	Close() error
}

// Root is a node trusted to answer WHOIS queries and relay packets.
type Root struct {
	Identity *identity.Identity
	Endpoint discovery.Endpoint
}
