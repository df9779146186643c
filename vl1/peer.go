package vl1

import (
	"sync"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

// peer is a remote node whose identity is known. The static secret is agreed
// once from the two long-term identities and authenticates every packet that
// is not sent inside a session.
type peer struct {
	identity *identity.Identity
	secret   *crypto.SymmetricSecret

	mu          sync.Mutex
	endpoint    discovery.Endpoint
	lastReceive int64
	lastHello   int64
	helloSent   bool
	latency     int64
}

func (p *peer) Endpoint() discovery.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

func (p *peer) learned(ep discovery.Endpoint, now int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReceive = now
	if !ep.IsValid() || ep == p.endpoint {
		return false
	}
	p.endpoint = ep
	return true
}

// PeerInfo is a snapshot of what a node knows about a peer.
type PeerInfo struct {
	Identity    *identity.Identity
	Endpoint    discovery.Endpoint
	LastReceive int64
	Latency     int64
}

func (p *peer) info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		Identity:    p.identity,
		Endpoint:    p.endpoint,
		LastReceive: p.lastReceive,
		Latency:     p.latency,
	}
}

// peerTable maps addresses to peers.
type peerTable struct {
	local *identity.Identity

	mu    sync.RWMutex
	peers map[identity.Address]*peer
}

func newPeerTable(local *identity.Identity) *peerTable {
	return &peerTable{local: local, peers: make(map[identity.Address]*peer)}
}

func (t *peerTable) get(addr identity.Address) (*peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[addr]
	return p, ok
}

// newPeer agrees the static secret for id without adding it to the table.
func (t *peerTable) newPeer(id *identity.Identity) (*peer, error) {
	if id.Address() == t.local.Address() {
		return nil, ErrIdentityCollision
	}
	master, err := t.local.Agree(id)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.NewSymmetricSecret(master)
	crypto.Wipe(master[:])
	if err != nil {
		return nil, err
	}
	return &peer{identity: id.Public(), secret: secret}, nil
}

// insert adds p unless its address is already taken. When it is, p is
// destroyed and the existing peer returned; a different identity under the same
// address is refused.
func (t *peerTable) insert(p *peer) (*peer, bool, error) {
	addr := p.identity.Address()
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.peers[addr]; ok {
		p.secret.Destroy()
		if !old.identity.Equal(p.identity) {
			return nil, false, ErrIdentityCollision
		}
		return old, false, nil
	}
	t.peers[addr] = p
	return p, true, nil
}

// add returns the peer for id, creating it if needed.
func (t *peerTable) add(id *identity.Identity) (*peer, bool, error) {
	if p, ok := t.get(id.Address()); ok {
		if !p.identity.Equal(id) {
			return nil, false, ErrIdentityCollision
		}
		return p, false, nil
	}
	p, err := t.newPeer(id)
	if err != nil {
		return nil, false, err
	}
	return t.insert(p)
}

func (t *peerTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *peerTable) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, p := range t.peers {
		p.secret.Destroy()
		delete(t.peers, addr)
	}
}

func (p *peer) setEndpoint(ep discovery.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.endpoint.IsValid() {
		p.endpoint = ep
	}
}

func (p *peer) setLatency(l int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = l
}

// helloDue reports whether a HELLO should be sent now and, if so, records it.
func (p *peer) helloDue(now, interval int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.helloSent && now-p.lastHello < interval {
		return false
	}
	p.helloSent = true
	p.lastHello = now
	return true
}
