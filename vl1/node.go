package vl1

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zerotier/ZeroTierOne-sub073/internal/metrics"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery/memory"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/ratelimit"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/session"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/whois"
)

var (
	ErrClosed            = errors.New("vl1: node is closed")
	ErrNoRoute           = errors.New("vl1: no route to destination")
	ErrHopLimit          = errors.New("vl1: hop limit reached")
	ErrUnresolved        = errors.New("vl1: address could not be resolved")
	ErrIdentityCollision = errors.New("vl1: address claimed by a different identity")
	ErrUnknownPeer       = errors.New("vl1: unknown peer")
)

const (
	// DefaultHelloInterval is how often, in ticks, roots are sent a HELLO.
	DefaultHelloInterval = 60000
	// DefaultTickInterval is how often Run calls OnInterval.
	DefaultTickInterval = 250 * time.Millisecond

	sendTimeout = 5 * time.Second
)

// Config configures a Node. Identity and Transport are required.
type Config struct {
	// Identity is the local identity and must include its secret keys.
	Identity  *identity.Identity
	Transport Transport
	// Roots answer WHOIS queries and relay packets for which no direct path is known.
	Roots []Root
	// Store persists learned endpoints. Defaults to an in-memory store.
	Store discovery.Store

	Whois           whois.Config
	MaxInFlight     int
	FragmentTimeout int64
	// WhoisRateLimit bounds WHOIS requests answered per peer.
	WhoisRateLimit ratelimit.Config

	Session       session.Config
	SessionPolicy session.Policy

	// LegacyCipher armors packets with Salsa20/Poly1305 instead of AES-GMAC-SIV.
	LegacyCipher  bool
	HelloInterval int64
	TickInterval  time.Duration

	// Clock returns monotonic time in ticks. Defaults to milliseconds since New.
	Clock func() int64
	// Rand selects roots. Defaults to a PCG seeded from crypto/rand.
	Rand *rand.Rand
	Log  logrus.FieldLogger

	OnUserMessage        func(from identity.Address, m protocol.UserMessage)
	OnSessionEstablished func(s *session.Session)
	OnSessionData        func(s *session.Session, data []byte)
}

// Node is one participant in the network.
type Node struct {
	cfg       Config
	local     *identity.Identity
	transport Transport
	store     discovery.Store
	cipher    protocol.Cipher
	log       logrus.FieldLogger

	peers    *peerTable
	roots    []*peer
	sessions *session.Host
	whois    *whois.Queue
	limiter  *ratelimit.Limiter[identity.Address]

	defragMu sync.Mutex
	defrag   *protocol.Defragmenter[discovery.Endpoint]

	rngMu sync.Mutex
	rng   *rand.Rand

	packetID atomic.Uint64

	mu          sync.Mutex
	pendingFrom map[identity.Address]discovery.Endpoint
	waiters     map[identity.Address][]chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a node. It does not read from the transport until Run is called;
// frames may also be fed to HandleDatagram directly.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == nil || !cfg.Identity.HasSecret() || cfg.Transport == nil {
		return nil, protocol.ErrInvalidParameter
	}
	if cfg.Store == nil {
		cfg.Store = memory.New()
	}
	if cfg.HelloInterval <= 0 {
		cfg.HelloInterval = DefaultHelloInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() int64 { return time.Since(start).Milliseconds() }
	}
	if cfg.Rand == nil {
		var seed [16]byte
		if _, err := crand.Read(seed[:]); err != nil {
			return nil, err
		}
		cfg.Rand = rand.New(rand.NewPCG(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:])))
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	local := cfg.Identity
	log := cfg.Log.WithFields(logrus.Fields{"component": "node", "address": local.Address().String()})
	sessions, err := session.NewHost(local, cfg.Session, cfg.SessionPolicy, cfg.Log)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		local:       local,
		transport:   cfg.Transport,
		store:       cfg.Store,
		cipher:      protocol.CipherAESGMACSIV,
		log:         log,
		peers:       newPeerTable(local),
		sessions:    sessions,
		limiter:     ratelimit.New[identity.Address](cfg.WhoisRateLimit),
		defrag:      protocol.NewDefragmenter[discovery.Endpoint](cfg.MaxInFlight, cfg.FragmentTimeout),
		rng:         cfg.Rand,
		pendingFrom: make(map[identity.Address]discovery.Endpoint),
		waiters:     make(map[identity.Address][]chan struct{}),
	}
	if cfg.LegacyCipher {
		n.cipher = protocol.CipherPoly1305Salsa20
	}
	n.packetID.Store(n.rng.Uint64())
	n.defrag.OnEvict = func(discovery.Endpoint, protocol.PacketID) {
		metrics.FragmentsEvictedTotal.Inc()
	}

	n.whois = whois.New(whois.ClockFunc(cfg.Clock), whois.SenderFunc(n.sendWhois), cfg.Whois, cfg.Log)
	n.whois.SetObserver(whois.Observer{
		Requested: func(k int) { metrics.WhoisRequestedTotal.Add(float64(k)) },
		Expired: func(addr identity.Address, dropped int) {
			metrics.WhoisExpiredTotal.Inc()
			metrics.WhoisDroppedPacketsTotal.Add(float64(dropped))
			n.wake(addr)
		},
		Dropped: func(identity.Address) { metrics.WhoisDroppedPacketsTotal.Inc() },
	})

	for _, r := range cfg.Roots {
		if r.Identity == nil || r.Identity.Address() == local.Address() {
			continue
		}
		if err := r.Identity.Validate(); err != nil {
			return nil, err
		}
		p, _, err := n.peers.add(r.Identity)
		if err != nil {
			return nil, err
		}
		if r.Endpoint.IsValid() {
			p.setEndpoint(r.Endpoint)
		} else {
			n.loadEndpoint(p)
		}
		n.roots = append(n.roots, p)
	}
	return n, nil
}

// Address returns the local address.
func (n *Node) Address() identity.Address { return n.local.Address() }

// Identity returns the local identity including its secret keys.
func (n *Node) Identity() *identity.Identity { return n.local }

// LocalEndpoint returns the transport's local endpoint.
func (n *Node) LocalEndpoint() discovery.Endpoint { return n.transport.LocalEndpoint() }

func (n *Node) now() int64 { return n.cfg.Clock() }

// Run reads frames from the transport and performs housekeeping until ctx is
// cancelled or the transport fails.
func (n *Node) Run(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.receiveLoop(ctx) })
	g.Go(func() error { return n.tickLoop(ctx) })
	return g.Wait()
}

func (n *Node) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 1<<16)
	for {
		size, from, err := n.transport.ReadFrom(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || n.closed.Load() {
				return nil
			}
			return err
		}
		if err := n.HandleDatagram(from, buf[:size], n.now()); err != nil {
			n.dropped(from, err)
		}
	}
}

func (n *Node) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	n.OnInterval(n.now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.OnInterval(n.now())
		}
	}
}

// OnInterval retries and expires WHOIS lookups, times out partial packets and
// stale sessions, and keeps roots informed of our endpoint.
func (n *Node) OnInterval(now int64) {
	n.whois.OnInterval(now)

	n.defragMu.Lock()
	n.defrag.OnInterval(now)
	n.defragMu.Unlock()

	if expired := n.sessions.OnInterval(now); expired > 0 {
		n.log.WithField("expired", expired).Debug("sessions expired")
	}

	for _, r := range n.roots {
		if !r.helloDue(now, n.cfg.HelloInterval) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := n.sendHello(ctx, r, now); err != nil {
			n.log.WithError(err).WithField("root", r.identity.Address().String()).Debug("hello to root failed")
		}
		cancel()
	}

	metrics.WhoisPending.Set(float64(n.whois.Len()))
	metrics.Peers.Set(float64(n.peers.len()))
	metrics.Sessions.Set(float64(n.sessions.Count()))
}

// Close stops the node, closes its transport and destroys all keys.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		err = n.transport.Close()
		n.peers.destroy()
		n.mu.Lock()
		for addr := range n.waiters {
			n.wakeLocked(addr)
		}
		n.mu.Unlock()
	})
	return err
}

// AddPeer learns id out of band, optionally with a known endpoint.
func (n *Node) AddPeer(id *identity.Identity, ep discovery.Endpoint) error {
	if err := id.Validate(); err != nil {
		return err
	}
	p, _, err := n.peers.add(id)
	if err != nil {
		return err
	}
	if ep.IsValid() {
		p.learned(ep, n.now())
		n.saveEndpoint(p.identity.Address(), ep)
	} else {
		n.loadEndpoint(p)
	}
	n.resolved(p, n.now())
	return nil
}

// Peer returns what the node knows about addr.
func (n *Node) Peer(addr identity.Address) (PeerInfo, bool) {
	p, ok := n.peers.get(addr)
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// PeerCount returns the number of known peers, roots included.
func (n *Node) PeerCount() int { return n.peers.len() }

// Resolve returns the identity for addr, asking a root if it is not known.
func (n *Node) Resolve(ctx context.Context, addr identity.Address) (*identity.Identity, error) {
	p, err := n.resolvePeer(ctx, addr)
	if err != nil {
		return nil, err
	}
	return p.identity, nil
}

func (n *Node) resolvePeer(ctx context.Context, addr identity.Address) (*peer, error) {
	if addr == n.local.Address() || !addr.IsValid() {
		return nil, protocol.ErrInvalidParameter
	}
	if p, ok := n.peers.get(addr); ok {
		return p, nil
	}
	if n.closed.Load() {
		return nil, ErrClosed
	}

	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[addr] = append(n.waiters[addr], ch)
	n.mu.Unlock()

	if p, ok := n.peers.get(addr); ok {
		n.wake(addr)
		return p, nil
	}
	n.whois.Query(addr, nil)

	select {
	case <-ch:
		if p, ok := n.peers.get(addr); ok {
			return p, nil
		}
		if n.closed.Load() {
			return nil, ErrClosed
		}
		return nil, ErrUnresolved
	case <-ctx.Done():
		n.mu.Lock()
		w := n.waiters[addr]
		for i, c := range w {
			if c == ch {
				n.waiters[addr] = append(w[:i], w[i+1:]...)
				break
			}
		}
		if len(n.waiters[addr]) == 0 {
			delete(n.waiters, addr)
		}
		n.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (n *Node) wake(addr identity.Address) {
	n.mu.Lock()
	n.wakeLocked(addr)
	n.mu.Unlock()
}

func (n *Node) wakeLocked(addr identity.Address) {
	for _, c := range n.waiters[addr] {
		close(c)
	}
	delete(n.waiters, addr)
}

// resolved wakes callers waiting on p and processes packets that were queued
// until its identity became known.
func (n *Node) resolved(p *peer, now int64) {
	addr := p.identity.Address()
	n.wake(addr)

	n.mu.Lock()
	from := n.pendingFrom[addr]
	delete(n.pendingFrom, addr)
	n.mu.Unlock()

	n.whois.ResponseReceivedGetPackets(addr, func(packet []byte) {
		if err := n.receivePacket(from, packet, now); err != nil {
			n.dropped(from, err)
		}
	})
}

func (n *Node) loadEndpoint(p *peer) {
	ep, err := n.store.GetRemoteEndpoint(p.identity.Address())
	if err == nil && ep.IsValid() {
		p.setEndpoint(ep)
	}
}

func (n *Node) saveEndpoint(addr identity.Address, ep discovery.Endpoint) {
	if err := n.store.SaveRemoteEndpoint(addr, ep); err != nil {
		n.log.WithError(err).WithField("peer", addr.String()).Warn("saving endpoint failed")
	}
}

// pickRoot returns a root with a known endpoint chosen at random.
func (n *Node) pickRoot() *peer {
	var usable []*peer
	for _, r := range n.roots {
		if r.Endpoint().IsValid() {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	n.rngMu.Lock()
	i := n.rng.IntN(len(usable))
	n.rngMu.Unlock()
	return usable[i]
}

func (n *Node) sendWhois(addrs []identity.Address) {
	root := n.pickRoot()
	if root == nil {
		n.log.WithField("count", len(addrs)).Debug("no root to resolve addresses")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for len(addrs) > 0 {
		k := min(len(addrs), protocol.MaxWhoisBatch)
		if _, err := n.sendTo(ctx, root, protocol.VerbWhois, protocol.AppendWhois(nil, addrs[:k])); err != nil {
			n.log.WithError(err).Debug("whois request failed")
			return
		}
		addrs = addrs[k:]
	}
}

func (n *Node) dropped(from discovery.Endpoint, err error) {
	reason := "other"
	switch {
	case protocol.KindOf(err) != 0:
		reason = protocol.KindOf(err).String()
	case errors.Is(err, ErrNoRoute):
		reason = "no route"
	case errors.Is(err, ErrHopLimit):
		reason = "hop limit"
	case errors.Is(err, ErrIdentityCollision):
		reason = "identity collision"
	}
	metrics.PacketsDroppedTotal.WithLabelValues(reason).Inc()

	entry := n.log.WithField("from", from.String())
	if k := protocol.KindOf(err); k != 0 && !k.SafeToLog() {
		entry.Debug("packet dropped")
		return
	}
	entry.WithError(err).Debug("packet dropped")
}
