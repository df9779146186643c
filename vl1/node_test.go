package vl1

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery/memory"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/session"
)

type memFrame struct {
	from discovery.Endpoint
	data []byte
}

// memNet connects memTransports by endpoint. Frames to unknown endpoints or
// full queues are lost, as they would be on UDP.
type memNet struct {
	mu    sync.Mutex
	ports map[discovery.Endpoint]*memTransport
	order []*memTransport
}

func newMemNet() *memNet {
	return &memNet{ports: make(map[discovery.Endpoint]*memTransport)}
}

func (nw *memNet) attach(i byte, mtu int) *memTransport {
	ep := discovery.NewEndpoint(discovery.NetworkUDP, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, i}), 9993))
	tr := &memTransport{
		net:    nw,
		ep:     ep,
		mtu:    mtu,
		in:     make(chan memFrame, 256),
		closed: make(chan struct{}),
	}
	nw.mu.Lock()
	nw.ports[ep] = tr
	nw.order = append(nw.order, tr)
	nw.mu.Unlock()
	return tr
}

// pump delivers queued frames synchronously until every queue is empty.
func (nw *memNet) pump(now int64) {
	nw.mu.Lock()
	trs := append([]*memTransport(nil), nw.order...)
	nw.mu.Unlock()
	for {
		moved := false
		for _, tr := range trs {
			for {
				f, ok := tr.poll()
				if !ok {
					break
				}
				moved = true
				_ = tr.node.HandleDatagram(f.from, f.data, now)
			}
		}
		if !moved {
			return
		}
	}
}

type memTransport struct {
	net    *memNet
	ep     discovery.Endpoint
	mtu    int
	node   *Node
	in     chan memFrame
	closed chan struct{}
	once   sync.Once
}

func (t *memTransport) poll() (memFrame, bool) {
	select {
	case f := <-t.in:
		return f, true
	default:
		return memFrame{}, false
	}
}

func (t *memTransport) ReadFrom(ctx context.Context, buf []byte) (int, discovery.Endpoint, error) {
	select {
	case f := <-t.in:
		return copy(buf, f.data), f.from, nil
	case <-ctx.Done():
		return 0, discovery.Endpoint{}, ctx.Err()
	case <-t.closed:
		return 0, discovery.Endpoint{}, net.ErrClosed
	}
}

func (t *memTransport) WriteTo(_ context.Context, b []byte, ep discovery.Endpoint) error {
	if len(b) > t.mtu {
		return protocol.ErrDataTooLarge
	}
	t.net.mu.Lock()
	dst := t.net.ports[ep]
	t.net.mu.Unlock()
	if dst == nil {
		return nil
	}
	select {
	case dst.in <- memFrame{from: t.ep, data: append([]byte(nil), b...)}:
	default:
	}
	return nil
}

func (t *memTransport) MTU() int                          { return t.mtu }
func (t *memTransport) LocalEndpoint() discovery.Endpoint { return t.ep }
func (t *memTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

var testPorts atomic.Uint32

func newTestNode(t *testing.T, nw *memNet, roots []Root, mutate func(*Config)) (*Node, *memTransport) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tr := nw.attach(byte(testPorts.Add(1)), protocol.DefaultMTU)
	cfg := Config{
		Identity:  id,
		Transport: tr,
		Roots:     roots,
		Clock:     func() int64 { return 0 },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	tr.node = n
	t.Cleanup(func() { n.Close() })
	return n, tr
}

func rootOf(n *Node, tr *memTransport) Root {
	return Root{Identity: n.Identity().Public(), Endpoint: tr.LocalEndpoint()}
}

func TestNewRequiresSecretIdentity(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	_, err = New(Config{Identity: id.Public(), Transport: newMemNet().attach(200, protocol.DefaultMTU)})
	require.ErrorIs(t, err, protocol.ErrInvalidParameter)
}

func TestHelloIntroducesNodeToRoot(t *testing.T) {
	nw := newMemNet()
	root, rootTr := newTestNode(t, nw, nil, nil)
	store := memory.New()
	root.store = store
	a, aTr := newTestNode(t, nw, []Root{rootOf(root, rootTr)}, nil)

	a.OnInterval(0)
	nw.pump(0)

	info, ok := root.Peer(a.Address())
	require.True(t, ok)
	assert.Equal(t, aTr.LocalEndpoint(), info.Endpoint)
	assert.True(t, info.Identity.Equal(a.Identity().Public()))

	ep, err := store.GetRemoteEndpoint(a.Address())
	require.NoError(t, err)
	assert.Equal(t, aTr.LocalEndpoint(), ep)

	rootInfo, ok := a.Peer(root.Address())
	require.True(t, ok)
	assert.Equal(t, rootTr.LocalEndpoint(), rootInfo.Endpoint)

	// Not due again within the interval.
	a.OnInterval(1)
	_, pending := rootTr.poll()
	assert.False(t, pending)
}

func TestWhoisAnsweredByRoot(t *testing.T) {
	nw := newMemNet()
	root, rootTr := newTestNode(t, nw, nil, nil)
	a, _ := newTestNode(t, nw, []Root{rootOf(root, rootTr)}, nil)
	b, _ := newTestNode(t, nw, []Root{rootOf(root, rootTr)}, nil)

	a.OnInterval(0)
	b.OnInterval(0)
	nw.pump(0)
	_, ok := root.Peer(b.Address())
	require.True(t, ok)

	unknown := identity.AddressFromUint64(0x0102030405)
	a.sendWhois([]identity.Address{b.Address(), unknown})
	nw.pump(0)

	info, ok := a.Peer(b.Address())
	require.True(t, ok)
	assert.True(t, info.Identity.Equal(b.Identity().Public()))
	_, ok = a.Peer(unknown)
	assert.False(t, ok)
}

func TestUnknownSenderWaitsForWhois(t *testing.T) {
	nw := newMemNet()
	root, rootTr := newTestNode(t, nw, nil, nil)
	a, aTr := newTestNode(t, nw, []Root{rootOf(root, rootTr)}, nil)
	var got []protocol.UserMessage
	b, bTr := newTestNode(t, nw, []Root{rootOf(root, rootTr)}, func(c *Config) {
		c.OnUserMessage = func(_ identity.Address, m protocol.UserMessage) { got = append(got, m) }
	})

	a.OnInterval(0)
	b.OnInterval(0)
	nw.pump(0)

	// a knows b directly; b has never heard of a.
	require.NoError(t, a.AddPeer(b.Identity().Public(), bTr.LocalEndpoint()))
	require.NoError(t, a.SendUserMessage(context.Background(), b.Address(), protocol.UserMessage{Type: 1, Data: []byte("queued")}))

	f, ok := bTr.poll()
	require.True(t, ok)
	require.NoError(t, b.HandleDatagram(f.from, f.data, 0))
	assert.Empty(t, got)
	assert.True(t, b.whois.Pending(a.Address()))

	nw.pump(0)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("queued"), got[0].Data)

	info, ok := b.Peer(a.Address())
	require.True(t, ok)
	assert.Equal(t, aTr.LocalEndpoint(), info.Endpoint)
}

func TestTamperedPacketDroppedWithoutReply(t *testing.T) {
	nw := newMemNet()
	var got [][]byte
	a, aTr := newTestNode(t, nw, nil, nil)
	b, bTr := newTestNode(t, nw, nil, func(c *Config) {
		c.OnUserMessage = func(_ identity.Address, m protocol.UserMessage) { got = append(got, m.Data) }
	})
	require.NoError(t, a.AddPeer(b.Identity().Public(), bTr.LocalEndpoint()))
	require.NoError(t, b.AddPeer(a.Identity().Public(), aTr.LocalEndpoint()))

	require.NoError(t, a.SendUserMessage(context.Background(), b.Address(), protocol.UserMessage{Type: 2, Data: []byte("payload")}))
	f, ok := bTr.poll()
	require.True(t, ok)

	tampered := append([]byte(nil), f.data...)
	tampered[len(tampered)-1] ^= 0x01
	err := b.HandleDatagram(f.from, tampered, 0)
	require.ErrorIs(t, err, protocol.ErrFailedAuthentication)
	_, replied := aTr.poll()
	assert.False(t, replied)
	assert.Empty(t, got)

	require.NoError(t, b.HandleDatagram(f.from, f.data, 0))
	require.Equal(t, [][]byte{[]byte("payload")}, got)
}

func TestLargeMessageFragmented(t *testing.T) {
	nw := newMemNet()
	var got []byte
	a, aTr := newTestNode(t, nw, nil, func(c *Config) { c.LegacyCipher = true })
	b, bTr := newTestNode(t, nw, nil, func(c *Config) {
		c.LegacyCipher = true
		c.OnUserMessage = func(_ identity.Address, m protocol.UserMessage) { got = m.Data }
	})
	require.NoError(t, a.AddPeer(b.Identity().Public(), bTr.LocalEndpoint()))
	require.NoError(t, b.AddPeer(a.Identity().Public(), aTr.LocalEndpoint()))

	data := make([]byte, 6000)
	_, err := crand.Read(data)
	require.NoError(t, err)
	require.NoError(t, a.SendUserMessage(context.Background(), b.Address(), protocol.UserMessage{Type: 3, Data: data}))
	assert.Greater(t, len(bTr.in), 1)

	nw.pump(0)
	assert.True(t, bytes.Equal(data, got))
}

func TestForwardDropsAtHopLimit(t *testing.T) {
	nw := newMemNet()
	root, _ := newTestNode(t, nw, nil, nil)
	b, bTr := newTestNode(t, nw, nil, nil)
	require.NoError(t, root.AddPeer(b.Identity().Public(), bTr.LocalEndpoint()))

	src := identity.AddressFromUint64(0x0a0b0c0d0e)
	h := protocol.Header{ID: 1, Dest: b.Address(), Src: src}
	h.SetHops(protocol.ProtocolMaxHops)
	frame := append(h.AppendTo(nil), byte(protocol.VerbNop))
	from := discovery.NewEndpoint(discovery.NetworkUDP, netip.MustParseAddrPort("192.0.2.1:9993"))

	require.ErrorIs(t, root.HandleDatagram(from, frame, 0), ErrHopLimit)
	_, queued := bTr.poll()
	assert.False(t, queued)

	h.SetHops(2)
	frame = append(h.AppendTo(nil), byte(protocol.VerbNop))
	require.NoError(t, root.HandleDatagram(from, frame, 0))
	f, queued := bTr.poll()
	require.True(t, queued)
	fh, err := protocol.ParseHeader(f.data)
	require.NoError(t, err)
	assert.Equal(t, 3, fh.Hops())
}

func TestOversizedDatagramDropped(t *testing.T) {
	nw := newMemNet()
	a, aTr := newTestNode(t, nw, nil, nil)
	b, _ := newTestNode(t, nw, nil, nil)

	h := protocol.Header{ID: 7, Dest: a.Address(), Src: b.Address()}
	frame := append(h.AppendTo(nil), make([]byte, protocol.PacketSizeMax)...)
	require.ErrorIs(t, a.HandleDatagram(aTr.LocalEndpoint(), frame, 0), protocol.ErrDataTooLarge)
	assert.False(t, a.whois.Pending(b.Address()))
}

func TestRelayedMessageAndSession(t *testing.T) {
	nw := newMemNet()
	root, rootTr := newTestNode(t, nw, nil, func(c *Config) { c.Clock = nil })
	msgs := make(chan protocol.UserMessage, 1)
	established := make(chan *session.Session, 2)
	data := make(chan []byte, 1)
	a, _ := newTestNode(t, nw, []Root{rootOf(root, rootTr)}, func(c *Config) {
		c.Clock = nil
		c.TickInterval = 10 * time.Millisecond
		c.OnSessionEstablished = func(s *session.Session) { established <- s }
	})
	b, _ := newTestNode(t, nw, []Root{rootOf(root, rootTr)}, func(c *Config) {
		c.Clock = nil
		c.TickInterval = 10 * time.Millisecond
		c.OnUserMessage = func(_ identity.Address, m protocol.UserMessage) { msgs <- m }
		c.OnSessionData = func(_ *session.Session, d []byte) { data <- d }
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range []*Node{root, a, b} {
		go n.Run(ctx)
	}

	require.Eventually(t, func() bool {
		ia, okA := root.Peer(a.Address())
		ib, okB := root.Peer(b.Address())
		return okA && okB && ia.Endpoint.IsValid() && ib.Endpoint.IsValid()
	}, 5*time.Second, 10*time.Millisecond)

	sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
	defer sendCancel()
	require.NoError(t, a.SendUserMessage(sendCtx, b.Address(), protocol.UserMessage{Type: 9, Data: []byte("via root")}))

	select {
	case m := <-msgs:
		assert.Equal(t, uint64(9), m.Type)
		assert.Equal(t, []byte("via root"), m.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("user message not delivered")
	}

	s, err := a.OpenSession(sendCtx, b.Address())
	require.NoError(t, err)
	select {
	case es := <-established:
		assert.Same(t, s, es)
	case <-time.After(5 * time.Second):
		t.Fatal("session not established")
	}
	require.NoError(t, a.SendSession(sendCtx, s, []byte("sealed")))
	select {
	case d := <-data:
		assert.Equal(t, []byte("sealed"), d)
	case <-time.After(5 * time.Second):
		t.Fatal("session data not delivered")
	}
}
