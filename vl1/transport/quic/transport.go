// Package quic carries frames as QUIC datagrams (RFC 9221). One connection is
// kept per remote endpoint and dialed on first use from the listening socket,
// so remotes see a single stable source endpoint.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

const (
	// DatagramMTU fits a datagram frame in the smallest QUIC packet.
	DatagramMTU = 1100

	incomingQueue = 256
	idleTimeout   = 60 * time.Second
)

var (
	ErrWrongNetwork = errors.New("quic: endpoint is not quic")
	ErrClosed       = errors.New("quic: transport closed")
)

type datagram struct {
	data []byte
	from discovery.Endpoint
}

type Transport struct {
	tr    *q.Transport
	ln    *q.Listener
	tls   *tls.Config
	conf  *q.Config
	local discovery.Endpoint
	log   logrus.FieldLogger

	mu    sync.Mutex
	conns map[netip.AddrPort]q.Connection

	incoming chan datagram
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Listen binds addr ("host:port") and starts accepting connections. The TLS
// certificate is signed by id, which must hold its secret keys.
func Listen(addr string, id *identity.Identity, log logrus.FieldLogger) (*Transport, error) {
	tlsConf, err := newIdentityTLSConfig(id)
	if err != nil {
		return nil, err
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("quic: listen address: %w", err)
	}
	udp, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	t := &Transport{
		tr:  &q.Transport{Conn: udp},
		tls: tlsConf,
		conf: &q.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  idleTimeout,
			KeepAlivePeriod: idleTimeout / 3,
		},
		local:    discovery.NewEndpoint(discovery.NetworkQUIC, udp.LocalAddr().(*net.UDPAddr).AddrPort()),
		log:      log.WithField("component", "quic"),
		conns:    make(map[netip.AddrPort]q.Connection),
		incoming: make(chan datagram, incomingQueue),
	}
	t.ln, err = t.tr.Listen(tlsConf, t.conf)
	if err != nil {
		t.tr.Close()
		return nil, err
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			return
		}
		t.track(conn)
	}
}

// track registers conn and starts reading from it. A connection to a remote
// that already has one replaces the older connection.
func (t *Transport) track(conn q.Connection) {
	remote := addrPortOf(conn.RemoteAddr())
	t.mu.Lock()
	if old, ok := t.conns[remote]; ok && old != conn {
		_ = old.CloseWithError(0, "replaced")
	}
	t.conns[remote] = conn
	t.mu.Unlock()

	if id, err := peerIdentity(conn.ConnectionState().TLS.PeerCertificates); err == nil {
		t.log.WithFields(logrus.Fields{"remote": remote.String(), "identity": id.Address().String()}).Debug("connection")
	}
	t.wg.Add(1)
	go t.readLoop(conn, remote)
}

func (t *Transport) readLoop(conn q.Connection, remote netip.AddrPort) {
	defer t.wg.Done()
	from := discovery.NewEndpoint(discovery.NetworkQUIC, remote)
	for {
		b, err := conn.ReceiveDatagram(t.ctx)
		if err != nil {
			t.forget(conn, remote)
			t.log.WithError(err).WithField("remote", from).Debug("connection closed")
			return
		}
		select {
		case t.incoming <- datagram{data: b, from: from}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) forget(conn q.Connection, remote netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[remote] == conn {
		delete(t.conns, remote)
	}
}

// ReadFrom returns the next datagram from any connection.
func (t *Transport) ReadFrom(ctx context.Context, buf []byte) (int, discovery.Endpoint, error) {
	select {
	case d := <-t.incoming:
		n := copy(buf, d.data)
		return n, d.from, nil
	case <-ctx.Done():
		return 0, discovery.Endpoint{}, ctx.Err()
	case <-t.ctx.Done():
		return 0, discovery.Endpoint{}, ErrClosed
	}
}

// WriteTo sends b as one datagram, dialing ep first if needed.
func (t *Transport) WriteTo(ctx context.Context, b []byte, ep discovery.Endpoint) error {
	if ep.Network != discovery.NetworkQUIC {
		return ErrWrongNetwork
	}
	conn, err := t.connection(ctx, ep.AddrPort)
	if err != nil {
		return err
	}
	return conn.SendDatagram(append([]byte(nil), b...))
}

func (t *Transport) connection(ctx context.Context, remote netip.AddrPort) (q.Connection, error) {
	t.mu.Lock()
	conn, ok := t.conns[remote]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	conn, err := t.tr.Dial(ctx, net.UDPAddrFromAddrPort(remote), t.tls, t.conf)
	if err != nil {
		return nil, err
	}
	t.track(conn)
	return conn, nil
}

func (t *Transport) MTU() int { return DatagramMTU }

func (t *Transport) LocalEndpoint() discovery.Endpoint { return t.local }

// Close tears down every connection and the socket.
func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	for remote, conn := range t.conns {
		_ = conn.CloseWithError(0, "closing")
		delete(t.conns, remote)
	}
	t.mu.Unlock()
	err := t.ln.Close()
	t.wg.Wait()
	if cerr := t.tr.Close(); err == nil {
		err = cerr
	}
	return err
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if u, ok := a.(*net.UDPAddr); ok {
		ap := u.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
