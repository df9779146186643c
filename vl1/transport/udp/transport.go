// Package udp carries frames as plain UDP datagrams.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
)

var (
	ErrWrongNetwork = errors.New("udp: endpoint is not udp")
)

type Transport struct {
	conn  *net.UDPConn
	local discovery.Endpoint
	mtu   int
}

// Listen binds addr ("host:port"). mtu <= 0 selects protocol.DefaultMTU.
func Listen(addr string, mtu int) (*Transport, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, err
	}
	if mtu <= 0 {
		mtu = protocol.DefaultMTU
	}
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &Transport{
		conn:  conn,
		local: discovery.NewEndpoint(discovery.NetworkUDP, local),
		mtu:   mtu,
	}, nil
}

// ReadFrom blocks until a datagram arrives or ctx is done.
func (t *Transport) ReadFrom(ctx context.Context, buf []byte) (int, discovery.Endpoint, error) {
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, discovery.Endpoint{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, from, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, discovery.Endpoint{}, ctx.Err()
		}
		return 0, discovery.Endpoint{}, err
	}
	return n, discovery.NewEndpoint(discovery.NetworkUDP, unmap(from)), nil
}

// WriteTo sends one datagram.
func (t *Transport) WriteTo(_ context.Context, b []byte, ep discovery.Endpoint) error {
	if ep.Network != discovery.NetworkUDP {
		return ErrWrongNetwork
	}
	_, err := t.conn.WriteToUDPAddrPort(b, ep.AddrPort)
	return err
}

func (t *Transport) MTU() int { return t.mtu }

func (t *Transport) LocalEndpoint() discovery.Endpoint { return t.local }

func (t *Transport) Close() error { return t.conn.Close() }

// unmap turns IPv4-mapped IPv6 source addresses back into IPv4.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
