package vl1

import (
	"context"
	"fmt"

	"github.com/zerotier/ZeroTierOne-sub073/internal/metrics"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/session"
)

func (n *Node) nextPacketID() protocol.PacketID {
	return protocol.PacketID(n.packetID.Add(1))
}

// encode builds an armored packet for p. HELLO is sent with the MAC-only cipher
// plus an HMAC so the receiver can read the identity before it can authenticate
// anything; every other verb is compressed where that helps and armored with
// the node's cipher. It returns the packet id as it appears on the wire.
func (n *Node) encode(p *peer, verb protocol.Verb, body []byte) (protocol.PacketID, []byte, error) {
	pkt := protocol.NewPacket(n.nextPacketID(), p.identity.Address(), n.local.Address(), verb, body)
	c := n.cipher
	if verb == protocol.VerbHello {
		pkt = protocol.AppendPacketHMAC(pkt, p.secret)
		c = protocol.CipherPoly1305None
	} else {
		pkt = protocol.CompressPacket(pkt)
	}
	if len(pkt) > protocol.PacketSizeMax {
		return 0, nil, protocol.ErrDataTooLarge
	}
	if err := protocol.Armor(pkt, p.secret, c); err != nil {
		return 0, nil, err
	}
	return protocol.PacketIDFromBytes(pkt[0:8]), pkt, nil
}

// route returns where packets for p go: its own endpoint when known,
// otherwise a root that will relay them.
func (n *Node) route(p *peer) (discovery.Endpoint, error) {
	if ep := p.Endpoint(); ep.IsValid() {
		return ep, nil
	}
	n.loadEndpoint(p)
	if ep := p.Endpoint(); ep.IsValid() {
		return ep, nil
	}
	if root := n.pickRoot(); root != nil && root != p {
		return root.Endpoint(), nil
	}
	return discovery.Endpoint{}, fmt.Errorf("%w: %s", ErrNoRoute, p.identity.Address())
}

func (n *Node) transmit(ctx context.Context, pkt []byte, ep discovery.Endpoint) error {
	if n.closed.Load() {
		return ErrClosed
	}
	return protocol.Fragment(pkt, n.transport.MTU(), func(frame []byte) error {
		return n.transport.WriteTo(ctx, frame, ep)
	})
}

func (n *Node) sendTo(ctx context.Context, p *peer, verb protocol.Verb, body []byte) (protocol.PacketID, error) {
	ep, err := n.route(p)
	if err != nil {
		return 0, err
	}
	return n.sendVia(ctx, p, ep, verb, body)
}

func (n *Node) sendVia(ctx context.Context, p *peer, ep discovery.Endpoint, verb protocol.Verb, body []byte) (protocol.PacketID, error) {
	id, pkt, err := n.encode(p, verb, body)
	if err != nil {
		return 0, err
	}
	if err := n.transmit(ctx, pkt, ep); err != nil {
		return 0, err
	}
	metrics.PacketsSentTotal.WithLabelValues(verb.String()).Inc()
	return id, nil
}

// reply answers a packet received from p. Packets that arrived directly are
// answered on the same path; relayed ones follow the normal route.
func (n *Node) reply(p *peer, h protocol.Header, from discovery.Endpoint, verb protocol.Verb, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	var err error
	if h.Hops() == 0 && from.IsValid() {
		_, err = n.sendVia(ctx, p, from, verb, body)
	} else {
		_, err = n.sendTo(ctx, p, verb, body)
	}
	return err
}

func (n *Node) sendHello(ctx context.Context, p *peer, now int64) error {
	ep, err := n.route(p)
	if err != nil {
		return err
	}
	body, err := protocol.AppendHello(nil, &protocol.Hello{
		Version:   protocol.ProtocolVersion,
		Timestamp: now,
		Identity:  n.local,
		SentTo:    ep.String(),
	}, p.secret)
	if err != nil {
		return err
	}
	_, err = n.sendVia(ctx, p, ep, protocol.VerbHello, body)
	return err
}

// Send delivers one packet with the given verb and body to dest, resolving
// its identity first if necessary.
func (n *Node) Send(ctx context.Context, dest identity.Address, verb protocol.Verb, body []byte) error {
	p, err := n.resolvePeer(ctx, dest)
	if err != nil {
		return err
	}
	_, err = n.sendTo(ctx, p, verb, body)
	return err
}

// SendUserMessage delivers an application message to dest.
func (n *Node) SendUserMessage(ctx context.Context, dest identity.Address, m protocol.UserMessage) error {
	return n.Send(ctx, dest, protocol.VerbUserMessage, protocol.AppendUserMessage(nil, m))
}

// Echo asks dest to return data in an OK.
func (n *Node) Echo(ctx context.Context, dest identity.Address, data []byte) error {
	return n.Send(ctx, dest, protocol.VerbEcho, data)
}

// Hello introduces the local identity to dest and measures latency from the reply.
func (n *Node) Hello(ctx context.Context, dest identity.Address) error {
	p, err := n.resolvePeer(ctx, dest)
	if err != nil {
		return err
	}
	return n.sendHello(ctx, p, n.now())
}

// OpenSession offers a session to dest. The session is usable once
// OnSessionEstablished fires for it or Established reports true.
func (n *Node) OpenSession(ctx context.Context, dest identity.Address) (*session.Session, error) {
	p, err := n.resolvePeer(ctx, dest)
	if err != nil {
		return nil, err
	}
	s, msg, err := n.sessions.Offer(p.identity, n.now())
	if err != nil {
		return nil, err
	}
	if _, err := n.sendTo(ctx, p, protocol.VerbSession, msg); err != nil {
		n.sessions.Close(s)
		return nil, err
	}
	return s, nil
}

// SendSession seals data under s and sends it to the session's remote.
func (n *Node) SendSession(ctx context.Context, s *session.Session, data []byte) error {
	p, ok := n.peers.get(s.Remote().Address())
	if !ok {
		return ErrUnknownPeer
	}
	buf := make([]byte, len(data)+session.DataOverhead)
	size, err := s.Seal(buf, data)
	if err != nil {
		return err
	}
	_, err = n.sendTo(ctx, p, protocol.VerbSession, buf[:size])
	return err
}

// CloseSession forgets s and destroys its keys.
func (n *Node) CloseSession(s *session.Session) { n.sessions.Close(s) }
