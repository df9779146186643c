package vl1

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zerotier/ZeroTierOne-sub073/internal/metrics"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
)

// maxIdentitiesPerReply keeps an OK(WHOIS) inside one packet.
const maxIdentitiesPerReply = (protocol.PayloadSizeMax - 64) / identity.PublicSize

// HandleDatagram processes one frame received from the physical endpoint from.
// data is not retained. Errors describe why the frame was dropped; none of them
// are reported to the sender.
func (n *Node) HandleDatagram(from discovery.Endpoint, data []byte, now int64) error {
	if len(data) > protocol.PacketSizeMax {
		return protocol.ErrDataTooLarge
	}
	if protocol.IsFragment(data) {
		fh, err := protocol.ParseFragmentHeader(data)
		if err != nil {
			return err
		}
		if fh.Dest != n.local.Address() {
			return n.forward(data, fh.Dest, fh.Hops, true)
		}
		return n.defragment(from, data, now)
	}

	h, err := protocol.ParseHeader(data)
	if err != nil {
		return err
	}
	if h.Dest != n.local.Address() {
		return n.forward(data, h.Dest, h.Hops(), false)
	}
	if h.IsFragmented() {
		return n.defragment(from, data, now)
	}
	return n.receivePacket(from, append([]byte(nil), data...), now)
}

// forward relays a frame addressed to another node, one hop further.
func (n *Node) forward(frame []byte, dest identity.Address, hops int, fragment bool) error {
	if hops >= protocol.ProtocolMaxHops {
		return ErrHopLimit
	}
	p, ok := n.peers.get(dest)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, dest)
	}
	ep := p.Endpoint()
	if !ep.IsValid() {
		return fmt.Errorf("%w: %s", ErrNoRoute, dest)
	}

	out := append([]byte(nil), frame...)
	if fragment {
		protocol.IncrementFragmentHops(out)
	} else {
		protocol.IncrementPacketHops(out)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := n.transport.WriteTo(ctx, out, ep); err != nil {
		return err
	}
	metrics.PacketsForwardedTotal.Inc()
	return nil
}

func (n *Node) defragment(from discovery.Endpoint, frame []byte, now int64) error {
	n.defragMu.Lock()
	pkt, ok, err := n.defrag.Receive(from, frame, now)
	n.defragMu.Unlock()
	if err != nil || !ok {
		return err
	}
	metrics.FragmentsReassembledTotal.Inc()
	return n.receivePacket(from, pkt, now)
}

// receivePacket authenticates a whole packet addressed to us and dispatches it.
// pkt is modified in place.
func (n *Node) receivePacket(from discovery.Endpoint, pkt []byte, now int64) error {
	h, err := protocol.ParseHeader(pkt)
	if err != nil {
		return err
	}
	if len(pkt) < protocol.MinPacketSize {
		return protocol.Invalid("packet has no verb")
	}
	if h.Src == n.local.Address() || !h.Src.IsValid() {
		return protocol.Invalid("source address %s", h.Src)
	}
	if v, _ := protocol.SplitVerb(pkt[protocol.VerbIndex]); v == protocol.VerbHello && h.Cipher() == protocol.CipherPoly1305None {
		return n.receiveHello(from, h, pkt, now)
	}

	p, ok := n.peers.get(h.Src)
	if !ok {
		if h.Hops() == 0 {
			n.mu.Lock()
			n.pendingFrom[h.Src] = from
			n.mu.Unlock()
		}
		n.whois.Query(h.Src, pkt)
		return nil
	}

	if err := protocol.Dearmor(pkt, p.secret); err != nil {
		return err
	}
	if pkt, err = protocol.VerifyPacketHMAC(pkt, p.secret); err != nil {
		return err
	}
	if pkt, err = protocol.DecompressPacket(pkt); err != nil {
		return err
	}

	ep := from
	if h.Hops() > 0 {
		ep = discovery.Endpoint{}
	}
	if p.learned(ep, now) {
		n.saveEndpoint(h.Src, ep)
	}
	return n.dispatch(p, h, from, pkt, now)
}

func (n *Node) receiveHello(from discovery.Endpoint, h protocol.Header, pkt []byte, now int64) error {
	hello, _, err := protocol.ParseHello(pkt[protocol.MinPacketSize:])
	if err != nil {
		return err
	}
	if hello.Identity.Address() != h.Src {
		return protocol.Invalid("hello identity %s sent from %s", hello.Identity.Address(), h.Src)
	}

	p, known := n.peers.get(h.Src)
	if known && !p.identity.Equal(hello.Identity) {
		return ErrIdentityCollision
	}
	if !known {
		if p, err = n.peers.newPeer(hello.Identity); err != nil {
			return err
		}
	}
	discard := func() {
		if !known {
			p.secret.Destroy()
		}
	}

	if err := protocol.Dearmor(pkt, p.secret); err != nil {
		discard()
		return err
	}
	if !protocol.HasExtendedAuthentication(pkt) {
		discard()
		return protocol.Invalid("hello without hmac")
	}
	if pkt, err = protocol.VerifyPacketHMAC(pkt, p.secret); err != nil {
		discard()
		return err
	}
	hello, sealed, err := protocol.ParseHello(pkt[protocol.MinPacketSize:])
	if err != nil {
		discard()
		return err
	}
	hello.OpenPrivate(sealed, p.secret)

	created := false
	if !known {
		if p, created, err = n.peers.insert(p); err != nil {
			return err
		}
	}
	ep := from
	if h.Hops() > 0 {
		ep = discovery.Endpoint{}
	}
	if p.learned(ep, now) {
		n.saveEndpoint(h.Src, ep)
	}
	metrics.PacketsReceivedTotal.WithLabelValues(protocol.VerbHello.String()).Inc()
	n.log.WithFields(logrus.Fields{"peer": h.Src.String(), "new": created, "sent_to": hello.SentTo}).Debug("hello")
	if created {
		n.resolved(p, now)
	}

	body := protocol.AppendHelloOK(nil, protocol.InRe{Verb: protocol.VerbHello, ID: h.ID}, protocol.HelloOK{
		Timestamp: hello.Timestamp,
		Version:   protocol.ProtocolVersion,
		SentTo:    from.String(),
	})
	return n.reply(p, h, from, protocol.VerbOK, body)
}

func (n *Node) dispatch(p *peer, h protocol.Header, from discovery.Endpoint, pkt []byte, now int64) error {
	verb, _ := protocol.SplitVerb(pkt[protocol.VerbIndex])
	body := pkt[protocol.MinPacketSize:]
	metrics.PacketsReceivedTotal.WithLabelValues(verb.String()).Inc()

	switch verb {
	case protocol.VerbNop:
		return nil

	case protocol.VerbEcho:
		reply := protocol.AppendOK(nil, protocol.InRe{Verb: protocol.VerbEcho, ID: h.ID})
		return n.reply(p, h, from, protocol.VerbOK, append(reply, body...))

	case protocol.VerbWhois:
		return n.answerWhois(p, h, from, body, now)

	case protocol.VerbOK:
		return n.receiveOK(p, body, now)

	case protocol.VerbError:
		inRe, code, _, err := protocol.ParseError(body)
		if err != nil {
			return err
		}
		n.log.WithFields(logrus.Fields{
			"peer":  h.Src.String(),
			"in_re": inRe.Verb.String(),
			"code":  code.String(),
		}).Debug("error from peer")
		return nil

	case protocol.VerbUserMessage:
		m, err := protocol.ParseUserMessage(body)
		if err != nil {
			return err
		}
		if n.cfg.OnUserMessage != nil {
			n.cfg.OnUserMessage(h.Src, m)
		}
		return nil

	case protocol.VerbSession:
		return n.receiveSession(p, h, from, body, now)

	case protocol.VerbHello:
		return protocol.Invalid("hello must use cipher %s", protocol.CipherPoly1305None)

	default:
		return protocol.Invalid("unknown verb 0x%02x", byte(verb))
	}
}

func (n *Node) answerWhois(p *peer, h protocol.Header, from discovery.Endpoint, body []byte, now int64) error {
	if !n.limiter.Allow(h.Src, now) {
		return protocol.ErrRateLimited
	}
	addrs, err := protocol.ParseWhois(body)
	if err != nil {
		return err
	}

	inRe := protocol.InRe{Verb: protocol.VerbWhois, ID: h.ID}
	var (
		found   []*identity.Identity
		missing []identity.Address
	)
	for _, a := range addrs {
		switch q, ok := n.peers.get(a); {
		case a == n.local.Address():
			found = append(found, n.local.Public())
		case ok:
			found = append(found, q.identity)
		default:
			missing = append(missing, a)
		}
	}

	for len(found) > 0 {
		k := min(len(found), maxIdentitiesPerReply)
		reply := protocol.AppendIdentities(protocol.AppendOK(nil, inRe), found[:k])
		if err := n.reply(p, h, from, protocol.VerbOK, reply); err != nil {
			return err
		}
		found = found[k:]
	}
	if len(missing) > 0 {
		reply := protocol.AppendWhois(protocol.AppendError(nil, inRe, protocol.ErrorCodeObjectNotFound), missing)
		return n.reply(p, h, from, protocol.VerbError, reply)
	}
	return nil
}

func (n *Node) receiveOK(p *peer, body []byte, now int64) error {
	inRe, reply, err := protocol.ParseOK(body)
	if err != nil {
		return err
	}
	switch inRe.Verb {
	case protocol.VerbHello:
		ok, err := protocol.ParseHelloOK(reply)
		if err != nil {
			return err
		}
		p.setLatency(now - ok.Timestamp)
		n.log.WithFields(logrus.Fields{
			"peer":    p.identity.Address().String(),
			"latency": now - ok.Timestamp,
			"sent_to": ok.SentTo,
		}).Debug("hello answered")

	case protocol.VerbWhois:
		ids, err := protocol.ParseIdentities(reply)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id.Address() == n.local.Address() {
				continue
			}
			q, created, err := n.peers.add(id)
			if err != nil {
				n.log.WithError(err).WithField("peer", id.Address().String()).Warn("whois answer rejected")
				continue
			}
			if created {
				n.loadEndpoint(q)
			}
			n.resolved(q, now)
		}

	case protocol.VerbEcho:
		n.log.WithField("peer", p.identity.Address().String()).Debug("echo answered")
	}
	return nil
}

func (n *Node) receiveSession(p *peer, h protocol.Header, from discovery.Endpoint, body []byte, now int64) error {
	res, err := n.sessions.Receive(body, now)
	if err != nil {
		return err
	}
	s := res.Session
	if s.Remote().Address() != p.identity.Address() {
		n.sessions.Close(s)
		return protocol.ErrFailedAuthentication
	}
	if res.Reply != nil {
		if err := n.reply(p, h, from, protocol.VerbSession, res.Reply); err != nil {
			n.sessions.Close(s)
			return err
		}
	}
	if res.Established && n.cfg.OnSessionEstablished != nil {
		n.cfg.OnSessionEstablished(s)
	}
	if res.Data != nil && n.cfg.OnSessionData != nil {
		n.cfg.OnSessionData(s, res.Data)
	}
	return nil
}
