package protocol

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/salsa20"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

// ProtocolVersion is the version announced in HELLO.
const ProtocolVersion = 1

// maxPrivateSection bounds the encrypted part of a HELLO.
const maxPrivateSection = 512

// Hello introduces a node to a peer. It carries the full public identity in the
// clear so the receiver can derive the static secret that authenticates the
// packet, and a private section encrypted under that secret.
type Hello struct {
	Version   byte
	Timestamp int64
	Identity  *identity.Identity

	// SentTo is the sender's view of the receiver's physical endpoint.
	SentTo string
}

// AppendHello appends a HELLO body. The private section is encrypted with the
// private section key of secret.
func AppendHello(b []byte, h *Hello, secret *crypto.SymmetricSecret) ([]byte, error) {
	if len(h.SentTo) > maxPrivateSection {
		return nil, ErrDataTooLarge
	}
	b = append(b, h.Version)
	b = binary.BigEndian.AppendUint64(b, uint64(h.Timestamp))
	b = h.Identity.AppendPublic(b)

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint16(b, uint16(8+len(h.SentTo)))
	b = append(b, nonce[:]...)
	start := len(b)
	b = append(b, h.SentTo...)

	key := secret.PrivateSectionKey()
	salsa20.XORKeyStream(b[start:], b[start:], nonce[:], &key)
	crypto.Wipe(key[:])
	return b, nil
}

// ParseHello decodes the public part of a HELLO body. The returned Hello has no
// SentTo until OpenPrivate succeeds; sealed is the encrypted private section.
func ParseHello(body []byte) (h *Hello, sealed []byte, err error) {
	const fixed = 1 + 8
	if len(body) < fixed+identity.PublicSize+2 {
		return nil, nil, Invalid("hello truncated")
	}
	h = &Hello{
		Version:   body[0],
		Timestamp: int64(binary.BigEndian.Uint64(body[1:9])),
	}
	if h.Version != ProtocolVersion {
		return nil, nil, ErrUnknownProtocolVersion
	}
	id, n, err := identity.UnmarshalIdentity(body[fixed:])
	if err != nil {
		return nil, nil, Invalid("hello identity: %v", err)
	}
	h.Identity = id
	rest := body[fixed+n:]
	l := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if l < 8 || l > 8+maxPrivateSection || l > len(rest) {
		return nil, nil, Invalid("hello private section of %d bytes", l)
	}
	return h, rest[:l], nil
}

// OpenPrivate decrypts the private section returned by ParseHello.
func (h *Hello) OpenPrivate(sealed []byte, secret *crypto.SymmetricSecret) {
	key := secret.PrivateSectionKey()
	plain := make([]byte, len(sealed)-8)
	salsa20.XORKeyStream(plain, sealed[8:], sealed[:8], &key)
	crypto.Wipe(key[:])
	h.SentTo = string(plain)
}

// HelloOK is the verb specific part of OK(HELLO).
type HelloOK struct {
	Timestamp int64
	Version   byte
	SentTo    string
}

// AppendHelloOK appends an OK(HELLO) body.
func AppendHelloOK(b []byte, inRe InRe, ok HelloOK) []byte {
	b = AppendOK(b, inRe)
	b = binary.BigEndian.AppendUint64(b, uint64(ok.Timestamp))
	b = append(b, ok.Version)
	b = binary.BigEndian.AppendUint16(b, uint16(len(ok.SentTo)))
	return append(b, ok.SentTo...)
}

// ParseHelloOK decodes the reply part returned by ParseOK.
func ParseHelloOK(reply []byte) (HelloOK, error) {
	if len(reply) < 11 {
		return HelloOK{}, Invalid("ok(hello) truncated")
	}
	ok := HelloOK{
		Timestamp: int64(binary.BigEndian.Uint64(reply[:8])),
		Version:   reply[8],
	}
	l := int(binary.BigEndian.Uint16(reply[9:11]))
	if l > len(reply)-11 {
		return HelloOK{}, Invalid("ok(hello) endpoint truncated")
	}
	ok.SentTo = string(reply[11 : 11+l])
	return ok, nil
}

// AppendPacketHMAC sets the extended authentication flag on an unarmored packet
// and appends an HMAC over its addresses and payload.
func AppendPacketHMAC(packet []byte, secret *crypto.SymmetricSecret) []byte {
	packet[VerbIndex] |= VerbFlagExtendedAuthentication
	mac := secret.PacketHMAC(packet[8:18], packet[VerbIndex:])
	return append(packet, mac[:]...)
}

// VerifyPacketHMAC checks and strips the HMAC of a dearmored packet carrying the
// extended authentication flag. Packets without the flag are returned unchanged.
func VerifyPacketHMAC(packet []byte, secret *crypto.SymmetricSecret) ([]byte, error) {
	if len(packet) < MinPacketSize {
		return nil, Invalid("packet has no verb")
	}
	if packet[VerbIndex]&VerbFlagExtendedAuthentication == 0 {
		return packet, nil
	}
	end := len(packet) - crypto.PacketHMACSize
	if end < MinPacketSize {
		return nil, ErrFailedAuthentication
	}
	if !secret.VerifyPacketHMAC(packet[end:], packet[8:18], packet[VerbIndex:end]) {
		return nil, ErrFailedAuthentication
	}
	packet = packet[:end]
	packet[VerbIndex] &^= VerbFlagExtendedAuthentication
	return packet, nil
}

// HasExtendedAuthentication reports whether a dearmored packet carries an HMAC.
func HasExtendedAuthentication(packet []byte) bool {
	return len(packet) >= MinPacketSize && packet[VerbIndex]&VerbFlagExtendedAuthentication != 0
}
