package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

func TestWhoisBody(t *testing.T) {
	addrs := []identity.Address{
		identity.AddressFromUint64(0x000000000a),
		identity.AddressFromUint64(0x0102030405),
	}
	body := AppendWhois(nil, addrs)
	require.Len(t, body, 10)

	got, err := ParseWhois(body)
	require.NoError(t, err)
	assert.Equal(t, addrs, got)

	_, err = ParseWhois(body[:7])
	assert.True(t, errors.Is(err, ErrInvalidPacket))

	_, err = ParseWhois(AppendWhois(nil, []identity.Address{0}))
	assert.True(t, errors.Is(err, ErrInvalidPacket), "nil address must be rejected")
}

func TestOKAndError(t *testing.T) {
	inRe := InRe{Verb: VerbWhois, ID: 12345}

	body := AppendOK(nil, inRe)
	body = append(body, "reply"...)
	gotInRe, reply, err := ParseOK(body)
	require.NoError(t, err)
	assert.Equal(t, inRe, gotInRe)
	assert.Equal(t, []byte("reply"), reply)

	body = AppendError(nil, inRe, ErrorCodeObjectNotFound)
	gotInRe, code, _, err := ParseError(body)
	require.NoError(t, err)
	assert.Equal(t, inRe, gotInRe)
	assert.Equal(t, ErrorCodeObjectNotFound, code)

	_, _, _, err = ParseError(body[:5])
	assert.True(t, errors.Is(err, ErrInvalidPacket))
}

func TestIdentitiesBody(t *testing.T) {
	a, err := identity.Generate()
	require.NoError(t, err)
	b, err := identity.Generate()
	require.NoError(t, err)

	body := AppendIdentities(nil, []*identity.Identity{a, b})
	ids, err := ParseIdentities(body)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.True(t, ids[0].Equal(a.Public()))
	assert.True(t, ids[1].Equal(b.Public()))
	assert.False(t, ids[0].HasSecret())

	body[len(body)-1] ^= 1
	_, err = ParseIdentities(body)
	assert.True(t, errors.Is(err, ErrInvalidPacket))
}

func TestUserMessage(t *testing.T) {
	body := AppendUserMessage(nil, UserMessage{Type: 99, Data: []byte("hi")})
	m, err := ParseUserMessage(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), m.Type)
	assert.Equal(t, []byte("hi"), m.Data)
}

func TestPacketVerb(t *testing.T) {
	p := NewPacket(1, 2, 3, VerbEcho, []byte("x"))
	p[VerbIndex] |= VerbFlagCompressed
	v, f, err := PacketVerb(p)
	require.NoError(t, err)
	assert.Equal(t, VerbEcho, v)
	assert.Equal(t, byte(VerbFlagCompressed), f)
}

func TestCompressPacket(t *testing.T) {
	body := bytes.Repeat([]byte("zerotier "), 200)
	p := NewPacket(1, 2, 3, VerbUserMessage, body)

	c := CompressPacket(p)
	require.Less(t, len(c), len(p))
	assert.NotZero(t, c[VerbIndex]&VerbFlagCompressed)

	d, err := DecompressPacket(c)
	require.NoError(t, err)
	assert.Equal(t, p, d)
}

func TestCompressPacketSkipsIncompressible(t *testing.T) {
	p := testPacket(t, 500, 9)
	p = append(p[:HeaderSize], append([]byte{byte(VerbUserMessage)}, p[HeaderSize:]...)...)
	c := CompressPacket(p)
	assert.Equal(t, p, c)

	d, err := DecompressPacket(c)
	require.NoError(t, err)
	assert.Equal(t, p, d)
}

func TestDecompressGarbage(t *testing.T) {
	p := NewPacket(1, 2, 3, VerbUserMessage, []byte("not lz4 at all"))
	p[VerbIndex] |= VerbFlagCompressed
	_, err := DecompressPacket(p)
	assert.True(t, errors.Is(err, ErrInvalidPacket))
}

func TestHello(t *testing.T) {
	secret := testSecret(t, 3)
	id, err := identity.Generate()
	require.NoError(t, err)

	in := &Hello{Version: ProtocolVersion, Timestamp: 777, Identity: id, SentTo: "udp/192.0.2.1:9993"}
	body, err := AppendHello(nil, in, secret)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(body, []byte(in.SentTo)), "private section must be encrypted")

	out, sealed, err := ParseHello(body)
	require.NoError(t, err)
	assert.Equal(t, int64(777), out.Timestamp)
	assert.True(t, out.Identity.Equal(id.Public()))
	assert.Empty(t, out.SentTo)

	out.OpenPrivate(sealed, secret)
	assert.Equal(t, in.SentTo, out.SentTo)
}

func TestHelloBadVersion(t *testing.T) {
	secret := testSecret(t, 3)
	id, err := identity.Generate()
	require.NoError(t, err)
	body, err := AppendHello(nil, &Hello{Version: 9, Identity: id}, secret)
	require.NoError(t, err)
	_, _, err = ParseHello(body)
	assert.True(t, errors.Is(err, ErrUnknownProtocolVersion))
}

func TestHelloOK(t *testing.T) {
	body := AppendHelloOK(nil, InRe{Verb: VerbHello, ID: 5}, HelloOK{Timestamp: 10, Version: 1, SentTo: "udp/[::1]:9993"})
	inRe, reply, err := ParseOK(body)
	require.NoError(t, err)
	assert.Equal(t, VerbHello, inRe.Verb)
	ok, err := ParseHelloOK(reply)
	require.NoError(t, err)
	assert.Equal(t, HelloOK{Timestamp: 10, Version: 1, SentTo: "udp/[::1]:9993"}, ok)
}

func TestPacketHMAC(t *testing.T) {
	secret := testSecret(t, 4)
	p := NewPacket(1, 2, 3, VerbHello, []byte("hello body"))
	orig := append([]byte(nil), p...)

	p = AppendPacketHMAC(p, secret)
	require.True(t, HasExtendedAuthentication(p))

	got, err := VerifyPacketHMAC(append([]byte(nil), p...), secret)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	p[HeaderSize+2] ^= 1
	_, err = VerifyPacketHMAC(p, secret)
	assert.True(t, errors.Is(err, ErrFailedAuthentication))
}
