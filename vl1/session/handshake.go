package session

import (
	"crypto/sha512"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
)

// Message types, the first byte of every session message.
const (
	msgOffer  byte = 0x01
	msgAccept byte = 0x02
	msgData   byte = 0x03
)

// HandshakeVersion is the only handshake version spoken.
const HandshakeVersion = 1

const (
	// offer: type | version | initiator id | ephemeral | identity | responder address | signature
	offerSignedSize = 1 + 1 + SessionIDSize + 32 + identity.PublicSize + identity.AddressSize
	offerSize       = offerSignedSize + identity.SignatureSize

	// accept: type | version | responder id | initiator id | ephemeral | signature | confirmation
	acceptBodySize = 1 + 1 + SessionIDSize + SessionIDSize + 32
	acceptSize     = acceptBodySize + identity.SignatureSize + crypto.PacketHMACSize
)

// MessageType returns the type of a session message, or 0 if it is empty.
func MessageType(msg []byte) byte {
	if len(msg) == 0 {
		return 0
	}
	return msg[0]
}

type offer struct {
	version     byte
	initiatorID uint64
	ephemeral   [32]byte
	initiator   *identity.Identity
	responder   identity.Address
	raw         []byte
}

func buildOffer(local *identity.Identity, remote identity.Address, localID uint64, eph *crypto.X25519KeyPair) ([]byte, error) {
	b := make([]byte, 0, offerSize)
	b = append(b, msgOffer, HandshakeVersion)
	var id [SessionIDSize]byte
	putSessionID(id[:], localID)
	b = append(b, id[:]...)
	b = append(b, eph.PublicKey[:]...)
	b = local.AppendPublic(b)
	ra := remote.Bytes()
	b = append(b, ra[:]...)
	sig, err := local.Sign(b)
	if err != nil {
		return nil, err
	}
	return append(b, sig...), nil
}

func parseOffer(msg []byte) (*offer, error) {
	if len(msg) < 2 || msg[0] != msgOffer {
		return nil, protocol.Invalid("not an offer")
	}
	if msg[1] != HandshakeVersion {
		return nil, protocol.ErrUnknownProtocolVersion
	}
	if len(msg) != offerSize {
		return nil, protocol.Invalid("offer of %d bytes", len(msg))
	}
	o := &offer{version: msg[1], raw: msg}
	off := 2
	o.initiatorID = sessionIDFromBytes(msg[off:])
	off += SessionIDSize
	copy(o.ephemeral[:], msg[off:off+32])
	off += 32
	id, n, err := identity.UnmarshalIdentity(msg[off:])
	if err != nil {
		return nil, protocol.Invalid("offer identity: %v", err)
	}
	o.initiator = id
	off += n
	o.responder, _ = identity.AddressFromBytes(msg[off:])
	if o.initiatorID == 0 {
		return nil, protocol.Invalid("offer with zero session id")
	}
	if !o.initiator.Verify(msg[:offerSignedSize], msg[offerSignedSize:]) {
		return nil, protocol.ErrFailedAuthentication
	}
	return o, nil
}

type accept struct {
	responderID uint64
	initiatorID uint64
	ephemeral   [32]byte
	body        []byte
	signature   []byte
	confirm     []byte
}

func parseAccept(msg []byte) (*accept, error) {
	if len(msg) < 2 || msg[0] != msgAccept {
		return nil, protocol.Invalid("not an accept")
	}
	if msg[1] != HandshakeVersion {
		return nil, protocol.ErrUnknownProtocolVersion
	}
	if len(msg) != acceptSize {
		return nil, protocol.Invalid("accept of %d bytes", len(msg))
	}
	a := &accept{body: msg[:acceptBodySize]}
	off := 2
	a.responderID = sessionIDFromBytes(msg[off:])
	off += SessionIDSize
	a.initiatorID = sessionIDFromBytes(msg[off:])
	off += SessionIDSize
	copy(a.ephemeral[:], msg[off:off+32])
	a.signature = msg[acceptBodySize : acceptBodySize+identity.SignatureSize]
	a.confirm = msg[acceptBodySize+identity.SignatureSize:]
	if a.responderID == 0 {
		return nil, protocol.Invalid("accept with zero session id")
	}
	return a, nil
}

func buildAcceptBody(responderID, initiatorID uint64, eph *crypto.X25519KeyPair) []byte {
	b := make([]byte, acceptBodySize, acceptSize)
	b[0] = msgAccept
	b[1] = HandshakeVersion
	putSessionID(b[2:], responderID)
	putSessionID(b[2+SessionIDSize:], initiatorID)
	copy(b[2+2*SessionIDSize:], eph.PublicKey[:])
	return b
}

// transcriptHash binds the master secret to both handshake messages.
func transcriptHash(offerRaw, acceptBody []byte) [64]byte {
	h := sha512.New()
	h.Write(offerRaw)
	h.Write(acceptBody)
	var out [64]byte
	h.Sum(out[:0])
	return out
}

// deriveMaster mixes the ephemeral and static agreements into a master secret.
func deriveMaster(ephemeralShared []byte, static [64]byte, transcript [64]byte) ([crypto.MasterKeySize]byte, error) {
	var master [crypto.MasterKeySize]byte
	ikm := make([]byte, 0, len(ephemeralShared)+len(static))
	ikm = append(ikm, ephemeralShared...)
	ikm = append(ikm, static[:]...)
	defer crypto.Wipe(ikm)

	k, err := crypto.DeriveKey(ikm, transcript[:], []byte{'Z', 'T', crypto.KDFLabelSessionMaster}, crypto.MasterKeySize)
	if err != nil {
		return master, err
	}
	copy(master[:], k)
	crypto.Wipe(k)
	return master, nil
}

// confirmation proves possession of the master secret without revealing it.
func confirmation(master [crypto.MasterKeySize]byte) ([crypto.PacketHMACSize]byte, error) {
	var mac [crypto.PacketHMACSize]byte
	err := crypto.With(master, func(s *crypto.SymmetricSecret) error {
		fp := s.Fingerprint()
		mac = s.PacketHMAC([]byte("confirm"), fp[:])
		return nil
	})
	return mac, err
}
