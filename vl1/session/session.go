// Package session establishes forward secret sessions between two identities
// and protects data sent over them.
//
// A session is set up with a two message handshake (Offer, Accept) that combines
// ephemeral and static X25519 agreement into a 64-byte master secret. Data
// messages are sealed with AES-GMAC-SIV keys derived from that secret, which is
// ratcheted forward after a configurable number of uses.
package session

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto/ratchet"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
)

type state uint8

const (
	stateOffered state = iota + 1
	stateEstablished
	stateClosed
)

const (
	// generationSize is the wire size of a ratchet generation.
	generationSize = 4
	// DataOverhead is what Seal adds to a plaintext.
	DataOverhead = 1 + SessionIDSize + generationSize + crypto.AESGMACSIVTagSize
	// MaxPlaintext is the largest plaintext one data message may carry.
	MaxPlaintext = protocol.PayloadSizeMax - 1 - DataOverhead
)

// Session is one end of a session. Its methods are safe for concurrent use but
// make no promise about the order in which concurrent Seal calls are numbered.
type Session struct {
	mu sync.Mutex

	localID   uint64
	remoteID  uint64
	remote    *identity.Identity
	initiator bool
	state     state
	created   int64
	lastUsed  int64

	// Handshake state, wiped once established.
	ephemeral  crypto.X25519KeyPair
	transcript []byte

	chain    *ratchet.Chain
	previous *crypto.SymmetricSecret
	prevGen  uint64
	uses     uint64
	counter  uint64

	maxKeyUses     uint64
	rekeyAfterUses uint64
	maxGenerations uint64
}

// LocalID is the id the remote uses to address this session.
func (s *Session) LocalID() uint64 { return s.localID }

// RemoteID is the id this end uses to address the remote's session.
func (s *Session) RemoteID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Remote returns the remote identity.
func (s *Session) Remote() *identity.Identity { return s.remote }

// Initiator reports whether this end sent the offer.
func (s *Session) Initiator() bool { return s.initiator }

// Established reports whether the handshake has completed.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateEstablished
}

// Generation returns the current ratchet generation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain == nil {
		return 0
	}
	return s.chain.Generation()
}

// Fingerprint identifies the current key.
func (s *Session) Fingerprint() [crypto.FingerprintSize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain == nil {
		return [crypto.FingerprintSize]byte{}
	}
	cur, _ := s.chain.Current()
	return cur.Fingerprint()
}

func (s *Session) establish(master [crypto.MasterKeySize]byte, remoteID uint64, now int64) error {
	chain, err := ratchet.NewChainWithLimit(master, s.maxGenerations)
	if err != nil {
		return err
	}
	s.chain = chain
	s.remoteID = remoteID
	s.state = stateEstablished
	s.lastUsed = now
	s.ephemeral.Destroy()
	crypto.Wipe(s.transcript)
	s.transcript = nil
	return nil
}

// Seal encrypts plaintext into out as a data message for the remote and returns
// the number of bytes written. out must hold len(plaintext)+DataOverhead bytes.
func (s *Session) Seal(out, plaintext []byte) (int, error) {
	if len(plaintext) > MaxPlaintext {
		return 0, protocol.ErrDataTooLarge
	}
	n := DataOverhead + len(plaintext)
	if len(out) < n {
		return 0, protocol.ErrDataBufferTooSmall
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateEstablished {
		return 0, protocol.ErrSessionNotEstablished
	}
	if s.rekeyAfterUses > 0 && s.uses >= s.rekeyAfterUses {
		if err := s.stepLocked(); err != nil {
			return 0, fmt.Errorf("%w: %w", protocol.ErrMaxKeyLifetimeExceeded, err)
		}
	}
	if s.uses >= s.maxKeyUses {
		return 0, protocol.ErrMaxKeyLifetimeExceeded
	}
	secret, gen := s.chain.Current()

	out[0] = msgData
	putSessionID(out[1:], s.remoteID)
	binary.BigEndian.PutUint32(out[1+SessionIDSize:], uint32(gen))
	header := out[:1+SessionIDSize+generationSize]

	var iv [crypto.AESGMACSIVIVSize]byte
	s.counter++
	ivCounter := s.counter
	if !s.initiator {
		ivCounter |= 1 << 63
	}
	binary.BigEndian.PutUint64(iv[:], ivCounter)

	aead := secret.AEAD().Get()
	if aead == nil {
		return 0, protocol.ErrSessionNotEstablished
	}
	body := out[len(header)+crypto.AESGMACSIVTagSize : n]
	copy(body, plaintext)
	_, tag := aead.Seal(body[:0], iv, header, body)
	secret.AEAD().Put(aead)
	copy(out[len(header):], tag[:])

	s.uses++
	return n, nil
}

// open decrypts a data message already matched to this session.
func (s *Session) open(out, msg []byte, now int64) (int, error) {
	if len(msg) < DataOverhead {
		return 0, protocol.Invalid("data message truncated")
	}
	n := len(msg) - DataOverhead
	if len(out) < n {
		return 0, protocol.ErrDataBufferTooSmall
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateEstablished {
		return 0, protocol.ErrSessionNotEstablished
	}

	header := msg[:1+SessionIDSize+generationSize]
	gen := uint64(binary.BigEndian.Uint32(header[1+SessionIDSize:]))
	var tag [crypto.AESGMACSIVTagSize]byte
	copy(tag[:], msg[len(header):])
	ct := msg[DataOverhead:]

	current, curGen := s.chain.Current()
	switch {
	case gen == curGen:
		if err := openWith(current, out[:n], tag, header, ct); err != nil {
			return 0, err
		}
	case gen == curGen+1:
		next, nextGen, err := s.chain.Peek()
		if err != nil {
			return 0, protocol.ErrMaxKeyLifetimeExceeded
		}
		if err := openWith(next, out[:n], tag, header, ct); err != nil {
			next.Destroy()
			return 0, err
		}
		prev, err := s.chain.Adopt(next, nextGen)
		if err != nil {
			next.Destroy()
			return 0, err
		}
		s.retire(prev, curGen)
		s.uses = 0
	case s.previous != nil && gen == s.prevGen:
		if err := openWith(s.previous, out[:n], tag, header, ct); err != nil {
			return 0, err
		}
	default:
		return 0, protocol.ErrFailedAuthentication
	}
	s.lastUsed = now
	return n, nil
}

func openWith(secret *crypto.SymmetricSecret, out []byte, tag [crypto.AESGMACSIVTagSize]byte, aad, ct []byte) error {
	aead := secret.AEAD().Get()
	if aead == nil {
		return protocol.ErrSessionNotEstablished
	}
	defer secret.AEAD().Put(aead)
	if _, _, err := aead.Open(out[:0], tag, aad, ct); err != nil {
		return protocol.ErrFailedAuthentication
	}
	return nil
}

// Rekey advances the ratchet now. The remote follows on the first message it
// receives under the new key.
func (s *Session) Rekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateEstablished {
		return protocol.ErrSessionNotEstablished
	}
	return s.stepLocked()
}

func (s *Session) stepLocked() error {
	_, prev, err := s.chain.Step()
	if err != nil {
		return err
	}
	s.retire(prev, s.chain.Generation()-1)
	s.uses = 0
	return nil
}

// retire keeps prev for in-flight messages and destroys the secret it replaces.
func (s *Session) retire(prev *crypto.SymmetricSecret, gen uint64) {
	if s.previous != nil {
		s.previous.Destroy()
	}
	s.previous = prev
	s.prevGen = gen
}

func (s *Session) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateClosed
	s.ephemeral.Destroy()
	crypto.Wipe(s.transcript)
	s.transcript = nil
	if s.chain != nil {
		s.chain.Destroy()
	}
	if s.previous != nil {
		s.previous.Destroy()
		s.previous = nil
	}
}
