package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"errors"
	"sync/atomic"
)

const (
	// MasterKeySize is the size of a negotiated master secret.
	MasterKeySize = 64
	// FingerprintSize is the size of the identifying hash of a master secret.
	FingerprintSize = 16
	// PacketHMACSize is the size of an extended packet HMAC (HMAC-SHA384).
	PacketHMACSize = 48
)

var (
	ErrSecretDestroyed = errors.New("crypto: symmetric secret destroyed")
)

// SymmetricSecret owns one master secret and everything derived from it.
// It is created once per negotiated peer key or session key and destroyed when
// that key is retired; Destroy wipes every buffer it owns.
type SymmetricSecret struct {
	key            [MasterKeySize]byte
	fingerprint    [FingerprintSize]byte
	privateSection [32]byte
	packetHMAC     [64]byte
	aesK0          [AESGMACSIVKeySize]byte
	aesK1          [AESGMACSIVKeySize]byte

	aead      *AEADPool
	destroyed atomic.Bool
}

// NewSymmetricSecret takes ownership of a copy of master and derives its subkeys.
func NewSymmetricSecret(master [MasterKeySize]byte) (*SymmetricSecret, error) {
	s := &SymmetricSecret{key: master}
	Wipe(master[:])

	fp := sha512.Sum384(s.key[:])
	copy(s.fingerprint[:], fp[:FingerprintSize])
	Wipe(fp[:])

	DeriveSubkey(s.key[:], KDFLabelPrivateSection, s.privateSection[:])
	DeriveSubkey(s.key[:], KDFLabelPacketHMAC, s.packetHMAC[:])
	DeriveSubkey(s.key[:], KDFLabelAESGMACSIVK0, s.aesK0[:])
	DeriveSubkey(s.key[:], KDFLabelAESGMACSIVK1, s.aesK1[:])

	pool, err := newAEADPool(&s.aesK0, &s.aesK1, AEADPoolCapacity)
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.aead = pool
	return s, nil
}

// With creates a secret, passes it to fn and destroys it on every exit path.
func With(master [MasterKeySize]byte, fn func(*SymmetricSecret) error) error {
	s, err := NewSymmetricSecret(master)
	if err != nil {
		return err
	}
	defer s.Destroy()
	return fn(s)
}

// Fingerprint identifies the master secret without revealing it.
func (s *SymmetricSecret) Fingerprint() [FingerprintSize]byte { return s.fingerprint }

// LegacyKey returns the first 32 bytes of the master secret, the raw key used by
// the Salsa20/Poly1305 cipher suites.
func (s *SymmetricSecret) LegacyKey() [32]byte {
	var k [32]byte
	copy(k[:], s.key[:32])
	return k
}

// PrivateSectionKey returns the key protecting private header sections.
func (s *SymmetricSecret) PrivateSectionKey() [32]byte { return s.privateSection }

// AEAD returns the pool of keyed AES-GMAC-SIV instances.
func (s *SymmetricSecret) AEAD() *AEADPool { return s.aead }

// PacketHMAC computes HMAC-SHA384 over parts with the packet authentication key.
func (s *SymmetricSecret) PacketHMAC(parts ...[]byte) [PacketHMACSize]byte {
	m := hmac.New(sha512.New384, s.packetHMAC[:])
	for _, p := range parts {
		m.Write(p)
	}
	var out [PacketHMACSize]byte
	m.Sum(out[:0])
	return out
}

// VerifyPacketHMAC checks mac in constant time.
func (s *SymmetricSecret) VerifyPacketHMAC(mac []byte, parts ...[]byte) bool {
	expected := s.PacketHMAC(parts...)
	return hmac.Equal(expected[:], mac)
}

// DeriveNext derives the next master secret in a ratchet from this one.
func (s *SymmetricSecret) DeriveNext() ([MasterKeySize]byte, error) {
	var next [MasterKeySize]byte
	if s.destroyed.Load() {
		return next, ErrSecretDestroyed
	}
	DeriveSubkey(s.key[:], KDFLabelRatchet, next[:])
	return next, nil
}

// Destroyed reports whether Destroy has been called.
func (s *SymmetricSecret) Destroyed() bool { return s.destroyed.Load() }

// Destroy wipes all key material. It is safe to call more than once.
func (s *SymmetricSecret) Destroy() {
	if s.destroyed.Swap(true) {
		return
	}
	if s.aead != nil {
		s.aead.destroy()
	}
	Wipe(s.key[:])
	Wipe(s.privateSection[:])
	Wipe(s.packetHMAC[:])
	Wipe(s.aesK0[:])
	Wipe(s.aesK1[:])
}
