package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair represents an ECDH keypair.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")
)

// GenerateX25519 generates a new X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return X25519KeyPair{}, err
	}
	// Clamp private key per RFC 7748
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	kp.PublicKey = X25519Public(kp.PrivateKey)
	return kp, nil
}

// X25519Public computes the public key for a private key.
func X25519Public(privateKey [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &privateKey)
	return pub
}

// ECDH computes the shared secret using X25519.
// Returns 32 bytes of raw shared secret (should be passed through a KDF).
func ECDH(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}

// Destroy wipes the private key.
func (kp *X25519KeyPair) Destroy() {
	Wipe(kp.PrivateKey[:])
}
