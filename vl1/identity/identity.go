package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
)

const (
	// IdentityTypeC25519 is the only identity type: X25519 agreement + Ed25519 signatures.
	IdentityTypeC25519 = 0

	// PublicSize is the marshaled size of the public part:
	// address(5) || type(1) || x25519 public(32) || ed25519 public(32).
	PublicSize = AddressSize + 1 + 32 + ed25519.PublicKeySize

	// SignatureSize is the size of an identity signature.
	SignatureSize = ed25519.SignatureSize

	// generateMaxAttempts bounds the search for a key pair with a usable address.
	generateMaxAttempts = 1 << 16
)

var (
	ErrNoSecret        = errors.New("identity: no secret key")
	ErrAddressMismatch = errors.New("identity: address does not match public keys")
	ErrInvalidIdentity = errors.New("identity: invalid identity")
)

// Identity binds an Address to an X25519 agreement key and an Ed25519 signing key.
// The address is the first 5 bytes of SHA-384(x25519 public || ed25519 public).
type Identity struct {
	address     Address
	agreePublic [32]byte
	signPublic  [ed25519.PublicKeySize]byte

	hasSecret   bool
	agreeSecret [32]byte
	signSecret  ed25519.PrivateKey
}

// Generate creates a new identity with a valid address.
func Generate() (*Identity, error) {
	for i := 0; i < generateMaxAttempts; i++ {
		kp, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		id := &Identity{
			agreePublic: kp.PublicKey,
			hasSecret:   true,
			agreeSecret: kp.PrivateKey,
			signSecret:  priv,
		}
		copy(id.signPublic[:], pub)
		id.address = deriveAddress(id.agreePublic[:], id.signPublic[:])
		if id.address.IsValid() {
			return id, nil
		}
	}
	return nil, errors.New("identity: could not find a valid address")
}

func deriveAddress(agreePublic, signPublic []byte) Address {
	h := sha512.New384()
	h.Write(agreePublic)
	h.Write(signPublic)
	sum := h.Sum(nil)
	a, _ := AddressFromBytes(sum[:AddressSize])
	return a
}

func (id *Identity) Address() Address { return id.address }

func (id *Identity) HasSecret() bool { return id.hasSecret }

// AgreementPublicKey returns the X25519 public key.
func (id *Identity) AgreementPublicKey() [32]byte { return id.agreePublic }

// SigningPublicKey returns the Ed25519 public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(append([]byte(nil), id.signPublic[:]...))
}

// Validate checks that the address is valid and derives from the public keys.
func (id *Identity) Validate() error {
	if !id.address.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, id.address)
	}
	if deriveAddress(id.agreePublic[:], id.signPublic[:]) != id.address {
		return ErrAddressMismatch
	}
	return nil
}

// Public returns a copy without secret key material.
func (id *Identity) Public() *Identity {
	return &Identity{
		address:     id.address,
		agreePublic: id.agreePublic,
		signPublic:  id.signPublic,
	}
}

// Equal compares the public parts.
func (id *Identity) Equal(other *Identity) bool {
	if other == nil {
		return false
	}
	return id.address == other.address && id.agreePublic == other.agreePublic && id.signPublic == other.signPublic
}

// Agree performs static key agreement with other and returns the 64-byte master secret
// for the pair. Both sides compute the same value.
func (id *Identity) Agree(other *Identity) ([64]byte, error) {
	var master [64]byte
	if !id.hasSecret {
		return master, ErrNoSecret
	}
	shared, err := crypto.ECDH(id.agreeSecret, other.agreePublic)
	if err != nil {
		return master, err
	}
	master = sha512.Sum512(shared)
	crypto.Wipe(shared)
	return master, nil
}

// AgreeEphemeral performs agreement between this identity's static key and a peer ephemeral key.
func (id *Identity) AgreeEphemeral(peerPublic [32]byte) ([]byte, error) {
	if !id.hasSecret {
		return nil, ErrNoSecret
	}
	return crypto.ECDH(id.agreeSecret, peerPublic)
}

func (id *Identity) Sign(message []byte) ([]byte, error) {
	if !id.hasSecret {
		return nil, ErrNoSecret
	}
	return ed25519.Sign(id.signSecret, message), nil
}

// SigningKey returns the Ed25519 private key, for binding other credentials
// such as a TLS certificate to this identity.
func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	if !id.hasSecret {
		return nil, ErrNoSecret
	}
	return id.signSecret, nil
}

func (id *Identity) Verify(message, signature []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id.signPublic[:]), message, signature)
}

// MarshalBinary encodes the public part in PublicSize bytes.
func (id *Identity) MarshalBinary() ([]byte, error) {
	return id.AppendPublic(make([]byte, 0, PublicSize)), nil
}

// AppendPublic appends the public encoding to b.
func (id *Identity) AppendPublic(b []byte) []byte {
	a := id.address.Bytes()
	b = append(b, a[:]...)
	b = append(b, IdentityTypeC25519)
	b = append(b, id.agreePublic[:]...)
	return append(b, id.signPublic[:]...)
}

// UnmarshalIdentity decodes a public identity and returns the number of bytes consumed.
// The address is checked against the keys.
func UnmarshalIdentity(b []byte) (*Identity, int, error) {
	if len(b) < PublicSize {
		return nil, 0, fmt.Errorf("%w: short buffer", ErrInvalidIdentity)
	}
	addr, _ := AddressFromBytes(b)
	if b[AddressSize] != IdentityTypeC25519 {
		return nil, 0, fmt.Errorf("%w: unknown type %d", ErrInvalidIdentity, b[AddressSize])
	}
	id := &Identity{address: addr}
	off := AddressSize + 1
	copy(id.agreePublic[:], b[off:off+32])
	copy(id.signPublic[:], b[off+32:off+64])
	if err := id.Validate(); err != nil {
		return nil, 0, err
	}
	return id, PublicSize, nil
}

// String returns the public text form "address:0:publickeys".
func (id *Identity) String() string {
	return id.format(false)
}

// SecretString returns the text form including secret keys.
func (id *Identity) SecretString() string {
	return id.format(true)
}

func (id *Identity) format(withSecret bool) string {
	var sb strings.Builder
	sb.WriteString(id.address.String())
	sb.WriteString(":0:")
	sb.WriteString(hex.EncodeToString(id.agreePublic[:]))
	sb.WriteString(hex.EncodeToString(id.signPublic[:]))
	if withSecret && id.hasSecret {
		sb.WriteByte(':')
		sb.WriteString(hex.EncodeToString(id.agreeSecret[:]))
		sb.WriteString(hex.EncodeToString(id.signSecret.Seed()))
	}
	return sb.String()
}

// ParseIdentity parses the text form produced by String or SecretString.
func ParseIdentity(s string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 3 or 4 fields", ErrInvalidIdentity)
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return nil, err
	}
	if parts[1] != "0" {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidIdentity, parts[1])
	}
	pub, err := hex.DecodeString(parts[2])
	if err != nil || len(pub) != 64 {
		return nil, fmt.Errorf("%w: bad public keys", ErrInvalidIdentity)
	}
	id := &Identity{address: addr}
	copy(id.agreePublic[:], pub[:32])
	copy(id.signPublic[:], pub[32:])
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if len(parts) == 4 {
		sec, err := hex.DecodeString(parts[3])
		if err != nil || len(sec) != 32+ed25519.SeedSize {
			return nil, fmt.Errorf("%w: bad secret keys", ErrInvalidIdentity)
		}
		copy(id.agreeSecret[:], sec[:32])
		id.signSecret = ed25519.NewKeyFromSeed(sec[32:])
		crypto.Wipe(sec)
		if !bytes.Equal(id.signSecret.Public().(ed25519.PublicKey), id.signPublic[:]) {
			return nil, fmt.Errorf("%w: secret does not match public key", ErrInvalidIdentity)
		}
		if crypto.X25519Public(id.agreeSecret) != id.agreePublic {
			return nil, fmt.Errorf("%w: secret does not match public key", ErrInvalidIdentity)
		}
		id.hasSecret = true
	}
	return id, nil
}
