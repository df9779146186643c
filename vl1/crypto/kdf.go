package crypto

import (
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Usage labels for subkey derivation. Each subkey is bound to exactly one label.
const (
	KDFLabelPrivateSection byte = 'H' // encrypts private sections of HELLO
	KDFLabelPacketHMAC     byte = 'M' // extended HMAC over control packets
	KDFLabelAESGMACSIVK0   byte = '0' // AES-GMAC-SIV GMAC key
	KDFLabelAESGMACSIVK1   byte = '1' // AES-GMAC-SIV ECB/CTR key
	KDFLabelRatchet        byte = 'R' // next master secret in a ratchet
	KDFLabelSessionMaster  byte = 'S' // session master from handshake key material
)

var kdfContext = []byte("ZT")

// DeriveKey derives a key of the specified length using HKDF-SHA512.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha512.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveSubkey fills out with the subkey of master for label. The result is a
// pure function of (master, label).
func DeriveSubkey(master []byte, label byte, out []byte) {
	info := make([]byte, 0, len(kdfContext)+1)
	info = append(info, kdfContext...)
	info = append(info, label)
	hk := hkdf.New(sha512.New, master, nil, info)
	if _, err := io.ReadFull(hk, out); err != nil {
		// HKDF-SHA512 can produce 255*64 bytes; every caller asks for far less.
		panic("crypto: subkey length exceeds HKDF limit")
	}
}
