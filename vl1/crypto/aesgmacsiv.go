package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

const (
	// AESGMACSIVKeySize is the size of each of the two AES-GMAC-SIV keys.
	AESGMACSIVKeySize = 32
	// AESGMACSIVTagSize is the size of the synthetic IV / authentication tag.
	AESGMACSIVTagSize = 16
	// AESGMACSIVIVSize is the size of the caller supplied IV (the packet counter).
	AESGMACSIVIVSize = 8
)

var (
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	ErrInvalidKeySize   = errors.New("crypto: invalid key size")
)

// AESGMACSIV is AES-GMAC-SIV: a GMAC over (aad, plaintext) keyed with K0 is folded
// with the IV and encrypted with AES-ECB under K1 to form the tag, which then serves
// as the AES-CTR IV (also under K1) for the payload. Reusing an IV leaks only equality
// of messages, never the keystream.
//
// An instance is not safe for concurrent use; borrow one from an AEADPool.
type AESGMACSIV struct {
	gmac cipher.AEAD
	k1   cipher.Block

	nonce [12]byte
	block [16]byte
	mac   []byte
}

// NewAESGMACSIV keys a new instance. Both keys must be 32 bytes.
func NewAESGMACSIV(k0, k1 []byte) (*AESGMACSIV, error) {
	if len(k0) != AESGMACSIVKeySize || len(k1) != AESGMACSIVKeySize {
		return nil, ErrInvalidKeySize
	}
	b0, err := aes.NewCipher(k0)
	if err != nil {
		return nil, err
	}
	gmac, err := cipher.NewGCM(b0)
	if err != nil {
		return nil, err
	}
	b1, err := aes.NewCipher(k1)
	if err != nil {
		return nil, err
	}
	return &AESGMACSIV{gmac: gmac, k1: b1, mac: make([]byte, 0, 2048)}, nil
}

// Reset clears per-message state. Keys are retained.
func (c *AESGMACSIV) Reset() {
	Wipe(c.nonce[:])
	Wipe(c.block[:])
	Wipe(c.mac[:cap(c.mac)])
	c.mac = c.mac[:0]
}

// destroy drops the key schedules and wipes scratch state.
func (c *AESGMACSIV) destroy() {
	c.Reset()
	c.gmac = nil
	c.k1 = nil
}

// syntheticIV computes AES-ECB(K1, iv || fold(GMAC(K0, iv, len(aad) || aad || plaintext))).
func (c *AESGMACSIV) syntheticIV(iv [AESGMACSIVIVSize]byte, aad, plaintext []byte) [AESGMACSIVTagSize]byte {
	copy(c.nonce[:8], iv[:])
	c.nonce[8], c.nonce[9], c.nonce[10], c.nonce[11] = 0, 0, 0, 0

	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(aad)))
	c.mac = append(c.mac[:0], l[:]...)
	c.mac = append(c.mac, aad...)
	c.mac = append(c.mac, plaintext...)
	sum := c.gmac.Seal(c.block[:0], c.nonce[:], nil, c.mac)

	var pre [AESGMACSIVTagSize]byte
	copy(pre[:8], iv[:])
	for i := 0; i < 8; i++ {
		pre[8+i] = sum[i] ^ sum[8+i]
	}
	var tag [AESGMACSIVTagSize]byte
	c.k1.Encrypt(tag[:], pre[:])
	return tag
}

// Seal appends the encryption of plaintext to dst and returns it with the tag.
func (c *AESGMACSIV) Seal(dst []byte, iv [AESGMACSIVIVSize]byte, aad, plaintext []byte) ([]byte, [AESGMACSIVTagSize]byte) {
	tag := c.syntheticIV(iv, aad, plaintext)
	ret, out := sliceForAppend(dst, len(plaintext))
	cipher.NewCTR(c.k1, tag[:]).XORKeyStream(out, plaintext)
	return ret, tag
}

// Open appends the decryption of ciphertext to dst. On success the recovered IV is
// returned; on failure the appended bytes are wiped and ErrDecryptionFailed returned.
func (c *AESGMACSIV) Open(dst []byte, tag [AESGMACSIVTagSize]byte, aad, ciphertext []byte) ([]byte, [AESGMACSIVIVSize]byte, error) {
	var iv [AESGMACSIVIVSize]byte
	ret, out := sliceForAppend(dst, len(ciphertext))
	cipher.NewCTR(c.k1, tag[:]).XORKeyStream(out, ciphertext)

	var pre [AESGMACSIVTagSize]byte
	c.k1.Decrypt(pre[:], tag[:])
	copy(iv[:], pre[:8])

	expected := c.syntheticIV(iv, aad, out)
	if subtle.ConstantTimeCompare(expected[:], tag[:]) != 1 {
		Wipe(out)
		return dst, [AESGMACSIVIVSize]byte{}, ErrDecryptionFailed
	}
	return ret, iv, nil
}

// sliceForAppend extends in by n bytes, reallocating if needed.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
