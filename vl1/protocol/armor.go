package protocol

import (
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/poly1305"
	"golang.org/x/crypto/salsa20"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
)

// aadSize is dest + src + flags.
const aadSize = 11

// authenticatedFlags drops the bits that legitimately change in flight.
func authenticatedFlags(f byte) byte {
	return f &^ (flagsHopsMask | flagFragmented)
}

// Armor encrypts and/or authenticates packet in place with secret using cipher c.
// The header, including a fresh packet id, must already be written; Armor sets the
// cipher bits and fills the MAC field. With CipherAESGMACSIV the id field is
// overwritten with half of the synthetic IV.
func Armor(packet []byte, secret *crypto.SymmetricSecret, c Cipher) error {
	if len(packet) < HeaderSize {
		return Invalid("packet shorter than header")
	}
	packet[18] = (packet[18] &^ flagsCipherMask) | byte(c)
	payload := packet[HeaderSize:]

	switch c {
	case CipherPoly1305None, CipherPoly1305Salsa20:
		key := secret.LegacyKey()
		defer crypto.Wipe(key[:])
		mac := salsaPoly(packet, &key, c == CipherPoly1305Salsa20, false)
		copy(packet[19:27], mac[:8])
		return nil

	case CipherAESGMACSIV:
		aead := secret.AEAD().Get()
		if aead == nil {
			return ErrSessionNotEstablished
		}
		defer secret.AEAD().Put(aead)
		var iv [crypto.AESGMACSIVIVSize]byte
		copy(iv[:], packet[0:8])
		aad := armorAAD(packet)
		_, tag := aead.Seal(payload[:0], iv, aad[:], payload)
		copy(packet[0:8], tag[:8])
		copy(packet[19:27], tag[8:])
		return nil

	default:
		return Invalid("cannot armor with cipher %s", c)
	}
}

// Dearmor authenticates and decrypts packet in place using the cipher named in
// its header. The reserved cipher is rejected as an invalid packet.
func Dearmor(packet []byte, secret *crypto.SymmetricSecret) error {
	if len(packet) < HeaderSize {
		return Invalid("packet shorter than header")
	}
	c := Cipher(packet[18] & flagsCipherMask)
	payload := packet[HeaderSize:]

	switch c {
	case CipherPoly1305None, CipherPoly1305Salsa20:
		key := secret.LegacyKey()
		defer crypto.Wipe(key[:])
		mac := salsaPoly(packet, &key, c == CipherPoly1305Salsa20, true)
		if subtle.ConstantTimeCompare(mac[:8], packet[19:27]) != 1 {
			return ErrFailedAuthentication
		}
		return nil

	case CipherAESGMACSIV:
		aead := secret.AEAD().Get()
		if aead == nil {
			return ErrSessionNotEstablished
		}
		defer secret.AEAD().Put(aead)
		var tag [crypto.AESGMACSIVTagSize]byte
		copy(tag[:8], packet[0:8])
		copy(tag[8:], packet[19:27])
		aad := armorAAD(packet)
		work := make([]byte, len(payload))
		if _, _, err := aead.Open(work[:0], tag, aad[:], payload); err != nil {
			return ErrFailedAuthentication
		}
		copy(payload, work)
		return nil

	default:
		return Invalid("cipher %s", c)
	}
}

func armorAAD(packet []byte) [aadSize]byte {
	var aad [aadSize]byte
	copy(aad[:10], packet[8:18])
	aad[10] = authenticatedFlags(packet[18])
	return aad
}

// salsaPoly runs the Salsa20/Poly1305 construction over packet. The per-packet
// key is the secret's key mangled with the authenticated header fields and the
// packet size; the first 32 keystream bytes key Poly1305 and, when encrypt is set,
// keystream from offset 64 is applied to the payload. The MAC always covers the
// payload as it is on the wire, so decrypt reverses the order.
func salsaPoly(packet []byte, key *[32]byte, encrypt, opening bool) [16]byte {
	var mangled [32]byte
	mangleKey(&mangled, key, packet)
	defer crypto.Wipe(mangled[:])

	payload := packet[HeaderSize:]
	nonce := packet[0:8]

	stream := make([]byte, 64, 64+len(payload))
	if encrypt {
		stream = append(stream, payload...)
	}
	salsa20.XORKeyStream(stream, stream, nonce, &mangled)

	var macKey [32]byte
	copy(macKey[:], stream[:32])
	defer crypto.Wipe(macKey[:])

	var mac [16]byte
	switch {
	case !encrypt:
		poly1305.Sum(&mac, payload, &macKey)
	case opening:
		poly1305.Sum(&mac, payload, &macKey)
		var want [8]byte
		copy(want[:], packet[19:27])
		if subtle.ConstantTimeCompare(mac[:8], want[:]) == 1 {
			copy(payload, stream[64:])
		}
	default:
		copy(payload, stream[64:])
		poly1305.Sum(&mac, payload, &macKey)
	}
	crypto.Wipe(stream[:64])
	return mac
}

func mangleKey(out, key *[32]byte, packet []byte) {
	*out = *key
	for i := 0; i < 18; i++ {
		out[i] ^= packet[i]
	}
	out[18] ^= authenticatedFlags(packet[18])
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(packet)))
	out[19] ^= size[0]
	out[20] ^= size[1]
}
