package protocol

import (
	"bytes"
	"testing"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
)

func testSecret(t *testing.T, seed byte) *crypto.SymmetricSecret {
	t.Helper()
	var master [crypto.MasterKeySize]byte
	for i := range master {
		master[i] = seed + byte(i)
	}
	s, err := crypto.NewSymmetricSecret(master)
	if err != nil {
		t.Fatalf("NewSymmetricSecret: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func TestArmorRoundTrip(t *testing.T) {
	secret := testSecret(t, 1)
	for _, c := range []Cipher{CipherPoly1305None, CipherPoly1305Salsa20, CipherAESGMACSIV} {
		t.Run(c.String(), func(t *testing.T) {
			orig := testPacket(t, 300, 3)
			p := append([]byte(nil), orig...)
			if err := Armor(p, secret, c); err != nil {
				t.Fatalf("Armor: %v", err)
			}
			h, _ := ParseHeader(p)
			if h.Cipher() != c {
				t.Fatalf("cipher bits = %#x", h.Cipher())
			}
			encrypted := !bytes.Equal(p[HeaderSize:], orig[HeaderSize:])
			if encrypted != (c != CipherPoly1305None) {
				t.Fatalf("payload encrypted=%v for %s", encrypted, c)
			}

			// Hops change in flight and must not break authentication.
			IncrementPacketHops(p)

			if err := Dearmor(p, secret); err != nil {
				t.Fatalf("Dearmor: %v", err)
			}
			if !bytes.Equal(p[HeaderSize:], orig[HeaderSize:]) {
				t.Fatalf("payload mismatch after dearmor")
			}
		})
	}
}

func TestDearmorTampered(t *testing.T) {
	secret := testSecret(t, 1)
	for _, c := range []Cipher{CipherPoly1305None, CipherPoly1305Salsa20, CipherAESGMACSIV} {
		t.Run(c.String(), func(t *testing.T) {
			p := testPacket(t, 64, 4)
			if err := Armor(p, secret, c); err != nil {
				t.Fatalf("Armor: %v", err)
			}
			p[len(p)-1] ^= 1
			if err := Dearmor(p, secret); KindOf(err) != KindFailedAuthentication {
				t.Fatalf("expected failed authentication, got %v", err)
			}
		})
	}
}

func TestDearmorWrongSecret(t *testing.T) {
	p := testPacket(t, 64, 5)
	if err := Armor(p, testSecret(t, 1), CipherAESGMACSIV); err != nil {
		t.Fatalf("Armor: %v", err)
	}
	if err := Dearmor(p, testSecret(t, 2)); KindOf(err) != KindFailedAuthentication {
		t.Fatalf("expected failed authentication, got %v", err)
	}
}

func TestDearmorAddressTampered(t *testing.T) {
	secret := testSecret(t, 1)
	p := testPacket(t, 64, 6)
	if err := Armor(p, secret, CipherAESGMACSIV); err != nil {
		t.Fatalf("Armor: %v", err)
	}
	p[9] ^= 0x01
	if err := Dearmor(p, secret); KindOf(err) != KindFailedAuthentication {
		t.Fatalf("expected failed authentication, got %v", err)
	}
}

func TestReservedCipherRejected(t *testing.T) {
	secret := testSecret(t, 1)
	p := testPacket(t, 16, 7)
	if err := Armor(p, secret, CipherReserved); KindOf(err) != KindInvalidPacket {
		t.Fatalf("Armor: expected invalid packet, got %v", err)
	}
	p[18] = (p[18] &^ 0x30) | byte(CipherReserved)
	if err := Dearmor(p, secret); KindOf(err) != KindInvalidPacket {
		t.Fatalf("Dearmor: expected invalid packet, got %v", err)
	}
}

func BenchmarkArmorAESGMACSIV(b *testing.B) {
	var master [crypto.MasterKeySize]byte
	secret, _ := crypto.NewSymmetricSecret(master)
	defer secret.Destroy()
	p := make([]byte, DefaultMTU)
	b.SetBytes(int64(len(p)))
	for i := 0; i < b.N; i++ {
		_ = Armor(p, secret, CipherAESGMACSIV)
	}
}
