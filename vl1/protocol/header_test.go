package protocol

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

func TestHeaderSizes(t *testing.T) {
	var h Header
	if got := len(h.Marshal()); got != HeaderSize || HeaderSize != 27 {
		t.Fatalf("header encodes to %d bytes", got)
	}
	fh := FragmentHeader{Total: 2, No: 1}
	b := make([]byte, FragmentHeaderSize)
	fh.Put(b)
	if FragmentHeaderSize != 16 {
		t.Fatalf("fragment header size %d", FragmentHeaderSize)
	}
	if PacketSizeMax != 10032 || PacketSizeMax%16 != 0 {
		t.Fatalf("PacketSizeMax = %d", PacketSizeMax)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	want := Header{
		ID:    PacketID(0x0102030405060708),
		Dest:  identity.AddressFromUint64(0x0a0b0c0d0e),
		Src:   identity.AddressFromUint64(0x1122334455),
		Flags: 0x35,
		MAC:   [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	enc := want.Marshal()
	got, err := ParseHeader(enc[:])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	again := got.Marshal()
	if !bytes.Equal(enc[:], again[:]) {
		t.Fatalf("re-encoding changed bytes")
	}
	if !bytes.Equal(enc[8:13], []byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e}) {
		t.Fatalf("dest at wrong offset: %x", enc[8:13])
	}
	if !bytes.Equal(enc[13:18], []byte{0x11, 0x22, 0x33, 0x44, 0x55}) {
		t.Fatalf("src at wrong offset: %x", enc[13:18])
	}
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	if KindOf(err) != KindInvalidPacket {
		t.Fatalf("expected invalid packet, got %v", err)
	}
}

func TestHeaderCipherAndHops(t *testing.T) {
	var h Header
	h.SetHops(3)
	h.SetCipher(CipherAESGMACSIV)
	if h.Cipher() != CipherAESGMACSIV {
		t.Fatalf("cipher = %#x", h.Cipher())
	}
	if h.Hops() != 3 {
		t.Fatalf("hops = %d", h.Hops())
	}
	h.IncrementHops()
	if h.Hops() != 4 {
		t.Fatalf("hops after increment = %d", h.Hops())
	}
	if h.Cipher() != CipherAESGMACSIV {
		t.Fatalf("increment disturbed cipher")
	}
}

func TestIncrementHopsWraps(t *testing.T) {
	var h Header
	h.SetCipher(CipherPoly1305Salsa20)
	h.SetFragmented(true)
	for i := 0; i < 8; i++ {
		h.IncrementHops()
	}
	if h.Hops() != 0 {
		t.Fatalf("hops = %d after 8 increments", h.Hops())
	}
	if h.Cipher() != CipherPoly1305Salsa20 || !h.IsFragmented() {
		t.Fatalf("flags corrupted: %#x", h.Flags)
	}
}

func TestFragmentHeader(t *testing.T) {
	want := FragmentHeader{
		ID:    7,
		Dest:  identity.AddressFromUint64(0x0102030405),
		Total: 16,
		No:    15,
		Hops:  2,
	}
	b := make([]byte, FragmentHeaderSize)
	want.Put(b)
	if !IsFragment(b) {
		t.Fatalf("fragment indicator not set")
	}
	got, err := ParseFragmentHeader(b)
	if err != nil {
		t.Fatalf("ParseFragmentHeader: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fragment header mismatch (-want +got):\n%s", diff)
	}
	if n := IncrementFragmentHops(b); n != 3 {
		t.Fatalf("fragment hops = %d", n)
	}
}

func TestFragmentHeaderRejectsBadIndex(t *testing.T) {
	b := make([]byte, FragmentHeaderSize)
	b[FragmentIndicatorIndex] = FragmentIndicator
	b[14] = 0x33 // fragment 3 of 3
	if _, err := ParseFragmentHeader(b); KindOf(err) != KindInvalidPacket {
		t.Fatalf("expected invalid packet, got %v", err)
	}
	b[14] = 0x10 // total 1
	if _, err := ParseFragmentHeader(b); KindOf(err) != KindInvalidPacket {
		t.Fatalf("expected invalid packet, got %v", err)
	}
}

func TestFullHeaderIsNotFragment(t *testing.T) {
	h := Header{Src: identity.AddressFromUint64(0xfe00000001)}
	enc := h.Marshal()
	if IsFragment(enc[:]) {
		t.Fatalf("valid source address mistaken for fragment indicator")
	}
}
