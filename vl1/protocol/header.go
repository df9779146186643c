package protocol

import (
	"encoding/binary"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

const (
	// HeaderSize is the size of a packet header on the wire.
	HeaderSize = 27
	// FragmentHeaderSize is the size of a fragment header on the wire.
	FragmentHeaderSize = 16
	// PayloadSizeMax is the largest payload a packet may carry after reassembly.
	PayloadSizeMax = 10005
	// PacketSizeMax is HeaderSize + PayloadSizeMax, a multiple of 16.
	PacketSizeMax = HeaderSize + PayloadSizeMax
	// FragmentCountMax is the most frames (head included) a packet may be split into.
	FragmentCountMax = 16
	// ProtocolMaxHops is the highest hop count a packet may be forwarded at.
	ProtocolMaxHops = 7
	// FragmentIndicator marks a frame as a fragment. It sits where a full header
	// carries the first byte of the source address, which is never 0xFF.
	FragmentIndicator = 0xff
	// FragmentIndicatorIndex is the offset of FragmentIndicator in a frame.
	FragmentIndicatorIndex = 13
	// DefaultMTU is the default physical MTU used when splitting packets.
	DefaultMTU = 1432
	// MinMTU is the smallest MTU that still leaves room for a tail fragment's data.
	MinMTU = HeaderSize + 1
)

// Cipher is the cipher suite selector stored in bits 4-5 of the flags byte.
type Cipher byte

const (
	CipherPoly1305None     Cipher = 0x00
	CipherPoly1305Salsa20  Cipher = 0x10
	CipherReserved         Cipher = 0x20
	CipherAESGMACSIV       Cipher = 0x30
	flagsCipherMask               = 0x30
	flagsHopsMask                 = 0x07
	flagFragmented                = 0x40
	flagsAuthenticatedMask        = ^byte(flagsHopsMask)
)

func (c Cipher) String() string {
	switch c {
	case CipherPoly1305None:
		return "poly1305/none"
	case CipherPoly1305Salsa20:
		return "poly1305/salsa20"
	case CipherReserved:
		return "reserved"
	case CipherAESGMACSIV:
		return "aes-gmac-siv"
	default:
		return "invalid"
	}
}

// PacketID is the 64-bit packet id. It is read in native byte order and is only
// ever compared for equality.
type PacketID uint64

// PacketIDFromBytes reads a PacketID from 8 raw bytes.
func PacketIDFromBytes(b []byte) PacketID {
	return PacketID(binary.NativeEndian.Uint64(b))
}

// PutBytes writes the id as 8 raw bytes.
func (id PacketID) PutBytes(b []byte) {
	binary.NativeEndian.PutUint64(b, uint64(id))
}

// Header is the decoded form of the 27-byte packet header.
type Header struct {
	ID    PacketID
	Dest  identity.Address
	Src   identity.Address
	Flags byte
	MAC   [8]byte
}

// ParseHeader decodes the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, Invalid("header needs %d bytes, have %d", HeaderSize, len(b))
	}
	var h Header
	h.ID = PacketIDFromBytes(b[0:8])
	h.Dest, _ = identity.AddressFromBytes(b[8:13])
	h.Src, _ = identity.AddressFromBytes(b[13:18])
	h.Flags = b[18]
	copy(h.MAC[:], b[19:27])
	return h, nil
}

// Marshal returns the header's 27 wire bytes.
func (h *Header) Marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	h.Put(b[:])
	return b
}

// Put encodes the header into the first HeaderSize bytes of b.
func (h *Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	h.ID.PutBytes(b[0:8])
	h.Dest.PutBytes(b[8:13])
	h.Src.PutBytes(b[13:18])
	b[18] = h.Flags
	copy(b[19:27], h.MAC[:])
}

// AppendTo appends the encoded header to b.
func (h *Header) AppendTo(b []byte) []byte {
	enc := h.Marshal()
	return append(b, enc[:]...)
}

// Hops returns the hop count.
func (h *Header) Hops() int { return int(h.Flags & flagsHopsMask) }

// IncrementHops adds one hop, wrapping modulo 8 without touching the other flag
// bits. Callers compare against ProtocolMaxHops before forwarding.
func (h *Header) IncrementHops() {
	h.Flags = (h.Flags &^ flagsHopsMask) | ((h.Flags + 1) & flagsHopsMask)
}

// SetHops sets the hop count, truncated to three bits.
func (h *Header) SetHops(n int) {
	h.Flags = (h.Flags &^ flagsHopsMask) | (byte(n) & flagsHopsMask)
}

// Cipher returns the cipher suite selector.
func (h *Header) Cipher() Cipher { return Cipher(h.Flags & flagsCipherMask) }

// SetCipher replaces the cipher suite selector.
func (h *Header) SetCipher(c Cipher) {
	h.Flags = (h.Flags &^ flagsCipherMask) | (byte(c) & flagsCipherMask)
}

// IsFragmented reports whether more fragments follow this head.
func (h *Header) IsFragmented() bool { return h.Flags&flagFragmented != 0 }

// SetFragmented sets or clears the fragmented flag.
func (h *Header) SetFragmented(v bool) {
	if v {
		h.Flags |= flagFragmented
	} else {
		h.Flags &^= flagFragmented
	}
}

// FragmentHeader is the decoded form of the 16-byte header carried by every
// fragment after the head. Total counts the head frame; No is this frame's index,
// the head being index 0.
type FragmentHeader struct {
	ID    PacketID
	Dest  identity.Address
	Total int
	No    int
	Hops  int
}

// IsFragment reports whether frame starts with a fragment header.
func IsFragment(frame []byte) bool {
	return len(frame) > FragmentIndicatorIndex && frame[FragmentIndicatorIndex] == FragmentIndicator
}

// ParseFragmentHeader decodes and range checks a fragment header.
func ParseFragmentHeader(b []byte) (FragmentHeader, error) {
	if len(b) < FragmentHeaderSize {
		return FragmentHeader{}, Invalid("fragment header needs %d bytes, have %d", FragmentHeaderSize, len(b))
	}
	if b[FragmentIndicatorIndex] != FragmentIndicator {
		return FragmentHeader{}, Invalid("missing fragment indicator")
	}
	var f FragmentHeader
	f.ID = PacketIDFromBytes(b[0:8])
	f.Dest, _ = identity.AddressFromBytes(b[8:13])
	f.Total = int(b[14] >> 4)
	if f.Total == 0 {
		f.Total = FragmentCountMax
	}
	f.No = int(b[14] & 0x0f)
	f.Hops = int(b[15] & flagsHopsMask)
	if f.Total < 2 || f.No < 1 || f.No >= f.Total {
		return FragmentHeader{}, Invalid("fragment %d of %d out of range", f.No, f.Total)
	}
	return f, nil
}

// Put encodes the fragment header into the first FragmentHeaderSize bytes of b.
// Total must be in [2, 16] and No in [1, Total). A total of 16 is written as 0.
func (f *FragmentHeader) Put(b []byte) {
	_ = b[FragmentHeaderSize-1]
	f.ID.PutBytes(b[0:8])
	f.Dest.PutBytes(b[8:13])
	b[FragmentIndicatorIndex] = FragmentIndicator
	b[14] = byte(f.Total&0x0f)<<4 | byte(f.No&0x0f)
	b[15] = byte(f.Hops) & flagsHopsMask
}

// IncrementFragmentHops bumps the hop count of a fragment frame in place and
// returns the new count.
func IncrementFragmentHops(frame []byte) int {
	h := (frame[15] + 1) & flagsHopsMask
	frame[15] = (frame[15] &^ flagsHopsMask) | h
	return int(h)
}

// IncrementPacketHops bumps the hop count of a packet frame in place and
// returns the new count.
func IncrementPacketHops(frame []byte) int {
	f := frame[18]
	frame[18] = (f &^ flagsHopsMask) | ((f + 1) & flagsHopsMask)
	return int(frame[18] & flagsHopsMask)
}
