package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// AddressSize is the wire size of an address in bytes.
	AddressSize = 5
	// AddressStringSize is the length of the hexadecimal form.
	AddressStringSize = 10
	// AddressReservedPrefix is a top byte that never appears in a valid address.
	AddressReservedPrefix = 0xff

	addressMask = 0xffffffffff
)

var (
	ErrInvalidAddress = errors.New("identity: invalid address")
)

// Address is a 40-bit peer identifier stored in the low bits of a uint64.
// The zero value is the nil address.
type Address uint64

// AddressFromBytes reads a 5-byte big-endian address.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) < AddressSize {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidAddress, AddressSize, len(b))
	}
	return Address(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])), nil
}

// AddressFromUint64 truncates v to 40 bits.
func AddressFromUint64(v uint64) Address {
	return Address(v & addressMask)
}

// ParseAddress parses the 10 character hexadecimal form.
func ParseAddress(s string) (Address, error) {
	if len(s) != AddressStringSize {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(b)
}

func (a Address) IsNil() bool { return a == 0 }

// IsReserved reports whether the address carries the reserved 0xFF prefix.
func (a Address) IsReserved() bool {
	return byte(a>>32) == AddressReservedPrefix
}

// IsValid is true for non-nil, non-reserved addresses.
func (a Address) IsValid() bool {
	return !a.IsNil() && !a.IsReserved() && uint64(a) <= addressMask
}

func (a Address) Bytes() [AddressSize]byte {
	var b [AddressSize]byte
	a.PutBytes(b[:])
	return b
}

// PutBytes writes the 5-byte form into dst, which must be at least AddressSize long.
func (a Address) PutBytes(dst []byte) {
	_ = dst[4]
	dst[0] = byte(a >> 32)
	dst[1] = byte(a >> 24)
	dst[2] = byte(a >> 16)
	dst[3] = byte(a >> 8)
	dst[4] = byte(a)
}

func (a Address) String() string {
	b := a.Bytes()
	return hex.EncodeToString(b[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	v, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
