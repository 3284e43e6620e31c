// Package beacon decodes the fixed-length advertisement frames emitted by the
// beacon receiver over its serial link.
//
// Wire layout (11 bytes):
//
//	offset  size  meaning
//	0       1     start marker 0xEF
//	1       1     start marker 0x01
//	2-7     6     device address, least significant octet first
//	8       1     RSSI as an unsigned byte, two's complement
//	9-10    2     trailer (captured, never validated)
package beacon

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	MarkerByte1 = 0xEF
	MarkerByte2 = 0x01

	MarkerSize  = 2
	AddressSize = 6
	TrailerSize = 2
	FrameSize   = MarkerSize + AddressSize + 1 + TrailerSize

	addressOffset = MarkerSize
	rssiOffset    = addressOffset + AddressSize
	trailerOffset = rssiOffset + 1
)

// Address is a device address in wire order.
type Address [AddressSize]byte

// String renders the address as colon separated lowercase hex octets, most
// significant octet first (the reverse of wire order).
func (a Address) String() string {
	var sb strings.Builder
	sb.Grow(AddressSize*3 - 1)
	for i := AddressSize - 1; i >= 0; i-- {
		sb.WriteString(hex.EncodeToString(a[i : i+1]))
		if i > 0 {
			sb.WriteByte(':')
		}
	}
	return sb.String()
}

// Frame is a decoded advertisement.
type Frame struct {
	Address Address
	RSSI    int
	// Trailer is kept for diagnostics only. Frames are never rejected on it.
	Trailer [TrailerSize]byte
}

// ID returns the canonical identifier used as the registry key.
func (f Frame) ID() string {
	return f.Address.String()
}

func (f Frame) String() string {
	return fmt.Sprintf("mac=%s rssi=%d trailer=%x", f.ID(), f.RSSI, f.Trailer)
}

// FramingError reports a candidate frame that could not be decoded.
type FramingError struct {
	Reason string
	Frame  []byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s (% x)", e.Reason, e.Frame)
}

// DecodeRSSI reinterprets an unsigned byte as a signed reading.
func DecodeRSSI(b byte) int {
	v := int(b)
	if v > 127 {
		v -= 256
	}
	return v
}

// Decode parses an 11-byte candidate frame. It has no side effects.
func Decode(raw []byte) (Frame, error) {
	if len(raw) != FrameSize {
		return Frame{}, &FramingError{
			Reason: fmt.Sprintf("candidate is %d bytes, want %d", len(raw), FrameSize),
			Frame:  append([]byte(nil), raw...),
		}
	}
	if raw[0] != MarkerByte1 || raw[1] != MarkerByte2 {
		return Frame{}, &FramingError{
			Reason: "invalid start bytes",
			Frame:  append([]byte(nil), raw...),
		}
	}

	var f Frame
	copy(f.Address[:], raw[addressOffset:rssiOffset])
	f.RSSI = DecodeRSSI(raw[rssiOffset])
	copy(f.Trailer[:], raw[trailerOffset:FrameSize])
	return f, nil
}

// Encode builds the wire representation of a frame. It is the inverse of
// Decode and is used by the synthetic dev-mode port.
func Encode(f Frame) []byte {
	raw := make([]byte, FrameSize)
	raw[0] = MarkerByte1
	raw[1] = MarkerByte2
	copy(raw[addressOffset:rssiOffset], f.Address[:])
	raw[rssiOffset] = byte(int8(f.RSSI))
	copy(raw[trailerOffset:], f.Trailer[:])
	return raw
}

// ParseAddress parses the canonical "aa:bb:cc:dd:ee:ff" form back into wire
// order.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != AddressSize {
		return a, fmt.Errorf("invalid address %q: want %d octets", s, AddressSize)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return a, fmt.Errorf("invalid address %q: bad octet %q", s, p)
		}
		a[AddressSize-1-i] = b[0]
	}
	return a, nil
}
