package nikobus

import (
	"fmt"
)

// addressDigits is the width of a module address in hex characters.
const addressDigits = 4

// Address is a 16-bit Nikobus bus address of a module.
//
// Addresses are written by humans (and module labels) as 4 hex digits,
// e.g. "C9A5", but travel on the wire low byte first ("A5C9").
type Address uint16

// ParseAddress parses a module address written as exactly 4 hex digits.
//
// Parameters:
//   - s: Address text (e.g., "C9A5"); case-insensitive
//
// Returns:
//   - Address: Parsed address
//   - error: ErrFormat if s is not 4 hex digits
func ParseAddress(s string) (Address, error) {
	if len(s) != addressDigits {
		return 0, fmt.Errorf("%w: address must be %d hex digits, got %q", ErrFormat, addressDigits, s)
	}
	v, err := DecodeHex(s)
	if err != nil {
		return 0, err
	}
	return Address(v), nil
}

// AddressFromWire builds an address from its on-wire byte order.
func AddressFromWire(low, high uint8) Address {
	return Address(uint16(high)<<8 | uint16(low))
}

// String returns the address as 4 upper-case hex digits.
func (a Address) String() string {
	return EncodeHex(uint64(a), addressDigits)
}

// Low returns the low-order byte (sent first on the wire).
func (a Address) Low() uint8 {
	return uint8(a & 0xFF) //nolint:gosec // masked to 8 bits
}

// High returns the high-order byte (sent second on the wire).
func (a Address) High() uint8 {
	return uint8(a >> 8) //nolint:gosec // shifted to 8 bits
}

// MarshalText implements encoding.TextMarshaler so addresses serialise as
// "C9A5" in JSON and YAML.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
