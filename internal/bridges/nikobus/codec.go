package nikobus

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Checksum parameters of the PC-link protocol.
const (
	// crc16Init is the CRC-16 seed.
	crc16Init uint16 = 0xFFFF

	// crc16Poly is the CRC-16 polynomial (processed MSB-first, no final XOR).
	crc16Poly uint16 = 0x1021

	// crc8Poly is the CRC-8 polynomial (zero seed, MSB-first).
	crc8Poly uint8 = 0x99
)

// EncodeHex formats value as upper-case hexadecimal, zero-padded to digits
// characters.
//
// Values wider than the field are truncated to their low-order digits,
// mirroring the fixed-width wire fields (e.g., EncodeHex(0x12345, 4) is "2345").
//
// Parameters:
//   - value: Unsigned value to encode
//   - digits: Field width in characters
//
// Returns:
//   - string: Exactly digits characters (empty if digits <= 0)
func EncodeHex(value uint64, digits int) string {
	return fixedWidth(strings.ToUpper(strconv.FormatUint(value, 16)), digits)
}

// DecodeHex parses base-16 text.
//
// Returns:
//   - uint64: Decoded value
//   - error: ErrFormat if text is empty or contains non-hex characters
func DecodeHex(text string) (uint64, error) {
	v, err := strconv.ParseUint(text, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid hex %q", ErrFormat, text)
	}
	return v, nil
}

// EncodeDec formats value as decimal, zero-padded to digits characters.
// Wider values are truncated to their low-order digits, as EncodeHex.
func EncodeDec(value uint64, digits int) string {
	return fixedWidth(strconv.FormatUint(value, 10), digits)
}

// DecodeDec parses base-10 text.
//
// Returns:
//   - uint64: Decoded value
//   - error: ErrFormat if text is empty or contains non-decimal characters
func DecodeDec(text string) (uint64, error) {
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid decimal %q", ErrFormat, text)
	}
	return v, nil
}

// fixedWidth left-pads s with zeros or keeps its last digits characters.
func fixedWidth(s string, digits int) string {
	if digits <= 0 {
		return ""
	}
	if len(s) >= digits {
		return s[len(s)-digits:]
	}
	return strings.Repeat("0", digits-len(s)) + s
}

// CRC16 computes the payload checksum of a PC-link frame.
//
// The input is hex text: every two characters are one byte. The algorithm is
// bit-serial, seed 0xFFFF, polynomial 0x1021, MSB-first, no final XOR.
//
// Parameters:
//   - data: Even-length hex text (function + address + args)
//
// Returns:
//   - uint16: Checksum
//   - error: ErrFormat on odd length or non-hex characters
func CRC16(data string) (uint16, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return 0, fmt.Errorf("%w: crc16 input %q: %w", ErrFormat, data, err)
	}

	crc := crc16Init
	for _, b := range raw {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc, nil
}

// CRC8 computes the frame checksum of a PC-link frame.
//
// Unlike CRC16 the input is consumed character by character (each character
// code is one byte), so it runs over the frame text including the '$' start
// marker, the length field and the already-appended CRC16 digits.
func CRC8(data string) uint8 {
	var crc uint8
	for i := 0; i < len(data); i++ {
		crc ^= data[i]
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ crc8Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// appendCRC16 returns data followed by its 4-digit CRC16.
func appendCRC16(data string) (string, error) {
	crc, err := CRC16(data)
	if err != nil {
		return "", err
	}
	return data + EncodeHex(uint64(crc), crc16Digits), nil
}

// appendCRC8 returns data followed by its 2-digit CRC8.
func appendCRC8(data string) string {
	return data + EncodeHex(uint64(CRC8(data)), crc8Digits)
}

// isHex reports whether s consists only of hexadecimal digits.
func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
