package nikobus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// PC-link frame layout.
//
//	'$' LL FF AL AH [args...] CCCC cc
//
//	LL   length field: len(FF AL AH args) in characters + frameLengthOffset
//	FF   function code
//	AL   address low byte
//	AH   address high byte
//	CCCC CRC16 over FF AL AH args (hex text as bytes)
//	cc   CRC8 over everything before it (characters as bytes)
const (
	// FrameStart marks the beginning of a command frame.
	FrameStart = '$'

	// frameLengthOffset is added to the data length in the length field.
	// It is a protocol constant observed on real PC-link hardware.
	frameLengthOffset = 10

	lengthDigits   = 2
	functionDigits = 2
	byteDigits     = 2
	crc16Digits    = 4
	crc8Digits     = 2

	// headerDigits is function + address low + address high.
	headerDigits = functionDigits + 2*byteDigits

	// minFrameLen is '$' + LL + header + CRC16 + CRC8 with no args.
	minFrameLen = 1 + lengthDigits + headerDigits + crc16Digits + crc8Digits

	// maxDataLen is the largest data span the 2-digit length field can carry.
	maxDataLen = 0xFF - frameLengthOffset
)

// Frame is a decoded PC-link command frame.
type Frame struct {
	// Raw is the complete frame text as received or built.
	Raw string

	// Length is the declared length field value.
	Length int

	// Function is the command function code.
	Function uint8

	// Address is the target module address.
	Address Address

	// Args is the upper-case hex argument text following the address (may be empty).
	Args string

	// CRC16 is the payload checksum.
	CRC16 uint16

	// CRC8 is the frame checksum.
	CRC8 uint8
}

// BuildFrame assembles a complete PC-link command frame.
//
// The data span is function(2) + address low(2) + address high(2) + args.
// CRC16 is appended to the data, the result is prefixed with '$' and the
// length field, and CRC8 over that text is appended last.
//
// Parameters:
//   - function: Command function code
//   - address: Target module address
//   - args: Optional even-length hex argument text (case-insensitive)
//
// Returns:
//   - string: Frame text ready for transmission (without line terminator)
//   - error: ErrFormat if args is not even-length hex or too long
//
// Example:
//
//	frame, _ := BuildFrame(0x12, 0xC9A5, "")
//	fmt.Println(frame) // "$1012A5C94B71C1"
func BuildFrame(function uint8, address Address, args string) (string, error) {
	if len(args)%2 != 0 || !isHex(args) {
		return "", fmt.Errorf("%w: args must be even-length hex, got %q", ErrFormat, args)
	}

	data := EncodeHex(uint64(function), functionDigits) +
		EncodeHex(uint64(address.Low()), byteDigits) +
		EncodeHex(uint64(address.High()), byteDigits) +
		strings.ToUpper(args)

	if len(data) > maxDataLen {
		return "", fmt.Errorf("%w: frame data of %d characters exceeds %d", ErrFormat, len(data), maxDataLen)
	}

	payload, err := appendCRC16(data)
	if err != nil {
		return "", err
	}

	return appendCRC8(string(FrameStart) + EncodeHex(uint64(len(data)+frameLengthOffset), lengthDigits) + payload), nil
}

// ParseFrame decodes and verifies a PC-link command frame.
//
// Both checksums are recomputed over their declared spans and compared with
// the trailing fields exactly (upper-case hex).
//
// Parameters:
//   - text: Frame text, delimiter already removed
//
// Returns:
//   - Frame: Decoded frame
//   - error: ErrFormat for structural problems, ErrChecksum if a checksum
//     does not match
func ParseFrame(text string) (Frame, error) {
	if len(text) < minFrameLen {
		return Frame{}, fmt.Errorf("%w: frame too short (%d characters, need at least %d)", ErrFormat, len(text), minFrameLen)
	}
	if text[0] != FrameStart {
		return Frame{}, fmt.Errorf("%w: frame must start with %q", ErrFormat, FrameStart)
	}

	crc8Pos := len(text) - crc8Digits
	crc16Pos := crc8Pos - crc16Digits
	dataPos := 1 + lengthDigits

	lengthText := text[1:dataPos]
	data := text[dataPos:crc16Pos]
	crc16Text := text[crc16Pos:crc8Pos]
	crc8Text := text[crc8Pos:]

	length, err := DecodeHex(lengthText)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: length field", err)
	}

	crc16, err := CRC16(data)
	if err != nil {
		return Frame{}, err
	}
	if EncodeHex(uint64(crc16), crc16Digits) != crc16Text {
		return Frame{}, fmt.Errorf("%w: crc16 is %s, computed %04X", ErrChecksum, crc16Text, crc16)
	}

	crc8 := CRC8(text[:crc8Pos])
	if EncodeHex(uint64(crc8), crc8Digits) != crc8Text {
		return Frame{}, fmt.Errorf("%w: crc8 is %s, computed %02X", ErrChecksum, crc8Text, crc8)
	}

	if int(length) != len(data)+frameLengthOffset {
		return Frame{}, fmt.Errorf("%w: length field %d does not match data length %d", ErrFormat, length, len(data))
	}

	// CRC16 already proved the data span is hex.
	header, _ := hex.DecodeString(data[:headerDigits]) //nolint:errcheck // validated by CRC16

	return Frame{
		Raw:      text,
		Length:   int(length),
		Function: header[0],
		Address:  AddressFromWire(header[1], header[2]),
		Args:     data[headerDigits:],
		CRC16:    crc16,
		CRC8:     crc8,
	}, nil
}

// VerifyFrame reports whether text is a well-formed frame whose checksums
// match its content.
func VerifyFrame(text string) bool {
	_, err := ParseFrame(text)
	return err == nil
}

// IsCommandFrame reports whether text looks like a command frame ('$' prefix),
// regardless of whether it verifies.
func IsCommandFrame(text string) bool {
	return len(text) > 0 && text[0] == FrameStart
}

// String returns a human-readable representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Func:%02X, Addr:%s, Args:%q}", f.Function, f.Address, f.Args)
}
