package nikobus

import "errors"

// Domain errors for the Nikobus bridge package.
var (
	// ErrFormat is returned when hex/decimal text, a frame, or a CRC input
	// is malformed (non-hex characters, odd length, bad structure).
	ErrFormat = errors.New("nikobus: malformed input")

	// ErrRange is returned when a numeric argument is outside its valid range
	// (e.g., channel <= 0, group outside 1-2).
	ErrRange = errors.New("nikobus: value out of range")

	// ErrChecksum is returned when a structurally valid frame carries
	// checksums that do not match its content.
	ErrChecksum = errors.New("nikobus: checksum mismatch")

	// ErrBind is returned when the listener cannot bind its socket
	// (address in use, permission denied).
	ErrBind = errors.New("nikobus: bind failed")

	// ErrListenerStopped is returned when Start is called on a listener
	// that has been stopped.
	ErrListenerStopped = errors.New("nikobus: listener stopped")

	// ErrFrameTooLarge is returned when a connection accumulates more
	// undelimited bytes than the configured maximum frame size.
	ErrFrameTooLarge = errors.New("nikobus: frame exceeds maximum size")

	// ErrNotConnected is returned when a command is sent while the
	// PC-link connection is down.
	ErrNotConnected = errors.New("nikobus: not connected to PC-link")

	// ErrConnectionFailed is returned when dialling the PC-link fails.
	ErrConnectionFailed = errors.New("nikobus: connection to PC-link failed")

	// ErrCommandFailed is returned when writing a command frame fails.
	ErrCommandFailed = errors.New("nikobus: command send failed")
)
