// Package gateway runs a serial-to-TCP gateway in front of the PC-link.
//
// The PC-link is a serial device. The bridge talks to it over TCP, so when
// the PC-link is attached to the same host the bridge can run socat to
// expose the serial port on a local TCP port. The gateway is supervised by
// package process: it restarts on failure and is killed when health checks
// keep failing.
//
// Health checks are layered:
//   - Layer 0: serial device present (not recoverable by restarting)
//   - Layer 1: gateway process state via /proc (recoverable)
//
// The TCP port is probed once at startup only. socat forks a child per
// connection, and each child opens the serial port, so probing while the
// bridge is connected would compete for the PC-link's output.
//
// When Managed is false Start does nothing and the bridge connects to an
// external gateway.
package gateway
