package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrInvalidConfig is returned by Connect for a config without
	// a URL, org or bucket.
	ErrInvalidConfig = errors.New("influxdb: invalid configuration")

	// ErrConnectionFailed wraps a failed initial ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")
)
