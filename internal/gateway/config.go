package gateway

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Default values applied by NewManager for zero fields.
const (
	DefaultBinary     = "/usr/bin/socat"
	DefaultDevice     = "/dev/ttyUSB0"
	DefaultBaudRate   = 9600
	DefaultListenHost = "127.0.0.1"
	DefaultPort       = 8000
)

// Config holds settings for the managed gateway.
type Config struct {
	// Managed enables running the gateway. When false the bridge expects
	// an external gateway at ListenHost:Port.
	Managed bool

	// Binary is the path to socat.
	Binary string

	// Device is the serial device the PC-link is attached to.
	Device string

	// BaudRate of the serial line. The PC-link uses 9600 8N1.
	BaudRate int

	// ListenHost and Port are where the gateway accepts TCP connections.
	ListenHost string
	Port       int

	RestartOnFailure    bool
	RestartDelay        time.Duration
	MaxRestartAttempts  int
	GracefulTimeout     time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig returns an unmanaged configuration with default values.
func DefaultConfig() Config {
	return Config{
		Binary:              DefaultBinary,
		Device:              DefaultDevice,
		BaudRate:            DefaultBaudRate,
		ListenHost:          DefaultListenHost,
		Port:                DefaultPort,
		RestartOnFailure:    true,
		RestartDelay:        5 * time.Second,
		MaxRestartAttempts:  10,
		GracefulTimeout:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// supportedBaudRates are the rates socat accepts as bNNN options.
var supportedBaudRates = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true, 19200: true,
	38400: true, 57600: true, 115200: true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Managed {
		return nil
	}

	if c.Binary == "" {
		return errors.New("binary is required")
	}
	if err := validateSafePathComponent(c.Binary, "binary"); err != nil {
		return err
	}
	if c.Device == "" {
		return errors.New("device is required")
	}
	if err := validateSafePathComponent(c.Device, "device"); err != nil {
		return err
	}
	if !supportedBaudRates[c.BaudRate] {
		return fmt.Errorf("unsupported baud rate %d", c.BaudRate)
	}
	if net.ParseIP(c.ListenHost) == nil {
		return fmt.Errorf("listen host must be an IP address, got %q", c.ListenHost)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.MaxRestartAttempts < 0 {
		return errors.New("max restart attempts must not be negative")
	}
	return nil
}

// BuildArgs returns the socat command line.
//
// The first address accepts TCP connections and forks a child per client.
// The second opens the serial device in raw mode without echo.
func (c *Config) BuildArgs() []string {
	listen := "TCP-LISTEN:" + strconv.Itoa(c.Port) +
		",bind=" + c.ListenHost + ",reuseaddr,fork"
	serial := c.Device + ",b" + strconv.Itoa(c.BaudRate) + ",raw,echo=0"
	return []string{listen, serial}
}

// Address returns host:port for connecting to the gateway.
func (c *Config) Address() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// safePathPattern allows alphanumeric, hyphen, underscore, dot and slash.
// Commas and colons are socat option separators.
var safePathPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-/]+$`)

// validateSafePathComponent rejects values that could smuggle extra socat
// options or shell metacharacters into the command line.
func validateSafePathComponent(value, fieldName string) error {
	if !safePathPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (allowed: alphanumeric, hyphen, underscore, dot, slash)", fieldName)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("%s must not contain %q", fieldName, "..")
	}
	return nil
}
