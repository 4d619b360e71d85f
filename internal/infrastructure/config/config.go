package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Nikobus bridge service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Protocols ProtocolsConfig `yaml:"protocols"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for frame metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local HTTP API settings (status, frame log,
// commands, Prometheus metrics and the live frame WebSocket).
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket settings for the live frame feed.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProtocolsConfig contains protocol bridge settings.
type ProtocolsConfig struct {
	Nikobus NikobusConfig `yaml:"nikobus"`
}

// NikobusConfig contains Nikobus transport settings.
// Module definitions live in the bridge config file referenced by ConfigFile.
type NikobusConfig struct {
	Enabled bool `yaml:"enabled"`

	// ConfigFile is the path to the bridge config (identity, modules).
	ConfigFile string `yaml:"config_file"`

	// ListenHost and ListenPort are where frame feeders connect.
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	// Delimiter separates frames on listener connections:
	// "lf" (default), "cr", or a single literal character.
	Delimiter string `yaml:"delimiter"`

	// BufferSize is the per-connection read buffer in bytes.
	BufferSize int `yaml:"buffer_size"`

	// MaxFrameSize caps undelimited bytes per connection.
	MaxFrameSize int `yaml:"max_frame_size"`

	// PCLinkHost and PCLinkPort address the serial-to-TCP gateway in front
	// of the PC-link. An empty host disables command output.
	PCLinkHost string `yaml:"pclink_host"`
	PCLinkPort int    `yaml:"pclink_port"`

	// Timeout bounds PC-link dialling and writes (seconds).
	Timeout int `yaml:"timeout"`

	// SkipInit disables the PC-link init sequence after connecting.
	SkipInit bool `yaml:"skip_init"`

	// RecordFrames enables the SQLite frame log.
	RecordFrames bool `yaml:"record_frames"`

	// FrameRetentionDays prunes the frame log. 0 keeps everything.
	FrameRetentionDays int `yaml:"frame_retention_days"`

	// Advertise announces the HTTP API over mDNS as _nikobus._tcp.
	Advertise bool `yaml:"advertise"`

	// Gateway runs the serial-to-TCP gateway locally.
	Gateway NikobusGatewayConfig `yaml:"gateway"`
}

// NikobusGatewayConfig contains settings for a locally managed
// serial-to-TCP gateway (socat) in front of the PC-link serial port.
// The gateway listens on pclink_port; pclink_host defaults to 127.0.0.1.
type NikobusGatewayConfig struct {
	Managed            bool   `yaml:"managed"`
	Binary             string `yaml:"binary"`
	Device             string `yaml:"device"`
	BaudRate           int    `yaml:"baud_rate"`
	RestartOnFailure   bool   `yaml:"restart_on_failure"`
	RestartDelay       int    `yaml:"restart_delay"` // seconds
	MaxRestartAttempts int    `yaml:"max_restart_attempts"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_NIKOBUS_PCLINK_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if nk := &cfg.Protocols.Nikobus; nk.Gateway.Managed && nk.PCLinkHost == "" {
		nk.PCLinkHost = "127.0.0.1"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/nikobus.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-nikobus",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Protocols: ProtocolsConfig{
			Nikobus: NikobusConfig{
				Enabled:      true,
				ConfigFile:   "./configs/nikobus.yaml",
				ListenHost:   "0.0.0.0",
				ListenPort:   9999,
				Delimiter:    "lf",
				BufferSize:   1024,
				MaxFrameSize: 4096,
				PCLinkPort:   8000,
				Timeout:      10,
				RecordFrames: true,
				Gateway: NikobusGatewayConfig{
					Binary:             "/usr/bin/socat",
					Device:             "/dev/ttyUSB0",
					BaudRate:           9600,
					RestartOnFailure:   true,
					RestartDelay:       5,
					MaxRestartAttempts: 10,
				},
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Nikobus
	if v := os.Getenv("GRAYLOGIC_NIKOBUS_PCLINK_HOST"); v != "" {
		cfg.Protocols.Nikobus.PCLinkHost = v
	}
	if v := os.Getenv("GRAYLOGIC_NIKOBUS_SERIAL_DEVICE"); v != "" {
		cfg.Protocols.Nikobus.Gateway.Device = v
	}
	if v := os.Getenv("GRAYLOGIC_NIKOBUS_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Protocols.Nikobus.ListenPort = port
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 0 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 0 and 65535")
		}
		if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
			errs = append(errs, "websocket.ping_interval and websocket.pong_timeout must be positive")
		}
		if c.WebSocket.MaxMessageSize <= 0 {
			errs = append(errs, "websocket.max_message_size must be positive")
		}
	}

	errs = append(errs, c.Protocols.Nikobus.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (n NikobusConfig) validate() []string {
	if !n.Enabled {
		return nil
	}

	var errs []string
	if n.ConfigFile == "" {
		errs = append(errs, "protocols.nikobus.config_file is required")
	}
	if n.ListenPort < 0 || n.ListenPort > 65535 {
		errs = append(errs, "protocols.nikobus.listen_port must be between 0 and 65535")
	}
	if _, err := n.DelimiterByte(); err != nil {
		errs = append(errs, err.Error())
	}
	if n.BufferSize < 0 || n.MaxFrameSize < 0 {
		errs = append(errs, "protocols.nikobus buffer sizes must not be negative")
	}
	if n.PCLinkHost != "" && (n.PCLinkPort < 1 || n.PCLinkPort > 65535) {
		errs = append(errs, "protocols.nikobus.pclink_port must be between 1 and 65535")
	}
	if n.Timeout < 0 {
		errs = append(errs, "protocols.nikobus.timeout must not be negative")
	}
	if n.FrameRetentionDays < 0 {
		errs = append(errs, "protocols.nikobus.frame_retention_days must not be negative")
	}
	if g := n.Gateway; g.Managed {
		if g.Binary == "" || g.Device == "" {
			errs = append(errs, "protocols.nikobus.gateway binary and device are required when managed")
		}
		if g.BaudRate <= 0 {
			errs = append(errs, "protocols.nikobus.gateway.baud_rate must be positive")
		}
		if g.RestartDelay < 0 || g.MaxRestartAttempts < 0 {
			errs = append(errs, "protocols.nikobus.gateway restart settings must not be negative")
		}
	}
	return errs
}

// DelimiterByte resolves the configured frame delimiter.
func (n NikobusConfig) DelimiterByte() (byte, error) {
	switch strings.ToLower(n.Delimiter) {
	case "", "lf", `\n`:
		return '\n', nil
	case "cr", `\r`:
		return '\r', nil
	}
	if len(n.Delimiter) == 1 {
		return n.Delimiter[0], nil
	}
	return 0, fmt.Errorf("protocols.nikobus.delimiter %q must be lf, cr, or a single character", n.Delimiter)
}

// GetTimeout returns the PC-link timeout as a Duration.
func (n NikobusConfig) GetTimeout() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}

// GetRetention returns the frame log retention as a Duration (0 means forever).
func (n NikobusConfig) GetRetention() time.Duration {
	return time.Duration(n.FrameRetentionDays) * 24 * time.Hour
}
