package nikobus

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Module types.
const (
	ModuleSwitch        = "switch"
	ModuleDimmer        = "dimmer"
	ModuleRollerShutter = "rollershutter"
)

// maxModuleChannels is the number of outputs a module exposes over two groups.
const maxModuleChannels = maxGroups * ChannelsPerGroup

// Config is the bridge configuration: identity plus the module table.
// Transport settings (listener, PC-link) live in the root configuration.
type Config struct {
	Bridge  BridgeConfig   `yaml:"bridge"`
	Modules []ModuleConfig `yaml:"modules"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health reports.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`

	// QoS is the MQTT quality of service for published messages.
	// Default: 1.
	QoS int `yaml:"qos"`

	// RefreshOnStart requests the output state of every module at startup.
	RefreshOnStart bool `yaml:"refresh_on_start"`
}

// ModuleConfig describes one output module on the bus.
type ModuleConfig struct {
	// ID is the Gray Logic identifier used in topics.
	ID string `yaml:"id"`

	// Name is a human-readable label (optional).
	Name string `yaml:"name"`

	// Address is the 4-digit hex bus address (e.g. "C9A5").
	Address string `yaml:"address"`

	// Type is switch, dimmer or rollershutter.
	Type string `yaml:"type"`

	// Channels is the number of outputs (1-12).
	// Default: 12 for switch and dimmer modules, 6 for roller shutters.
	Channels int `yaml:"channels"`
}

// LoadConfig reads the bridge configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables: NIKOBUS_BRIDGE_ID.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML bridge configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyModuleDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "nikobus-bridge-01",
			HealthInterval: 30,
			QoS:            1,
		},
		Modules: []ModuleConfig{},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NIKOBUS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
}

// applyModuleDefaults fills in per-type channel counts and normalises fields.
func (c *Config) applyModuleDefaults() {
	for i := range c.Modules {
		m := &c.Modules[i]
		m.Type = strings.ToLower(strings.TrimSpace(m.Type))
		m.Address = strings.ToUpper(strings.TrimSpace(m.Address))
		if m.Channels == 0 {
			switch m.Type {
			case ModuleRollerShutter:
				m.Channels = ChannelsPerGroup
			default:
				m.Channels = maxModuleChannels
			}
		}
	}
}

// Validate checks the configuration for errors.
// All problems are collected into one error.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateModules()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.QoS < 0 || c.Bridge.QoS > 2 {
		errs = append(errs, "bridge.qos must be 0, 1, or 2")
	}
	return errs
}

func (c *Config) validateModules() []string {
	var errs []string
	ids := make(map[string]bool)
	addresses := make(map[Address]string)

	for i, m := range c.Modules {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("modules[%d].id is required", i))
		} else if ids[m.ID] {
			errs = append(errs, fmt.Sprintf("modules[%d].id %q is duplicate", i, m.ID))
		}
		ids[m.ID] = true

		addr, err := ParseAddress(m.Address)
		if err != nil {
			errs = append(errs, fmt.Sprintf("modules[%d].address %q is invalid: %v", i, m.Address, err))
		} else if other, dup := addresses[addr]; dup {
			errs = append(errs, fmt.Sprintf("modules[%d].address %s is already used by %q", i, addr, other))
		} else {
			addresses[addr] = m.ID
		}

		switch m.Type {
		case ModuleSwitch, ModuleDimmer, ModuleRollerShutter:
		default:
			errs = append(errs, fmt.Sprintf("modules[%d].type %q is invalid (use switch, dimmer, or rollershutter)", i, m.Type))
		}

		if m.Channels < 1 || m.Channels > maxModuleChannels {
			errs = append(errs, fmt.Sprintf("modules[%d].channels must be 1-%d", i, maxModuleChannels))
		}
	}

	return errs
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// BuildModuleIndex creates lookup maps for module resolution.
// Modules with an unparseable address are skipped (Validate reports them).
//
// Returns:
//   - byAddress: Maps bus address → module
//   - byID: Maps module ID → module
func (c *Config) BuildModuleIndex() (byAddress map[Address]ModuleConfig, byID map[string]ModuleConfig) {
	byAddress = make(map[Address]ModuleConfig, len(c.Modules))
	byID = make(map[string]ModuleConfig, len(c.Modules))

	for _, m := range c.Modules {
		addr, err := ParseAddress(m.Address)
		if err != nil {
			continue
		}
		byAddress[addr] = m
		byID[m.ID] = m
	}
	return byAddress, byID
}

// Groups returns the number of output groups the module uses.
func (m ModuleConfig) Groups() int {
	g, err := GroupOf(m.Channels)
	if err != nil {
		return 0
	}
	return g
}
