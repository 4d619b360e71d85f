// Package config loads config.yaml for nikobusd.
//
// Load reads the file over built-in defaults, applies GRAYLOGIC_*
// environment overrides and validates the result. The Nikobus specific
// settings live under protocols.nikobus: the feeder listener, the PC-link
// address, the optional managed serial gateway and the path of the bridge
// module file (nikobus.yaml, parsed by the nikobus package).
//
// Secrets belong in the environment rather than the file:
//
//	GRAYLOGIC_MQTT_USERNAME, GRAYLOGIC_MQTT_PASSWORD
//	GRAYLOGIC_INFLUXDB_TOKEN
//
// Deployment-specific values can be overridden the same way, e.g.
// GRAYLOGIC_NIKOBUS_PCLINK_HOST or GRAYLOGIC_NIKOBUS_SERIAL_DEVICE.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
package config
