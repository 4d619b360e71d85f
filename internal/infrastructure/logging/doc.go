// Package logging provides structured logging for the Nikobus bridge.
//
// It wraps log/slog with JSON or text output, level filtering and default
// service/version fields on every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	listener.SetLogger(logger.Component("listener"))
//
// Never log MQTT or InfluxDB credentials.
package logging
