// Package logging provides structured logging for the Meross bridge.
//
// It is a thin layer over log/slog: JSON or text handlers, level
// filtering, and service/version fields stamped on every record so logs
// from multiple bridge instances can be told apart.
//
// Configured from the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Typical use:
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8580)
//	devLog := logger.With("uuid", dev.UUID)
//
// Device signing keys and JWT secrets must never appear in log fields;
// log key prefixes or lengths instead when debugging auth issues.
package logging
