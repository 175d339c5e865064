// Package logging provides structured logging for Hive Core.
//
// It wraps log/slog so every entry carries the service name and build
// version. JSON output is the default; text output is available for local
// development.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log JWT secrets, broker passwords or notification payload bodies
// at info level or above.
package logging
