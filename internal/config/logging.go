// Package config holds the LoggingConfig type shared by every binary's
// config package (forwarderconfig, serverconfig, receiverconfig), each of
// which parses its own shape (TOML or environment) but hands the same
// struct to internal/logging.
package config

const (
	// DefaultLogLevel controls verbosity for all three binaries' logs.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// LoggingConfig captures structured logging configuration options common to
// the forwarder, server and receiver binaries.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultLogging returns the logging defaults every binary starts from
// before applying its own file or environment overrides.
func DefaultLogging(path string) LoggingConfig {
	return LoggingConfig{
		Level:      DefaultLogLevel,
		Path:       path,
		MaxSizeMB:  DefaultLogMaxSizeMB,
		MaxBackups: DefaultLogMaxBackups,
		MaxAgeDays: DefaultLogMaxAgeDays,
		Compress:   DefaultLogCompress,
	}
}
