// Package serverconfig loads the central server's configuration from the
// environment, in the teacher's validation-problems-collected-then-joined
// style (internal/config.Load in the teacher repository).
package serverconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"racetiming/ipicoforward/internal/config"
)

const (
	// DefaultAddr is the default TCP address the server's WebSocket and
	// HTTP listeners bind to.
	DefaultAddr = ":8443"
	// DefaultSQLitePath is the default relational store location.
	DefaultSQLitePath = "server.sqlite"
	// DefaultHeartbeatInterval matches the wire protocol's fixed cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultWriteDeadline bounds every upstream send (spec §5).
	DefaultWriteDeadline = 10 * time.Second
	// DefaultFanoutWindow bounds in-flight unacked batches per receiver session.
	DefaultFanoutWindow = 64
)

// Config captures the server's runtime tunables.
type Config struct {
	Addr             string
	SQLitePath       string
	HeartbeatInterval time.Duration
	WriteDeadline    time.Duration
	FanoutWindow     int
	AllowedOrigins   []string
	Logging          config.LoggingConfig
}

// Load reads the server configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:              getString("SERVER_ADDR", DefaultAddr),
		SQLitePath:        getString("SERVER_SQLITE_PATH", DefaultSQLitePath),
		HeartbeatInterval: DefaultHeartbeatInterval,
		WriteDeadline:     DefaultWriteDeadline,
		FanoutWindow:      DefaultFanoutWindow,
		AllowedOrigins:    parseList(os.Getenv("SERVER_ALLOWED_ORIGINS")),
		Logging:           config.DefaultLogging(getString("SERVER_LOG_PATH", "server.log")),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SERVER_LOG_LEVEL")); raw != "" {
		cfg.Logging.Level = raw
	}
	if raw := strings.TrimSpace(os.Getenv("SERVER_HEARTBEAT_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("SERVER_HEARTBEAT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatInterval = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SERVER_WRITE_DEADLINE")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("SERVER_WRITE_DEADLINE must be a positive duration, got %q", raw))
		} else {
			cfg.WriteDeadline = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SERVER_FANOUT_WINDOW")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			problems = append(problems, fmt.Sprintf("SERVER_FANOUT_WINDOW must be a positive integer, got %q", raw))
		} else {
			cfg.FanoutWindow = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SERVER_LOG_MAX_SIZE_MB")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			problems = append(problems, fmt.Sprintf("SERVER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = v
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("serverconfig: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
