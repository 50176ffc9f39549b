// Package receiverconfig loads the receiver's bootstrap configuration from
// the environment. Most of the receiver's behaviour (profile, selection,
// subscriptions) is runtime state owned by internal/receiversession and
// mutated through its control HTTP surface, not static config; this
// package only covers what the process needs before it can reach that
// surface at all.
package receiverconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"racetiming/ipicoforward/internal/config"
)

const (
	// DefaultControlBind is the receiver's local control/status HTTP bind address.
	DefaultControlBind = "127.0.0.1:8090"
	// DefaultStatePath is where the receiver persists its profile, selection
	// and subscription state across restarts.
	DefaultStatePath = "receiver-state.json"
)

// Config captures the receiver's bootstrap tunables.
type Config struct {
	ControlBind string
	StatePath   string
	Logging     config.LoggingConfig
}

// Load reads the receiver configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ControlBind: getString("RECEIVER_CONTROL_BIND", DefaultControlBind),
		StatePath:   getString("RECEIVER_STATE_PATH", DefaultStatePath),
		Logging:     config.DefaultLogging(getString("RECEIVER_LOG_PATH", "receiver.log")),
	}

	var problems []string
	if raw := strings.TrimSpace(os.Getenv("RECEIVER_LOG_LEVEL")); raw != "" {
		cfg.Logging.Level = raw
	}
	if raw := strings.TrimSpace(os.Getenv("RECEIVER_LOG_MAX_SIZE_MB")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			problems = append(problems, fmt.Sprintf("RECEIVER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = v
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("receiverconfig: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
