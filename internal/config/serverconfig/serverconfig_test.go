package serverconfig

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_ADDR",
		"SERVER_SQLITE_PATH",
		"SERVER_ALLOWED_ORIGINS",
		"SERVER_LOG_LEVEL",
		"SERVER_LOG_PATH",
		"SERVER_HEARTBEAT_INTERVAL",
		"SERVER_WRITE_DEADLINE",
		"SERVER_FANOUT_WINDOW",
		"SERVER_LOG_MAX_SIZE_MB",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Fatalf("Addr = %q, want default %q", cfg.Addr, DefaultAddr)
	}
	if cfg.SQLitePath != DefaultSQLitePath {
		t.Fatalf("SQLitePath = %q, want default %q", cfg.SQLitePath, DefaultSQLitePath)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("HeartbeatInterval = %v, want default %v", cfg.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.WriteDeadline != DefaultWriteDeadline {
		t.Fatalf("WriteDeadline = %v, want default %v", cfg.WriteDeadline, DefaultWriteDeadline)
	}
	if cfg.FanoutWindow != DefaultFanoutWindow {
		t.Fatalf("FanoutWindow = %d, want default %d", cfg.FanoutWindow, DefaultFanoutWindow)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("AllowedOrigins = %#v, want nil", cfg.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_ADDR", "127.0.0.1:9443")
	t.Setenv("SERVER_SQLITE_PATH", "/var/lib/server.sqlite")
	t.Setenv("SERVER_ALLOWED_ORIGINS", " https://a.example, https://b.example ,,")
	t.Setenv("SERVER_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("SERVER_WRITE_DEADLINE", "5s")
	t.Setenv("SERVER_FANOUT_WINDOW", "128")
	t.Setenv("SERVER_LOG_LEVEL", "debug")
	t.Setenv("SERVER_LOG_MAX_SIZE_MB", "256")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9443" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.SQLitePath != "/var/lib/server.sqlite" {
		t.Fatalf("SQLitePath = %q", cfg.SQLitePath)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %#v, want two cleaned entries", cfg.AllowedOrigins)
	}
	if cfg.HeartbeatInterval != 45*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 45s", cfg.HeartbeatInterval)
	}
	if cfg.WriteDeadline != 5*time.Second {
		t.Fatalf("WriteDeadline = %v, want 5s", cfg.WriteDeadline)
	}
	if cfg.FanoutWindow != 128 {
		t.Fatalf("FanoutWindow = %d, want 128", cfg.FanoutWindow)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.MaxSizeMB != 256 {
		t.Fatalf("Logging.MaxSizeMB = %d, want 256", cfg.Logging.MaxSizeMB)
	}
}

func TestLoadCollectsAllValidationProblems(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_HEARTBEAT_INTERVAL", "not-a-duration")
	t.Setenv("SERVER_WRITE_DEADLINE", "-5s")
	t.Setenv("SERVER_FANOUT_WINDOW", "0")
	t.Setenv("SERVER_LOG_MAX_SIZE_MB", "-1")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() with invalid env, want error")
	}
	for _, want := range []string{
		"SERVER_HEARTBEAT_INTERVAL",
		"SERVER_WRITE_DEADLINE",
		"SERVER_FANOUT_WINDOW",
		"SERVER_LOG_MAX_SIZE_MB",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Load() error = %q, want it to mention %s", err, want)
		}
	}
}
