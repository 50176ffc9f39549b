// Package forwarderconfig parses the forwarder's TOML configuration file
// (spec §6). Unlike the server and receiver, which are long-lived services
// configured purely from the environment in the teacher's style, the
// forwarder ships as an SBC appliance with an operator-edited file, so it
// is parsed with github.com/BurntSushi/toml.
package forwarderconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"racetiming/ipicoforward/internal/config"
)

const (
	// DefaultStatusBind is the default bind address for the status HTTP
	// surface when status_http.bind is omitted.
	DefaultStatusBind = "0.0.0.0:80"
	// DefaultPruneWatermarkPct is the journal prune watermark when
	// journal.prune_watermark_pct is omitted.
	DefaultPruneWatermarkPct = 80
	// DefaultBatchMaxEvents is the uplink batch size threshold.
	DefaultBatchMaxEvents = 50
	// DefaultBatchFlushMS is the uplink batch time threshold in milliseconds.
	DefaultBatchFlushMS = 100
)

// ReadType mirrors model.ReadType as written in the TOML file (lower-case,
// per spec §6) before being normalised to the wire's upper-case form.
type ReadType string

const (
	ReadTypeRaw  ReadType = "raw"
	ReadTypeFSLS ReadType = "fsls"
)

// Reader describes one [[readers]] entry.
type Reader struct {
	Target            string   `toml:"target"`
	ReadType          ReadType `toml:"read_type"`
	Enabled           bool     `toml:"enabled"`
	LocalFallbackPort int      `toml:"local_fallback_port"`
}

type serverSection struct {
	BaseURL string `toml:"base_url"`
}

type authSection struct {
	TokenFile string `toml:"token_file"`
}

type journalSection struct {
	SQLitePath         string `toml:"sqlite_path"`
	PruneWatermarkPct  int    `toml:"prune_watermark_pct"`
}

type statusHTTPSection struct {
	Bind string `toml:"bind"`
}

type controlSection struct {
	AllowPowerActions bool `toml:"allow_power_actions"`
}

// BatchMode selects whether journaled-but-unacked events are shipped as
// soon as they arrive or coalesced on a timer/size threshold.
type BatchMode string

const (
	BatchModeImmediate BatchMode = "immediate"
	BatchModeBatched    BatchMode = "batched"
)

type uplinkSection struct {
	BatchMode      BatchMode `toml:"batch_mode"`
	BatchFlushMS   int       `toml:"batch_flush_ms"`
	BatchMaxEvents int       `toml:"batch_max_events"`
	RateLimitBps   int       `toml:"rate_limit_bps"`
}

type loggingSection struct {
	Level      string `toml:"level"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   *bool  `toml:"compress"`
}

// file is the raw TOML document shape.
type file struct {
	DisplayName string            `toml:"display_name"`
	Server      serverSection     `toml:"server"`
	Auth        authSection       `toml:"auth"`
	Journal     journalSection    `toml:"journal"`
	StatusHTTP  statusHTTPSection `toml:"status_http"`
	Control     controlSection    `toml:"control"`
	Uplink      uplinkSection     `toml:"uplink"`
	Logging     loggingSection    `toml:"logging"`
	Readers     []Reader          `toml:"readers"`
}

// Config is the forwarder's resolved, validated configuration.
type Config struct {
	DisplayName       string
	ServerBaseURL     string
	TokenFile         string
	JournalSQLitePath string
	PruneWatermarkPct int
	StatusBind        string
	AllowPowerActions bool
	BatchMode         BatchMode
	BatchFlushMS      int
	BatchMaxEvents    int
	RateLimitBps      int
	Logging           config.LoggingConfig
	Readers           []Reader
}

// Load reads and validates the TOML file at path, collecting every
// validation problem before returning a single joined error (config errors
// at load are fatal with a precise diagnostic, per spec §7).
func Load(path string) (*Config, error) {
	var doc file
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("forwarderconfig: parse %s: %w", path, err)
	}

	var problems []string

	if strings.TrimSpace(doc.Server.BaseURL) == "" {
		problems = append(problems, "server.base_url is required")
	}
	if strings.TrimSpace(doc.Auth.TokenFile) == "" {
		problems = append(problems, "auth.token_file is required")
	}

	watermark := doc.Journal.PruneWatermarkPct
	if watermark == 0 {
		watermark = DefaultPruneWatermarkPct
	}
	if watermark < 1 || watermark > 100 {
		problems = append(problems, fmt.Sprintf("journal.prune_watermark_pct must be 1-100, got %d", watermark))
	}

	bind := strings.TrimSpace(doc.StatusHTTP.Bind)
	if bind == "" {
		bind = DefaultStatusBind
	}

	batchMode := doc.Uplink.BatchMode
	switch batchMode {
	case "":
		batchMode = BatchModeBatched
	case BatchModeImmediate, BatchModeBatched:
	default:
		problems = append(problems, fmt.Sprintf("uplink.batch_mode must be immediate or batched, got %q", batchMode))
	}
	flushMS := doc.Uplink.BatchFlushMS
	if flushMS == 0 {
		flushMS = DefaultBatchFlushMS
	}
	maxEvents := doc.Uplink.BatchMaxEvents
	if maxEvents == 0 {
		maxEvents = DefaultBatchMaxEvents
	}
	if doc.Uplink.RateLimitBps < 0 {
		problems = append(problems, fmt.Sprintf("uplink.rate_limit_bps must be >= 0, got %d", doc.Uplink.RateLimitBps))
	}

	if len(doc.Readers) == 0 {
		problems = append(problems, "at least one [[readers]] entry is required")
	}
	seenTargets := make(map[string]bool, len(doc.Readers))
	for i, r := range doc.Readers {
		if strings.TrimSpace(r.Target) == "" {
			problems = append(problems, fmt.Sprintf("readers[%d].target is required", i))
			continue
		}
		if seenTargets[r.Target] {
			problems = append(problems, fmt.Sprintf("readers[%d].target %q duplicates an earlier entry", i, r.Target))
		}
		seenTargets[r.Target] = true
		switch r.ReadType {
		case ReadTypeRaw, ReadTypeFSLS:
		default:
			problems = append(problems, fmt.Sprintf("readers[%d].read_type must be raw or fsls, got %q", i, r.ReadType))
		}
	}

	logging := config.DefaultLogging(doc.Logging.Path)
	if logging.Path == "" {
		logging.Path = "forwarder.log"
	}
	if doc.Logging.Level != "" {
		logging.Level = doc.Logging.Level
	}
	if doc.Logging.MaxSizeMB != 0 {
		logging.MaxSizeMB = doc.Logging.MaxSizeMB
	}
	if doc.Logging.MaxBackups != 0 {
		logging.MaxBackups = doc.Logging.MaxBackups
	}
	if doc.Logging.MaxAgeDays != 0 {
		logging.MaxAgeDays = doc.Logging.MaxAgeDays
	}
	if doc.Logging.Compress != nil {
		logging.Compress = *doc.Logging.Compress
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("forwarderconfig: %s", strings.Join(problems, "; "))
	}

	return &Config{
		DisplayName:       doc.DisplayName,
		ServerBaseURL:     doc.Server.BaseURL,
		TokenFile:         doc.Auth.TokenFile,
		JournalSQLitePath: doc.Journal.SQLitePath,
		PruneWatermarkPct: watermark,
		StatusBind:        bind,
		AllowPowerActions: doc.Control.AllowPowerActions,
		BatchMode:         batchMode,
		BatchFlushMS:      flushMS,
		BatchMaxEvents:    maxEvents,
		RateLimitBps:      doc.Uplink.RateLimitBps,
		Logging:           logging,
		Readers:           doc.Readers,
	}, nil
}

// LoadToken reads the raw bearer token from the file named by TokenFile.
func (c *Config) LoadToken() (string, error) {
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("forwarderconfig: read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
