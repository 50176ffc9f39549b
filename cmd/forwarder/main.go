// Command forwarder runs on the SBC appliance beside one or more IPICO
// chip-timing readers: it ingests their raw TCP feeds into a durable local
// journal, then ships unacked journal entries to the server over a single
// reconnecting uplink session. It also exposes a small status HTTP surface
// reporting the journal's degraded-retention state (spec §6); uplink
// connectivity is not reported there.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"racetiming/ipicoforward/internal/config/forwarderconfig"
	"racetiming/ipicoforward/internal/journal"
	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/readeringest"
	"racetiming/ipicoforward/internal/uplink"
)

// journalSizeBudgetBytes caps the local SQLite journal; the forwarder
// appliance has limited flash, so this is intentionally conservative
// rather than matching the server's generous per-stream retention.
const journalSizeBudgetBytes = 512 * 1024 * 1024

// pruneInterval is how often the forwarder checks journal utilization
// against its prune watermark (spec §4.2). journal.Prune itself is a
// cheap no-op below the watermark, so a short interval costs little.
const pruneInterval = time.Minute

// pruneKeepTail is the minimum number of records Prune always leaves per
// (reader_ip, stream_epoch), regardless of ack watermark, so a reconnect
// can always resume recent history even under disk pressure.
const pruneKeepTail = 1000

func main() {
	configPath := "/etc/ipicoforward/forwarder.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := forwarderconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("forwarder", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	token, err := cfg.LoadToken()
	if err != nil {
		logger.Fatal("failed to load bearer token", logging.Error(err))
	}

	j, err := journal.Open(cfg.JournalSQLitePath, cfg.PruneWatermarkPct, journalSizeBudgetBytes)
	if err != nil {
		logger.Fatal("failed to open journal", logging.Error(err))
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Warn("journal close failed", logging.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resumeCursors, err := j.ResumeCursors(ctx)
	if err != nil {
		logger.Fatal("failed to load resume cursors", logging.Error(err))
	}
	seed := make(map[string]int64, len(resumeCursors))
	for _, c := range resumeCursors {
		if c.StreamEpoch > seed[c.ReaderIP] {
			seed[c.ReaderIP] = c.StreamEpoch
		}
	}
	epochs := readeringest.NewEpochTracker(seed)

	var wg sync.WaitGroup
	readerIPs := make([]string, 0, len(cfg.Readers))
	for i, rc := range cfg.Readers {
		if !rc.Enabled {
			continue
		}
		readerIP := readerIPFromTarget(rc.Target, i)
		readerIPs = append(readerIPs, readerIP)
		readType := model.ReadTypeRaw
		if rc.ReadType == forwarderconfig.ReadTypeFSLS {
			readType = model.ReadTypeFSLS
		}
		reader := &readeringest.Reader{
			ForwarderID: cfg.DisplayName,
			ReaderIP:    readerIP,
			Target:      rc.Target,
			ReadType:    readType,
			Journal:     j,
			Epochs:      epochs,
			Log:         logger.With(logging.String("component", "reader"), logging.String("reader_ip", readerIP)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reader.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reader loop exited", logging.String("reader_ip", readerIP), logging.Error(err))
			}
		}()
	}

	batchMode := uplink.BatchModeBatched
	if cfg.BatchMode == forwarderconfig.BatchModeImmediate {
		batchMode = uplink.BatchModeImmediate
	}
	up := uplink.New(uplink.Config{
		ForwarderID:    cfg.DisplayName,
		ServerBaseURL:  cfg.ServerBaseURL,
		Token:          token,
		ReaderIPs:      readerIPs,
		BatchMode:      batchMode,
		BatchMaxEvents: cfg.BatchMaxEvents,
		FlushInterval:  time.Duration(cfg.BatchFlushMS) * time.Millisecond,
		RateLimitBps:   cfg.RateLimitBps,
	}, j, epochs, logger.With(logging.String("component", "uplink")))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := up.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("uplink loop exited", logging.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runPruneLoop(ctx, j, logger.With(logging.String("component", "journal")))
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/status", statusHandler(j))
	statusServer := &http.Server{Addr: cfg.StatusBind, Handler: logging.HTTPTraceMiddleware(logger)(mux)}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("status surface listening", logging.String("address", cfg.StatusBind))
		serveErr <- statusServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Warn("status surface terminated", logging.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statusServer.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
}

// readerIPFromTarget derives the stable reader identity from a reader's
// TCP target, stripping the port; a target with no discernible host falls
// back to an index-based placeholder so two misconfigured readers still
// get distinct identities.
func readerIPFromTarget(target string, index int) string {
	host := target
	if idx := strings.LastIndex(target, ":"); idx > 0 {
		host = target[:idx]
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Sprintf("reader-%d", index)
	}
	return host
}

// runPruneLoop periodically asks the journal to prune acked records past
// its retention watermark; journal.Prune itself no-ops while utilization
// is under the configured threshold (spec §4.2). The first tick that finds
// the journal in degraded retention logs it at warn level.
func runPruneLoop(ctx context.Context, j *journal.Journal, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	warnedDegraded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Prune(ctx, pruneKeepTail); err != nil {
				log.Warn("journal prune failed", logging.Error(err))
			}
			if degraded, why := j.Degraded(); degraded && !warnedDegraded {
				log.Warn("journal retention degraded", logging.String("reason", why))
				warnedDegraded = true
			}
		}
	}
}

func statusHandler(j *journal.Journal) http.HandlerFunc {
	type response struct {
		Degraded    bool   `json:"degraded"`
		DegradedWhy string `json:"degraded_why,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		degraded, why := j.Degraded()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{Degraded: degraded, DegradedWhy: why})
	}
}
