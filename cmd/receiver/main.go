// Command receiver runs the consumer side of the pipeline: it maintains
// one upstream WebSocket session to the server per its persisted
// selection, re-emits canonical events to local TCP subscribers, and
// exposes the local control surface an operator or companion UI drives
// (profile, selection, subscriptions, cursor resets).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"racetiming/ipicoforward/internal/config/receiverconfig"
	"racetiming/ipicoforward/internal/httpapi"
	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/receiversession"
)

func main() {
	cfg, err := receiverconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("receiver", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	state, err := receiversession.LoadState(cfg.StatePath)
	if err != nil {
		logger.Fatal("failed to load receiver state", logging.Error(err))
	}
	if state.ReceiverID == "" {
		state.ReceiverID = "receiver-" + logging.GenerateTraceID()
		if err := receiversession.SaveState(cfg.StatePath, state); err != nil {
			logger.Fatal("failed to persist initial receiver state", logging.Error(err))
		}
	}

	fanoutLog := logger.With(logging.String("component", "fanout"))
	local := receiversession.NewLocalFanout(fanoutLog)
	defer local.CloseAll()

	for _, sub := range state.Subscriptions {
		key := model.NaturalKey{ForwarderID: sub.StreamRef.ForwarderID, ReaderIP: sub.StreamRef.ReaderIP}
		if _, err := local.Open(key, sub.LocalPort); err != nil {
			logger.Warn("failed to open subscription listener",
				logging.String("forwarder_id", sub.StreamRef.ForwarderID),
				logging.String("reader_ip", sub.StreamRef.ReaderIP),
				logging.Int("local_port", sub.LocalPort),
				logging.Error(err))
		}
	}

	session := receiversession.NewSession(state.ReceiverID, state, local, logger.With(logging.String("component", "session")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("upstream session loop exited", logging.Error(err))
		}
	}()

	mux := http.NewServeMux()
	controlHandlers := httpapi.NewReceiverHandlers(httpapi.ReceiverOptions{
		StatePath: cfg.StatePath,
		LogPath:   cfg.Logging.Path,
		Session:   session,
		Fanout:    local,
		Logger:    logger.With(logging.String("component", "httpapi")),
	})
	controlHandlers.Register(mux)

	handler := logging.HTTPTraceMiddleware(logger)(mux)
	httpServer := &http.Server{
		Addr:    cfg.ControlBind,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("receiver control surface listening", logging.String("address", cfg.ControlBind))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("control surface terminated", logging.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", logging.Error(err))
		}
	}
}
