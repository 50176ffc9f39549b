// Command server is the central race-timing relay: it terminates
// forwarder and receiver WebSocket sessions, persists canonical events to
// its relational store, drives epoch lifecycle transitions, and exposes
// the operator HTTP surface described in internal/httpapi. Wiring mirrors
// the teacher's main.go: load config, build the structured logger, build
// the long-lived service object, build the mux, serve.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"racetiming/ipicoforward/internal/config/serverconfig"
	"racetiming/ipicoforward/internal/httpapi"
	"racetiming/ipicoforward/internal/ingestactor"
	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/selection"
	"racetiming/ipicoforward/internal/serverapp"
	"racetiming/ipicoforward/internal/serverstore"
)

func main() {
	cfg, err := serverconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("server", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	store, err := serverstore.Open(cfg.SQLitePath)
	if err != nil {
		logger.Fatal("failed to open store", logging.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", logging.Error(err))
		}
	}()

	ingest := ingestactor.NewRegistry(store, logger.With(logging.String("component", "ingest")))
	defer ingest.Close()

	sel := selection.NewEngine(store, logger.With(logging.String("component", "selection")))

	app := serverapp.NewServer(serverapp.Options{
		Store:          store,
		Ingest:         ingest,
		Selection:      sel,
		AllowedOrigins: cfg.AllowedOrigins,
		FanoutWindow:   cfg.FanoutWindow,
		Logger:         logger.With(logging.String("component", "serverapp")),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1/forwarders", app.HandleForwarderWS)
	mux.HandleFunc("/ws/v1/receivers", app.HandleReceiverWS(false))
	mux.HandleFunc("/ws/v1.1/receivers", app.HandleReceiverWS(true))

	opsLimiter := httpapi.NewSlidingWindowLimiter(time.Minute, 30, nil)
	opsHandlers := httpapi.NewServerHandlers(httpapi.ServerOptions{
		Store:   store,
		Epoch:   app.Epoch(),
		Logger:  logger.With(logging.String("component", "httpapi")),
		Limiter: opsLimiter,
	})
	opsHandlers.Register(mux)

	handler := logging.HTTPTraceMiddleware(logger)(mux)
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		WriteTimeout: cfg.WriteDeadline,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", logging.String("address", cfg.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("server terminated", logging.Error(err))
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
