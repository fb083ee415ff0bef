package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/fieldsync/internal/config"
	"github.com/dgnsrekt/fieldsync/internal/data"
	"github.com/dgnsrekt/fieldsync/internal/notify"
	"github.com/dgnsrekt/fieldsync/internal/server"
	"github.com/dgnsrekt/fieldsync/internal/source"
	fsync "github.com/dgnsrekt/fieldsync/internal/sync"
	"github.com/dgnsrekt/fieldsync/internal/ws"
)

// updateBuffer bounds how far the poller can run ahead of the broadcaster.
const updateBuffer = 16

func main() {
	os.Exit(run())
}

func run() int {
	// Credentials are commonly kept in .env during development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		return 1
	}

	// Load config
	cfg, err := config.Load(os.Getenv("FIELDSYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Setup logger
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	sourceName := source.Name(cfg.Source)
	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("source", sourceName),
		zap.Duration("pollInterval", cfg.Poll.Interval),
		zap.Duration("pollTimeout", cfg.Poll.Timeout),
		zap.Bool("wsEnabled", cfg.WS.Enabled),
		zap.Bool("sseEnabled", cfg.SSE.Enabled),
		zap.Bool("notifyEnabled", cfg.Notify.Enabled),
		zap.Bool("authEnabled", cfg.Server.Secret != ""),
	)

	src, err := source.New(cfg.Source, cfg.Poll.Timeout, logger)
	if err != nil {
		logger.Error("failed to create source", zap.Error(err))
		return 1
	}

	store := data.NewStore()
	updates := make(chan fsync.Update, updateBuffer)

	poller := fsync.NewPoller(
		src,
		store,
		data.PositionalDiffer{},
		updates,
		notify.New(cfg.Notify, logger),
		fsync.PollerConfig{
			Name:             sourceName,
			Interval:         cfg.Poll.Interval,
			Timeout:          cfg.Poll.Timeout,
			FailureThreshold: cfg.Poll.FailureThreshold,
		},
		logger,
	)
	broadcaster := fsync.NewBroadcaster(store, logger)
	submitter := fsync.NewSubmissionLogger(src, store, cfg.Poll.Timeout, logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := ws.NewTokenAuth(cfg.Server.Secret, cfg.Server.TokenTTL, cfg.Server.APIKeys)
	streams := server.Streams{RequireToken: auth.Require}

	if cfg.WS.Enabled {
		encoder, err := ws.NewEncoder()
		if err != nil {
			logger.Error("failed to create encoder", zap.Error(err))
			return 1
		}
		defer encoder.Close()

		hub := ws.NewHub(broadcaster, submitter, encoder, logger)
		go hub.Run(ctx)

		streams.WebSocket = hub.HandleWS
		streams.Negotiate = ws.NewNegotiateHandler(auth, logger).HandleNegotiate
		logger.Info("WebSocket enabled")
	}

	if cfg.SSE.Enabled {
		sse := fsync.NewSSEStream(broadcaster, logger)
		streams.Events = sse.HandleSSE
		logger.Info("SSE enabled")
	}

	go broadcaster.Run(ctx, updates)
	go poller.Run(ctx)

	// Create router
	srv := server.NewServer(store, poller, submitter, broadcaster, logger)
	router, err := server.NewRouter(srv, streams, logger)
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		return 1
	}

	// Setup HTTP server. No WriteTimeout: /ws and /events are long-lived, and
	// request contexts derive from ctx so event streams end on shutdown.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	logger.Info("shutting down server...")

	// Stop poller, broadcaster and streaming clients
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return exitCode
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
