package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	api "github.com/tjfontaine/llm-bridge/internal/api/openai"
	"github.com/tjfontaine/llm-bridge/internal/capture"
	"github.com/tjfontaine/llm-bridge/internal/config"
	"github.com/tjfontaine/llm-bridge/internal/domain"
	"github.com/tjfontaine/llm-bridge/internal/intercept"
	"github.com/tjfontaine/llm-bridge/internal/relay"
	"github.com/tjfontaine/llm-bridge/internal/server"
	"github.com/tjfontaine/llm-bridge/internal/storage"
	"github.com/tjfontaine/llm-bridge/internal/storage/memory"
	"github.com/tjfontaine/llm-bridge/internal/storage/sqlite"
	"github.com/tjfontaine/llm-bridge/internal/telemetry"
	"github.com/tjfontaine/llm-bridge/internal/tracelog"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	otelShutdown, err := telemetry.InitTracer("llm-bridge", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	records, err := openRecordStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open record store: %v", err)
	}

	traceLog, err := tracelog.Open(cfg.Log.Dir, logger)
	if err != nil {
		log.Fatalf("Failed to open trace log: %v", err)
	}
	logger.Info("trace log opened", slog.String("path", traceLog.TracePath()))

	passthrough, err := url.Parse(cfg.Intercept.PassthroughURL)
	if err != nil {
		log.Fatalf("Invalid passthrough URL: %v", err)
	}

	target := domain.TargetSelector{
		Provider: cfg.Target.Provider,
		Model:    cfg.Target.Model,
		APIKey:   cfg.Target.APIKey,
		BaseURL:  cfg.Target.BaseURL,
	}

	var clientOpts []api.ClientOption
	if cfg.Target.BaseURL != "" {
		clientOpts = append(clientOpts, api.WithBaseURL(cfg.Target.BaseURL))
	}
	client := api.NewClient(cfg.Target.APIKey, clientOpts...)

	rly := relay.New(client, logger,
		relay.WithMaxRetries(cfg.Relay.MaxRetries),
		relay.WithBackoff(cfg.Relay.Backoff))
	handler := relay.NewHandler(rly, target, traceLog, records, logger)

	proxy := intercept.NewProxy(capture.NewStore(), traceLog, passthrough, logger)
	proxy.Intercept(intercept.Matcher{
		Scheme:         cfg.Intercept.Scheme,
		Host:           cfg.Intercept.Host,
		PathPattern:    cfg.Intercept.PathPattern,
		CaptureAllHost: cfg.Intercept.CaptureAllHost,
	}, handler)

	srv := server.New(cfg.Server.Port, logger)
	proxy.Install(srv.Router)

	// Signal arrival and server exit funnel into one teardown pass.
	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown", slog.String("error", err.Error()))
			}

			if n := proxy.DrainOrphans(); n > 0 {
				logger.Warn("flushed orphaned captures", slog.Int("count", n))
			}
			if err := traceLog.Close(); err != nil {
				logger.Error("trace log close", slog.String("error", err.Error()))
			}
			if records != nil {
				if err := records.Close(); err != nil {
					logger.Error("record store close", slog.String("error", err.Error()))
				}
			}
			if err := otelShutdown(context.Background()); err != nil {
				logger.Error("tracer shutdown", slog.String("error", err.Error()))
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	teardown()
	logger.Info("shutdown complete")
}

func openRecordStore(cfg *config.Config) (storage.RecordStore, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLite.Path)
	case "memory":
		return memory.New(), nil
	default:
		return nil, nil
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
