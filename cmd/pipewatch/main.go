package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"

	"github.com/splax/pipewatch/internal/app/migrate"
	httpx "github.com/splax/pipewatch/internal/http"
	"github.com/splax/pipewatch/internal/repository/postgres"
	"github.com/splax/pipewatch/internal/service/archive"
	"github.com/splax/pipewatch/internal/service/realtime"
	"github.com/splax/pipewatch/internal/transport"
	"github.com/splax/pipewatch/internal/ws"
	"github.com/splax/pipewatch/pkg/config"
	"github.com/splax/pipewatch/pkg/fal"
	"github.com/splax/pipewatch/pkg/logger"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadPipewatchConfig()
	log := logger.New("pipewatch", logger.ParseLevel(cfg.LogLevel))

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg, log, os.Args[2:]); err != nil {
			log.Error("migrate failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	falClient, err := fal.New(cfg.APIBaseURL,
		fal.WithKey(cfg.FalKey),
		fal.WithRelay(cfg.RelayURL),
		fal.WithTokenURL(cfg.TokenURL),
		fal.WithTimeout(cfg.RelayTimeout),
	)
	if err != nil {
		log.Error("invalid pipeline configuration", "error", err)
		os.Exit(1)
	}

	var (
		archiveSvc *archive.Service
		health     func(context.Context) error
	)
	if dsn := strings.TrimSpace(cfg.ArchiveDatabaseURL); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("failed to connect to archive database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		runner, err := migrate.New(dsn, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}

		repo := postgres.New(pool)
		health = repo.Ping
		archiveSvc = archive.New(repo, log, cfg.ArchiveBatchSize, cfg.ArchiveFlushEvery)
		// Not tied to ctx: the feed's last state must reach the buffer first.
		// Deferred calls run the feed stop, then this final flush, then pool.Close.
		archiveSvc.Start(context.Background())
		defer archiveSvc.Close()
	} else {
		archiveSvc = archive.New(nil, log, cfg.ArchiveBatchSize, cfg.ArchiveFlushEvery)
		log.Info("metrics archive disabled")
	}

	hub := ws.NewHub()
	defer hub.Stop()

	feed := newFeed(cfg, falClient, log)
	defer feed.Stop()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Feed:         feed,
		Streams:      falClient,
		Archive:      archiveSvc,
		Hub:          hub,
		Limiter:      limiter,
		ControlToken: cfg.ControlToken,
		Health:       health,
	})
	defer router.Close()

	feed.Subscribe(ws.NewPublisher(hub, log))
	feed.Subscribe(router.FeedListener())
	if archiveSvc.Enabled() {
		feed.Subscribe(archiveSvc)
	}
	if err := feed.Start(ctx); err != nil {
		log.Error("failed to start metrics feed", "error", err)
		os.Exit(1)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
	}).Handler(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Streaming viewers never finish on their own; closing the hub ends them.
	srv.RegisterOnShutdown(hub.Stop)

	errorCh := make(chan error, 1)
	go func() {
		log.Info("pipewatch starting", "addr", cfg.Addr, "mode", cfg.MetricsMode, "app", cfg.AppName)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("pipewatch stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func newFeed(cfg config.PipewatchConfig, client *fal.Client, log *slog.Logger) realtime.Feed {
	if cfg.MetricsMode == config.ModePolling {
		return realtime.NewPoller(client, cfg.PollInterval, cfg.HistorySize, realtime.WithPollLogger(log))
	}
	tokens := realtime.NewTokenProvider(client, cfg.AppName, cfg.TokenTTL)
	return realtime.NewSession(realtime.Config{
		BaseURL:      cfg.APIBaseURL,
		RefreshRatio: cfg.TokenRefreshRatio,
		HistorySize:  cfg.HistorySize,
		Backoff: realtime.Backoff{
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectAttempts,
		},
	}, tokens, transport.NewWebSocket(log), realtime.WithLogger(log))
}

func runMigrate(cfg config.PipewatchConfig, log *slog.Logger, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pipewatch migrate up|status|down|version [target]")
	}
	var target int64
	if len(args) > 1 {
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid target version %q: %w", args[1], err)
		}
		target = v
	}
	runner, err := migrate.New(cfg.ArchiveDatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return err
	}
	return runner.Run(context.Background(), migrate.Command(args[0]), target)
}
