package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lechat/internal/api"
	openaiclient "lechat/internal/assistant/openai"
	"lechat/internal/blob"
	"lechat/internal/config"
	"lechat/internal/limits"
	"lechat/internal/media"
	"lechat/internal/metrics"
	"lechat/internal/notify"
	"lechat/internal/relay"
	"lechat/internal/session"
	"lechat/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("addr", cfg.HTTP.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Str("model", cfg.Assistant.Model).
		Msg("starting lechat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	blobs, err := blob.NewDiskStore(blob.DiskConfig{
		Root:    cfg.Blob.Root,
		BaseURL: cfg.Blob.BaseURL,
		Secret:  cfg.Blob.Secret,
		URLTTL:  cfg.Blob.URLTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob store")
	}

	m := metrics.Global()
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir, session.ContextProvider{}, blobs, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	verifier, err := session.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token verifier")
	}

	streamer, err := openaiclient.New(openaiclient.Config{
		APIKey:      cfg.Assistant.APIKey,
		BaseURL:     cfg.Assistant.BaseURL,
		Model:       cfg.Assistant.Model,
		MaxTokens:   cfg.Assistant.MaxTokens,
		Temperature: float32(cfg.Assistant.Temperature),
		Logger:      log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize assistant client")
	}

	server := api.New(api.Config{
		Store:       store,
		Relay:       relay.NewSlot(),
		Streamer:    streamer,
		Verifier:    verifier,
		Blobs:       blobs,
		Limiter:     limits.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Dedupe:      limits.NewSubmissionDeduplicator(rdb, cfg.Redis.DedupTTL),
		Media:       media.NewNormalizer(media.AllowAll, notify.Logger{Log: log.Logger}),
		Metrics:     m,
		Logger:      log.Logger,
		Timeout:     cfg.Assistant.Timeout,
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
