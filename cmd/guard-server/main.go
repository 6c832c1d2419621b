package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"content_assurance/internal/audit"
	"content_assurance/internal/config"
	"content_assurance/internal/enforce"
	"content_assurance/internal/logging"
	"content_assurance/internal/policy"
	"content_assurance/internal/ratelimit"
	"content_assurance/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policies, err := loadPolicies(cfg, logger)
	if err != nil {
		return err
	}

	store, files, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("audit store close failed", zap.Error(err))
		}
	}()

	chain, err := audit.Restore(ctx, store,
		audit.WithMaxEntries(cfg.MaxAuditEntries),
		audit.WithWriteTimeout(cfg.AuditWriteTimeout),
		audit.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if n := chain.Flush(context.Background()); n > 0 {
			logger.Error("audit entries left unpersisted at shutdown", zap.Int("pending", n))
		}
	}()

	limiter, closeLimiter := newLimiter(cfg)
	defer closeLimiter()

	svc := enforce.NewService(policies, enforce.NewEnforcer(enforce.WithLogger(logger)), chain, logger)
	handler := &server.Handler{
		Service:         svc,
		Files:           files,
		PolicyPath:      cfg.PolicyPath,
		SharedSecret:    cfg.SharedSecret,
		KAnonymity:      cfg.KAnonymity,
		DPEpsilon:       cfg.DPEpsilon,
		DPSeed:          cfg.DPSeed,
		Limiter:         limiter,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("content guard listening",
			zap.String("addr", addr),
			zap.String("policy_version", policies.Current().Version),
			zap.Int("rate_limit_per_minute", cfg.RateLimitPerMin))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadPolicies(cfg config.Config, logger *zap.Logger) (*policy.Store, error) {
	if cfg.PolicyPath == "" {
		logger.Info("no policy path configured, using built-in policy")
		return policy.NewStore(nil, logger), nil
	}
	snap, err := policy.LoadFile(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return policy.NewStore(snap, logger), nil
}

// openStores picks the chain's durable store. Postgres wins over the local
// files when a DSN is set; Kafka is added as a best-effort replica. The
// returned FileStore is nil unless the files are the primary store.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (audit.Loader, *audit.FileStore, error) {
	var (
		primary audit.Loader
		files   *audit.FileStore
	)
	if cfg.PostgresDSN != "" {
		pg, err := audit.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres audit store: %w", err)
		}
		primary = pg
		logger.Info("audit store: postgres")
	} else {
		fs, err := audit.NewFileStore(cfg.DataDir, cfg.BatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("file audit store: %w", err)
		}
		primary, files = fs, fs
		logger.Info("audit store: files", zap.String("dir", cfg.DataDir), zap.Int("batch_size", cfg.BatchSize))
	}

	if len(cfg.KafkaBrokers) == 0 {
		return primary, files, nil
	}
	sink, err := audit.NewKafkaSink(audit.KafkaConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		ClientID: cfg.KafkaClientID,
	})
	if err != nil {
		_ = primary.Close()
		return nil, nil, fmt.Errorf("kafka audit sink: %w", err)
	}
	logger.Info("audit replica: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	return audit.NewTeeStore(logger, primary, sink), files, nil
}

func newLimiter(cfg config.Config) (ratelimit.Limiter, func()) {
	if cfg.RateLimitPerMin <= 0 {
		return nil, func() {}
	}
	if cfg.RedisAddr == "" {
		return ratelimit.NewInMemory(time.Minute), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ratelimit.NewRedis(client, time.Minute), func() { _ = client.Close() }
}
