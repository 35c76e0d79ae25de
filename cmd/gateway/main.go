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

	"go.uber.org/zap"

	"docuhub-gateway/auth/session"
	"docuhub-gateway/auth/token"
	"docuhub-gateway/config"
	"docuhub-gateway/logging"
	"docuhub-gateway/metrics"
	"docuhub-gateway/middleware/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	codec, err := token.New(token.Options{
		Secret:       []byte(cfg.Auth.Secret),
		DefaultTTL:   cfg.Auth.AccessTTL,
		AllowedRoles: cfg.Auth.Roles,
	})
	if err != nil {
		return err
	}
	ledger := session.New(sessions.store, codec, session.Options{
		RefreshTTL:      cfg.Auth.RefreshTTL,
		RotationEnabled: cfg.Auth.RotationEnabled,
		ReuseDetection:  cfg.Auth.ReuseDetection,
		StrictAudit:     cfg.Audit.StrictMode,
		Observer:        m,
	}, logger.Named("session"), sessions.audit)

	limiter, err := buildLimiter(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer limiter.Close()

	router, err := newRouter(cfg, logger, m, codec, ledger)
	if err != nil {
		return err
	}

	h := http.Handler(router)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.Concurrency.Max,
		AcquireTimeout: cfg.Concurrency.AcquireTimeout,
		Observer:       m,
	})(h)
	if cfg.RateLimit.Enabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Backend:             limiter.backend,
			Stats:               limiter.stats,
			Logger:              logger.Named("ratelimit"),
			KeyHeader:           cfg.RateLimit.KeyHeader,
			TrustXForwardedFor:  cfg.RateLimit.TrustXFF,
			RetryAfter:          cfg.RateLimit.RetryAfter,
			AddRateLimitHeaders: cfg.RateLimit.AddHeaders,
		})(h)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway_listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("upstream", cfg.UpstreamURL),
		zap.String("db_driver", cfg.Database.Driver),
	)
	logger.Info("rate_limit_config",
		zap.Bool("enabled", cfg.RateLimit.Enabled),
		zap.String("backend", cfg.RateLimit.Backend),
		zap.Int("requests", cfg.RateLimit.Requests),
		zap.Duration("window", cfg.RateLimit.Window),
		zap.String("key_header", cfg.RateLimit.KeyHeader),
		zap.Bool("trust_xff", cfg.RateLimit.TrustXFF),
		zap.Bool("stats", cfg.RateLimit.StatsEnabled),
	)
	logger.Info("admission_config",
		zap.Int("max", cfg.Concurrency.Max),
		zap.Duration("acquire_timeout", cfg.Concurrency.AcquireTimeout),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
