package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"docuhub-gateway/metrics"
	"docuhub-gateway/middleware/ratelimit"
	"docuhub-gateway/middleware/ratelimit/infra"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// Exemplo: injetando os middlewares diretamente no seu webserver (sem proxy).
	// 5 requests por chave a cada 10s.
	store := infra.NewStore(5, 10*time.Second)
	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))
	m := metrics.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total": stats.Total(),
			"keys":  stats.ByKey(),
			"route": stats.ByRoute(),
		})
	})
	mux.Handle("/metrics", m.Handler())

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            50,
		AcquireTimeout: 500 * time.Millisecond,
		Observer:       m,
	})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Backend:             store,
		Stats:               infra.MultiStatsStore{stats, infra.NewMetricsStatsStore(m)},
		Logger:              logger,
		KeyHeader:           "X-Api-Key", // ou vazio para usar IP
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example_server_listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server_error", zap.Error(err))
	}
}
