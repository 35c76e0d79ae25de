// Servidor "burrão": upstream lento para validar na mão o 429 do rate limit e o 503
// do portão de admissão. Cada request dorme SLEEP antes de responder e devolve os
// headers de identidade que o gateway repassou.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	sleep := 2 * time.Second
	if v := os.Getenv("SLEEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sleep = d
		}
	}
	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	var inFlight atomic.Int64
	http.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		logger.Info("request",
			zap.String("path", r.URL.Path),
			zap.String("subject", r.Header.Get("X-Auth-Subject")),
			zap.Int64("in_flight", n),
		)
		time.Sleep(sleep)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path":      r.URL.Path,
			"subject":   r.Header.Get("X-Auth-Subject"),
			"role":      r.Header.Get("X-Auth-Role"),
			"tenant":    r.Header.Get("X-Auth-Tenant"),
			"in_flight": n,
		})
	})

	logger.Info("slow_upstream_listening", zap.String("addr", addr), zap.Duration("sleep", sleep))
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal("server_error", zap.Error(err))
	}
}
