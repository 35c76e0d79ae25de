package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"docuhub-gateway/failure"
	"docuhub-gateway/middleware/ratelimit/application"
	"docuhub-gateway/middleware/ratelimit/domain"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Backend             domain.Backend
	Stats               domain.StatsStore
	Logger              *zap.Logger
	KeyFn               KeyFunc
	KeyHeader           string
	TrustXForwardedFor  bool
	RetryAfter          time.Duration
	AddRateLimitHeaders bool
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente de origem)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware aplica o rate limit antes de qualquer outra coisa da request.
// Bloqueio vira 429 com Retry-After e corpo JSON de failure.
//
// Falha do backend sem fallback deixa a request passar (fail-open) e só loga.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RetryAfter == 0 {
		opts.RetryAfter = 1 * time.Second
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	svc := application.Service{
		Backend:    opts.Backend,
		RetryAfter: opts.RetryAfter,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", key)
			}

			dec, err := svc.Decide(r.Context(), domain.Key(key))
			if err != nil {
				opts.Logger.Error("rate_limit_backend_failed", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if opts.Stats != nil {
				_ = opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:      domain.Key(key),
					Allowed:  dec.Allowed,
					Backend:  dec.Backend,
					Degraded: dec.Degraded,
					Reason:   dec.Reason,
					Method:   r.Method,
					Path:     r.URL.Path,
					At:       time.Now(),
				})
			}
			if opts.AddRateLimitHeaders && dec.Limit > 0 {
				remaining := max(int64(dec.Limit)-dec.Count, 0)
				w.Header().Set("X-RateLimit-Limit", formatInt(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", formatInt(int(remaining)))
				if dec.Degraded {
					w.Header().Set("X-RateLimit-Degraded", "true")
				}
			}
			if !dec.Allowed {
				out := failure.Clone(failure.ErrRateLimited, "")
				out.RetryAfter = dec.RetryAfter
				failure.WriteJSON(w, out)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
