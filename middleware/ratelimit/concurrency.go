package ratelimit

import (
	"net/http"
	"time"

	"docuhub-gateway/failure"
	"docuhub-gateway/middleware/ratelimit/application"
	"docuhub-gateway/middleware/ratelimit/domain"
	"docuhub-gateway/middleware/ratelimit/infra"
)

type ConcurrencyOptions struct {
	Max            int
	AcquireTimeout time.Duration
	// Pool substitui o semáforo padrão (NewChanPool(Max)).
	Pool     domain.SlotPool
	Observer domain.AdmissionObserver
}

// ConcurrencyMiddleware é o portão de admissão: sem vaga dentro do timeout responde
// 503 antes de tocar no próximo handler. A vaga é devolvida em qualquer saída do handler.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 && opts.Pool == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	pool := opts.Pool
	if pool == nil {
		pool = infra.NewChanPool(opts.Max)
	}
	svc := application.ConcurrencyService{
		Pool:           pool,
		AcquireTimeout: opts.AcquireTimeout,
		Observer:       opts.Observer,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := svc.Acquire(r.Context())
			if err != nil {
				failure.WriteJSON(w, err)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
