package application

import (
	"context"
	"time"

	"docuhub-gateway/failure"
	"docuhub-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão ou uma
// falha tipada. Qual backend decide (local, remoto, remoto com fallback) é escolhido
// na montagem e não muda por request.
type Service struct {
	Backend domain.Backend
	// RetryAfter é usado quando o backend não sugere um valor. Padrão 1s.
	RetryAfter time.Duration
}

// Decide devolve a decisão do backend para key.
// Erro só acontece se o backend não tiver fallback e falhar.
func (s Service) Decide(ctx context.Context, key domain.Key) (domain.Decision, error) {
	if s.Backend == nil {
		return domain.Decision{Allowed: true}, nil
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = 1 * time.Second
	}

	dec, err := s.Backend.Check(ctx, key)
	if err != nil {
		return domain.Decision{}, err
	}
	if !dec.Allowed && dec.RetryAfter <= 0 {
		dec.RetryAfter = s.RetryAfter
	}
	if dec.Allowed {
		dec.RetryAfter = 0
	}
	return dec, nil
}

// Check é a forma "erro ou nada": nil se admitido, failure.ErrRateLimited (com
// RetryAfter) se bloqueado, failure.ErrInternal se o backend falhar.
func (s Service) Check(ctx context.Context, key domain.Key) error {
	dec, err := s.Decide(ctx, key)
	if err != nil {
		return failure.Wrap(err, failure.ErrInternal, "rate limit backend unavailable")
	}
	if dec.Allowed {
		return nil
	}
	out := failure.Clone(failure.ErrRateLimited, "")
	out.RetryAfter = dec.RetryAfter
	return out
}
