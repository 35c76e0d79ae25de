package application

import (
	"context"
	"sync"
	"time"

	"docuhub-gateway/failure"
	"docuhub-gateway/middleware/ratelimit/domain"
)

// ConcurrencyService é o portão de admissão: concentra a regra de aquisição/liberação
// de vagas com timeout, sem saber nada sobre HTTP.
type ConcurrencyService struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
	Observer       domain.AdmissionObserver
}

// Acquire tenta adquirir uma vaga.
//   - Se `AcquireTimeout <= 0`, espera até ctx encerrar.
//   - Se `AcquireTimeout > 0`, espera no máximo o timeout.
//
// Sem vaga devolve failure.ErrOverCapacity e nenhuma vaga fica ocupada.
// O release devolvido pode ser chamado várias vezes; só a primeira libera a vaga.
func (s ConcurrencyService) Acquire(ctx context.Context) (func(), error) {
	if s.Pool == nil {
		return func() {}, nil
	}

	acqCtx := ctx
	if s.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, s.AcquireTimeout)
		defer cancel()
	}

	release, ok := s.Pool.Acquire(acqCtx)
	if !ok {
		s.observe("rejected")
		return nil, failure.Clone(failure.ErrOverCapacity, "")
	}
	s.observe("admitted")

	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			s.observe("released")
		})
	}, nil
}

// Run adquire uma vaga, executa fn e libera a vaga em qualquer saída de fn
// (retorno normal, erro ou panic).
func (s ConcurrencyService) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (s ConcurrencyService) observe(outcome string) {
	if s.Observer != nil {
		s.Observer.ObserveAdmission(outcome)
	}
}
