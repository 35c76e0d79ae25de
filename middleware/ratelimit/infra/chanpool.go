package infra

import (
	"context"

	"docuhub-gateway/middleware/ratelimit/domain"
)

// ChanPool é um semáforo de contagem sobre um channel bufferizado.
type ChanPool struct {
	sem chan struct{}
}

var _ domain.SlotPool = (*ChanPool)(nil)

// NewChanPool cria um pool baseado em channel com capacidade `max`.
func NewChanPool(max int) *ChanPool {
	if max < 0 {
		max = 0
	}
	return &ChanPool{sem: make(chan struct{}, max)}
}

// Acquire tenta a vaga sem bloquear primeiro; só depois espera pelo ctx. Assim um
// ctx já vencido ainda consegue vaga livre, e um ctx cancelado nunca ocupa vaga.
func (p *ChanPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, true
	default:
	}

	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

// InFlight devolve quantas vagas estão ocupadas agora.
func (p *ChanPool) InFlight() int { return len(p.sem) }

// Capacity devolve o máximo de vagas.
func (p *ChanPool) Capacity() int { return cap(p.sem) }
