package domain

import (
	"context"
	"time"
)

// StatsEvent é uma decisão de rate limit já tomada, do jeito que os stores de
// estatística a recebem. Key e Path têm cardinalidade aberta: stores que exportam
// séries (Prometheus) não devem usá-los como label.
type StatsEvent struct {
	Key     Key
	Allowed bool
	Backend string
	// Degraded marca decisões tomadas pela janela local porque o contador remoto falhou.
	Degraded bool
	// Reason copia Decision.Reason; valores fixos, seguro como campo/label.
	Reason string

	Method string
	Path   string

	At time.Time
}

// StatsStore grava eventos de decisão. Erro é best-effort e nunca derruba a request.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
