package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"time"
)

type Key string

// Decision é o resultado de uma checagem de rate limit para uma chave.
type Decision struct {
	Allowed bool
	// Count é quantos eventos a chave tem na janela depois desta checagem
	// (no backend remoto, o valor pós-incremento do contador).
	Count int64
	Limit int
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
	// Backend identifica quem decidiu ("memory", "redis", "goredis").
	Backend string
	// Degraded indica que o backend remoto falhou e a decisão veio da janela local.
	Degraded bool
	// Reason é o motivo da degradação ("remote_error", "probe_skipped").
	Reason string
}

// Backend decide se uma chave pode prosseguir agora.
//
// Implementações: janela deslizante local, contador remoto compartilhado e o
// decorator de fallback. Erro significa falha de infraestrutura, nunca "negado".
type Backend interface {
	Check(ctx context.Context, key Key) (Decision, error)
}

// Counter é um contador atômico externo com expiração.
//
// IncrExpire incrementa key, renova o TTL para ttl e devolve o valor pós-incremento.
// Isola o protocolo de fio do contador remoto: o cliente escrito à mão e o go-redis
// implementam o mesmo contrato.
type Counter interface {
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
