package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docuhub-gateway/middleware/ratelimit/domain"
)

// RemoteBackend aplica o limite sobre um contador compartilhado entre réplicas.
//
// A cada checagem incrementa "<prefix><key>" com TTL igual à janela e compara o valor
// pós-incremento com o limite. É uma janela fixa que reinicia quando a chave expira;
// rejeições também incrementam, como no contador do Redis.
type RemoteBackend struct {
	counter domain.Counter
	name    string
	limit   int
	window  time.Duration
	prefix  string
	timeout time.Duration
}

type RemoteOption func(*RemoteBackend)

// WithKeyPrefix troca o prefixo das chaves (padrão "rate:").
func WithKeyPrefix(prefix string) RemoteOption {
	return func(b *RemoteBackend) { b.prefix = prefix }
}

// WithRemoteTimeout limita a duração de uma chamada ao contador.
func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(b *RemoteBackend) { b.timeout = d }
}

// WithBackendName troca o nome reportado em Decision.Backend.
func WithBackendName(name string) RemoteOption {
	return func(b *RemoteBackend) { b.name = name }
}

func NewRemoteBackend(counter domain.Counter, limit int, window time.Duration, opts ...RemoteOption) *RemoteBackend {
	b := &RemoteBackend{
		counter: counter,
		name:    "redis",
		limit:   limit,
		window:  window,
		prefix:  "rate:",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RemoteBackend) Check(ctx context.Context, key domain.Key) (domain.Decision, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	n, err := b.counter.IncrExpire(ctx, b.prefix+strings.TrimSpace(string(key)), b.window)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("remote counter: %w", err)
	}

	dec := domain.Decision{
		Allowed: n <= int64(b.limit),
		Count:   n,
		Limit:   b.limit,
		Backend: b.name,
	}
	if !dec.Allowed {
		dec.RetryAfter = b.window
	}
	return dec, nil
}
