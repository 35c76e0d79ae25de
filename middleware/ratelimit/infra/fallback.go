package infra

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"docuhub-gateway/middleware/ratelimit/domain"
)

// Motivos registrados quando a decisão cai para a janela local.
const (
	ReasonRemoteError = "remote_error"
	ReasonProbeSkip   = "probe_skipped"
)

// FallbackObserver recebe cada decisão tomada em modo degradado.
type FallbackObserver interface {
	ObserveRateFallback(reason string)
}

// FallbackBackend envolve um backend remoto e cai para o local quando ele falha.
//
// A falha nunca chega ao chamador: vira log (amostrado), evento de stats com
// Degraded=true e a decisão da janela local para aquela chave. Enquanto degradado,
// o remoto só é re-testado no ritmo do probe limiter; as demais checagens vão
// direto para o local sem pagar timeout de dial.
type FallbackBackend struct {
	primary  domain.Backend
	fallback domain.Backend

	logger    *zap.Logger
	logSample rate.Sometimes
	stats     domain.StatsStore
	observer  FallbackObserver

	degraded atomic.Bool
	probe    *rate.Limiter
	now      func() time.Time
}

type FallbackOption func(*FallbackBackend)

func WithFallbackLogger(l *zap.Logger) FallbackOption {
	return func(f *FallbackBackend) { f.logger = l }
}

// WithFallbackStats grava os eventos degradados direto no store. Atrás do
// ratelimit.Middleware não use: ele já grava toda decisão.
func WithFallbackStats(s domain.StatsStore) FallbackOption {
	return func(f *FallbackBackend) { f.stats = s }
}

func WithFallbackObserver(o FallbackObserver) FallbackOption {
	return func(f *FallbackBackend) { f.observer = o }
}

// WithProbeInterval define o intervalo mínimo entre tentativas ao remoto enquanto
// degradado. 0 tenta o remoto em toda checagem.
func WithProbeInterval(d time.Duration) FallbackOption {
	return func(f *FallbackBackend) {
		if d <= 0 {
			f.probe = rate.NewLimiter(rate.Inf, 1)
			return
		}
		f.probe = rate.NewLimiter(rate.Every(d), 1)
	}
}

func WithFallbackClock(now func() time.Time) FallbackOption {
	return func(f *FallbackBackend) { f.now = now }
}

func NewFallbackBackend(primary, fallback domain.Backend, opts ...FallbackOption) *FallbackBackend {
	f := &FallbackBackend{
		primary:   primary,
		fallback:  fallback,
		logger:    zap.NewNop(),
		logSample: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		probe:     rate.NewLimiter(rate.Every(time.Second), 1),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded informa se a última tentativa ao remoto falhou.
func (f *FallbackBackend) Degraded() bool { return f.degraded.Load() }

// Check nunca retorna erro.
func (f *FallbackBackend) Check(ctx context.Context, key domain.Key) (domain.Decision, error) {
	if f.degraded.Load() && !f.probe.AllowN(f.now(), 1) {
		return f.local(ctx, key, ReasonProbeSkip, nil)
	}

	dec, err := f.primary.Check(ctx, key)
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.logger.Info("rate_limit_redis_recovered")
		}
		return dec, nil
	}

	if f.degraded.CompareAndSwap(false, true) {
		// consome o token do probe para o próximo teste respeitar o intervalo
		f.probe.AllowN(f.now(), 1)
	}
	return f.local(ctx, key, ReasonRemoteError, err)
}

func (f *FallbackBackend) local(ctx context.Context, key domain.Key, reason string, cause error) (domain.Decision, error) {
	if cause != nil {
		f.logSample.Do(func() {
			f.logger.Warn("rate_limit_redis_fallback",
				zap.String("reason", reason),
				zap.Error(cause),
			)
		})
	}
	if f.observer != nil {
		f.observer.ObserveRateFallback(reason)
	}

	dec, err := f.fallback.Check(ctx, key)
	if err != nil {
		// o backend local não falha; se um dia falhar, admite em vez de derrubar a request
		f.logger.Error("rate_limit_local_failed", zap.Error(err))
		dec = domain.Decision{Allowed: true, Backend: BackendMemory}
	}
	dec.Degraded = true
	dec.Reason = reason

	if f.stats != nil {
		_ = f.stats.Record(ctx, domain.StatsEvent{
			Key:      key,
			Allowed:  dec.Allowed,
			Backend:  dec.Backend,
			Degraded: true,
			Reason:   reason,
			At:       f.now(),
		})
	}
	return dec, nil
}
