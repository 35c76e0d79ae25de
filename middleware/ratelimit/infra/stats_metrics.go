package infra

import (
	"context"
	"errors"

	"docuhub-gateway/middleware/ratelimit/domain"
)

// DecisionObserver é o lado Prometheus das estatísticas (implementado por *metrics.Metrics).
type DecisionObserver interface {
	ObserveRateDecision(backend string, allowed bool)
}

// MetricsStatsStore traduz eventos de decisão em contadores Prometheus.
// Não guarda chave nem rota, então a cardinalidade fica limitada a backend × outcome.
type MetricsStatsStore struct {
	obs DecisionObserver
}

func NewMetricsStatsStore(obs DecisionObserver) *MetricsStatsStore {
	return &MetricsStatsStore{obs: obs}
}

func (s *MetricsStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	if s == nil || s.obs == nil {
		return nil
	}
	backend := ev.Backend
	if backend == "" {
		backend = "unknown"
	}
	s.obs.ObserveRateDecision(backend, ev.Allowed)
	return nil
}

// MultiStatsStore repassa cada evento para todos os stores e junta os erros.
type MultiStatsStore []domain.StatsStore

func (m MultiStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
