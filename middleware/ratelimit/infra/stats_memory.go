package infra

import (
	"context"
	"maps"
	"strings"
	"sync"

	"docuhub-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed int64
	Denied  int64
	// Degraded conta decisões tomadas pela janela local por falha do remoto
	// (já incluídas em Allowed/Denied).
	Degraded int64
}

func (c Counters) add(ev domain.StatsEvent) Counters {
	if ev.Allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
	if ev.Degraded {
		c.Degraded++
	}
	return c
}

// MemoryStatsStore acumula contadores de decisão em memória, por rota, backend e
// (opcionalmente) por chave. Serve para testes e para o modo de desenvolvimento.
//
// Não expira nada; com trackKeys ligado cresce com o número de chaves distintas.
type MemoryStatsStore struct {
	mu        sync.Mutex
	total     Counters
	byRoute   map[string]Counters
	byKey     map[string]Counters
	byBackend map[string]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute:   make(map[string]Counters),
		byKey:     make(map[string]Counters),
		byBackend: make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	key := string(ev.Key)
	route := strings.TrimSpace(ev.Method + " " + ev.Path)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total = s.total.add(ev)
	if ev.Backend != "" {
		s.byBackend[ev.Backend] = s.byBackend[ev.Backend].add(ev)
	}
	if route != "" {
		s.byRoute[route] = s.byRoute[route].add(ev)
	}
	if s.trackKeys && key != "" {
		s.byKey[key] = s.byKey[key].add(ev)
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byRoute)
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byKey)
}

func (s *MemoryStatsStore) ByBackend() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byBackend)
}
