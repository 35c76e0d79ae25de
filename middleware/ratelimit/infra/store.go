package infra

import (
	"context"
	"sync"
	"time"

	"docuhub-gateway/middleware/ratelimit/domain"
)

// BackendMemory é o nome reportado nas decisões da janela local.
const BackendMemory = "memory"

// Store é o backend local: janela deslizante exata por chave.
//
// Cada chave guarda os timestamps admitidos em ordem cronológica. A cada checagem
// descarta do início tudo que saiu da janela e admite se o que sobrou está abaixo
// do limite. Custo e memória crescem com o volume dentro da janela, não com buckets.
//
// O mapa é protegido por mu; cada janela tem seu próprio lock, então chaves
// diferentes não disputam entre si além do lookup.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*window
	limit        int
	width        time.Duration
	retryAfter   time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type window struct {
	mu     sync.Mutex
	events []time.Time
	// dead marca uma janela que Cleanup já tirou do mapa; quem a pegou antes
	// precisa buscar a nova.
	dead bool
}

type StoreOption func(*Store)

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *Store) { s.cleanupEvery = d }
}

// WithClock troca o relógio (testes).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithRetryAfter fixa o Retry-After sugerido; sem ele a Store calcula quanto falta
// para o evento mais antigo sair da janela.
func WithRetryAfter(d time.Duration) StoreOption {
	return func(s *Store) { s.retryAfter = d }
}

func NewStore(limit int, width time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		entries:      make(map[string]*window),
		limit:        limit,
		width:        width,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Limit() int                  { return s.limit }
func (s *Store) Window() time.Duration       { return s.width }
func (s *Store) CleanupEvery() time.Duration { return s.cleanupEvery }

// Check implementa domain.Backend. Nunca retorna erro.
func (s *Store) Check(_ context.Context, key domain.Key) (domain.Decision, error) {
	return s.Allow(string(key)), nil
}

// Allow aplica a janela deslizante para key e registra o evento se admitido.
func (s *Store) Allow(key string) domain.Decision {
	w := s.lockedWindow(key)
	defer w.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.width)

	drop := 0
	for drop < len(w.events) && !w.events[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.events = append(w.events[:0], w.events[drop:]...)
	}

	dec := domain.Decision{Limit: s.limit, Backend: BackendMemory}
	if len(w.events) >= s.limit {
		dec.Count = int64(len(w.events))
		dec.RetryAfter = s.retryAfter
		if dec.RetryAfter <= 0 && len(w.events) > 0 {
			dec.RetryAfter = w.events[0].Add(s.width).Sub(now)
		}
		return dec
	}

	w.events = append(w.events, now)
	dec.Allowed = true
	dec.Count = int64(len(w.events))
	return dec
}

// lockedWindow devolve a janela viva de key com w.mu preso.
func (s *Store) lockedWindow(key string) *window {
	for {
		w := s.windowFor(key)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

func (s *Store) windowFor(key string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries[key]
	if !ok {
		w = &window{}
		s.entries[key] = w
	}
	return w
}

// Cleanup remove chaves cuja janela já esvaziou.
func (s *Store) Cleanup() {
	cutoff := s.now().Add(-s.width)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, w := range s.entries {
		w.mu.Lock()
		if len(w.events) == 0 || !w.events[len(w.events)-1].After(cutoff) {
			w.dead = true
			delete(s.entries, k)
		}
		w.mu.Unlock()
	}
}

// Len devolve quantas chaves estão em memória.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *Store) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context no janitor.
type DoneContext interface {
	Done() <-chan struct{}
}
