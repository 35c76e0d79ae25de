package infra

import (
	"context"
	"sync"
	"time"

	"docuhub-gateway/auth/domain"
)

// MemoryStore guarda registros de refresh token num map protegido por mutex.
// Usado nos testes e com DB_DRIVER=memory; some no restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.RefreshToken
}

var _ domain.RefreshStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.RefreshToken)}
}

// Create e Rotate chamam commit com o lock preso e só aplicam a escrita se ele
// não falhar; commit não pode voltar ao MemoryStore.
func (s *MemoryStore) Create(ctx context.Context, rec domain.RefreshToken, commit domain.CommitHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.TokenHash]; exists {
		return domain.ErrDuplicateHash
	}
	if err := runHook(ctx, commit); err != nil {
		return err
	}
	s.records[rec.TokenHash] = clone(rec)
	return nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash string) (domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok {
		return domain.RefreshToken{}, domain.ErrRecordNotFound
	}
	return clone(rec), nil
}

func (s *MemoryStore) Rotate(ctx context.Context, oldHash string, next domain.RefreshToken, at time.Time, commit domain.CommitHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[oldHash]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if old.RevokedAt != nil {
		return domain.ErrAlreadyRevoked
	}
	if _, exists := s.records[next.TokenHash]; exists {
		return domain.ErrDuplicateHash
	}
	if err := runHook(ctx, commit); err != nil {
		return err
	}
	s.records[next.TokenHash] = clone(next)
	old.RevokedAt = &at
	s.records[oldHash] = old
	return nil
}

func (s *MemoryStore) RevokeByHash(_ context.Context, hash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok {
		return false, domain.ErrRecordNotFound
	}
	if rec.RevokedAt != nil {
		return false, nil
	}
	rec.RevokedAt = &at
	s.records[hash] = rec
	return true, nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, tenantID, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, rec := range s.records {
		if rec.TenantID != tenantID || rec.UserID != userID || rec.RevokedAt != nil {
			continue
		}
		rec.RevokedAt = &at
		s.records[hash] = rec
		n++
	}
	return n, nil
}

// Len devolve quantos registros existem (ativos ou não).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func runHook(ctx context.Context, commit domain.CommitHook) error {
	if commit == nil {
		return nil
	}
	return commit(ctx)
}

// clone copia os ponteiros para o chamador não alterar o registro guardado.
func clone(rec domain.RefreshToken) domain.RefreshToken {
	if rec.ParentTokenHash != nil {
		p := *rec.ParentTokenHash
		rec.ParentTokenHash = &p
	}
	if rec.RevokedAt != nil {
		r := *rec.RevokedAt
		rec.RevokedAt = &r
	}
	return rec
}
