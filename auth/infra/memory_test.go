package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuhub-gateway/auth/domain"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func record(id, hash string) domain.RefreshToken {
	return domain.RefreshToken{
		ID:        id,
		TenantID:  "tenant-a",
		UserID:    "user-1",
		Role:      "user",
		TokenHash: hash,
		ExpiresAt: t0.Add(time.Hour),
		CreatedAt: t0,
	}
}

// storeContract roda o mesmo conjunto de checagens contra qualquer RefreshStore.
func storeContract(t *testing.T, newStore func(t *testing.T) domain.RefreshStore) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))

		got, err := s.FindByHash(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, "user", got.Role)
		assert.Nil(t, got.RevokedAt)
		assert.Nil(t, got.ParentTokenHash)
		assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Hour)))
	})

	t.Run("missing hash", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByHash(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("duplicate hash", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))
		assert.ErrorIs(t, s.Create(ctx, record("2", "h1"), nil), domain.ErrDuplicateHash)
	})

	t.Run("rotate revokes old and links successor", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))

		parent := "h1"
		next := record("2", "h2")
		next.ParentTokenHash = &parent
		require.NoError(t, s.Rotate(ctx, "h1", next, t0.Add(time.Minute), nil))

		old, err := s.FindByHash(ctx, "h1")
		require.NoError(t, err)
		require.NotNil(t, old.RevokedAt)
		assert.True(t, old.RevokedAt.Equal(t0.Add(time.Minute)))

		succ, err := s.FindByHash(ctx, "h2")
		require.NoError(t, err)
		require.NotNil(t, succ.ParentTokenHash)
		assert.Equal(t, "h1", *succ.ParentTokenHash)
		assert.Nil(t, succ.RevokedAt)
	})

	t.Run("rotate of revoked record changes nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))
		_, err := s.RevokeByHash(ctx, "h1", t0)
		require.NoError(t, err)

		err = s.Rotate(ctx, "h1", record("2", "h2"), t0, nil)
		assert.ErrorIs(t, err, domain.ErrAlreadyRevoked)
		_, err = s.FindByHash(ctx, "h2")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("rotate with duplicate successor keeps old active", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))
		require.NoError(t, s.Create(ctx, record("2", "h2"), nil))

		err := s.Rotate(ctx, "h1", record("3", "h2"), t0, nil)
		assert.ErrorIs(t, err, domain.ErrDuplicateHash)

		old, err := s.FindByHash(ctx, "h1")
		require.NoError(t, err)
		assert.Nil(t, old.RevokedAt)
	})

	t.Run("rotate unknown", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Rotate(ctx, "ghost", record("2", "h2"), t0, nil), domain.ErrRecordNotFound)
	})

	t.Run("revoke by hash is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))

		ok, err := s.RevokeByHash(ctx, "h1", t0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.RevokeByHash(ctx, "h1", t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.RevokeByHash(ctx, "ghost", t0)
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("revoke all scopes to tenant and user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))
		require.NoError(t, s.Create(ctx, record("2", "h2"), nil))
		other := record("3", "h3")
		other.TenantID = "tenant-b"
		require.NoError(t, s.Create(ctx, other, nil))
		_, err := s.RevokeByHash(ctx, "h2", t0)
		require.NoError(t, err)

		n, err := s.RevokeAll(ctx, "tenant-a", "user-1", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		untouched, err := s.FindByHash(ctx, "h3")
		require.NoError(t, err)
		assert.Nil(t, untouched.RevokedAt)

		n, err = s.RevokeAll(ctx, "tenant-a", "user-1", t0)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("failing commit hook undoes create", func(t *testing.T) {
		s := newStore(t)
		hookErr := errors.New("audit down")
		err := s.Create(ctx, record("1", "h1"), func(context.Context) error { return hookErr })
		assert.ErrorIs(t, err, hookErr)

		_, err = s.FindByHash(ctx, "h1")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("failing commit hook keeps rotated token active", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))

		hookErr := errors.New("audit down")
		err := s.Rotate(ctx, "h1", record("2", "h2"), t0, func(context.Context) error { return hookErr })
		assert.ErrorIs(t, err, hookErr)

		old, err := s.FindByHash(ctx, "h1")
		require.NoError(t, err)
		assert.Nil(t, old.RevokedAt)
		_, err = s.FindByHash(ctx, "h2")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)

		// depois que o hook volta a funcionar a mesma rotação passa.
		called := false
		require.NoError(t, s.Rotate(ctx, "h1", record("2", "h2"), t0, func(context.Context) error {
			called = true
			return nil
		}))
		assert.True(t, called)
	})

	t.Run("concurrent rotations: exactly one wins", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("1", "h1"), nil))

		const workers = 8
		var (
			wg      sync.WaitGroup
			wins    atomic.Int32
			revoked atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := record("n"+string(rune('a'+i)), "next-"+string(rune('a'+i)))
				err := s.Rotate(ctx, "h1", next, t0, nil)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, domain.ErrAlreadyRevoked):
					revoked.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), revoked.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) domain.RefreshStore { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, record("1", "h1"), nil))
	_, err := s.RevokeByHash(ctx, "h1", t0)
	require.NoError(t, err)

	got, err := s.FindByHash(ctx, "h1")
	require.NoError(t, err)
	*got.RevokedAt = t0.Add(24 * time.Hour)

	again, err := s.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, again.RevokedAt.Equal(t0))
}
