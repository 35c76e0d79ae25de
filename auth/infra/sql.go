package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	sqlite3 "modernc.org/sqlite/lib"

	"docuhub-gateway/auth/domain"
)

// SQLStore persiste refresh tokens via sqlx (pgx ou sqlite). As queries usam "?" e
// são reescritas para o bindvar do driver.
//
// Rotação e revogação são UPDATE condicionais em "revoked_at IS NULL": só uma chamada
// concorrente consegue revogar um registro ativo, as demais veem 0 linhas afetadas.
type SQLStore struct {
	db *sqlx.DB
}

var _ domain.RefreshStore = (*SQLStore)(nil)

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const refreshColumns = `id, tenant_id, user_id, role, token_hash, parent_token_hash, revoked_at, expires_at, created_at`

const insertRefresh = `
	INSERT INTO refresh_tokens (` + refreshColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLStore) Create(ctx context.Context, rec domain.RefreshToken, commit domain.CommitHook) error {
	if commit == nil {
		return s.insert(ctx, s.db, rec)
	}
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.insert(ctx, tx, rec); err != nil {
			return err
		}
		return commit(ContextWithTx(ctx, tx))
	})
}

func (s *SQLStore) insert(ctx context.Context, ext sqlx.ExtContext, rec domain.RefreshToken) error {
	_, err := ext.ExecContext(ctx, s.db.Rebind(insertRefresh),
		rec.ID, rec.TenantID, rec.UserID, rec.Role, rec.TokenHash,
		rec.ParentTokenHash, utcPtr(rec.RevokedAt), rec.ExpiresAt.UTC(), rec.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *SQLStore) FindByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	var rec domain.RefreshToken
	query := s.db.Rebind(`SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token_hash = ?`)
	if err := sqlx.GetContext(ctx, s.db, &rec, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RefreshToken{}, domain.ErrRecordNotFound
		}
		return domain.RefreshToken{}, fmt.Errorf("find refresh token: %w", err)
	}
	return rec, nil
}

const revokeActive = `UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`

func (s *SQLStore) Rotate(ctx context.Context, oldHash string, next domain.RefreshToken, at time.Time, commit domain.CommitHook) error {
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.Rebind(revokeActive), at.UTC(), oldHash)
		if err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		if n == 0 {
			return s.missingOrRevoked(ctx, tx, oldHash)
		}
		if err := s.insert(ctx, tx, next); err != nil {
			return err
		}
		if commit == nil {
			return nil
		}
		return commit(ContextWithTx(ctx, tx))
	})
}

func (s *SQLStore) RevokeByHash(ctx context.Context, hash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(revokeActive), at.UTC(), hash)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	err = s.missingOrRevoked(ctx, s.db, hash)
	if errors.Is(err, domain.ErrAlreadyRevoked) {
		return false, nil
	}
	return false, err
}

func (s *SQLStore) RevokeAll(ctx context.Context, tenantID, userID string, at time.Time) (int64, error) {
	query := s.db.Rebind(`
		UPDATE refresh_tokens SET revoked_at = ?
		WHERE tenant_id = ? AND user_id = ? AND revoked_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, at.UTC(), tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	return n, nil
}

// missingOrRevoked decide por que um UPDATE condicional não afetou linhas.
func (s *SQLStore) missingOrRevoked(ctx context.Context, q sqlx.QueryerContext, hash string) error {
	var exists int
	err := sqlx.GetContext(ctx, q, &exists, s.db.Rebind(`SELECT 1 FROM refresh_tokens WHERE token_hash = ?`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup refresh token: %w", err)
	}
	return domain.ErrAlreadyRevoked
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) && coded.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
