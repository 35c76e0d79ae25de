// Package session implementa o ledger de refresh tokens: emissão de pares
// access/refresh, troca com rotação, revogação e detecção de reuso.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docuhub-gateway/auth/domain"
	"docuhub-gateway/failure"
	"docuhub-gateway/requestid"
)

// secretBytes é o tamanho do segredo de refresh antes do base64 (384 bits).
const secretBytes = 48

const tokenTypeBearer = "bearer"

// AccessSigner é o lado do codec que o ledger usa.
type AccessSigner interface {
	Sign(subject, role, tenantID string, ttl time.Duration) (string, error)
	DefaultTTL() time.Duration
}

// RefreshObserver recebe o resultado de cada troca de refresh token.
type RefreshObserver interface {
	ObserveRefresh(outcome string)
}

type Options struct {
	RefreshTTL      time.Duration
	RotationEnabled bool
	ReuseDetection  bool
	// StrictAudit faz a operação falhar quando o evento de auditoria não é gravado.
	StrictAudit bool
	Now         func() time.Time
	Observer    RefreshObserver
}

type Ledger struct {
	store  domain.RefreshStore
	signer AccessSigner
	opts   Options
	logger *zap.Logger
	audit  domain.AuditRecorder
}

func New(store domain.RefreshStore, signer AccessSigner, opts Options, logger *zap.Logger, audit domain.AuditRecorder) *Ledger {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if audit == nil {
		audit = domain.NopAuditRecorder{}
	}
	return &Ledger{store: store, signer: signer, opts: opts, logger: logger, audit: audit}
}

// HashSecret devolve o hash hex SHA-256 persistido no lugar do segredo.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue emite um par novo para user/role/tenant e persiste o registro do refresh.
func (l *Ledger) Issue(ctx context.Context, userID, role, tenantID string) (domain.TokenPair, error) {
	access, err := l.signer.Sign(userID, role, tenantID, 0)
	if err != nil {
		return domain.TokenPair{}, err
	}
	secret, err := newSecret()
	if err != nil {
		return domain.TokenPair{}, failure.Wrap(err, failure.ErrInternal, "generate refresh token")
	}

	now := l.opts.Now()
	rec := domain.RefreshToken{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Role:      role,
		TokenHash: HashSecret(secret),
		ExpiresAt: now.Add(l.opts.RefreshTTL),
		CreatedAt: now,
	}
	issued := l.auditHook(domain.AuditEvent{
		TenantID: tenantID,
		ActorID:  userID,
		Action:   domain.AuditActionIssue,
		TargetID: userID,
	})
	if err := l.store.Create(ctx, rec, issued); err != nil {
		return domain.TokenPair{}, storeFailure(err, "store refresh token")
	}

	return l.pair(access, secret, tenantID), nil
}

// Refresh troca um refresh token apresentado por um par novo.
//
// Ordem: inexistente → expirado → revogado (com revogação em massa se a detecção
// de reuso estiver ligada) → rotação. Com rotação desligada o mesmo segredo volta
// ao cliente e continua válido até expirar.
func (l *Ledger) Refresh(ctx context.Context, presented string) (domain.TokenPair, error) {
	hash := HashSecret(presented)
	rec, err := l.store.FindByHash(ctx, hash)
	if errors.Is(err, domain.ErrRecordNotFound) {
		l.observe("not_found")
		return domain.TokenPair{}, failure.ErrRefreshNotFound
	}
	if err != nil {
		return domain.TokenPair{}, failure.Wrap(err, failure.ErrInternal, "load refresh token")
	}

	now := l.opts.Now()
	if !now.Before(rec.ExpiresAt) {
		l.observe("expired")
		return domain.TokenPair{}, failure.ErrRefreshExpired
	}

	if rec.RevokedAt != nil {
		l.observe("revoked")
		if l.opts.ReuseDetection {
			l.revokeOnReuse(ctx, rec, now)
		}
		return domain.TokenPair{}, failure.ErrRefreshRevoked
	}

	access, err := l.signer.Sign(rec.UserID, rec.Role, rec.TenantID, 0)
	if err != nil {
		return domain.TokenPair{}, err
	}
	refreshed := domain.AuditEvent{
		TenantID: rec.TenantID,
		ActorID:  rec.UserID,
		Action:   domain.AuditActionRefresh,
		TargetID: rec.UserID,
		Metadata: map[string]any{"rotated": l.opts.RotationEnabled},
	}

	secret := presented
	if l.opts.RotationEnabled {
		if secret, err = newSecret(); err != nil {
			return domain.TokenPair{}, failure.Wrap(err, failure.ErrInternal, "generate refresh token")
		}
		parent := hash
		next := domain.RefreshToken{
			ID:              uuid.NewString(),
			TenantID:        rec.TenantID,
			UserID:          rec.UserID,
			Role:            rec.Role,
			TokenHash:       HashSecret(secret),
			ParentTokenHash: &parent,
			ExpiresAt:       now.Add(l.opts.RefreshTTL),
			CreatedAt:       now,
		}
		// a auditoria entra na mesma unidade da rotação: se falhar em modo estrito
		// o segredo antigo continua válido.
		err := l.store.Rotate(ctx, hash, next, now, l.auditHook(refreshed))
		switch {
		case errors.Is(err, domain.ErrAlreadyRevoked):
			// outra troca concorrente venceu; este registro estava ativo na leitura,
			// então não é reuso.
			l.observe("lost_race")
			return domain.TokenPair{}, failure.ErrRefreshRevoked
		case errors.Is(err, domain.ErrRecordNotFound):
			l.observe("not_found")
			return domain.TokenPair{}, failure.ErrRefreshNotFound
		case err != nil:
			return domain.TokenPair{}, storeFailure(err, "rotate refresh token")
		}
	} else if err := l.record(ctx, refreshed); err != nil {
		return domain.TokenPair{}, err
	}

	if l.opts.RotationEnabled {
		l.observe("rotated")
	} else {
		l.observe("reused_static")
	}
	return l.pair(access, secret, rec.TenantID), nil
}

func (l *Ledger) revokeOnReuse(ctx context.Context, rec domain.RefreshToken, now time.Time) {
	n, err := l.store.RevokeAll(ctx, rec.TenantID, rec.UserID, now)
	if err != nil {
		l.logger.Error("refresh_reuse_revoke_failed",
			zap.String("tenant_id", rec.TenantID),
			zap.String("user_id", rec.UserID),
			zap.Error(err),
		)
		return
	}
	l.logger.Warn("refresh_reuse_detected",
		zap.String("tenant_id", rec.TenantID),
		zap.String("user_id", rec.UserID),
		zap.Int64("revoked", n),
	)
	// o erro já é RefreshRevoked; falha de auditoria aqui só é logada.
	_ = l.record(ctx, domain.AuditEvent{
		TenantID: rec.TenantID,
		ActorID:  rec.UserID,
		Action:   domain.AuditActionReuseDetected,
		TargetID: rec.UserID,
		Outcome:  "revoked_all",
		Metadata: map[string]any{"revoked": n},
	})
}

// RevokeAll revoga todos os refresh tokens ativos de tenant+user e devolve quantos
// foram revogados agora.
func (l *Ledger) RevokeAll(ctx context.Context, tenantID, userID string) (int64, error) {
	n, err := l.store.RevokeAll(ctx, tenantID, userID, l.opts.Now())
	if err != nil {
		return 0, failure.Wrap(err, failure.ErrInternal, "revoke refresh tokens")
	}
	if err := l.record(ctx, domain.AuditEvent{
		TenantID: tenantID,
		ActorID:  userID,
		Action:   domain.AuditActionRevoke,
		TargetID: userID,
		Metadata: map[string]any{"revoked": n},
	}); err != nil {
		return 0, err
	}
	return n, nil
}

// Revoke revoga um único refresh token (logout). Revogar de novo não é erro.
func (l *Ledger) Revoke(ctx context.Context, presented string) error {
	hash := HashSecret(presented)
	rec, err := l.store.FindByHash(ctx, hash)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return failure.ErrRefreshNotFound
	}
	if err != nil {
		return failure.Wrap(err, failure.ErrInternal, "load refresh token")
	}

	revoked, err := l.store.RevokeByHash(ctx, hash, l.opts.Now())
	if err != nil {
		return failure.Wrap(err, failure.ErrInternal, "revoke refresh token")
	}
	if !revoked {
		return nil
	}
	return l.record(ctx, domain.AuditEvent{
		TenantID: rec.TenantID,
		ActorID:  rec.UserID,
		Action:   domain.AuditActionRevoke,
		TargetID: rec.UserID,
		Metadata: map[string]any{"revoked": 1, "scope": "single"},
	})
}

func (l *Ledger) pair(access, refresh, tenantID string) domain.TokenPair {
	return domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(l.signer.DefaultTTL() / time.Second),
		TenantID:     tenantID,
	}
}

// auditHook grava ev dentro da transação da escrita no store.
func (l *Ledger) auditHook(ev domain.AuditEvent) domain.CommitHook {
	return func(ctx context.Context) error { return l.record(ctx, ev) }
}

// storeFailure preserva falhas já tipadas (auditoria estrita) e embrulha o resto.
func storeFailure(err error, msg string) error {
	var typed *failure.Error
	if errors.As(err, &typed) {
		return err
	}
	return failure.Wrap(err, failure.ErrInternal, msg)
}

// record grava o evento de auditoria. Falha só derruba a operação em modo estrito.
func (l *Ledger) record(ctx context.Context, ev domain.AuditEvent) error {
	if ev.TargetType == "" {
		ev.TargetType = "session"
	}
	if ev.Outcome == "" {
		ev.Outcome = "success"
	}
	if ev.At.IsZero() {
		ev.At = l.opts.Now()
	}
	if ev.RequestID == "" {
		ev.RequestID = requestid.FromContext(ctx)
	}
	err := l.audit.Record(ctx, ev)
	if err == nil {
		return nil
	}
	l.logger.Warn("audit_write_failed",
		zap.String("tenant_id", ev.TenantID),
		zap.String("action", ev.Action),
		zap.String("target_id", ev.TargetID),
		zap.Error(err),
	)
	if l.opts.StrictAudit {
		return failure.Wrap(err, failure.ErrInternal, "audit write failed")
	}
	return nil
}

func (l *Ledger) observe(outcome string) {
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveRefresh(outcome)
	}
}
