// Package domain define os tipos e contratos de autenticação e sessão.
//
// Não depende de HTTP, banco ou formato de token: token (codec), session (ledger)
// e infra (stores) implementam ou consomem estes contratos.
package domain

import (
	"context"
	"errors"
	"time"
)

// AuthContext é a identidade verificada de um access token.
type AuthContext struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenant_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken é o registro persistido de um refresh token. O segredo bruto nunca
// é guardado, só o hash.
type RefreshToken struct {
	ID              string     `db:"id"`
	TenantID        string     `db:"tenant_id"`
	UserID          string     `db:"user_id"`
	Role            string     `db:"role"`
	TokenHash       string     `db:"token_hash"`
	ParentTokenHash *string    `db:"parent_token_hash"`
	RevokedAt       *time.Time `db:"revoked_at"`
	ExpiresAt       time.Time  `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

// Active informa se o registro ainda pode ser trocado em now.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenPair é o que o cliente recebe em issue/refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	TenantID     string `json:"tenant_id"`
}

// Erros dos stores de refresh token.
var (
	ErrRecordNotFound = errors.New("refresh token record not found")
	// ErrAlreadyRevoked indica que a revogação condicional não encontrou o registro ativo
	// (outra chamada concorrente revogou antes).
	ErrAlreadyRevoked = errors.New("refresh token already revoked")
	ErrDuplicateHash  = errors.New("refresh token hash already exists")
)

// RefreshStore persiste registros de refresh token.
//
// Escritas conflitantes no mesmo registro precisam ser serializadas pela
// implementação: Rotate e RevokeByHash só revogam um registro ainda ativo.
type RefreshStore interface {
	// Create insere rec. commit (pode ser nil) roda na mesma unidade atômica, depois
	// da escrita; erro desfaz o insert.
	Create(ctx context.Context, rec RefreshToken, commit CommitHook) error
	FindByHash(ctx context.Context, hash string) (RefreshToken, error)
	// Rotate revoga oldHash (se ainda ativo) e cria next numa única unidade atômica.
	// Registro já revogado → ErrAlreadyRevoked; hash repetido → ErrDuplicateHash.
	// commit roda antes da confirmação, como em Create. Em qualquer erro nada muda.
	Rotate(ctx context.Context, oldHash string, next RefreshToken, at time.Time, commit CommitHook) error
	// RevokeByHash devolve false se o registro já estava revogado.
	RevokeByHash(ctx context.Context, hash string, at time.Time) (bool, error)
	// RevokeAll revoga todos os registros ativos de tenant+user e devolve quantos.
	RevokeAll(ctx context.Context, tenantID, userID string, at time.Time) (int64, error)
}

// CommitHook é executado dentro da transação de uma escrita do RefreshStore. O ctx
// recebido carrega a transação, então quem grava no mesmo banco participa dela.
type CommitHook func(ctx context.Context) error

// Ações de auditoria emitidas pelo ledger.
const (
	AuditActionIssue         = "auth.token.issue"
	AuditActionRefresh       = "auth.token.refresh"
	AuditActionRevoke        = "auth.token.revoke"
	AuditActionReuseDetected = "auth.token.reuse_detected"
)

// AuditEvent é um registro de auditoria de sessão.
type AuditEvent struct {
	TenantID   string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Outcome    string
	RequestID  string
	Metadata   map[string]any
	At         time.Time
}

// AuditRecorder grava eventos de auditoria.
type AuditRecorder interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// NopAuditRecorder descarta eventos (auditoria desligada).
type NopAuditRecorder struct{}

func (NopAuditRecorder) Record(context.Context, AuditEvent) error { return nil }
