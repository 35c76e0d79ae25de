package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"docuhub-gateway/auth/domain"
)

// LogAuditRecorder escreve eventos de auditoria como entradas estruturadas do zap.
type LogAuditRecorder struct {
	logger *zap.Logger
}

func NewLogAuditRecorder(logger *zap.Logger) *LogAuditRecorder {
	return &LogAuditRecorder{logger: logger.Named("audit")}
}

func (r *LogAuditRecorder) Record(_ context.Context, ev domain.AuditEvent) error {
	r.logger.Info(ev.Action,
		zap.String("tenant_id", ev.TenantID),
		zap.String("actor_id", ev.ActorID),
		zap.String("target_type", ev.TargetType),
		zap.String("target_id", ev.TargetID),
		zap.String("outcome", ev.Outcome),
		zap.String("request_id", ev.RequestID),
		zap.Any("metadata", ev.Metadata),
	)
	return nil
}

// SQLAuditRecorder grava eventos na tabela audit_events. Dentro de um CommitHook
// a escrita entra na transação do store.
type SQLAuditRecorder struct {
	db *sqlx.DB
}

func NewSQLAuditRecorder(db *sqlx.DB) *SQLAuditRecorder {
	return &SQLAuditRecorder{db: db}
}

func (r *SQLAuditRecorder) Record(ctx context.Context, ev domain.AuditEvent) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	var requestID *string
	if ev.RequestID != "" {
		requestID = &ev.RequestID
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	query := r.db.Rebind(`
		INSERT INTO audit_events (tenant_id, actor_id, action, target_type, target_id, outcome, request_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := ExecutorFrom(ctx, r.db).ExecContext(ctx, query,
		ev.TenantID, ev.ActorID, ev.Action, ev.TargetType, ev.TargetID, ev.Outcome, requestID, string(raw), at.UTC(),
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// MultiAuditRecorder grava em todos; o primeiro erro é devolvido depois de tentar os demais.
type MultiAuditRecorder []domain.AuditRecorder

func (m MultiAuditRecorder) Record(ctx context.Context, ev domain.AuditEvent) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
