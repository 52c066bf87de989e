package postgres

import (
	"context"
	"fmt"

	"unitmover.io/unitmover/internal/repository"
)

const (
	insertAuditLog = `
INSERT INTO audit_logs (id, action, resource_type, resource_id, actor, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	listAuditLogs = `
SELECT id, action, resource_type, resource_id, actor, details, created_at
FROM audit_logs
WHERE resource_type = $1 AND resource_id = $2
ORDER BY created_at DESC
LIMIT $3`
)

// AuditRepository appends to audit_logs. There is no update or delete.
type AuditRepository struct {
	db DBTX
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

// NewAuditRepository creates a repository on db.
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, rec *repository.AuditRecord) error {
	_, err := r.db.Exec(ctx, insertAuditLog,
		rec.ID, rec.Action, rec.ResourceType, rec.ResourceID, rec.Actor, rec.Details, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *AuditRepository) ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*repository.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, listAuditLogs, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []*repository.AuditRecord
	for rows.Next() {
		var rec repository.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.ResourceType, &rec.ResourceID, &rec.Actor, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
