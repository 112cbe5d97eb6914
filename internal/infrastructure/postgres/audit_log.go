package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"role-sync/internal/domain"
)

// AuditLog implements domain.AuditLogger on the logs table.
type AuditLog struct {
	db DatabaseIface
}

// NewAuditLog creates a new audit log writer.
func NewAuditLog(db DatabaseIface) *AuditLog {
	return &AuditLog{db: db}
}

// Record inserts one audit entry. The entry id is kept in details as correlation_id.
func (a *AuditLog) Record(ctx context.Context, entry domain.AuditEntry) error {
	details := make(map[string]any, len(entry.Details)+1)
	maps.Copy(details, entry.Details)
	if entry.ID != "" {
		details["correlation_id"] = entry.ID
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var entityID any
	if entry.EntityID != 0 {
		entityID = entry.EntityID
	}

	query := `INSERT INTO logs (user_id, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`

	if _, err := a.db.Exec(ctx, query,
		entry.UserID, entry.Action, entry.EntityType, entityID, string(raw), createdAt); err != nil {
		return fmt.Errorf("failed to record audit entry %s: %w", entry.Action, err)
	}
	return nil
}
