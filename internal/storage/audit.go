package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertAudit appends one audit event. The target table is immutable.
func insertAudit(ctx context.Context, q execer, e model.AuditEvent) error {
	e = integrity.Seal(e)
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal audit metadata: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO audit_events (id, facility_id, owner_type, owner_id, action, details, operator, metadata, created_at, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)`,
		e.ID, e.FacilityID, string(e.OwnerType), e.OwnerID, string(e.Action),
		e.Details, e.Operator, metaJSON, e.Timestamp, e.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

// InsertAuditEvent appends a standalone audit event, such as a CI
// confirmation request that changes no other row.
func (db *DB) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	return insertAudit(ctx, db.pool, e)
}

// ListAuditEvents returns the trail of one owner in chronological order.
func (db *DB) ListAuditEvents(ctx context.Context, facilityID uuid.UUID, owner model.AuditOwner, ownerID uuid.UUID) ([]model.AuditEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, facility_id, owner_type, owner_id, action, details, operator, metadata, created_at, content_hash
		 FROM audit_events
		 WHERE facility_id = $1 AND owner_type = $2 AND owner_id = $3
		 ORDER BY created_at, id`,
		facilityID, string(owner), ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	events := []model.AuditEvent{}
	for rows.Next() {
		var (
			e        model.AuditEvent
			ownerTyp string
			action   string
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.FacilityID, &ownerTyp, &e.OwnerID, &action,
			&e.Details, &e.Operator, &metaJSON, &e.Timestamp, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		e.OwnerType = model.AuditOwner(ownerTyp)
		e.Action = model.AuditAction(action)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("storage: unmarshal audit metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
