package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
)

func insertAudit(ctx context.Context, q queryer, e model.AuditEvent) error {
	e = integrity.Seal(e)
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal audit metadata: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO audit_events (id, facility_id, owner_type, owner_id, action, details, operator, metadata, created_at, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FacilityID, string(e.OwnerType), e.OwnerID, string(e.Action), e.Details, e.Operator,
		string(metaJSON), ts(e.Timestamp), e.ContentHash,
	); err != nil {
		return fmt.Errorf("sqlitestore: insert audit event %s: %w", e.Action, err)
	}
	return nil
}

// InsertAuditEvent writes a standalone audit row.
func (s *Store) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	return insertAudit(ctx, s.db, e)
}

// ListAuditEvents returns the trail of one owner in chronological order.
func (s *Store) ListAuditEvents(ctx context.Context, facilityID uuid.UUID, owner model.AuditOwner, ownerID uuid.UUID) ([]model.AuditEvent, error) {
	return listAudit(ctx, s.db, facilityID, owner, ownerID)
}

func listAudit(ctx context.Context, q queryer, facilityID uuid.UUID, owner model.AuditOwner, ownerID uuid.UUID) ([]model.AuditEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, facility_id, owner_type, owner_id, action, details, operator, metadata, created_at, content_hash
		 FROM audit_events
		 WHERE facility_id = ? AND owner_type = ? AND owner_id = ?
		 ORDER BY created_at, rowid`,
		facilityID, string(owner), ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []model.AuditEvent{}
	for rows.Next() {
		var (
			e                      model.AuditEvent
			ownerTyp, action, meta string
			created                string
		)
		if err := rows.Scan(&e.ID, &e.FacilityID, &ownerTyp, &e.OwnerID, &action,
			&e.Details, &e.Operator, &meta, &created, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan audit event: %w", err)
		}
		e.OwnerType = model.AuditOwner(ownerTyp)
		e.Action = model.AuditAction(action)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal audit metadata: %w", err)
		}
		if e.Timestamp, err = parseTS(created); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
