package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sterilis/internal/model"
)

const incidentColumns = `id, facility_id, incident_date, affected_tools_count, affected_batch_ids, operator,
        active, resolved_at, resolved_by, resolution_notes`

func scanIncident(row pgx.Row) (model.BIFailureIncident, error) {
	var inc model.BIFailureIncident
	err := row.Scan(&inc.ID, &inc.FacilityID, &inc.Date, &inc.AffectedToolsCount, &inc.AffectedBatchIDs,
		&inc.Operator, &inc.Active, &inc.ResolvedAt, &inc.ResolvedBy, &inc.ResolutionNotes)
	if inc.AffectedBatchIDs == nil {
		inc.AffectedBatchIDs = []uuid.UUID{}
	}
	return inc, err
}

// GetActiveIncident returns the facility's active BI incident or ErrNotFound.
func (db *DB) GetActiveIncident(ctx context.Context, facilityID uuid.UUID) (model.BIFailureIncident, error) {
	inc, err := scanIncident(db.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM bi_incidents WHERE facility_id = $1 AND active`, facilityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BIFailureIncident{}, ErrNotFound
		}
		return model.BIFailureIncident{}, fmt.Errorf("storage: get active incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns the facility's incidents, newest first.
func (db *DB) ListIncidents(ctx context.Context, facilityID uuid.UUID) ([]model.BIFailureIncident, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+incidentColumns+` FROM bi_incidents WHERE facility_id = $1 ORDER BY incident_date DESC`, facilityID)
	if err != nil {
		return nil, fmt.Errorf("storage: list incidents: %w", err)
	}
	defer rows.Close()

	out := []model.BIFailureIncident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// CreateIncident records an active incident and quarantines the tools of
// the affected batches that are idle in inventory. Tools inside a running
// cycle keep their status; the orchestrator blocks them instead. A second
// active incident returns ErrConflict.
func (db *DB) CreateIncident(ctx context.Context, inc model.BIFailureIncident, audit model.AuditEvent) ([]uuid.UUID, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin create incident tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE tools SET status = 'quarantined', updated_at = now()
		 WHERE facility_id = $1
		   AND current_cycle_id IS NULL
		   AND status IN ('available', 'clean')
		   AND id IN (SELECT tool_id FROM batch_tools WHERE batch_id = ANY($2))
		 RETURNING id`,
		inc.FacilityID, inc.AffectedBatchIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: quarantine tools: %w", err)
	}
	quarantined, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan quarantined tools: %w", err)
	}
	if quarantined == nil {
		quarantined = []uuid.UUID{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO bi_incidents (id, facility_id, incident_date, affected_tools_count, affected_batch_ids,
		                           quarantined_tool_ids, operator, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true)`,
		inc.ID, inc.FacilityID, inc.Date, inc.AffectedToolsCount, inc.AffectedBatchIDs, quarantined, inc.Operator,
	); err != nil {
		if isUniqueViolation(err, "idx_bi_incidents_one_active") {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("storage: create incident: %w", err)
	}

	if audit.Metadata == nil {
		audit.Metadata = map[string]any{}
	}
	audit.Metadata["quarantined_tool_ids"] = quarantined
	if err := insertAudit(ctx, tx, audit); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit create incident tx: %w", err)
	}
	return quarantined, nil
}

// ResolveIncident closes the active incident and returns the tools it
// quarantined to available inventory.
func (db *DB) ResolveIncident(ctx context.Context, inc model.BIFailureIncident, audit model.AuditEvent) ([]uuid.UUID, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin resolve incident tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var held []uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE bi_incidents SET active = false, resolved_at = $1, resolved_by = $2, resolution_notes = $3
		 WHERE id = $4 AND facility_id = $5 AND active
		 RETURNING quarantined_tool_ids`,
		inc.ResolvedAt, inc.ResolvedBy, inc.ResolutionNotes, inc.ID, inc.FacilityID,
	).Scan(&held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: resolve incident: %w", err)
	}

	released := []uuid.UUID{}
	if len(held) > 0 {
		rows, err := tx.Query(ctx,
			`UPDATE tools SET status = 'available', updated_at = now()
			 WHERE facility_id = $1 AND id = ANY($2) AND status = 'quarantined'
			 RETURNING id`,
			inc.FacilityID, held,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: release tools: %w", err)
		}
		if released, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID]); err != nil {
			return nil, fmt.Errorf("storage: scan released tools: %w", err)
		}
	}

	if audit.Metadata == nil {
		audit.Metadata = map[string]any{}
	}
	audit.Metadata["released_tool_ids"] = released
	if err := insertAudit(ctx, tx, audit); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit resolve incident tx: %w", err)
	}
	return released, nil
}
