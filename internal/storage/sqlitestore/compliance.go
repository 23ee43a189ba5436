package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/storage"
)

// GetComplianceSettings returns the stored settings or storage.ErrNotFound.
func (s *Store) GetComplianceSettings(ctx context.Context, facilityID uuid.UUID) (model.ComplianceSettings, error) {
	cs := model.ComplianceSettings{FacilityID: facilityID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT enforce_ci, enforce_bi, allow_overrides, batch_code_prefix, updated_at
		 FROM compliance_settings WHERE facility_id = ?`, facilityID,
	).Scan(&cs.EnforceCI, &cs.EnforceBI, &cs.AllowOverrides, &cs.BatchCodePrefix, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ComplianceSettings{}, storage.ErrNotFound
		}
		return model.ComplianceSettings{}, fmt.Errorf("sqlitestore: get compliance settings: %w", err)
	}
	if cs.UpdatedAt, err = parseTS(updated); err != nil {
		return model.ComplianceSettings{}, err
	}
	return cs, nil
}

// SaveComplianceSettings upserts the facility's settings with an audit row.
func (s *Store) SaveComplianceSettings(ctx context.Context, cs model.ComplianceSettings, audit model.AuditEvent) error {
	return s.inTx(ctx, "save settings", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO compliance_settings (facility_id, enforce_ci, enforce_bi, allow_overrides, batch_code_prefix, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (facility_id) DO UPDATE
			 SET enforce_ci = excluded.enforce_ci,
			     enforce_bi = excluded.enforce_bi,
			     allow_overrides = excluded.allow_overrides,
			     batch_code_prefix = excluded.batch_code_prefix,
			     updated_at = excluded.updated_at`,
			cs.FacilityID, cs.EnforceCI, cs.EnforceBI, cs.AllowOverrides, cs.BatchCodePrefix, ts(cs.UpdatedAt),
		); err != nil {
			return fmt.Errorf("sqlitestore: save compliance settings: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

const incidentColumns = `id, facility_id, incident_date, affected_tools_count, affected_batch_ids, operator,
        active, resolved_at, resolved_by, resolution_notes`

func scanIncident(row scanner) (model.BIFailureIncident, error) {
	var (
		inc               model.BIFailureIncident
		date, batches     string
		resolvedAt        sql.NullString
		resolvedBy, notes sql.NullString
	)
	if err := row.Scan(&inc.ID, &inc.FacilityID, &date, &inc.AffectedToolsCount, &batches,
		&inc.Operator, &inc.Active, &resolvedAt, &resolvedBy, &notes); err != nil {
		return model.BIFailureIncident{}, err
	}
	var err error
	if inc.Date, err = parseTS(date); err != nil {
		return model.BIFailureIncident{}, err
	}
	if inc.ResolvedAt, err = parseNullTS(resolvedAt); err != nil {
		return model.BIFailureIncident{}, err
	}
	if err := json.Unmarshal([]byte(batches), &inc.AffectedBatchIDs); err != nil {
		return model.BIFailureIncident{}, fmt.Errorf("sqlitestore: unmarshal affected batches: %w", err)
	}
	if inc.AffectedBatchIDs == nil {
		inc.AffectedBatchIDs = []uuid.UUID{}
	}
	if resolvedBy.Valid {
		inc.ResolvedBy = &resolvedBy.String
	}
	if notes.Valid {
		inc.ResolutionNotes = &notes.String
	}
	return inc, nil
}

// GetActiveIncident returns the facility's active BI incident or
// storage.ErrNotFound.
func (s *Store) GetActiveIncident(ctx context.Context, facilityID uuid.UUID) (model.BIFailureIncident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM bi_incidents WHERE facility_id = ? AND active = 1`, facilityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BIFailureIncident{}, storage.ErrNotFound
		}
		return model.BIFailureIncident{}, fmt.Errorf("sqlitestore: get active incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns the facility's incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, facilityID uuid.UUID) ([]model.BIFailureIncident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM bi_incidents WHERE facility_id = ? ORDER BY incident_date DESC`, facilityID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.BIFailureIncident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// setToolStatus moves the listed tools from one of the from statuses to
// status and returns the ids that changed. idleOnly skips tools linked to
// a cycle.
func setToolStatus(ctx context.Context, tx *sql.Tx, facilityID uuid.UUID, ids []uuid.UUID, status model.ToolStatus, idleOnly bool, from ...model.ToolStatus) ([]uuid.UUID, error) {
	changed := []uuid.UUID{}
	now := ts(time.Now())
	for _, id := range ids {
		var current string
		var cycleID uuid.NullUUID
		err := tx.QueryRowContext(ctx,
			`SELECT status, current_cycle_id FROM tools WHERE facility_id = ? AND id = ?`, facilityID, id,
		).Scan(&current, &cycleID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: read tool status: %w", err)
		}
		if idleOnly && cycleID.Valid {
			continue
		}
		match := false
		for _, f := range from {
			if model.ToolStatus(current) == f {
				match = true
			}
		}
		if !match {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tools SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id,
		); err != nil {
			return nil, fmt.Errorf("sqlitestore: set tool status: %w", err)
		}
		changed = append(changed, id)
	}
	return changed, nil
}

// CreateIncident records an active incident and quarantines the idle tools
// of the affected batches. A second active incident returns
// storage.ErrConflict.
func (s *Store) CreateIncident(ctx context.Context, inc model.BIFailureIncident, audit model.AuditEvent) ([]uuid.UUID, error) {
	var quarantined []uuid.UUID
	err := s.inTx(ctx, "create incident", func(tx *sql.Tx) error {
		affected := []uuid.UUID{}
		if len(inc.AffectedBatchIDs) > 0 {
			var err error
			if affected, err = batchToolIDs(ctx, tx, inc.FacilityID, inc.AffectedBatchIDs); err != nil {
				return err
			}
		}
		var err error
		quarantined, err = setToolStatus(ctx, tx, inc.FacilityID, affected, model.ToolStatusQuarantined, true,
			model.ToolStatusAvailable, model.ToolStatusClean)
		if err != nil {
			return err
		}

		batchesJSON, err := json.Marshal(nonNil(inc.AffectedBatchIDs))
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal affected batches: %w", err)
		}
		heldJSON, err := json.Marshal(quarantined)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal quarantined tools: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bi_incidents (id, facility_id, incident_date, affected_tools_count, affected_batch_ids,
			                           quarantined_tool_ids, operator, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			inc.ID, inc.FacilityID, ts(inc.Date), inc.AffectedToolsCount, string(batchesJSON), string(heldJSON), inc.Operator,
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("sqlitestore: create incident: %w", err)
		}

		if audit.Metadata == nil {
			audit.Metadata = map[string]any{}
		}
		audit.Metadata["quarantined_tool_ids"] = quarantined
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return quarantined, nil
}

// ResolveIncident closes the active incident and returns the tools it
// quarantined to available inventory.
func (s *Store) ResolveIncident(ctx context.Context, inc model.BIFailureIncident, audit model.AuditEvent) ([]uuid.UUID, error) {
	var released []uuid.UUID
	err := s.inTx(ctx, "resolve incident", func(tx *sql.Tx) error {
		var heldJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT quarantined_tool_ids FROM bi_incidents WHERE id = ? AND facility_id = ? AND active = 1`,
			inc.ID, inc.FacilityID,
		).Scan(&heldJSON)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("sqlitestore: read incident: %w", err)
		}
		var held []uuid.UUID
		if err := json.Unmarshal([]byte(heldJSON), &held); err != nil {
			return fmt.Errorf("sqlitestore: unmarshal quarantined tools: %w", err)
		}

		var resolvedBy, notes any
		if inc.ResolvedBy != nil {
			resolvedBy = *inc.ResolvedBy
		}
		if inc.ResolutionNotes != nil {
			notes = *inc.ResolutionNotes
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE bi_incidents SET active = 0, resolved_at = ?, resolved_by = ?, resolution_notes = ?
			 WHERE id = ?`,
			nullTS(inc.ResolvedAt), resolvedBy, notes, inc.ID,
		); err != nil {
			return fmt.Errorf("sqlitestore: resolve incident: %w", err)
		}

		released, err = setToolStatus(ctx, tx, inc.FacilityID, held, model.ToolStatusAvailable, false,
			model.ToolStatusQuarantined)
		if err != nil {
			return err
		}
		if audit.Metadata == nil {
			audit.Metadata = map[string]any{}
		}
		audit.Metadata["released_tool_ids"] = released
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
