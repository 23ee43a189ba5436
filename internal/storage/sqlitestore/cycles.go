package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/storage"
)

func getCycle(ctx context.Context, q queryer, facilityID uuid.UUID, where string, arg any) (model.Cycle, error) {
	var (
		c                model.Cycle
		phase, status    string
		created, updated string
		completed        sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, facility_id, phase, status, version, created_by, created_at, updated_at, completed_at
		 FROM cycles WHERE facility_id = ? AND `+where, facilityID, arg,
	).Scan(&c.ID, &c.FacilityID, &phase, &status, &c.Version, &c.CreatedBy, &created, &updated, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Cycle{}, storage.ErrNotFound
		}
		return model.Cycle{}, fmt.Errorf("sqlitestore: get cycle: %w", err)
	}
	c.Phase = model.PhaseID(phase)
	c.Status = model.CycleStatus(status)
	if c.CreatedAt, err = parseTS(created); err != nil {
		return model.Cycle{}, err
	}
	if c.UpdatedAt, err = parseTS(updated); err != nil {
		return model.Cycle{}, err
	}
	if c.CompletedAt, err = parseNullTS(completed); err != nil {
		return model.Cycle{}, err
	}

	rows, err := q.QueryContext(ctx, `SELECT tool_id FROM cycle_tools WHERE cycle_id = ? ORDER BY position`, c.ID)
	if err != nil {
		return model.Cycle{}, fmt.Errorf("sqlitestore: get cycle tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	c.Tools = []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return model.Cycle{}, fmt.Errorf("sqlitestore: scan cycle tool: %w", err)
		}
		c.Tools = append(c.Tools, id)
	}
	return c, rows.Err()
}

// GetActiveCycle returns the facility's active cycle or storage.ErrNotFound.
func (s *Store) GetActiveCycle(ctx context.Context, facilityID uuid.UUID) (model.Cycle, error) {
	return getCycle(ctx, s.db, facilityID, `status = ?`, string(model.CycleStatusActive))
}

// GetCycle returns any cycle of the facility.
func (s *Store) GetCycle(ctx context.Context, facilityID, id uuid.UUID) (model.Cycle, error) {
	return getCycle(ctx, s.db, facilityID, `id = ?`, id)
}

// checkCycle verifies the cycle is active and at the expected version.
// Transactions are serialized by the single connection, so the read holds
// until commit.
func checkCycle(ctx context.Context, tx *sql.Tx, facilityID, cycleID uuid.UUID, expected int64) error {
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM cycles WHERE id = ? AND facility_id = ? AND status = 'active'`,
		cycleID, facilityID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlitestore: read cycle version: %w", err)
	}
	if version != expected {
		return fmt.Errorf("sqlitestore: cycle %s at version %d, expected %d: %w",
			cycleID, version, expected, storage.ErrVersionConflict)
	}
	return nil
}

// placeTool links a tool with no cycle into bath1 of cycleID.
func placeTool(ctx context.Context, tx *sql.Tx, facilityID, cycleID, toolID uuid.UUID, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tools SET status = ?, current_phase = ?, current_cycle_id = ?, updated_at = ?
		 WHERE facility_id = ? AND id = ? AND current_cycle_id IS NULL`,
		string(model.ToolStatusBath1), string(model.PhaseBath1), cycleID, ts(now), facilityID, toolID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: place cycle tool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlitestore: tool %s unavailable: %w", toolID, storage.ErrConflict)
	}
	return nil
}

// CreateCycle opens a cycle and links its tools, placing them in bath1.
// A second active cycle for the facility, or a tool already linked to a
// cycle, returns storage.ErrConflict.
func (s *Store) CreateCycle(ctx context.Context, c model.Cycle, audit model.AuditEvent) (model.Cycle, error) {
	err := s.inTx(ctx, "create cycle", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cycles (id, facility_id, phase, status, version, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.FacilityID, string(c.Phase), string(c.Status), c.Version, c.CreatedBy,
			ts(c.CreatedAt), ts(c.UpdatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("sqlitestore: create cycle: %w", err)
		}
		for i, id := range c.Tools {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cycle_tools (cycle_id, tool_id, position, added_at) VALUES (?, ?, ?, ?)`,
				c.ID, id, i+1, ts(c.CreatedAt),
			); err != nil {
				return fmt.Errorf("sqlitestore: link cycle tool: %w", err)
			}
			if err := placeTool(ctx, tx, c.FacilityID, c.ID, id, c.CreatedAt); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return model.Cycle{}, err
	}
	return c, nil
}

// AddCycleTool links one more tool to an active cycle in bath1 and bumps
// the cycle version.
func (s *Store) AddCycleTool(ctx context.Context, facilityID, cycleID uuid.UUID, expectedVersion int64, toolID uuid.UUID, audit model.AuditEvent) (model.Cycle, error) {
	var out model.Cycle
	err := s.inTx(ctx, "add cycle tool", func(tx *sql.Tx) error {
		if err := checkCycle(ctx, tx, facilityID, cycleID, expectedVersion); err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cycle_tools (cycle_id, tool_id, position, added_at)
			 VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM cycle_tools WHERE cycle_id = ?), ?)`,
			cycleID, toolID, cycleID, ts(now),
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("sqlitestore: link cycle tool: %w", err)
		}
		if err := placeTool(ctx, tx, facilityID, cycleID, toolID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cycles SET version = version + 1, updated_at = ? WHERE id = ?`, ts(now), cycleID,
		); err != nil {
			return fmt.Errorf("sqlitestore: bump cycle version: %w", err)
		}
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		var err error
		out, err = getCycle(ctx, tx, facilityID, `id = ?`, cycleID)
		return err
	})
	if err != nil {
		return model.Cycle{}, err
	}
	return out, nil
}

// ApplyTransition writes one phase transition atomically. It fails with
// storage.ErrVersionConflict when the cycle moved past tr.ExpectedVersion
// and with storage.ErrNotFound when the cycle is no longer active.
func (s *Store) ApplyTransition(ctx context.Context, tr model.Transition) (model.Cycle, error) {
	var out model.Cycle
	err := s.inTx(ctx, "transition", func(tx *sql.Tx) error {
		if err := checkCycle(ctx, tx, tr.FacilityID, tr.CycleID, tr.ExpectedVersion); err != nil {
			return err
		}
		now := ts(time.Now())

		for _, u := range tr.Tools {
			if len(u.ToolIDs) == 0 {
				continue
			}
			marks, ids := inList(u.ToolIDs)
			args := append([]any{string(u.Status), nullText(string(u.Phase)), u.ClearCycle, now,
				tr.FacilityID, tr.CycleID}, ids...)
			if _, err := tx.ExecContext(ctx,
				`UPDATE tools
				 SET status = ?,
				     current_phase = ?,
				     current_cycle_id = CASE WHEN ? THEN NULL ELSE current_cycle_id END,
				     updated_at = ?
				 WHERE facility_id = ? AND current_cycle_id = ? AND id IN (`+marks+`)`,
				args...,
			); err != nil {
				return fmt.Errorf("sqlitestore: update tools: %w", err)
			}
		}

		var err error
		if tr.Cycle != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE cycles SET phase = ?, status = ?, completed_at = ?, version = version + 1, updated_at = ?
				 WHERE id = ?`,
				string(tr.Cycle.Phase), string(tr.Cycle.Status), nullTS(tr.Cycle.CompletedAt), now, tr.CycleID,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE cycles SET version = version + 1, updated_at = ? WHERE id = ?`, now, tr.CycleID)
		}
		if err != nil {
			return fmt.Errorf("sqlitestore: update cycle: %w", err)
		}

		for _, e := range tr.Audit {
			if err := insertAudit(ctx, tx, e); err != nil {
				return err
			}
		}
		out, err = getCycle(ctx, tx, tr.FacilityID, `id = ?`, tr.CycleID)
		return err
	})
	if err != nil {
		return model.Cycle{}, err
	}
	return out, nil
}
