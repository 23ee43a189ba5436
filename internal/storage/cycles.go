package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sterilis/internal/model"
)

type querier interface {
	execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getCycle(ctx context.Context, q querier, facilityID uuid.UUID, where string, arg any) (model.Cycle, error) {
	var (
		c      model.Cycle
		phase  string
		status string
	)
	err := q.QueryRow(ctx,
		`SELECT id, facility_id, phase, status, version, created_by, created_at, updated_at, completed_at
		 FROM cycles WHERE facility_id = $1 AND `+where, facilityID, arg,
	).Scan(&c.ID, &c.FacilityID, &phase, &status, &c.Version, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cycle{}, ErrNotFound
		}
		return model.Cycle{}, fmt.Errorf("storage: get cycle: %w", err)
	}
	c.Phase = model.PhaseID(phase)
	c.Status = model.CycleStatus(status)

	rows, err := q.Query(ctx, `SELECT tool_id FROM cycle_tools WHERE cycle_id = $1 ORDER BY position`, c.ID)
	if err != nil {
		return model.Cycle{}, fmt.Errorf("storage: get cycle tools: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return model.Cycle{}, fmt.Errorf("storage: scan cycle tools: %w", err)
	}
	c.Tools = ids
	return c, nil
}

// GetActiveCycle returns the facility's active cycle or ErrNotFound.
func (db *DB) GetActiveCycle(ctx context.Context, facilityID uuid.UUID) (model.Cycle, error) {
	return getCycle(ctx, db.pool, facilityID, `status = $2`, string(model.CycleStatusActive))
}

// GetCycle returns any cycle of the facility.
func (db *DB) GetCycle(ctx context.Context, facilityID, id uuid.UUID) (model.Cycle, error) {
	return getCycle(ctx, db.pool, facilityID, `id = $2`, id)
}

// lockCycle takes the row lock on an active cycle and checks its version.
func lockCycle(ctx context.Context, tx pgx.Tx, facilityID, cycleID uuid.UUID, expected int64) error {
	var version int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM cycles WHERE id = $1 AND facility_id = $2 AND status = 'active' FOR UPDATE`,
		cycleID, facilityID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock cycle: %w", err)
	}
	if version != expected {
		return fmt.Errorf("storage: cycle %s at version %d, expected %d: %w", cycleID, version, expected, ErrVersionConflict)
	}
	return nil
}

// CreateCycle opens a cycle and links its tools, placing them in bath1.
// A second active cycle for the facility, or a tool already linked to a
// cycle, returns ErrConflict.
func (db *DB) CreateCycle(ctx context.Context, c model.Cycle, audit model.AuditEvent) (model.Cycle, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Cycle{}, fmt.Errorf("storage: begin create cycle tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO cycles (id, facility_id, phase, status, version, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.FacilityID, string(c.Phase), string(c.Status), c.Version, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err, "idx_cycles_one_active") {
			return model.Cycle{}, ErrConflict
		}
		return model.Cycle{}, fmt.Errorf("storage: create cycle: %w", err)
	}

	for i, id := range c.Tools {
		if _, err := tx.Exec(ctx,
			`INSERT INTO cycle_tools (cycle_id, tool_id, position, added_at) VALUES ($1, $2, $3, $4)`,
			c.ID, id, i+1, c.CreatedAt,
		); err != nil {
			return model.Cycle{}, fmt.Errorf("storage: link cycle tool: %w", err)
		}
	}
	if len(c.Tools) > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE tools SET status = $1, current_phase = $2, current_cycle_id = $3, updated_at = $4
			 WHERE facility_id = $5 AND id = ANY($6) AND current_cycle_id IS NULL`,
			string(model.ToolStatusBath1), string(model.PhaseBath1), c.ID, c.CreatedAt, c.FacilityID, c.Tools,
		)
		if err != nil {
			return model.Cycle{}, fmt.Errorf("storage: place cycle tools: %w", err)
		}
		if int(tag.RowsAffected()) != len(c.Tools) {
			return model.Cycle{}, fmt.Errorf("storage: %d of %d tools already in a cycle: %w",
				len(c.Tools)-int(tag.RowsAffected()), len(c.Tools), ErrConflict)
		}
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return model.Cycle{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Cycle{}, fmt.Errorf("storage: commit create cycle tx: %w", err)
	}
	return c, nil
}

// AddCycleTool links one more tool to an active cycle in bath1 and bumps
// the cycle version.
func (db *DB) AddCycleTool(ctx context.Context, facilityID, cycleID uuid.UUID, expectedVersion int64, toolID uuid.UUID, audit model.AuditEvent) (model.Cycle, error) {
	var out model.Cycle
	err := db.inTx(ctx, "add cycle tool", func(tx pgx.Tx) error {
		if err := lockCycle(ctx, tx, facilityID, cycleID, expectedVersion); err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`INSERT INTO cycle_tools (cycle_id, tool_id, position, added_at)
			 VALUES ($1, $2, (SELECT COALESCE(MAX(position), 0) + 1 FROM cycle_tools WHERE cycle_id = $1), $3)`,
			cycleID, toolID, now,
		); err != nil {
			if isUniqueViolation(err, "") {
				return ErrConflict
			}
			return fmt.Errorf("storage: link cycle tool: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE tools SET status = $1, current_phase = $2, current_cycle_id = $3, updated_at = $4
			 WHERE facility_id = $5 AND id = $6 AND current_cycle_id IS NULL`,
			string(model.ToolStatusBath1), string(model.PhaseBath1), cycleID, now, facilityID, toolID,
		)
		if err != nil {
			return fmt.Errorf("storage: place cycle tool: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: tool %s unavailable: %w", toolID, ErrConflict)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE cycles SET version = version + 1, updated_at = $1 WHERE id = $2`, now, cycleID,
		); err != nil {
			return fmt.Errorf("storage: bump cycle version: %w", err)
		}
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		out, err = getCycle(ctx, tx, facilityID, `id = $2`, cycleID)
		return err
	})
	if err != nil {
		return model.Cycle{}, err
	}
	return out, nil
}

// ApplyTransition writes one phase transition atomically: tool updates,
// the optional cycle update, a version bump and the audit rows. It fails
// with ErrVersionConflict when the cycle moved past tr.ExpectedVersion and
// with ErrNotFound when the cycle is no longer active.
func (db *DB) ApplyTransition(ctx context.Context, tr model.Transition) (model.Cycle, error) {
	var out model.Cycle
	err := db.inTx(ctx, "transition", func(tx pgx.Tx) error {
		var err error

		// 1. Lock the cycle and check the version.
		if err := lockCycle(ctx, tx, tr.FacilityID, tr.CycleID, tr.ExpectedVersion); err != nil {
			return err
		}
		now := time.Now().UTC()

		// 2. Tool updates. Only tools still linked to this cycle change.
		for _, u := range tr.Tools {
			if len(u.ToolIDs) == 0 {
				continue
			}
			if _, err := tx.Exec(ctx,
				`UPDATE tools
				 SET status = $1,
				     current_phase = $2,
				     current_cycle_id = CASE WHEN $3 THEN NULL ELSE current_cycle_id END,
				     updated_at = $4
				 WHERE facility_id = $5 AND id = ANY($6) AND current_cycle_id = $7`,
				string(u.Status), nullPhase(u.Phase), u.ClearCycle, now, tr.FacilityID, u.ToolIDs, tr.CycleID,
			); err != nil {
				return fmt.Errorf("storage: update tools: %w", err)
			}
		}

		// 3. Cycle update and version bump.
		if tr.Cycle != nil {
			_, err = tx.Exec(ctx,
				`UPDATE cycles SET phase = $1, status = $2, completed_at = $3, version = version + 1, updated_at = $4
				 WHERE id = $5`,
				string(tr.Cycle.Phase), string(tr.Cycle.Status), tr.Cycle.CompletedAt, now, tr.CycleID,
			)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE cycles SET version = version + 1, updated_at = $1 WHERE id = $2`, now, tr.CycleID)
		}
		if err != nil {
			return fmt.Errorf("storage: update cycle: %w", err)
		}

		// 4. Audit rows.
		for _, e := range tr.Audit {
			if err := insertAudit(ctx, tx, e); err != nil {
				return err
			}
		}

		out, err = getCycle(ctx, tx, tr.FacilityID, `id = $2`, tr.CycleID)
		return err
	})
	if err != nil {
		return model.Cycle{}, err
	}
	return out, nil
}
