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

const toolColumns = `id, facility_id, barcode, name, is_p2_tool, current_phase, status, current_cycle_id, created_at, updated_at`

func scanTool(row pgx.Row) (model.Tool, error) {
	var (
		t      model.Tool
		phase  *string
		status string
	)
	if err := row.Scan(&t.ID, &t.FacilityID, &t.Barcode, &t.Name, &t.IsP2Tool,
		&phase, &status, &t.CurrentCycleID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.Tool{}, err
	}
	if phase != nil {
		t.CurrentPhase = model.PhaseID(*phase)
	}
	t.Status = model.ToolStatus(status)
	return t, nil
}

func nullPhase(id model.PhaseID) *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}

// CreateTool registers a tool in the facility inventory. A duplicate
// barcode returns ErrConflict.
func (db *DB) CreateTool(ctx context.Context, t model.Tool) (model.Tool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = model.ToolStatusAvailable
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tools (id, facility_id, barcode, name, is_p2_tool, current_phase, status, current_cycle_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.FacilityID, t.Barcode, t.Name, t.IsP2Tool, nullPhase(t.CurrentPhase),
		string(t.Status), t.CurrentCycleID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return model.Tool{}, fmt.Errorf("storage: barcode %q: %w", t.Barcode, ErrConflict)
		}
		return model.Tool{}, fmt.Errorf("storage: create tool: %w", err)
	}
	return t, nil
}

// GetTool returns a single tool.
func (db *DB) GetTool(ctx context.Context, facilityID, id uuid.UUID) (model.Tool, error) {
	t, err := scanTool(db.pool.QueryRow(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE facility_id = $1 AND id = $2`, facilityID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tool{}, ErrNotFound
		}
		return model.Tool{}, fmt.Errorf("storage: get tool: %w", err)
	}
	return t, nil
}

// GetToolByBarcode resolves a scanned barcode.
func (db *DB) GetToolByBarcode(ctx context.Context, facilityID uuid.UUID, barcode string) (model.Tool, error) {
	t, err := scanTool(db.pool.QueryRow(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE facility_id = $1 AND barcode = $2`, facilityID, barcode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tool{}, ErrNotFound
		}
		return model.Tool{}, fmt.Errorf("storage: get tool by barcode: %w", err)
	}
	return t, nil
}

// GetTools returns the tools with the given ids in the order requested.
// Missing ids are skipped.
func (db *DB) GetTools(ctx context.Context, facilityID uuid.UUID, ids []uuid.UUID) ([]model.Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE facility_id = $1 AND id = ANY($2)`, facilityID, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get tools: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]model.Tool, len(ids))
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool: %w", err)
		}
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Tool, 0, len(byID))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
			delete(byID, id)
		}
	}
	return out, nil
}

// ListTools returns a page of the facility inventory ordered by barcode,
// with the total count.
func (db *DB) ListTools(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]model.Tool, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM tools WHERE facility_id = $1`, facilityID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count tools: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE facility_id = $1 ORDER BY barcode LIMIT $2 OFFSET $3`,
		facilityID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list tools: %w", err)
	}
	defer rows.Close()

	tools := []model.Tool{}
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, total, rows.Err()
}

// ListCycleTools returns the tools still linked to the cycle, in the order
// they joined it.
func (db *DB) ListCycleTools(ctx context.Context, facilityID, cycleID uuid.UUID) ([]model.Tool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.id, t.facility_id, t.barcode, t.name, t.is_p2_tool, t.current_phase, t.status,
		        t.current_cycle_id, t.created_at, t.updated_at
		 FROM tools t
		 JOIN cycle_tools ct ON ct.tool_id = t.id AND ct.cycle_id = $2
		 WHERE t.facility_id = $1 AND t.current_cycle_id = $2
		 ORDER BY ct.position`,
		facilityID, cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cycle tools: %w", err)
	}
	defer rows.Close()

	tools := []model.Tool{}
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}
