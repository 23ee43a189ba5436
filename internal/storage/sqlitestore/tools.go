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

const toolColumns = `id, facility_id, barcode, name, is_p2_tool, current_phase, status, current_cycle_id, created_at, updated_at`

func scanTool(row scanner) (model.Tool, error) {
	var (
		t                model.Tool
		phase            sql.NullString
		status           string
		cycleID          uuid.NullUUID
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.FacilityID, &t.Barcode, &t.Name, &t.IsP2Tool,
		&phase, &status, &cycleID, &created, &updated); err != nil {
		return model.Tool{}, err
	}
	t.CurrentPhase = model.PhaseID(phase.String)
	t.Status = model.ToolStatus(status)
	if cycleID.Valid {
		id := cycleID.UUID
		t.CurrentCycleID = &id
	}
	var err error
	if t.CreatedAt, err = parseTS(created); err != nil {
		return model.Tool{}, err
	}
	if t.UpdatedAt, err = parseTS(updated); err != nil {
		return model.Tool{}, err
	}
	return t, nil
}

func collectTools(rows *sql.Rows) ([]model.Tool, error) {
	defer func() { _ = rows.Close() }()
	tools := []model.Tool{}
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// CreateTool registers a tool in the facility inventory. A duplicate
// barcode returns storage.ErrConflict.
func (s *Store) CreateTool(ctx context.Context, t model.Tool) (model.Tool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = model.ToolStatusAvailable
	}
	var cycleID any
	if t.CurrentCycleID != nil {
		cycleID = t.CurrentCycleID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tools (`+toolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FacilityID, t.Barcode, t.Name, t.IsP2Tool, nullText(string(t.CurrentPhase)),
		string(t.Status), cycleID, ts(t.CreatedAt), ts(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Tool{}, fmt.Errorf("sqlitestore: barcode %q: %w", t.Barcode, storage.ErrConflict)
		}
		return model.Tool{}, fmt.Errorf("sqlitestore: create tool: %w", err)
	}
	return t, nil
}

func (s *Store) getTool(ctx context.Context, where string, args ...any) (model.Tool, error) {
	t, err := scanTool(s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tool{}, storage.ErrNotFound
		}
		return model.Tool{}, fmt.Errorf("sqlitestore: get tool: %w", err)
	}
	return t, nil
}

// GetTool returns a single tool.
func (s *Store) GetTool(ctx context.Context, facilityID, id uuid.UUID) (model.Tool, error) {
	return s.getTool(ctx, `facility_id = ? AND id = ?`, facilityID, id)
}

// GetToolByBarcode looks a tool up by its scanned barcode.
func (s *Store) GetToolByBarcode(ctx context.Context, facilityID uuid.UUID, barcode string) (model.Tool, error) {
	return s.getTool(ctx, `facility_id = ? AND barcode = ?`, facilityID, barcode)
}

// GetTools returns the tools with the given ids in the order requested.
// Missing ids are skipped.
func (s *Store) GetTools(ctx context.Context, facilityID uuid.UUID, ids []uuid.UUID) ([]model.Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks, args := inList(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE facility_id = ? AND id IN (`+marks+`)`,
		append([]any{facilityID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get tools: %w", err)
	}
	found, err := collectTools(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]model.Tool, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]model.Tool, 0, len(found))
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
func (s *Store) ListTools(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]model.Tool, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM tools WHERE facility_id = ?`, facilityID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: count tools: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE facility_id = ? ORDER BY barcode LIMIT ? OFFSET ?`,
		facilityID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: list tools: %w", err)
	}
	tools, err := collectTools(rows)
	if err != nil {
		return nil, 0, err
	}
	return tools, total, nil
}

// ListCycleTools returns the tools still linked to the cycle, in the order
// they joined it.
func (s *Store) ListCycleTools(ctx context.Context, facilityID, cycleID uuid.UUID) ([]model.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.facility_id, t.barcode, t.name, t.is_p2_tool, t.current_phase, t.status,
		        t.current_cycle_id, t.created_at, t.updated_at
		 FROM tools t
		 JOIN cycle_tools ct ON ct.tool_id = t.id AND ct.cycle_id = ?
		 WHERE t.facility_id = ? AND t.current_cycle_id = ?
		 ORDER BY ct.position`,
		cycleID, facilityID, cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list cycle tools: %w", err)
	}
	return collectTools(rows)
}
