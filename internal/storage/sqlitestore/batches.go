package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/storage"
)

const batchColumns = `id, facility_id, batch_code, status, package_type, package_size, package_notes,
        new_load, created_by, created_at, updated_at`

func scanBatch(row scanner) (model.Batch, error) {
	var (
		b                model.Batch
		code             sql.NullString
		status           string
		created, updated string
	)
	if err := row.Scan(&b.ID, &b.FacilityID, &code, &status, &b.PackageInfo.PackageType,
		&b.PackageInfo.PackageSize, &b.PackageInfo.Notes, &b.NewLoad, &b.CreatedBy,
		&created, &updated); err != nil {
		return model.Batch{}, err
	}
	b.BatchCode = code.String
	b.Status = model.BatchStatus(status)
	var err error
	if b.CreatedAt, err = parseTS(created); err != nil {
		return model.Batch{}, err
	}
	if b.UpdatedAt, err = parseTS(updated); err != nil {
		return model.Batch{}, err
	}
	b.Tools = []uuid.UUID{}
	b.AuditTrail = []model.AuditEvent{}
	return b, nil
}

func (s *Store) batchTools(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_id FROM batch_tools WHERE batch_id = ? ORDER BY added_at, tool_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: batch tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan batch tool: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateBatch inserts an empty batch with its creation audit row.
func (s *Store) CreateBatch(ctx context.Context, b model.Batch, audit model.AuditEvent) (model.Batch, error) {
	err := s.inTx(ctx, "create batch", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.FacilityID, nullText(b.BatchCode), string(b.Status), b.PackageInfo.PackageType,
			b.PackageInfo.PackageSize, b.PackageInfo.Notes, b.NewLoad, b.CreatedBy, ts(b.CreatedAt), ts(b.UpdatedAt),
		); err != nil {
			return fmt.Errorf("sqlitestore: create batch: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return model.Batch{}, err
	}
	if b.Tools == nil {
		b.Tools = []uuid.UUID{}
	}
	b.AuditTrail = []model.AuditEvent{integrity.Seal(audit)}
	return b, nil
}

// GetBatch returns a batch with its tools and audit trail.
func (s *Store) GetBatch(ctx context.Context, facilityID, id uuid.UUID) (model.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE facility_id = ? AND id = ?`, facilityID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Batch{}, storage.ErrNotFound
		}
		return model.Batch{}, fmt.Errorf("sqlitestore: get batch: %w", err)
	}
	if b.Tools, err = s.batchTools(ctx, id); err != nil {
		return model.Batch{}, err
	}
	if b.AuditTrail, err = s.ListAuditEvents(ctx, facilityID, model.AuditOwnerBatch, id); err != nil {
		return model.Batch{}, err
	}
	return b, nil
}

// ListBatches returns batches in any of the statuses, newest first. Audit
// trails are not loaded.
func (s *Store) ListBatches(ctx context.Context, facilityID uuid.UUID, statuses []model.BatchStatus) ([]model.Batch, error) {
	if len(statuses) == 0 {
		return []model.Batch{}, nil
	}
	args := []any{facilityID}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE facility_id = ? AND status IN (`+marks+`)
		 ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list batches: %w", err)
	}
	out := []model.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlitestore: scan batch: %w", err)
		}
		out = append(out, b)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	// Tool lists load after the cursor closes; the pool has one connection.
	for i := range out {
		if out[i].Tools, err = s.batchTools(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func requireCreating(ctx context.Context, tx *sql.Tx, facilityID, batchID uuid.UUID) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM batches WHERE id = ? AND facility_id = ?`, batchID, facilityID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlitestore: read batch status: %w", err)
	}
	if model.BatchStatus(status) != model.BatchStatusCreating {
		return storage.ErrConflict
	}
	return nil
}

// AddBatchTool adds a tool to a batch in creating. A tool held by another
// open batch returns storage.ErrToolInOpenBatch.
func (s *Store) AddBatchTool(ctx context.Context, facilityID, batchID, toolID uuid.UUID, audit model.AuditEvent) error {
	return s.inTx(ctx, "add batch tool", func(tx *sql.Tx) error {
		if err := requireCreating(ctx, tx, facilityID, batchID); err != nil {
			return err
		}
		var present bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM batch_tools WHERE batch_id = ? AND tool_id = ?)`, batchID, toolID,
		).Scan(&present); err != nil {
			return fmt.Errorf("sqlitestore: check batch tool: %w", err)
		}
		if !present {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO batch_tools (batch_id, tool_id, is_open, added_at) VALUES (?, ?, 1, ?)`,
				batchID, toolID, ts(audit.Timestamp),
			); err != nil {
				if isUniqueViolation(err) {
					return storage.ErrToolInOpenBatch
				}
				return fmt.Errorf("sqlitestore: add batch tool: %w", err)
			}
		}
		return insertAudit(ctx, tx, audit)
	})
}

// RemoveBatchTool removes a tool from a batch in creating.
func (s *Store) RemoveBatchTool(ctx context.Context, facilityID, batchID, toolID uuid.UUID, audit model.AuditEvent) error {
	return s.inTx(ctx, "remove batch tool", func(tx *sql.Tx) error {
		if err := requireCreating(ctx, tx, facilityID, batchID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM batch_tools WHERE batch_id = ? AND tool_id = ?`, batchID, toolID)
		if err != nil {
			return fmt.Errorf("sqlitestore: remove batch tool: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

// UpdateBatch writes code, status and packaging when the batch is still in
// status from. Reaching a terminal status releases the batch's tools.
func (s *Store) UpdateBatch(ctx context.Context, b model.Batch, from model.BatchStatus, audit model.AuditEvent) (model.Batch, error) {
	err := s.inTx(ctx, "update batch", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batches
			 SET batch_code = ?, status = ?, package_type = ?, package_size = ?, package_notes = ?, updated_at = ?
			 WHERE id = ? AND facility_id = ? AND status = ?`,
			nullText(b.BatchCode), string(b.Status), b.PackageInfo.PackageType, b.PackageInfo.PackageSize,
			b.PackageInfo.Notes, ts(b.UpdatedAt), b.ID, b.FacilityID, string(from),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("sqlitestore: batch code %s: %w", b.BatchCode, storage.ErrConflict)
			}
			return fmt.Errorf("sqlitestore: update batch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM batches WHERE id = ? AND facility_id = ?)`, b.ID, b.FacilityID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("sqlitestore: check batch: %w", err)
			}
			if !exists {
				return storage.ErrNotFound
			}
			return storage.ErrConflict
		}
		if b.Status.Terminal() {
			if _, err := tx.ExecContext(ctx, `UPDATE batch_tools SET is_open = 0 WHERE batch_id = ?`, b.ID); err != nil {
				return fmt.Errorf("sqlitestore: close batch tools: %w", err)
			}
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return model.Batch{}, err
	}
	return s.GetBatch(ctx, b.FacilityID, b.ID)
}

// NextBatchSequence allocates the next batch number for the facility and
// day, starting at 1.
func (s *Store) NextBatchSequence(ctx context.Context, facilityID uuid.UUID, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO batch_sequences (facility_id, day, last_value) VALUES (?, ?, 1)
		 ON CONFLICT (facility_id, day) DO UPDATE SET last_value = last_value + 1
		 RETURNING last_value`,
		facilityID, day,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: next batch sequence: %w", err)
	}
	return n, nil
}

// BatchToolIDs returns every tool ever placed in the given batches.
func (s *Store) BatchToolIDs(ctx context.Context, facilityID uuid.UUID, batchIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(batchIDs) == 0 {
		return nil, nil
	}
	return batchToolIDs(ctx, s.db, facilityID, batchIDs)
}

func batchToolIDs(ctx context.Context, q queryer, facilityID uuid.UUID, batchIDs []uuid.UUID) ([]uuid.UUID, error) {
	marks, args := inList(batchIDs)
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT bt.tool_id
		 FROM batch_tools bt JOIN batches b ON b.id = bt.batch_id
		 WHERE b.facility_id = ? AND bt.batch_id IN (`+marks+`)
		 ORDER BY bt.tool_id`,
		append([]any{facilityID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: batch tool ids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan batch tool id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
