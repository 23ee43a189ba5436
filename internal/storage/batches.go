package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
)

const batchSelect = `SELECT b.id, b.facility_id, b.batch_code, b.status, b.package_type, b.package_size,
        b.package_notes, b.new_load, b.created_by, b.created_at, b.updated_at,
        COALESCE(array_agg(bt.tool_id ORDER BY bt.added_at, bt.tool_id) FILTER (WHERE bt.tool_id IS NOT NULL), '{}')
 FROM batches b
 LEFT JOIN batch_tools bt ON bt.batch_id = b.id`

func scanBatch(row pgx.Row) (model.Batch, error) {
	var (
		b      model.Batch
		code   *string
		status string
	)
	if err := row.Scan(&b.ID, &b.FacilityID, &code, &status, &b.PackageInfo.PackageType,
		&b.PackageInfo.PackageSize, &b.PackageInfo.Notes, &b.NewLoad, &b.CreatedBy,
		&b.CreatedAt, &b.UpdatedAt, &b.Tools); err != nil {
		return model.Batch{}, err
	}
	if code != nil {
		b.BatchCode = *code
	}
	b.Status = model.BatchStatus(status)
	if b.Tools == nil {
		b.Tools = []uuid.UUID{}
	}
	b.AuditTrail = []model.AuditEvent{}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateBatch inserts an empty batch with its creation audit row.
func (db *DB) CreateBatch(ctx context.Context, b model.Batch, audit model.AuditEvent) (model.Batch, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Batch{}, fmt.Errorf("storage: begin create batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO batches (id, facility_id, batch_code, status, package_type, package_size, package_notes,
		                      new_load, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.FacilityID, nullString(b.BatchCode), string(b.Status), b.PackageInfo.PackageType,
		b.PackageInfo.PackageSize, b.PackageInfo.Notes, b.NewLoad, b.CreatedBy, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return model.Batch{}, fmt.Errorf("storage: create batch: %w", err)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return model.Batch{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Batch{}, fmt.Errorf("storage: commit create batch tx: %w", err)
	}
	b.AuditTrail = []model.AuditEvent{integrity.Seal(audit)}
	return b, nil
}

// GetBatch returns a batch with its tools and audit trail.
func (db *DB) GetBatch(ctx context.Context, facilityID, id uuid.UUID) (model.Batch, error) {
	b, err := scanBatch(db.pool.QueryRow(ctx,
		batchSelect+` WHERE b.facility_id = $1 AND b.id = $2 GROUP BY b.id`, facilityID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Batch{}, ErrNotFound
		}
		return model.Batch{}, fmt.Errorf("storage: get batch: %w", err)
	}
	trail, err := db.ListAuditEvents(ctx, facilityID, model.AuditOwnerBatch, id)
	if err != nil {
		return model.Batch{}, err
	}
	b.AuditTrail = trail
	return b, nil
}

// ListBatches returns batches in any of the statuses, newest first. Audit
// trails are not loaded.
func (db *DB) ListBatches(ctx context.Context, facilityID uuid.UUID, statuses []model.BatchStatus) ([]model.Batch, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	rows, err := db.pool.Query(ctx,
		batchSelect+` WHERE b.facility_id = $1 AND b.status = ANY($2)
		 GROUP BY b.id ORDER BY b.created_at DESC`, facilityID, ss)
	if err != nil {
		return nil, fmt.Errorf("storage: list batches: %w", err)
	}
	defer rows.Close()

	out := []model.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// lockCreatingBatch locks a batch that must still be in creating.
func lockCreatingBatch(ctx context.Context, tx pgx.Tx, facilityID, batchID uuid.UUID) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM batches WHERE id = $1 AND facility_id = $2 FOR UPDATE`, batchID, facilityID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock batch: %w", err)
	}
	if model.BatchStatus(status) != model.BatchStatusCreating {
		return ErrConflict
	}
	return nil
}

// AddBatchTool adds a tool to a batch in creating. A tool held by another
// open batch returns ErrToolInOpenBatch.
func (db *DB) AddBatchTool(ctx context.Context, facilityID, batchID, toolID uuid.UUID, audit model.AuditEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin add batch tool tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockCreatingBatch(ctx, tx, facilityID, batchID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO batch_tools (batch_id, tool_id, is_open, added_at) VALUES ($1, $2, true, $3)
		 ON CONFLICT (batch_id, tool_id) DO NOTHING`,
		batchID, toolID, audit.Timestamp,
	); err != nil {
		if isUniqueViolation(err, "idx_batch_tools_one_open") {
			return ErrToolInOpenBatch
		}
		return fmt.Errorf("storage: add batch tool: %w", err)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit add batch tool tx: %w", err)
	}
	return nil
}

// RemoveBatchTool removes a tool from a batch in creating.
func (db *DB) RemoveBatchTool(ctx context.Context, facilityID, batchID, toolID uuid.UUID, audit model.AuditEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin remove batch tool tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockCreatingBatch(ctx, tx, facilityID, batchID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM batch_tools WHERE batch_id = $1 AND tool_id = $2`, batchID, toolID)
	if err != nil {
		return fmt.Errorf("storage: remove batch tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit remove batch tool tx: %w", err)
	}
	return nil
}

// UpdateBatch writes code, status and packaging when the batch is still in
// status from. Reaching a terminal status releases the batch's tools for
// other batches.
func (db *DB) UpdateBatch(ctx context.Context, b model.Batch, from model.BatchStatus, audit model.AuditEvent) (model.Batch, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Batch{}, fmt.Errorf("storage: begin update batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE batches
		 SET batch_code = $1, status = $2, package_type = $3, package_size = $4, package_notes = $5, updated_at = $6
		 WHERE id = $7 AND facility_id = $8 AND status = $9`,
		nullString(b.BatchCode), string(b.Status), b.PackageInfo.PackageType, b.PackageInfo.PackageSize,
		b.PackageInfo.Notes, b.UpdatedAt, b.ID, b.FacilityID, string(from),
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return model.Batch{}, fmt.Errorf("storage: batch code %s: %w", b.BatchCode, ErrConflict)
		}
		return model.Batch{}, fmt.Errorf("storage: update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1 AND facility_id = $2)`, b.ID, b.FacilityID,
		).Scan(&exists); err != nil {
			return model.Batch{}, fmt.Errorf("storage: check batch: %w", err)
		}
		if !exists {
			return model.Batch{}, ErrNotFound
		}
		return model.Batch{}, ErrConflict
	}
	if b.Status.Terminal() {
		if _, err := tx.Exec(ctx, `UPDATE batch_tools SET is_open = false WHERE batch_id = $1`, b.ID); err != nil {
			return model.Batch{}, fmt.Errorf("storage: close batch tools: %w", err)
		}
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return model.Batch{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Batch{}, fmt.Errorf("storage: commit update batch tx: %w", err)
	}
	return db.GetBatch(ctx, b.FacilityID, b.ID)
}

// NextBatchSequence allocates the next batch number for the facility and
// day. Numbers start at 1 and are never reused.
func (db *DB) NextBatchSequence(ctx context.Context, facilityID uuid.UUID, day string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`INSERT INTO batch_sequences (facility_id, day, last_value) VALUES ($1, $2, 1)
		 ON CONFLICT (facility_id, day) DO UPDATE SET last_value = batch_sequences.last_value + 1
		 RETURNING last_value`,
		facilityID, day,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: next batch sequence: %w", err)
	}
	return n, nil
}

// BatchToolIDs returns every tool ever placed in the given batches.
func (db *DB) BatchToolIDs(ctx context.Context, facilityID uuid.UUID, batchIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(batchIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT bt.tool_id
		 FROM batch_tools bt JOIN batches b ON b.id = bt.batch_id
		 WHERE b.facility_id = $1 AND bt.batch_id = ANY($2)`,
		facilityID, batchIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: batch tool ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan batch tool ids: %w", err)
	}
	return ids, nil
}
