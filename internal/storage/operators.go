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

const operatorColumns = `id, operator_id, facility_id, name, role, api_key_hash, created_at`

func scanOperator(row pgx.Row) (model.Operator, error) {
	var (
		op   model.Operator
		role string
	)
	if err := row.Scan(&op.ID, &op.OperatorID, &op.FacilityID, &op.Name, &role, &op.APIKeyHash, &op.CreatedAt); err != nil {
		return model.Operator{}, err
	}
	op.Role = model.OperatorRole(role)
	return op, nil
}

// CreateOperator inserts an operator account. A duplicate operator_id in
// the facility returns ErrConflict.
func (db *DB) CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO operators (id, operator_id, facility_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.ID, op.OperatorID, op.FacilityID, op.Name, string(op.Role), op.APIKeyHash, op.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return model.Operator{}, fmt.Errorf("storage: operator %q: %w", op.OperatorID, ErrConflict)
		}
		return model.Operator{}, fmt.Errorf("storage: create operator: %w", err)
	}
	return op, nil
}

// GetOperator returns one operator of a facility.
func (db *DB) GetOperator(ctx context.Context, facilityID uuid.UUID, operatorID string) (model.Operator, error) {
	op, err := scanOperator(db.pool.QueryRow(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE facility_id = $1 AND operator_id = $2`,
		facilityID, operatorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Operator{}, ErrNotFound
		}
		return model.Operator{}, fmt.Errorf("storage: get operator: %w", err)
	}
	return op, nil
}

// GetOperatorsByOperatorIDGlobal returns every operator with the given
// operator_id across facilities. Used only for token issuance, where the
// facility is not known yet; the caller verifies the key against each.
func (db *DB) GetOperatorsByOperatorIDGlobal(ctx context.Context, operatorID string) ([]model.Operator, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE operator_id = $1 ORDER BY created_at`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("storage: get operators by id: %w", err)
	}
	defer rows.Close()

	var out []model.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan operator: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ListOperators returns a facility's operators ordered by operator_id.
func (db *DB) ListOperators(ctx context.Context, facilityID uuid.UUID) ([]model.Operator, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE facility_id = $1 ORDER BY operator_id`, facilityID)
	if err != nil {
		return nil, fmt.Errorf("storage: list operators: %w", err)
	}
	defer rows.Close()

	out := []model.Operator{}
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan operator: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// EnsureOperator creates the operator if the facility has none with that
// operator_id. It reports whether a row was inserted.
func (db *DB) EnsureOperator(ctx context.Context, op model.Operator) (bool, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO operators (id, operator_id, facility_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (facility_id, operator_id) DO NOTHING`,
		op.ID, op.OperatorID, op.FacilityID, op.Name, string(op.Role), op.APIKeyHash,
	)
	if err != nil {
		return false, fmt.Errorf("storage: ensure operator: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
