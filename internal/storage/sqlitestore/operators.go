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

const operatorColumns = `id, operator_id, facility_id, name, role, api_key_hash, created_at`

func scanOperator(row scanner) (model.Operator, error) {
	var (
		op            model.Operator
		role, created string
		hash          sql.NullString
	)
	if err := row.Scan(&op.ID, &op.OperatorID, &op.FacilityID, &op.Name, &role, &hash, &created); err != nil {
		return model.Operator{}, err
	}
	op.Role = model.OperatorRole(role)
	if hash.Valid {
		op.APIKeyHash = &hash.String
	}
	var err error
	if op.CreatedAt, err = parseTS(created); err != nil {
		return model.Operator{}, err
	}
	return op, nil
}

func collectOperators(rows *sql.Rows) ([]model.Operator, error) {
	defer func() { _ = rows.Close() }()
	out := []model.Operator{}
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan operator: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func hashArg(h *string) any {
	if h == nil {
		return nil
	}
	return *h
}

// CreateOperator inserts an operator account. A duplicate operator_id in
// the facility returns storage.ErrConflict.
func (s *Store) CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators (`+operatorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.OperatorID, op.FacilityID, op.Name, string(op.Role), hashArg(op.APIKeyHash), ts(op.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Operator{}, fmt.Errorf("sqlitestore: operator %q: %w", op.OperatorID, storage.ErrConflict)
		}
		return model.Operator{}, fmt.Errorf("sqlitestore: create operator: %w", err)
	}
	return op, nil
}

// GetOperator returns one operator of a facility.
func (s *Store) GetOperator(ctx context.Context, facilityID uuid.UUID, operatorID string) (model.Operator, error) {
	op, err := scanOperator(s.db.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE facility_id = ? AND operator_id = ?`,
		facilityID, operatorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Operator{}, storage.ErrNotFound
		}
		return model.Operator{}, fmt.Errorf("sqlitestore: get operator: %w", err)
	}
	return op, nil
}

// GetOperatorsByOperatorIDGlobal returns every operator with the given
// operator_id across facilities.
func (s *Store) GetOperatorsByOperatorIDGlobal(ctx context.Context, operatorID string) ([]model.Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE operator_id = ? ORDER BY created_at`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get operators by id: %w", err)
	}
	return collectOperators(rows)
}

// ListOperators returns a facility's operators ordered by operator_id.
func (s *Store) ListOperators(ctx context.Context, facilityID uuid.UUID) ([]model.Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE facility_id = ? ORDER BY operator_id`, facilityID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list operators: %w", err)
	}
	return collectOperators(rows)
}

// EnsureOperator creates the operator if the facility has none with that
// operator_id. It reports whether a row was inserted.
func (s *Store) EnsureOperator(ctx context.Context, op model.Operator) (bool, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operators (`+operatorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (facility_id, operator_id) DO NOTHING`,
		op.ID, op.OperatorID, op.FacilityID, op.Name, string(op.Role), hashArg(op.APIKeyHash), ts(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: ensure operator: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
