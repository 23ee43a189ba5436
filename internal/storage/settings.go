package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sterilis/internal/model"
)

// GetComplianceSettings returns the stored settings or ErrNotFound.
func (db *DB) GetComplianceSettings(ctx context.Context, facilityID uuid.UUID) (model.ComplianceSettings, error) {
	s := model.ComplianceSettings{FacilityID: facilityID}
	err := db.pool.QueryRow(ctx,
		`SELECT enforce_ci, enforce_bi, allow_overrides, batch_code_prefix, updated_at
		 FROM compliance_settings WHERE facility_id = $1`, facilityID,
	).Scan(&s.EnforceCI, &s.EnforceBI, &s.AllowOverrides, &s.BatchCodePrefix, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ComplianceSettings{}, ErrNotFound
		}
		return model.ComplianceSettings{}, fmt.Errorf("storage: get compliance settings: %w", err)
	}
	return s, nil
}

// SaveComplianceSettings upserts the facility's settings with an audit row.
func (db *DB) SaveComplianceSettings(ctx context.Context, s model.ComplianceSettings, audit model.AuditEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save settings tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO compliance_settings (facility_id, enforce_ci, enforce_bi, allow_overrides, batch_code_prefix, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (facility_id) DO UPDATE
		 SET enforce_ci = EXCLUDED.enforce_ci,
		     enforce_bi = EXCLUDED.enforce_bi,
		     allow_overrides = EXCLUDED.allow_overrides,
		     batch_code_prefix = EXCLUDED.batch_code_prefix,
		     updated_at = EXCLUDED.updated_at`,
		s.FacilityID, s.EnforceCI, s.EnforceBI, s.AllowOverrides, s.BatchCodePrefix, s.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: save compliance settings: %w", err)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save settings tx: %w", err)
	}
	return nil
}
