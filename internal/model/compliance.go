package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultBatchCodePrefix is used when a facility has not configured one.
const DefaultBatchCodePrefix = "STB"

// ComplianceSettings holds facility-level compliance policy. Mutated only by
// administrative action.
type ComplianceSettings struct {
	FacilityID      uuid.UUID `json:"facility_id"`
	EnforceCI       bool      `json:"enforce_ci"`
	EnforceBI       bool      `json:"enforce_bi"`
	AllowOverrides  bool      `json:"allow_overrides"`
	BatchCodePrefix string    `json:"batch_code_prefix"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultComplianceSettings returns the policy applied to facilities that
// have no stored settings: CI and BI enforced, no overrides.
func DefaultComplianceSettings(facilityID uuid.UUID) ComplianceSettings {
	return ComplianceSettings{
		FacilityID:      facilityID,
		EnforceCI:       true,
		EnforceBI:       true,
		BatchCodePrefix: DefaultBatchCodePrefix,
	}
}

// BIFailureIncident records a failed biological-indicator test. While
// Active, tools in the affected batches are quarantined.
type BIFailureIncident struct {
	ID                 uuid.UUID   `json:"id"`
	FacilityID         uuid.UUID   `json:"facility_id"`
	Date               time.Time   `json:"date"`
	AffectedToolsCount int         `json:"affected_tools_count"`
	AffectedBatchIDs   []uuid.UUID `json:"affected_batch_ids"`
	Operator           string      `json:"operator"`
	Active             bool        `json:"active"`
	ResolvedAt         *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy         *string     `json:"resolved_by,omitempty"`
	ResolutionNotes    *string     `json:"resolution_notes,omitempty"`
}

// AffectsBatch reports whether the batch is listed on the incident.
func (i BIFailureIncident) AffectsBatch(batchID uuid.UUID) bool {
	for _, id := range i.AffectedBatchIDs {
		if id == batchID {
			return true
		}
	}
	return false
}
