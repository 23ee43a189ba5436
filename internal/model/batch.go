package model

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the lifecycle state of a packaged batch.
type BatchStatus string

const (
	BatchStatusCreating    BatchStatus = "creating"
	BatchStatusReady       BatchStatus = "ready"
	BatchStatusInAutoclave BatchStatus = "in_autoclave"
	BatchStatusCompleted   BatchStatus = "completed"
	BatchStatusFailed      BatchStatus = "failed"
)

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusCreating, BatchStatusReady, BatchStatusInAutoclave, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the batch is archived (no further mutation).
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Open reports whether a batch in this status still holds its tools.
func (s BatchStatus) Open() bool {
	return !s.Terminal()
}

// PackageInfo describes how a batch is physically packaged.
type PackageInfo struct {
	PackageType string `json:"package_type"`
	PackageSize string `json:"package_size"`
	Notes       string `json:"notes,omitempty"`
}

// Batch is a physically packaged group of tools destined for one autoclave
// run. Its lifecycle is independent of the phase-progression cycle.
type Batch struct {
	ID          uuid.UUID    `json:"id"`
	FacilityID  uuid.UUID    `json:"facility_id"`
	BatchCode   string       `json:"batch_code,omitempty"`
	Status      BatchStatus  `json:"status"`
	Tools       []uuid.UUID  `json:"tools"`
	PackageInfo PackageInfo  `json:"package_info"`
	NewLoad     bool         `json:"new_load"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	AuditTrail  []AuditEvent `json:"audit_trail"`
}
