package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction is the category of an audit event.
type AuditAction string

const (
	// Cycle events.
	AuditCycleStarted     AuditAction = "cycle_started"
	AuditToolAdded        AuditAction = "tool_added"
	AuditPhaseTransition  AuditAction = "phase_transition"
	AuditP2ToolCompletion AuditAction = "p2_tool_completion"
	AuditCycleCompletion  AuditAction = "cycle_completion"
	AuditPhaseFailed      AuditAction = "phase_failed"
	AuditPhaseReset       AuditAction = "phase_reset"

	// Compliance gate events.
	AuditCIConfirmationRequested AuditAction = "ci_confirmation_requested"
	AuditCIConfirmationCancelled AuditAction = "ci_confirmation_cancelled"
	AuditCIOverride              AuditAction = "ci_override"

	// Batch events.
	AuditBatchCreated        AuditAction = "batch_created"
	AuditBatchToolAdded      AuditAction = "batch_tool_added"
	AuditBatchToolRemoved    AuditAction = "batch_tool_removed"
	AuditBatchPackageInfo    AuditAction = "batch_package_info"
	AuditBatchFinalized      AuditAction = "batch_finalized"
	AuditBatchStatusChanged  AuditAction = "batch_status_changed"
	AuditBatchStatusRejected AuditAction = "batch_status_rejected"

	// BI incident events.
	AuditBIFailureActivated   AuditAction = "bi_failure_activated"
	AuditBIFailureDeactivated AuditAction = "bi_failure_deactivated"

	// Administrative events.
	AuditSettingsUpdated AuditAction = "compliance_settings_updated"
)

// AuditOwner identifies the record type an audit event belongs to.
type AuditOwner string

const (
	AuditOwnerCycle    AuditOwner = "cycle"
	AuditOwnerBatch    AuditOwner = "batch"
	AuditOwnerIncident AuditOwner = "incident"
	AuditOwnerFacility AuditOwner = "facility"
)

// AuditEvent is an append-only entry in the audit log.
// Never mutated or deleted.
type AuditEvent struct {
	ID         uuid.UUID      `json:"id"`
	FacilityID uuid.UUID      `json:"facility_id"`
	OwnerType  AuditOwner     `json:"owner_type"`
	OwnerID    uuid.UUID      `json:"owner_id"`
	Action     AuditAction    `json:"action"`
	Details    string         `json:"details"`
	Operator   string         `json:"operator"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	// ContentHash is set by the store when the event is written.
	ContentHash string `json:"content_hash,omitempty"`
}

// NewAuditEvent builds an event with a fresh ID and UTC timestamp.
func NewAuditEvent(facilityID uuid.UUID, owner AuditOwner, ownerID uuid.UUID, action AuditAction, operator, details string) AuditEvent {
	return AuditEvent{
		ID:         uuid.New(),
		FacilityID: facilityID,
		OwnerType:  owner,
		OwnerID:    ownerID,
		Action:     action,
		Details:    details,
		Operator:   operator,
		Metadata:   map[string]any{},
		Timestamp:  time.Now().UTC(),
	}
}
