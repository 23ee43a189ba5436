package model

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind categorizes operator-facing notifications.
type NotificationKind string

const (
	NotifyPhaseTransition      NotificationKind = "phase_transition"
	NotifyCycleCompleted       NotificationKind = "cycle_completed"
	NotifyOverexposure         NotificationKind = "overexposure"
	NotifyConfirmationRequired NotificationKind = "ci_confirmation_required"
	NotifyPersistenceFailed    NotificationKind = "persistence_failed"
	NotifyIntegrityWarning     NotificationKind = "integrity_warning"
	NotifyBIFailure            NotificationKind = "bi_failure"
	NotifyBatchStatus          NotificationKind = "batch_status"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification is an informational message pushed to operators. Delivery
// is best-effort and never affects the operation that produced it.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Level      string           `json:"level"`
	FacilityID uuid.UUID        `json:"facility_id"`
	Message    string           `json:"message"`
	PhaseID    PhaseID          `json:"phase_id,omitempty"`
	CycleID    *uuid.UUID       `json:"cycle_id,omitempty"`
	ToolIDs    []uuid.UUID      `json:"tool_ids,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
