package model

import (
	"time"

	"github.com/google/uuid"
)

// CycleStatus represents the lifecycle state of a sterilization cycle.
type CycleStatus string

const (
	CycleStatusActive    CycleStatus = "active"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusFailed    CycleStatus = "failed"
)

// Cycle is the logical phase progression of a set of tools through the
// wet-processing stages. One active cycle exists per facility at a time.
// Version increments on every write and guards concurrent updates.
type Cycle struct {
	ID          uuid.UUID   `json:"id"`
	FacilityID  uuid.UUID   `json:"facility_id"`
	Phase       PhaseID     `json:"phase"`
	Status      CycleStatus `json:"status"`
	Tools       []uuid.UUID `json:"tools"`
	Version     int64       `json:"version"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// CycleUpdate describes the fields a transition writes to a cycle.
type CycleUpdate struct {
	Phase       PhaseID
	Status      CycleStatus
	CompletedAt *time.Time
}

// ToolUpdate sets status and phase on a group of tools. ClearCycle nulls
// current_cycle_id, returning the tools to available inventory.
type ToolUpdate struct {
	ToolIDs    []uuid.UUID
	Status     ToolStatus
	Phase      PhaseID
	ClearCycle bool
}

// Transition is one atomic write against an active cycle: tool updates,
// an optional cycle update and the audit rows describing them. The store
// applies it only if the cycle is still at ExpectedVersion.
type Transition struct {
	FacilityID      uuid.UUID
	CycleID         uuid.UUID
	ExpectedVersion int64
	Cycle           *CycleUpdate
	Tools           []ToolUpdate
	Audit           []AuditEvent
}

// Closes reports whether the transition ends the cycle.
func (t Transition) Closes() bool {
	return t.Cycle != nil && t.Cycle.Status != CycleStatusActive
}
