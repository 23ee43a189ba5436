package transition

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/model"
)

// Store is the persistence the orchestrator needs. Every method is scoped
// to a facility. ApplyTransition is atomic and fails with
// storage.ErrVersionConflict when the cycle moved on since it was read.
type Store interface {
	GetActiveCycle(ctx context.Context, facilityID uuid.UUID) (model.Cycle, error)
	CreateCycle(ctx context.Context, c model.Cycle, audit model.AuditEvent) (model.Cycle, error)
	AddCycleTool(ctx context.Context, facilityID, cycleID uuid.UUID, expectedVersion int64, toolID uuid.UUID, audit model.AuditEvent) (model.Cycle, error)
	GetTools(ctx context.Context, facilityID uuid.UUID, ids []uuid.UUID) ([]model.Tool, error)
	ListCycleTools(ctx context.Context, facilityID, cycleID uuid.UUID) ([]model.Tool, error)
	ApplyTransition(ctx context.Context, t model.Transition) (model.Cycle, error)
	InsertAuditEvent(ctx context.Context, e model.AuditEvent) error
	ListAuditEvents(ctx context.Context, facilityID uuid.UUID, owner model.AuditOwner, ownerID uuid.UUID) ([]model.AuditEvent, error)
}

// GatePolicy supplies the facility's compliance gate.
type GatePolicy interface {
	Gate(ctx context.Context, facilityID uuid.UUID) (compliance.Gate, error)
}

// ComplianceContext exposes the facility's BI incident state.
type ComplianceContext interface {
	Quarantine(ctx context.Context, facilityID uuid.UUID) (compliance.Quarantine, error)
}

// ConfirmationRequest is handed to the external CI confirmation workflow.
type ConfirmationRequest struct {
	CycleID    uuid.UUID     `json:"cycle_id"`
	FacilityID uuid.UUID     `json:"facility_id"`
	Phase      model.PhaseID `json:"phase"`
	ToolIDs    []uuid.UUID   `json:"tool_ids"`
}

// ConfirmationRequester starts the external CI confirmation. It must be
// idempotent for the same request. The workflow reports back through
// Orchestrator.ConfirmGate or CancelGate.
type ConfirmationRequester interface {
	RequestConfirmation(ctx context.Context, req ConfirmationRequest) error
}

// Actor identifies who is acting and for which facility.
type Actor struct {
	FacilityID uuid.UUID
	Operator   string
}

// FacilityResolver resolves the acting facility from the request context.
type FacilityResolver interface {
	Resolve(ctx context.Context) (Actor, error)
}

// Notifier delivers best-effort operator notifications. Implementations
// must not block for long; failures are theirs to log.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}
