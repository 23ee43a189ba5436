package transition

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrFacilityUnresolved is returned when the acting facility cannot be
	// determined. Nothing is persisted.
	ErrFacilityUnresolved = errors.New("transition: facility could not be resolved")

	// ErrNoActiveCycle is returned by operations that need a running cycle.
	ErrNoActiveCycle = errors.New("transition: no active cycle")

	// ErrCycleActive is returned when starting a cycle while one is running.
	ErrCycleActive = errors.New("transition: a cycle is already active")

	// ErrTransitionInProgress is returned when another transition for the
	// same phase has not finished yet.
	ErrTransitionInProgress = errors.New("transition: a transition for this phase is in progress")

	// ErrGatePending is returned when a CI confirmation is outstanding for
	// the phase. Cancel the confirmation first.
	ErrGatePending = errors.New("transition: CI confirmation pending for this phase")

	// ErrNoPendingGate is returned by ConfirmGate and CancelGate when the
	// phase has nothing awaiting confirmation.
	ErrNoPendingGate = errors.New("transition: no CI confirmation pending for this phase")

	// ErrQuarantined is returned when an active BI incident blocks the move.
	ErrQuarantined = errors.New("transition: blocked by active BI failure incident")

	// ErrOverrideNotAllowed is returned when an override is requested but
	// the facility does not permit overrides.
	ErrOverrideNotAllowed = errors.New("transition: CI overrides are not allowed for this facility")

	// ErrPhaseEmpty is returned when starting a phase that holds no tools.
	ErrPhaseEmpty = errors.New("transition: phase has no tools")

	// ErrPhaseNotStarted is returned when pausing or resuming a phase whose
	// timer was never started.
	ErrPhaseNotStarted = errors.New("transition: phase timer not started")

	// ErrUnknownPhase is returned for identifiers outside the pipeline.
	ErrUnknownPhase = errors.New("transition: unknown phase")

	// ErrToolUnavailable is returned when a tool cannot join a cycle.
	ErrToolUnavailable = errors.New("transition: tool is not available for processing")
)

// PersistenceError wraps a store failure during a transition. Local floor
// state is unchanged when it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("transition: %s: persistence failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// QuarantineError lists the tools an active BI incident blocks. When
// FacilityWide is set the whole edge is blocked regardless of tools.
type QuarantineError struct {
	IncidentID   uuid.UUID
	ToolIDs      []uuid.UUID
	FacilityWide bool
}

func (e *QuarantineError) Error() string {
	if e.FacilityWide {
		return fmt.Sprintf("%s: incident %s blocks autoclave transitions", ErrQuarantined, e.IncidentID)
	}
	return fmt.Sprintf("%s: %d tools in affected batches", ErrQuarantined, len(e.ToolIDs))
}

func (e *QuarantineError) Is(target error) bool { return target == ErrQuarantined }
