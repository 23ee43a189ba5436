package batches

import "errors"

var (
	// ErrNotEditable is returned when tools or packaging change on a batch
	// that has left the creating status.
	ErrNotEditable = errors.New("batches: batch is no longer editable")

	// ErrIncomplete is returned by FinalizeBatch when packaging or tools are
	// missing. The batch stays in creating.
	ErrIncomplete = errors.New("batches: batch is incomplete")

	// ErrInvalidTransition is returned for a status change that is not a
	// forward step of ready, in_autoclave, completed or failed.
	ErrInvalidTransition = errors.New("batches: invalid status transition")

	// ErrToolUnavailable is returned when a failed or quarantined tool is
	// added to a batch.
	ErrToolUnavailable = errors.New("batches: tool cannot be packaged")
)
