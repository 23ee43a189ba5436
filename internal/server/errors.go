package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/ctxutil"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/service/batches"
	"github.com/ashita-ai/sterilis/internal/service/transition"
	"github.com/ashita-ai/sterilis/internal/storage"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings are checked in order with errors.Is.
var errorMappings = []errorMapping{
	{transition.ErrFacilityUnresolved, http.StatusUnauthorized, model.ErrCodeUnauthorized},
	{transition.ErrUnknownPhase, http.StatusBadRequest, model.ErrCodeInvalidInput},
	{transition.ErrQuarantined, http.StatusConflict, model.ErrCodeQuarantined},
	{transition.ErrOverrideNotAllowed, http.StatusForbidden, model.ErrCodeForbidden},
	{transition.ErrNoActiveCycle, http.StatusNotFound, model.ErrCodeNotFound},
	{transition.ErrCycleActive, http.StatusConflict, model.ErrCodeConflict},
	{transition.ErrTransitionInProgress, http.StatusConflict, model.ErrCodeConflict},
	{transition.ErrGatePending, http.StatusConflict, model.ErrCodeConflict},
	{transition.ErrNoPendingGate, http.StatusConflict, model.ErrCodeConflict},
	{transition.ErrPhaseEmpty, http.StatusConflict, model.ErrCodeConflict},
	{transition.ErrPhaseNotStarted, http.StatusConflict, model.ErrCodeConflict},
	{transition.ErrToolUnavailable, http.StatusConflict, model.ErrCodeConflict},

	{batches.ErrNotEditable, http.StatusConflict, model.ErrCodeConflict},
	{batches.ErrIncomplete, http.StatusConflict, model.ErrCodeConflict},
	{batches.ErrInvalidTransition, http.StatusConflict, model.ErrCodeConflict},
	{batches.ErrToolUnavailable, http.StatusConflict, model.ErrCodeConflict},

	{compliance.ErrIncidentActive, http.StatusConflict, model.ErrCodeConflict},
	{compliance.ErrNoActiveIncident, http.StatusNotFound, model.ErrCodeNotFound},
	{compliance.ErrResolutionIncomplete, http.StatusBadRequest, model.ErrCodeInvalidInput},

	{storage.ErrToolInOpenBatch, http.StatusConflict, model.ErrCodeConflict},
	{storage.ErrVersionConflict, http.StatusConflict, model.ErrCodeConflict},
	{storage.ErrConflict, http.StatusConflict, model.ErrCodeConflict},
	{storage.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
}

// writeServiceError maps a service error to the error envelope. Unknown
// errors become 500 and are logged; their text never reaches the client.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *compliance.ValidationError
	if errors.As(err, &validation) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, validation.Msg)
		return
	}

	var quarantine *transition.QuarantineError
	if errors.As(err, &quarantine) {
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeQuarantined, err.Error(), map[string]any{
			"incident_id": quarantine.IncidentID,
			"tool_ids":    quarantine.ToolIDs,
		})
		return
	}

	var persistence *transition.PersistenceError
	if errors.As(err, &persistence) && !errors.Is(err, storage.ErrVersionConflict) {
		h.writeInternalError(w, r, "could not save "+persistence.Op+"; no changes were made", err)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, r, m.status, m.code, err.Error())
			return
		}
	}
	h.writeInternalError(w, r, "internal error", err)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
