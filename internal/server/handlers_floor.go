package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/service/transition"
)

// HandleCreateTool handles POST /v1/tools.
func (h *Handlers) HandleCreateTool(w http.ResponseWriter, r *http.Request) {
	var req model.CreateToolRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	facilityID, _ := facility(r)
	tool, err := h.store.CreateTool(r.Context(), model.Tool{
		FacilityID: facilityID,
		Barcode:    strings.TrimSpace(req.Barcode),
		Name:       strings.TrimSpace(req.Name),
		IsP2Tool:   req.IsP2Tool,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tool)
}

// HandleGetTool handles GET /v1/tools/{id}.
func (h *Handlers) HandleGetTool(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	facilityID, _ := facility(r)
	tool, err := h.store.GetTool(r.Context(), facilityID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tool)
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	facilityID, _ := facility(r)
	tools, total, err := h.store.ListTools(r.Context(), facilityID, queryLimit(r, 100), queryOffset(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, tools, total)
}

// HandleStartCycle handles POST /v1/cycles.
func (h *Handlers) HandleStartCycle(w http.ResponseWriter, r *http.Request) {
	var req model.StartCycleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.ToolIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool_ids must not be empty")
		return
	}
	cycle, err := h.floor.StartCycle(r.Context(), req.ToolIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, cycle)
}

// HandleScanTool handles POST /v1/cycles/active/tools.
func (h *Handlers) HandleScanTool(w http.ResponseWriter, r *http.Request) {
	var req model.ScanToolRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ToolID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool_id is required")
		return
	}
	cycle, err := h.floor.ScanTool(r.Context(), req.ToolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cycle)
}

// HandleFloor handles GET /v1/floor: every phase with its timer and the
// active cycle, if any.
func (h *Handlers) HandleFloor(w http.ResponseWriter, r *http.Request) {
	view, err := h.floor.Snapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleGetActiveCycle handles GET /v1/cycles/active.
func (h *Handlers) HandleGetActiveCycle(w http.ResponseWriter, r *http.Request) {
	view, err := h.floor.Snapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if view.Cycle == nil {
		h.writeServiceError(w, r, transition.ErrNoActiveCycle)
		return
	}
	writeJSON(w, r, http.StatusOK, view.Cycle)
}

// HandleGetPhase handles GET /v1/phases/{phase}.
func (h *Handlers) HandleGetPhase(w http.ResponseWriter, r *http.Request) {
	h.phaseView(w, r, h.floor.Phase)
}

// HandleStartPhase handles POST /v1/phases/{phase}/start.
func (h *Handlers) HandleStartPhase(w http.ResponseWriter, r *http.Request) {
	h.phaseView(w, r, h.floor.StartPhase)
}

// HandlePausePhase handles POST /v1/phases/{phase}/pause.
func (h *Handlers) HandlePausePhase(w http.ResponseWriter, r *http.Request) {
	h.phaseView(w, r, h.floor.PausePhase)
}

// HandleResumePhase handles POST /v1/phases/{phase}/resume.
func (h *Handlers) HandleResumePhase(w http.ResponseWriter, r *http.Request) {
	h.phaseView(w, r, h.floor.ResumePhase)
}

// HandleCompletePhase handles POST /v1/phases/{phase}/complete.
func (h *Handlers) HandleCompletePhase(w http.ResponseWriter, r *http.Request) {
	h.phaseView(w, r, h.floor.CompletePhase)
}

func (h *Handlers) phaseView(w http.ResponseWriter, r *http.Request, op func(context.Context, model.PhaseID) (transition.PhaseView, error)) {
	id, err := parsePhase(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	view, err := op(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleMoveTools handles POST /v1/phases/{phase}/move. A halt at the CI
// gate answers 202 with outcome gate_pending.
func (h *Handlers) HandleMoveTools(w http.ResponseWriter, r *http.Request) {
	id, err := parsePhase(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.MoveToolsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Override && strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required for a CI override")
		return
	}
	res, err := h.floor.MoveToolsToNext(r.Context(), id, transition.MoveOptions{Override: req.Override, Reason: req.Reason})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeResult(w, r, res)
}

// HandleConfirmGate handles POST /v1/phases/{phase}/confirm.
func (h *Handlers) HandleConfirmGate(w http.ResponseWriter, r *http.Request) {
	id, err := parsePhase(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.floor.ConfirmGate(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeResult(w, r, res)
}

// HandleCancelGate handles POST /v1/phases/{phase}/cancel.
func (h *Handlers) HandleCancelGate(w http.ResponseWriter, r *http.Request) {
	id, err := parsePhase(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.floor.CancelGate(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	view, err := h.floor.Phase(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleFailPhase handles POST /v1/phases/{phase}/fail.
func (h *Handlers) HandleFailPhase(w http.ResponseWriter, r *http.Request) {
	id, err := parsePhase(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.FailPhaseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Reason) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is too long")
		return
	}
	res, err := h.floor.FailPhase(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeResult(w, r, res)
}

// HandleResetPhase handles POST /v1/phases/{phase}/reset.
func (h *Handlers) HandleResetPhase(w http.ResponseWriter, r *http.Request) {
	id, err := parsePhase(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.floor.ResetPhase(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeResult(w, r, res)
}

func (h *Handlers) writeResult(w http.ResponseWriter, r *http.Request, res transition.Result) {
	status := http.StatusOK
	if res.Outcome == transition.OutcomeGatePending {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, res)
}
