package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
)

// HandleCreateBatch handles POST /v1/batches.
func (h *Handlers) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	facilityID, operator := facility(r)
	b, err := h.batches.CreateBatch(r.Context(), facilityID, operator, req.NewLoad)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, b)
}

// HandleListBatches handles GET /v1/batches. Without ?status the full
// history is returned, newest first.
func (h *Handlers) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	facilityID, _ := facility(r)

	var (
		list []model.Batch
		err  error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.BatchStatus(raw)
		if !status.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown batch status "+raw)
			return
		}
		list, err = h.batches.GetBatchesByStatus(r.Context(), facilityID, status)
	} else {
		list, err = h.batches.History(r.Context(), facilityID)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, list, len(list))
}

// HandleGetBatch handles GET /v1/batches/{id}.
func (h *Handlers) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	facilityID, _ := facility(r)
	b, err := h.batches.GetBatchByID(r.Context(), facilityID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleAddBatchTool handles POST /v1/batches/{id}/tools.
func (h *Handlers) HandleAddBatchTool(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	var req model.BatchToolRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ToolID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool_id is required")
		return
	}
	facilityID, operator := facility(r)
	b, err := h.batches.AddTool(r.Context(), facilityID, operator, id, req.ToolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleRemoveBatchTool handles DELETE /v1/batches/{id}/tools/{tool_id}.
func (h *Handlers) HandleRemoveBatchTool(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	toolID, err := parsePathID(r, "tool_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	facilityID, operator := facility(r)
	b, err := h.batches.RemoveTool(r.Context(), facilityID, operator, id, toolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleSetPackageInfo handles PUT /v1/batches/{id}/package.
func (h *Handlers) HandleSetPackageInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	var info model.PackageInfo
	if err := decodeJSON(w, r, &info, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	info.PackageType = strings.TrimSpace(info.PackageType)
	info.PackageSize = strings.TrimSpace(info.PackageSize)

	facilityID, operator := facility(r)
	b, err := h.batches.SetPackageInfo(r.Context(), facilityID, operator, id, info)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleFinalizeBatch handles POST /v1/batches/{id}/finalize.
func (h *Handlers) HandleFinalizeBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	facilityID, operator := facility(r)
	b, err := h.batches.FinalizeBatch(r.Context(), facilityID, operator, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleUpdateBatchStatus handles POST /v1/batches/{id}/status.
func (h *Handlers) HandleUpdateBatchStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	var req model.UpdateBatchStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown batch status "+string(req.Status))
		return
	}
	if len(req.Notes) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "notes are too long")
		return
	}
	facilityID, operator := facility(r)
	b, err := h.batches.UpdateBatchStatus(r.Context(), facilityID, operator, id, req.Status, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleVerifyBatch handles GET /v1/batches/{id}/integrity.
func (h *Handlers) HandleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	facilityID, _ := facility(r)
	report, err := h.batches.VerifyBatch(r.Context(), facilityID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func batchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return uuid.Nil, false
	}
	return id, true
}
