package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/sterilis/internal/auth"
	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/model"
)

// HandleGetSettings handles GET /v1/compliance/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	facilityID, _ := facility(r)
	s, err := h.policies.Settings(r.Context(), facilityID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleUpdateSettings handles PUT /v1/compliance/settings (admin).
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateSettingsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	facilityID, operator := facility(r)
	s, err := h.policies.Update(r.Context(), facilityID, operator, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleActivateIncident handles POST /v1/incidents.
func (h *Handlers) HandleActivateIncident(w http.ResponseWriter, r *http.Request) {
	var req model.ActivateIncidentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	facilityID, operator := facility(r)
	inc, err := h.incidents.Activate(r.Context(), facilityID, compliance.ActivateInput{
		AffectedToolsCount: req.AffectedToolsCount,
		AffectedBatchIDs:   req.AffectedBatchIDs,
		Operator:           operator,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, inc)
}

// HandleGetActiveIncident handles GET /v1/incidents/active.
func (h *Handlers) HandleGetActiveIncident(w http.ResponseWriter, r *http.Request) {
	facilityID, _ := facility(r)
	inc, err := h.incidents.Active(r.Context(), facilityID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, inc)
}

// HandleResolveIncident handles POST /v1/incidents/active/resolve.
func (h *Handlers) HandleResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveIncidentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Notes) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "notes are too long")
		return
	}
	facilityID, operator := facility(r)
	inc, err := h.incidents.Deactivate(r.Context(), facilityID, compliance.Resolution{
		Operator:            operator,
		Notes:               strings.TrimSpace(req.Notes),
		QuarantineHandled:   req.QuarantineHandled,
		ResterilizationDone: req.ResterilizationDone,
		BIRetestPassed:      req.BIRetestPassed,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, inc)
}

// HandleListIncidents handles GET /v1/incidents.
func (h *Handlers) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	facilityID, _ := facility(r)
	list, err := h.store.ListIncidents(r.Context(), facilityID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, list, len(list))
}

// HandleCreateOperator handles POST /v1/operators (admin). The generated
// API key appears only in this response.
func (h *Handlers) HandleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOperatorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateOperatorID(req.OperatorID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be admin, operator or viewer")
		return
	}
	if len(req.Name) > model.MaxNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is too long")
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	facilityID, admin := facility(r)
	op, err := h.store.CreateOperator(r.Context(), model.Operator{
		OperatorID: req.OperatorID,
		FacilityID: facilityID,
		Name:       strings.TrimSpace(req.Name),
		Role:       req.Role,
		APIKeyHash: &hash,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("operator created",
		"facility_id", facilityID,
		"operator", op.OperatorID,
		"role", op.Role,
		"created_by", admin,
	)
	writeJSON(w, r, http.StatusCreated, model.CreateOperatorResponse{Operator: op, APIKey: key})
}

// HandleListOperators handles GET /v1/operators (admin).
func (h *Handlers) HandleListOperators(w http.ResponseWriter, r *http.Request) {
	facilityID, _ := facility(r)
	ops, err := h.store.ListOperators(r.Context(), facilityID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, ops, len(ops))
}
