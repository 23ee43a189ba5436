package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/auth"
	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/ctxutil"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/service/batches"
	"github.com/ashita-ai/sterilis/internal/service/transition"
)

// Store is the persistence the handlers use directly. Both *storage.DB and
// *sqlitestore.Store implement it.
type Store interface {
	Ping(ctx context.Context) error

	CreateTool(ctx context.Context, t model.Tool) (model.Tool, error)
	GetTool(ctx context.Context, facilityID, id uuid.UUID) (model.Tool, error)
	ListTools(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]model.Tool, int, error)

	ListIncidents(ctx context.Context, facilityID uuid.UUID) ([]model.BIFailureIncident, error)

	CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error)
	GetOperatorsByOperatorIDGlobal(ctx context.Context, operatorID string) ([]model.Operator, error)
	ListOperators(ctx context.Context, facilityID uuid.UUID) ([]model.Operator, error)
	EnsureOperator(ctx context.Context, op model.Operator) (bool, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	jwtMgr              *auth.JWTManager
	floor               *transition.Orchestrator
	batches             *batches.Tracker
	policies            *compliance.Policies
	incidents           *compliance.Incidents
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker is optional; without it GET /v1/events answers 503.
type HandlersDeps struct {
	Store               Store
	JWTMgr              *auth.JWTManager
	Orchestrator        *transition.Orchestrator
	Batches             *batches.Tracker
	Policies            *compliance.Policies
	Incidents           *compliance.Incidents
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		floor:               d.Orchestrator,
		batches:             d.Batches,
		policies:            d.Policies,
		incidents:           d.Incidents,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.OperatorID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "operator_id and api_key are required")
		return
	}

	ops, err := h.store.GetOperatorsByOperatorIDGlobal(r.Context(), req.OperatorID)
	if err != nil {
		h.writeInternalError(w, r, "failed to look up operator", err)
		return
	}

	// Every candidate costs one Argon2 verification; unknown operators pay
	// the same price.
	var matched *model.Operator
	verified := false
	for i := range ops {
		if ops[i].APIKeyHash == nil {
			continue
		}
		verified = true
		ok, verr := auth.VerifyAPIKey(req.APIKey, *ops[i].APIKeyHash)
		if verr == nil && ok {
			matched = &ops[i]
			break
		}
	}
	if !verified {
		auth.DummyVerify()
	}
	if matched == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(*matched)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued",
		"operator", matched.OperatorID,
		"facility_id", matched.FacilityID,
		"role", matched.Role,
		"expires_at", expiresAt,
	)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleSubscribe handles GET /v1/events (SSE). Subscribers only see
// notifications for their own facility.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out so that a client never misses an
	// event published right after it connects.
	ch := h.broker.Subscribe(ctxutil.FacilityIDFromContext(r.Context()))
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Storage = "disconnected"
		status = http.StatusServiceUnavailable
	}

	if h.broker != nil {
		resp.SSEBroker = "local"
		if h.broker.Relayed() {
			resp.SSEBroker = "relayed"
		}
	}
	writeJSON(w, r, status, resp)
}

// SeedAdmin creates the bootstrap admin operator for a facility if it does
// not exist yet. An empty key skips seeding.
func (h *Handlers) SeedAdmin(ctx context.Context, facilityID uuid.UUID, adminAPIKey string) error {
	if adminAPIKey == "" {
		h.logger.Info("no admin API key configured, skipping admin seed")
		return nil
	}
	if facilityID == uuid.Nil {
		return fmt.Errorf("seed admin: facility id is required")
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	created, err := h.store.EnsureOperator(ctx, model.Operator{
		OperatorID: "admin",
		FacilityID: facilityID,
		Name:       "Facility Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	})
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if created {
		h.logger.Info("seeded admin operator", "facility_id", facilityID)
	}
	return nil
}

// facility returns the caller's facility and operator ID.
func facility(r *http.Request) (uuid.UUID, string) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return uuid.Nil, ""
	}
	return claims.FacilityID, claims.Operator
}

func parsePathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

func parsePhase(r *http.Request) (model.PhaseID, error) {
	id, ok := model.ParsePhaseID(r.PathValue("phase"))
	if !ok {
		return "", fmt.Errorf("unknown phase %q", r.PathValue("phase"))
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit clamps the limit parameter to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

func queryOffset(r *http.Request) int {
	return max(queryInt(r, "offset", 0), 0)
}
