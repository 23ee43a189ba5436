package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sterilis/internal/auth"
	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/phase"
	"github.com/ashita-ai/sterilis/internal/ratelimit"
	"github.com/ashita-ai/sterilis/internal/server"
	"github.com/ashita-ai/sterilis/internal/service/batches"
	"github.com/ashita-ai/sterilis/internal/service/transition"
	"github.com/ashita-ai/sterilis/internal/storage/sqlitestore"
)

const adminKey = "admin-test-key"

type testEnv struct {
	handler  http.Handler
	server   *server.Server
	facility uuid.UUID
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "sterilis.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	broker := server.NewBroker(nil, logger)
	notifier := server.NewBrokerNotifier(broker, nil, logger)
	policies := compliance.NewPolicies(store, logger)
	incidents := compliance.NewIncidents(store, notifier, logger)
	tracker := batches.New(store, policies, incidents, notifier, logger, nil)
	orch, err := transition.New(transition.Deps{
		Store:      store,
		Policies:   policies,
		Compliance: incidents,
		Requester:  server.ConfirmationNotifier{Notifier: notifier},
		Resolver:   server.ClaimsResolver{},
		Notifier:   notifier,
		Durations:  phase.DefaultDurations,
		Logger:     logger,
	})
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Store:               store,
		JWTMgr:              jwtMgr,
		Orchestrator:        orch,
		Batches:             tracker,
		Policies:            policies,
		Incidents:           incidents,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	facility := uuid.New()
	require.NoError(t, srv.Handlers().SeedAdmin(ctx, facility, adminKey))
	return &testEnv{handler: srv.Handler(), server: srv, facility: facility}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(t *testing.T, operatorID, key string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{OperatorID: operatorID, APIKey: key})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return data[model.AuthTokenResponse](t, rec).Token
}

// operator creates an operator with the given role and returns its token.
func (e *testEnv) operator(t *testing.T, admin, id string, role model.OperatorRole) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/operators", admin, model.CreateOperatorRequest{OperatorID: id, Name: id, Role: role})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := data[model.CreateOperatorResponse](t, rec)
	return e.token(t, id, created.APIKey)
}

func (e *testEnv) tool(t *testing.T, token, barcode string, p2 bool) model.Tool {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/tools", token, model.CreateToolRequest{Barcode: barcode, Name: "Forceps " + barcode, IsP2Tool: p2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return data[model.Tool](t, rec)
}

func data[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h := data[model.HealthResponse](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Storage)
	assert.Equal(t, "local", h.SSEBroker)
	assert.Equal(t, "test", h.Version)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{OperatorID: "admin", APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{OperatorID: "nobody", APIKey: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := env.token(t, "admin", adminKey)
	assert.NotEmpty(t, token)
}

func TestAuthTokenIsRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, limiter)

	body := model.AuthTokenRequest{OperatorID: "admin", APIKey: "wrong"}
	for range 2 {
		assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/auth/token", "", body).Code)
	}
	rec := env.do(t, http.MethodPost, "/auth/token", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, rec))
}

func TestRoles(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token(t, "admin", adminKey)
	viewer := env.operator(t, admin, "observer", model.RoleViewer)
	tech := env.operator(t, admin, "tech-1", model.RoleOperator)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/floor", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/floor", viewer, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/v1/batches", viewer, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/v1/tools", tech, model.CreateToolRequest{Barcode: "B", Name: "n"}).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/operators", tech, nil).Code)

	rec := env.do(t, http.MethodGet, "/v1/operators", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]model.Operator](t, rec), 3)
}

func TestFacilitiesAreIsolated(t *testing.T) {
	env := newTestEnv(t, nil)
	other := uuid.New()
	require.NoError(t, env.server.Handlers().SeedAdmin(context.Background(), other, "other-admin-key"))

	mine := env.token(t, "admin", adminKey)
	theirs := env.token(t, "admin", "other-admin-key")
	tool := env.tool(t, mine, "T-100", false)

	rec := env.do(t, http.MethodGet, "/v1/tools", theirs, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, data[[]model.Tool](t, rec))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/tools/"+tool.ID.String(), theirs, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/tools/"+tool.ID.String(), mine, nil).Code)
}

func TestCycleFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token(t, "admin", adminKey)
	tech := env.operator(t, admin, "tech-1", model.RoleOperator)
	regular := env.tool(t, admin, "T-1", false)
	p2 := env.tool(t, admin, "T-2", true)

	rec := env.do(t, http.MethodGet, "/v1/cycles/active", tech, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/cycles", tech, model.StartCycleRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/cycles", tech, model.StartCycleRequest{ToolIDs: []uuid.UUID{regular.ID, p2.ID}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cycle := data[model.Cycle](t, rec)
	assert.Equal(t, model.PhaseBath1, cycle.Phase)

	rec = env.do(t, http.MethodPost, "/v1/cycles", tech, model.StartCycleRequest{ToolIDs: []uuid.UUID{regular.ID}})
	assert.Equal(t, http.StatusConflict, rec.Code, "one active cycle per facility")

	move := func(p model.PhaseID, want int) transition.Result {
		t.Helper()
		rec := env.do(t, http.MethodPost, "/v1/phases/"+string(p)+"/move", tech, model.MoveToolsRequest{})
		require.Equal(t, want, rec.Code, rec.Body.String())
		return data[transition.Result](t, rec)
	}

	res := move(model.PhaseBath1, http.StatusOK)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, model.PhaseBath2, res.To)

	res = move(model.PhaseBath2, http.StatusOK)
	assert.Equal(t, []uuid.UUID{p2.ID}, res.Completed, "P2 tools finish after bath 2")
	assert.Equal(t, []uuid.UUID{regular.ID}, res.Moved)

	rec = env.do(t, http.MethodGet, "/v1/tools/"+p2.ID.String(), tech, nil)
	assert.Equal(t, model.ToolStatusClean, data[model.Tool](t, rec).Status)

	res = move(model.PhaseAirDry, http.StatusAccepted)
	assert.Equal(t, transition.OutcomeGatePending, res.Outcome)

	rec = env.do(t, http.MethodGet, "/v1/phases/airDry", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := data[transition.PhaseView](t, rec)
	require.NotNil(t, view.Pending)
	assert.Equal(t, []uuid.UUID{regular.ID}, view.Pending.ToolIDs)

	rec = env.do(t, http.MethodPost, "/v1/phases/airDry/move", tech, model.MoveToolsRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/phases/airDry/move", tech, model.MoveToolsRequest{Override: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "an override needs a reason")

	rec = env.do(t, http.MethodPost, "/v1/phases/airDry/confirm", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, transition.OutcomeAdvanced, data[transition.Result](t, rec).Outcome)

	rec = env.do(t, http.MethodPost, "/v1/phases/airDry/confirm", tech, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a second confirmation is rejected")

	move(model.PhaseAutoclave, http.StatusAccepted)
	rec = env.do(t, http.MethodPost, "/v1/phases/autoclave/confirm", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = data[transition.Result](t, rec)
	assert.Equal(t, transition.OutcomeCycleCompleted, res.Outcome)
	assert.Equal(t, []uuid.UUID{regular.ID}, res.Completed)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/cycles/active", tech, nil).Code)

	rec = env.do(t, http.MethodGet, "/v1/tools/"+regular.ID.String(), tech, nil)
	tool := data[model.Tool](t, rec)
	assert.Equal(t, model.ToolStatusClean, tool.Status)
	assert.Nil(t, tool.CurrentCycleID)
}

func TestPhaseTimerEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token(t, "admin", adminKey)
	tool := env.tool(t, admin, "T-1", false)

	rec := env.do(t, http.MethodPost, "/v1/phases/bath1/start", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no active cycle")

	rec = env.do(t, http.MethodPost, "/v1/cycles", admin, model.StartCycleRequest{ToolIDs: []uuid.UUID{tool.ID}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/phases/bath1/pause", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "pause before start")

	rec = env.do(t, http.MethodPost, "/v1/phases/bath1/start", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := data[transition.PhaseView](t, rec)
	assert.True(t, view.Timer.IsRunning)
	assert.Equal(t, int64(5*60), view.DurationSeconds)

	rec = env.do(t, http.MethodPost, "/v1/phases/bath1/pause", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, data[transition.PhaseView](t, rec).Timer.IsRunning)

	rec = env.do(t, http.MethodPost, "/v1/phases/bath1/resume", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, data[transition.PhaseView](t, rec).Timer.IsRunning)

	rec = env.do(t, http.MethodGet, "/v1/phases/bath9", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/phases/complete/move", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/floor", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	floor := data[transition.FloorView](t, rec)
	require.NotNil(t, floor.Cycle)
	assert.Len(t, floor.Phases, 4)
	assert.Equal(t, env.facility, floor.FacilityID)
}

func TestBatchFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token(t, "admin", adminKey)
	tech := env.operator(t, admin, "tech-1", model.RoleOperator)
	tool := env.tool(t, admin, "T-3", false)

	rec := env.do(t, http.MethodPost, "/v1/batches", tech, model.CreateBatchRequest{NewLoad: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := data[model.Batch](t, rec)
	base := "/v1/batches/" + batch.ID.String()
	assert.Equal(t, model.BatchStatusCreating, batch.Status)

	rec = env.do(t, http.MethodPost, base+"/finalize", tech, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "an empty batch is incomplete")

	rec = env.do(t, http.MethodPost, base+"/tools", tech, model.BatchToolRequest{ToolID: tool.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []uuid.UUID{tool.ID}, data[model.Batch](t, rec).Tools)

	rec = env.do(t, http.MethodPut, base+"/package", tech, model.PackageInfo{PackageType: " pouch ", PackageSize: "M"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pouch", data[model.Batch](t, rec).PackageInfo.PackageType)

	rec = env.do(t, http.MethodPost, base+"/finalize", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch = data[model.Batch](t, rec)
	assert.Equal(t, model.BatchStatusReady, batch.Status)
	assert.True(t, strings.HasPrefix(batch.BatchCode, "STB-"), batch.BatchCode)
	assert.True(t, strings.HasSuffix(batch.BatchCode, "-0001"), batch.BatchCode)

	rec = env.do(t, http.MethodDelete, base+"/tools/"+tool.ID.String(), tech, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "finalized batches are not editable")

	rec = env.do(t, http.MethodPost, base+"/status", tech, model.UpdateBatchStatusRequest{Status: model.BatchStatusCompleted})
	assert.Equal(t, http.StatusConflict, rec.Code, "ready cannot skip the autoclave")

	rec = env.do(t, http.MethodPost, base+"/status", tech, model.UpdateBatchStatusRequest{Status: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/status", tech, model.UpdateBatchStatusRequest{Status: model.BatchStatusInAutoclave})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/batches?status=in_autoclave", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := data[[]model.Batch](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, batch.ID, listed[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/batches?status=ready", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, data[[]model.Batch](t, rec))

	rec = env.do(t, http.MethodGet, base, tech, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := data[model.Batch](t, rec).AuditTrail
	require.NotEmpty(t, trail)
	assert.NotEmpty(t, trail[0].ContentHash)

	rec = env.do(t, http.MethodGet, base+"/integrity", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := data[integrity.Report](t, rec)
	assert.True(t, report.Valid)
	assert.Equal(t, len(trail), report.Events)
}

func TestComplianceSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token(t, "admin", adminKey)

	rec := env.do(t, http.MethodGet, "/v1/compliance/settings", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	s := data[model.ComplianceSettings](t, rec)
	assert.True(t, s.EnforceCI)
	assert.True(t, s.EnforceBI)
	assert.False(t, s.AllowOverrides)
	assert.Equal(t, "STB", s.BatchCodePrefix)

	off := false
	rec = env.do(t, http.MethodPut, "/v1/compliance/settings", admin, model.UpdateSettingsRequest{EnforceCI: &off})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, data[model.ComplianceSettings](t, rec).EnforceCI)

	// Without CI enforcement air dry advances straight to the autoclave.
	tool := env.tool(t, admin, "T-9", false)
	rec = env.do(t, http.MethodPost, "/v1/cycles", admin, model.StartCycleRequest{ToolIDs: []uuid.UUID{tool.ID}})
	require.Equal(t, http.StatusCreated, rec.Code)
	for _, p := range []string{"bath1", "bath2", "airDry"} {
		rec = env.do(t, http.MethodPost, "/v1/phases/"+p+"/move", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, model.PhaseAutoclave, data[transition.Result](t, rec).To)
}

func TestIncidentLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token(t, "admin", adminKey)
	tech := env.operator(t, admin, "tech-1", model.RoleOperator)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/incidents/active", tech, nil).Code)

	rec := env.do(t, http.MethodPost, "/v1/incidents", tech, model.ActivateIncidentRequest{AffectedToolsCount: 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inc := data[model.BIFailureIncident](t, rec)
	assert.True(t, inc.Active)

	rec = env.do(t, http.MethodPost, "/v1/incidents", tech, model.ActivateIncidentRequest{AffectedToolsCount: 1})
	assert.Equal(t, http.StatusConflict, rec.Code, "only one active incident")

	rec = env.do(t, http.MethodPost, "/v1/incidents/active/resolve", tech, model.ResolveIncidentRequest{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/incidents/active/resolve", admin, model.ResolveIncidentRequest{QuarantineHandled: true, ResterilizationDone: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "BI retest is required")

	rec = env.do(t, http.MethodPost, "/v1/incidents/active/resolve", admin, model.ResolveIncidentRequest{
		QuarantineHandled: true, ResterilizationDone: true, BIRetestPassed: true, Notes: "retest passed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := data[model.BIFailureIncident](t, rec)
	assert.False(t, resolved.Active)
	assert.Equal(t, inc.ID, resolved.ID)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/incidents/active", tech, nil).Code)

	rec = env.do(t, http.MethodGet, "/v1/incidents", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]model.BIFailureIncident](t, rec), 1)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token(t, "admin", adminKey)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rec := env.do(t, http.MethodPost, "/v1/incidents", admin, model.ActivateIncidentRequest{AffectedToolsCount: 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	scanner := bufio.NewScanner(resp.Body)
	var event, payload string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			payload = v
			break
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, string(model.NotifyBIFailure), event)

	var n model.Notification
	require.NoError(t, json.Unmarshal([]byte(payload), &n))
	assert.Equal(t, env.facility, n.FacilityID)
	assert.Equal(t, model.LevelError, n.Level)
}
