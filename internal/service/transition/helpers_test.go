package transition_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/phase"
	"github.com/ashita-ai/sterilis/internal/service/transition"
	"github.com/ashita-ai/sterilis/internal/storage"
)

// memStore is an in-memory transition.Store and compliance.IncidentStore.
type memStore struct {
	mu        sync.Mutex
	tools     map[uuid.UUID]model.Tool
	cycles    map[uuid.UUID]model.Cycle
	audits    []model.AuditEvent
	applied   []model.Transition
	incidents map[uuid.UUID]model.BIFailureIncident
	batches   map[uuid.UUID][]uuid.UUID

	failApply error
	failAudit error
	// applyGate, when set, is received from before ApplyTransition runs.
	applyGate chan struct{}
	applyHit  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		tools:     make(map[uuid.UUID]model.Tool),
		cycles:    make(map[uuid.UUID]model.Cycle),
		incidents: make(map[uuid.UUID]model.BIFailureIncident),
		batches:   make(map[uuid.UUID][]uuid.UUID),
	}
}

func (m *memStore) addTool(facilityID uuid.UUID, barcode string, p2 bool) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.tools[id] = model.Tool{
		ID:         id,
		FacilityID: facilityID,
		Barcode:    barcode,
		Name:       barcode,
		IsP2Tool:   p2,
		Status:     model.ToolStatusAvailable,
	}
	return id
}

func (m *memStore) tool(id uuid.UUID) model.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tools[id]
}

func (m *memStore) cycle(id uuid.UUID) model.Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles[id]
}

func (m *memStore) actions() []model.AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditAction, len(m.audits))
	for i, a := range m.audits {
		out[i] = a.Action
	}
	return out
}

func (m *memStore) applyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func (m *memStore) GetActiveCycle(_ context.Context, facilityID uuid.UUID) (model.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cycles {
		if c.FacilityID == facilityID && c.Status == model.CycleStatusActive {
			return c, nil
		}
	}
	return model.Cycle{}, storage.ErrNotFound
}

func (m *memStore) CreateCycle(_ context.Context, c model.Cycle, audit model.AuditEvent) (model.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cycles {
		if existing.FacilityID == c.FacilityID && existing.Status == model.CycleStatusActive {
			return model.Cycle{}, storage.ErrConflict
		}
	}
	for _, id := range c.Tools {
		t := m.tools[id]
		t.Status = model.ToolStatusBath1
		t.CurrentPhase = model.PhaseBath1
		cid := c.ID
		t.CurrentCycleID = &cid
		m.tools[id] = t
	}
	m.cycles[c.ID] = c
	m.audits = append(m.audits, audit)
	return c, nil
}

func (m *memStore) AddCycleTool(_ context.Context, facilityID, cycleID uuid.UUID, expectedVersion int64, toolID uuid.UUID, audit model.AuditEvent) (model.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[cycleID]
	if !ok || c.FacilityID != facilityID {
		return model.Cycle{}, storage.ErrNotFound
	}
	if c.Version != expectedVersion {
		return model.Cycle{}, storage.ErrVersionConflict
	}
	t := m.tools[toolID]
	t.Status = model.ToolStatusBath1
	t.CurrentPhase = model.PhaseBath1
	t.CurrentCycleID = &cycleID
	m.tools[toolID] = t
	c.Tools = append(c.Tools, toolID)
	c.Version++
	m.cycles[cycleID] = c
	m.audits = append(m.audits, audit)
	return c, nil
}

func (m *memStore) GetTools(_ context.Context, facilityID uuid.UUID, ids []uuid.UUID) ([]model.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Tool
	for _, id := range ids {
		if t, ok := m.tools[id]; ok && t.FacilityID == facilityID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListCycleTools(_ context.Context, facilityID, cycleID uuid.UUID) ([]model.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Tool
	for _, id := range m.cycles[cycleID].Tools {
		t := m.tools[id]
		if t.FacilityID == facilityID && t.CurrentCycleID != nil && *t.CurrentCycleID == cycleID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ApplyTransition(_ context.Context, tr model.Transition) (model.Cycle, error) {
	if m.applyGate != nil {
		m.applyHit <- struct{}{}
		<-m.applyGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failApply != nil {
		return model.Cycle{}, m.failApply
	}
	c, ok := m.cycles[tr.CycleID]
	if !ok || c.FacilityID != tr.FacilityID {
		return model.Cycle{}, storage.ErrNotFound
	}
	if c.Version != tr.ExpectedVersion {
		return model.Cycle{}, storage.ErrVersionConflict
	}
	for _, u := range tr.Tools {
		for _, id := range u.ToolIDs {
			t := m.tools[id]
			t.Status = u.Status
			t.CurrentPhase = u.Phase
			if u.ClearCycle {
				t.CurrentCycleID = nil
			}
			m.tools[id] = t
		}
	}
	if tr.Cycle != nil {
		c.Phase = tr.Cycle.Phase
		c.Status = tr.Cycle.Status
		c.CompletedAt = tr.Cycle.CompletedAt
	}
	c.Version++
	m.cycles[c.ID] = c
	m.audits = append(m.audits, tr.Audit...)
	m.applied = append(m.applied, tr)
	return c, nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, e model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAudit != nil {
		return m.failAudit
	}
	m.audits = append(m.audits, e)
	return nil
}

// ListAuditEvents returns metadata decoded from JSON, as the real stores do.
func (m *memStore) ListAuditEvents(_ context.Context, facilityID uuid.UUID, owner model.AuditOwner, ownerID uuid.UUID) ([]model.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditEvent
	for _, e := range m.audits {
		if e.FacilityID != facilityID || e.OwnerType != owner || e.OwnerID != ownerID {
			continue
		}
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		e.Metadata = nil
		if err := json.Unmarshal(raw, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) GetActiveIncident(_ context.Context, facilityID uuid.UUID) (model.BIFailureIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[facilityID]
	if !ok || !inc.Active {
		return model.BIFailureIncident{}, storage.ErrNotFound
	}
	return inc, nil
}

func (m *memStore) CreateIncident(_ context.Context, inc model.BIFailureIncident, audit model.AuditEvent) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.FacilityID] = inc
	m.audits = append(m.audits, audit)
	return nil, nil
}

func (m *memStore) ResolveIncident(_ context.Context, inc model.BIFailureIncident, audit model.AuditEvent) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.FacilityID] = inc
	m.audits = append(m.audits, audit)
	return nil, nil
}

func (m *memStore) BatchToolIDs(_ context.Context, _ uuid.UUID, batchIDs []uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, b := range batchIDs {
		out = append(out, m.batches[b]...)
	}
	return out, nil
}

type staticPolicy struct {
	mu       sync.Mutex
	settings model.ComplianceSettings
}

func (p *staticPolicy) Gate(context.Context, uuid.UUID) (compliance.Gate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return compliance.NewGate(p.settings), nil
}

type fakeRequester struct {
	mu       sync.Mutex
	requests []transition.ConfirmationRequest
	err      error
}

func (r *fakeRequester) RequestConfirmation(_ context.Context, req transition.ConfirmationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.err
}

type fakeResolver struct {
	actor transition.Actor
	err   error
}

func (r *fakeResolver) Resolve(context.Context) (transition.Actor, error) {
	return r.actor, r.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note model.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *recordingNotifier) kinds() []model.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.NotificationKind, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Kind
	}
	return out
}

type harness struct {
	t         *testing.T
	facility  uuid.UUID
	store     *memStore
	policy    *staticPolicy
	incidents *compliance.Incidents
	requester *fakeRequester
	resolver  *fakeResolver
	notifier  *recordingNotifier
	orch      *transition.Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newHarness(t *testing.T, settings func(*model.ComplianceSettings)) *harness {
	t.Helper()
	facility := uuid.New()
	s := model.DefaultComplianceSettings(facility)
	if settings != nil {
		settings(&s)
	}
	h := &harness{
		t:         t,
		facility:  facility,
		store:     newMemStore(),
		policy:    &staticPolicy{settings: s},
		requester: &fakeRequester{},
		resolver:  &fakeResolver{actor: transition.Actor{FacilityID: facility, Operator: "tech1"}},
		notifier:  &recordingNotifier{},
	}
	h.incidents = compliance.NewIncidents(h.store, h.notifier, testLogger())
	h.orch = h.newOrchestrator()
	return h
}

func (h *harness) newOrchestrator() *transition.Orchestrator {
	h.t.Helper()
	o, err := transition.New(transition.Deps{
		Store:      h.store,
		Policies:   h.policy,
		Compliance: h.incidents,
		Requester:  h.requester,
		Resolver:   h.resolver,
		Notifier:   h.notifier,
		Durations:  phase.DefaultDurations,
		Logger:     testLogger(),
		Now:        func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
	require.NoError(h.t, err)
	return o
}

// startCycle registers tools (true = P2) and starts a cycle with them.
func (h *harness) startCycle(p2 ...bool) (model.Cycle, []uuid.UUID) {
	h.t.Helper()
	ids := make([]uuid.UUID, len(p2))
	for i, isP2 := range p2 {
		ids[i] = h.store.addTool(h.facility, "T"+string(rune('A'+i)), isP2)
	}
	c, err := h.orch.StartCycle(context.Background(), ids)
	require.NoError(h.t, err)
	return c, ids
}

func (h *harness) move(from model.PhaseID) transition.Result {
	h.t.Helper()
	res, err := h.orch.MoveToolsToNext(context.Background(), from, transition.MoveOptions{})
	require.NoError(h.t, err)
	return res
}

func (h *harness) phaseTools(id model.PhaseID) []uuid.UUID {
	h.t.Helper()
	v, err := h.orch.Snapshot(context.Background())
	require.NoError(h.t, err)
	for _, p := range v.Phases {
		if p.ID == id {
			return p.Tools
		}
	}
	return nil
}

// assertSinglePlacement checks that no tool id appears in two phases.
func (h *harness) assertSinglePlacement() {
	h.t.Helper()
	v, err := h.orch.Snapshot(context.Background())
	require.NoError(h.t, err)
	seen := map[uuid.UUID]model.PhaseID{}
	for _, p := range v.Phases {
		for _, id := range p.Tools {
			if prev, ok := seen[id]; ok {
				h.t.Fatalf("tool %s is in both %s and %s", id, prev, p.ID)
			}
			seen[id] = p.ID
		}
	}
}

func containsAction(actions []model.AuditAction, a model.AuditAction) bool {
	return slices.Contains(actions, a)
}

var errDBDown = errors.New("connection refused")
