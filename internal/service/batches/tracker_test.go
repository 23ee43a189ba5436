package batches_test

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/integrity"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/service/batches"
	"github.com/ashita-ai/sterilis/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	tools   map[uuid.UUID]model.Tool
	batches map[uuid.UUID]model.Batch
	seq     map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		tools:   make(map[uuid.UUID]model.Tool),
		batches: make(map[uuid.UUID]model.Batch),
		seq:     make(map[string]int),
	}
}

func (m *memStore) addTool(facilityID uuid.UUID, barcode string, status model.ToolStatus) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.tools[id] = model.Tool{ID: id, FacilityID: facilityID, Barcode: barcode, Status: status}
	return id
}

func (m *memStore) CreateBatch(_ context.Context, b model.Batch, audit model.AuditEvent) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.AuditTrail = []model.AuditEvent{integrity.Seal(audit)}
	m.batches[b.ID] = b
	return b, nil
}

func (m *memStore) GetBatch(_ context.Context, facilityID, id uuid.UUID) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.FacilityID != facilityID {
		return model.Batch{}, storage.ErrNotFound
	}
	b.Tools = slices.Clone(b.Tools)
	b.AuditTrail = slices.Clone(b.AuditTrail)
	return b, nil
}

func (m *memStore) ListBatches(_ context.Context, facilityID uuid.UUID, statuses []model.BatchStatus) ([]model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Batch
	for _, b := range m.batches {
		if b.FacilityID == facilityID && slices.Contains(statuses, b.Status) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) AddBatchTool(_ context.Context, facilityID, batchID, toolID uuid.UUID, audit model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.batches {
		if id != batchID && b.Status.Open() && slices.Contains(b.Tools, toolID) {
			return storage.ErrToolInOpenBatch
		}
	}
	b := m.batches[batchID]
	if b.Status != model.BatchStatusCreating {
		return storage.ErrConflict
	}
	b.Tools = append(b.Tools, toolID)
	b.AuditTrail = append(b.AuditTrail, integrity.Seal(audit))
	m.batches[batchID] = b
	return nil
}

func (m *memStore) RemoveBatchTool(_ context.Context, _, batchID, toolID uuid.UUID, audit model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batches[batchID]
	b.Tools = slices.DeleteFunc(b.Tools, func(id uuid.UUID) bool { return id == toolID })
	b.AuditTrail = append(b.AuditTrail, integrity.Seal(audit))
	m.batches[batchID] = b
	return nil
}

func (m *memStore) UpdateBatch(_ context.Context, b model.Batch, from model.BatchStatus, audit model.AuditEvent) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return model.Batch{}, storage.ErrNotFound
	}
	if cur.Status != from {
		return model.Batch{}, storage.ErrConflict
	}
	cur.BatchCode = b.BatchCode
	cur.Status = b.Status
	cur.PackageInfo = b.PackageInfo
	cur.UpdatedAt = b.UpdatedAt
	cur.AuditTrail = append(cur.AuditTrail, integrity.Seal(audit))
	m.batches[b.ID] = cur
	return cur, nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, e model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[e.OwnerID]
	if !ok {
		return storage.ErrNotFound
	}
	b.AuditTrail = append(b.AuditTrail, integrity.Seal(e))
	m.batches[e.OwnerID] = b
	return nil
}

func (m *memStore) NextBatchSequence(_ context.Context, facilityID uuid.UUID, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := facilityID.String() + "/" + day
	m.seq[k]++
	return m.seq[k], nil
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

type fixedSettings struct{ prefix string }

func (s fixedSettings) Settings(_ context.Context, facilityID uuid.UUID) (model.ComplianceSettings, error) {
	st := model.DefaultComplianceSettings(facilityID)
	if s.prefix != "" {
		st.BatchCodePrefix = s.prefix
	}
	return st, nil
}

type fixedQuarantine struct{ q compliance.Quarantine }

func (f fixedQuarantine) Quarantine(context.Context, uuid.UUID) (compliance.Quarantine, error) {
	return f.q, nil
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

var testDay = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type fixture struct {
	facility uuid.UUID
	store    *memStore
	notifier *recordingNotifier
	tracker  *batches.Tracker
}

func newFixture(t *testing.T, q compliance.Quarantine) *fixture {
	t.Helper()
	f := &fixture{facility: uuid.New(), store: newMemStore(), notifier: &recordingNotifier{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.tracker = batches.New(f.store, fixedSettings{prefix: "OR2"}, fixedQuarantine{q: q}, f.notifier, logger,
		func() time.Time { return testDay })
	return f
}

// ready builds a finalized batch holding n fresh tools.
func (f *fixture) ready(t *testing.T, n int) model.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := f.tracker.CreateBatch(ctx, f.facility, "packer", false)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		tool := f.store.addTool(f.facility, "T", model.ToolStatusClean)
		_, err = f.tracker.AddTool(ctx, f.facility, "packer", b.ID, tool)
		require.NoError(t, err)
	}
	_, err = f.tracker.SetPackageInfo(ctx, f.facility, "packer", b.ID, model.PackageInfo{PackageType: "pouch", PackageSize: "large"})
	require.NoError(t, err)
	b, err = f.tracker.FinalizeBatch(ctx, f.facility, "packer", b.ID)
	require.NoError(t, err)
	return b
}

func actions(b model.Batch) []model.AuditAction {
	out := make([]model.AuditAction, len(b.AuditTrail))
	for i, e := range b.AuditTrail {
		out[i] = e.Action
	}
	return out
}

func TestFinalizeAssignsSequentialCodes(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	first := f.ready(t, 2)
	second := f.ready(t, 1)

	assert.Equal(t, "OR2-20260314-0001", first.BatchCode)
	assert.Equal(t, "OR2-20260314-0002", second.BatchCode)
	assert.Equal(t, model.BatchStatusReady, first.Status)
	assert.Equal(t, []model.AuditAction{
		model.AuditBatchCreated,
		model.AuditBatchToolAdded,
		model.AuditBatchToolAdded,
		model.AuditBatchPackageInfo,
		model.AuditBatchFinalized,
	}, actions(first))
}

func TestVerifyBatch(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	b := f.ready(t, 2)

	r, err := f.tracker.VerifyBatch(context.Background(), f.facility, b.ID)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, 5, r.Events)
	assert.NotEmpty(t, r.Root)

	f.store.mu.Lock()
	stored := f.store.batches[b.ID]
	stored.AuditTrail[1].Details += " (edited)"
	f.store.batches[b.ID] = stored
	f.store.mu.Unlock()

	r, err = f.tracker.VerifyBatch(context.Background(), f.facility, b.ID)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, []uuid.UUID{stored.AuditTrail[1].ID}, r.Tampered)

	_, err = f.tracker.VerifyBatch(context.Background(), f.facility, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinalizeRejectsIncompleteBatch(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	ctx := context.Background()
	b, err := f.tracker.CreateBatch(ctx, f.facility, "packer", true)
	require.NoError(t, err)
	tool := f.store.addTool(f.facility, "T1", model.ToolStatusClean)
	_, err = f.tracker.AddTool(ctx, f.facility, "packer", b.ID, tool)
	require.NoError(t, err)

	// Size without type.
	_, err = f.tracker.SetPackageInfo(ctx, f.facility, "packer", b.ID, model.PackageInfo{PackageSize: "large"})
	require.NoError(t, err)
	_, err = f.tracker.FinalizeBatch(ctx, f.facility, "packer", b.ID)
	assert.ErrorIs(t, err, batches.ErrIncomplete)

	got, err := f.tracker.GetBatchByID(ctx, f.facility, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCreating, got.Status)
	assert.Empty(t, got.BatchCode)

	empty, err := f.tracker.CreateBatch(ctx, f.facility, "packer", false)
	require.NoError(t, err)
	_, err = f.tracker.SetPackageInfo(ctx, f.facility, "packer", empty.ID, model.PackageInfo{PackageType: "tray", PackageSize: "small"})
	require.NoError(t, err)
	_, err = f.tracker.FinalizeBatch(ctx, f.facility, "packer", empty.ID)
	assert.ErrorIs(t, err, batches.ErrIncomplete, "a batch needs at least one tool")
}

func TestToolInOneOpenBatch(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	ctx := context.Background()
	tool := f.store.addTool(f.facility, "T1", model.ToolStatusClean)
	a, err := f.tracker.CreateBatch(ctx, f.facility, "packer", false)
	require.NoError(t, err)
	b, err := f.tracker.CreateBatch(ctx, f.facility, "packer", false)
	require.NoError(t, err)

	_, err = f.tracker.AddTool(ctx, f.facility, "packer", a.ID, tool)
	require.NoError(t, err)
	again, err := f.tracker.AddTool(ctx, f.facility, "packer", a.ID, tool)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tool}, again.Tools, "re-adding is a no-op")

	_, err = f.tracker.AddTool(ctx, f.facility, "packer", b.ID, tool)
	assert.ErrorIs(t, err, storage.ErrToolInOpenBatch)

	_, err = f.tracker.RemoveTool(ctx, f.facility, "packer", a.ID, tool)
	require.NoError(t, err)
	moved, err := f.tracker.AddTool(ctx, f.facility, "packer", b.ID, tool)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tool}, moved.Tools)
}

func TestAddToolRejectsHeldTools(t *testing.T) {
	held := uuid.New()
	q := compliance.NewQuarantine(model.BIFailureIncident{ID: uuid.New(), Active: true}, []uuid.UUID{held})
	f := newFixture(t, q)
	ctx := context.Background()
	f.store.tools[held] = model.Tool{ID: held, FacilityID: f.facility, Barcode: "HELD", Status: model.ToolStatusClean}
	failed := f.store.addTool(f.facility, "BAD", model.ToolStatusFailed)

	b, err := f.tracker.CreateBatch(ctx, f.facility, "packer", false)
	require.NoError(t, err)
	_, err = f.tracker.AddTool(ctx, f.facility, "packer", b.ID, held)
	assert.ErrorIs(t, err, batches.ErrToolUnavailable)
	_, err = f.tracker.AddTool(ctx, f.facility, "packer", b.ID, failed)
	assert.ErrorIs(t, err, batches.ErrToolUnavailable)
	_, err = f.tracker.AddTool(ctx, f.facility, "packer", b.ID, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusMovesForwardOnly(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	ctx := context.Background()
	b := f.ready(t, 1)

	_, err := f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", b.ID, model.BatchStatusCompleted, "")
	assert.ErrorIs(t, err, batches.ErrInvalidTransition, "ready cannot skip the autoclave")

	b, err = f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", b.ID, model.BatchStatusInAutoclave, "load 3")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusInAutoclave, b.Status)

	_, err = f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", b.ID, model.BatchStatusReady, "")
	assert.ErrorIs(t, err, batches.ErrInvalidTransition)

	b, err = f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", b.ID, model.BatchStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)

	_, err = f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", b.ID, model.BatchStatusFailed, "")
	assert.ErrorIs(t, err, batches.ErrInvalidTransition, "archived batches are immutable")

	var statusAudits int
	for _, a := range actions(b) {
		if a == model.AuditBatchStatusChanged {
			statusAudits++
		}
	}
	assert.Equal(t, 2, statusAudits)
	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, model.NotifyBatchStatus, f.notifier.sent[1].Kind)
}

func TestRejectedStatusChangeIsAudited(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	ctx := context.Background()
	b := f.ready(t, 1)

	_, err := f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", b.ID, model.BatchStatusCompleted, "skipped load")
	require.ErrorIs(t, err, batches.ErrInvalidTransition)

	b, err = f.tracker.GetBatchByID(ctx, f.facility, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusReady, b.Status)
	last := b.AuditTrail[len(b.AuditTrail)-1]
	assert.Equal(t, model.AuditBatchStatusRejected, last.Action)
	assert.Equal(t, "tech", last.Operator)
	assert.Equal(t, model.BatchStatusReady, last.Metadata["from"])
	assert.Equal(t, model.BatchStatusCompleted, last.Metadata["to"])
	assert.Equal(t, "skipped load", last.Metadata["notes"])
	assert.Empty(t, f.notifier.sent, "a refusal sends no status notification")

	report, err := f.tracker.VerifyBatch(ctx, f.facility, b.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestArchivedBatchesAreNotEditable(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	ctx := context.Background()
	b := f.ready(t, 1)

	_, err := f.tracker.AddTool(ctx, f.facility, "packer", b.ID, f.store.addTool(f.facility, "X", model.ToolStatusClean))
	assert.ErrorIs(t, err, batches.ErrNotEditable)
	_, err = f.tracker.SetPackageInfo(ctx, f.facility, "packer", b.ID, model.PackageInfo{PackageType: "tray", PackageSize: "s"})
	assert.ErrorIs(t, err, batches.ErrNotEditable)
	_, err = f.tracker.FinalizeBatch(ctx, f.facility, "packer", b.ID)
	assert.ErrorIs(t, err, batches.ErrNotEditable)
}

func TestListingAndHistory(t *testing.T) {
	f := newFixture(t, compliance.Quarantine{})
	ctx := context.Background()
	done := f.ready(t, 1)
	_, err := f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", done.ID, model.BatchStatusInAutoclave, "")
	require.NoError(t, err)
	_, err = f.tracker.UpdateBatchStatus(ctx, f.facility, "tech", done.ID, model.BatchStatusFailed, "BI positive")
	require.NoError(t, err)
	waiting := f.ready(t, 1)

	ready, err := f.tracker.GetBatchesByStatus(ctx, f.facility, model.BatchStatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, waiting.ID, ready[0].ID)

	history, err := f.tracker.History(ctx, f.facility)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, done.ID, history[0].ID)
	assert.Equal(t, model.LevelError, f.notifier.sent[1].Level)

	_, err = f.tracker.GetBatchesByStatus(ctx, f.facility, model.BatchStatus("lost"))
	var vErr *compliance.ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = f.tracker.GetBatchByID(ctx, uuid.New(), done.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "batches are scoped to their facility")
}

func TestCanTransition(t *testing.T) {
	assert.True(t, batches.CanTransition(model.BatchStatusReady, model.BatchStatusInAutoclave))
	assert.True(t, batches.CanTransition(model.BatchStatusInAutoclave, model.BatchStatusFailed))
	assert.False(t, batches.CanTransition(model.BatchStatusCreating, model.BatchStatusReady))
	assert.False(t, batches.CanTransition(model.BatchStatusCompleted, model.BatchStatusFailed))
	assert.Equal(t, "OR2-20260314-0042", batches.FormatCode("OR2", testDay, 42))
}
