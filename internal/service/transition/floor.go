package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/phase"
	"github.com/ashita-ai/sterilis/internal/storage"
	"github.com/ashita-ai/sterilis/internal/timer"
)

// pendingGate is a transition halted at the CI gate. sel is the tool set
// computed before the halt; confirmation persists exactly this set.
type pendingGate struct {
	cycleID     uuid.UUID
	sel         selection
	requestedBy string
	requestedAt time.Time
}

// floor is the in-memory state of one facility: the four phases, their
// timers and any halted transitions. All fields are guarded by
// Orchestrator.mu except timers, which has its own lock.
type floor struct {
	facilityID uuid.UUID
	phases     map[model.PhaseID]*model.SterilizationPhase
	timers     *timer.Registry
	cycle      *model.Cycle
	pending    map[model.PhaseID]*pendingGate
	inflight   map[model.PhaseID]bool
}

func newFloor(facilityID uuid.UUID, durations phase.Durations) (*floor, error) {
	phases, err := phase.NewPhases(durations)
	if err != nil {
		return nil, err
	}
	f := &floor{
		facilityID: facilityID,
		phases:     make(map[model.PhaseID]*model.SterilizationPhase, len(phases)),
		timers:     timer.NewRegistry(),
		pending:    make(map[model.PhaseID]*pendingGate),
		inflight:   make(map[model.PhaseID]bool),
	}
	for i := range phases {
		p := phases[i]
		f.phases[p.ID] = &p
	}
	return f, nil
}

// locate returns the phase currently holding the tool.
func (f *floor) locate(toolID uuid.UUID) (model.PhaseID, bool) {
	for _, id := range model.Phases {
		if f.phases[id].HasTool(toolID) {
			return id, true
		}
	}
	return "", false
}

// place appends tool ids to a phase, skipping any already on the floor.
func (f *floor) place(id model.PhaseID, toolIDs []uuid.UUID) {
	p := f.phases[id]
	for _, t := range toolIDs {
		if _, ok := f.locate(t); ok {
			continue
		}
		p.Tools = append(p.Tools, t)
	}
}

// remove drops tool ids from a phase, preserving the order of the rest.
func (f *floor) remove(id model.PhaseID, toolIDs []uuid.UUID) {
	p := f.phases[id]
	p.Tools = slices.DeleteFunc(p.Tools, func(t uuid.UUID) bool {
		return slices.Contains(toolIDs, t)
	})
}

// toolCount counts tools across all phases.
func (f *floor) toolCount() int {
	n := 0
	for _, p := range f.phases {
		n += len(p.Tools)
	}
	return n
}

// resetPhase returns a phase to pending with its timer cleared.
func (f *floor) resetPhase(id model.PhaseID) {
	p := f.phases[id]
	p.Status = model.PhaseStatusPending
	p.IsActive = false
	f.timers.Reset(id)
}

// closeCycle empties every phase after the cycle closes.
func (f *floor) closeCycle() {
	for _, id := range model.Phases {
		f.phases[id].Tools = []uuid.UUID{}
		f.resetPhase(id)
	}
	f.cycle = nil
	clear(f.pending)
}

// loadFloor rebuilds a facility floor from the store: the active cycle and
// each linked tool placed in the phase recorded on the tool row.
func (o *Orchestrator) loadFloor(ctx context.Context, facilityID uuid.UUID) (*floor, error) {
	f, err := newFloor(facilityID, o.durations)
	if err != nil {
		return nil, err
	}

	c, err := o.store.GetActiveCycle(ctx, facilityID)
	if errors.Is(err, storage.ErrNotFound) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition: load active cycle: %w", err)
	}
	f.cycle = &c

	tools, err := o.store.ListCycleTools(ctx, facilityID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("transition: load cycle tools: %w", err)
	}
	for _, t := range tools {
		if t.CurrentPhase.IsStage() {
			f.place(t.CurrentPhase, []uuid.UUID{t.ID})
		}
	}

	trail, err := o.store.ListAuditEvents(ctx, facilityID, model.AuditOwnerCycle, c.ID)
	if err != nil {
		return nil, fmt.Errorf("transition: load cycle trail: %w", err)
	}
	restorePending(f, c.ID, trail)

	o.logger.Info("transition: floor loaded",
		"facility_id", facilityID,
		"cycle_id", c.ID,
		"cycle_phase", c.Phase,
		"tools", f.toolCount(),
		"pending_gates", len(f.pending),
	)
	return f, nil
}

// restorePending replays the cycle trail and reinstates every CI gate
// whose request has no later transition or cancellation off the same phase.
func restorePending(f *floor, cycleID uuid.UUID, trail []model.AuditEvent) {
	for _, e := range trail {
		from, ok := metaPhase(e.Metadata)
		if !ok {
			continue
		}
		switch e.Action {
		case model.AuditCIConfirmationRequested:
			f.pending[from] = &pendingGate{
				cycleID: cycleID,
				sel: selection{
					advance:  metaIDs(e.Metadata, "advance"),
					exit:     metaIDs(e.Metadata, "exit"),
					leftover: metaIDs(e.Metadata, "leftover"),
				},
				requestedBy: e.Operator,
				requestedAt: e.Timestamp,
			}
		case model.AuditPhaseTransition, model.AuditP2ToolCompletion,
			model.AuditCycleCompletion, model.AuditCIConfirmationCancelled:
			delete(f.pending, from)
		}
	}
}

// metaPhase reads the "from" phase of an audit row. Rows read back from
// storage carry it as a plain string.
func metaPhase(meta map[string]any) (model.PhaseID, bool) {
	switch v := meta["from"].(type) {
	case model.PhaseID:
		return v, v.IsStage()
	case string:
		return model.ParsePhaseID(v)
	}
	return "", false
}

// metaIDs decodes a tool id list from audit metadata, typed or JSON-decoded.
func metaIDs(meta map[string]any, key string) []uuid.UUID {
	v, ok := meta[key]
	if !ok || v == nil {
		return nil
	}
	if ids, ok := v.([]uuid.UUID); ok {
		return slices.Clone(ids)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

// floorFor returns the facility's floor, loading it on first use.
func (o *Orchestrator) floorFor(ctx context.Context, facilityID uuid.UUID) (*floor, error) {
	o.mu.Lock()
	f, ok := o.floors[facilityID]
	o.mu.Unlock()
	if ok {
		return f, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := o.loads.Do(facilityID.String(), func() (any, error) {
		o.mu.Lock()
		if f, ok := o.floors[facilityID]; ok {
			o.mu.Unlock()
			return f, nil
		}
		o.mu.Unlock()

		f, err := o.loadFloor(loadCtx, facilityID)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if existing, ok := o.floors[facilityID]; ok {
			return existing, nil
		}
		o.floors[facilityID] = f
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*floor), nil
}
