// Package transition implements the phase transition orchestrator: the
// state machine that moves tools through bath1, bath2, air dry and
// autoclave, routes P2 tools out after bath2, halts autoclave edges at the
// CI gate and records every step as an audited, versioned write.
//
// Persistence comes first. A transition is written to the store as one
// atomic unit and the in-memory floor changes only after the write
// commits, so a failed write leaves the floor exactly as it was.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/phase"
	"github.com/ashita-ai/sterilis/internal/storage"
	"github.com/ashita-ai/sterilis/internal/telemetry"
)

// Outcome classifies the result of a transition request.
type Outcome string

const (
	OutcomeNoop           Outcome = "noop"
	OutcomeAdvanced       Outcome = "advanced"
	OutcomeGatePending    Outcome = "gate_pending"
	OutcomeCycleCompleted Outcome = "cycle_completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeReset          Outcome = "reset"
)

// Result describes what a transition did.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	From    model.PhaseID `json:"from"`
	To      model.PhaseID `json:"to,omitempty"`
	// Moved went on to To. Completed left the pipeline clean.
	Moved     []uuid.UUID  `json:"moved,omitempty"`
	Completed []uuid.UUID  `json:"completed,omitempty"`
	Cycle     *model.Cycle `json:"cycle,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// MoveOptions modify MoveToolsToNext.
type MoveOptions struct {
	// Override skips a CI confirmation when the facility allows overrides.
	Override bool
	Reason   string
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store      Store
	Policies   GatePolicy
	Compliance ComplianceContext
	Requester  ConfirmationRequester
	Resolver   FacilityResolver
	Notifier   Notifier
	Durations  phase.Durations
	Logger     *slog.Logger
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Orchestrator drives the sterilization floors of every facility it serves.
type Orchestrator struct {
	store     Store
	policies  GatePolicy
	bi        ComplianceContext
	requester ConfirmationRequester
	resolver  FacilityResolver
	notifier  Notifier
	durations phase.Durations
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	mu     sync.Mutex
	floors map[uuid.UUID]*floor
	loads  singleflight.Group

	transitions   metric.Int64Counter
	failures      metric.Int64Counter
	overexposures metric.Int64Counter
	duration      metric.Float64Histogram
}

// New creates an Orchestrator. It fails with *phase.ConfigError when the
// configured durations cannot produce valid phases.
func New(d Deps) (*Orchestrator, error) {
	if err := d.Durations.Validate(); err != nil {
		return nil, err
	}
	if d.Store == nil || d.Policies == nil || d.Compliance == nil || d.Requester == nil || d.Resolver == nil {
		return nil, errors.New("transition: store, policies, compliance, requester and resolver are required")
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Logger: d.Logger}
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}

	o := &Orchestrator{
		store:     d.Store,
		policies:  d.Policies,
		bi:        d.Compliance,
		requester: d.Requester,
		resolver:  d.Resolver,
		notifier:  d.Notifier,
		durations: d.Durations,
		logger:    d.Logger,
		now:       d.Now,
		tracer:    telemetry.Tracer("sterilis/transition"),
		floors:    make(map[uuid.UUID]*floor),
	}
	o.registerMetrics()
	return o, nil
}

func (o *Orchestrator) registerMetrics() {
	meter := telemetry.Meter("sterilis/transition")
	o.transitions, _ = meter.Int64Counter("sterilis.transitions",
		metric.WithDescription("Phase transitions by source phase and outcome"),
	)
	o.failures, _ = meter.Int64Counter("sterilis.transition.persistence_failures",
		metric.WithDescription("Transitions rejected because the store write failed"),
	)
	o.overexposures, _ = meter.Int64Counter("sterilis.timer.overexposures",
		metric.WithDescription("Bath timers that ran past their configured duration"),
	)
	o.duration, _ = meter.Float64Histogram("sterilis.transition.duration",
		metric.WithDescription("Time to apply a phase transition (ms)"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("sterilis.timers.running",
		metric.WithDescription("Currently running phase timers across all facilities"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.RunningTimers()))
			return nil
		}),
	)
}

// begin resolves the acting facility and its floor. A resolver failure
// aborts before anything else happens.
func (o *Orchestrator) begin(ctx context.Context) (Actor, *floor, error) {
	actor, err := o.resolver.Resolve(ctx)
	if err != nil {
		return Actor{}, nil, fmt.Errorf("%w: %v", ErrFacilityUnresolved, err)
	}
	if actor.FacilityID == uuid.Nil {
		return Actor{}, nil, ErrFacilityUnresolved
	}
	f, err := o.floorFor(ctx, actor.FacilityID)
	if err != nil {
		return Actor{}, nil, err
	}
	return actor, f, nil
}

func (o *Orchestrator) release(f *floor, id model.PhaseID) {
	o.mu.Lock()
	delete(f.inflight, id)
	o.mu.Unlock()
}

// persistFailed logs and notifies a store failure and converts it into a
// *PersistenceError. A version conflict refreshes the cached cycle so the
// next attempt can succeed.
func (o *Orchestrator) persistFailed(ctx context.Context, actor Actor, f *floor, op string, id model.PhaseID, err error) error {
	o.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	o.logger.Error("transition: persistence failed",
		"facility_id", actor.FacilityID,
		"phase", id,
		"op", op,
		"operator", actor.Operator,
		"error", err,
	)
	o.notifier.Notify(ctx, model.Notification{
		Kind:       model.NotifyPersistenceFailed,
		Level:      model.LevelError,
		FacilityID: actor.FacilityID,
		PhaseID:    id,
		Message:    fmt.Sprintf("Could not save %s; no changes were made. Try again.", op),
		Timestamp:  o.now(),
	})
	if errors.Is(err, storage.ErrVersionConflict) {
		o.refreshCycle(ctx, f)
	}
	return &PersistenceError{Op: op, Err: err}
}

func (o *Orchestrator) refreshCycle(ctx context.Context, f *floor) {
	c, err := o.store.GetActiveCycle(ctx, f.facilityID)
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case err == nil:
		f.cycle = &c
	case errors.Is(err, storage.ErrNotFound):
		f.closeCycle()
	default:
		o.logger.Warn("transition: refresh cycle failed", "facility_id", f.facilityID, "error", err)
	}
}

// StartCycle opens a cycle for the facility and places the tools in bath1.
func (o *Orchestrator) StartCycle(ctx context.Context, toolIDs []uuid.UUID) (model.Cycle, error) {
	actor, f, err := o.begin(ctx)
	if err != nil {
		return model.Cycle{}, err
	}
	ids := dedupe(toolIDs)

	o.mu.Lock()
	active := f.cycle != nil
	o.mu.Unlock()
	if active {
		return model.Cycle{}, ErrCycleActive
	}

	if err := o.admitTools(ctx, actor, ids); err != nil {
		return model.Cycle{}, err
	}

	now := o.now()
	c := model.Cycle{
		ID:         uuid.New(),
		FacilityID: actor.FacilityID,
		Phase:      model.PhaseBath1,
		Status:     model.CycleStatusActive,
		Tools:      ids,
		Version:    1,
		CreatedBy:  actor.Operator,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	audit := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, c.ID, model.AuditCycleStarted, actor.Operator,
		fmt.Sprintf("Cycle started with %d tools", len(ids)))
	audit.Metadata["tool_ids"] = ids

	created, err := o.store.CreateCycle(ctx, c, audit)
	if errors.Is(err, storage.ErrConflict) {
		o.refreshCycle(ctx, f)
		return model.Cycle{}, ErrCycleActive
	}
	if err != nil {
		return model.Cycle{}, o.persistFailed(ctx, actor, f, "start cycle", model.PhaseBath1, err)
	}

	o.mu.Lock()
	f.cycle = &created
	f.place(model.PhaseBath1, ids)
	o.mu.Unlock()

	o.logger.Info("transition: cycle started",
		"facility_id", actor.FacilityID,
		"cycle_id", created.ID,
		"tools", len(ids),
		"operator", actor.Operator,
	)
	return created, nil
}

// ScanTool adds a tool to bath1 of the active cycle. Scanning a tool that
// is already on the floor is a no-op.
func (o *Orchestrator) ScanTool(ctx context.Context, toolID uuid.UUID) (model.Cycle, error) {
	actor, f, err := o.begin(ctx)
	if err != nil {
		return model.Cycle{}, err
	}

	o.mu.Lock()
	if f.cycle == nil {
		o.mu.Unlock()
		return model.Cycle{}, ErrNoActiveCycle
	}
	cycle := *f.cycle
	_, onFloor := f.locate(toolID)
	o.mu.Unlock()
	if onFloor {
		return cycle, nil
	}

	if err := o.admitTools(ctx, actor, []uuid.UUID{toolID}); err != nil {
		return model.Cycle{}, err
	}

	audit := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, cycle.ID, model.AuditToolAdded, actor.Operator,
		"Tool scanned into bath 1")
	audit.Metadata["tool_id"] = toolID

	updated, err := o.store.AddCycleTool(ctx, actor.FacilityID, cycle.ID, cycle.Version, toolID, audit)
	if err != nil {
		return model.Cycle{}, o.persistFailed(ctx, actor, f, "scan tool", model.PhaseBath1, err)
	}

	o.mu.Lock()
	f.cycle = &updated
	f.place(model.PhaseBath1, []uuid.UUID{toolID})
	o.mu.Unlock()
	return updated, nil
}

// admitTools checks that every tool exists, is free to join a cycle and is
// not blocked by a BI incident.
func (o *Orchestrator) admitTools(ctx context.Context, actor Actor, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tools, err := o.store.GetTools(ctx, actor.FacilityID, ids)
	if err != nil {
		return fmt.Errorf("transition: load tools: %w", err)
	}
	if len(tools) != len(ids) {
		return fmt.Errorf("transition: %d of %d tools: %w", len(ids)-len(tools), len(ids), storage.ErrNotFound)
	}
	for _, t := range tools {
		free := t.Status == model.ToolStatusAvailable || t.Status == model.ToolStatusClean
		if !free || t.CurrentCycleID != nil {
			return fmt.Errorf("%w: %s is %s", ErrToolUnavailable, t.Barcode, t.Status)
		}
	}

	q, err := o.bi.Quarantine(ctx, actor.FacilityID)
	if err != nil {
		return fmt.Errorf("transition: load BI state: %w", err)
	}
	if blocked := q.Affected(ids); len(blocked) > 0 {
		return &QuarantineError{IncidentID: q.Incident.ID, ToolIDs: blocked}
	}
	return nil
}

// StartPhase starts the phase timer. Air dry runs elapsed-only.
func (o *Orchestrator) StartPhase(ctx context.Context, id model.PhaseID) (PhaseView, error) {
	if !id.IsStage() {
		return PhaseView{}, ErrUnknownPhase
	}
	actor, f, err := o.begin(ctx)
	if err != nil {
		return PhaseView{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if f.cycle == nil {
		return PhaseView{}, ErrNoActiveCycle
	}
	p := f.phases[id]
	if len(p.Tools) == 0 {
		return PhaseView{}, ErrPhaseEmpty
	}
	f.timers.Start(id, p.Duration)
	p.Status = model.PhaseStatusActive
	p.IsActive = true

	o.logger.Info("transition: phase started",
		"facility_id", actor.FacilityID,
		"phase", id,
		"tools", len(p.Tools),
		"operator", actor.Operator,
	)
	return f.view(id), nil
}

// PausePhase stops the phase timer, keeping its progress.
func (o *Orchestrator) PausePhase(ctx context.Context, id model.PhaseID) (PhaseView, error) {
	if !id.IsStage() {
		return PhaseView{}, ErrUnknownPhase
	}
	_, f, err := o.begin(ctx)
	if err != nil {
		return PhaseView{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !f.timers.Pause(id) {
		return PhaseView{}, ErrPhaseNotStarted
	}
	p := f.phases[id]
	p.Status = model.PhaseStatusPaused
	p.IsActive = false
	return f.view(id), nil
}

// ResumePhase restarts a paused phase timer.
func (o *Orchestrator) ResumePhase(ctx context.Context, id model.PhaseID) (PhaseView, error) {
	if !id.IsStage() {
		return PhaseView{}, ErrUnknownPhase
	}
	_, f, err := o.begin(ctx)
	if err != nil {
		return PhaseView{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !f.timers.Resume(id) {
		return PhaseView{}, ErrPhaseNotStarted
	}
	p := f.phases[id]
	p.Status = model.PhaseStatusActive
	p.IsActive = true
	return f.view(id), nil
}

// CompletePhase marks the phase completed and stops its timer. Tools stay
// in the phase until MoveToolsToNext.
func (o *Orchestrator) CompletePhase(ctx context.Context, id model.PhaseID) (PhaseView, error) {
	if !id.IsStage() {
		return PhaseView{}, ErrUnknownPhase
	}
	_, f, err := o.begin(ctx)
	if err != nil {
		return PhaseView{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f.timers.Pause(id)
	p := f.phases[id]
	p.Status = model.PhaseStatusCompleted
	p.IsActive = false
	return f.view(id), nil
}

// FailPhase marks every tool in the phase failed and removes it from the
// cycle. The cycle fails when no tools remain on the floor.
func (o *Orchestrator) FailPhase(ctx context.Context, id model.PhaseID, reason string) (Result, error) {
	if !id.IsStage() {
		return Result{}, ErrUnknownPhase
	}
	actor, f, err := o.begin(ctx)
	if err != nil {
		return Result{}, err
	}

	o.mu.Lock()
	if f.cycle == nil {
		o.mu.Unlock()
		return Result{}, ErrNoActiveCycle
	}
	if f.pending[id] != nil {
		o.mu.Unlock()
		return Result{}, ErrGatePending
	}
	if f.inflight[id] {
		o.mu.Unlock()
		return Result{}, ErrTransitionInProgress
	}
	ids := slices.Clone(f.phases[id].Tools)
	if len(ids) == 0 {
		f.timers.Pause(id)
		f.phases[id].Status = model.PhaseStatusFailed
		f.phases[id].IsActive = false
		o.mu.Unlock()
		return Result{Outcome: OutcomeNoop, From: id}, nil
	}
	cycle := *f.cycle
	others := f.toolCount() - len(ids)
	f.inflight[id] = true
	o.mu.Unlock()
	defer o.release(f, id)

	now := o.now()
	tr := model.Transition{
		FacilityID:      actor.FacilityID,
		CycleID:         cycle.ID,
		ExpectedVersion: cycle.Version,
		Tools: []model.ToolUpdate{{
			ToolIDs:    ids,
			Status:     model.ToolStatusFailed,
			Phase:      id,
			ClearCycle: true,
		}},
	}
	audit := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, cycle.ID, model.AuditPhaseFailed, actor.Operator,
		fmt.Sprintf("%s failed with %d tools: %s", id.Name(), len(ids), reason))
	audit.Metadata["tool_ids"] = ids
	audit.Metadata["reason"] = reason
	tr.Audit = append(tr.Audit, audit)
	if others == 0 {
		tr.Cycle = &model.CycleUpdate{Phase: cycle.Phase, Status: model.CycleStatusFailed, CompletedAt: &now}
	}

	updated, err := o.store.ApplyTransition(ctx, tr)
	if err != nil {
		return Result{}, o.persistFailed(ctx, actor, f, "fail "+string(id), id, err)
	}

	o.mu.Lock()
	f.remove(id, ids)
	if tr.Closes() {
		f.closeCycle()
	} else {
		f.cycle = &updated
	}
	f.timers.Pause(id)
	f.phases[id].Status = model.PhaseStatusFailed
	f.phases[id].IsActive = false
	o.mu.Unlock()

	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(id)),
		attribute.String("outcome", string(OutcomeFailed)),
	))
	o.logger.Warn("transition: phase failed",
		"facility_id", actor.FacilityID,
		"cycle_id", cycle.ID,
		"phase", id,
		"tools", len(ids),
		"reason", reason,
		"operator", actor.Operator,
	)
	return Result{Outcome: OutcomeFailed, From: id, Cycle: &updated}, nil
}

// ResetPhase clears a phase: its tools return to inventory and its timer is
// zeroed. It is rejected while a CI confirmation is pending; cancel the
// confirmation first.
func (o *Orchestrator) ResetPhase(ctx context.Context, id model.PhaseID) (Result, error) {
	if !id.IsStage() {
		return Result{}, ErrUnknownPhase
	}
	actor, f, err := o.begin(ctx)
	if err != nil {
		return Result{}, err
	}

	o.mu.Lock()
	if f.pending[id] != nil {
		o.mu.Unlock()
		return Result{}, ErrGatePending
	}
	if f.inflight[id] {
		o.mu.Unlock()
		return Result{}, ErrTransitionInProgress
	}
	ids := slices.Clone(f.phases[id].Tools)
	if f.cycle == nil || len(ids) == 0 {
		f.resetPhase(id)
		o.mu.Unlock()
		return Result{Outcome: OutcomeReset, From: id}, nil
	}
	cycle := *f.cycle
	others := f.toolCount() - len(ids)
	f.inflight[id] = true
	o.mu.Unlock()
	defer o.release(f, id)

	now := o.now()
	tr := model.Transition{
		FacilityID:      actor.FacilityID,
		CycleID:         cycle.ID,
		ExpectedVersion: cycle.Version,
		Tools: []model.ToolUpdate{{
			ToolIDs:    ids,
			Status:     model.ToolStatusAvailable,
			ClearCycle: true,
		}},
	}
	audit := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, cycle.ID, model.AuditPhaseReset, actor.Operator,
		fmt.Sprintf("%s reset; %d tools returned to inventory", id.Name(), len(ids)))
	audit.Metadata["tool_ids"] = ids
	tr.Audit = append(tr.Audit, audit)
	if others == 0 {
		tr.Cycle = &model.CycleUpdate{Phase: cycle.Phase, Status: model.CycleStatusFailed, CompletedAt: &now}
	}

	updated, err := o.store.ApplyTransition(ctx, tr)
	if err != nil {
		return Result{}, o.persistFailed(ctx, actor, f, "reset "+string(id), id, err)
	}

	o.mu.Lock()
	f.remove(id, ids)
	f.resetPhase(id)
	if tr.Closes() {
		f.closeCycle()
	} else {
		f.cycle = &updated
	}
	o.mu.Unlock()

	o.logger.Info("transition: phase reset",
		"facility_id", actor.FacilityID,
		"phase", id,
		"tools", len(ids),
		"operator", actor.Operator,
	)
	return Result{Outcome: OutcomeReset, From: id, Cycle: &updated}, nil
}

// Tick advances every facility's timers by dt and raises an alert for
// each bath that crossed into over-exposure. It never waits on I/O:
// alerts are delivered from a separate goroutine.
func (o *Orchestrator) Tick(dt time.Duration) {
	o.mu.Lock()
	floors := make([]*floor, 0, len(o.floors))
	for _, f := range o.floors {
		floors = append(floors, f)
	}
	o.mu.Unlock()

	var alerts []model.Notification
	for _, f := range floors {
		for _, id := range f.timers.Advance(dt) {
			snap, _ := f.timers.Snapshot(id)
			o.overexposures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("phase", string(id))))
			o.logger.Warn("transition: bath over-exposed",
				"facility_id", f.facilityID,
				"phase", id,
				"elapsed", snap.Elapsed,
				"duration", snap.Duration,
			)
			alerts = append(alerts, model.Notification{
				Kind:       model.NotifyOverexposure,
				Level:      model.LevelWarning,
				FacilityID: f.facilityID,
				PhaseID:    id,
				Message:    fmt.Sprintf("%s has exceeded its %s exposure time", id.Name(), phase.FormatClock(snap.Duration)),
				Timestamp:  o.now(),
			})
		}
	}
	if len(alerts) > 0 {
		go o.dispatch(alerts)
	}
}

func (o *Orchestrator) dispatch(alerts []model.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, n := range alerts {
		o.notifier.Notify(ctx, n)
	}
}

// RunningTimers counts running timers across all loaded floors.
func (o *Orchestrator) RunningTimers() int {
	o.mu.Lock()
	floors := make([]*floor, 0, len(o.floors))
	for _, f := range o.floors {
		floors = append(floors, f)
	}
	o.mu.Unlock()
	n := 0
	for _, f := range floors {
		n += f.timers.Running()
	}
	return n
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
