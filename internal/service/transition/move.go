package transition

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/model"
)

// next returns the stage non-P2 tools enter after leaving id.
func next(id model.PhaseID) model.PhaseID {
	switch id {
	case model.PhaseBath1:
		return model.PhaseBath2
	case model.PhaseBath2:
		return model.PhaseAirDry
	case model.PhaseAirDry:
		return model.PhaseAutoclave
	case model.PhaseAutoclave:
		return model.PhaseComplete
	}
	return model.PhaseComplete
}

// selection is the routing of one phase's tools for a single transition.
type selection struct {
	advance  []uuid.UUID // on to next(from)
	exit     []uuid.UUID // out of the pipeline, clean
	leftover []uuid.UUID // stay put (integrity problems)
	dropped  []uuid.UUID // unknown to the store
	warnings []string
}

func (s selection) empty() bool {
	return len(s.advance) == 0 && len(s.exit) == 0
}

// gated returns the tool set handed to the confirmation workflow.
func (s selection) gated() []uuid.UUID {
	return append(slices.Clone(s.advance), s.exit...)
}

// route splits the phase's tools for the edge leaving from. bath1 moves
// unconditionally. Later edges read the tools to route on the P2 flag:
// after bath2 P2 tools exit, and P2 tools found at air dry or autoclave are
// integrity problems that stay where they are.
func (o *Orchestrator) route(ctx context.Context, actor Actor, from model.PhaseID, ids []uuid.UUID) (selection, error) {
	if from == model.PhaseBath1 {
		return selection{advance: ids}, nil
	}

	tools, err := o.store.GetTools(ctx, actor.FacilityID, ids)
	if err != nil {
		return selection{}, fmt.Errorf("transition: load tools: %w", err)
	}
	byID := make(map[uuid.UUID]model.Tool, len(tools))
	for _, t := range tools {
		byID[t.ID] = t
	}

	var sel selection
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			sel.dropped = append(sel.dropped, id)
			sel.warnings = append(sel.warnings, fmt.Sprintf("tool %s is on the %s floor but not in inventory; removed", id, from.Name()))
			continue
		}
		switch {
		case from == model.PhaseBath2 && t.IsP2Tool:
			sel.exit = append(sel.exit, id)
		case t.IsP2Tool:
			sel.leftover = append(sel.leftover, id)
			sel.warnings = append(sel.warnings, fmt.Sprintf("P2 tool %s (%s) found in %s; P2 tools must not pass bath 2", t.Barcode, id, from.Name()))
		case from == model.PhaseAutoclave:
			sel.exit = append(sel.exit, id)
		default:
			sel.advance = append(sel.advance, id)
		}
	}
	return sel, nil
}

// build turns a selection into the atomic write for the edge leaving from.
// others is the number of tools on the floor outside the source phase; the
// cycle completes when nothing would remain anywhere.
func (o *Orchestrator) build(actor Actor, cycle model.Cycle, from model.PhaseID, sel selection, others int) model.Transition {
	to := next(from)
	now := o.now()
	tr := model.Transition{
		FacilityID:      actor.FacilityID,
		CycleID:         cycle.ID,
		ExpectedVersion: cycle.Version,
	}
	audit := func(action model.AuditAction, details string, ids []uuid.UUID) {
		e := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, cycle.ID, action, actor.Operator, details)
		e.Timestamp = now
		e.Metadata["from"] = from
		e.Metadata["tool_ids"] = ids
		tr.Audit = append(tr.Audit, e)
	}

	if len(sel.exit) > 0 {
		tr.Tools = append(tr.Tools, model.ToolUpdate{
			ToolIDs:    sel.exit,
			Status:     model.ToolStatusClean,
			Phase:      model.PhaseComplete,
			ClearCycle: true,
		})
		if from == model.PhaseBath2 {
			audit(model.AuditP2ToolCompletion,
				fmt.Sprintf("%d P2 tools completed after bath 2", len(sel.exit)), sel.exit)
		}
	}

	if len(sel.advance) > 0 {
		tr.Tools = append(tr.Tools, model.ToolUpdate{
			ToolIDs: sel.advance,
			Status:  model.ToolStatusForPhase(to),
			Phase:   to,
		})
		tr.Cycle = &model.CycleUpdate{Phase: to, Status: model.CycleStatusActive}
		audit(model.AuditPhaseTransition,
			fmt.Sprintf("Moved %d tools from %s to %s", len(sel.advance), from.Name(), to.Name()), sel.advance)
		return tr
	}

	if len(sel.exit) > 0 && others == 0 && len(sel.leftover) == 0 {
		tr.Cycle = &model.CycleUpdate{Phase: model.PhaseComplete, Status: model.CycleStatusCompleted, CompletedAt: &now}
		audit(model.AuditCycleCompletion,
			fmt.Sprintf("Cycle completed after %s with %d tools", from.Name(), len(sel.exit)), sel.exit)
		return tr
	}

	if from == model.PhaseAutoclave && len(sel.exit) > 0 {
		audit(model.AuditPhaseTransition,
			fmt.Sprintf("%d tools completed autoclave", len(sel.exit)), sel.exit)
	}
	return tr
}

// checkQuarantine enforces the BI incident: tools from affected batches
// never move, and with EnforceBI the autoclave edges are closed for the
// whole facility.
func (o *Orchestrator) checkQuarantine(ctx context.Context, actor Actor, from model.PhaseID, gate compliance.Gate, ids []uuid.UUID) error {
	q, err := o.bi.Quarantine(ctx, actor.FacilityID)
	if err != nil {
		return fmt.Errorf("transition: load BI state: %w", err)
	}
	if !q.Active {
		return nil
	}
	if gate.EnforceBI() && (from == model.PhaseAirDry || from == model.PhaseAutoclave) {
		o.logger.Warn("transition: autoclave edge blocked by BI incident",
			"facility_id", actor.FacilityID, "phase", from, "incident_id", q.Incident.ID)
		return &QuarantineError{IncidentID: q.Incident.ID, FacilityWide: true}
	}
	if blocked := q.Affected(ids); len(blocked) > 0 {
		o.logger.Warn("transition: quarantined tools blocked",
			"facility_id", actor.FacilityID, "phase", from, "incident_id", q.Incident.ID, "tools", len(blocked))
		return &QuarantineError{IncidentID: q.Incident.ID, ToolIDs: blocked}
	}
	return nil
}

// MoveToolsToNext advances every tool in the phase along its route. The
// autoclave edges halt at the CI gate when the facility enforces it; the
// halted tool set is kept and persisted unchanged by ConfirmGate.
func (o *Orchestrator) MoveToolsToNext(ctx context.Context, from model.PhaseID, opts MoveOptions) (Result, error) {
	if !from.IsStage() {
		return Result{}, ErrUnknownPhase
	}
	ctx, span := o.tracer.Start(ctx, "transition.move",
		trace.WithAttributes(attribute.String("sterilis.phase", string(from))))
	defer span.End()
	start := time.Now()

	actor, f, err := o.begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	// 1. Claim the phase. No cycle or no tools is a no-op.
	o.mu.Lock()
	if f.cycle == nil {
		o.mu.Unlock()
		return Result{Outcome: OutcomeNoop, From: from}, nil
	}
	if f.pending[from] != nil {
		o.mu.Unlock()
		return Result{}, ErrGatePending
	}
	if f.inflight[from] {
		o.mu.Unlock()
		return Result{}, ErrTransitionInProgress
	}
	ids := slices.Clone(f.phases[from].Tools)
	if len(ids) == 0 {
		o.mu.Unlock()
		return Result{Outcome: OutcomeNoop, From: from}, nil
	}
	cycle := *f.cycle
	others := f.toolCount() - len(ids)
	f.inflight[from] = true
	o.mu.Unlock()
	defer o.release(f, from)

	// 2. Compliance: settings, then BI incident.
	gate, err := o.policies.Gate(ctx, actor.FacilityID)
	if err != nil {
		return Result{}, fmt.Errorf("transition: load compliance settings: %w", err)
	}
	if err := o.checkQuarantine(ctx, actor, from, gate, ids); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	// 3. Route tools.
	sel, err := o.route(ctx, actor, from, ids)
	if err != nil {
		return Result{}, err
	}
	o.warn(ctx, actor, from, sel.warnings)
	if sel.empty() {
		return Result{Outcome: OutcomeNoop, From: from, Warnings: sel.warnings}, nil
	}

	// 4. CI gate.
	tr := o.build(actor, cycle, from, sel, others)
	if gate.ShouldGateTransition(from) {
		if !opts.Override {
			return o.halt(ctx, actor, f, cycle, from, sel)
		}
		if !gate.CanOverride() {
			return Result{}, ErrOverrideNotAllowed
		}
		e := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, cycle.ID, model.AuditCIOverride, actor.Operator,
			fmt.Sprintf("CI confirmation overridden leaving %s: %s", from.Name(), opts.Reason))
		e.Metadata["tool_ids"] = sel.gated()
		tr.Audit = append(tr.Audit, e)
	}

	// 5. Persist, then update the floor.
	res, err := o.apply(ctx, actor, f, from, sel, tr)
	o.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("from", string(from))))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// halt stores the pending gate and asks for confirmation. Nothing about
// the tools or cycle is written until ConfirmGate.
func (o *Orchestrator) halt(ctx context.Context, actor Actor, f *floor, cycle model.Cycle, from model.PhaseID, sel selection) (Result, error) {
	ids := sel.gated()
	audit := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, cycle.ID, model.AuditCIConfirmationRequested, actor.Operator,
		fmt.Sprintf("CI confirmation requested for %d tools leaving %s", len(ids), from.Name()))
	audit.Timestamp = o.now()
	audit.Metadata["from"] = from
	audit.Metadata["tool_ids"] = ids
	audit.Metadata["advance"] = sel.advance
	audit.Metadata["exit"] = sel.exit
	audit.Metadata["leftover"] = sel.leftover
	if err := o.store.InsertAuditEvent(ctx, audit); err != nil {
		return Result{}, o.persistFailed(ctx, actor, f, "request CI confirmation", from, err)
	}

	o.mu.Lock()
	f.pending[from] = &pendingGate{
		cycleID:     cycle.ID,
		sel:         sel,
		requestedBy: actor.Operator,
		requestedAt: audit.Timestamp,
	}
	o.mu.Unlock()

	res := Result{Outcome: OutcomeGatePending, From: from, To: next(from), Cycle: &cycle, Warnings: sel.warnings}
	err := o.requester.RequestConfirmation(ctx, ConfirmationRequest{
		CycleID:    cycle.ID,
		FacilityID: actor.FacilityID,
		Phase:      from,
		ToolIDs:    ids,
	})
	if err != nil {
		o.logger.Error("transition: confirmation request not delivered",
			"facility_id", actor.FacilityID, "phase", from, "error", err)
		res.Warnings = append(res.Warnings, "confirmation request could not be delivered; cancel and retry")
	}

	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("outcome", string(OutcomeGatePending)),
	))
	o.logger.Info("transition: halted at CI gate",
		"facility_id", actor.FacilityID,
		"cycle_id", cycle.ID,
		"phase", from,
		"tools", len(ids),
		"operator", actor.Operator,
	)
	return res, nil
}

// apply writes the transition and, only after it commits, moves the tools
// on the floor and resets the source phase.
func (o *Orchestrator) apply(ctx context.Context, actor Actor, f *floor, from model.PhaseID, sel selection, tr model.Transition) (Result, error) {
	updated, err := o.store.ApplyTransition(ctx, tr)
	if err != nil {
		return Result{}, o.persistFailed(ctx, actor, f, "move tools from "+string(from), from, err)
	}
	to := next(from)

	o.mu.Lock()
	f.remove(from, sel.advance)
	f.remove(from, sel.exit)
	f.remove(from, sel.dropped)
	f.resetPhase(from)
	if to.IsStage() {
		f.place(to, sel.advance)
	}
	closes := tr.Closes()
	if closes {
		f.closeCycle()
	} else {
		f.cycle = &updated
	}
	o.mu.Unlock()

	outcome := OutcomeAdvanced
	if closes {
		outcome = OutcomeCycleCompleted
	}
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("outcome", string(outcome)),
	))
	o.logger.Info("transition: tools moved",
		"facility_id", actor.FacilityID,
		"cycle_id", updated.ID,
		"from", from,
		"to", to,
		"moved", len(sel.advance),
		"completed", len(sel.exit),
		"cycle_version", updated.Version,
		"operator", actor.Operator,
	)

	n := model.Notification{
		Kind:       model.NotifyPhaseTransition,
		Level:      model.LevelInfo,
		FacilityID: actor.FacilityID,
		PhaseID:    from,
		CycleID:    &updated.ID,
		ToolIDs:    sel.gated(),
		Message:    fmt.Sprintf("%d tools moved on from %s", len(sel.advance)+len(sel.exit), from.Name()),
		Timestamp:  o.now(),
	}
	if closes {
		n.Kind = model.NotifyCycleCompleted
		n.Message = "Sterilization cycle completed"
	}
	o.notifier.Notify(ctx, n)

	return Result{
		Outcome:   outcome,
		From:      from,
		To:        to,
		Moved:     sel.advance,
		Completed: sel.exit,
		Cycle:     &updated,
		Warnings:  sel.warnings,
	}, nil
}

func (o *Orchestrator) warn(ctx context.Context, actor Actor, from model.PhaseID, warnings []string) {
	for _, w := range warnings {
		o.logger.Warn("transition: data integrity", "facility_id", actor.FacilityID, "phase", from, "warning", w)
		o.notifier.Notify(ctx, model.Notification{
			Kind:       model.NotifyIntegrityWarning,
			Level:      model.LevelWarning,
			FacilityID: actor.FacilityID,
			PhaseID:    from,
			Message:    w,
			Timestamp:  o.now(),
		})
	}
}

// ConfirmGate completes a halted transition with the tool set recorded
// when it halted. A second confirmation returns ErrNoPendingGate.
func (o *Orchestrator) ConfirmGate(ctx context.Context, from model.PhaseID) (Result, error) {
	if !from.IsStage() {
		return Result{}, ErrUnknownPhase
	}
	ctx, span := o.tracer.Start(ctx, "transition.confirm",
		trace.WithAttributes(attribute.String("sterilis.phase", string(from))))
	defer span.End()

	actor, f, err := o.begin(ctx)
	if err != nil {
		return Result{}, err
	}

	o.mu.Lock()
	pg := f.pending[from]
	if pg == nil {
		o.mu.Unlock()
		return Result{}, ErrNoPendingGate
	}
	if f.inflight[from] {
		o.mu.Unlock()
		return Result{}, ErrTransitionInProgress
	}
	if f.cycle == nil || f.cycle.ID != pg.cycleID {
		delete(f.pending, from)
		o.mu.Unlock()
		return Result{}, ErrNoPendingGate
	}
	cycle := *f.cycle
	others := f.toolCount() - len(f.phases[from].Tools)
	f.inflight[from] = true
	o.mu.Unlock()
	defer o.release(f, from)

	gate, err := o.policies.Gate(ctx, actor.FacilityID)
	if err != nil {
		return Result{}, fmt.Errorf("transition: load compliance settings: %w", err)
	}
	if err := o.checkQuarantine(ctx, actor, from, gate, pg.sel.gated()); err != nil {
		return Result{}, err
	}

	// Tools that joined the phase after the halt stay behind.
	sel := pg.sel
	o.mu.Lock()
	for _, t := range f.phases[from].Tools {
		if !slices.Contains(sel.advance, t) && !slices.Contains(sel.exit, t) && !slices.Contains(sel.leftover, t) {
			others++
		}
	}
	o.mu.Unlock()

	tr := o.build(actor, cycle, from, sel, others)
	res, err := o.apply(ctx, actor, f, from, sel, tr)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	o.mu.Lock()
	delete(f.pending, from)
	o.mu.Unlock()

	o.logger.Info("transition: CI confirmation completed",
		"facility_id", actor.FacilityID,
		"phase", from,
		"requested_by", pg.requestedBy,
		"confirmed_by", actor.Operator,
		"waited", o.now().Sub(pg.requestedAt),
	)
	return res, nil
}

// CancelGate abandons a halted transition. Tools stay in the phase.
func (o *Orchestrator) CancelGate(ctx context.Context, from model.PhaseID) error {
	if !from.IsStage() {
		return ErrUnknownPhase
	}
	actor, f, err := o.begin(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	pg := f.pending[from]
	if pg == nil {
		o.mu.Unlock()
		return ErrNoPendingGate
	}
	if f.inflight[from] {
		o.mu.Unlock()
		return ErrTransitionInProgress
	}
	f.inflight[from] = true
	o.mu.Unlock()
	defer o.release(f, from)

	ids := pg.sel.gated()
	audit := model.NewAuditEvent(actor.FacilityID, model.AuditOwnerCycle, pg.cycleID, model.AuditCIConfirmationCancelled, actor.Operator,
		fmt.Sprintf("CI confirmation cancelled for %d tools in %s", len(ids), from.Name()))
	audit.Timestamp = o.now()
	audit.Metadata["from"] = from
	audit.Metadata["tool_ids"] = ids
	if err := o.store.InsertAuditEvent(ctx, audit); err != nil {
		return o.persistFailed(ctx, actor, f, "cancel CI confirmation", from, err)
	}

	o.mu.Lock()
	delete(f.pending, from)
	o.mu.Unlock()

	o.logger.Info("transition: CI confirmation cancelled",
		"facility_id", actor.FacilityID, "phase", from, "operator", actor.Operator)
	return nil
}
