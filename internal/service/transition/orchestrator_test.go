package transition_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/phase"
	"github.com/ashita-ai/sterilis/internal/service/transition"
	"github.com/ashita-ai/sterilis/internal/storage"
)

func noCI(s *model.ComplianceSettings) { s.EnforceCI = false }

func TestNewRejectsInvalidDurations(t *testing.T) {
	d := phase.DefaultDurations
	d.Bath1 = 0
	_, err := transition.New(transition.Deps{Durations: d, Logger: testLogger()})
	var cfgErr *phase.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, model.PhaseBath1, cfgErr.Phase)
}

func TestMoveWithoutCycleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	res := h.move(model.PhaseBath1)
	assert.Equal(t, transition.OutcomeNoop, res.Outcome)
	assert.Zero(t, h.store.applyCount())
}

func TestBath1ToBath2(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(false, false)
	assert.Equal(t, ids, h.phaseTools(model.PhaseBath1))

	res := h.move(model.PhaseBath1)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, model.PhaseBath2, res.To)
	assert.Equal(t, ids, res.Moved)

	assert.Empty(t, h.phaseTools(model.PhaseBath1))
	assert.Equal(t, ids, h.phaseTools(model.PhaseBath2), "tool order is preserved")
	for _, id := range ids {
		assert.Equal(t, model.ToolStatusBath2, h.store.tool(id).Status)
	}
	stored := h.store.cycle(c.ID)
	assert.Equal(t, model.PhaseBath2, stored.Phase)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, []model.AuditAction{model.AuditCycleStarted, model.AuditPhaseTransition}, h.store.actions())
}

func TestBath2SplitsP2Tools(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(true, false, true)
	a, b, cc := ids[0], ids[1], ids[2]
	h.move(model.PhaseBath1)

	res := h.move(model.PhaseBath2)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, []uuid.UUID{a, cc}, res.Completed)
	assert.Equal(t, []uuid.UUID{b}, res.Moved)

	for _, id := range []uuid.UUID{a, cc} {
		tool := h.store.tool(id)
		assert.Equal(t, model.ToolStatusClean, tool.Status)
		assert.Equal(t, model.PhaseComplete, tool.CurrentPhase)
		assert.Nil(t, tool.CurrentCycleID, "P2 tools leave the cycle")
	}
	assert.Equal(t, model.ToolStatusAirDry, h.store.tool(b).Status)
	assert.Equal(t, []uuid.UUID{b}, h.phaseTools(model.PhaseAirDry))
	assert.Empty(t, h.phaseTools(model.PhaseAutoclave))
	assert.Empty(t, h.phaseTools(model.PhaseBath2))

	stored := h.store.cycle(c.ID)
	assert.Equal(t, model.PhaseAirDry, stored.Phase)
	assert.Equal(t, model.CycleStatusActive, stored.Status)
	actions := h.store.actions()
	assert.True(t, containsAction(actions, model.AuditP2ToolCompletion))
	h.assertSinglePlacement()
}

func TestAllP2CompletesCycleAfterBath2(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(true, true)
	h.move(model.PhaseBath1)

	res := h.move(model.PhaseBath2)
	assert.Equal(t, transition.OutcomeCycleCompleted, res.Outcome)
	assert.Equal(t, ids, res.Completed)
	assert.Empty(t, res.Moved)

	stored := h.store.cycle(c.ID)
	assert.Equal(t, model.PhaseComplete, stored.Phase)
	assert.Equal(t, model.CycleStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, containsAction(h.store.actions(), model.AuditCycleCompletion))

	v, err := h.orch.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v.Cycle)
	assert.Empty(t, h.phaseTools(model.PhaseAirDry), "air dry is never populated")
}

func TestCIGateHaltsUntilConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	versionBefore := h.store.cycle(c.ID).Version

	res := h.move(model.PhaseAirDry)
	assert.Equal(t, transition.OutcomeGatePending, res.Outcome)
	assert.Equal(t, model.PhaseAirDry, h.store.cycle(c.ID).Phase, "nothing persisted while halted")
	assert.Equal(t, versionBefore, h.store.cycle(c.ID).Version)
	assert.Equal(t, model.ToolStatusAirDry, h.store.tool(ids[0]).Status)
	assert.Equal(t, ids, h.phaseTools(model.PhaseAirDry))

	require.Len(t, h.requester.requests, 1)
	req := h.requester.requests[0]
	assert.Equal(t, c.ID, req.CycleID)
	assert.Equal(t, h.facility, req.FacilityID)
	assert.Equal(t, ids, req.ToolIDs)
	assert.True(t, containsAction(h.store.actions(), model.AuditCIConfirmationRequested))

	_, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseAirDry, transition.MoveOptions{})
	assert.ErrorIs(t, err, transition.ErrGatePending)

	confirmed, err := h.orch.ConfirmGate(context.Background(), model.PhaseAirDry)
	require.NoError(t, err)
	assert.Equal(t, transition.OutcomeAdvanced, confirmed.Outcome)
	assert.Equal(t, model.PhaseAutoclave, h.store.cycle(c.ID).Phase)
	assert.Equal(t, model.ToolStatusAutoclave, h.store.tool(ids[0]).Status)
	assert.Equal(t, ids, h.phaseTools(model.PhaseAutoclave))

	_, err = h.orch.ConfirmGate(context.Background(), model.PhaseAirDry)
	assert.ErrorIs(t, err, transition.ErrNoPendingGate, "a second confirmation does nothing")
}

func TestCIGateDisabledPersistsImmediately(t *testing.T) {
	h := newHarness(t, noCI)
	c, ids := h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)

	res := h.move(model.PhaseAirDry)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, model.PhaseAutoclave, h.store.cycle(c.ID).Phase)
	assert.Empty(t, h.requester.requests)

	res = h.move(model.PhaseAutoclave)
	assert.Equal(t, transition.OutcomeCycleCompleted, res.Outcome)
	stored := h.store.cycle(c.ID)
	assert.Equal(t, model.CycleStatusCompleted, stored.Status)
	assert.Equal(t, model.PhaseComplete, stored.Phase)
	tool := h.store.tool(ids[0])
	assert.Equal(t, model.ToolStatusClean, tool.Status)
	assert.Nil(t, tool.CurrentCycleID, "completed tools return to inventory")
}

func TestAutoclaveCompletionIsGated(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	h.move(model.PhaseAirDry)
	_, err := h.orch.ConfirmGate(context.Background(), model.PhaseAirDry)
	require.NoError(t, err)

	res := h.move(model.PhaseAutoclave)
	assert.Equal(t, transition.OutcomeGatePending, res.Outcome)
	assert.Equal(t, model.CycleStatusActive, h.store.cycle(c.ID).Status)

	res, err = h.orch.ConfirmGate(context.Background(), model.PhaseAutoclave)
	require.NoError(t, err)
	assert.Equal(t, transition.OutcomeCycleCompleted, res.Outcome)
	assert.Equal(t, model.CycleStatusCompleted, h.store.cycle(c.ID).Status)
}

func TestConfirmUsesHaltedToolSet(t *testing.T) {
	h := newHarness(t, nil)
	_, ids := h.startCycle(false)
	first := ids[0]
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	h.move(model.PhaseAirDry)

	// A second tool reaches air dry while the first set awaits confirmation.
	late := h.store.addTool(h.facility, "LATE", false)
	_, err := h.orch.ScanTool(context.Background(), late)
	require.NoError(t, err)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	assert.ElementsMatch(t, []uuid.UUID{first, late}, h.phaseTools(model.PhaseAirDry))

	res, err := h.orch.ConfirmGate(context.Background(), model.PhaseAirDry)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first}, res.Moved)
	assert.Equal(t, []uuid.UUID{late}, h.phaseTools(model.PhaseAirDry))
	assert.Equal(t, []uuid.UUID{first}, h.phaseTools(model.PhaseAutoclave))
	assert.Equal(t, model.ToolStatusAirDry, h.store.tool(late).Status)
	h.assertSinglePlacement()
}

func TestResetRejectedWhileGatePending(t *testing.T) {
	h := newHarness(t, nil)
	_, ids := h.startCycle(false, false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	h.move(model.PhaseAirDry)

	_, err := h.orch.ResetPhase(context.Background(), model.PhaseAirDry)
	assert.ErrorIs(t, err, transition.ErrGatePending)
	assert.Equal(t, ids, h.phaseTools(model.PhaseAirDry))

	require.NoError(t, h.orch.CancelGate(context.Background(), model.PhaseAirDry))
	assert.True(t, containsAction(h.store.actions(), model.AuditCIConfirmationCancelled))
	assert.ErrorIs(t, h.orch.CancelGate(context.Background(), model.PhaseAirDry), transition.ErrNoPendingGate)

	res, err := h.orch.ResetPhase(context.Background(), model.PhaseAirDry)
	require.NoError(t, err)
	assert.Equal(t, transition.OutcomeReset, res.Outcome)
	assert.Empty(t, h.phaseTools(model.PhaseAirDry))
	for _, id := range ids {
		tool := h.store.tool(id)
		assert.Equal(t, model.ToolStatusAvailable, tool.Status)
		assert.Nil(t, tool.CurrentCycleID)
	}
	assert.Equal(t, model.CycleStatusFailed, h.store.cycle(res.Cycle.ID).Status, "an emptied floor closes the cycle")
}

func TestCancelGateAuditFailureKeepsPending(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	h.move(model.PhaseAirDry)

	h.store.failAudit = errDBDown
	var pErr *transition.PersistenceError
	require.ErrorAs(t, h.orch.CancelGate(context.Background(), model.PhaseAirDry), &pErr)

	view, err := h.orch.Phase(context.Background(), model.PhaseAirDry)
	require.NoError(t, err)
	assert.NotNil(t, view.Pending)
}

func TestConcurrentMoveOnSamePhaseIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(false)
	h.store.applyGate = make(chan struct{})
	h.store.applyHit = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseBath1, transition.MoveOptions{})
		done <- err
	}()
	<-h.store.applyHit

	_, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseBath1, transition.MoveOptions{})
	assert.ErrorIs(t, err, transition.ErrTransitionInProgress)
	_, err = h.orch.ResetPhase(context.Background(), model.PhaseBath1)
	assert.ErrorIs(t, err, transition.ErrTransitionInProgress)

	close(h.store.applyGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.store.applyCount())
}

func TestResolverFailureAbortsBeforePersistence(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(false)
	h.resolver.err = errors.New("token expired")

	_, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseBath1, transition.MoveOptions{})
	assert.ErrorIs(t, err, transition.ErrFacilityUnresolved)
	assert.Zero(t, h.store.applyCount())

	h.resolver.err = nil
	h.resolver.actor.FacilityID = uuid.Nil
	_, err = h.orch.MoveToolsToNext(context.Background(), model.PhaseBath1, transition.MoveOptions{})
	assert.ErrorIs(t, err, transition.ErrFacilityUnresolved, "no default facility")
}

func TestPersistenceFailureLeavesFloorUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(false, false)
	h.store.failApply = errDBDown

	_, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseBath1, transition.MoveOptions{})
	var pErr *transition.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.ErrorIs(t, err, errDBDown)

	assert.Equal(t, ids, h.phaseTools(model.PhaseBath1))
	assert.Empty(t, h.phaseTools(model.PhaseBath2))
	assert.Equal(t, model.PhaseBath1, h.store.cycle(c.ID).Phase)
	assert.Contains(t, h.notifier.kinds(), model.NotifyPersistenceFailed)

	h.store.failApply = nil
	res := h.move(model.PhaseBath1)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
}

func TestVersionConflictRefreshesCycle(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.startCycle(false)

	// Another writer bumps the version behind the orchestrator's back.
	h.store.mu.Lock()
	stale := h.store.cycles[c.ID]
	stale.Version += 5
	h.store.cycles[c.ID] = stale
	h.store.mu.Unlock()

	_, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseBath1, transition.MoveOptions{})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	res := h.move(model.PhaseBath1)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
}

func TestP2ToolPastBath2IsAnIntegrityWarning(t *testing.T) {
	h := newHarness(t, noCI)
	_, ids := h.startCycle(false, false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)

	// Classification corrected upstream after the tool already reached air dry.
	h.store.mu.Lock()
	bad := h.store.tools[ids[1]]
	bad.IsP2Tool = true
	h.store.tools[ids[1]] = bad
	h.store.mu.Unlock()

	res := h.move(model.PhaseAirDry)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, []uuid.UUID{ids[0]}, res.Moved)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "P2 tool")
	assert.Equal(t, []uuid.UUID{ids[1]}, h.phaseTools(model.PhaseAirDry), "P2 tool stays put")
	assert.Contains(t, h.notifier.kinds(), model.NotifyIntegrityWarning)
	h.assertSinglePlacement()
}

func TestOverrideRequiresFacilityPermission(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)

	_, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseAirDry, transition.MoveOptions{Override: true})
	assert.ErrorIs(t, err, transition.ErrOverrideNotAllowed)

	h.policy.settings.AllowOverrides = true
	res, err := h.orch.MoveToolsToNext(context.Background(), model.PhaseAirDry, transition.MoveOptions{Override: true, Reason: "indicator verified on paper"})
	require.NoError(t, err)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, model.PhaseAutoclave, h.store.cycle(c.ID).Phase)
	assert.True(t, containsAction(h.store.actions(), model.AuditCIOverride))
	assert.Empty(t, h.requester.requests)
}

func TestBIIncidentBlocksAffectedTools(t *testing.T) {
	h := newHarness(t, nil)
	_, ids := h.startCycle(false, false)
	batch := uuid.New()
	h.store.batches[batch] = []uuid.UUID{ids[1]}

	_, err := h.incidents.Activate(context.Background(), h.facility, compliance.ActivateInput{
		AffectedToolsCount: 1, AffectedBatchIDs: []uuid.UUID{batch}, Operator: "sup",
	})
	require.NoError(t, err)

	_, err = h.orch.MoveToolsToNext(context.Background(), model.PhaseBath1, transition.MoveOptions{})
	require.ErrorIs(t, err, transition.ErrQuarantined)
	var qErr *transition.QuarantineError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, []uuid.UUID{ids[1]}, qErr.ToolIDs)
	assert.Zero(t, h.store.applyCount())
}

func TestBIEnforcementBlocksAutoclaveEdgesFacilityWide(t *testing.T) {
	h := newHarness(t, noCI)
	h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)

	_, err := h.incidents.Activate(context.Background(), h.facility, compliance.ActivateInput{Operator: "sup"})
	require.NoError(t, err)

	_, err = h.orch.MoveToolsToNext(context.Background(), model.PhaseAirDry, transition.MoveOptions{})
	var qErr *transition.QuarantineError
	require.ErrorAs(t, err, &qErr)
	assert.True(t, qErr.FacilityWide)

	h.policy.settings.EnforceBI = false
	res := h.move(model.PhaseAirDry)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
}

func TestStartCycleValidation(t *testing.T) {
	h := newHarness(t, nil)
	busy := h.store.addTool(h.facility, "BUSY", false)
	h.store.mu.Lock()
	tool := h.store.tools[busy]
	tool.Status = model.ToolStatusFailed
	h.store.tools[busy] = tool
	h.store.mu.Unlock()

	_, err := h.orch.StartCycle(context.Background(), []uuid.UUID{busy})
	assert.ErrorIs(t, err, transition.ErrToolUnavailable)

	_, err = h.orch.StartCycle(context.Background(), []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	h.startCycle(false)
	_, err = h.orch.StartCycle(context.Background(), nil)
	assert.ErrorIs(t, err, transition.ErrCycleActive)
}

func TestScanToolIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(false)
	again, err := h.orch.ScanTool(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, c.Version, again.Version)
	assert.Len(t, h.phaseTools(model.PhaseBath1), 1)

	extra := h.store.addTool(h.facility, "EXTRA", false)
	updated, err := h.orch.ScanTool(context.Background(), extra)
	require.NoError(t, err)
	assert.Equal(t, c.Version+1, updated.Version)
	assert.Equal(t, []uuid.UUID{ids[0], extra}, h.phaseTools(model.PhaseBath1))
}

func TestPhaseTimerLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.orch.StartPhase(ctx, model.PhaseBath1)
	assert.ErrorIs(t, err, transition.ErrNoActiveCycle)

	h.startCycle(false)
	_, err = h.orch.StartPhase(ctx, model.PhaseBath2)
	assert.ErrorIs(t, err, transition.ErrPhaseEmpty)
	_, err = h.orch.PausePhase(ctx, model.PhaseBath1)
	assert.ErrorIs(t, err, transition.ErrPhaseNotStarted)
	_, err = h.orch.StartPhase(ctx, model.PhaseID("rinse"))
	assert.ErrorIs(t, err, transition.ErrUnknownPhase)

	v, err := h.orch.StartPhase(ctx, model.PhaseBath1)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStatusActive, v.Status)
	assert.True(t, v.Timer.IsRunning)
	assert.Equal(t, "5:00 / 5:00", v.TimeText)

	h.orch.Tick(30 * time.Second)
	v, err = h.orch.PausePhase(ctx, model.PhaseBath1)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStatusPaused, v.Status)
	assert.Equal(t, int64(30), v.Timer.ElapsedSeconds)
	assert.Equal(t, phase.ColorYellow, v.Display.Color)

	h.orch.Tick(30 * time.Second)
	v, err = h.orch.ResumePhase(ctx, model.PhaseBath1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), v.Timer.ElapsedSeconds, "paused timers do not advance")
	assert.InDelta(t, 10.0, v.Progress.Percentage, 0.001)

	v, err = h.orch.CompletePhase(ctx, model.PhaseBath1)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStatusCompleted, v.Status)
	assert.False(t, v.Timer.IsRunning)

	h.move(model.PhaseBath1)
	v, err = h.orch.Phase(ctx, model.PhaseBath1)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStatusPending, v.Status, "source phase is reset after a move")
	assert.Zero(t, v.Timer.ElapsedSeconds)
}

func TestTickRaisesOverexposureOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(false)
	_, err := h.orch.StartPhase(context.Background(), model.PhaseBath1)
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		h.orch.Tick(time.Second)
	}
	v, err := h.orch.Phase(context.Background(), model.PhaseBath1)
	require.NoError(t, err)
	assert.False(t, v.Timer.Overexposed)
	assert.Equal(t, int64(0), v.Timer.RemainingSeconds)
	assert.Equal(t, 1, h.orch.RunningTimers())

	for i := 0; i < 5; i++ {
		h.orch.Tick(time.Second)
	}
	v, err = h.orch.Phase(context.Background(), model.PhaseBath1)
	require.NoError(t, err)
	assert.True(t, v.Timer.Overexposed)
	assert.Equal(t, int64(5), v.Timer.OverexposedSeconds)
	assert.Equal(t, phase.BorderOverexposed, v.Border)

	count := func() int {
		n := 0
		for _, k := range h.notifier.kinds() {
			if k == model.NotifyOverexposure {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, count(), "alert fires once per crossing")
}

func TestFailPhaseClosesEmptyCycle(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(false, false)

	res, err := h.orch.FailPhase(context.Background(), model.PhaseBath1, "contaminated bath")
	require.NoError(t, err)
	assert.Equal(t, transition.OutcomeFailed, res.Outcome)
	for _, id := range ids {
		tool := h.store.tool(id)
		assert.Equal(t, model.ToolStatusFailed, tool.Status)
		assert.Nil(t, tool.CurrentCycleID)
	}
	assert.Equal(t, model.CycleStatusFailed, h.store.cycle(c.ID).Status)
	assert.True(t, containsAction(h.store.actions(), model.AuditPhaseFailed))

	v, err := h.orch.Phase(context.Background(), model.PhaseBath1)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStatusFailed, v.Status)
	assert.Equal(t, phase.ColorRed, v.Display.Color)
}

func TestFloorRehydratesFromStore(t *testing.T) {
	h := newHarness(t, noCI)
	c, ids := h.startCycle(true, false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)

	restarted := h.newOrchestrator()
	v, err := restarted.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, v.Cycle)
	assert.Equal(t, c.ID, v.Cycle.ID)
	assert.Equal(t, []uuid.UUID{ids[1]}, v.Phases[2].Tools)
	assert.Empty(t, v.Phases[0].Tools)
	assert.Empty(t, v.Phases[1].Tools)

	h.orch = restarted
	res := h.move(model.PhaseAirDry)
	assert.Equal(t, transition.OutcomeAdvanced, res.Outcome)
}

func TestPendingGateSurvivesRestart(t *testing.T) {
	h := newHarness(t, nil)
	c, ids := h.startCycle(false, false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	res := h.move(model.PhaseAirDry)
	require.Equal(t, transition.OutcomeGatePending, res.Outcome)
	require.Len(t, h.requester.requests, 1)

	h.orch = h.newOrchestrator()
	ctx := context.Background()

	v, err := h.orch.Phase(ctx, model.PhaseAirDry)
	require.NoError(t, err)
	require.NotNil(t, v.Pending, "halted gate is restored from the cycle trail")
	assert.ElementsMatch(t, ids, v.Pending.ToolIDs)
	assert.Equal(t, "tech1", v.Pending.RequestedBy)

	_, err = h.orch.MoveToolsToNext(ctx, model.PhaseAirDry, transition.MoveOptions{})
	assert.ErrorIs(t, err, transition.ErrGatePending)
	assert.Len(t, h.requester.requests, 1, "no second confirmation request")

	confirmed, err := h.orch.ConfirmGate(ctx, model.PhaseAirDry)
	require.NoError(t, err)
	assert.Equal(t, transition.OutcomeAdvanced, confirmed.Outcome)
	assert.Equal(t, model.PhaseAutoclave, h.store.cycle(c.ID).Phase)
	assert.ElementsMatch(t, ids, h.phaseTools(model.PhaseAutoclave))

	// A confirmed gate stays closed after another restart.
	h.orch = h.newOrchestrator()
	v, err = h.orch.Phase(ctx, model.PhaseAirDry)
	require.NoError(t, err)
	assert.Nil(t, v.Pending)
}

func TestCancelledGateNotRestored(t *testing.T) {
	h := newHarness(t, nil)
	_, ids := h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	h.move(model.PhaseAirDry)
	ctx := context.Background()
	require.NoError(t, h.orch.CancelGate(ctx, model.PhaseAirDry))

	h.orch = h.newOrchestrator()
	v, err := h.orch.Phase(ctx, model.PhaseAirDry)
	require.NoError(t, err)
	assert.Nil(t, v.Pending)
	assert.Equal(t, ids, v.Tools)

	_, err = h.orch.ConfirmGate(ctx, model.PhaseAirDry)
	assert.ErrorIs(t, err, transition.ErrNoPendingGate)

	res := h.move(model.PhaseAirDry)
	assert.Equal(t, transition.OutcomeGatePending, res.Outcome)
	assert.Len(t, h.requester.requests, 2, "a fresh request after cancellation")
}

func TestSnapshotShowsPendingGate(t *testing.T) {
	h := newHarness(t, nil)
	_, ids := h.startCycle(false)
	h.move(model.PhaseBath1)
	h.move(model.PhaseBath2)
	h.move(model.PhaseAirDry)

	v, err := h.orch.Phase(context.Background(), model.PhaseAirDry)
	require.NoError(t, err)
	require.NotNil(t, v.Pending)
	assert.Equal(t, ids, v.Pending.ToolIDs)
	assert.Equal(t, "tech1", v.Pending.RequestedBy)
	assert.Equal(t, "0:00 elapsed", v.TimeText)
	assert.False(t, v.Progress.ShowBar)
}
