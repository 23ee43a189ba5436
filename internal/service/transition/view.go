package transition

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/phase"
)

// TimerView is the JSON form of a timer snapshot, in whole seconds.
type TimerView struct {
	ElapsedSeconds     int64 `json:"elapsed_seconds"`
	RemainingSeconds   int64 `json:"remaining_seconds"`
	DurationSeconds    int64 `json:"duration_seconds"`
	OverexposedSeconds int64 `json:"overexposed_seconds"`
	IsRunning          bool  `json:"is_running"`
	Overexposed        bool  `json:"overexposed"`
	Countdown          bool  `json:"countdown"`
}

// PendingView describes a transition halted at the CI gate.
type PendingView struct {
	CycleID     uuid.UUID   `json:"cycle_id"`
	ToolIDs     []uuid.UUID `json:"tool_ids"`
	RequestedBy string      `json:"requested_by"`
	RequestedAt time.Time   `json:"requested_at"`
}

// PhaseView is one phase card: state, timer and the derived display.
type PhaseView struct {
	model.SterilizationPhase
	DurationSeconds int64               `json:"duration_seconds"`
	Timer           TimerView           `json:"timer"`
	Display         phase.StatusDisplay `json:"display"`
	Progress        phase.Progress      `json:"progress"`
	TimeText        string              `json:"time_text"`
	Border          phase.Border        `json:"border"`
	Pending         *PendingView        `json:"pending_confirmation,omitempty"`
}

// FloorView is a read-only copy of a facility floor.
type FloorView struct {
	FacilityID uuid.UUID    `json:"facility_id"`
	Cycle      *model.Cycle `json:"cycle,omitempty"`
	Phases     []PhaseView  `json:"phases"`
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

// view builds the card for one phase. Callers hold Orchestrator.mu.
func (f *floor) view(id model.PhaseID) PhaseView {
	p := *f.phases[id]
	p.Tools = slices.Clone(p.Tools)
	t := f.timers.SnapshotOr(id, p.Duration)

	v := PhaseView{
		SterilizationPhase: p,
		DurationSeconds:    p.DurationSeconds(),
		Timer: TimerView{
			ElapsedSeconds:     seconds(t.Elapsed),
			RemainingSeconds:   seconds(t.Remaining),
			DurationSeconds:    seconds(t.Duration),
			OverexposedSeconds: seconds(t.OverexposedBy()),
			IsRunning:          t.IsRunning,
			Overexposed:        t.Overexposed,
			Countdown:          t.Countdown,
		},
		Display:  phase.StatusInfo(p.Status),
		Progress: phase.ProgressInfo(id, t.Elapsed, p.Duration),
		TimeText: phase.TimeDisplayText(id, t.Elapsed, t.Remaining, p.Duration),
		Border:   phase.BorderClass(p.Name, t),
	}
	if pg := f.pending[id]; pg != nil {
		v.Pending = &PendingView{
			CycleID:     pg.cycleID,
			ToolIDs:     pg.sel.gated(),
			RequestedBy: pg.requestedBy,
			RequestedAt: pg.requestedAt,
		}
	}
	return v
}

// Snapshot returns the acting facility's floor.
func (o *Orchestrator) Snapshot(ctx context.Context) (FloorView, error) {
	actor, f, err := o.begin(ctx)
	if err != nil {
		return FloorView{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	fv := FloorView{FacilityID: actor.FacilityID, Phases: make([]PhaseView, 0, len(model.Phases))}
	if f.cycle != nil {
		c := *f.cycle
		c.Tools = slices.Clone(c.Tools)
		fv.Cycle = &c
	}
	for _, id := range model.Phases {
		fv.Phases = append(fv.Phases, f.view(id))
	}
	return fv, nil
}

// Phase returns a single phase card for the acting facility.
func (o *Orchestrator) Phase(ctx context.Context, id model.PhaseID) (PhaseView, error) {
	if !id.IsStage() {
		return PhaseView{}, ErrUnknownPhase
	}
	_, f, err := o.begin(ctx)
	if err != nil {
		return PhaseView{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return f.view(id), nil
}
