// Package timer keeps one countdown or elapsed-only timer per active phase
// and advances them on an externally driven tick.
//
// The registry never reads the wall clock. Callers advance it by a fixed
// Δt (Loop does this from a time.Ticker; tests call Advance directly),
// which keeps every transition deterministic.
package timer

import (
	"sync"
	"time"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/phase"
)

type state struct {
	duration    time.Duration
	elapsed     time.Duration
	remaining   time.Duration
	running     bool
	overexposed bool
	countdown   bool
	bath        bool
}

func (s *state) snapshot(id model.PhaseID) model.TimerSnapshot {
	return model.TimerSnapshot{
		PhaseID:     id,
		Elapsed:     s.elapsed,
		Remaining:   s.remaining,
		Duration:    s.duration,
		IsRunning:   s.running,
		Overexposed: s.overexposed,
		Countdown:   s.countdown,
	}
}

// Registry holds the timers of one facility floor. Timers are created
// lazily on first Start; phases that were never started have no timer.
type Registry struct {
	mu     sync.Mutex
	timers map[model.PhaseID]*state
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{timers: make(map[model.PhaseID]*state)}
}

// Start creates or overwrites the timer for id. A zero duration starts an
// elapsed-only timer with no countdown. Over-exposure is tracked only for
// bath phases.
func (r *Registry) Start(id model.PhaseID, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[id] = &state{
		duration:  duration,
		remaining: duration,
		running:   true,
		countdown: duration > 0,
		bath:      duration > 0 && phase.IsBathPhase(id.Name()),
	}
}

// Pause stops the timer, keeping elapsed and remaining. Reports whether a
// timer existed.
func (r *Registry) Pause(id model.PhaseID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return false
	}
	t.running = false
	return true
}

// Resume restarts a paused timer without touching elapsed or remaining.
func (r *Registry) Resume(id model.PhaseID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return false
	}
	t.running = true
	return true
}

// Reset zeroes elapsed, remaining and overexposed and stops the timer.
func (r *Registry) Reset(id model.PhaseID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return
	}
	t.elapsed = 0
	t.remaining = 0
	t.overexposed = false
	t.running = false
}

// Advance moves every running timer forward by dt and returns the phases
// whose timer crossed into over-exposure on this call, in pipeline order.
// Advance never blocks on anything but the registry mutex.
func (r *Registry) Advance(dt time.Duration) []model.PhaseID {
	if dt <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var crossed []model.PhaseID
	for _, id := range model.Phases {
		t, ok := r.timers[id]
		if !ok || !t.running {
			continue
		}
		t.elapsed += dt
		if t.countdown {
			t.remaining -= dt
			if t.remaining < 0 {
				t.remaining = 0
			}
		}
		if t.bath && !t.overexposed && t.elapsed > t.duration {
			t.overexposed = true
			crossed = append(crossed, id)
		}
	}
	return crossed
}

// Snapshot returns a copy of the timer for id.
func (r *Registry) Snapshot(id model.PhaseID) (model.TimerSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return model.TimerSnapshot{}, false
	}
	return t.snapshot(id), true
}

// SnapshotOr returns the timer for id, or a stopped timer showing the full
// duration remaining when none has been started yet.
func (r *Registry) SnapshotOr(id model.PhaseID, duration time.Duration) model.TimerSnapshot {
	if s, ok := r.Snapshot(id); ok {
		return s
	}
	return model.TimerSnapshot{
		PhaseID:   id,
		Remaining: duration,
		Duration:  duration,
		Countdown: duration > 0,
	}
}

// All returns snapshots of every existing timer in pipeline order.
func (r *Registry) All() []model.TimerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TimerSnapshot, 0, len(r.timers))
	for _, id := range model.Phases {
		if t, ok := r.timers[id]; ok {
			out = append(out, t.snapshot(id))
		}
	}
	return out
}

// Running returns the number of running timers.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.timers {
		if t.running {
			n++
		}
	}
	return n
}
