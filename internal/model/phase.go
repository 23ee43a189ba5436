// Package model defines the core domain types for sterilis.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, closed string enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// PhaseID identifies one stage of the wet-processing pipeline. The set is
// closed: every switch over PhaseID should handle all four stages.
type PhaseID string

const (
	PhaseBath1     PhaseID = "bath1"
	PhaseBath2     PhaseID = "bath2"
	PhaseAirDry    PhaseID = "airDry"
	PhaseAutoclave PhaseID = "autoclave"

	// PhaseComplete is the terminal marker used by cycles and tools. It is
	// never the ID of a SterilizationPhase.
	PhaseComplete PhaseID = "complete"
)

// Phases lists the pipeline stages in processing order.
var Phases = []PhaseID{PhaseBath1, PhaseBath2, PhaseAirDry, PhaseAutoclave}

// IsStage reports whether id is one of the four pipeline stages.
func (id PhaseID) IsStage() bool {
	switch id {
	case PhaseBath1, PhaseBath2, PhaseAirDry, PhaseAutoclave:
		return true
	}
	return false
}

// Valid reports whether id is a stage or the terminal marker.
func (id PhaseID) Valid() bool {
	return id.IsStage() || id == PhaseComplete
}

// Name returns the human-readable phase name.
func (id PhaseID) Name() string {
	switch id {
	case PhaseBath1:
		return "Bath 1"
	case PhaseBath2:
		return "Bath 2"
	case PhaseAirDry:
		return "Air Dry"
	case PhaseAutoclave:
		return "Autoclave"
	case PhaseComplete:
		return "Complete"
	}
	return string(id)
}

// ParsePhaseID validates a raw phase identifier (e.g. from a URL path).
func ParsePhaseID(s string) (PhaseID, bool) {
	id := PhaseID(s)
	return id, id.IsStage()
}

// PhaseStatus is the display/lifecycle status of a phase instance.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusActive    PhaseStatus = "active"
	PhaseStatusPaused    PhaseStatus = "paused"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
)

// SterilizationPhase is one stage on a facility floor. It owns the list of
// tool IDs currently located in it; a tool ID is in at most one phase.
type SterilizationPhase struct {
	ID       PhaseID       `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"-"`
	Status   PhaseStatus   `json:"status"`
	IsActive bool          `json:"is_active"`
	Tools    []uuid.UUID   `json:"tools"`
}

// DurationSeconds returns the configured duration in whole seconds.
func (p SterilizationPhase) DurationSeconds() int64 {
	return int64(p.Duration / time.Second)
}

// HasTool reports whether the tool ID is in the phase's tool list.
func (p SterilizationPhase) HasTool(id uuid.UUID) bool {
	for _, t := range p.Tools {
		if t == id {
			return true
		}
	}
	return false
}

// TimerSnapshot is a read-only copy of a phase timer.
type TimerSnapshot struct {
	PhaseID     PhaseID       `json:"phase_id"`
	Elapsed     time.Duration `json:"-"`
	Remaining   time.Duration `json:"-"`
	Duration    time.Duration `json:"-"`
	IsRunning   bool          `json:"is_running"`
	Overexposed bool          `json:"overexposed"`
	// Countdown is false for elapsed-only timers (air dry).
	Countdown bool `json:"countdown"`
}

// OverexposedBy returns how long the timer has run past its duration.
func (t TimerSnapshot) OverexposedBy() time.Duration {
	if !t.Overexposed || t.Elapsed <= t.Duration {
		return 0
	}
	return t.Elapsed - t.Duration
}
