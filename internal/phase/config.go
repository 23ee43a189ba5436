package phase

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
)

// ConfigError reports a phase that cannot be instantiated because its
// configured duration is out of range. It is not recoverable at runtime.
type ConfigError struct {
	Phase    model.PhaseID
	Duration time.Duration
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("phase: invalid duration %s for %s (must be > 0 and <= %s)",
		e.Duration, e.Phase, MaxDuration)
}

// Durations configures the countdown length of each timed phase. Air dry
// is elapsed-only and has no duration.
type Durations struct {
	Bath1     time.Duration
	Bath2     time.Duration
	Autoclave time.Duration
}

// DefaultDurations are used when nothing is configured.
var DefaultDurations = Durations{
	Bath1:     5 * time.Minute,
	Bath2:     10 * time.Minute,
	Autoclave: 30 * time.Minute,
}

// For returns the configured duration for a stage. Air dry returns 0.
func (d Durations) For(id model.PhaseID) time.Duration {
	switch id {
	case model.PhaseBath1:
		return d.Bath1
	case model.PhaseBath2:
		return d.Bath2
	case model.PhaseAutoclave:
		return d.Autoclave
	}
	return 0
}

// Validate checks every timed phase.
func (d Durations) Validate() error {
	for _, id := range model.Phases {
		if id == model.PhaseAirDry {
			continue
		}
		if dur := d.For(id); !ValidateDuration(dur) {
			return &ConfigError{Phase: id, Duration: dur}
		}
	}
	return nil
}

// NewPhases builds the four pipeline stages in order, all pending and
// empty. It fails with *ConfigError when any duration is invalid.
func NewPhases(d Durations) ([]model.SterilizationPhase, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	phases := make([]model.SterilizationPhase, 0, len(model.Phases))
	for _, id := range model.Phases {
		phases = append(phases, model.SterilizationPhase{
			ID:       id,
			Name:     id.Name(),
			Duration: d.For(id),
			Status:   model.PhaseStatusPending,
			Tools:    []uuid.UUID{},
		})
	}
	return phases, nil
}
