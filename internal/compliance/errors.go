package compliance

import "errors"

var (
	// ErrIncidentActive is returned when activating while an incident is open.
	ErrIncidentActive = errors.New("compliance: a BI failure incident is already active")

	// ErrNoActiveIncident is returned when resolving with nothing open.
	ErrNoActiveIncident = errors.New("compliance: no active BI failure incident")

	// ErrResolutionIncomplete is returned when a resolution lacks one of
	// the required confirmations.
	ErrResolutionIncomplete = errors.New("compliance: resolution is missing a required confirmation")
)

// ValidationError reports invalid caller input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "compliance: " + e.Msg }
