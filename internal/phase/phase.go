// Package phase holds the pure evaluation functions for sterilization
// phases: display status, progress, time text, and duration validation.
// Nothing in this package keeps state; every function is safe to call on
// each UI refresh.
package phase

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/sterilis/internal/model"
)

// MaxDuration is the ceiling for any countdown phase.
const MaxDuration = 2 * time.Hour

// warningWindow is how close to zero a bath countdown must be before its
// border turns to the warning class.
const warningWindow = time.Minute

// Color is a display tag attached to a phase status.
type Color string

const (
	ColorGray   Color = "gray"
	ColorGreen  Color = "green"
	ColorYellow Color = "yellow"
	ColorBlue   Color = "blue"
	ColorRed    Color = "red"
)

// StatusDisplay is the label and color tag for a phase status.
type StatusDisplay struct {
	Label string `json:"label"`
	Color Color  `json:"color"`
}

// StatusInfo maps a phase status to its display label and color.
func StatusInfo(status model.PhaseStatus) StatusDisplay {
	switch status {
	case model.PhaseStatusPending:
		return StatusDisplay{Label: "Pending", Color: ColorGray}
	case model.PhaseStatusActive:
		return StatusDisplay{Label: "Active", Color: ColorGreen}
	case model.PhaseStatusPaused:
		return StatusDisplay{Label: "Paused", Color: ColorYellow}
	case model.PhaseStatusCompleted:
		return StatusDisplay{Label: "Completed", Color: ColorBlue}
	case model.PhaseStatusFailed:
		return StatusDisplay{Label: "Failed", Color: ColorRed}
	}
	return StatusDisplay{Label: string(status), Color: ColorGray}
}

// Progress describes the progress bar for a phase. ShowBar is false for
// elapsed-only phases, in which case Percentage is zero.
type Progress struct {
	ShowBar    bool    `json:"show_bar"`
	Percentage float64 `json:"percentage"`
}

// ProgressInfo computes the progress bar state. Air dry never shows a bar.
func ProgressInfo(id model.PhaseID, elapsed, duration time.Duration) Progress {
	if id == model.PhaseAirDry || duration <= 0 {
		return Progress{}
	}
	pct := float64(elapsed) / float64(duration) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return Progress{ShowBar: true, Percentage: pct}
}

// IsBathPhase reports whether over-exposure tracking applies to the phase.
func IsBathPhase(name string) bool {
	return strings.Contains(strings.ToLower(name), "bath")
}

// ValidateDuration reports whether d is a usable countdown duration.
func ValidateDuration(d time.Duration) bool {
	return d > 0 && d <= MaxDuration
}

// FormatClock renders d as H:MM:SS when at least an hour, else M:SS.
// Sub-second remainders are truncated.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// TimeDisplayText is the timer caption shown on a phase card.
func TimeDisplayText(id model.PhaseID, elapsed, remaining, duration time.Duration) string {
	if id == model.PhaseAirDry {
		return FormatClock(elapsed) + " elapsed"
	}
	return FormatClock(remaining) + " / " + FormatClock(duration)
}

// Border is the card border classification.
type Border string

const (
	BorderNormal      Border = "normal"
	BorderWarning     Border = "warning"
	BorderOverexposed Border = "overexposed"
)

// BorderClass classifies a timer for the phase card border. Only bath
// phases ever leave the normal class.
func BorderClass(name string, t model.TimerSnapshot) Border {
	if !IsBathPhase(name) {
		return BorderNormal
	}
	if t.Overexposed {
		return BorderOverexposed
	}
	if t.IsRunning && t.Countdown && t.Remaining <= warningWindow {
		return BorderWarning
	}
	return BorderNormal
}
