package transition

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/sterilis/internal/model"
)

// LogNotifier writes notifications to the log. Used when nothing else is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, note model.Notification) {
	if n.Logger == nil {
		return
	}
	level := slog.LevelInfo
	switch note.Level {
	case model.LevelWarning:
		level = slog.LevelWarn
	case model.LevelError:
		level = slog.LevelError
	}
	n.Logger.Log(ctx, level, "notification",
		"kind", note.Kind,
		"facility_id", note.FacilityID,
		"phase", note.PhaseID,
		"message", note.Message,
	)
}

// Notifiers fans a notification out to several notifiers in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, note model.Notification) {
	for _, n := range ns {
		n.Notify(ctx, note)
	}
}
