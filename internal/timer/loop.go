package timer

import (
	"context"
	"log/slog"
	"time"
)

// Ticker is advanced once per loop interval.
type Ticker interface {
	Tick(dt time.Duration)
}

// Loop drives a Ticker from a fixed-interval time.Ticker. Every tick
// advances by exactly the configured interval.
type Loop struct {
	target   Ticker
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewLoop creates a loop. interval must be positive.
func NewLoop(target Ticker, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{
		target:   target,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer close(l.done)

	l.logger.Info("timer: loop started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("timer: loop stopped")
			return nil
		case <-ticker.C:
			l.target.Tick(l.interval)
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
