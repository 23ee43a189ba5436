package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/sterilis/internal/ctxutil"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/service/transition"
	"github.com/ashita-ai/sterilis/internal/storage"
)

// Publisher is the NOTIFY side of Postgres notifications. *storage.DB
// implements it.
type Publisher interface {
	Notify(ctx context.Context, channel, payload string) error
}

// BrokerNotifier delivers service notifications to SSE subscribers. When
// the broker relays LISTEN/NOTIFY, notifications go through Postgres so
// that every instance sees them; otherwise they are published in process.
type BrokerNotifier struct {
	broker    *Broker
	publisher Publisher
	logger    *slog.Logger
}

// NewBrokerNotifier creates a notifier. publisher may be nil.
func NewBrokerNotifier(broker *Broker, publisher Publisher, logger *slog.Logger) *BrokerNotifier {
	return &BrokerNotifier{broker: broker, publisher: publisher, logger: logger}
}

// Notify implements transition.Notifier.
func (n *BrokerNotifier) Notify(ctx context.Context, note model.Notification) {
	if n.publisher != nil && n.broker.Relayed() {
		data, err := json.Marshal(note)
		if err == nil {
			err = n.publisher.Notify(context.WithoutCancel(ctx), storage.ChannelNotifications, string(data))
		}
		if err == nil {
			return
		}
		n.logger.Warn("notify: pg_notify failed, delivering locally", "kind", note.Kind, "error", err)
	}
	n.broker.Publish(note)
}

// ConfirmationNotifier asks operators on the floor to confirm the chemical
// indicator by raising a ci_confirmation_required notification. Operators
// answer through the confirm or cancel endpoints.
type ConfirmationNotifier struct {
	Notifier transition.Notifier
	Now      func() time.Time
}

// RequestConfirmation implements transition.ConfirmationRequester.
func (c ConfirmationNotifier) RequestConfirmation(ctx context.Context, req transition.ConfirmationRequest) error {
	if c.Notifier == nil {
		return errors.New("server: no notifier for CI confirmation")
	}
	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now()
	}
	cycleID := req.CycleID
	c.Notifier.Notify(ctx, model.Notification{
		Kind:       model.NotifyConfirmationRequired,
		Level:      model.LevelWarning,
		FacilityID: req.FacilityID,
		PhaseID:    req.Phase,
		CycleID:    &cycleID,
		ToolIDs:    req.ToolIDs,
		Message:    fmt.Sprintf("Confirm the chemical indicator for %d tools leaving %s", len(req.ToolIDs), req.Phase.Name()),
		Timestamp:  now,
	})
	return nil
}

// ClaimsResolver resolves the acting facility from the JWT claims the auth
// middleware stored on the context.
type ClaimsResolver struct{}

// Resolve implements transition.FacilityResolver.
func (ClaimsResolver) Resolve(ctx context.Context) (transition.Actor, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return transition.Actor{}, errors.New("no authenticated operator")
	}
	return transition.Actor{FacilityID: claims.FacilityID, Operator: claims.Operator}, nil
}
