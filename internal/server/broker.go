package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/storage"
)

// Listener is the LISTEN side of Postgres notifications. *storage.DB
// implements it.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans notifications out to SSE subscribers of the same facility.
// With a Listener it relays everything published on
// storage.ChannelNotifications, so every instance sees every event.
// Without one, Publish delivers in process.
type Broker struct {
	listener Listener
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a broker. listener may be nil.
func NewBroker(listener Listener, logger *slog.Logger) *Broker {
	return &Broker{
		listener:    listener,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Relayed reports whether notifications arrive through LISTEN/NOTIFY.
func (b *Broker) Relayed() bool {
	return b.listener != nil
}

// Start relays database notifications until ctx is cancelled. It returns
// immediately when the broker has no listener.
func (b *Broker) Start(ctx context.Context) error {
	if b.listener == nil {
		return nil
	}
	if err := b.listener.Listen(ctx, storage.ChannelNotifications); err != nil {
		return err
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelNotifications)

	for {
		_, payload, err := b.listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		var n model.Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			b.logger.Warn("broker: malformed notification payload", "error", err)
			continue
		}
		b.broadcast(n.FacilityID, formatSSE(string(n.Kind), payload))
	}
}

// Publish delivers a notification to local subscribers.
func (b *Broker) Publish(n model.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Warn("broker: encode notification", "error", err)
		return
	}
	b.broadcast(n.FacilityID, formatSSE(string(n.Kind), string(data)))
}

// Subscribe returns a channel of SSE-formatted events for one facility.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(facilityID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = facilityID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast never blocks: a subscriber with a full buffer misses the event.
func (b *Broker) broadcast(facilityID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, fid := range b.subscribers {
		if fid != facilityID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
