package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// ChannelNotifications carries JSON-encoded model.Notification payloads
// between sterilis instances.
const ChannelNotifications = "sterilis_notifications"

// maxNotifyPayload is the Postgres NOTIFY payload limit.
const maxNotifyPayload = 8000

// ErrPayloadTooLarge is returned by Notify for payloads NOTIFY would reject.
var ErrPayloadTooLarge = errors.New("storage: notification payload too large")

// Listen subscribes the notify connection to channel. The channel is
// remembered and re-subscribed after a reconnect. Listen and
// WaitForNotification must be called from one goroutine.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyDSN == "" {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if err := db.ensureNotifyConn(ctx); err != nil {
		return err
	}
	if err := listen(ctx, db.notifyConn, channel); err != nil {
		return err
	}
	if !slices.Contains(db.channels, channel) {
		db.channels = append(db.channels, channel)
	}
	return nil
}

func listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// ensureNotifyConn replaces a closed notify connection and re-subscribes
// its channels. Notifications sent while disconnected are lost.
func (db *DB) ensureNotifyConn(ctx context.Context) error {
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		return nil
	}
	conn, err := connectNotify(ctx, db.notifyDSN)
	if err != nil {
		return err
	}
	for _, ch := range db.channels {
		if err := listen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return err
		}
	}
	if db.notifyConn != nil {
		db.logger.Info("storage: notify connection re-established", "channels", len(db.channels))
	}
	db.notifyConn = conn
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel and returns its channel and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyDSN == "" {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	if err := db.ensureNotifyConn(ctx); err != nil {
		return "", "", err
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) >= maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), channel)
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// HasNotify reports whether LISTEN/NOTIFY is configured.
func (db *DB) HasNotify() bool {
	return db.notifyDSN != ""
}
