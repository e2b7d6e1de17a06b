package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LISTEN/NOTIFY channels.
const (
	// ChannelOutbox carries the outbox kind whenever a row is enqueued.
	// Looping workers listen on it to wake without polling.
	ChannelOutbox = "studysync_outbox"
	// ChannelCache carries cache invalidation payloads.
	ChannelCache = "studysync_cache"
)

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// CanListen reports whether a notify connection was configured.
func (db *DB) CanListen() bool {
	return db.notifyConn != nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// notifyTx queues a notification that Postgres delivers only if the
// surrounding transaction commits.
func (t *pgTx) notifyTx(ctx context.Context, channel, payload string) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
