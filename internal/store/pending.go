package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/pkg/types"
)

// StorePending upserts the durable shadow of an undeliverable notification.
// The unique notification_id makes this idempotent across gateway instances:
// the second instance's insert is a no-op.
func (s *Store) StorePending(ctx context.Context, n types.Notification, payload []byte) error {
	const q = `
		INSERT INTO pending_notifications
		    (session_id, notification_id, notification_type, notification_payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (notification_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, n.SessionID, n.NotificationID, string(n.NotificationType), payload)
	if err != nil {
		return fmt.Errorf("store: store pending: %w", err)
	}
	return nil
}

// UndeliveredPending returns the undelivered rows for a session ordered by
// created_at, for replay on reconnect.
func (s *Store) UndeliveredPending(ctx context.Context, sessionID string) ([]types.PendingNotification, error) {
	const q = `
		SELECT id, session_id, notification_id, notification_type, notification_payload,
		       created_at, delivery_attempts
		FROM   pending_notifications
		WHERE  session_id = $1
		  AND  delivered_at IS NULL
		ORDER  BY created_at`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: undelivered pending: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.PendingNotification, error) {
		var (
			p  types.PendingNotification
			nt string
		)
		if err := row.Scan(&p.ID, &p.SessionID, &p.NotificationID, &nt, &p.Payload,
			&p.CreatedAt, &p.DeliveryAttempts); err != nil {
			return types.PendingNotification{}, err
		}
		p.NotificationType = types.NotificationType(nt)
		return p, nil
	})
}

// MarkPendingDelivered stamps delivered_at on one pending row.
func (s *Store) MarkPendingDelivered(ctx context.Context, id int64) error {
	const q = `UPDATE pending_notifications SET delivered_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	return nil
}

// RecordPendingAttempt increments the attempt counter after a failed replay.
func (s *Store) RecordPendingAttempt(ctx context.Context, id int64) error {
	const q = `
		UPDATE pending_notifications
		SET    delivery_attempts = delivery_attempts + 1, last_attempt_at = now()
		WHERE  id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: record attempt: %w", err)
	}
	return nil
}

// SweepPending removes rows older than the retention window, delivered or
// not. Returns the number of rows removed.
func (s *Store) SweepPending(ctx context.Context, retention time.Duration) (int64, error) {
	const q = `
		DELETE FROM pending_notifications
		WHERE created_at < now() - ($1::bigint * interval '1 microsecond')`
	tag, err := s.pool.Exec(ctx, q, retention.Microseconds())
	if err != nil {
		return 0, fmt.Errorf("store: sweep pending: %w", err)
	}
	return tag.RowsAffected(), nil
}
