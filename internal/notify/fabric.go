package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/pkg/types"
)

// PendingStore is the durable side of store-and-forward. *store.Store
// satisfies it.
type PendingStore interface {
	StorePending(ctx context.Context, n types.Notification, payload []byte) error
	UndeliveredPending(ctx context.Context, sessionID string) ([]types.PendingNotification, error)
	MarkPendingDelivered(ctx context.Context, id int64) error
	RecordPendingAttempt(ctx context.Context, id int64) error
	SweepPending(ctx context.Context, retention time.Duration) (int64, error)
}

// Fabric routes notifications from the fan-out exchange to connected
// sockets, and persists what it cannot deliver. Every gateway instance runs
// its own Fabric over its own exclusive fan-out queue; the unique
// notification_id in the pending table deduplicates the instances' stores.
type Fabric struct {
	registry *Registry
	store    PendingStore
	metrics  *observe.Metrics
}

// NewFabric wires a fabric over a socket registry and a pending store.
func NewFabric(registry *Registry, store PendingStore, metrics *observe.Metrics) *Fabric {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Fabric{registry: registry, store: store, metrics: metrics}
}

// Run consumes the frontend notification exchange until ctx is cancelled.
func (f *Fabric) Run(ctx context.Context, conn *bus.Conn) error {
	return bus.ConsumeFanout(ctx, conn, bus.ExchangeFrontendNotifications,
		func(ctx context.Context, d amqp.Delivery) error {
			var n types.Notification
			if err := json.Unmarshal(d.Body, &n); err != nil {
				// Malformed frames are logged and acked; requeueing them
				// would loop forever.
				slog.Error("notification unmarshal failed", "err", err)
				return nil
			}
			return f.Dispatch(ctx, n, d.Body)
		})
}

// Dispatch routes one notification. Broadcasts go to every socket. Session
// notifications go to the session's sockets when any are connected, and to
// the pending store otherwise. Unknown notification types pass through
// untouched.
func (f *Fabric) Dispatch(ctx context.Context, n types.Notification, payload []byte) error {
	if n.Broadcast() {
		f.broadcast(ctx, payload)
		return nil
	}

	delivered := 0
	for _, s := range f.registry.Sockets(n.SessionID) {
		if err := s.Send(ctx, payload); err != nil {
			slog.Warn("socket send failed, evicting",
				"session_id", n.SessionID, "type", n.NotificationType, "err", err)
			f.registry.Remove(n.SessionID, s)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		f.metrics.RecordNotificationDelivered(ctx, "live")
		return nil
	}

	// Nobody home. Persist so the session sees it on reconnect.
	if err := f.store.StorePending(ctx, n, payload); err != nil {
		return fmt.Errorf("notify: store pending: %w", err)
	}
	f.metrics.NotificationsStored.Add(ctx, 1)
	slog.Debug("notification stored for offline session",
		"session_id", n.SessionID, "type", n.NotificationType)
	return nil
}

func (f *Fabric) broadcast(ctx context.Context, payload []byte) {
	for sid, sockets := range f.registry.All() {
		for _, s := range sockets {
			if err := s.Send(ctx, payload); err != nil {
				slog.Warn("broadcast send failed, evicting", "session_id", sid, "err", err)
				f.registry.Remove(sid, s)
				continue
			}
			f.metrics.RecordNotificationDelivered(ctx, "live")
		}
	}
}

// ReplayPending delivers the session's stored notifications to a freshly
// connected socket in creation order. Delivery stops at the first send
// failure; the remaining rows keep their attempt counters and wait for the
// next connect.
func (f *Fabric) ReplayPending(ctx context.Context, sessionID string, s Sender) error {
	pending, err := f.store.UndeliveredPending(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("notify: load pending: %w", err)
	}
	for _, p := range pending {
		if err := s.Send(ctx, p.Payload); err != nil {
			if aerr := f.store.RecordPendingAttempt(ctx, p.ID); aerr != nil {
				slog.Error("record pending attempt failed", "id", p.ID, "err", aerr)
			}
			return fmt.Errorf("notify: replay %s: %w", p.NotificationID, err)
		}
		if err := f.store.MarkPendingDelivered(ctx, p.ID); err != nil {
			// The client has the frame; worst case it sees it twice next
			// connect. Log and keep going.
			slog.Error("mark pending delivered failed", "id", p.ID, "err", err)
		}
		f.metrics.RecordNotificationDelivered(ctx, "replay")
	}
	if len(pending) > 0 {
		slog.Info("replayed pending notifications",
			"session_id", sessionID, "count", len(pending))
	}
	return nil
}

// SweepLoop deletes pending rows past the retention window on a fixed
// interval until ctx is cancelled.
func (f *Fabric) SweepLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := f.store.SweepPending(ctx, retention)
			if err != nil {
				slog.Error("pending sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("swept expired pending notifications", "removed", n)
			}
		}
	}
}
