package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning nil acks the message; returning
// an error nacks it with requeue, which gives at-least-once semantics.
// Handlers must therefore be idempotent.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consume runs a consumer loop on a durable queue until ctx is cancelled.
// Channel failures are retried with the connection's backoff; the loop only
// returns on context cancellation.
func Consume(ctx context.Context, conn *Conn, queue string, h Handler) error {
	for {
		if err := consumeOnce(ctx, conn, queue, h); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("consumer loop restarting", "queue", queue, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(conn.opts.ReconnectMin):
			}
		}
	}
}

// ConsumeFanout binds a fresh exclusive auto-delete queue to the given
// fan-out exchange and consumes from it until ctx is cancelled. Every
// consumer instance sees every message published to the exchange.
func ConsumeFanout(ctx context.Context, conn *Conn, exchange string, h Handler) error {
	for {
		if err := consumeFanoutOnce(ctx, conn, exchange, h); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("fanout consumer restarting", "exchange", exchange, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(conn.opts.ReconnectMin):
			}
		}
	}
}

func consumeFanoutOnce(ctx context.Context, conn *Conn, exchange string, h Handler) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	// Exclusive auto-delete queue: this instance's private tap on the fanout.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return err
	}
	return runDeliveries(ctx, ch, q.Name, h)
}

func consumeOnce(ctx context.Context, conn *Conn, queue string, h Handler) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(16, 0, false); err != nil {
		return err
	}
	return runDeliveries(ctx, ch, queue, h)
}

// runDeliveries pumps the delivery channel through h with manual acks.
func runDeliveries(ctx context.Context, ch *amqp.Channel, queue string, h Handler) error {
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("bus: delivery channel closed")
			}
			if err := h(ctx, d); err != nil {
				slog.Error("message handler failed, requeueing", "queue", queue, "err", err)
				_ = d.Nack(false, true)
				// Brief pause so a poison message does not spin the loop.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			_ = d.Ack(false)
		}
	}
}
