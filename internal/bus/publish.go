package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voxwire/voxwire/pkg/types"
)

// Publisher sends JSON messages with persistent delivery. A publisher keeps
// one channel open and replaces it on failure. Safe for concurrent use.
type Publisher struct {
	conn   *Conn
	source string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher creates a Publisher. source names the producing process and is
// stamped into every notification envelope that lacks one.
func NewPublisher(conn *Conn, source string) *Publisher {
	return &Publisher{conn: conn, source: source}
}

// channel returns the cached channel, opening a new one if needed.
func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// publish marshals v and publishes it with persistent delivery. One retry on
// a stale channel.
func (p *Publisher) publish(ctx context.Context, exchange, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal for %s/%s: %w", exchange, key, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		// The channel may have died under us; replace it and retry once.
		p.mu.Lock()
		p.ch = nil
		p.mu.Unlock()

		ch, err2 := p.channel(ctx)
		if err2 != nil {
			return fmt.Errorf("bus: publish %s/%s: %w", exchange, key, err)
		}
		if err2 := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err2 != nil {
			return fmt.Errorf("bus: publish %s/%s: %w", exchange, key, err2)
		}
	}
	return nil
}

// stamp fills envelope fields the producer left blank.
func (p *Publisher) stamp(n *types.Notification) {
	if n.Source == "" {
		n.Source = p.source
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
}

// PublishNotification fans a notification out to every gateway instance via
// the frontend notifications exchange.
func (p *Publisher) PublishNotification(ctx context.Context, n types.Notification) error {
	p.stamp(&n)
	return p.publish(ctx, ExchangeFrontendNotifications, "", n)
}

// PublishToAgent delivers a notification to a single agent's durable queue.
func (p *Publisher) PublishToAgent(ctx context.Context, agentID string, n types.Notification) error {
	p.stamp(&n)
	n.RecipientAgentID = agentID
	return p.publish(ctx, "", AgentQueue(agentID), n)
}

// PublishJSON publishes an arbitrary JSON value to a named queue through the
// default exchange. Used for the voice-path queues.
func (p *Publisher) PublishJSON(ctx context.Context, queue string, v any) error {
	return p.publish(ctx, "", queue, v)
}

// Close releases the cached channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
