// Package bus provides the AMQP transport shared by all Voxwire processes:
// a reconnecting connection wrapper, the exchange/queue topology, JSON
// publishing with persistent delivery, and consumer loops with manual acks.
//
// The broker is used two ways (see the topology constants): a fan-out
// exchange for frontend notifications where every gateway instance sees every
// message, and durable queues for direct addressing where each message is
// consumed exactly once.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names. Queues are durable; the notification exchange is a durable
// fan-out with per-instance exclusive queues bound at startup.
const (
	ExchangeFrontendNotifications = "frontend_notifications"

	QueueCallAudio    = "call_audio_queue"
	QueueVoiceGateway = "voice_gateway_queue"
	QueueTwilioTTS    = "twilio_tts_queue"
	QueuePrimaryAgent = "primary_agent_queue"
)

// AgentQueue returns the durable queue name for direct notifications to the
// given agent.
func AgentQueue(agentID string) string { return agentID + "_queue" }

// Options tunes the reconnect backoff of a [Conn].
type Options struct {
	// ReconnectMin is the initial backoff between dial attempts. Default 1s.
	ReconnectMin time.Duration

	// ReconnectMax caps the backoff. Default 60s.
	ReconnectMax time.Duration
}

func (o *Options) defaults() {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 60 * time.Second
	}
}

// Conn wraps an AMQP connection with redial-on-demand. All methods are safe
// for concurrent use.
type Conn struct {
	url  string
	opts Options

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker, retrying with exponential backoff until the
// context is cancelled.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts.defaults()
	c := &Conn{url: url, opts: opts}
	if _, err := c.current(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// current returns a live connection, dialling with backoff if needed.
// Callers must not hold c.mu.
func (c *Conn) current(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	backoff := c.opts.ReconnectMin
	for {
		conn, err := amqp.Dial(c.url)
		if err == nil {
			c.conn = conn
			slog.Info("broker connected", "url", redactAMQPURL(c.url))
			return conn, nil
		}

		slog.Warn("broker dial failed, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bus: dial: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

// Channel opens a fresh channel, reconnecting the underlying connection if it
// has dropped.
func (c *Conn) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}
	return ch, nil
}

// Ping reports whether the broker connection is currently open. Used by
// readiness checks.
func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("bus: connection closed")
	}
	return nil
}

// Close shuts the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// DeclareTopology declares the durable exchange and queues every process
// relies on. Declarations are idempotent; each process calls this at startup.
func (c *Conn) DeclareTopology(ctx context.Context, agentIDs ...string) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		ExchangeFrontendNotifications,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("bus: declare exchange %s: %w", ExchangeFrontendNotifications, err)
	}

	queues := []string{QueueCallAudio, QueueVoiceGateway, QueueTwilioTTS, QueuePrimaryAgent}
	for _, id := range agentIDs {
		queues = append(queues, AgentQueue(id))
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bus: declare queue %s: %w", q, err)
		}
	}
	return nil
}

// redactAMQPURL strips credentials from an AMQP URL for logging.
func redactAMQPURL(url string) string {
	for i := range url {
		if url[i] == '@' {
			return "amqp://***" + url[i:]
		}
	}
	return url
}
