// Package gateway is the HTTP and WebSocket edge of the platform: it hosts
// the REST API, the UI stream and voice WebSockets, the call manager, and
// the notification delivery fabric.
package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/callmanager"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/notify"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/pkg/types"
)

const internalKeyHeader = "X-Internal-Key"

const defaultPendingRetention = 7 * 24 * time.Hour

// ConversationStore is the slice of the relational store serving conversation
// history and per-call transcript records.
type ConversationStore interface {
	AddMessage(ctx context.Context, m *store.ConversationMessage) error
	Messages(ctx context.Context, sessionID string, offset, limit int) ([]store.ConversationMessage, error)
	AddTranscript(ctx context.Context, t *types.CallTranscript) error
	Transcripts(ctx context.Context, callID string) ([]types.CallTranscript, error)
	Participants(ctx context.Context, callID string) ([]types.CallParticipant, error)
}

// Publisher is the slice of the broker the gateway writes.
type Publisher interface {
	PublishNotification(ctx context.Context, n types.Notification) error
	PublishToAgent(ctx context.Context, agentID string, n types.Notification) error
	PublishJSON(ctx context.Context, queue string, v any) error
}

// Gateway wires the edge together. Construct with New, mount with
// Register, and run the fabric and monitors from main.
type Gateway struct {
	cfg      config.GatewayConfig
	messages ConversationStore
	calls    *callmanager.Manager
	fabric   *notify.Fabric
	registry *notify.Registry
	pub      Publisher
	metrics  *observe.Metrics

	tokens *TokenIssuer
	signer *URLSigner

	internalKey  string
	primaryAgent string

	// voiceMu guards the session → live voice sockets map used for web TTS
	// egress.
	voiceMu sync.Mutex
	voice   map[string][]*voiceConn
}

// New builds a Gateway. Both secret files must exist and be non-empty;
// their absence is a deployment error, not a bypass.
func New(cfg config.GatewayConfig, messages ConversationStore, calls *callmanager.Manager,
	fabric *notify.Fabric, registry *notify.Registry, pub Publisher,
	metrics *observe.Metrics) (*Gateway, error) {

	secret, err := readSecretFile(cfg.TokenSecretFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: token secret: %w", err)
	}
	internalKey, err := readSecretFile(cfg.InternalKeyFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: internal key: %w", err)
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	primary := cfg.PrimaryAgent
	if primary == "" {
		primary = "primary_agent"
	}
	return &Gateway{
		cfg:          cfg,
		messages:     messages,
		calls:        calls,
		fabric:       fabric,
		registry:     registry,
		pub:          pub,
		metrics:      metrics,
		tokens:       NewTokenIssuer([]byte(secret), cfg.TokenTTL),
		signer:       NewURLSigner([]byte(secret)),
		internalKey:  internalKey,
		primaryAgent: primary,
		voice:        make(map[string][]*voiceConn),
	}, nil
}

// PendingRetention is how long undelivered notifications are kept before
// the sweep removes them.
func (g *Gateway) PendingRetention() time.Duration {
	if g.cfg.PendingRetention > 0 {
		return g.cfg.PendingRetention
	}
	return defaultPendingRetention
}

func readSecretFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("secret file path not configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
