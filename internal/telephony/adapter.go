// Package telephony terminates carrier webhooks and media streams. It gates
// inbound calls on the phone-number whitelist, bridges carrier mulaw audio
// to the voice bridge's 16 kHz PCM, paces synthesized speech back to the
// carrier, and originates outbound calls over the carrier REST API.
package telephony

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/pkg/types"
)

// dtmfPattern is the only digit string shape ever forwarded to the carrier.
// Anything else is rejected to keep caller input out of control markup.
var dtmfPattern = regexp.MustCompile(`^[0-9*#wW]+$`)

// whitelistTTL bounds how long a whitelist lookup is cached.
const whitelistTTL = 60 * time.Second

// ─── collaborator interfaces ──────────────────────────────────────────────────

// WhitelistStore answers whether a phone number may call in. *store.Store
// satisfies it.
type WhitelistStore interface {
	LookupAllowedNumber(ctx context.Context, phoneNumber string) (string, bool, error)
}

// GatewayCaller is the gateway's internal call API as seen from the
// adapter.
type GatewayCaller interface {
	// RegisterInboundCall creates the Call for an accepted inbound carrier
	// call and returns its ids.
	RegisterInboundCall(ctx context.Context, twilioCallSID, callerNumber, callerName string) (callID, sessionID string, err error)

	// AnswerCall moves a ringing call to connected.
	AnswerCall(ctx context.Context, callID, answeredBy string) error

	// EndCall terminates a call.
	EndCall(ctx context.Context, callID, endedBy string, reason types.EndReason) error
}

// Publisher is the broker surface the adapter needs. *bus.Publisher
// satisfies it.
type Publisher interface {
	PublishJSON(ctx context.Context, queue string, v any) error
	PublishToAgent(ctx context.Context, agentID string, n types.Notification) error
}

// CarrierAPI originates and terminates carrier calls. *RESTClient talks to
// the real carrier; tests use a fake.
type CarrierAPI interface {
	CreateCall(ctx context.Context, toNumber, answerURL, statusURL string) (callSID string, err error)
	CompleteCall(ctx context.Context, callSID string) error
	SendDigits(ctx context.Context, callSID, digits string) error
}

// ─── adapter ──────────────────────────────────────────────────────────────────

// Option configures an Adapter.
type Option func(*Adapter)

// WithFramePacing overrides the inter-frame delay of the TTS consumer.
// Tests set it to zero.
func WithFramePacing(d time.Duration) Option {
	return func(a *Adapter) { a.framePacing = d }
}

// WithClock overrides the time source used by the whitelist cache.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter is the carrier-facing process state. The stream map and the
// whitelist cache each sit behind their own lock; everything else is
// immutable after New.
type Adapter struct {
	cfg     config.TelephonyConfig
	store   WhitelistStore
	gateway GatewayCaller
	pub     Publisher
	carrier CarrierAPI
	metrics *observe.Metrics

	internalKey  string
	primaryAgent string
	framePacing  time.Duration
	now          func() time.Time

	mu      sync.Mutex
	streams map[string]*mediaStream // twilio_call_sid → live media WS

	cacheMu sync.Mutex
	wcache  map[string]whitelistEntry
}

type whitelistEntry struct {
	name    string
	allowed bool
	fetched time.Time
}

// New builds an Adapter. The internal API key is loaded from the configured
// file; a missing or empty file is a deployment error and New fails.
func New(cfg config.TelephonyConfig, st WhitelistStore, gw GatewayCaller, pub Publisher,
	carrier CarrierAPI, metrics *observe.Metrics, opts ...Option) (*Adapter, error) {

	raw, err := os.ReadFile(cfg.InternalKeyFile)
	if err != nil {
		return nil, fmt.Errorf("telephony: read internal key: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return nil, fmt.Errorf("telephony: internal key file %s is empty", cfg.InternalKeyFile)
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	a := &Adapter{
		cfg:          cfg,
		store:        st,
		gateway:      gw,
		pub:          pub,
		carrier:      carrier,
		metrics:      metrics,
		internalKey:  key,
		primaryAgent: "primary_agent",
		framePacing:  15 * time.Millisecond,
		now:          time.Now,
		streams:      make(map[string]*mediaStream),
		wcache:       make(map[string]whitelistEntry),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// lookupWhitelist checks the caller against allowed_phone_numbers with a
// short-lived cache so webhook bursts do not hammer the store.
func (a *Adapter) lookupWhitelist(ctx context.Context, number string) (string, bool, error) {
	now := a.now()

	a.cacheMu.Lock()
	if e, ok := a.wcache[number]; ok && now.Sub(e.fetched) < whitelistTTL {
		a.cacheMu.Unlock()
		return e.name, e.allowed, nil
	}
	a.cacheMu.Unlock()

	name, allowed, err := a.store.LookupAllowedNumber(ctx, number)
	if err != nil {
		return "", false, err
	}
	a.cacheMu.Lock()
	a.wcache[number] = whitelistEntry{name: name, allowed: allowed, fetched: now}
	a.cacheMu.Unlock()
	return name, allowed, nil
}

// activeStreamCount reports how many carrier calls currently hold a media
// socket. Used for the concurrency cap.
func (a *Adapter) activeStreamCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

func (a *Adapter) registerStream(callSID string, s *mediaStream) {
	a.mu.Lock()
	a.streams[callSID] = s
	a.mu.Unlock()
}

func (a *Adapter) unregisterStream(callSID string) {
	a.mu.Lock()
	delete(a.streams, callSID)
	a.mu.Unlock()
}

func (a *Adapter) stream(callSID string) *mediaStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[callSID]
}

// ValidDTMF reports whether digits may be forwarded to the carrier.
func ValidDTMF(digits string) bool {
	return dtmfPattern.MatchString(digits)
}

// RedactPhone masks a phone number for logging, keeping the last four
// digits.
func RedactPhone(number string) string {
	if len(number) <= 4 {
		return "***"
	}
	return "***" + number[len(number)-4:]
}
