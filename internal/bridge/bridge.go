// Package bridge is the per-call voice coordinator. For every active call it
// owns a streaming STT session, accumulates user speech into debounced turns
// for the agent, synthesizes agent speech, and routes audio to the web or
// telephony egress.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/provider/stt"
	"github.com/voxwire/voxwire/pkg/provider/tts"
	"github.com/voxwire/voxwire/pkg/types"
)

// defaultDebounce is how long the bridge waits after a final transcript
// before flushing the accumulated turn to the agent. Short silences between
// clauses must not fragment one user turn into several agent invocations.
const defaultDebounce = 1200 * time.Millisecond

// ─── collaborator interfaces ──────────────────────────────────────────────────

// Publisher is the broker surface the bridge needs. *bus.Publisher
// satisfies it.
type Publisher interface {
	PublishToAgent(ctx context.Context, agentID string, n types.Notification) error
	PublishJSON(ctx context.Context, queue string, v any) error
}

// GatewayClient pushes interim transcripts and synthesized web audio to the
// gateway's internal API.
type GatewayClient interface {
	SendTranscription(ctx context.Context, sessionID, callID, text string, isFinal bool) error
	SendTTSAudio(ctx context.Context, sessionID, callID string, wav []byte) error
}

// VoiceResolver maps an agent id to its synthesis voice. *tts.VoiceLookup
// satisfies it.
type VoiceResolver interface {
	Resolve(ctx context.Context, agentID string) (tts.Voice, error)
}

// ─── bridge ───────────────────────────────────────────────────────────────────

// Option configures a Bridge.
type Option func(*Bridge)

// WithDebounce overrides the turn debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(b *Bridge) { b.debounce = d }
}

// WithClock overrides the time source used for TTS ducking.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithPrimaryAgent overrides the agent that receives user turns and voice
// failure signals.
func WithPrimaryAgent(id string) Option {
	return func(b *Bridge) { b.primaryAgent = id }
}

// Bridge coordinates all voice sessions of one bridge process. The session
// map is guarded by one lock; per-session state is mutated only by the
// session's own goroutines and the locked handlers below.
type Bridge struct {
	stt         stt.Provider
	streamTTS   tts.StreamProvider
	bufferedTTS tts.BufferedProvider
	voices      VoiceResolver
	pub         Publisher
	gateway     GatewayClient
	metrics     *observe.Metrics

	synth *resilience.Fallback[[]byte]

	debounce     time.Duration
	primaryAgent string
	now          func() time.Time
	decodeMP3    func(data []byte) (mono []byte, rate int, err error)

	mu       sync.Mutex
	sessions map[string]*session
}

// New wires a Bridge. streamTTS is preferred for synthesis; bufferedTTS is
// the degradation path behind a circuit breaker.
func New(sttp stt.Provider, streamTTS tts.StreamProvider, bufferedTTS tts.BufferedProvider,
	voices VoiceResolver, pub Publisher, gateway GatewayClient, metrics *observe.Metrics,
	opts ...Option) *Bridge {

	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	b := &Bridge{
		stt:          sttp,
		streamTTS:    streamTTS,
		bufferedTTS:  bufferedTTS,
		voices:       voices,
		pub:          pub,
		gateway:      gateway,
		metrics:      metrics,
		synth:        resilience.NewFallback[[]byte]("tts", resilience.Config{}),
		debounce:     defaultDebounce,
		primaryAgent: "primary_agent",
		now:          time.Now,
		decodeMP3:    audio.DecodeMP3,
		sessions:     make(map[string]*session),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run consumes the audio and speak-request queues until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, conn *bus.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Consume(ctx, conn, bus.QueueCallAudio, b.handleAudioMessage)
	})
	g.Go(func() error {
		return bus.Consume(ctx, conn, bus.QueueVoiceGateway, b.handleSpeakMessage)
	})
	err := g.Wait()
	b.closeAll()
	return err
}

// handleAudioMessage dispatches one call_audio_queue delivery by its type
// discriminator.
func (b *Bridge) handleAudioMessage(ctx context.Context, d amqp.Delivery) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(d.Body, &head); err != nil {
		slog.Error("audio message unmarshal failed", "err", err)
		return nil
	}

	switch head.Type {
	case "stream_started":
		var msg types.StreamStarted
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return nil
		}
		if err := b.startSession(ctx, msg); err != nil {
			slog.Error("session start failed", "session_id", msg.SessionID, "err", err)
			b.signalVoiceFailure(ctx, msg.SessionID, msg.CallID, "stt", "")
		}
	case "call_audio":
		var msg types.CallAudio
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return nil
		}
		b.ingestAudio(msg)
	case "call_ended":
		var msg types.CallStreamEnded
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return nil
		}
		b.endSession(msg.SessionID)
	default:
		slog.Warn("unknown audio message type", "type", head.Type)
	}
	return nil
}

// handleSpeakMessage processes one speak request from an agent.
func (b *Bridge) handleSpeakMessage(ctx context.Context, d amqp.Delivery) error {
	var req types.SpeakRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		slog.Error("speak request unmarshal failed", "err", err)
		return nil
	}
	if !req.IsCallSpeech || req.Content == "" {
		return nil
	}
	b.Speak(ctx, req)
	return nil
}

// startSession opens the STT stream for a new call and registers the
// session. Must arrive before any audio so outbound speech has an egress.
func (b *Bridge) startSession(ctx context.Context, msg types.StreamStarted) error {
	b.mu.Lock()
	if _, exists := b.sessions[msg.SessionID]; exists {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	handle, err := b.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		return fmt.Errorf("bridge: start stt: %w", err)
	}

	s := newSession(b, msg, handle)

	b.mu.Lock()
	b.sessions[msg.SessionID] = s
	b.mu.Unlock()
	b.metrics.ActiveStreams.Add(ctx, 1)

	go s.readTranscripts(ctx)

	slog.Info("voice session started", "session_id", msg.SessionID,
		"call_id", msg.CallID, "source", msg.Source)
	return nil
}

// ingestAudio buffers caller audio and forwards complete chunks to STT.
func (b *Bridge) ingestAudio(msg types.CallAudio) {
	s := b.session(msg.SessionID)
	if s == nil {
		slog.Warn("audio for unknown session", "session_id", msg.SessionID)
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		slog.Error("audio decode failed", "session_id", msg.SessionID, "err", err)
		return
	}
	s.pushAudio(pcm)
}

// endSession drops one session and closes its STT stream.
func (b *Bridge) endSession(sessionID string) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	b.metrics.ActiveStreams.Add(context.Background(), -1)
	slog.Info("voice session ended", "session_id", sessionID)
}

func (b *Bridge) session(sessionID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// signalVoiceFailure tells the primary agent to degrade to text. text
// carries the undelivered content for TTS failures.
func (b *Bridge) signalVoiceFailure(ctx context.Context, sessionID, callID, component, text string) {
	payload := map[string]any{
		"type":            "voice_failure",
		"call_id":         callID,
		"component":       component,
		"fallback_action": "use_text_mode",
	}
	if text != "" {
		payload["original_text"] = text
	}
	n := types.NewNotification(types.NotifySystemAlert, "bridge", sessionID, payload)
	if err := b.pub.PublishToAgent(ctx, b.primaryAgent, n); err != nil {
		slog.Error("voice failure signal failed", "session_id", sessionID, "err", err)
	}
	b.metrics.RecordProviderError(ctx, component, "fatal")
}
