package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/provider/stt"
	"github.com/voxwire/voxwire/pkg/provider/tts"
	"github.com/voxwire/voxwire/pkg/types"
)

// session is the per-call state. The bridge's session map lock does not
// cover these fields; s.mu does.
type session struct {
	bridge *Bridge

	sessionID       string
	callID          string
	source          types.CallSource
	twilioCallSID   string
	twilioStreamSID string

	stt stt.SessionHandle

	mu  sync.Mutex
	buf *audio.ChunkBuffer

	// speaker is the diarization id the session locked onto, -1 until the
	// first attributed transcript arrives.
	speaker int

	// pending accumulates final transcript segments until the debounce
	// expires.
	pending  []string
	debounce *time.Timer

	// ttsUntil is the estimated end of the current TTS playback. Transcripts
	// arriving before it are the agent's own voice echoed back and are
	// discarded.
	ttsUntil time.Time

	// voice caches the resolved synthesis voice for the call.
	voice      tts.Voice
	voiceKnown bool

	closed bool
}

func newSession(b *Bridge, msg types.StreamStarted, handle stt.SessionHandle) *session {
	return &session{
		bridge:          b,
		sessionID:       msg.SessionID,
		callID:          msg.CallID,
		source:          msg.Source,
		twilioCallSID:   msg.TwilioCallSID,
		twilioStreamSID: msg.TwilioStreamSID,
		stt:             handle,
		buf:             audio.NewChunkBuffer(audio.MinChunkBytes, audio.MaxBufferBytes),
		speaker:         -1,
	}
}

// pushAudio buffers PCM and forwards chunks of at least MinChunkBytes, the
// provider's minimum. Overflow past MaxBufferBytes drops the oldest bytes.
func (s *session) pushAudio(pcm []byte) {
	s.mu.Lock()
	s.buf.Write(pcm)
	var chunks [][]byte
	for {
		chunk := s.buf.Take()
		if chunk == nil {
			break
		}
		chunks = append(chunks, chunk)
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	for _, chunk := range chunks {
		if err := s.stt.SendAudio(chunk); err != nil {
			slog.Error("stt send failed", "session_id", s.sessionID, "err", err)
			return
		}
	}
}

// readTranscripts pumps the STT channels until they close.
func (s *session) readTranscripts(ctx context.Context) {
	partials := s.stt.Partials()
	finals := s.stt.Finals()
	for partials != nil || finals != nil {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.handlePartial(ctx, tr)
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.handleFinal(ctx, tr)
		case <-ctx.Done():
			return
		}
	}
}

// handlePartial forwards an interim transcript to the gateway for live UI
// display. Interims never reach the agent.
func (s *session) handlePartial(ctx context.Context, tr stt.Transcript) {
	if !s.accept(tr) {
		return
	}
	if err := s.bridge.gateway.SendTranscription(ctx, s.sessionID, s.callID, tr.Text, false); err != nil {
		slog.Debug("interim transcript push failed", "session_id", s.sessionID, "err", err)
	}
}

// handleFinal appends a final transcript segment to the pending turn and
// (re)arms the debounce. Duplicated finals that differ only in formatting
// replace the earlier segment so the formatted version wins.
func (s *session) handleFinal(ctx context.Context, tr stt.Transcript) {
	if !s.accept(tr) {
		return
	}
	if err := s.bridge.gateway.SendTranscription(ctx, s.sessionID, s.callID, tr.Text, true); err != nil {
		slog.Debug("final transcript push failed", "session_id", s.sessionID, "err", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if n := len(s.pending); n > 0 && normalizeText(s.pending[n-1]) == normalizeText(tr.Text) {
		s.pending[n-1] = tr.Text
	} else {
		s.pending = append(s.pending, tr.Text)
	}

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.bridge.debounce, func() {
		s.flushTurn(context.Background())
	})
}

// accept applies the ducking and speaker-lock filters.
func (s *session) accept(tr stt.Transcript) bool {
	if strings.TrimSpace(tr.Text) == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.bridge.now().Before(s.ttsUntil) {
		// The agent is speaking; this is its own voice coming back.
		return false
	}
	if tr.Speaker >= 0 {
		if s.speaker < 0 {
			s.speaker = tr.Speaker
			slog.Debug("speaker locked", "session_id", s.sessionID, "speaker", tr.Speaker)
		} else if tr.Speaker != s.speaker {
			return false
		}
	}
	return true
}

// flushTurn dispatches the accumulated turn to the agent as a single
// message with call-mode metadata.
func (s *session) flushTurn(ctx context.Context) {
	s.mu.Lock()
	if s.closed || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	text := strings.Join(s.pending, " ")
	s.pending = nil
	s.mu.Unlock()

	n := types.NewNotification(types.NotifyNewMessage, "bridge", s.sessionID, map[string]any{
		"content": text,
		"voice_metadata": map[string]any{
			"is_call_mode": true,
			"call_id":      s.callID,
			"session_id":   s.sessionID,
		},
	})
	if err := s.bridge.pub.PublishToAgent(ctx, s.bridge.primaryAgent, n); err != nil {
		slog.Error("turn dispatch failed", "session_id", s.sessionID, "err", err)
		return
	}
	slog.Debug("turn dispatched", "session_id", s.sessionID, "chars", len(text))
}

// startDucking marks TTS playback for the estimated duration of text.
func (s *session) startDucking(text string) {
	until := s.bridge.now().Add(estimateSpeechDuration(text))
	s.mu.Lock()
	if until.After(s.ttsUntil) {
		s.ttsUntil = until
	}
	s.mu.Unlock()
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.mu.Unlock()

	if err := s.stt.Close(); err != nil {
		slog.Debug("stt close failed", "session_id", s.sessionID, "err", err)
	}
}

// estimateSpeechDuration approximates how long synthesized speech plays:
// about three words per second plus a second of padding, never less than
// two seconds.
func estimateSpeechDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	est := time.Duration(words)*time.Second/3 + time.Second
	if est < 2*time.Second {
		est = 2 * time.Second
	}
	return est
}

// normalizeText lowercases and strips everything but letters, digits and
// spaces, so "It costs $5." and "it costs 5" compare equal enough to catch
// formatted re-emissions of the same turn.
func normalizeText(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
