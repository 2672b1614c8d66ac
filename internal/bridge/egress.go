package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/provider/tts"
	"github.com/voxwire/voxwire/pkg/types"
)

// Speak synthesizes one speak request and routes the audio to the session's
// egress. Synthesis prefers the streaming provider and degrades to the
// buffered one behind the circuit breaker; when both fail the agent is told
// to fall back to text.
func (b *Bridge) Speak(ctx context.Context, req types.SpeakRequest) {
	s := b.session(req.SessionID)
	if s == nil {
		slog.Warn("speak request for unknown session", "session_id", req.SessionID)
		b.signalVoiceFailure(ctx, req.SessionID, req.CallID, "tts", req.Content)
		return
	}

	voice, err := b.resolveVoice(ctx, s, req.AgentID)
	if err != nil {
		slog.Error("voice lookup failed", "agent_id", req.AgentID, "err", err)
		b.signalVoiceFailure(ctx, req.SessionID, req.CallID, "tts", req.Content)
		return
	}

	start := b.now()
	pcm, degraded, err := b.synth.Do(ctx,
		func(ctx context.Context) ([]byte, error) {
			return tts.Collect(ctx, b.streamTTS, req.Content, voice)
		},
		func(ctx context.Context) ([]byte, error) {
			return b.bufferedTTS.Synthesize(ctx, req.Content, voice)
		},
	)
	b.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Error("synthesis failed on both providers",
			"session_id", req.SessionID, "err", err)
		b.signalVoiceFailure(ctx, req.SessionID, req.CallID, "tts", req.Content)
		return
	}
	if degraded {
		slog.Warn("synthesis degraded to buffered provider", "session_id", req.SessionID)
	}

	s.startDucking(req.Content)

	if err := b.routeAudio(ctx, s, pcm); err != nil {
		slog.Error("audio egress failed", "session_id", req.SessionID,
			"source", s.source, "err", err)
		b.signalVoiceFailure(ctx, req.SessionID, req.CallID, "tts", req.Content)
	}
}

// resolveVoice returns the session's cached voice, resolving it on first
// use. The cache lives for the call; agents do not change voice mid-call.
func (b *Bridge) resolveVoice(ctx context.Context, s *session, agentID string) (tts.Voice, error) {
	s.mu.Lock()
	if s.voiceKnown {
		v := s.voice
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err := b.voices.Resolve(ctx, agentID)
	if err != nil {
		return tts.Voice{}, err
	}
	s.mu.Lock()
	s.voice = v
	s.voiceKnown = true
	s.mu.Unlock()
	return v, nil
}

// routeAudio sends synthesized PCM to the right transport. Web clients get
// a WAV blob via the gateway; telephony gets 8 kHz mulaw on the carrier TTS
// queue.
func (b *Bridge) routeAudio(ctx context.Context, s *session, pcm []byte) error {
	// Providers return raw 16 kHz PCM, but a misconfigured buffered endpoint
	// may hand back a full container; unwrap it rather than play the header.
	rate := audio.BridgeRate
	if body, info, err := audio.ParseWAV(pcm); err == nil {
		pcm = body
		if info.Channels == 2 {
			pcm = audio.StereoToMono(pcm)
		}
		if info.SampleRate > 0 {
			rate = info.SampleRate
		}
	} else if audio.IsMP3(pcm) {
		mono, mp3Rate, err := b.decodeMP3(pcm)
		if err != nil {
			return fmt.Errorf("bridge: mp3 synthesis: %w", err)
		}
		pcm = mono
		rate = mp3Rate
	}

	if s.source == types.SourceWeb {
		wav := audio.WrapWAV(pcm, rate, 1)
		return b.gateway.SendTTSAudio(ctx, s.sessionID, s.callID, wav)
	}

	// Telephony: downsample to the carrier rate and compand to mulaw.
	carrier := audio.ResampleMono16(pcm, rate, audio.CarrierRate)
	frame := types.TwilioTTSFrame{
		CallSID:   s.twilioCallSID,
		StreamSID: s.twilioStreamSID,
		AudioData: base64.StdEncoding.EncodeToString(audio.PCMToMulaw(carrier)),
	}
	return b.pub.PublishJSON(ctx, bus.QueueTwilioTTS, frame)
}
