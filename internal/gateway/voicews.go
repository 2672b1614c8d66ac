package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/types"
)

// voiceControl is a text frame on the voice socket.
type voiceControl struct {
	Type    string `json:"type"`
	Payload struct {
		Platform      string `json:"platform"`
		AudioFormat   string `json:"audio_format"`
		UserTimezone  string `json:"user_timezone,omitempty"`
		EndpointingMS int    `json:"endpointing_ms,omitempty"`
		TTSProvider   string `json:"tts_provider,omitempty"`
		TTSVoiceID    string `json:"tts_voice_id,omitempty"`
	} `json:"payload"`
}

// voiceConn is one live browser voice socket; TTS audio goes out as binary
// WAV frames.
type voiceConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (v *voiceConn) writeBinary(ctx context.Context, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn.Write(ctx, websocket.MessageBinary, data)
}

func (v *voiceConn) writeJSON(ctx context.Context, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn.Write(ctx, websocket.MessageText, data)
}

// handleVoiceWS serves the browser voice pipeline: a start_session control
// frame, then binary 16 kHz PCM inbound and binary WAV outbound.
func (g *Gateway) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := g.tokens.Verify(r.URL.Query().Get("token"), sessionID, "voice"); err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("voice ws accept failed", "session_id", sessionID, "err", err)
		return
	}
	ctx := r.Context()
	vc := &voiceConn{conn: conn}
	defer conn.Close(websocket.StatusNormalClosure, "voice session over")

	// The session is not live until the client declares itself.
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var start voiceControl
	if typ != websocket.MessageText || json.Unmarshal(data, &start) != nil || start.Type != "start_session" {
		vc.writeJSON(ctx, errorFrame{
			Type: "error", Code: "protocol", Message: "first frame must be start_session",
			Severity: "fatal", RetryPossible: false,
		})
		conn.Close(websocket.StatusPolicyViolation, "missing start_session")
		return
	}

	callID := ""
	if call := g.calls.ActiveForSession(sessionID); call != nil {
		callID = call.CallID
	}
	started := types.StreamStarted{
		Type:      "stream_started",
		SessionID: sessionID,
		CallID:    callID,
		Source:    types.SourceWeb,
	}
	if err := g.pub.PublishJSON(ctx, bus.QueueCallAudio, started); err != nil {
		slog.Error("stream_started publish failed", "session_id", sessionID, "err", err)
		conn.Close(websocket.StatusInternalError, "bridge unavailable")
		return
	}

	g.addVoiceConn(sessionID, vc)
	defer func() {
		g.removeVoiceConn(sessionID, vc)
		ended := types.CallStreamEnded{Type: "call_ended", SessionID: sessionID, CallID: callID}
		if err := g.pub.PublishJSON(context.WithoutCancel(ctx), bus.QueueCallAudio, ended); err != nil {
			slog.Error("call_ended publish failed", "session_id", sessionID, "err", err)
		}
	}()

	vc.writeJSON(ctx, map[string]string{"type": "session_started", "call_id": callID})
	slog.Info("voice session started", "session_id", sessionID,
		"platform", start.Payload.Platform, "call_id", callID)

	buf := audio.NewChunkBuffer(audio.MinChunkBytes, audio.MaxBufferBytes)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			buf.Write(data)
			for {
				chunk := buf.Take()
				if chunk == nil {
					break
				}
				msg := types.CallAudio{
					Type:      "call_audio",
					SessionID: sessionID,
					CallID:    callID,
					AudioData: base64.StdEncoding.EncodeToString(chunk),
				}
				if err := g.pub.PublishJSON(ctx, bus.QueueCallAudio, msg); err != nil {
					slog.Error("call_audio publish failed", "session_id", sessionID, "err", err)
				}
			}
		case websocket.MessageText:
			var ctl voiceControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				vc.writeJSON(ctx, errorFrame{
					Type: "error", Code: "bad_frame", Message: "invalid JSON",
					Severity: "warning", RetryPossible: true,
				})
				continue
			}
			if ctl.Type == "end_session" {
				return
			}
		}
	}
}

// ─── voice socket registry ────────────────────────────────────────────────────

func (g *Gateway) addVoiceConn(sessionID string, vc *voiceConn) {
	g.voiceMu.Lock()
	defer g.voiceMu.Unlock()
	g.voice[sessionID] = append(g.voice[sessionID], vc)
}

func (g *Gateway) removeVoiceConn(sessionID string, vc *voiceConn) {
	g.voiceMu.Lock()
	defer g.voiceMu.Unlock()
	conns := g.voice[sessionID]
	for i, c := range conns {
		if c == vc {
			g.voice[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(g.voice[sessionID]) == 0 {
		delete(g.voice, sessionID)
	}
}

// deliverVoiceAudio writes one WAV blob to every live voice socket of a
// session, evicting sockets that fail. Returns how many sends succeeded.
func (g *Gateway) deliverVoiceAudio(ctx context.Context, sessionID string, wav []byte) int {
	g.voiceMu.Lock()
	conns := append([]*voiceConn(nil), g.voice[sessionID]...)
	g.voiceMu.Unlock()

	delivered := 0
	for _, vc := range conns {
		if err := vc.writeBinary(ctx, wav); err != nil {
			slog.Warn("voice audio send failed, evicting socket", "session_id", sessionID, "err", err)
			g.removeVoiceConn(sessionID, vc)
			continue
		}
		delivered++
	}
	return delivered
}
