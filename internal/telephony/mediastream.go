package telephony

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

// carrierEvent is one JSON frame on the carrier media WS.
type carrierEvent struct {
	Event string `json:"event"`

	Start struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`

	Media struct {
		Payload string `json:"payload"` // base64 mulaw 8 kHz
	} `json:"media"`

	StreamSID string `json:"streamSid,omitempty"`
}

// mediaFrame is one outbound media message to the carrier.
type mediaFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// mediaStream is one live carrier media WS. Inbound audio is buffered to
// the bridge's minimum chunk; outbound writes are serialized by writeMu.
type mediaStream struct {
	adapter   *Adapter
	conn      *websocket.Conn
	sessionID string

	callID    string
	callSID   string
	streamSID string

	buf *audio.ChunkBuffer

	writeMu sync.Mutex

	closeOnce sync.Once
}

// RegisterMediaStream mounts the carrier media WS endpoint.
func (a *Adapter) RegisterMediaStream(mux *http.ServeMux) {
	mux.HandleFunc("GET /media-stream/{session_id}", a.handleMediaStream)
}

func (a *Adapter) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("media stream accept failed", "session_id", sessionID, "err", err)
		return
	}

	s := &mediaStream{
		adapter:   a,
		conn:      conn,
		sessionID: sessionID,
		buf:       audio.NewChunkBuffer(audio.MinChunkBytes, audio.MaxBufferBytes),
	}
	s.readLoop(r.Context())
}

// readLoop pumps carrier events until the socket drops or stop arrives.
func (s *mediaStream) readLoop(ctx context.Context) {
	defer s.shutdown(ctx)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var ev carrierEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("carrier event unmarshal failed", "err", err)
			continue
		}
		switch ev.Event {
		case "connected":
			// Protocol preamble, nothing to do.
		case "start":
			s.handleStart(ctx, ev)
		case "media":
			s.handleMedia(ctx, ev)
		case "mark":
			// Playback checkpoint acks are unused.
		case "stop":
			return
		}
	}
}

// handleStart wires the stream into the system: register the socket,
// answer outbound calls, and announce the session to the bridge.
func (s *mediaStream) handleStart(ctx context.Context, ev carrierEvent) {
	params := ev.Start.CustomParameters
	s.callID = params["call_id"]
	s.callSID = params["twilio_call_sid"]
	if s.callSID == "" {
		s.callSID = ev.Start.CallSID
	}
	s.streamSID = ev.Start.StreamSID

	s.adapter.registerStream(s.callSID, s)

	source := types.SourceTwilioInbound
	if params["direction"] == "outbound" {
		source = types.SourceTwilioOutbound
		// The callee picked up; the call is live.
		if err := s.adapter.gateway.AnswerCall(ctx, s.callID, "user"); err != nil {
			slog.Error("outbound answer failed", "call_id", s.callID, "err", err)
		}
	}

	started := types.StreamStarted{
		Type:            "stream_started",
		SessionID:       s.sessionID,
		CallID:          s.callID,
		Source:          source,
		TwilioStreamSID: s.streamSID,
		TwilioCallSID:   s.callSID,
	}
	if err := s.adapter.pub.PublishJSON(ctx, bus.QueueCallAudio, started); err != nil {
		slog.Error("stream_started publish failed", "call_id", s.callID, "err", err)
	}
	slog.Info("media stream started", "call_id", s.callID,
		"stream_sid", s.streamSID)
}

// handleMedia upsamples one carrier mulaw packet to bridge PCM and ships
// complete chunks.
func (s *mediaStream) handleMedia(ctx context.Context, ev carrierEvent) {
	mulaw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		slog.Debug("media payload decode failed", "err", err)
		return
	}
	pcm := audio.ResampleMono16(audio.MulawToPCM(mulaw), audio.CarrierRate, audio.BridgeRate)

	s.buf.Write(pcm)
	for {
		chunk := s.buf.Take()
		if chunk == nil {
			return
		}
		msg := types.CallAudio{
			Type:      "call_audio",
			SessionID: s.sessionID,
			CallID:    s.callID,
			AudioData: base64.StdEncoding.EncodeToString(chunk),
		}
		if err := s.adapter.pub.PublishJSON(ctx, bus.QueueCallAudio, msg); err != nil {
			slog.Error("call_audio publish failed", "call_id", s.callID, "err", err)
			return
		}
	}
}

// sendMedia writes one outbound media frame to the carrier.
func (s *mediaStream) sendMedia(ctx context.Context, mulaw []byte) error {
	frame := mediaFrame{Event: "media", StreamSID: s.streamSID}
	frame.Media.Payload = base64.StdEncoding.EncodeToString(mulaw)
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// shutdown tears the stream down exactly once: unregister, tell the bridge,
// close the socket.
func (s *mediaStream) shutdown(ctx context.Context) {
	s.closeOnce.Do(func() {
		if s.callSID != "" {
			s.adapter.unregisterStream(s.callSID)
		}
		if s.callID != "" {
			ended := types.CallStreamEnded{
				Type:      "call_ended",
				SessionID: s.sessionID,
				CallID:    s.callID,
			}
			if err := s.adapter.pub.PublishJSON(ctx, bus.QueueCallAudio, ended); err != nil {
				slog.Error("call_ended publish failed", "call_id", s.callID, "err", err)
			}
		}
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		slog.Info("media stream closed", "call_id", s.callID)
	})
}
