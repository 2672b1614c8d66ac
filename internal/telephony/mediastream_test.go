package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voxwire/voxwire/pkg/types"
)

// dialMediaStream serves the carrier media WS endpoint over httptest and
// dials it as the carrier would.
func dialMediaStream(t *testing.T, a *Adapter, sessionID string) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	a.RegisterMediaStream(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1) + "/media-stream/" + sessionID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev map[string]any) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func startEvent(direction string) map[string]any {
	return map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZ1",
			"callSid":   "CA1",
			"customParameters": map[string]string{
				"call_id":             "call-1",
				"twilio_call_sid":     "CA1",
				"caller_phone_number": "+15551234567",
				"caller_name":         "Margaret",
				"direction":           direction,
			},
		},
	}
}

// waitQueued polls the fake publisher until pred matches a queued message.
func waitQueued(t *testing.T, pub *fakeAdapterPub, what string, pred func(any) bool) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pub.mu.Lock()
		for _, q := range pub.queued {
			if pred(q.v) {
				v := q.v
				pub.mu.Unlock()
				return v
			}
		}
		pub.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return nil
}

func TestMediaStream_StartPublishesStreamStarted(t *testing.T) {
	f := newAdapterFixture(t, nil)
	conn := dialMediaStream(t, f.adapter, "sess-1")

	sendEvent(t, conn, map[string]any{"event": "connected"})
	sendEvent(t, conn, startEvent("inbound"))

	v := waitQueued(t, f.pub, "stream_started", func(v any) bool {
		_, ok := v.(types.StreamStarted)
		return ok
	})
	started := v.(types.StreamStarted)
	if started.SessionID != "sess-1" || started.CallID != "call-1" ||
		started.TwilioCallSID != "CA1" || started.TwilioStreamSID != "MZ1" {
		t.Errorf("stream_started = %+v", started)
	}
	if started.Source != types.SourceTwilioInbound {
		t.Errorf("source = %s, want twilio_inbound", started.Source)
	}

	// The socket is reachable by call sid for TTS playback.
	deadline := time.Now().Add(2 * time.Second)
	for f.adapter.stream("CA1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMediaStream_OutboundStartAnswersCall(t *testing.T) {
	f := newAdapterFixture(t, nil)
	conn := dialMediaStream(t, f.adapter, "sess-1")

	sendEvent(t, conn, startEvent("outbound"))

	v := waitQueued(t, f.pub, "stream_started", func(v any) bool {
		_, ok := v.(types.StreamStarted)
		return ok
	})
	if v.(types.StreamStarted).Source != types.SourceTwilioOutbound {
		t.Errorf("source = %s, want twilio_outbound", v.(types.StreamStarted).Source)
	}
	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.answered) != 1 || f.gw.answered[0] != "call-1" {
		t.Errorf("answered = %v, want [call-1]", f.gw.answered)
	}
}

func TestMediaStream_MediaChunksToBridge(t *testing.T) {
	f := newAdapterFixture(t, nil)
	conn := dialMediaStream(t, f.adapter, "sess-1")
	sendEvent(t, conn, startEvent("inbound"))

	// One 160-byte mulaw packet becomes 640 bytes of 16 kHz PCM, so five
	// packets fill exactly one bridge chunk.
	packet := base64.StdEncoding.EncodeToString(make([]byte, 160))
	for range 5 {
		sendEvent(t, conn, map[string]any{
			"event": "media",
			"media": map[string]any{"payload": packet},
		})
	}

	v := waitQueued(t, f.pub, "call_audio", func(v any) bool {
		_, ok := v.(types.CallAudio)
		return ok
	})
	msg := v.(types.CallAudio)
	if msg.SessionID != "sess-1" || msg.CallID != "call-1" {
		t.Errorf("call_audio = %+v", msg)
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != 3200 {
		t.Errorf("chunk = %d bytes, want 3200", len(pcm))
	}
}

func TestMediaStream_StopPublishesCallEnded(t *testing.T) {
	f := newAdapterFixture(t, nil)
	conn := dialMediaStream(t, f.adapter, "sess-1")
	sendEvent(t, conn, startEvent("inbound"))
	waitQueued(t, f.pub, "stream_started", func(v any) bool {
		_, ok := v.(types.StreamStarted)
		return ok
	})

	sendEvent(t, conn, map[string]any{"event": "stop", "streamSid": "MZ1"})

	v := waitQueued(t, f.pub, "call_ended", func(v any) bool {
		_, ok := v.(types.CallStreamEnded)
		return ok
	})
	ended := v.(types.CallStreamEnded)
	if ended.SessionID != "sess-1" || ended.CallID != "call-1" {
		t.Errorf("call_ended = %+v", ended)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.adapter.stream("CA1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("stream never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTTSFrame_ReframedOntoStream(t *testing.T) {
	f := newAdapterFixture(t, nil)
	conn := dialMediaStream(t, f.adapter, "sess-1")
	sendEvent(t, conn, startEvent("inbound"))
	waitQueued(t, f.pub, "stream_started", func(v any) bool {
		_, ok := v.(types.StreamStarted)
		return ok
	})

	// 400 mulaw bytes reframe into three 160-byte packets, the last one
	// padded with mulaw silence.
	frame := types.TwilioTTSFrame{
		CallSID:   "CA1",
		StreamSID: "MZ1",
		AudioData: base64.StdEncoding.EncodeToString(make([]byte, 400)),
	}
	body, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.adapter.handleTTSFrame(context.Background(), amqp.Delivery{Body: body}); err != nil {
		t.Fatalf("handleTTSFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 3 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read media frame %d: %v", i, err)
		}
		var out mediaFrame
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
		if out.Event != "media" || out.StreamSID != "MZ1" {
			t.Errorf("frame %d = %+v", i, out)
		}
		mulaw, err := base64.StdEncoding.DecodeString(out.Media.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if len(mulaw) != 160 {
			t.Errorf("frame %d payload = %d bytes, want 160", i, len(mulaw))
		}
	}
}

func TestTTSFrame_DeadStreamDropped(t *testing.T) {
	f := newAdapterFixture(t, nil)
	frame := types.TwilioTTSFrame{CallSID: "CA-gone", AudioData: "AAAA"}
	body, _ := json.Marshal(frame)
	if err := f.adapter.handleTTSFrame(context.Background(), amqp.Delivery{Body: body}); err != nil {
		t.Fatalf("dead-stream frame must ack, got %v", err)
	}
}
