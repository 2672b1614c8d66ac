package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/pkg/types"
)

// fakePendingStore implements notify.PendingStore in memory with the same
// conflict-do-nothing semantics as the real table.
type fakePendingStore struct {
	mu   sync.Mutex
	rows []types.PendingNotification
}

func newFakePendingStore() *fakePendingStore { return &fakePendingStore{} }

func (f *fakePendingStore) StorePending(_ context.Context, n types.Notification, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.NotificationID == n.NotificationID {
			return nil
		}
	}
	f.rows = append(f.rows, types.PendingNotification{
		ID:               int64(len(f.rows) + 1),
		SessionID:        n.SessionID,
		NotificationID:   n.NotificationID,
		NotificationType: n.NotificationType,
		Payload:          payload,
		CreatedAt:        time.Now().UTC(),
	})
	return nil
}

func (f *fakePendingStore) UndeliveredPending(_ context.Context, sessionID string) ([]types.PendingNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.PendingNotification
	for _, r := range f.rows {
		if r.SessionID == sessionID && r.DeliveredAt.IsZero() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakePendingStore) MarkPendingDelivered(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].DeliveredAt = time.Now().UTC()
		}
	}
	return nil
}

func (f *fakePendingStore) RecordPendingAttempt(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].DeliveryAttempts++
		}
	}
	return nil
}

func (f *fakePendingStore) SweepPending(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// ─── ws helpers ───────────────────────────────────────────────────────────────

func dialWS(t *testing.T, f *gatewayFixture, path string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, strings.Replace(srv.URL, "http://", "ws://", 1)+path, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readJSONFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame %q: %v", data, err)
	}
	return frame
}

func writeJSONFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func mintToken(t *testing.T, f *gatewayFixture, sessionID, scope string) string {
	t.Helper()
	token, err := f.gw.tokens.Mint(sessionID, scope)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// ─── ui stream ────────────────────────────────────────────────────────────────

func TestUIStream_RejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx,
		strings.Replace(srv.URL, "http://", "ws://", 1)+"/ws/conversations/s1/stream?token=bogus", nil)
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}

func TestUIStream_ConnectedThenNotification(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialWS(t, f, "/ws/conversations/s1/stream?token="+mintToken(t, f, "s1", "ui"))

	if frame := readJSONFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("first frame = %v, want connected", frame)
	}

	// Wait until the socket is registered, then dispatch through the fabric
	// as the broker consumer would.
	deadline := time.Now().Add(2 * time.Second)
	for f.gw.registry.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("socket never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	n := types.NewNotification(types.NotifyNewMessage, "gateway", "s1", map[string]any{"content": "hi"})
	payload, _ := json.Marshal(n)
	if err := f.gw.fabric.Dispatch(context.Background(), n, payload); err != nil {
		t.Fatal(err)
	}

	frame := readJSONFrame(t, conn)
	if frame["type"] != "notification" {
		t.Fatalf("frame = %v", frame)
	}
	data, _ := json.Marshal(frame["data"])
	var got types.Notification
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.NotificationID != n.NotificationID || got.Payload["content"] != "hi" {
		t.Errorf("delivered = %+v", got)
	}
}

func TestUIStream_ReplaysPendingOnConnect(t *testing.T) {
	f := newGatewayFixture(t)

	// Published while nobody is connected: lands in the pending store.
	n := types.NewNotification(types.NotifyNewMessage, "gateway", "s1", map[string]any{"content": "missed you"})
	payload, _ := json.Marshal(n)
	if err := f.gw.fabric.Dispatch(context.Background(), n, payload); err != nil {
		t.Fatal(err)
	}
	if len(f.pending.rows) != 1 {
		t.Fatalf("pending rows = %d, want 1", len(f.pending.rows))
	}

	conn := dialWS(t, f, "/ws/conversations/s1/stream?token="+mintToken(t, f, "s1", "ui"))
	if frame := readJSONFrame(t, conn); frame["type"] != "connected" {
		t.Fatal("missing connected greeting")
	}
	frame := readJSONFrame(t, conn)
	if frame["type"] != "notification" {
		t.Fatalf("replay frame = %v", frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.pending.mu.Lock()
		delivered := !f.pending.rows[0].DeliveredAt.IsZero()
		f.pending.mu.Unlock()
		if delivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending row never marked delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUIStream_UserMessageForwarded(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialWS(t, f, "/ws/conversations/s1/stream?token="+mintToken(t, f, "s1", "ui"))
	readJSONFrame(t, conn) // connected

	writeJSONFrame(t, conn, map[string]any{
		"type": "user_message", "content": "turn on the lights", "inputMode": "text",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.pub.mu.Lock()
		n := len(f.pub.agent)
		f.pub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("user message never reached the agent queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	if f.pub.agent[0].agentID != "primary_agent" ||
		f.pub.agent[0].n.Payload["content"] != "turn on the lights" {
		t.Errorf("forwarded = %+v", f.pub.agent[0])
	}
}

// ─── voice ws ─────────────────────────────────────────────────────────────────

func TestVoiceWS_RequiresStartSession(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialWS(t, f, "/ws/voice/s1?token="+mintToken(t, f, "s1", "voice"))

	writeJSONFrame(t, conn, map[string]any{"type": "something_else"})
	frame := readJSONFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "protocol" {
		t.Errorf("frame = %v", frame)
	}
}

func TestVoiceWS_AudioChunkedToBridge(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialWS(t, f, "/ws/voice/s1?token="+mintToken(t, f, "s1", "voice"))

	writeJSONFrame(t, conn, map[string]any{
		"type": "start_session",
		"payload": map[string]any{
			"platform": "web", "audio_format": "pcm_16000",
		},
	})
	if frame := readJSONFrame(t, conn); frame["type"] != "session_started" {
		t.Fatalf("frame = %v", frame)
	}

	// Two 1600-byte binary frames fill one 3200-byte bridge chunk.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 2 {
		if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 1600)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.pub.mu.Lock()
		var audio *types.CallAudio
		for _, q := range f.pub.queued {
			if a, ok := q.v.(types.CallAudio); ok && q.queue == bus.QueueCallAudio {
				audio = &a
			}
		}
		f.pub.mu.Unlock()
		if audio != nil {
			if audio.SessionID != "s1" {
				t.Errorf("call_audio = %+v", audio)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no call_audio published")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVoiceWS_StreamStartedAndEnded(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialWS(t, f, "/ws/voice/s1?token="+mintToken(t, f, "s1", "voice"))

	writeJSONFrame(t, conn, map[string]any{
		"type":    "start_session",
		"payload": map[string]any{"platform": "web", "audio_format": "pcm_16000"},
	})
	readJSONFrame(t, conn) // session_started

	waitFor := func(what string, pred func() bool) {
		deadline := time.Now().Add(2 * time.Second)
		for !pred() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitFor("stream_started", func() bool {
		f.pub.mu.Lock()
		defer f.pub.mu.Unlock()
		for _, q := range f.pub.queued {
			if s, ok := q.v.(types.StreamStarted); ok && s.Source == types.SourceWeb {
				return true
			}
		}
		return false
	})

	writeJSONFrame(t, conn, map[string]any{"type": "end_session"})
	waitFor("call_ended", func() bool {
		f.pub.mu.Lock()
		defer f.pub.mu.Unlock()
		for _, q := range f.pub.queued {
			if _, ok := q.v.(types.CallStreamEnded); ok {
				return true
			}
		}
		return false
	})
}

func TestDeliverVoiceAudio_ToLiveSocket(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialWS(t, f, "/ws/voice/s1?token="+mintToken(t, f, "s1", "voice"))

	writeJSONFrame(t, conn, map[string]any{
		"type":    "start_session",
		"payload": map[string]any{"platform": "web", "audio_format": "pcm_16000"},
	})
	readJSONFrame(t, conn) // session_started

	wav := []byte("RIFF0000WAVEfmt ")
	deadline := time.Now().Add(2 * time.Second)
	for f.gw.deliverVoiceAudio(context.Background(), "s1", wav) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("voice socket never became deliverable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageBinary || string(data) != string(wav) {
		t.Errorf("frame type %v, data %q", typ, data)
	}
}
