package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// ─── test doubles ─────────────────────────────────────────────────────────────

type stubSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *stubSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func (s *stubSender) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

type fakePendingStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []types.PendingNotification

	storeErr error
	attempts map[int64]int
}

func newFakePendingStore() *fakePendingStore {
	return &fakePendingStore{nextID: 1, attempts: make(map[int64]int)}
}

func (f *fakePendingStore) StorePending(_ context.Context, n types.Notification, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	for _, r := range f.rows {
		if r.NotificationID == n.NotificationID {
			return nil // conflict, do nothing
		}
	}
	f.rows = append(f.rows, types.PendingNotification{
		ID:               f.nextID,
		SessionID:        n.SessionID,
		NotificationID:   n.NotificationID,
		NotificationType: n.NotificationType,
		Payload:          append([]byte(nil), payload...),
		CreatedAt:        time.Now(),
	})
	f.nextID++
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
			f.rows[i].DeliveredAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("no row %d", id)
}

func (f *fakePendingStore) RecordPendingAttempt(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id]++
	return nil
}

func (f *fakePendingStore) SweepPending(_ context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var kept []types.PendingNotification
	var removed int64
	for _, r := range f.rows {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return removed, nil
}

func (f *fakePendingStore) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// ─── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry()
	a, b := &stubSender{}, &stubSender{}

	r.Add("sess1", a)
	r.Add("sess1", b)
	r.Add("sess2", a)

	if got := len(r.Sockets("sess1")); got != 2 {
		t.Errorf("sess1 sockets = %d, want 2", got)
	}
	if got := r.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}

	r.Remove("sess1", a)
	if got := len(r.Sockets("sess1")); got != 1 {
		t.Errorf("after remove, sess1 sockets = %d, want 1", got)
	}
	r.Remove("sess1", b)
	if got := len(r.Sockets("sess1")); got != 0 {
		t.Errorf("after removing all, sess1 sockets = %d, want 0", got)
	}
	// Removing from a gone session must not panic.
	r.Remove("sess1", b)
}

// ─── dispatch routing ─────────────────────────────────────────────────────────

func TestDispatch_LiveDelivery(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)

	a, b := &stubSender{}, &stubSender{}
	reg.Add("sess1", a)
	reg.Add("sess1", b)

	n := types.NewNotification(types.NotifyNewMessage, "agent", "sess1", map[string]any{"text": "hi"})
	payload := []byte(`{"notification_type":"new_message"}`)

	if err := fab.Dispatch(context.Background(), n, payload); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(a.sent()) != 1 || len(b.sent()) != 1 {
		t.Errorf("sockets got %d/%d frames, want 1/1", len(a.sent()), len(b.sent()))
	}
	if st.storedCount() != 0 {
		t.Errorf("stored %d rows for a delivered notification", st.storedCount())
	}
}

func TestDispatch_StoresWhenOffline(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)

	n := types.NewNotification(types.NotifyTimerAlert, "scheduler", "sess1", nil)
	if err := fab.Dispatch(context.Background(), n, []byte(`{}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if st.storedCount() != 1 {
		t.Fatalf("stored %d rows, want 1", st.storedCount())
	}

	// Same notification again is a no-op (conflict on notification_id).
	if err := fab.Dispatch(context.Background(), n, []byte(`{}`)); err != nil {
		t.Fatalf("Dispatch repeat: %v", err)
	}
	if st.storedCount() != 1 {
		t.Errorf("duplicate store grew table to %d rows", st.storedCount())
	}
}

func TestDispatch_EvictsFailedSocket(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)

	dead := &stubSender{err: errors.New("broken pipe")}
	live := &stubSender{}
	reg.Add("sess1", dead)
	reg.Add("sess1", live)

	n := types.NewNotification(types.NotifyNewMessage, "agent", "sess1", nil)
	if err := fab.Dispatch(context.Background(), n, []byte(`{}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := len(reg.Sockets("sess1")); got != 1 {
		t.Errorf("sockets after eviction = %d, want 1", got)
	}
	if len(live.sent()) != 1 {
		t.Errorf("healthy socket got %d frames, want 1", len(live.sent()))
	}
	// One socket succeeded, so nothing should have been stored.
	if st.storedCount() != 0 {
		t.Errorf("stored %d rows despite live delivery", st.storedCount())
	}
}

func TestDispatch_AllSocketsFailedStores(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)

	dead := &stubSender{err: errors.New("broken pipe")}
	reg.Add("sess1", dead)

	n := types.NewNotification(types.NotifyNewMessage, "agent", "sess1", nil)
	if err := fab.Dispatch(context.Background(), n, []byte(`{}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if st.storedCount() != 1 {
		t.Errorf("stored %d rows, want 1 after total delivery failure", st.storedCount())
	}
	if got := len(reg.Sockets("sess1")); got != 0 {
		t.Errorf("dead socket still registered")
	}
}

func TestDispatch_Broadcast(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)

	a, b := &stubSender{}, &stubSender{}
	reg.Add("sess1", a)
	reg.Add("sess2", b)

	// Empty session_id means broadcast.
	n := types.NewNotification(types.NotifySystemAlert, "registry", "", nil)
	if err := fab.Dispatch(context.Background(), n, []byte(`{"broadcast":true}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(a.sent()) != 1 || len(b.sent()) != 1 {
		t.Errorf("broadcast reached %d/%d sockets, want 1/1", len(a.sent()), len(b.sent()))
	}
	if st.storedCount() != 0 {
		t.Errorf("broadcast stored %d rows, want 0", st.storedCount())
	}
}

// ─── store-and-forward replay ─────────────────────────────────────────────────

func TestReplayPending_DeliversOnce(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)
	ctx := context.Background()

	// Session offline: two notifications land in the store.
	n1 := types.NewNotification(types.NotifyNewMessage, "agent", "sess1", nil)
	n2 := types.NewNotification(types.NotifyTimerAlert, "scheduler", "sess1", nil)
	if err := fab.Dispatch(ctx, n1, []byte(`{"seq":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := fab.Dispatch(ctx, n2, []byte(`{"seq":2}`)); err != nil {
		t.Fatal(err)
	}

	// Client connects, replay delivers both in order.
	sock := &stubSender{}
	reg.Add("sess1", sock)
	if err := fab.ReplayPending(ctx, "sess1", sock); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	frames := sock.sent()
	if len(frames) != 2 {
		t.Fatalf("replayed %d frames, want 2", len(frames))
	}
	if string(frames[0]) != `{"seq":1}` || string(frames[1]) != `{"seq":2}` {
		t.Errorf("replay out of order: %q, %q", frames[0], frames[1])
	}

	// Second connect replays nothing.
	sock2 := &stubSender{}
	if err := fab.ReplayPending(ctx, "sess1", sock2); err != nil {
		t.Fatalf("second ReplayPending: %v", err)
	}
	if len(sock2.sent()) != 0 {
		t.Errorf("second replay delivered %d frames, want 0", len(sock2.sent()))
	}
}

func TestReplayPending_FailureRecordsAttempt(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)
	ctx := context.Background()

	n := types.NewNotification(types.NotifyNewMessage, "agent", "sess1", nil)
	if err := fab.Dispatch(ctx, n, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	dead := &stubSender{err: errors.New("write timeout")}
	if err := fab.ReplayPending(ctx, "sess1", dead); err == nil {
		t.Fatal("expected replay error")
	}

	st.mu.Lock()
	attempts := st.attempts[1]
	st.mu.Unlock()
	if attempts != 1 {
		t.Errorf("delivery_attempts = %d, want 1", attempts)
	}

	// Row is still undelivered for the next connect.
	rows, err := st.UndeliveredPending(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("undelivered rows = %d, want 1", len(rows))
	}
}

func TestSweepLoop_RemovesExpired(t *testing.T) {
	reg := NewRegistry()
	st := newFakePendingStore()
	fab := NewFabric(reg, st, nil)

	n := types.NewNotification(types.NotifyNewMessage, "agent", "sess1", nil)
	if err := fab.Dispatch(context.Background(), n, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	// Age the row past the retention window.
	st.mu.Lock()
	st.rows[0].CreatedAt = time.Now().Add(-2 * time.Hour)
	st.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fab.SweepLoop(ctx, 10*time.Millisecond, time.Hour)
	}()

	deadline := time.After(2 * time.Second)
	for st.storedCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("sweep never removed the expired row")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
