package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXWIRE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXWIRE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXWIRE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, table := range []string{
		"call_transcripts", "call_events", "call_participants", "calls",
		"pending_notifications", "conversation_messages", "reminders",
		"calendar_events", "allowed_phone_numbers", "registered_apps",
	} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newTestCall(sessionID string) *types.Call {
	now := time.Now().UTC()
	return &types.Call{
		CallID:         uuid.NewString(),
		SessionID:      sessionID,
		InitiatedBy:    "user",
		InitialTarget:  "primary_agent",
		CurrentAgentID: "primary_agent",
		Status:         types.StatusRingingOutbound,
		StartedAt:      now,
		RingingAt:      now,
		CallSource:     types.SourceWeb,
	}
}

func TestStore_CallLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newTestCall("s-lifecycle")
	if err := s.CreateCall(ctx, c); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	got, err := s.GetCall(ctx, c.CallID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.Status != types.StatusRingingOutbound {
		t.Errorf("status = %q, want ringing_outbound", got.Status)
	}
	if !got.ConnectedAt.IsZero() {
		t.Errorf("ConnectedAt = %v, want zero before answer", got.ConnectedAt)
	}

	c.Status = types.StatusConnected
	c.ConnectedAt = time.Now().UTC()
	if err := s.UpdateCall(ctx, c); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}

	active, err := s.ActiveCalls(ctx)
	if err != nil {
		t.Fatalf("ActiveCalls: %v", err)
	}
	if len(active) != 1 || active[0].CallID != c.CallID {
		t.Fatalf("ActiveCalls = %d rows, want the one connected call", len(active))
	}

	c.Status = types.StatusEnded
	c.EndReason = types.EndUserHangup
	c.EndedBy = "user"
	c.EndedAt = time.Now().UTC()
	if err := s.UpdateCall(ctx, c); err != nil {
		t.Fatalf("UpdateCall to ended: %v", err)
	}
	active, err = s.ActiveCalls(ctx)
	if err != nil {
		t.Fatalf("ActiveCalls: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ActiveCalls after end = %d rows, want 0", len(active))
	}
}

func TestStore_OneActiveCallPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCall(ctx, newTestCall("s-dup")); err != nil {
		t.Fatalf("first CreateCall: %v", err)
	}
	err := s.CreateCall(ctx, newTestCall("s-dup"))
	if err != store.ErrActiveCallExists {
		t.Fatalf("second CreateCall err = %v, want ErrActiveCallExists", err)
	}
}

func TestStore_ParticipantBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newTestCall("s-participants")
	if err := s.CreateCall(ctx, c); err != nil {
		t.Fatal(err)
	}

	joined := time.Now().UTC()
	if err := s.AddParticipant(ctx, &types.CallParticipant{
		CallID: c.CallID, AgentID: "agent_a", Role: types.RoleReceiver, JoinedAt: joined,
	}); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := s.CloseParticipant(ctx, c.CallID, joined.Add(time.Minute)); err != nil {
		t.Fatalf("CloseParticipant: %v", err)
	}
	if err := s.AddParticipant(ctx, &types.CallParticipant{
		CallID: c.CallID, AgentID: "agent_b", Role: types.RoleTransferred,
		JoinedAt: joined.Add(time.Minute), TransferredFrom: "agent_a",
	}); err != nil {
		t.Fatalf("AddParticipant b: %v", err)
	}

	parts, err := s.Participants(ctx, c.CallID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("participants = %d, want 2", len(parts))
	}
	open := 0
	for _, p := range parts {
		if p.LeftAt.IsZero() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("open participants = %d, want exactly 1", open)
	}
	if parts[1].TransferredFrom != "agent_a" {
		t.Errorf("TransferredFrom = %q, want agent_a", parts[1].TransferredFrom)
	}
}

func TestStore_PendingIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := types.NewNotification(types.NotifyNewMessage, "test", "s-pending", map[string]any{"text": "hi"})
	payload := []byte(`{"text":"hi"}`)

	if err := s.StorePending(ctx, n, payload); err != nil {
		t.Fatalf("StorePending: %v", err)
	}
	// Second store with the same notification_id is a no-op.
	if err := s.StorePending(ctx, n, payload); err != nil {
		t.Fatalf("second StorePending: %v", err)
	}

	rows, err := s.UndeliveredPending(ctx, "s-pending")
	if err != nil {
		t.Fatalf("UndeliveredPending: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("undelivered rows = %d, want 1 (idempotent insert)", len(rows))
	}

	if err := s.MarkPendingDelivered(ctx, rows[0].ID); err != nil {
		t.Fatalf("MarkPendingDelivered: %v", err)
	}
	rows, err = s.UndeliveredPending(ctx, "s-pending")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("undelivered after delivery = %d, want 0", len(rows))
	}
}

func TestStore_PendingAttemptsAndSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := types.NewNotification(types.NotifySystemAlert, "test", "s-sweep", nil)
	if err := s.StorePending(ctx, n, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	rows, err := s.UndeliveredPending(ctx, "s-sweep")
	if err != nil || len(rows) != 1 {
		t.Fatalf("UndeliveredPending: rows=%d err=%v", len(rows), err)
	}

	if err := s.RecordPendingAttempt(ctx, rows[0].ID); err != nil {
		t.Fatalf("RecordPendingAttempt: %v", err)
	}
	rows, _ = s.UndeliveredPending(ctx, "s-sweep")
	if rows[0].DeliveryAttempts != 1 {
		t.Errorf("DeliveryAttempts = %d, want 1", rows[0].DeliveryAttempts)
	}

	// Retention of 0 removes everything created before now.
	removed, err := s.SweepPending(ctx, 0)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if removed != 1 {
		t.Errorf("swept = %d, want 1", removed)
	}
}

func TestStore_Whitelist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddAllowedNumber(ctx, "+15551234567", "Alice"); err != nil {
		t.Fatalf("AddAllowedNumber: %v", err)
	}
	name, ok, err := s.LookupAllowedNumber(ctx, "+15551234567")
	if err != nil || !ok || name != "Alice" {
		t.Errorf("lookup = (%q, %v, %v), want (Alice, true, nil)", name, ok, err)
	}
	_, ok, err = s.LookupAllowedNumber(ctx, "+19995550000")
	if err != nil || ok {
		t.Errorf("unknown number lookup = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestStore_Messages_Paged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := range 5 {
		if err := s.AddMessage(ctx, &store.ConversationMessage{
			SessionID: "s-msg", Sender: "user", Content: string(rune('a' + i)),
			InputMode: "text", Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.Messages(ctx, "s-msg", 2, 2)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(page) != 2 || page[0].Content != "c" || page[1].Content != "d" {
		t.Errorf("page = %+v, want messages c and d", page)
	}
}
