package callmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/pkg/types"
)

// ─── test doubles ─────────────────────────────────────────────────────────────

type fakeStore struct {
	mu           sync.Mutex
	calls        map[string]*types.Call
	participants []types.CallParticipant
	events       []types.CallEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[string]*types.Call)}
}

func (f *fakeStore) CreateCall(_ context.Context, c *types.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.calls {
		if existing.SessionID == c.SessionID && !existing.Ended() {
			return store.ErrActiveCallExists
		}
	}
	cp := *c
	f.calls[c.CallID] = &cp
	return nil
}

func (f *fakeStore) UpdateCall(_ context.Context, c *types.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calls[c.CallID]; !ok {
		return store.ErrCallNotFound
	}
	cp := *c
	f.calls[c.CallID] = &cp
	return nil
}

func (f *fakeStore) GetCall(_ context.Context, callID string) (*types.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return nil, store.ErrCallNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ActiveCalls(context.Context) ([]*types.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Call
	for _, c := range f.calls {
		if !c.Ended() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) AddParticipant(_ context.Context, p *types.CallParticipant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants = append(f.participants, *p)
	return nil
}

func (f *fakeStore) CloseParticipant(_ context.Context, callID string, leftAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.participants {
		if f.participants[i].CallID == callID && f.participants[i].LeftAt.IsZero() {
			f.participants[i].LeftAt = leftAt
		}
	}
	return nil
}

func (f *fakeStore) AddEvent(_ context.Context, e *types.CallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeStore) persisted(t *testing.T, callID string) *types.Call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		t.Fatalf("call %s not persisted", callID)
	}
	cp := *c
	return &cp
}

type published struct {
	agentID string // empty for fan-out
	n       types.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakeNotifier) PublishNotification(_ context.Context, n types.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{n: n})
	return nil
}

func (f *fakeNotifier) PublishToAgent(_ context.Context, agentID string, n types.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{agentID: agentID, n: n})
	return nil
}

// agentEvents returns the payload "type" values sent to one agent's queue.
func (f *fakeNotifier) agentEvents(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.sent {
		if p.agentID == agentID {
			out = append(out, p.n.Payload["type"].(string))
		}
	}
	return out
}

type fakeCarrier struct {
	mu         sync.Mutex
	terminated []string
}

func (f *fakeCarrier) TerminateLeg(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sid)
	return nil
}

// testClock is a settable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeStore, *fakeNotifier, *testClock) {
	t.Helper()
	st := newFakeStore()
	pub := &fakeNotifier{}
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(st, pub, nil, opts...), st, pub, clock
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestInitiate_UserCall(t *testing.T) {
	m, st, pub, _ := newTestManager(t)

	call, err := m.Initiate(context.Background(), InitiateParams{
		SessionID:   "sess1",
		InitiatedBy: "user",
		TargetAgent: "primary_agent",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if call.Status != types.StatusRingingOutbound {
		t.Errorf("status = %s, want ringing_outbound", call.Status)
	}
	if call.CallSource != types.SourceWeb {
		t.Errorf("source = %s, want web", call.CallSource)
	}
	if got := st.persisted(t, call.CallID).Status; got != types.StatusRingingOutbound {
		t.Errorf("persisted status = %s", got)
	}
	if got := pub.agentEvents("primary_agent"); len(got) != 1 || got[0] != "incoming_call" {
		t.Errorf("agent events = %v, want [incoming_call]", got)
	}
}

func TestInitiate_AgentCallRingsInbound(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	call, err := m.Initiate(context.Background(), InitiateParams{
		SessionID:   "sess1",
		InitiatedBy: "scheduler_agent",
		TargetAgent: "user", // placed to the user; a target is still required
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if call.Status != types.StatusRingingInbound {
		t.Errorf("status = %s, want ringing_inbound", call.Status)
	}
}

func TestInitiate_SecondCallSameSessionRejected(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "b"})
	if !errors.Is(err, ErrCallAlreadyActive) {
		t.Errorf("err = %v, want ErrCallAlreadyActive", err)
	}
}

func TestAnswer_Transition(t *testing.T) {
	m, st, clock, ctx := newTestManagerWithCtx(t)

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "primary_agent"})
	clock.Advance(2 * time.Second)

	answered, err := m.Answer(ctx, call.CallID, "primary_agent")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answered.Status != types.StatusConnected {
		t.Errorf("status = %s, want connected", answered.Status)
	}
	if answered.CurrentAgentID != "primary_agent" {
		t.Errorf("current_agent_id = %s", answered.CurrentAgentID)
	}
	if answered.ConnectedAt.IsZero() {
		t.Error("connected_at not set")
	}
	if len(st.participants) != 1 || st.participants[0].Role != types.RoleReceiver {
		t.Errorf("participants = %+v, want one receiver row", st.participants)
	}
}

// newTestManagerWithCtx trims the boilerplate of tests that don't inspect
// the notifier.
func newTestManagerWithCtx(t *testing.T) (*Manager, *fakeStore, *testClock, context.Context) {
	t.Helper()
	m, st, _, clock := newTestManager(t)
	return m, st, clock, context.Background()
}

func TestAnswer_Idempotent(t *testing.T) {
	m, _, clock, ctx := newTestManagerWithCtx(t)

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "primary_agent"})
	first, err := m.Answer(ctx, call.CallID, "primary_agent")
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)

	// Answering again as the user is a no-op.
	second, err := m.Answer(ctx, call.CallID, "user")
	if err != nil {
		t.Fatalf("second Answer: %v", err)
	}
	if !second.ConnectedAt.Equal(first.ConnectedAt) {
		t.Errorf("connected_at moved on re-answer: %v → %v", first.ConnectedAt, second.ConnectedAt)
	}

	// Answering as a different agent updates the handler.
	third, err := m.Answer(ctx, call.CallID, "backup_agent")
	if err != nil {
		t.Fatalf("agent re-answer: %v", err)
	}
	if third.CurrentAgentID != "backup_agent" {
		t.Errorf("current_agent_id = %s, want backup_agent", third.CurrentAgentID)
	}
}

func TestAnswer_ByUserNotifiesInitiator(t *testing.T) {
	m, _, pub, _ := newTestManager(t)
	ctx := context.Background()

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "scheduler_agent", TargetAgent: "user"})
	answered, err := m.Answer(ctx, call.CallID, "user")
	if err != nil {
		t.Fatal(err)
	}
	// The initiating agent handles the call once the user picks up.
	if answered.CurrentAgentID != "scheduler_agent" {
		t.Errorf("current_agent_id = %s, want scheduler_agent", answered.CurrentAgentID)
	}
	events := pub.agentEvents("scheduler_agent")
	found := false
	for _, e := range events {
		if e == "call_answered" {
			found = true
		}
	}
	if !found {
		t.Errorf("initiator events = %v, want call_answered", events)
	}
}

func TestDecline_OnlyWhileRinging(t *testing.T) {
	m, _, _, ctx := newTestManagerWithCtx(t)

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"})
	declined, err := m.Decline(ctx, call.CallID, "a", "")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if declined.EndReason != types.EndAgentDeclined {
		t.Errorf("end_reason = %s, want agent_declined", declined.EndReason)
	}

	// Declining a connected call is not an edge.
	call2, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess2", InitiatedBy: "user", TargetAgent: "a"})
	if _, err := m.Answer(ctx, call2.CallID, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Decline(ctx, call2.CallID, "user", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestEnd_DefaultsReasonAndFreesSession(t *testing.T) {
	m, st, _, ctx := newTestManagerWithCtx(t)

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"})
	if _, err := m.Answer(ctx, call.CallID, "a"); err != nil {
		t.Fatal(err)
	}
	ended, err := m.End(ctx, call.CallID, "user", "")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.EndReason != types.EndUserHangup {
		t.Errorf("end_reason = %s, want user_hangup", ended.EndReason)
	}
	if st.participants[0].LeftAt.IsZero() {
		t.Error("participant row not closed")
	}

	// Ending twice is rejected.
	if _, err := m.End(ctx, call.CallID, "user", ""); !errors.Is(err, ErrCallEnded) {
		t.Errorf("second End err = %v, want ErrCallEnded", err)
	}

	// The session is free for a new call.
	if _, err := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"}); err != nil {
		t.Errorf("session still busy after end: %v", err)
	}
}

func TestEnd_TerminatesCarrierLeg(t *testing.T) {
	carrier := &fakeCarrier{}
	m, _, _, _ := newTestManager(t, WithCarrier(carrier))
	ctx := context.Background()

	call, _ := m.Initiate(ctx, InitiateParams{
		SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a",
		Source: types.SourceTwilioInbound, TwilioCallSID: "CA123",
	})
	if _, err := m.End(ctx, call.CallID, "agent", ""); err != nil {
		t.Fatal(err)
	}
	if len(carrier.terminated) != 1 || carrier.terminated[0] != "CA123" {
		t.Errorf("terminated = %v, want [CA123]", carrier.terminated)
	}
}

func TestHoldResume(t *testing.T) {
	m, _, pub, _ := newTestManager(t)
	ctx := context.Background()

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"})
	if _, err := m.Answer(ctx, call.CallID, "a"); err != nil {
		t.Fatal(err)
	}

	held, err := m.Hold(ctx, call.CallID, "manual")
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if held.Status != types.StatusOnHold {
		t.Errorf("status = %s, want on_hold", held.Status)
	}
	if held.Metadata[holdStartedKey] == "" {
		t.Error("hold_started_at not stamped")
	}
	// The handler is told to keep quiet.
	var instruction string
	pub.mu.Lock()
	for _, p := range pub.sent {
		if p.agentID == "a" && p.n.Payload["type"] == "call_hold" {
			instruction, _ = p.n.Payload["instruction"].(string)
		}
	}
	pub.mu.Unlock()
	if instruction != "do not use speak tool while on hold" {
		t.Errorf("hold instruction = %q", instruction)
	}

	// Holding a held call is invalid.
	if _, err := m.Hold(ctx, call.CallID, "manual"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double hold err = %v", err)
	}

	resumed, err := m.Resume(ctx, call.CallID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != types.StatusConnected {
		t.Errorf("status = %s, want connected", resumed.Status)
	}
	if _, ok := resumed.Metadata[holdStartedKey]; ok {
		t.Error("hold stamp not cleared on resume")
	}
}

func TestHold_RejectsUnknownReason(t *testing.T) {
	m, _, _, ctx := newTestManagerWithCtx(t)
	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"})
	if _, err := m.Answer(ctx, call.CallID, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Hold(ctx, call.CallID, "coffee_break"); err == nil {
		t.Error("expected error for unknown hold reason")
	}
}

func TestTransfer(t *testing.T) {
	m, st, pub, _ := newTestManager(t)
	ctx := context.Background()

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "primary_agent"})
	if _, err := m.Answer(ctx, call.CallID, "primary_agent"); err != nil {
		t.Fatal(err)
	}

	moved, err := m.Transfer(ctx, call.CallID, "primary_agent", "billing_agent", "customer asks about invoices")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if moved.Status != types.StatusConnected {
		t.Errorf("status = %s, want connected after transfer", moved.Status)
	}
	if moved.CurrentAgentID != "billing_agent" {
		t.Errorf("current_agent_id = %s, want billing_agent", moved.CurrentAgentID)
	}

	// Old participant closed, new one open with transferred_from.
	if len(st.participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(st.participants))
	}
	if st.participants[0].LeftAt.IsZero() {
		t.Error("outgoing participant row not closed")
	}
	in := st.participants[1]
	if in.Role != types.RoleTransferred || in.TransferredFrom != "primary_agent" || !in.LeftAt.IsZero() {
		t.Errorf("incoming participant = %+v", in)
	}

	// Receiving agent got the announcement.
	var announcement string
	pub.mu.Lock()
	for _, p := range pub.sent {
		if p.agentID == "billing_agent" && p.n.Payload["type"] == "call_transferred" {
			announcement, _ = p.n.Payload["announcement"].(string)
		}
	}
	pub.mu.Unlock()
	if announcement != "customer asks about invoices" {
		t.Errorf("announcement = %q", announcement)
	}

	// The UI sees the call connected again under the new handler, not a
	// separate transfer event.
	var uiEvent string
	var transferredFrom any
	pub.mu.Lock()
	for _, p := range pub.sent {
		if p.agentID != "" {
			continue
		}
		if typ, _ := p.n.Payload["type"].(string); typ == "call_connected" || typ == "call_transferred" {
			uiEvent = typ
			transferredFrom = p.n.Payload["transferred_from"]
		}
	}
	pub.mu.Unlock()
	if uiEvent != "call_connected" {
		t.Errorf("UI event = %q, want call_connected", uiEvent)
	}
	if transferredFrom != "primary_agent" {
		t.Errorf("transferred_from = %v, want primary_agent", transferredFrom)
	}
}

func TestTransfer_RequiresCurrentHandler(t *testing.T) {
	m, _, _, ctx := newTestManagerWithCtx(t)

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"})
	if _, err := m.Answer(ctx, call.CallID, "a"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Transfer(ctx, call.CallID, "imposter_agent", "b", "")
	if !errors.Is(err, ErrNotCurrentHandler) {
		t.Errorf("err = %v, want ErrNotCurrentHandler", err)
	}
}

func TestRecallPhone_IsTransferToRequester(t *testing.T) {
	m, _, _, ctx := newTestManagerWithCtx(t)

	call, _ := m.Initiate(ctx, InitiateParams{SessionID: "sess1", InitiatedBy: "user", TargetAgent: "a"})
	if _, err := m.Answer(ctx, call.CallID, "a"); err != nil {
		t.Fatal(err)
	}
	recalled, err := m.RecallPhone(ctx, call.CallID, "supervisor_agent")
	if err != nil {
		t.Fatalf("RecallPhone: %v", err)
	}
	if recalled.CurrentAgentID != "supervisor_agent" {
		t.Errorf("current_agent_id = %s, want supervisor_agent", recalled.CurrentAgentID)
	}
}

func TestOperationsOnUnknownCall(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Answer(ctx, "nope", "a"); !errors.Is(err, store.ErrCallNotFound) {
		t.Errorf("err = %v, want ErrCallNotFound", err)
	}
}
