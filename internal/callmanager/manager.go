// Package callmanager owns the lifecycle of every voice call. All state
// transitions go through the Manager, which serializes them with a single
// mutex, persists before publishing, and keeps an in-memory view of the
// active calls for the timeout monitor.
package callmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/pkg/types"
)

// ─── errors ───────────────────────────────────────────────────────────────────

var (
	// ErrCallAlreadyActive is returned by Initiate when the session already
	// has a non-ended call.
	ErrCallAlreadyActive = errors.New("callmanager: session already has an active call")

	// ErrCallEnded is returned by operations on a call in the terminal state.
	ErrCallEnded = errors.New("callmanager: call already ended")

	// ErrInvalidTransition is returned when the requested operation is not an
	// edge of the state machine from the call's current status.
	ErrInvalidTransition = errors.New("callmanager: invalid state transition")

	// ErrNotCurrentHandler is returned by Transfer when from_agent does not
	// currently hold the call.
	ErrNotCurrentHandler = errors.New("callmanager: agent is not the current handler")
)

// Timeout thresholds enforced by the monitor.
const (
	ringingTimeout   = 30 * time.Second
	holdTimeout      = 300 * time.Second
	connectedTimeout = 1800 * time.Second

	monitorInterval = 5 * time.Second
)

// holdStartedKey is the metadata key stamped when a call goes on hold.
const holdStartedKey = "hold_started_at"

// ─── collaborator interfaces ──────────────────────────────────────────────────

// Store is the persistence surface the manager needs. *store.Store
// satisfies it; tests use a fake.
type Store interface {
	CreateCall(ctx context.Context, c *types.Call) error
	UpdateCall(ctx context.Context, c *types.Call) error
	GetCall(ctx context.Context, callID string) (*types.Call, error)
	ActiveCalls(ctx context.Context) ([]*types.Call, error)
	AddParticipant(ctx context.Context, p *types.CallParticipant) error
	CloseParticipant(ctx context.Context, callID string, leftAt time.Time) error
	AddEvent(ctx context.Context, e *types.CallEvent) error
}

// Notifier publishes call events to agents and to the UI fabric.
// *bus.Publisher satisfies it.
type Notifier interface {
	PublishNotification(ctx context.Context, n types.Notification) error
	PublishToAgent(ctx context.Context, agentID string, n types.Notification) error
}

// CarrierControl terminates the carrier leg of a telephony call. Wired to
// the telephony adapter's internal terminate endpoint; nil for deployments
// without telephony.
type CarrierControl interface {
	TerminateLeg(ctx context.Context, twilioCallSID string) error
}

// ─── manager ──────────────────────────────────────────────────────────────────

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Tests use this to cross timeout
// boundaries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCarrier wires the telephony leg terminator.
func WithCarrier(c CarrierControl) Option {
	return func(m *Manager) { m.carrier = c }
}

// WithMonitorInterval overrides the 5 s monitor tick.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) { m.monitorEvery = d }
}

// Manager is the authoritative owner of call state. All exported operations
// take the manager mutex for the full read-modify-write, so transitions on
// any call are totally ordered.
type Manager struct {
	store   Store
	pub     Notifier
	carrier CarrierControl
	metrics *observe.Metrics

	now          func() time.Time
	monitorEvery time.Duration

	// mu serializes every operation; transitions on any call are totally
	// ordered behind it.
	mu        sync.Mutex
	active    map[string]*types.Call // call_id → call, non-terminal only
	bySession map[string]string      // session_id → call_id
}

// New creates a Manager. Restore must be called before serving operations so
// calls survive process restarts.
func New(st Store, pub Notifier, metrics *observe.Metrics, opts ...Option) *Manager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	m := &Manager{
		store:        st,
		pub:          pub,
		metrics:      metrics,
		now:          time.Now,
		monitorEvery: monitorInterval,
		active:       make(map[string]*types.Call),
		bySession:    make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// InitiateParams are the inputs to Initiate.
type InitiateParams struct {
	SessionID   string
	InitiatedBy string // "user" or an agent id
	TargetAgent string
	FastMode    bool
	Source      types.CallSource // defaults to web

	// Telephony fields, set when the adapter registers an inbound call.
	TwilioCallSID     string
	CallerPhoneNumber string
}

// Initiate creates a new call in a ringing state, persists it, and notifies
// the target agent plus the UI. A session may hold at most one non-ended
// call.
func (m *Manager) Initiate(ctx context.Context, p InitiateParams) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.SessionID == "" || p.TargetAgent == "" {
		return nil, fmt.Errorf("callmanager: initiate: session_id and target_agent are required")
	}
	if _, busy := m.bySession[p.SessionID]; busy {
		return nil, ErrCallAlreadyActive
	}

	status := types.StatusRingingInbound
	if p.InitiatedBy == "user" {
		status = types.StatusRingingOutbound
	}
	source := p.Source
	if source == "" {
		source = types.SourceWeb
	}

	now := m.now().UTC()
	call := &types.Call{
		CallID:            uuid.NewString(),
		SessionID:         p.SessionID,
		InitiatedBy:       p.InitiatedBy,
		InitialTarget:     p.TargetAgent,
		Status:            status,
		StartedAt:         now,
		RingingAt:         now,
		Metadata:          map[string]string{},
		TwilioCallSID:     p.TwilioCallSID,
		CallerPhoneNumber: p.CallerPhoneNumber,
		CallSource:        source,
	}

	if err := m.store.CreateCall(ctx, call); err != nil {
		if errors.Is(err, store.ErrActiveCallExists) {
			return nil, ErrCallAlreadyActive
		}
		return nil, fmt.Errorf("callmanager: initiate: %w", err)
	}
	m.active[call.CallID] = call
	m.bySession[call.SessionID] = call.CallID
	m.metrics.ActiveCalls.Add(ctx, 1)

	m.audit(ctx, call, "call_initiated", p.InitiatedBy, map[string]any{
		"target_agent": p.TargetAgent,
		"fast_mode":    p.FastMode,
	})
	m.notifyAgent(ctx, p.TargetAgent, call, "incoming_call", map[string]any{
		"initiated_by": p.InitiatedBy,
		"fast_mode":    p.FastMode,
	})
	m.notifyUI(ctx, call, "call_ringing", nil)

	slog.Info("call initiated", "call_id", call.CallID,
		"session_id", call.SessionID, "status", call.Status)
	return snapshot(call), nil
}

// Answer moves a ringing call to connected. It is idempotent: answering an
// already-connected call updates the current handler when the answerer is an
// agent and is otherwise a no-op.
func (m *Manager) Answer(ctx context.Context, callID, answeredBy string) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, ErrCallEnded
	}

	if call.Status == types.StatusConnected {
		if answeredBy != "user" && answeredBy != call.CurrentAgentID {
			call.CurrentAgentID = answeredBy
			if err := m.store.UpdateCall(ctx, call); err != nil {
				return nil, fmt.Errorf("callmanager: answer: %w", err)
			}
		}
		return snapshot(call), nil
	}
	if !call.Status.IsRinging() {
		return nil, fmt.Errorf("%w: answer from %s", ErrInvalidTransition, call.Status)
	}

	now := m.now().UTC()
	call.Status = types.StatusConnected
	call.ConnectedAt = now
	if answeredBy == "user" {
		// User picked up an agent-initiated call: the initiator handles it.
		call.CurrentAgentID = call.InitiatedBy
	} else {
		call.CurrentAgentID = answeredBy
	}

	if err := m.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("callmanager: answer: %w", err)
	}
	if err := m.store.AddParticipant(ctx, &types.CallParticipant{
		CallID:   call.CallID,
		AgentID:  call.CurrentAgentID,
		Role:     types.RoleReceiver,
		JoinedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("callmanager: answer participant: %w", err)
	}

	if !call.RingingAt.IsZero() {
		m.metrics.CallSetupDuration.Record(ctx, now.Sub(call.RingingAt).Seconds())
	}
	m.audit(ctx, call, "call_answered", answeredBy, nil)
	if answeredBy == "user" {
		m.notifyAgent(ctx, call.InitiatedBy, call, "call_answered", nil)
	}
	m.notifyUI(ctx, call, "call_answered", map[string]any{"answered_by": answeredBy})

	slog.Info("call answered", "call_id", call.CallID, "answered_by", answeredBy)
	return snapshot(call), nil
}

// Decline ends a ringing call without connecting it.
func (m *Manager) Decline(ctx context.Context, callID, declinedBy string, reason types.EndReason) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, ErrCallEnded
	}
	if !call.Status.IsRinging() {
		return nil, fmt.Errorf("%w: decline from %s", ErrInvalidTransition, call.Status)
	}
	if reason == "" {
		reason = types.EndAgentDeclined
		if declinedBy == "user" {
			reason = types.EndUserDeclined
		}
	}
	return m.finish(ctx, call, declinedBy, reason, "call_declined")
}

// End terminates a call from any non-ended state. The default reason
// depends on who ended it. When the call has a carrier leg, the adapter is
// told to hang it up.
func (m *Manager) End(ctx context.Context, callID, endedBy string, reason types.EndReason) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, ErrCallEnded
	}
	if reason == "" {
		reason = types.EndAgentHangup
		if endedBy == "user" {
			reason = types.EndUserHangup
		}
	}
	return m.finish(ctx, call, endedBy, reason, "call_ended")
}

// Hold pauses a connected call. reason must be "manual" or
// "user_disconnected". The current handler is told not to use the speak
// tool while the call is held.
func (m *Manager) Hold(ctx context.Context, callID, reason string) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason != "manual" && reason != "user_disconnected" {
		return nil, fmt.Errorf("callmanager: hold: unknown reason %q", reason)
	}
	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, ErrCallEnded
	}
	if call.Status != types.StatusConnected {
		return nil, fmt.Errorf("%w: hold from %s", ErrInvalidTransition, call.Status)
	}

	now := m.now().UTC()
	call.Status = types.StatusOnHold
	if call.Metadata == nil {
		call.Metadata = map[string]string{}
	}
	call.Metadata[holdStartedKey] = now.Format(time.RFC3339)
	call.Metadata["hold_reason"] = reason

	if err := m.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("callmanager: hold: %w", err)
	}
	m.audit(ctx, call, "call_hold", reason, nil)
	m.notifyAgent(ctx, call.CurrentAgentID, call, "call_hold", map[string]any{
		"reason":      reason,
		"instruction": "do not use speak tool while on hold",
	})
	m.notifyUI(ctx, call, "call_hold", map[string]any{"reason": reason})
	return snapshot(call), nil
}

// Resume takes a held call back to connected and clears the hold stamps.
func (m *Manager) Resume(ctx context.Context, callID string) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, ErrCallEnded
	}
	if call.Status != types.StatusOnHold {
		return nil, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, call.Status)
	}

	call.Status = types.StatusConnected
	delete(call.Metadata, holdStartedKey)
	delete(call.Metadata, "hold_reason")

	if err := m.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("callmanager: resume: %w", err)
	}
	m.audit(ctx, call, "call_resumed", "", nil)
	m.notifyAgent(ctx, call.CurrentAgentID, call, "call_resumed", nil)
	m.notifyUI(ctx, call, "call_resumed", nil)
	return snapshot(call), nil
}

// Transfer hands a connected call from its current handler to another
// agent. The call passes through the transferring state, the outgoing
// participant row is closed before the incoming one opens, and the
// receiving agent is notified with the optional announcement.
func (m *Manager) Transfer(ctx context.Context, callID, fromAgent, toAgent, announcement string) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfer(ctx, callID, fromAgent, toAgent, announcement)
}

// RecallPhone returns the call to the requesting agent. It is a transfer
// from the current handler to by_agent.
func (m *Manager) RecallPhone(ctx context.Context, callID, byAgent string) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	return m.transfer(ctx, callID, call.CurrentAgentID, byAgent, "")
}

// Get returns a snapshot of one call, active or ended.
func (m *Manager) Get(ctx context.Context, callID string) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	return snapshot(call), nil
}

// ActiveForSession returns the session's non-ended call, or nil.
func (m *Manager) ActiveForSession(sessionID string) *types.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil
	}
	return snapshot(m.active[id])
}

// ─── internals (callers hold m.mu) ────────────────────────────────────────────

func (m *Manager) transfer(ctx context.Context, callID, fromAgent, toAgent, announcement string) (*types.Call, error) {
	call, err := m.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, ErrCallEnded
	}
	if call.Status != types.StatusConnected {
		return nil, fmt.Errorf("%w: transfer from %s", ErrInvalidTransition, call.Status)
	}
	if call.CurrentAgentID != fromAgent {
		return nil, fmt.Errorf("%w: %s holds the call", ErrNotCurrentHandler, call.CurrentAgentID)
	}
	if fromAgent == toAgent {
		return snapshot(call), nil
	}

	now := m.now().UTC()

	// Persist the intermediate state so a crash mid-transfer is visible.
	call.Status = types.StatusTransferring
	if err := m.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("callmanager: transfer: %w", err)
	}

	if err := m.store.CloseParticipant(ctx, call.CallID, now); err != nil {
		return nil, fmt.Errorf("callmanager: transfer close participant: %w", err)
	}
	if err := m.store.AddParticipant(ctx, &types.CallParticipant{
		CallID:          call.CallID,
		AgentID:         toAgent,
		Role:            types.RoleTransferred,
		JoinedAt:        now,
		TransferredFrom: fromAgent,
	}); err != nil {
		return nil, fmt.Errorf("callmanager: transfer add participant: %w", err)
	}

	call.CurrentAgentID = toAgent
	call.Status = types.StatusConnected
	if err := m.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("callmanager: transfer: %w", err)
	}

	m.audit(ctx, call, "call_transferred", fromAgent, map[string]any{
		"from_agent": fromAgent,
		"to_agent":   toAgent,
	})
	m.notifyAgent(ctx, toAgent, call, "call_transferred", map[string]any{
		"transferred_from": fromAgent,
		"announcement":     announcement,
	})
	// The UI re-enters its connected state under the new handler rather than
	// learning a separate transfer event.
	m.notifyUI(ctx, call, "call_connected", map[string]any{
		"transferred_from": fromAgent,
		"to_agent":         toAgent,
	})

	slog.Info("call transferred", "call_id", call.CallID,
		"from", fromAgent, "to", toAgent)
	return snapshot(call), nil
}

// finish moves a call to ended, closes the open participant, tells the
// carrier to drop its leg, and removes the call from the active maps.
func (m *Manager) finish(ctx context.Context, call *types.Call, by string, reason types.EndReason, event string) (*types.Call, error) {
	now := m.now().UTC()
	call.Status = types.StatusEnded
	call.EndReason = reason
	call.EndedBy = by
	call.EndedAt = now

	if err := m.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("callmanager: %s: %w", event, err)
	}
	if err := m.store.CloseParticipant(ctx, call.CallID, now); err != nil {
		slog.Error("close participant failed", "call_id", call.CallID, "err", err)
	}

	delete(m.active, call.CallID)
	delete(m.bySession, call.SessionID)
	m.metrics.ActiveCalls.Add(ctx, -1)
	m.metrics.RecordCallEnded(ctx, string(reason))

	m.audit(ctx, call, event, by, map[string]any{"reason": string(reason)})
	m.notifyUI(ctx, call, "call_ended", map[string]any{
		"reason":   string(reason),
		"ended_by": by,
	})

	if call.TwilioCallSID != "" && m.carrier != nil {
		if err := m.carrier.TerminateLeg(ctx, call.TwilioCallSID); err != nil {
			slog.Error("carrier leg termination failed",
				"call_id", call.CallID, "err", err)
		}
	}

	slog.Info("call ended", "call_id", call.CallID,
		"reason", reason, "ended_by", by)
	return snapshot(call), nil
}

// get resolves a call from the active map, falling back to the store for
// ended calls.
func (m *Manager) get(ctx context.Context, callID string) (*types.Call, error) {
	if call, ok := m.active[callID]; ok {
		return call, nil
	}
	call, err := m.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrCallNotFound) {
			return nil, store.ErrCallNotFound
		}
		return nil, fmt.Errorf("callmanager: get: %w", err)
	}
	return call, nil
}

// audit appends a call event. Audit failures are logged, not propagated;
// the state change has already been persisted.
func (m *Manager) audit(ctx context.Context, call *types.Call, eventType, by string, data map[string]any) {
	err := m.store.AddEvent(ctx, &types.CallEvent{
		CallID:      call.CallID,
		EventType:   eventType,
		EventData:   data,
		TriggeredBy: by,
		Timestamp:   m.now().UTC(),
	})
	if err != nil {
		slog.Error("call event insert failed",
			"call_id", call.CallID, "event", eventType, "err", err)
	}
}

// notifyAgent publishes a call event to one agent's durable queue. Publish
// failures never fail the operation; state is already durable and the
// caller can re-read it.
func (m *Manager) notifyAgent(ctx context.Context, agentID string, call *types.Call, event string, extra map[string]any) {
	if agentID == "" || agentID == "user" {
		return
	}
	n := types.NewNotification(types.NotifySystemAlert, "callmanager", call.SessionID, callPayload(call, event, extra))
	if err := m.pub.PublishToAgent(ctx, agentID, n); err != nil {
		slog.Error("agent notify failed", "call_id", call.CallID,
			"agent_id", agentID, "event", event, "err", err)
	}
}

// notifyUI fans a call event out to the session's UI sockets.
func (m *Manager) notifyUI(ctx context.Context, call *types.Call, event string, extra map[string]any) {
	n := types.NewNotification(types.NotifyAgentStatus, "callmanager", call.SessionID, callPayload(call, event, extra))
	if err := m.pub.PublishNotification(ctx, n); err != nil {
		slog.Error("UI notify failed", "call_id", call.CallID,
			"event", event, "err", err)
	}
	m.metrics.RecordNotificationPublished(ctx, string(types.NotifyAgentStatus))
}

// callPayload builds the common payload shape for call notifications.
func callPayload(call *types.Call, event string, extra map[string]any) map[string]any {
	p := map[string]any{
		"type":       event,
		"call_id":    call.CallID,
		"session_id": call.SessionID,
		"status":     string(call.Status),
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// snapshot copies a call so callers cannot mutate manager state.
func snapshot(c *types.Call) *types.Call {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
