// Package types defines the shared types used across all Voxwire packages.
//
// These types form the lingua franca between the gateway, the voice bridge,
// the telephony adapter, and the scheduler. Each subsystem defines its own
// domain types, but anything that crosses the broker or the database lives
// here to avoid circular imports.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ─── Call lifecycle ───────────────────────────────────────────────────────────

// CallStatus enumerates the lifecycle states of a voice call.
type CallStatus string

const (
	// StatusRingingOutbound means a user-initiated call awaiting the agent.
	StatusRingingOutbound CallStatus = "ringing_outbound"

	// StatusRingingInbound means an agent-initiated call awaiting the user.
	StatusRingingInbound CallStatus = "ringing_inbound"

	// StatusConnected means both ends are live and audio flows.
	StatusConnected CallStatus = "connected"

	// StatusOnHold means the call is paused; the agent must not speak.
	StatusOnHold CallStatus = "on_hold"

	// StatusTransferring is the transient state while the call moves between
	// agents. It always resolves back to connected within the same operation.
	StatusTransferring CallStatus = "transferring"

	// StatusEnded is the terminal state. No transitions leave it.
	StatusEnded CallStatus = "ended"
)

// IsValid reports whether s is a recognised call status.
func (s CallStatus) IsValid() bool {
	switch s {
	case StatusRingingOutbound, StatusRingingInbound, StatusConnected,
		StatusOnHold, StatusTransferring, StatusEnded:
		return true
	}
	return false
}

// IsRinging reports whether s is one of the two ringing states.
func (s CallStatus) IsRinging() bool {
	return s == StatusRingingOutbound || s == StatusRingingInbound
}

// EndReason enumerates why a call reached the ended state.
type EndReason string

const (
	EndUserHangup       EndReason = "user_hangup"
	EndAgentHangup      EndReason = "agent_hangup"
	EndUserDeclined     EndReason = "user_declined"
	EndAgentDeclined    EndReason = "agent_declined"
	EndTransferComplete EndReason = "transfer_complete"
	EndTimeout          EndReason = "timeout"
	EndError            EndReason = "error"
	EndDisconnected     EndReason = "disconnected"
)

// CallSource identifies which transport carries a call's audio.
type CallSource string

const (
	SourceWeb            CallSource = "web"
	SourceTwilioInbound  CallSource = "twilio_inbound"
	SourceTwilioOutbound CallSource = "twilio_outbound"
)

// ParticipantRole describes how an agent joined a call.
type ParticipantRole string

const (
	// RoleReceiver is the agent that answered the call.
	RoleReceiver ParticipantRole = "receiver"

	// RoleTransferred is an agent that received the call via transfer.
	RoleTransferred ParticipantRole = "transferred"
)

// Call is the authoritative record of a voice call. The call manager owns
// every mutation; everything else reads.
type Call struct {
	// CallID is the UUID assigned at initiation.
	CallID string

	// SessionID binds the call to a user's conversational context.
	// A session has at most one non-ended call.
	SessionID string

	// InitiatedBy is "user" or the initiating agent's id.
	InitiatedBy string

	// InitialTarget is the agent the call was placed to.
	InitialTarget string

	// CurrentAgentID is the agent currently handling the call. Updated on
	// answer and transfer.
	CurrentAgentID string

	Status    CallStatus
	EndReason EndReason
	EndedBy   string

	StartedAt   time.Time
	RingingAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	// Metadata is a small open-shaped map (hold stamps, announcements).
	Metadata map[string]string

	// Telephony fields. Empty for web calls.
	TwilioCallSID     string
	CallerPhoneNumber string
	CallSource        CallSource
}

// Duration returns the connected duration, or zero if the call never
// connected or has not ended.
func (c *Call) Duration() time.Duration {
	if c.ConnectedAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.ConnectedAt)
}

// Ended reports whether the call is in the terminal state.
func (c *Call) Ended() bool { return c.Status == StatusEnded }

// CallParticipant records one agent's tenure on a call. At most one
// participant per call has a zero LeftAt.
type CallParticipant struct {
	CallID          string
	AgentID         string
	Role            ParticipantRole
	JoinedAt        time.Time
	LeftAt          time.Time
	TransferredFrom string
}

// CallEvent is an append-only audit entry. Never mutated after insert.
type CallEvent struct {
	CallID      string
	EventType   string
	EventData   map[string]any
	TriggeredBy string
	Timestamp   time.Time
}

// SpeakerType identifies which side of a call produced a transcript line.
type SpeakerType string

const (
	SpeakerUser  SpeakerType = "user"
	SpeakerAgent SpeakerType = "agent"
)

// CallTranscript is one line of the per-call transcript, ordered by Timestamp.
type CallTranscript struct {
	CallID          string
	SpeakerType     SpeakerType
	SpeakerID       string
	Content         string
	AudioFilePath   string
	AudioDurationMS int
	STTConfidence   float64
	Timestamp       time.Time
}

// ─── Notifications ────────────────────────────────────────────────────────────

// NotificationType discriminates the payload union of a Notification.
type NotificationType string

const (
	NotifyNewMessage        NotificationType = "new_message"
	NotifyTimerAlert        NotificationType = "timer_alert"
	NotifyAgentStatus       NotificationType = "agent_status"
	NotifyAgentActionStatus NotificationType = "agent_action_status"
	NotifyAppInteraction    NotificationType = "app_interaction"
	NotifySystemAlert       NotificationType = "system_alert"
	NotifyBrowserScreenshot NotificationType = "browser_screenshot"
)

// knownNotificationTypes is the closed set a producer may emit. The transport
// layer forwards unknown types untouched for forward compatibility.
var knownNotificationTypes = map[NotificationType]bool{
	NotifyNewMessage:        true,
	NotifyTimerAlert:        true,
	NotifyAgentStatus:       true,
	NotifyAgentActionStatus: true,
	NotifyAppInteraction:    true,
	NotifySystemAlert:       true,
	NotifyBrowserScreenshot: true,
}

// Known reports whether t is one of the notification types defined in this
// package. Consumers must tolerate unknown types.
func (t NotificationType) Known() bool { return knownNotificationTypes[t] }

// Notification is the broker envelope for every event in the system.
// NotificationID doubles as the idempotency key for the pending store.
type Notification struct {
	NotificationID   string           `json:"notification_id"`
	Timestamp        time.Time        `json:"timestamp"`
	RecipientAgentID string           `json:"recipient_agent_id,omitempty"`
	NotificationType NotificationType `json:"notification_type"`
	Source           string           `json:"source"`
	SessionID        string           `json:"session_id,omitempty"`
	UserID           string           `json:"user_id,omitempty"`
	Payload          map[string]any   `json:"payload"`
}

// NewNotification builds an envelope with a fresh UUID and a UTC timestamp.
func NewNotification(nt NotificationType, source, sessionID string, payload map[string]any) Notification {
	if payload == nil {
		payload = map[string]any{}
	}
	return Notification{
		NotificationID:   uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		NotificationType: nt,
		Source:           source,
		SessionID:        sessionID,
		Payload:          payload,
	}
}

// Broadcast reports whether the notification targets every connected socket
// rather than a single session.
func (n Notification) Broadcast() bool { return n.SessionID == "" }

// PendingNotification is the durable shadow of a notification that could not
// be delivered live. NotificationID is unique across the table.
type PendingNotification struct {
	ID               int64
	SessionID        string
	NotificationID   string
	NotificationType NotificationType
	Payload          []byte
	CreatedAt        time.Time
	DeliveredAt      time.Time
	DeliveryAttempts int
	LastAttemptAt    time.Time
}

// ─── Bus messages (voice path) ────────────────────────────────────────────────

// StreamStarted declares a new audio session to the bridge. It must arrive
// before any audio so outbound TTS has an egress identifier for greetings.
type StreamStarted struct {
	Type            string     `json:"type"` // always "stream_started"
	SessionID       string     `json:"session_id"`
	CallID          string     `json:"call_id"`
	Source          CallSource `json:"source"`
	TwilioStreamSID string     `json:"twilio_stream_sid,omitempty"`
	TwilioCallSID   string     `json:"twilio_call_sid,omitempty"`
}

// CallAudio carries one chunk of caller audio to the bridge.
// AudioData is base64-encoded PCM 16 kHz 16-bit mono, ≥100 ms per chunk.
type CallAudio struct {
	Type      string `json:"type"` // always "call_audio"
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	AudioData string `json:"audio_data"`
}

// CallStreamEnded tells the bridge to drop a session.
type CallStreamEnded struct {
	Type      string `json:"type"` // always "call_ended"
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
}

// SpeakRequest is an agent's request for the bridge to speak on a call.
type SpeakRequest struct {
	SessionID    string `json:"session_id"`
	CallID       string `json:"call_id"`
	IsCallSpeech bool   `json:"is_call_speech"`
	Content      string `json:"content"`
	AgentID      string `json:"agent_id"`
	Emotion      string `json:"emotion,omitempty"`
	FastMode     bool   `json:"fast_mode,omitempty"`
}

// TwilioTTSFrame is one unit of synthesized audio bound for the carrier.
// AudioData is base64-encoded mulaw 8 kHz; the adapter reframes it to
// 160-byte packets.
type TwilioTTSFrame struct {
	CallSID   string `json:"call_sid"`
	StreamSID string `json:"stream_sid"`
	AudioData string `json:"audio_data"`
}

// ─── Scheduler ────────────────────────────────────────────────────────────────

// Reminder is a scheduled trigger. Non-recurring standalone reminders are
// deleted when fired; recurring ones are expanded from RecurrenceRule each
// poll. EventID links virtual reminders to their calendar event.
type Reminder struct {
	ID             int64
	EventID        int64
	Title          string
	Description    string
	TriggerTime    time.Time
	RecurrenceRule string
	ExceptionDates []time.Time
	TargetAgents   []string
	CreatedBy      string
}

// CalendarEvent is a calendar entry; AutoReminders holds minutes-before
// offsets that the scheduler materializes as virtual reminders.
type CalendarEvent struct {
	ID             int64
	Title          string
	StartTime      time.Time
	EndTime        time.Time
	RecurrenceRule string
	ExceptionDates []time.Time
	AutoReminders  []int
	TargetAgents   []string
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// AppStatus is the health state of a registered app backend.
type AppStatus string

const (
	AppHealthy   AppStatus = "healthy"
	AppUnhealthy AppStatus = "unhealthy"
	AppUnknown   AppStatus = "unknown"
)

// RegisteredApp describes a deployed app backend tracked by the registry.
type RegisteredApp struct {
	AppID               string
	ContainerURL        string
	Manifest            map[string]any
	Status              AppStatus
	RegisteredAt        time.Time
	LastHealthCheck     time.Time
	HealthCheckFailures int
}
