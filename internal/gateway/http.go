package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/voxwire/voxwire/internal/callmanager"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/pkg/types"
)

// Register mounts every gateway endpoint on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/conversations/{session_id}", g.handleConversation)
	mux.HandleFunc("POST /api/v1/messages/user", g.requireInternalKey(g.handleAgentMessage))
	mux.HandleFunc("POST /api/v1/messages/from-user", g.requireInternalKey(g.handleUserMessage))

	mux.HandleFunc("POST /api/v1/calls", g.requireInternalKey(g.handleInitiateCall))
	mux.HandleFunc("GET /api/v1/calls/{call_id}", g.requireInternalKey(g.handleGetCall))
	mux.HandleFunc("POST /api/v1/calls/{call_id}/answer", g.requireInternalKey(g.handleAnswerCall))
	mux.HandleFunc("POST /api/v1/calls/{call_id}/decline", g.requireInternalKey(g.handleDeclineCall))
	mux.HandleFunc("POST /api/v1/calls/{call_id}/end", g.requireInternalKey(g.handleEndCall))
	mux.HandleFunc("POST /api/v1/calls/{call_id}/hold", g.requireInternalKey(g.handleHoldCall))
	mux.HandleFunc("POST /api/v1/calls/{call_id}/resume", g.requireInternalKey(g.handleResumeCall))
	mux.HandleFunc("POST /api/v1/calls/{call_id}/transfer", g.requireInternalKey(g.handleTransferCall))

	mux.HandleFunc("POST /api/v1/calls/internal/register", g.requireInternalKey(g.handleRegisterInbound))
	mux.HandleFunc("POST /api/v1/calls/internal/transcription", g.requireInternalKey(g.handleTranscription))
	mux.HandleFunc("POST /api/v1/calls/internal/tts-audio", g.requireInternalKey(g.handleTTSAudio))

	mux.HandleFunc("POST /api/v1/notifications/action-status", g.requireInternalKey(g.handleActionStatus))
	mux.HandleFunc("POST /api/v1/notifications/app-interaction", g.requireInternalKey(g.handleAppInteraction))

	mux.HandleFunc("POST /voice/token", g.handleVoiceToken)
	mux.HandleFunc("GET /audio/signed/{sig}", g.handleSignedAudio)

	mux.HandleFunc("GET /ws/conversations/{session_id}/stream", g.handleUIStream)
	mux.HandleFunc("GET /ws/voice/{session_id}", g.handleVoiceWS)
}

func (g *Gateway) requireInternalKey(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(internalKeyHeader)), []byte(g.internalKey)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeCallError maps call-manager failures onto HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrCallNotFound):
		http.Error(w, "call not found", http.StatusNotFound)
	case errors.Is(err, callmanager.ErrCallAlreadyActive):
		http.Error(w, "session already has an active call", http.StatusConflict)
	case errors.Is(err, callmanager.ErrCallEnded),
		errors.Is(err, callmanager.ErrInvalidTransition),
		errors.Is(err, callmanager.ErrNotCurrentHandler):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "operation failed", http.StatusInternalServerError)
	}
}

// ─── conversations & messages ─────────────────────────────────────────────────

func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := g.messages.Messages(r.Context(), sessionID, offset, limit)
	if err != nil {
		slog.Error("message history load failed", "session_id", sessionID, "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	views := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, map[string]any{
			"id":         m.ID,
			"sender":     m.Sender,
			"agent_id":   m.AgentID,
			"content":    m.Content,
			"input_mode": m.InputMode,
			"timestamp":  m.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   views,
		"offset":     offset,
		"count":      len(views),
	})
}

type agentMessageRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
	InputMode string `json:"input_mode"`
}

// handleAgentMessage accepts an agent→user message, persists it, and fans
// it out as a new_message notification.
func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var req agentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.AgentID == "" || req.Content == "" {
		http.Error(w, "session_id, agent_id and content are required", http.StatusBadRequest)
		return
	}
	if req.InputMode == "" {
		req.InputMode = "text"
	}
	err := g.messages.AddMessage(r.Context(), &store.ConversationMessage{
		SessionID: req.SessionID,
		Sender:    req.AgentID,
		AgentID:   req.AgentID,
		Content:   req.Content,
		InputMode: req.InputMode,
	})
	if err != nil {
		slog.Error("agent message store failed", "session_id", req.SessionID, "err", err)
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	n := types.NewNotification(types.NotifyNewMessage, "gateway", req.SessionID, map[string]any{
		"content":    req.Content,
		"agent_id":   req.AgentID,
		"input_mode": req.InputMode,
	})
	if err := g.pub.PublishNotification(r.Context(), n); err != nil {
		slog.Error("agent message publish failed", "session_id", req.SessionID, "err", err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"notification_id": n.NotificationID})
}

type userMessageRequest struct {
	SessionID     string         `json:"session_id"`
	Content       string         `json:"content"`
	InputMode     string         `json:"input_mode"`
	VoiceMetadata map[string]any `json:"voice_metadata,omitempty"`
}

// handleUserMessage accepts a user→agent message and routes it to the
// primary agent's queue.
func (g *Gateway) handleUserMessage(w http.ResponseWriter, r *http.Request) {
	var req userMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Content == "" {
		http.Error(w, "session_id and content are required", http.StatusBadRequest)
		return
	}
	if err := g.dispatchUserMessage(r.Context(), req); err != nil {
		slog.Error("user message dispatch failed", "session_id", req.SessionID, "err", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) dispatchUserMessage(ctx context.Context, req userMessageRequest) error {
	if req.InputMode == "" {
		req.InputMode = "text"
	}
	err := g.messages.AddMessage(ctx, &store.ConversationMessage{
		SessionID: req.SessionID,
		Sender:    "user",
		Content:   req.Content,
		InputMode: req.InputMode,
	})
	if err != nil {
		return err
	}
	payload := map[string]any{
		"content":    req.Content,
		"input_mode": req.InputMode,
	}
	if req.VoiceMetadata != nil {
		payload["voice_metadata"] = req.VoiceMetadata
	}
	n := types.NewNotification(types.NotifyNewMessage, "gateway", req.SessionID, payload)
	return g.pub.PublishToAgent(ctx, g.primaryAgent, n)
}

// ─── call operations ──────────────────────────────────────────────────────────

type initiateCallRequest struct {
	SessionID   string `json:"session_id"`
	InitiatedBy string `json:"initiated_by"`
	TargetAgent string `json:"target_agent"`
	FastMode    bool   `json:"fast_mode"`
}

func (g *Gateway) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.TargetAgent == "" {
		req.TargetAgent = g.primaryAgent
	}
	call, err := g.calls.Initiate(r.Context(), callmanager.InitiateParams{
		SessionID:   req.SessionID,
		InitiatedBy: req.InitiatedBy,
		TargetAgent: req.TargetAgent,
		FastMode:    req.FastMode,
	})
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, callView(call))
}

func (g *Gateway) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AnsweredBy string `json:"answered_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AnsweredBy == "" {
		http.Error(w, "answered_by is required", http.StatusBadRequest)
		return
	}
	call, err := g.calls.Answer(r.Context(), r.PathValue("call_id"), req.AnsweredBy)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callView(call))
}

func (g *Gateway) handleDeclineCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeclinedBy string          `json:"declined_by"`
		Reason     types.EndReason `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeclinedBy == "" {
		http.Error(w, "declined_by is required", http.StatusBadRequest)
		return
	}
	call, err := g.calls.Decline(r.Context(), r.PathValue("call_id"), req.DeclinedBy, req.Reason)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callView(call))
}

func (g *Gateway) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EndedBy string          `json:"ended_by"`
		Reason  types.EndReason `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EndedBy == "" {
		http.Error(w, "ended_by is required", http.StatusBadRequest)
		return
	}
	call, err := g.calls.End(r.Context(), r.PathValue("call_id"), req.EndedBy, req.Reason)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callView(call))
}

func (g *Gateway) handleHoldCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	call, err := g.calls.Hold(r.Context(), r.PathValue("call_id"), req.Reason)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callView(call))
}

func (g *Gateway) handleResumeCall(w http.ResponseWriter, r *http.Request) {
	call, err := g.calls.Resume(r.Context(), r.PathValue("call_id"))
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callView(call))
}

func (g *Gateway) handleTransferCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAgent    string `json:"from_agent"`
		ToAgent      string `json:"to_agent"`
		Announcement string `json:"announcement"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FromAgent == "" || req.ToAgent == "" {
		http.Error(w, "from_agent and to_agent are required", http.StatusBadRequest)
		return
	}
	call, err := g.calls.Transfer(r.Context(), r.PathValue("call_id"), req.FromAgent, req.ToAgent, req.Announcement)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callView(call))
}

// handleGetCall returns one call with its participant history and transcript.
func (g *Gateway) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	call, err := g.calls.Get(r.Context(), callID)
	if err != nil {
		writeCallError(w, err)
		return
	}

	parts, err := g.messages.Participants(r.Context(), callID)
	if err != nil {
		slog.Error("participant load failed", "call_id", callID, "err", err)
		http.Error(w, "call detail unavailable", http.StatusInternalServerError)
		return
	}
	lines, err := g.messages.Transcripts(r.Context(), callID)
	if err != nil {
		slog.Error("transcript load failed", "call_id", callID, "err", err)
		http.Error(w, "call detail unavailable", http.StatusInternalServerError)
		return
	}

	v := callView(call)
	partViews := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		pv := map[string]any{
			"agent_id":  p.AgentID,
			"role":      string(p.Role),
			"joined_at": p.JoinedAt.UTC().Format(time.RFC3339),
		}
		if !p.LeftAt.IsZero() {
			pv["left_at"] = p.LeftAt.UTC().Format(time.RFC3339)
		}
		if p.TransferredFrom != "" {
			pv["transferred_from"] = p.TransferredFrom
		}
		partViews = append(partViews, pv)
	}
	lineViews := make([]map[string]any, 0, len(lines))
	for _, t := range lines {
		lineViews = append(lineViews, map[string]any{
			"speaker_type": string(t.SpeakerType),
			"speaker_id":   t.SpeakerID,
			"content":      t.Content,
			"timestamp":    t.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	v["participants"] = partViews
	v["transcript"] = lineViews
	writeJSON(w, http.StatusOK, v)
}

func callView(c *types.Call) map[string]any {
	v := map[string]any{
		"call_id":          c.CallID,
		"session_id":       c.SessionID,
		"status":           string(c.Status),
		"initiated_by":     c.InitiatedBy,
		"current_agent_id": c.CurrentAgentID,
		"call_source":      string(c.CallSource),
	}
	if c.EndReason != "" {
		v["end_reason"] = string(c.EndReason)
	}
	return v
}

// ─── internal voice-path endpoints ────────────────────────────────────────────

type registerInboundRequest struct {
	TwilioCallSID     string `json:"twilio_call_sid"`
	CallerPhoneNumber string `json:"caller_phone_number"`
	CallerName        string `json:"caller_name"`
}

// handleRegisterInbound creates the Call for a carrier-originated inbound
// call and hands the adapter its session id.
func (g *Gateway) handleRegisterInbound(w http.ResponseWriter, r *http.Request) {
	var req registerInboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TwilioCallSID == "" {
		http.Error(w, "twilio_call_sid is required", http.StatusBadRequest)
		return
	}
	sessionID := "twilio_" + req.TwilioCallSID
	call, err := g.calls.Initiate(r.Context(), callmanager.InitiateParams{
		SessionID:         sessionID,
		InitiatedBy:       "user",
		TargetAgent:       g.primaryAgent,
		Source:            types.SourceTwilioInbound,
		TwilioCallSID:     req.TwilioCallSID,
		CallerPhoneNumber: req.CallerPhoneNumber,
	})
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"call_id":    call.CallID,
		"session_id": sessionID,
	})
}

type transcriptionRequest struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
}

// handleTranscription fans a bridge transcript out to the session's UI.
func (g *Gateway) handleTranscription(w http.ResponseWriter, r *http.Request) {
	var req transcriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	kind := "transcription_interim"
	if req.IsFinal {
		kind = "transcription_final"
		if req.CallID != "" {
			err := g.messages.AddTranscript(r.Context(), &types.CallTranscript{
				CallID:      req.CallID,
				SpeakerType: types.SpeakerUser,
				SpeakerID:   "user",
				Content:     req.Text,
			})
			if err != nil {
				// The live fan-out still goes ahead; the record is best effort.
				slog.Error("transcript store failed", "call_id", req.CallID, "err", err)
			}
		}
	}
	n := types.NewNotification(types.NotifyAgentStatus, "bridge", req.SessionID, map[string]any{
		"type":    kind,
		"text":    req.Text,
		"call_id": req.CallID,
	})
	if err := g.pub.PublishNotification(r.Context(), n); err != nil {
		slog.Error("transcription publish failed", "session_id", req.SessionID, "err", err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleTTSAudio relays a WAV blob from the bridge onto the session's live
// voice sockets. Audio for a session with no socket is dropped; speech is
// not worth replaying late.
func (g *Gateway) handleTTSAudio(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	wav, err := io.ReadAll(r.Body)
	if err != nil || len(wav) == 0 {
		http.Error(w, "empty audio body", http.StatusBadRequest)
		return
	}
	delivered := g.deliverVoiceAudio(r.Context(), sessionID, wav)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

// ─── notification producer endpoints ──────────────────────────────────────────

func (g *Gateway) handleActionStatus(w http.ResponseWriter, r *http.Request) {
	g.publishProduced(w, r, types.NotifyAgentActionStatus)
}

func (g *Gateway) handleAppInteraction(w http.ResponseWriter, r *http.Request) {
	g.publishProduced(w, r, types.NotifyAppInteraction)
}

func (g *Gateway) publishProduced(w http.ResponseWriter, r *http.Request, nt types.NotificationType) {
	var req struct {
		SessionID string         `json:"session_id"`
		Source    string         `json:"source"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "gateway"
	}
	n := types.NewNotification(nt, req.Source, req.SessionID, req.Payload)
	if err := g.pub.PublishNotification(r.Context(), n); err != nil {
		slog.Error("notification publish failed", "type", string(nt), "err", err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"notification_id": n.NotificationID})
}

// ─── voice tokens & signed audio ──────────────────────────────────────────────

func (g *Gateway) handleVoiceToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	token, err := g.tokens.Mint(req.SessionID, "voice")
	if err != nil {
		slog.Error("voice token mint failed", "session_id", req.SessionID, "err", err)
		http.Error(w, "token mint failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(g.tokens.ttl.Seconds()),
	})
}

// handleSignedAudio serves an audio file gated by an HMAC-signed URL.
func (g *Gateway) handleSignedAudio(w http.ResponseWriter, r *http.Request) {
	sig := r.PathValue("sig")
	file := r.URL.Query().Get("file")
	expires := r.URL.Query().Get("expires")
	if err := g.signer.Verify(sig, file, expires); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	// Signed or not, the path must stay inside the audio root.
	clean := path.Clean("/" + file)
	if strings.Contains(clean, "..") {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, filepath.Join(g.cfg.AudioDir, filepath.FromSlash(clean)))
}
