package telephony

import (
	"crypto/subtle"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxwire/voxwire/pkg/types"
)

// ─── TwiML ────────────────────────────────────────────────────────────────────

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     string        `xml:"Say,omitempty"`
	Reject  *twimlReject  `xml:"Reject,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlReject struct {
	Reason string `xml:"reason,attr,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func writeTwiML(w http.ResponseWriter, resp twimlResponse) {
	w.Header().Set("Content-Type", "application/xml")
	body, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, "twiml marshal failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s%s", xml.Header, body)
}

// connectStreamTwiML builds the markup that tells the carrier to open a
// bidirectional media WS carrying the call's identifiers as custom
// parameters.
func (a *Adapter) connectStreamTwiML(sessionID string, params map[string]string) twimlResponse {
	wsBase := strings.Replace(a.cfg.PublicBaseURL, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)

	stream := twimlStream{URL: fmt.Sprintf("%s/media-stream/%s", wsBase, sessionID)}
	for name, value := range params {
		stream.Parameters = append(stream.Parameters, twimlParam{Name: name, Value: value})
	}
	return twimlResponse{Connect: &twimlConnect{Stream: stream}}
}

// ─── handlers ─────────────────────────────────────────────────────────────────

// Register mounts the webhook and internal endpoints. The media-stream WS
// is mounted separately by RegisterMediaStream.
func (a *Adapter) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/voice", a.handleIncomingVoice)
	mux.HandleFunc("POST /webhooks/outbound-answer", a.handleOutboundAnswer)
	mux.HandleFunc("POST /webhooks/status", a.handleStatusCallback)
	mux.HandleFunc("POST /webhooks/sms", a.handleIncomingSMS)

	mux.HandleFunc("POST /internal/calls", a.requireInternalKey(a.handleOriginate))
	mux.HandleFunc("POST /internal/terminate", a.requireInternalKey(a.handleTerminate))
	mux.HandleFunc("POST /internal/dtmf", a.requireInternalKey(a.handleDTMF))
}

// checkSignature enforces webhook authenticity. The unsigned escape hatch
// exists for development only and still fails closed when the header is
// present but wrong.
func (a *Adapter) checkSignature(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return false
	}
	if a.cfg.AllowUnsignedWebhooks {
		slog.Warn("webhook signature validation disabled", "path", r.URL.Path)
		return true
	}
	if !a.validSignature(r) {
		slog.Warn("webhook signature rejected", "path", r.URL.Path)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return false
	}
	return true
}

// handleIncomingVoice answers the carrier's inbound-call webhook: validate,
// cap, whitelist, register the call, and hand back media-stream markup.
func (a *Adapter) handleIncomingVoice(w http.ResponseWriter, r *http.Request) {
	if !a.checkSignature(w, r) {
		return
	}
	callSID := r.PostForm.Get("CallSid")
	from := r.PostForm.Get("From")

	if a.cfg.MaxConcurrentCalls > 0 && a.activeStreamCount() >= a.cfg.MaxConcurrentCalls {
		slog.Warn("inbound call rejected, at capacity", "call_sid", callSID)
		writeTwiML(w, twimlResponse{Reject: &twimlReject{Reason: "busy"}})
		return
	}

	name, allowed, err := a.lookupWhitelist(r.Context(), from)
	if err != nil {
		slog.Error("whitelist lookup failed", "err", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !allowed {
		slog.Info("inbound call from non-whitelisted number", "from", RedactPhone(from))
		writeTwiML(w, twimlResponse{Reject: &twimlReject{Reason: "rejected"}})
		return
	}

	callID, sessionID, err := a.gateway.RegisterInboundCall(r.Context(), callSID, from, name)
	if err != nil {
		slog.Error("inbound call registration failed", "call_sid", callSID, "err", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	slog.Info("inbound call accepted", "call_sid", callSID,
		"call_id", callID, "from", RedactPhone(from))
	writeTwiML(w, a.connectStreamTwiML(sessionID, map[string]string{
		"call_id":             callID,
		"twilio_call_sid":     callSID,
		"caller_phone_number": from,
		"caller_name":         name,
		"direction":           "inbound",
	}))
}

// handleOutboundAnswer is hit when the callee of an outbound call picks up.
// The session and call ids round-trip through the webhook query string.
func (a *Adapter) handleOutboundAnswer(w http.ResponseWriter, r *http.Request) {
	if !a.checkSignature(w, r) {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	callID := r.URL.Query().Get("call_id")
	if sessionID == "" || callID == "" {
		http.Error(w, "missing session_id or call_id", http.StatusBadRequest)
		return
	}
	writeTwiML(w, a.connectStreamTwiML(sessionID, map[string]string{
		"call_id":         callID,
		"twilio_call_sid": r.PostForm.Get("CallSid"),
		"direction":       "outbound",
	}))
}

// handleStatusCallback tracks carrier-side lifecycle changes.
func (a *Adapter) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !a.checkSignature(w, r) {
		return
	}
	status := r.PostForm.Get("CallStatus")
	callID := r.URL.Query().Get("call_id")
	callSID := r.PostForm.Get("CallSid")

	switch status {
	case "in-progress":
		if callID != "" {
			if err := a.gateway.AnswerCall(r.Context(), callID, "user"); err != nil {
				slog.Error("status answer failed", "call_id", callID, "err", err)
			}
		}
	case "completed", "busy", "failed", "no-answer", "canceled":
		if callID != "" {
			if err := a.gateway.EndCall(r.Context(), callID, "user", types.EndDisconnected); err != nil {
				slog.Error("status end failed", "call_id", callID, "err", err)
			}
		}
		if s := a.stream(callSID); s != nil {
			s.shutdown(r.Context())
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleIncomingSMS whitelist-gates a text message and forwards it to the
// primary agent.
func (a *Adapter) handleIncomingSMS(w http.ResponseWriter, r *http.Request) {
	if !a.checkSignature(w, r) {
		return
	}
	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")

	name, allowed, err := a.lookupWhitelist(r.Context(), from)
	if err != nil {
		slog.Error("whitelist lookup failed", "err", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !allowed {
		slog.Info("sms from non-whitelisted number", "from", RedactPhone(from))
		w.WriteHeader(http.StatusOK)
		return
	}

	n := types.NewNotification(types.NotifySystemAlert, "telephony", "", map[string]any{
		"type":        "incoming_sms",
		"caller_name": name,
		"body":        body,
	})
	if err := a.pub.PublishToAgent(r.Context(), a.primaryAgent, n); err != nil {
		slog.Error("incoming sms publish failed", "err", err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// requireInternalKey guards service-to-service endpoints.
func (a *Adapter) requireInternalKey(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Key")), []byte(a.internalKey)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}
