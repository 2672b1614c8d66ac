package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// ─── internal endpoints ───────────────────────────────────────────────────────

// originateRequest is the body of POST /internal/calls.
type originateRequest struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	ToNumber  string `json:"to_number"`
}

// handleOriginate creates an outbound carrier call whose webhooks echo the
// session and call ids back, and announces the attempt.
func (a *Adapter) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.CallID == "" || req.ToNumber == "" {
		http.Error(w, "session_id, call_id and to_number are required", http.StatusBadRequest)
		return
	}

	echo := url.Values{"session_id": {req.SessionID}, "call_id": {req.CallID}}.Encode()
	answerURL := a.cfg.PublicBaseURL + "/webhooks/outbound-answer?" + echo
	statusURL := a.cfg.PublicBaseURL + "/webhooks/status?" + echo

	callSID, err := a.carrier.CreateCall(r.Context(), req.ToNumber, answerURL, statusURL)
	if err != nil {
		slog.Error("outbound origination failed",
			"call_id", req.CallID, "to", RedactPhone(req.ToNumber), "err", err)
		http.Error(w, "origination failed", http.StatusBadGateway)
		return
	}

	n := types.NewNotification(types.NotifyAgentStatus, "telephony", req.SessionID, map[string]any{
		"type":            "outbound_call_initiated",
		"call_id":         req.CallID,
		"twilio_call_sid": callSID,
	})
	if err := a.pub.PublishToAgent(r.Context(), a.primaryAgent, n); err != nil {
		slog.Error("outbound_call_initiated publish failed", "call_id", req.CallID, "err", err)
	}

	slog.Info("outbound call originated", "call_id", req.CallID,
		"call_sid", callSID, "to", RedactPhone(req.ToNumber))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"twilio_call_sid": callSID})
}

// handleTerminate hangs up one carrier leg.
func (a *Adapter) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TwilioCallSID string `json:"twilio_call_sid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TwilioCallSID == "" {
		http.Error(w, "twilio_call_sid is required", http.StatusBadRequest)
		return
	}
	if err := a.carrier.CompleteCall(r.Context(), req.TwilioCallSID); err != nil {
		slog.Error("carrier leg termination failed", "call_sid", req.TwilioCallSID, "err", err)
		http.Error(w, "termination failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDTMF forwards validated digits to a live carrier call. The digit
// pattern check keeps arbitrary caller input out of carrier markup.
func (a *Adapter) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TwilioCallSID string `json:"twilio_call_sid"`
		Digits        string `json:"digits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TwilioCallSID == "" {
		http.Error(w, "twilio_call_sid is required", http.StatusBadRequest)
		return
	}
	if !ValidDTMF(req.Digits) {
		http.Error(w, "invalid digits", http.StatusBadRequest)
		return
	}
	if err := a.carrier.SendDigits(r.Context(), req.TwilioCallSID, req.Digits); err != nil {
		slog.Error("dtmf send failed", "call_sid", req.TwilioCallSID, "err", err)
		http.Error(w, "dtmf failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ─── carrier REST client ──────────────────────────────────────────────────────

// RESTClient implements CarrierAPI against the carrier's HTTP API.
type RESTClient struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	client     *http.Client
}

// NewRESTClient builds the carrier API client. baseURL is overridable for
// tests; empty selects the production endpoint.
func NewRESTClient(accountSID, authToken, fromNumber, baseURL string) *RESTClient {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &RESTClient{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCall originates one outbound call.
func (c *RESTClient) CreateCall(ctx context.Context, toNumber, answerURL, statusURL string) (string, error) {
	form := url.Values{
		"To":             {toNumber},
		"From":           {c.fromNumber},
		"Url":            {answerURL},
		"StatusCallback": {statusURL},
	}
	body, err := c.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", c.accountSID), form)
	if err != nil {
		return "", err
	}
	var resp struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("telephony: decode create call: %w", err)
	}
	if resp.SID == "" {
		return "", fmt.Errorf("telephony: carrier returned no call sid")
	}
	return resp.SID, nil
}

// CompleteCall hangs up a live call.
func (c *RESTClient) CompleteCall(ctx context.Context, callSID string) error {
	form := url.Values{"Status": {"completed"}}
	_, err := c.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, callSID), form)
	return err
}

// SendDigits plays DTMF tones into a live call.
func (c *RESTClient) SendDigits(ctx context.Context, callSID, digits string) error {
	form := url.Values{"SendDigits": {digits}}
	_, err := c.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, callSID), form)
	return err
}

func (c *RESTClient) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("telephony: carrier request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: carrier call: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telephony: carrier status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
