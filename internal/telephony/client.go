package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// internalKeyHeader authenticates service-to-service calls.
const internalKeyHeader = "X-Internal-Key"

// readInternalKey loads the shared secret. A missing or empty file is a
// deployment error, never a bypass.
func readInternalKey(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("telephony: read internal key: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return "", fmt.Errorf("telephony: internal key file %s is empty", path)
	}
	return key, nil
}

// ─── gateway-side client ──────────────────────────────────────────────────────

// Client calls the telephony adapter's internal API from other processes.
// It satisfies the call manager's CarrierControl.
type Client struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewClient builds a Client for the adapter at baseURL.
func NewClient(baseURL, keyFile string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("telephony: adapter base URL is required")
	}
	key, err := readInternalKey(keyFile)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: key,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// TerminateLeg hangs up the carrier leg of a call.
func (c *Client) TerminateLeg(ctx context.Context, twilioCallSID string) error {
	return c.post(ctx, "/internal/terminate", map[string]string{
		"twilio_call_sid": twilioCallSID,
	}, nil)
}

// Originate starts an outbound carrier call and returns its sid.
func (c *Client) Originate(ctx context.Context, sessionID, callID, toNumber string) (string, error) {
	var resp struct {
		TwilioCallSID string `json:"twilio_call_sid"`
	}
	err := c.post(ctx, "/internal/calls", originateRequest{
		SessionID: sessionID,
		CallID:    callID,
		ToNumber:  toNumber,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TwilioCallSID, nil
}

// SendDTMF forwards digits to a live carrier call.
func (c *Client) SendDTMF(ctx context.Context, twilioCallSID, digits string) error {
	return c.post(ctx, "/internal/dtmf", map[string]string{
		"twilio_call_sid": twilioCallSID,
		"digits":          digits,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telephony: request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalKeyHeader, c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telephony: post %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("telephony: decode %s: %w", path, err)
		}
	}
	return nil
}

// ─── adapter-side gateway client ──────────────────────────────────────────────

// GatewayHTTP implements GatewayCaller against the gateway's internal call
// API.
type GatewayHTTP struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewGatewayHTTP builds the gateway client used by the adapter.
func NewGatewayHTTP(baseURL, keyFile string) (*GatewayHTTP, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("telephony: gateway base URL is required")
	}
	key, err := readInternalKey(keyFile)
	if err != nil {
		return nil, err
	}
	return &GatewayHTTP{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: key,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// RegisterInboundCall creates the Call for an accepted inbound carrier call.
func (g *GatewayHTTP) RegisterInboundCall(ctx context.Context, twilioCallSID, callerNumber, callerName string) (string, string, error) {
	var resp struct {
		CallID    string `json:"call_id"`
		SessionID string `json:"session_id"`
	}
	err := g.post(ctx, "/api/v1/calls/internal/register", map[string]string{
		"twilio_call_sid":     twilioCallSID,
		"caller_phone_number": callerNumber,
		"caller_name":         callerName,
	}, &resp)
	if err != nil {
		return "", "", err
	}
	return resp.CallID, resp.SessionID, nil
}

// AnswerCall moves a ringing call to connected.
func (g *GatewayHTTP) AnswerCall(ctx context.Context, callID, answeredBy string) error {
	path := fmt.Sprintf("/api/v1/calls/%s/answer", callID)
	return g.post(ctx, path, map[string]string{"answered_by": answeredBy}, nil)
}

// EndCall terminates a call.
func (g *GatewayHTTP) EndCall(ctx context.Context, callID, endedBy string, reason types.EndReason) error {
	path := fmt.Sprintf("/api/v1/calls/%s/end", callID)
	return g.post(ctx, path, map[string]string{
		"ended_by": endedBy,
		"reason":   string(reason),
	}, nil)
}

func (g *GatewayHTTP) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telephony: request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalKeyHeader, g.internalKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telephony: post %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("telephony: decode %s: %w", path, err)
		}
	}
	return nil
}
