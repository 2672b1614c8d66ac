package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// internalKeyHeader authenticates service-to-service calls.
const internalKeyHeader = "X-Internal-Key"

// HTTPGateway implements GatewayClient against the gateway's internal API.
type HTTPGateway struct {
	baseURL     string
	internalKey string
	client      *http.Client
}

// NewHTTPGateway builds the client. The internal key is read from
// keyFile; a missing or empty file is a deployment error, never a bypass.
func NewHTTPGateway(baseURL, keyFile string) (*HTTPGateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("bridge: gateway base URL is required")
	}
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("bridge: read internal key: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return nil, fmt.Errorf("bridge: internal key file %s is empty", keyFile)
	}
	return &HTTPGateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: key,
		client:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// SendTranscription pushes one transcript line to the gateway for UI
// display.
func (g *HTTPGateway) SendTranscription(ctx context.Context, sessionID, callID, text string, isFinal bool) error {
	return g.post(ctx, "/api/v1/calls/internal/transcription", map[string]any{
		"session_id": sessionID,
		"call_id":    callID,
		"text":       text,
		"is_final":   isFinal,
	})
}

// SendTTSAudio pushes a synthesized WAV blob for relay to the browser.
func (g *HTTPGateway) SendTTSAudio(ctx context.Context, sessionID, callID string, wav []byte) error {
	url := fmt.Sprintf("%s/api/v1/calls/internal/tts-audio?session_id=%s&call_id=%s", g.baseURL, sessionID, callID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wav))
	if err != nil {
		return fmt.Errorf("bridge: tts-audio request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set(internalKeyHeader, g.internalKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: tts-audio post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge: tts-audio post: status %d", resp.StatusCode)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bridge: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("bridge: request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalKeyHeader, g.internalKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge: post %s: status %d", path, resp.StatusCode)
	}
	return nil
}
