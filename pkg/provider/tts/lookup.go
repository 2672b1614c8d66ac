package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// VoiceLookup resolves the synthesis voice assigned to an agent via an HTTP
// lookup service. Callers cache results per agent per call; the client itself
// is stateless and safe for concurrent use.
type VoiceLookup struct {
	baseURL    string
	httpClient *http.Client
}

// NewVoiceLookup creates a lookup client for the service at baseURL
// (e.g. "http://agent-registry:8080"). baseURL must be non-empty.
func NewVoiceLookup(baseURL string) (*VoiceLookup, error) {
	if baseURL == "" {
		return nil, errors.New("tts: voice lookup baseURL must not be empty")
	}
	return &VoiceLookup{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Resolve fetches the voice for agentID via GET /voices/{agent_id}. Returns
// the zero Voice and an error if the agent has no voice assigned.
func (l *VoiceLookup) Resolve(ctx context.Context, agentID string) (Voice, error) {
	if agentID == "" {
		return Voice{}, errors.New("tts: agentID must not be empty")
	}

	reqURL := l.baseURL + "/voices/" + url.PathEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Voice{}, fmt.Errorf("tts: create voice lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Voice{}, fmt.Errorf("tts: voice lookup for agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Voice{}, fmt.Errorf("tts: voice lookup for agent %s: unexpected status %d", agentID, resp.StatusCode)
	}

	var v Voice
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Voice{}, fmt.Errorf("tts: decode voice lookup response: %w", err)
	}
	if v.ID == "" {
		return Voice{}, fmt.Errorf("tts: agent %s has no voice assigned", agentID)
	}
	return v, nil
}
