// Package httpsynth provides a buffered TTS provider backed by an HTTP
// synthesis server that returns WAV audio per request (a Coqui-style
// GET /api/tts endpoint). It implements the tts.BufferedProvider interface
// and is the degraded path when the streaming provider is unavailable.
package httpsynth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.BufferedProvider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	ttsEndpoint     = "/api/tts"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the synthesis server
// (e.g. "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.BufferedProvider against an HTTP WAV synthesis
// server. It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// New creates a Provider targeting the synthesis server at serverURL
// (e.g. "http://tts:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("httpsynth: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize performs one GET /api/tts request and returns 16 kHz mono 16-bit
// PCM with the WAV container stripped. Audio at other sample rates is
// resampled.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("httpsynth: text must not be empty")
	}

	params := url.Values{}
	params.Set("text", text)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	reqURL := p.serverURL + ttsEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpsynth: create request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpsynth: GET %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpsynth: GET %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpsynth: read WAV response: %w", err)
	}

	pcm, info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("httpsynth: %w", err)
	}
	if info.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if info.SampleRate != audio.BridgeRate {
		pcm = audio.ResampleMono16(pcm, info.SampleRate, audio.BridgeRate)
	}
	return pcm, nil
}
