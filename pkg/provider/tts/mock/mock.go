// Package mock provides test doubles for the tts package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/voxwire/voxwire/pkg/provider/tts"
)

// StreamProvider is a mock implementation of tts.StreamProvider. It echoes
// Audio chunks for every synthesis request.
type StreamProvider struct {
	mu sync.Mutex

	// Audio is the sequence of PCM chunks emitted for each request.
	Audio [][]byte

	// Err, if non-nil, is returned from SynthesizeStream.
	Err error

	// Calls records the concatenated text of every request.
	Calls []string
}

// SynthesizeStream drains text, records it, and emits Audio.
func (p *StreamProvider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(p.Audio))
	go func() {
		defer close(out)
		var full string
		for fragment := range text {
			full += fragment
		}
		p.mu.Lock()
		p.Calls = append(p.Calls, full)
		audio := p.Audio
		p.mu.Unlock()
		for _, chunk := range audio {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CallCount returns the number of completed requests. Thread-safe.
func (p *StreamProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ tts.StreamProvider = (*StreamProvider)(nil)

// BufferedProvider is a mock implementation of tts.BufferedProvider.
type BufferedProvider struct {
	mu sync.Mutex

	// PCM is the blob returned from every Synthesize call.
	PCM []byte

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// Calls records the text of every request.
	Calls []string
}

// Synthesize records the call and returns PCM, Err.
func (p *BufferedProvider) Synthesize(_ context.Context, text string, _ tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.PCM, nil
}

var _ tts.BufferedProvider = (*BufferedProvider)(nil)
