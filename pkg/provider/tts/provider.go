// Package tts defines the provider interfaces for text-to-speech backends.
//
// Two shapes of synthesis are abstracted:
//
//   - StreamProvider — a persistent streaming connection that emits raw PCM
//     chunks as they are synthesised. Pre-warmed at bridge startup for low
//     first-byte latency.
//   - BufferedProvider — a batch HTTP backend that returns one complete PCM
//     blob per utterance. Used as the degraded path when streaming fails.
//
// The voice bridge selects streaming first and falls back to buffered; both
// paths are guarded by circuit breakers at the call site.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice identifies a synthesis voice at a specific provider.
type Voice struct {
	// ID is the provider-assigned voice identifier.
	ID string `json:"voice_id"`

	// Name is the human-readable voice name.
	Name string `json:"name,omitempty"`

	// Provider names the backend the ID belongs to (e.g. "elevenlabs").
	Provider string `json:"provider,omitempty"`
}

// StreamProvider is the abstraction over a streaming TTS backend.
type StreamProvider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised, allowing egress to begin before the full text is known.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered mid-synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)
}

// BufferedProvider is the abstraction over a batch TTS backend.
type BufferedProvider interface {
	// Synthesize renders text to a complete 16 kHz mono 16-bit PCM blob.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}

// Collect drains a streaming synthesis into a single PCM blob. It is the glue
// that lets a StreamProvider stand in where a complete utterance is needed
// (telephony transcode, WAV framing).
func Collect(ctx context.Context, p StreamProvider, text string, voice Voice) ([]byte, error) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := p.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		return nil, err
	}

	var pcm []byte
	for chunk := range audioCh {
		pcm = append(pcm, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pcm, nil
}
