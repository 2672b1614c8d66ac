// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio chunks and emits two streams of
// Transcript values — low-latency partials for UI feedback and authoritative
// finals that feed the agent dispatch path.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// Transcript is a single recognition result emitted by an STT session.
type Transcript struct {
	// Text is the recognised text. May be empty for keep-alive results.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	// Partial results may be revised by later transcripts.
	IsFinal bool

	// Confidence is the provider's confidence in [0, 1], when reported.
	Confidence float64

	// Speaker is the diarised speaker index, or -1 when the provider did not
	// attribute the result to a speaker.
	Speaker int
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The voice bridge always
	// streams 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "en",
	// "de-DE"). An empty string lets the provider auto-detect, if supported.
	Language string

	// EndpointingMS is the provider-side silence window, in milliseconds,
	// after which a turn is finalised. Zero uses the provider default. The
	// bridge applies its own debounce on top of this.
	EndpointingMS int
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate and Channels agreed
	// in StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim Transcript
	// values as the provider makes preliminary guesses. These drive UI
	// indicators and must not be dispatched to agents.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits committed Transcript
	// values. These are the values that feed the debounced agent dispatch.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session. The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
