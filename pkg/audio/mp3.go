package audio

import (
	"bytes"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream to mono 16-bit PCM and reports the stream's
// sample rate. The decoder always emits 16-bit stereo frames regardless of
// the source channel count, so the output is downmixed before returning.
func DecodeMP3(data []byte) ([]byte, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode mp3: %w", err)
	}
	stereo, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode mp3: %w", err)
	}
	return StereoToMono(stereo), dec.SampleRate(), nil
}
