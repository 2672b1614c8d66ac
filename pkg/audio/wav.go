package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by ParseWAV when the input lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a WAV container")

// WrapWAV prepends a 44-byte PCM WAV header to raw little-endian 16-bit PCM.
// The browser egress path sends WAV-framed audio as one binary frame.
func WrapWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// WAVInfo describes the PCM payload extracted from a WAV container.
type WAVInfo struct {
	SampleRate int
	Channels   int
	Bits       int
}

// ParseWAV extracts the PCM payload and format from a WAV container. Only
// uncompressed PCM (format tag 1) with 16-bit samples is accepted — the only
// format TTS providers hand us.
func ParseWAV(data []byte) ([]byte, WAVInfo, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkLen > len(data) {
			chunkLen = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, WAVInfo{}, fmt.Errorf("audio: short fmt chunk (%d bytes)", chunkLen)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, WAVInfo{}, fmt.Errorf("audio: unsupported WAV format tag %d", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.Bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if info.Bits != 16 {
				return nil, WAVInfo{}, fmt.Errorf("audio: unsupported bit depth %d", info.Bits)
			}
		case "data":
			if info.SampleRate == 0 {
				return nil, WAVInfo{}, errors.New("audio: data chunk before fmt chunk")
			}
			return data[body : body+chunkLen], info, nil
		}

		// Chunks are word-aligned.
		pos = body + chunkLen
		if chunkLen%2 == 1 {
			pos++
		}
	}
	return nil, WAVInfo{}, errors.New("audio: no data chunk found")
}

// IsMP3 sniffs whether data begins with an MP3 stream (ID3 tag or frame
// sync). Used by the telephony egress to pick the decode path.
func IsMP3(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	if data[0] == 'I' && data[1] == 'D' && data[2] == '3' {
		return true
	}
	return data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
