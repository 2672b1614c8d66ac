package audio

import "time"

// Carrier packet cadence: 160 mulaw bytes per frame is 20 ms at 8 kHz.
// The adapter writes frames with a short inter-frame sleep so playback stays
// smooth without outrunning the carrier's jitter buffer.
const (
	CarrierFrameBytes    = 160
	CarrierFrameInterval = 15 * time.Millisecond
)

// CarrierFrames splits mulaw audio into CarrierFrameBytes-sized frames.
// The final frame is zero-padded to the full length; the carrier rejects
// short media payloads.
func CarrierFrames(mulaw []byte) [][]byte {
	if len(mulaw) == 0 {
		return nil
	}
	n := (len(mulaw) + CarrierFrameBytes - 1) / CarrierFrameBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(mulaw); off += CarrierFrameBytes {
		end := off + CarrierFrameBytes
		if end <= len(mulaw) {
			frames = append(frames, mulaw[off:end])
			continue
		}
		// mulaw silence is 0xFF, not 0x00.
		padded := make([]byte, CarrierFrameBytes)
		for i := range padded {
			padded[i] = 0xFF
		}
		copy(padded, mulaw[off:])
		frames = append(frames, padded)
	}
	return frames
}
