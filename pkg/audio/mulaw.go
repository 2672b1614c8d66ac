package audio

// G.711 mulaw codec. The carrier speaks 8-bit logarithmic mulaw at 8 kHz;
// everything past the adapter is linear 16-bit PCM.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps each mulaw byte to its linear int16 value.
var mulawDecodeTable [256]int16

func init() {
	for i := range 256 {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int16(mantissa)<<3 + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		mulawDecodeTable[i] = sample
	}
}

// EncodeMulawSample converts one linear int16 sample to a mulaw byte.
func EncodeMulawSample(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int16(0x4000); exponent > 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulawSample converts one mulaw byte to a linear int16 sample.
func DecodeMulawSample(b byte) int16 {
	return mulawDecodeTable[b]
}

// PCMToMulaw converts little-endian 16-bit mono PCM to mulaw bytes.
// A trailing odd byte is dropped.
func PCMToMulaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeMulawSample(s)
	}
	return out
}

// MulawToPCM converts mulaw bytes to little-endian 16-bit mono PCM.
func MulawToPCM(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
