package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts host floating-point samples in [-1, 1] to signed
// 16-bit little-endian PCM. Values are clamped; negative values scale by 32768
// and positive values by 32767 so the positive rail cannot overflow.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		var n int16
		if v < 0 {
			n = int16(math.Round(v * 32768))
		} else {
			n = int16(math.Round(v * 32767))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(n))
	}
	return out
}

// PCM16ToFloat converts signed 16-bit little-endian PCM back to floating
// point, mirroring the asymmetric scaling of FloatToPCM16 so a round trip
// recovers every sample value exactly.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		n := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if n < 0 {
			out[i] = float32(float64(n) / 32768)
		} else {
			out[i] = float32(float64(n) / 32767)
		}
	}
	return out
}

// RMS computes the root-mean-square loudness of PCM16LE audio, normalized to
// [0, 1].
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// Peak returns the maximum absolute amplitude in the PCM data, normalized to
// [0, 1].
func Peak(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var maxAbs float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 to avoid overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// Scale multiplies PCM16LE samples in place by volume (clamped to [0, 1]).
func Scale(pcm []byte, volume float64) {
	if volume >= 1 {
		return
	}
	if volume < 0 {
		volume = 0
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		scaled := int16(float64(sample) * volume)
		binary.LittleEndian.PutUint16(pcm[i:], uint16(scaled))
	}
}
