package audio

import (
	"encoding/binary"
	"math"
)

// Telephony audio profile shared by both legs of the bridge
const (
	SampleRate     = 8000
	SampleSizeBits = 16
	ChannelCount   = 1

	// MulawSilence is the µ-law code for zero energy
	MulawSilence byte = 0x7F
)

// MulawToPCM16 converts G.711 µ-law bytes to 16-bit little-endian linear PCM.
// The output is twice the length of the input.
func MulawToPCM16(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(mulawToLinear(b)))
	}
	return pcm
}

// PCM16ToMulaw converts 16-bit little-endian linear PCM to G.711 µ-law.
// A trailing odd byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	ulaw := make([]byte, len(pcm)/2)
	for i := range ulaw {
		ulaw[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return ulaw
}

// BytesToSamples decodes 16-bit little-endian PCM into samples
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as 16-bit little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// Resample converts 16-bit little-endian PCM between sample rates
func Resample(pcm []byte, inputRate, outputRate int) []byte {
	if inputRate == outputRate {
		return pcm
	}
	return SamplesToBytes(resample(BytesToSamples(pcm), inputRate, outputRate))
}

// resample performs simple linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// (ITU-T G.711, bias 0x84, clip 32635)
func linearToMulaw(sample int16) byte {
	const (
		clip = 32635
		bias = 0x84
	)

	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above bit 7
	exponent := byte(7)
	for mask := int32(0x4000); magnitude&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((magnitude >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	const bias = 0x84

	mulawByte = ^mulawByte
	sign := mulawByte & 0x80
	exponent := (mulawByte >> 4) & 0x07
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << 3) + bias) << exponent
	magnitude -= bias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
