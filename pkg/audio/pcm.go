package audio

// Float32ToInt16Bytes converts mono float32 samples in [-1, 1] to
// little-endian int16 PCM bytes. Out-of-range samples are clipped.
func Float32ToInt16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(uint16(v))
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// Int16BytesToFloat32 converts little-endian int16 PCM bytes to mono float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func Int16BytesToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out
}

// Float32ToInt16 converts mono float32 samples to int16 values, clipping
// out-of-range input. Used by Opus encoders, which consume int16 frames.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Silence returns n zero-valued samples.
func Silence(n int) []float32 {
	return make([]float32, n)
}
