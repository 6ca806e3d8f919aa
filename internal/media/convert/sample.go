package convert

import (
	"encoding/binary"
	"math"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

// decodeSamples appends the samples of buf to per-channel float32 slices.
func decodeSamples(buf *core.AudioBuffer, dst [][]float32) [][]float32 {
	width := buf.Format.BytesPerSample()
	for ch := 0; ch < buf.Channels; ch++ {
		for i := 0; i < buf.Samples; i++ {
			var raw []byte
			if buf.Planar {
				raw = buf.Data[ch][i*width:]
			} else {
				raw = buf.Data[0][(i*buf.Channels+ch)*width:]
			}
			dst[ch] = append(dst[ch], readSample(buf.Format, raw))
		}
	}
	return dst
}

func readSample(f core.SampleFormat, b []byte) float32 {
	switch f {
	case core.SampleFormatU8:
		return (float32(b[0]) - 128) / 128
	case core.SampleFormatS16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case core.SampleFormatS32:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	case core.SampleFormatF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case core.SampleFormatF64:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
	return 0
}

func writeSample(f core.SampleFormat, b []byte, v float32) {
	if !f.IsFloat() {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
	}
	switch f {
	case core.SampleFormatU8:
		b[0] = byte(clampInt(int(math.Round(float64(v)*128))+128, 0, 255))
	case core.SampleFormatS16:
		binary.LittleEndian.PutUint16(b, uint16(int16(clampInt(int(math.Round(float64(v)*32768)), math.MinInt16, math.MaxInt16))))
	case core.SampleFormatS32:
		s := math.Round(float64(v) * 2147483648)
		if s > math.MaxInt32 {
			s = math.MaxInt32
		}
		binary.LittleEndian.PutUint32(b, uint32(int32(s)))
	case core.SampleFormatF32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	case core.SampleFormatF64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// remapChannels mixes in to the out channel count. Mono is duplicated,
// downmixes average the source channels that fold onto each output.
func remapChannels(in [][]float32, out int) [][]float32 {
	if len(in) == out {
		return in
	}
	n := 0
	if len(in) > 0 {
		n = len(in[0])
	}
	res := make([][]float32, out)
	for c := range res {
		res[c] = make([]float32, n)
	}
	if len(in) < out {
		for c := 0; c < out; c++ {
			copy(res[c], in[c%len(in)])
		}
		return res
	}
	counts := make([]float32, out)
	for c := range in {
		o := c % out
		counts[o]++
		for i, v := range in[c] {
			res[o][i] += v
		}
	}
	for o := range res {
		for i := range res[o] {
			res[o][i] /= counts[o]
		}
	}
	return res
}
