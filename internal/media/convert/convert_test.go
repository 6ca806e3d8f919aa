package convert

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

func solidRGBA(w, h int, r, g, b byte) *core.VideoFrame {
	f := core.NewVideoFrame(core.PixelFormatRGBA, w, h)
	for i := 0; i < w*h; i++ {
		copy(f.Data[0][i*4:], []byte{r, g, b, 255})
	}
	return f
}

func TestConvertRGBAToI420(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b byte
		y, u, v byte
	}{
		{"black", 0, 0, 0, 16, 128, 128},
		{"white", 255, 255, 255, 235, 128, 128},
		{"red", 255, 0, 0, 82, 90, 240},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := solidRGBA(4, 4, tt.r, tt.g, tt.b)
			src.Timestamp = core.RecordingTimestamp(42)
			out, err := Frame(src, core.PixelFormatI420)
			require.NoError(t, err)
			require.NoError(t, out.Validate())

			assert.InDelta(t, tt.y, out.Data[0][5], 1)
			assert.InDelta(t, tt.u, out.Data[1][1], 1)
			assert.InDelta(t, tt.v, out.Data[2][3], 1)
			assert.Equal(t, src.Timestamp, out.Timestamp)
		})
	}
}

func TestConvertBGRASwapsChannels(t *testing.T) {
	rgba := solidRGBA(2, 2, 255, 0, 0)
	bgra := solidRGBA(2, 2, 0, 0, 255)
	bgra.Format = core.PixelFormatBGRA

	a, err := Frame(rgba, core.PixelFormatI420)
	require.NoError(t, err)
	b, err := Frame(bgra, core.PixelFormatI420)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestConvertNV12RoundTrip(t *testing.T) {
	src := core.NewVideoFrame(core.PixelFormatI420, 6, 4)
	for i := range src.Data[0] {
		src.Data[0][i] = byte(i)
	}
	for i := range src.Data[1] {
		src.Data[1][i] = byte(100 + i)
		src.Data[2][i] = byte(200 + i)
	}

	nv12, err := Frame(src, core.PixelFormatNV12)
	require.NoError(t, err)
	assert.Equal(t, []byte{100, 200, 101, 201}, nv12.Data[1][:4])

	back, err := Frame(nv12, core.PixelFormatI420)
	require.NoError(t, err)
	assert.Equal(t, src.Data, back.Data)

	same, err := Frame(nv12, core.PixelFormatNV12)
	require.NoError(t, err)
	assert.Equal(t, nv12.Data, same.Data)
}

func TestScaledKeepsFlatPlanes(t *testing.T) {
	src := solidRGBA(64, 48, 30, 60, 90)
	out, err := Scaled(src, core.PixelFormatNV12, 32, 18)
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.Equal(t, 32, out.Width)
	assert.Equal(t, 18, out.Height)

	first := out.Data[0][0]
	for _, px := range out.Data[0] {
		require.Equal(t, first, px)
	}
}

func TestConvertRejectsUnsupported(t *testing.T) {
	src := core.NewVideoFrame(core.PixelFormatI420, 2, 2)
	_, err := Frame(src, core.PixelFormatRGBA)
	assert.True(t, errors.Is(err, ErrUnsupportedConversion))

	c, err := Shared().Context(core.PixelFormatI420, core.PixelFormatI420, 4, 4, 4, 4)
	require.NoError(t, err)
	_, err = c.Convert(src)
	assert.Error(t, err, "geometry mismatch")
}

func TestDeviceCachesContexts(t *testing.T) {
	Teardown()
	defer Teardown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Frame(solidRGBA(8, 8, 1, 2, 3), core.PixelFormatNV12)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, Shared().Created())

	_, err := Scaled(solidRGBA(8, 8, 1, 2, 3), core.PixelFormatNV12, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, Shared().Created())

	before := Shared()
	Teardown()
	assert.NotSame(t, before, Shared())
	assert.Zero(t, Shared().Created())
}

func s16Buffer(channels, rate, samples int, value int16) *core.AudioBuffer {
	b := core.NewAudioBuffer(core.SampleFormatS16, false, channels, rate, samples)
	for i := 0; i < samples*channels; i++ {
		binary.LittleEndian.PutUint16(b.Data[0][i*2:], uint16(value))
	}
	return b
}

func drain(r *BufferedResampler) []*core.AudioBuffer {
	var frames []*core.AudioBuffer
	for f := r.GetFrame(); f != nil; f = r.GetFrame() {
		frames = append(frames, f)
	}
	return frames
}

func TestResamplerConservation(t *testing.T) {
	tests := []struct {
		inRate, outRate int
		inCh, outCh     int
		frameSize       int
	}{
		{48000, 48000, 2, 2, 1024},
		{44100, 48000, 2, 2, 1024},
		{48000, 44100, 1, 2, 1024},
		{16000, 48000, 1, 1, 960},
		{48000, 16000, 2, 1, 960},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d->%d_%dch->%dch", tt.inRate, tt.outRate, tt.inCh, tt.outCh), func(t *testing.T) {
			r, err := NewBufferedResampler(ResamplerConfig{
				Format:     core.SampleFormatF32,
				Planar:     true,
				Channels:   tt.outCh,
				SampleRate: tt.outRate,
				FrameSize:  tt.frameSize,
			})
			require.NoError(t, err)

			rng := rand.New(rand.NewSource(1))
			var frames []*core.AudioBuffer
			for i := 0; i < 200; i++ {
				require.NoError(t, r.Push(s16Buffer(tt.inCh, tt.inRate, 1+rng.Intn(2000), 1000)))
				frames = append(frames, drain(r)...)
			}
			last := r.Flush()
			require.NotNil(t, last)
			frames = append(frames, last)
			frames = append(frames, drain(r)...)
			assert.Nil(t, r.Flush(), "flush emits only once")

			var emitted int64
			for _, f := range frames {
				require.Equal(t, tt.frameSize, f.Samples)
				require.NoError(t, f.Validate())
				emitted += int64(f.Samples)
			}
			assert.Equal(t, r.Emitted(), emitted)

			expected := float64(r.Ingested()) * float64(tt.outRate) / float64(tt.inRate)
			assert.InDelta(t, expected, float64(emitted), float64(tt.frameSize))
			assert.Less(t, r.Padding(), int64(tt.frameSize))
		})
	}
}

func TestResamplerPreservesLevel(t *testing.T) {
	r, err := NewBufferedResampler(ResamplerConfig{
		Format: core.SampleFormatS16, Channels: 2, SampleRate: 48000, FrameSize: 480,
	})
	require.NoError(t, err)
	require.NoError(t, r.Push(s16Buffer(1, 44100, 4410, 8192)))

	f := r.GetFrame()
	require.NotNil(t, f)
	for i := 0; i < f.Samples*2; i++ {
		v := int16(binary.LittleEndian.Uint16(f.Data[0][i*2:]))
		require.InDelta(t, 8192, v, 1)
	}
}

func TestResamplerTimestampsCountSamples(t *testing.T) {
	r, err := NewBufferedResampler(ResamplerConfig{
		Format: core.SampleFormatF32, Channels: 1, SampleRate: 48000, FrameSize: 1024,
	})
	require.NoError(t, err)
	require.NoError(t, r.Push(s16Buffer(1, 48000, 4096, 0)))

	frames := drain(r)
	require.Len(t, frames, 4)
	for i, f := range frames {
		want := core.MediaTimestamp(int64(i*1024), core.NewRational(1, 48000))
		assert.Equal(t, want, f.Timestamp)
	}
}

func TestResamplerRejectsFormatChange(t *testing.T) {
	r, err := NewBufferedResampler(ResamplerConfig{
		Format: core.SampleFormatF32, Channels: 2, SampleRate: 48000, FrameSize: 1024,
	})
	require.NoError(t, err)
	require.NoError(t, r.Push(s16Buffer(2, 48000, 10, 0)))
	err = r.Push(s16Buffer(2, 44100, 10, 0))
	assert.True(t, errors.Is(err, ErrInputFormatChanged))

	_, err = NewBufferedResampler(ResamplerConfig{Format: core.SampleFormatF32})
	assert.Error(t, err)
}

func TestResamplerFlushEmpty(t *testing.T) {
	r, err := NewBufferedResampler(ResamplerConfig{
		Format: core.SampleFormatS32, Channels: 1, SampleRate: 8000, FrameSize: 160,
	})
	require.NoError(t, err)
	assert.Nil(t, r.Flush())
	assert.Error(t, r.Push(s16Buffer(1, 8000, 1, 0)))
}

func TestSampleCodecs(t *testing.T) {
	formats := []core.SampleFormat{
		core.SampleFormatU8, core.SampleFormatS16, core.SampleFormatS32,
		core.SampleFormatF32, core.SampleFormatF64,
	}
	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			buf := make([]byte, f.BytesPerSample())
			for _, v := range []float32{-1, -0.5, 0, 0.5, 0.99} {
				writeSample(f, buf, v)
				assert.InDelta(t, v, readSample(f, buf), 1.0/64)
			}
		})
	}
	buf := make([]byte, 2)
	writeSample(core.SampleFormatS16, buf, 4)
	assert.Equal(t, int16(math.MaxInt16), int16(binary.LittleEndian.Uint16(buf)))
}

func TestRebaserPreservesDeltas(t *testing.T) {
	in := []int64{90000, 93000, 96000, 96000, 105000}
	var r Rebaser
	out := make([]int64, len(in))
	for i, pts := range in {
		out[i] = r.Update(pts)
	}
	assert.Zero(t, out[0])
	for i := range in {
		assert.Equal(t, in[i]-in[0], out[i]-out[0])
	}

	first, ok := r.First()
	assert.True(t, ok)
	assert.Equal(t, int64(90000), first)

	r.Reset()
	assert.Zero(t, r.Update(7))
	assert.Equal(t, int64(3), r.Update(10))
}
