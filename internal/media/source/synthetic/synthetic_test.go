package synthetic

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

func TestVideoCadenceAndLimit(t *testing.T) {
	v := NewVideo(source.Config{Width: 32, Height: 16, FrameRate: core.NewRational(25, 1), Limit: 3}, clock.RealClock{})
	defer v.Close()
	require.Equal(t, core.PixelFormatI420, v.Format().PixelFormat)

	var prev core.Timestamp
	for i := 0; i < 3; i++ {
		f, err := v.Next(context.Background())
		require.NoError(t, err)
		require.NoError(t, f.Validate())
		assert.Equal(t, core.DomainMediaPTS, f.Timestamp.Domain())
		if i > 0 {
			d, err := f.Timestamp.DurationSince(prev)
			require.NoError(t, err)
			assert.Equal(t, 40*time.Millisecond, d)
		}
		prev = f.Timestamp
	}
	_, err := v.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestVideoDefaults(t *testing.T) {
	v := NewVideo(source.Config{}, clock.RealClock{})
	assert.Equal(t, defaultWidth, v.Format().Width)
	assert.Equal(t, core.NewRational(30, 1), v.Format().FrameRate)
}

func TestRealTimePacingFollowsTicker(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Unix(0, 0))
	v := NewVideo(source.Config{Width: 16, Height: 16, FrameRate: core.NewRational(10, 1), RealTime: true}, fake)
	defer v.Close()

	got := make(chan error, 1)
	go func() {
		_, err := v.Next(context.Background())
		got <- err
	}()
	select {
	case <-got:
		t.Fatal("frame delivered before its slot")
	case <-time.After(20 * time.Millisecond):
	}
	require.Eventually(t, fake.HasWaiters, time.Second, time.Millisecond)
	fake.Step(100 * time.Millisecond)
	require.NoError(t, <-got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAudioBuffersAreContiguous(t *testing.T) {
	a := NewAudio(source.Config{SampleRate: 48000, Channels: 2, Limit: 4}, clock.RealClock{})
	defer a.Close()
	require.Equal(t, 1600, a.BufferSamples())

	var next int64
	for i := 0; i < 4; i++ {
		b, err := a.Next(context.Background())
		require.NoError(t, err)
		require.NoError(t, b.Validate())
		assert.Equal(t, core.TicksToDuration(next, core.NewRational(1, 48000)), b.Timestamp.Offset())
		next += int64(b.Samples)

		// Channels carry the same sample.
		l := binary.LittleEndian.Uint32(b.Data[0][8:])
		r := binary.LittleEndian.Uint32(b.Data[0][12:])
		assert.Equal(t, l, r)
		assert.LessOrEqual(t, math.Abs(float64(math.Float32frombits(l))), toneLevel)
	}
	_, err := a.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestAudioSampleCountFollowsFrameRate(t *testing.T) {
	tests := []struct {
		name       string
		rate       core.Rational
		sampleRate int
		buffers    int
		want       int64
	}{
		{"30fps", core.NewRational(30, 1), 48000, 300, 480000},
		{"ntsc", core.NewRational(30000, 1001), 48000, 30, 48048},
		{"24fps at 44.1k", core.NewRational(24, 1), 44100, 48, 88200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sampleRate := tt.sampleRate
			a := NewAudio(source.Config{SampleRate: sampleRate, Channels: 1, FrameRate: tt.rate, Limit: tt.buffers}, clock.RealClock{})
			defer a.Close()

			var total int64
			for {
				b, err := a.Next(context.Background())
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				assert.Equal(t, core.TicksToDuration(total, core.NewRational(1, int64(sampleRate))), b.Timestamp.Offset())
				total += int64(b.Samples)
			}
			assert.Equal(t, tt.want, total)
		})
	}
}

func TestListers(t *testing.T) {
	for _, kind := range []source.Kind{source.KindDisplay, source.KindCamera, source.KindMicrophone} {
		devices, err := source.ListDevices(context.Background(), kind)
		require.NoError(t, err)
		require.Len(t, devices, 1, kind)
		assert.Equal(t, Name, devices[0].Backend)
	}
}
