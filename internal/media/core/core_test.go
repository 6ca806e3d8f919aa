package core

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescale(t *testing.T) {
	tests := []struct {
		name     string
		v        int64
		from, to Rational
		want     int64
	}{
		{"identity", 42, TimeBase90k, TimeBase90k, 42},
		{"ms to 90k", 33, TimeBaseMillis, TimeBase90k, 2970},
		{"90k to ms rounds down", 2999, TimeBase90k, TimeBaseMillis, 33},
		{"90k to ms rounds half up", 45, TimeBase90k, TimeBaseMillis, 1},
		{"negative rounds away from zero", -45, TimeBase90k, TimeBaseMillis, -1},
		{"samples to 90k", 1024, Rational{1, 48000}, TimeBase90k, 1920},
		{"large nanos do not overflow", math.MaxInt64 / 2, TimeBaseNanos, TimeBaseNanos, math.MaxInt64 / 2},
		{"hours of nanos to 90k", int64(10 * time.Hour), TimeBaseNanos, TimeBase90k, 10 * 3600 * 90000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rescale(tt.v, tt.from, tt.to))
		})
	}
}

func TestDurationTicksRoundTrip(t *testing.T) {
	tb := Rational{1, 48000}
	ticks := DurationToTicks(time.Second, tb)
	assert.Equal(t, int64(48000), ticks)
	assert.Equal(t, time.Second, TicksToDuration(ticks, tb))
}

func TestTimestampDomains(t *testing.T) {
	a := MediaTimestamp(0, TimeBaseMillis)
	b := MediaTimestamp(33, TimeBaseMillis)
	d, err := b.DurationSince(a)
	require.NoError(t, err)
	assert.Equal(t, 33*time.Millisecond, d)

	wall := WallClockTimestamp(time.Unix(100, 0))
	_, err = wall.DurationSince(a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClockDomainMismatch))
}

func TestPerformanceCounterAndMach(t *testing.T) {
	qpc0 := PerformanceCounterTimestamp(10_000_000, 10_000_000)
	qpc1 := PerformanceCounterTimestamp(15_000_000, 10_000_000)
	d, err := qpc1.DurationSince(qpc0)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)

	// Apple silicon reports 125/3 nanoseconds per tick.
	m0 := MachAbsoluteTimestamp(0, 125, 3)
	m1 := MachAbsoluteTimestamp(24_000_000, 125, 3)
	d, err = m1.DurationSince(m0)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestAnchorToRecording(t *testing.T) {
	origin := PerformanceCounterTimestamp(1_000, 1_000)
	anchor := NewAnchor(origin, 250*time.Millisecond)

	got, err := anchor.ToRecording(PerformanceCounterTimestamp(1_500, 1_000))
	require.NoError(t, err)
	assert.Equal(t, DomainRecording, got.Domain())
	assert.Equal(t, 750*time.Millisecond, got.Offset())

	_, err = anchor.ToRecording(WallClockTimestamp(time.Now()))
	assert.Error(t, err)
}

func TestAudioBufferValidate(t *testing.T) {
	b := NewAudioBuffer(SampleFormatS16, false, 2, 48000, 480)
	require.NoError(t, b.Validate())
	assert.Equal(t, 1920, b.ByteLen())
	assert.Equal(t, 10*time.Millisecond, b.Duration())

	p := NewAudioBuffer(SampleFormatF32, true, 2, 48000, 100)
	require.NoError(t, p.Validate())

	b.Data[0] = b.Data[0][:len(b.Data[0])-1]
	assert.Error(t, b.Validate())

	p.Data = p.Data[:1]
	assert.Error(t, p.Validate())
}

func TestVideoFrameValidate(t *testing.T) {
	f := NewVideoFrame(PixelFormatI420, 64, 48)
	require.NoError(t, f.Validate())
	assert.Len(t, f.Data, 3)
	assert.Equal(t, 32, f.Stride[1])

	odd := NewVideoFrame(PixelFormatNV12, 33, 17)
	require.NoError(t, odd.Validate())
	assert.Equal(t, 34, odd.Stride[1])

	f.Data[2] = f.Data[2][:10]
	assert.Error(t, f.Validate())
}

func TestPacketRescaleTo(t *testing.T) {
	p := &Packet{PTS: 1000, DTS: 1000, Duration: 33, TimeBase: TimeBaseMillis}
	p.RescaleTo(TimeBase90k)
	assert.Equal(t, int64(90000), p.PTS)
	assert.Equal(t, int64(2970), p.Duration)
	assert.Equal(t, TimeBase90k, p.TimeBase)
}

func TestSetupErrorKind(t *testing.T) {
	err := errors.Wrap(NewSetupError(KindPermissionDenied, "screen", errors.New("tcc denied")), "build")
	assert.True(t, IsSetupKind(err, KindPermissionDenied))
	assert.False(t, IsSetupKind(err, KindDeviceNotFound))
	assert.Contains(t, err.Error(), "permission denied")
}

func TestGuardReleasesOnce(t *testing.T) {
	calls := 0
	g := NewGuard(func() { calls++ })
	err := With(g, func() error { return errors.New("boom") })
	assert.Error(t, err)
	g.Release()
	assert.Equal(t, 1, calls)

	var nilGuard *Guard
	assert.NotPanics(t, nilGuard.Release)
}
