package mic

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

func callbackBytes(frames, channels int, v float32) []byte {
	b := make([]byte, frames*channels*4)
	for i := 0; i < frames*channels; i++ {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func TestStreamCountsSamples(t *testing.T) {
	s := newStream(source.AudioFormat{SampleFormat: core.SampleFormatF32, Channels: 2, SampleRate: 48000})
	s.deliver(callbackBytes(480, 2, 0.5), 480)
	s.deliver(callbackBytes(960, 2, -0.5), 960)

	first, err := s.next(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Validate())
	assert.Equal(t, 480, first.Samples)
	assert.Equal(t, time.Duration(0), first.Timestamp.Offset())

	second, err := s.next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, second.Timestamp.Offset())
	assert.Equal(t, float32(-0.5), math.Float32frombits(binary.LittleEndian.Uint32(second.Data[0])))
}

func TestStreamDropsWhenFullAndPolls(t *testing.T) {
	s := newStream(source.AudioFormat{SampleFormat: core.SampleFormatF32, Channels: 1, SampleRate: 16000})
	for i := 0; i < queueDepth+3; i++ {
		s.deliver(callbackBytes(160, 1, 0), 160)
	}
	assert.Equal(t, int64(3), s.dropped.Load())

	for i := 0; i < queueDepth; i++ {
		_, err := s.next(context.Background(), time.Second)
		require.NoError(t, err)
	}
	_, err := s.next(context.Background(), time.Millisecond)
	assert.Equal(t, source.ErrNoData, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.next(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
