package core

import (
	"time"

	"github.com/pkg/errors"
)

// AudioBuffer holds a run of samples. Interleaved buffers keep every
// channel in Data[0]; planar buffers keep one channel per plane.
type AudioBuffer struct {
	Data       [][]byte
	Format     SampleFormat
	Planar     bool
	Channels   int
	SampleRate int
	Samples    int
	Timestamp  Timestamp
}

// NewAudioBuffer allocates a zeroed buffer for samples per channel.
func NewAudioBuffer(format SampleFormat, planar bool, channels, rate, samples int) *AudioBuffer {
	b := &AudioBuffer{
		Format:     format,
		Planar:     planar,
		Channels:   channels,
		SampleRate: rate,
		Samples:    samples,
	}
	width := format.BytesPerSample()
	if planar {
		b.Data = make([][]byte, channels)
		for i := range b.Data {
			b.Data[i] = make([]byte, samples*width)
		}
	} else {
		b.Data = [][]byte{make([]byte, samples*channels*width)}
	}
	return b
}

// ByteLen returns the total payload size across planes.
func (b *AudioBuffer) ByteLen() int {
	n := 0
	for _, p := range b.Data {
		n += len(p)
	}
	return n
}

// Duration returns the play time covered by the buffer.
func (b *AudioBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return TicksToDuration(int64(b.Samples), Rational{1, int64(b.SampleRate)})
}

// Validate enforces samples*channels*width == bytes.
func (b *AudioBuffer) Validate() error {
	width := b.Format.BytesPerSample()
	if width == 0 {
		return errors.Errorf("unsupported sample format %s", b.Format)
	}
	if b.Channels <= 0 || b.SampleRate <= 0 {
		return errors.Errorf("invalid audio layout: %d channels at %d Hz", b.Channels, b.SampleRate)
	}
	if b.Planar && len(b.Data) != b.Channels {
		return errors.Errorf("planar buffer has %d planes for %d channels", len(b.Data), b.Channels)
	}
	if !b.Planar && len(b.Data) != 1 {
		return errors.Errorf("interleaved buffer has %d planes", len(b.Data))
	}
	if want := b.Samples * b.Channels * width; b.ByteLen() != want {
		return errors.Errorf("audio buffer holds %d bytes, expected %d", b.ByteLen(), want)
	}
	return nil
}
