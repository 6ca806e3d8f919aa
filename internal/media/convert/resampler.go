package convert

import (
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

// ErrInputFormatChanged is returned when a buffer's layout differs from the
// first buffer the resampler saw.
var ErrInputFormatChanged = errors.New("audio input format changed mid-stream")

// ResamplerConfig describes the frames a BufferedResampler emits.
type ResamplerConfig struct {
	Format     core.SampleFormat
	Planar     bool
	Channels   int
	SampleRate int
	FrameSize  int
}

func (c ResamplerConfig) validate() error {
	if c.Format.BytesPerSample() == 0 {
		return errors.Errorf("unsupported sample format %s", c.Format)
	}
	if c.Channels <= 0 || c.SampleRate <= 0 || c.FrameSize <= 0 {
		return errors.Errorf("invalid resampler output: %d channels, %d Hz, frame %d",
			c.Channels, c.SampleRate, c.FrameSize)
	}
	return nil
}

type inputLayout struct {
	format   core.SampleFormat
	planar   bool
	channels int
	rate     int
}

// BufferedResampler accepts audio buffers of any length and layout and
// emits frames of exactly FrameSize samples in the configured layout.
// Rate conversion is streaming linear interpolation. Not safe for
// concurrent use.
type BufferedResampler struct {
	cfg   ResamplerConfig
	input *inputLayout

	// hist holds input-rate samples not yet fully consumed, pos is the
	// fractional input position of the next output sample within hist.
	hist [][]float32
	pos  float64
	step float64

	// queue holds output-rate samples waiting for a full frame.
	queue [][]float32

	ingested int64
	emitted  int64
	padding  int64
	flushed  bool
}

// NewBufferedResampler returns a resampler producing frames described by cfg.
func NewBufferedResampler(cfg ResamplerConfig) (*BufferedResampler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &BufferedResampler{
		cfg:   cfg,
		queue: make([][]float32, cfg.Channels),
	}, nil
}

// Config returns the output configuration.
func (r *BufferedResampler) Config() ResamplerConfig { return r.cfg }

// Push queues buf for conversion.
func (r *BufferedResampler) Push(buf *core.AudioBuffer) error {
	if r.flushed {
		return errors.New("resampler already flushed")
	}
	if err := buf.Validate(); err != nil {
		return err
	}
	layout := inputLayout{format: buf.Format, planar: buf.Planar, channels: buf.Channels, rate: buf.SampleRate}
	if r.input == nil {
		r.input = &layout
		r.hist = make([][]float32, buf.Channels)
		r.step = float64(buf.SampleRate) / float64(r.cfg.SampleRate)
	} else if *r.input != layout {
		return errors.Wrapf(ErrInputFormatChanged, "%s/%dch/%dHz -> %s/%dch/%dHz",
			r.input.format, r.input.channels, r.input.rate, buf.Format, buf.Channels, buf.SampleRate)
	}
	if buf.Samples == 0 {
		return nil
	}
	r.ingested += int64(buf.Samples)

	if r.input.rate == r.cfg.SampleRate {
		decoded := decodeSamples(buf, make([][]float32, buf.Channels))
		r.enqueue(remapChannels(decoded, r.cfg.Channels))
		return nil
	}
	r.hist = decodeSamples(buf, r.hist)
	r.enqueue(remapChannels(r.interpolate(false), r.cfg.Channels))
	return nil
}

// interpolate produces every output sample that the buffered history can
// cover. With final set, the last input sample is held for the tail.
func (r *BufferedResampler) interpolate(final bool) [][]float32 {
	out := make([][]float32, len(r.hist))
	n := len(r.hist[0])
	for {
		i := int(r.pos)
		if i+1 >= n && !(final && i < n) {
			break
		}
		frac := float32(r.pos - float64(i))
		for c, h := range r.hist {
			v := h[i]
			if i+1 < n {
				v = h[i]*(1-frac) + h[i+1]*frac
			}
			out[c] = append(out[c], v)
		}
		r.pos += r.step
	}

	consumed := int(r.pos)
	if consumed > n-1 && !final {
		consumed = n - 1
	}
	if consumed > n {
		consumed = n
	}
	if consumed > 0 {
		for c := range r.hist {
			r.hist[c] = append(r.hist[c][:0], r.hist[c][consumed:]...)
		}
		r.pos -= float64(consumed)
	}
	return out
}

func (r *BufferedResampler) enqueue(samples [][]float32) {
	for c := range r.queue {
		r.queue[c] = append(r.queue[c], samples[c]...)
	}
}

// Buffered returns the number of output samples waiting for a full frame.
func (r *BufferedResampler) Buffered() int {
	return len(r.queue[0])
}

// GetFrame returns the next full frame, or nil when fewer than FrameSize
// samples are buffered.
func (r *BufferedResampler) GetFrame() *core.AudioBuffer {
	if r.Buffered() < r.cfg.FrameSize {
		return nil
	}
	return r.take(r.cfg.FrameSize)
}

// Flush converts any remaining input and pads the queue with silence to a
// whole number of frames. It returns the first of those frames, or nil if
// nothing is left and on every call after the first. Any further frames
// are drained with GetFrame.
func (r *BufferedResampler) Flush() *core.AudioBuffer {
	if r.flushed {
		return nil
	}
	r.flushed = true
	if r.input != nil && r.input.rate != r.cfg.SampleRate && len(r.hist) > 0 && len(r.hist[0]) > 0 {
		r.enqueue(remapChannels(r.interpolate(true), r.cfg.Channels))
	}
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	if rem := n % r.cfg.FrameSize; rem != 0 {
		pad := r.cfg.FrameSize - rem
		for c := range r.queue {
			r.queue[c] = append(r.queue[c], make([]float32, pad)...)
		}
		r.padding += int64(pad)
	}
	return r.take(r.cfg.FrameSize)
}

func (r *BufferedResampler) take(n int) *core.AudioBuffer {
	cfg := r.cfg
	out := core.NewAudioBuffer(cfg.Format, cfg.Planar, cfg.Channels, cfg.SampleRate, n)
	out.Timestamp = core.MediaTimestamp(r.emitted, core.Rational{Num: 1, Den: int64(cfg.SampleRate)})
	width := cfg.Format.BytesPerSample()
	for c := 0; c < cfg.Channels; c++ {
		for i := 0; i < n; i++ {
			var dst []byte
			if cfg.Planar {
				dst = out.Data[c][i*width:]
			} else {
				dst = out.Data[0][(i*cfg.Channels+c)*width:]
			}
			writeSample(cfg.Format, dst, r.queue[c][i])
		}
		r.queue[c] = append(r.queue[c][:0], r.queue[c][n:]...)
	}
	r.emitted += int64(n)
	return out
}

// Ingested returns the number of input samples per channel pushed so far.
func (r *BufferedResampler) Ingested() int64 { return r.ingested }

// Emitted returns the number of output samples per channel handed out,
// including silence padding.
func (r *BufferedResampler) Emitted() int64 { return r.emitted }

// Padding returns how many silent samples Flush appended.
func (r *BufferedResampler) Padding() int64 { return r.padding }
