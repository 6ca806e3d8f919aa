package encoder

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/capsoftware/cap/packages/cli/internal/media/convert"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// AudioEncoder turns raw audio buffers into packets for one output stream.
// Input of any layout is resampled into backend-sized frames, and pts
// come from the number of samples sent. A capture timestamp that runs
// ahead of that count by more than a frame is a gap, and the gap is
// filled with silence so later audio stays aligned with video.
type AudioEncoder struct {
	backend     AudioBackend
	info        BackendInfo
	params      core.StreamParams
	streamIndex int
	opts        options
	logger      *slog.Logger

	resampler *convert.BufferedResampler
	rebaser   convert.Rebaser
	sampleTB  core.Rational
	samples   int64
	silence   int64
	buffers   uint64
	packets   uint64
	finished  bool
}

// NewAudioEncoder opens a backend for cfg. Packets are tagged with streamIndex.
func NewAudioEncoder(cfg AudioConfig, streamIndex int, opts ...Option) (*AudioEncoder, error) {
	backend, info, err := OpenAudio(cfg)
	if err != nil {
		return nil, err
	}
	enc, err := newAudioEncoder(backend, info, streamIndex, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, core.NewSetupError(core.KindMissingEncoder, "audio encoder", err)
	}
	return enc, nil
}

func newAudioEncoder(backend AudioBackend, info BackendInfo, streamIndex int, opts ...Option) (*AudioEncoder, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = util.GetLogger()
	}
	params := backend.Params()
	r, err := convert.NewBufferedResampler(convert.ResamplerConfig{
		Format:     backend.SampleFormat(),
		Planar:     backend.Planar(),
		Channels:   params.Channels,
		SampleRate: params.SampleRate,
		FrameSize:  params.FrameSize,
	})
	if err != nil {
		return nil, err
	}
	return &AudioEncoder{
		backend:     backend,
		info:        info,
		params:      params,
		streamIndex: streamIndex,
		opts:        o,
		logger:      logger.With("component", "audio-encoder", "backend", info.Name),
		resampler:   r,
		sampleTB:    core.Rational{Num: 1, Den: int64(params.SampleRate)},
	}, nil
}

// Params describes the encoded stream for a muxer.
func (e *AudioEncoder) Params() core.StreamParams { return e.params }

// Backend returns the selected backend.
func (e *AudioEncoder) Backend() BackendInfo { return e.info }

// Samples returns how many samples per channel reached the backend.
func (e *AudioEncoder) Samples() int64 { return e.samples }

// SilenceInserted returns how many input-rate samples per channel were
// added to cover capture gaps.
func (e *AudioEncoder) SilenceInserted() int64 { return e.silence }

// SendBuffer queues buf and encodes every full frame now available. ts is
// the capture offset of buf; it only matters when it shows a gap.
func (e *AudioEncoder) SendBuffer(buf *core.AudioBuffer, ts time.Duration, out Output) error {
	if e.finished {
		return ErrFinished
	}
	start := time.Now()
	if err := e.fillGap(buf, ts); err != nil {
		return err
	}
	if err := e.resampler.Push(buf); err != nil {
		return errors.Wrap(err, "resample")
	}
	for frame := e.resampler.GetFrame(); frame != nil; frame = e.resampler.GetFrame() {
		if err := e.encode(frame, out); err != nil {
			return err
		}
	}
	e.buffers++

	if m := e.opts.metrics; m != nil {
		m.EncodeDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("encoder", e.info.Name)))
	}
	if e.opts.progress != nil && !e.opts.progress(e.buffers) {
		return ErrAborted
	}
	return nil
}

// fillGap pushes silence ahead of buf when its timestamp lies more than one
// frame past the samples already ingested. Timestamps behind the sample
// count are left alone.
func (e *AudioEncoder) fillGap(buf *core.AudioBuffer, ts time.Duration) error {
	if buf.SampleRate <= 0 {
		return nil
	}
	inTB := core.NewRational(1, int64(buf.SampleRate))
	at := e.rebaser.Update(core.DurationToTicks(ts, inTB))
	gap := at - e.resampler.Ingested()
	frame := core.Rescale(int64(e.params.FrameSize), e.sampleTB, inTB)
	if gap <= frame {
		return nil
	}
	e.logger.Warn("Audio capture gap, inserting silence",
		"gap", core.TicksToDuration(gap, inTB), "at", core.TicksToDuration(at, inTB))
	e.silence += gap
	return errors.Wrap(e.resampler.Push(silenceLike(buf, int(gap))), "resample silence")
}

// silenceLike returns n samples of silence in buf's layout.
func silenceLike(buf *core.AudioBuffer, n int) *core.AudioBuffer {
	s := core.NewAudioBuffer(buf.Format, buf.Planar, buf.Channels, buf.SampleRate, n)
	if buf.Format == core.SampleFormatU8 {
		for _, plane := range s.Data {
			for i := range plane {
				plane[i] = 0x80
			}
		}
	}
	return s
}

func (e *AudioEncoder) encode(frame *core.AudioBuffer, out Output) error {
	pts := core.Rescale(e.samples, e.sampleTB, e.params.TimeBase)
	if err := e.backend.Send(frame, pts); err != nil {
		return errors.Wrapf(err, "send audio pts=%d", pts)
	}
	e.samples += int64(frame.Samples)
	return e.drain(out)
}

func (e *AudioEncoder) drain(out Output) error {
	for {
		pkt, err := e.backend.Receive()
		if errors.Is(err, ErrAgain) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "receive packet")
		}
		pkt.StreamIndex = e.streamIndex
		pkt.RescaleTo(out.StreamTimeBase(e.streamIndex))
		if err := out.WriteInterleaved(pkt); err != nil {
			return errors.Wrap(err, "write packet")
		}
		e.packets++
	}
}

// Finish encodes the silence-padded tail, drains the backend into out and
// releases it. Calls after the first are no-ops.
func (e *AudioEncoder) Finish(out Output) error {
	if e.finished {
		return nil
	}
	e.finished = true

	var err error
	for frame := e.resampler.Flush(); frame != nil; frame = e.resampler.GetFrame() {
		if err = e.encode(frame, out); err != nil {
			break
		}
	}
	if err == nil {
		if sendErr := e.backend.Send(nil, 0); sendErr != nil {
			err = errors.Wrap(sendErr, "flush backend")
		} else {
			err = e.drain(out)
		}
	}
	err = multierr.Append(err, e.backend.Close())
	e.logger.Debug("Audio encoder finished",
		"samples", e.samples, "padding", e.resampler.Padding(), "silence", e.silence, "packets", e.packets)
	return err
}
