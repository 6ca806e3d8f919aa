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

// VideoEncoder turns raw frames into packets for one output stream.
// It is owned by a single sink task and is not safe for concurrent use.
type VideoEncoder struct {
	backend     VideoBackend
	info        BackendInfo
	cfg         VideoConfig
	params      core.StreamParams
	streamIndex int
	opts        options
	logger      *slog.Logger

	rebaser  convert.Rebaser
	lastPTS  int64
	frames   uint64
	packets  uint64
	finished bool
}

// NewVideoEncoder opens a backend for cfg. Packets are tagged with streamIndex.
func NewVideoEncoder(cfg VideoConfig, streamIndex int, opts ...Option) (*VideoEncoder, error) {
	backend, info, err := OpenVideo(cfg)
	if err != nil {
		return nil, err
	}
	return newVideoEncoder(backend, info, cfg, streamIndex, opts...), nil
}

func newVideoEncoder(backend VideoBackend, info BackendInfo, cfg VideoConfig, streamIndex int, opts ...Option) *VideoEncoder {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = util.GetLogger()
	}
	return &VideoEncoder{
		backend:     backend,
		info:        info,
		cfg:         cfg,
		params:      backend.Params(),
		streamIndex: streamIndex,
		opts:        o,
		logger:      logger.With("component", "video-encoder", "backend", info.Name),
		lastPTS:     -1,
	}
}

// Params describes the encoded stream for a muxer.
func (e *VideoEncoder) Params() core.StreamParams { return e.params }

// Backend returns the selected backend.
func (e *VideoEncoder) Backend() BackendInfo { return e.info }

// Frames returns how many frames were sent.
func (e *VideoEncoder) Frames() uint64 { return e.frames }

// SendFrame encodes frame presented at ts, an offset from the start of the
// recording, and writes every packet the backend has ready to out.
func (e *VideoEncoder) SendFrame(frame *core.VideoFrame, ts time.Duration, out Output) error {
	if e.finished {
		return ErrFinished
	}
	start := time.Now()

	tb := e.params.TimeBase
	pts := e.rebaser.Update(core.DurationToTicks(ts, tb))
	if pts <= e.lastPTS {
		// Two captures landed in the same tick.
		pts = e.lastPTS + 1
	}

	input := frame
	if frame.Format != e.backend.PixelFormat() || frame.Width != e.cfg.Width || frame.Height != e.cfg.Height {
		converted, err := convert.Scaled(frame, e.backend.PixelFormat(), e.cfg.Width, e.cfg.Height)
		if err != nil {
			return errors.Wrap(err, "convert frame")
		}
		input = converted
	}

	if err := e.backend.Send(input, pts); err != nil {
		return errors.Wrapf(err, "send frame pts=%d", pts)
	}
	e.lastPTS = pts
	e.frames++

	if err := e.drain(out); err != nil {
		return err
	}
	if m := e.opts.metrics; m != nil {
		m.EncodeDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("encoder", e.info.Name)))
	}
	if e.opts.progress != nil && !e.opts.progress(e.frames) {
		return ErrAborted
	}
	return nil
}

func (e *VideoEncoder) drain(out Output) error {
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

// Finish drains the backend into out and releases it. Calls after the
// first are no-ops.
func (e *VideoEncoder) Finish(out Output) error {
	if e.finished {
		return nil
	}
	e.finished = true

	var err error
	if sendErr := e.backend.Send(nil, 0); sendErr != nil {
		err = multierr.Append(err, errors.Wrap(sendErr, "flush backend"))
	} else {
		err = multierr.Append(err, e.drain(out))
	}
	err = multierr.Append(err, e.backend.Close())
	e.logger.Debug("Video encoder finished", "frames", e.frames, "packets", e.packets)
	return err
}
