package recording

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/capsoftware/cap/packages/cli/internal/media/convert"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/media/muxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/pipeline"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

// outputGate lets several sinks share one muxer. Each sink joins with its
// stream parameters, or its setup error, for a fixed slot; once every slot
// has arrived the streams are added in slot order and the header written.
type outputGate struct {
	mux *muxer.Muxer

	mu      sync.Mutex
	params  []core.StreamParams
	arrived int
	err     error
	done    chan struct{}
}

func newOutputGate(m *muxer.Muxer, streams int) *outputGate {
	for i := 0; i < streams; i++ {
		m.Hold()
	}
	return &outputGate{mux: m, params: make([]core.StreamParams, streams), done: make(chan struct{})}
}

func (g *outputGate) join(ctx context.Context, slot int, params core.StreamParams, err error) error {
	g.mu.Lock()
	if err != nil {
		if g.err == nil {
			g.err = errors.Wrapf(err, "stream %d of %s", slot, g.mux.Path())
		}
	} else {
		g.params[slot] = params
	}
	g.arrived++
	if g.arrived == len(g.params) {
		if g.err == nil {
			g.err = g.open()
		}
		close(g.done)
	}
	g.mu.Unlock()

	if err != nil {
		return err
	}
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *outputGate) open() error {
	for i, p := range g.params {
		index, err := g.mux.AddStream(p)
		if err != nil {
			return err
		}
		if index != i {
			return errors.Errorf("stream added at %d, expected %d", index, i)
		}
	}
	return g.mux.WriteHeader()
}

// output returns where an encoder should write: the muxer once the header
// is out, otherwise a sink that discards the flush of a failed setup.
func (g *outputGate) output(params core.StreamParams) encoder.Output {
	if g.mux.State() == muxer.StateHeaderWritten {
		return g.mux
	}
	return discard{tb: params.TimeBase}
}

type discard struct{ tb core.Rational }

func (d discard) StreamTimeBase(int) core.Rational    { return d.tb }
func (d discard) WriteInterleaved(*core.Packet) error { return nil }

// targetFormat is the encoder-facing format for a captured video format.
// Encoders need even dimensions.
func targetFormat(src source.VideoFormat, width, height int) source.VideoFormat {
	if width <= 0 || height <= 0 {
		width, height = src.Width, src.Height
	}
	return source.VideoFormat{
		Width:       max(width&^1, 2),
		Height:      max(height&^1, 2),
		PixelFormat: core.PixelFormatI420,
		FrameRate:   src.FrameRate,
	}
}

// convertPipe turns captured frames into encoder input.
type convertPipe struct {
	in            *pipeline.Channel[*core.VideoFrame]
	out           *pipeline.Channel[*core.VideoFrame]
	format        func(context.Context) (source.VideoFormat, error)
	width, height int
}

func (p *convertPipe) Run(tc *pipeline.TaskContext) error {
	defer p.out.Close()
	defer p.in.Abandon()

	ctx := tc.Context()
	src, err := p.format(ctx)
	if err != nil {
		tc.Ready(err)
		return err
	}
	target := targetFormat(src, p.width, p.height)
	if target.Width != src.Width || target.Height != src.Height || target.PixelFormat != src.PixelFormat {
		tc.Logger().Info("Converting video", "from", src.PixelFormat, "to", target.PixelFormat,
			"width", target.Width, "height", target.Height)
	}
	tc.Ready(nil)

	for {
		frame, ok := p.in.Recv(ctx)
		if !ok {
			return nil
		}
		next := frame
		if frame.Format != target.PixelFormat || frame.Width != target.Width || frame.Height != target.Height {
			next, err = convert.Scaled(frame, target.PixelFormat, target.Width, target.Height)
			frame.Release()
			if err != nil {
				return errors.Wrap(err, "convert frame")
			}
		}
		if _, err := p.out.Send(ctx, next); err != nil {
			next.Release()
			return nil
		}
	}
}

// videoSink encodes one video stream into its slot of a shared output.
type videoSink struct {
	in            *pipeline.Channel[*core.VideoFrame]
	format        func(context.Context) (source.VideoFormat, error)
	width, height int
	cfg           encoder.VideoConfig
	gate          *outputGate
	slot          int
	opts          []encoder.Option
}

func (s *videoSink) open(ctx context.Context) (*encoder.VideoEncoder, error) {
	src, err := s.format(ctx)
	if err != nil {
		return nil, err
	}
	f := targetFormat(src, s.width, s.height)
	cfg := s.cfg
	cfg.Width, cfg.Height, cfg.FrameRate = f.Width, f.Height, f.FrameRate
	return encoder.NewVideoEncoder(cfg, s.slot, s.opts...)
}

func (s *videoSink) Run(tc *pipeline.TaskContext) (err error) {
	enc, err := s.open(tc.Context())
	var params core.StreamParams
	if enc != nil {
		params = enc.Params()
	}
	defer func() {
		if enc != nil {
			err = multierr.Append(err, enc.Finish(s.gate.output(params)))
		}
		err = multierr.Append(err, s.gate.mux.Release())
		s.in.Abandon()
	}()
	if err := s.gate.join(tc.Context(), s.slot, params, err); err != nil {
		tc.Ready(err)
		return err
	}
	tc.Logger().Info("Video encoder ready", "backend", enc.Backend().Name, "codec", params.Codec,
		"width", params.Width, "height", params.Height, "output", s.gate.mux.Path())
	tc.Ready(nil)

	for {
		frame, ok := s.in.Recv(tc.Context())
		if !ok {
			return nil
		}
		sendErr := enc.SendFrame(frame, frame.Timestamp.Offset(), s.gate.mux)
		frame.Release()
		if sendErr != nil {
			return errors.Wrap(sendErr, "encode video")
		}
	}
}

// audioSink encodes one audio stream into its slot of a shared output.
type audioSink struct {
	in     *pipeline.Channel[*core.AudioBuffer]
	format func(context.Context) (source.AudioFormat, error)
	cfg    encoder.AudioConfig
	gate   *outputGate
	slot   int
	opts   []encoder.Option
}

func (s *audioSink) open(ctx context.Context) (*encoder.AudioEncoder, error) {
	src, err := s.format(ctx)
	if err != nil {
		return nil, err
	}
	cfg := s.cfg
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = src.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = src.Channels
	}
	return encoder.NewAudioEncoder(cfg, s.slot, s.opts...)
}

func (s *audioSink) Run(tc *pipeline.TaskContext) (err error) {
	enc, err := s.open(tc.Context())
	var params core.StreamParams
	if enc != nil {
		params = enc.Params()
	}
	defer func() {
		if enc != nil {
			err = multierr.Append(err, enc.Finish(s.gate.output(params)))
		}
		err = multierr.Append(err, s.gate.mux.Release())
		s.in.Abandon()
	}()
	if err := s.gate.join(tc.Context(), s.slot, params, err); err != nil {
		tc.Ready(err)
		return err
	}
	tc.Logger().Info("Audio encoder ready", "backend", enc.Backend().Name, "codec", params.Codec,
		"rate", params.SampleRate, "channels", params.Channels, "output", s.gate.mux.Path())
	tc.Ready(nil)

	for {
		buf, ok := s.in.Recv(tc.Context())
		if !ok {
			return nil
		}
		if err := enc.SendBuffer(buf, buf.Timestamp.Offset(), s.gate.mux); err != nil {
			return errors.Wrap(err, "encode audio")
		}
	}
}
