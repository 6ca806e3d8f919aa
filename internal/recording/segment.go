package recording

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	mediaclock "github.com/capsoftware/cap/packages/cli/internal/media/clock"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/media/muxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/pipeline"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

const cursorInterval = time.Second / 60

// segment is one recorded span between a start or resume and the following
// pause or stop, backed by its own pipeline.
type segment struct {
	info     SegmentInfo
	dir      string
	pipeline *pipeline.Pipeline
}

// audioOutput picks the container and file name for a standalone audio track.
func audioOutput(codec core.Codec) (name, format string) {
	switch codec {
	case core.CodecOpus:
		return AudioFileOgg, muxer.FormatOgg
	case core.CodecMP3:
		return AudioFileM4A, muxer.FormatLibavMP4
	default:
		return AudioFileM4A, muxer.FormatFMP4
	}
}

func (s *Session) muxerOptions() []muxer.Option {
	opts := []muxer.Option{muxer.WithLogger(s.logger), muxer.WithMetrics(s.opts.Metrics)}
	if s.opts.FragmentDuration > 0 {
		opts = append(opts, muxer.WithFragmentDuration(s.opts.FragmentDuration))
	}
	return opts
}

func (s *Session) encoderOptions() []encoder.Option {
	return []encoder.Option{encoder.WithLogger(s.logger), encoder.WithMetrics(s.opts.Metrics)}
}

// buildSegment assembles and builds the pipeline for segment index. Nothing
// plays until the caller calls Play. On failure the segment directory is
// removed.
func (s *Session) buildSegment(ctx context.Context, index int) (seg *segment, err error) {
	dir := SegmentDir(s.project.Dir, index)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create segment directory %s", dir)
	}

	var muxers []*muxer.Muxer
	defer func() {
		if err == nil {
			return
		}
		for _, m := range muxers {
			_ = m.Close()
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn("Failed to remove segment directory", "dir", dir, "error", rmErr)
		}
	}()
	create := func(name, format string) (*muxer.Muxer, error) {
		m, err := muxer.Create(filepath.Join(dir, name), format, s.muxerOptions()...)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create %s", name)
		}
		muxers = append(muxers, m)
		return m, nil
	}

	clk := mediaclock.NewRealTime(s.opts.Clock)
	logger := s.logger.With("segment", index)
	b := pipeline.NewBuilder(clk,
		pipeline.WithJoinTimeout(s.opts.JoinTimeout),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(s.opts.Metrics))
	capacity := s.opts.ChannelCapacity

	info := SegmentInfo{Index: index, StartedAt: time.Now().UTC()}
	var sources, pipes, sinks []func()

	var (
		displayGate *outputGate
		mic         *source.AudioTask
		micCh       *pipeline.Channel[*core.AudioBuffer]
	)
	if in := s.opts.Mic; in != nil {
		micCh = pipeline.NewChannel[*core.AudioBuffer]("mic", capacity, pipeline.Block)
		mic = source.NewAudioTask(source.KindMicrophone, in.Backend, in.Config, micCh)
		sources = append(sources, func() { b.Source("mic", mic) })
	}

	if in := s.opts.Display; in != nil {
		format := muxer.FormatFMP4
		streams := 1
		if mic != nil && s.opts.MicInDisplay {
			streams = 2
			if s.opts.Audio.Codec == core.CodecMP3 {
				format = muxer.FormatLibavMP4
			}
		}
		m, err := create(DisplayFile, format)
		if err != nil {
			return nil, err
		}
		displayGate = newOutputGate(m, streams)
		info.Display = s.project.rel(m.Path())
		s.addVideo(&sources, &pipes, &sinks, b, "display", source.KindDisplay, in, displayGate)
	}

	if in := s.opts.Camera; in != nil {
		m, err := create(CameraFile, muxer.FormatFMP4)
		if err != nil {
			return nil, err
		}
		info.Camera = s.project.rel(m.Path())
		s.addVideo(&sources, &pipes, &sinks, b, "camera", source.KindCamera, in, newOutputGate(m, 1))
	}

	if mic != nil {
		sink := &audioSink{in: micCh, format: mic.Format, cfg: s.opts.Audio, opts: s.encoderOptions()}
		if displayGate != nil && s.opts.MicInDisplay {
			sink.gate, sink.slot = displayGate, 1
			info.Audio = info.Display
		} else {
			name, format := audioOutput(s.opts.Audio.Codec)
			m, err := create(name, format)
			if err != nil {
				return nil, err
			}
			sink.gate = newOutputGate(m, 1)
			info.Audio = s.project.rel(m.Path())
		}
		sinks = append(sinks, func() { b.Sink("mic-encoder", sink) })
	}

	if s.opts.Cursor != nil {
		ch := pipeline.NewChannel[CursorSample]("cursor", capacity, pipeline.Block)
		ticker := clock.WithTicker(clock.RealClock{})
		if s.opts.Clock != nil {
			ticker = s.opts.Clock
		}
		path := filepath.Join(dir, CursorFile)
		info.Cursor = s.project.rel(path)
		sources = append(sources, func() {
			b.Source("cursor", &cursorSource{poll: s.opts.Cursor, interval: cursorInterval,
				limit: s.opts.CursorLimit, ticker: ticker, out: ch})
		})
		sinks = append(sinks, func() { b.Sink("cursor-writer", &cursorSink{path: path, in: ch}) })
	}

	if len(sources) == 0 {
		return nil, core.NewSetupError(core.KindInvalidConfig, "recording", errors.New("no inputs selected"))
	}
	for _, group := range [][]func(){sources, pipes, sinks} {
		for _, add := range group {
			add()
		}
	}

	p, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Segment ready", "dir", dir, "tasks", p.Tasks())
	return &segment{info: info, dir: dir, pipeline: p}, nil
}

// addVideo wires capture, conversion and encoding of one video input into gate slot 0.
func (s *Session) addVideo(sources, pipes, sinks *[]func(), b *pipeline.Builder, name string,
	kind source.Kind, in *VideoInput, gate *outputGate) {
	capacity := s.opts.ChannelCapacity
	raw := pipeline.NewChannel[*core.VideoFrame](name, capacity, pipeline.Drop)
	converted := pipeline.NewChannel[*core.VideoFrame](name+"-converted", capacity, pipeline.Block)
	capture := source.NewVideoTask(kind, in.Backend, in.Config, raw)

	*sources = append(*sources, func() { b.Source(name, capture) })
	*pipes = append(*pipes, func() {
		b.Pipe(name+"-convert", &convertPipe{in: raw, out: converted, format: capture.Format,
			width: s.opts.Width, height: s.opts.Height})
	})
	*sinks = append(*sinks, func() {
		b.Sink(name+"-encoder", &videoSink{in: converted, format: capture.Format,
			width: s.opts.Width, height: s.opts.Height, cfg: s.opts.Video, gate: gate, opts: s.encoderOptions()})
	})
}

// stop shuts the segment's pipeline down and returns the aggregated task
// errors. Stopping twice is a no-op.
func (seg *segment) stop(ctx context.Context) error {
	_, err := seg.pipeline.Shutdown(ctx)
	if errors.Is(err, pipeline.ErrShutdownPipeline) {
		return nil
	}
	return err
}
