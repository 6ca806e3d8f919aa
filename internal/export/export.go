// Package export concatenates the segments of a recording project into a
// single file. Packets are copied without re-encoding; each segment is
// shifted so it starts where the previous one ended.
package export

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	mediaclock "github.com/capsoftware/cap/packages/cli/internal/media/clock"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/demuxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/muxer"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
	"github.com/capsoftware/cap/packages/cli/internal/recording"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// DefaultOutput is the output path, relative to the project, used when
// none is given.
const DefaultOutput = "output/result.mp4"

var (
	// ErrAborted is returned when the progress callback asked to stop.
	ErrAborted = errors.New("export aborted")
	// ErrIncompatibleSegments is returned when segments were recorded with
	// different codecs or dimensions and cannot share one stream.
	ErrIncompatibleSegments = errors.New("segments are not compatible")
	// ErrNoStreams is returned when no segment holds video or audio.
	ErrNoStreams = errors.New("project has no exportable streams")
)

const readAhead = 64

// Progress is reported after every packet of the primary stream, video
// when the project has any and audio otherwise.
type Progress struct {
	Segment int
	Frames  uint64
	Total   uint64
	Ratio   float64
}

// Options configures Export.
type Options struct {
	// Progress is called with a monotonic frame count. Returning false aborts.
	Progress func(Progress) bool
	// Format names the output container. Empty infers it from the path.
	Format           string
	FragmentDuration time.Duration
	Logger           *slog.Logger
	Metrics          *observe.Metrics
}

// Result summarises a finished export.
type Result struct {
	Path         string
	Format       string
	Segments     int
	Duration     time.Duration
	VideoPackets int
	AudioPackets int
}

// input is one track of one segment file feeding one output stream.
type input struct {
	path   string
	codec  core.Codec
	stream int
	// position is the track's index in its file, which is the
	// StreamIndex the demuxer assigns to its packets.
	position int
	track    *demuxer.Track
}

type segmentPlan struct {
	index  int
	inputs []input
	base   time.Duration
	span   time.Duration
}

type plan struct {
	segments []segmentPlan
	params   []core.StreamParams
	// total counts packets of output stream 0, which drives progress.
	total uint64
}

// Export writes the project in projectDir to outPath. An empty outPath
// writes DefaultOutput inside the project. A partial output is removed on
// failure or abort.
func Export(ctx context.Context, projectDir, outPath string, opts Options) (*Result, error) {
	logger := util.ComponentLogger(opts.Logger, "export")
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if outPath == "" {
		outPath = filepath.Join(projectDir, filepath.FromSlash(DefaultOutput))
	}

	project, err := recording.LoadProject(projectDir)
	if err != nil {
		return nil, err
	}
	p, err := planExport(ctx, project)
	if err != nil {
		return nil, err
	}

	mopts := []muxer.Option{muxer.WithLogger(logger), muxer.WithMetrics(opts.Metrics)}
	if opts.FragmentDuration > 0 {
		mopts = append(mopts, muxer.WithFragmentDuration(opts.FragmentDuration))
	}
	m, err := muxer.Create(outPath, opts.Format, mopts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output")
	}
	result, err := write(ctx, m, p, opts, logger)
	if err != nil {
		err = multierr.Append(err, m.Close())
		if rmErr := os.Remove(outPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("Failed to remove partial output", "path", outPath, "error", rmErr)
		}
		return nil, err
	}
	result.Path, result.Format = outPath, m.Format()
	logger.Info("Export finished", "path", outPath, "segments", result.Segments, "duration", result.Duration)
	return result, nil
}

// planExport probes every segment file in parallel and checks that the
// segments can be concatenated.
func planExport(ctx context.Context, project *recording.Project) (*plan, error) {
	segments := project.Config.Segments
	plans := make([]segmentPlan, len(segments))
	g, _ := errgroup.WithContext(ctx)
	for i, seg := range segments {
		g.Go(func() error {
			sp, err := probeSegment(project, seg)
			if err != nil {
				return errors.Wrapf(err, "segment %d", seg.Index)
			}
			plans[i] = sp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p := &plan{segments: plans, params: make([]core.StreamParams, 2)}
	var seen [2]bool
	for _, sp := range plans {
		for _, in := range sp.inputs {
			params := in.track.Params
			if !seen[in.stream] {
				p.params[in.stream], seen[in.stream] = params, true
				continue
			}
			if err := compatible(p.params[in.stream], params); err != nil {
				return nil, errors.Wrapf(err, "segment %d", sp.index)
			}
		}
	}
	switch {
	case seen[0] && seen[1]:
	case seen[0]:
		p.params = p.params[:1]
	case seen[1]:
		// Audio only: it becomes stream 0.
		p.params = p.params[1:]
		for i := range p.segments {
			for j := range p.segments[i].inputs {
				p.segments[i].inputs[j].stream = 0
			}
		}
	default:
		return nil, ErrNoStreams
	}
	for _, sp := range p.segments {
		for _, in := range sp.inputs {
			if in.stream == 0 {
				p.total += uint64(in.track.Samples)
			}
		}
	}
	return p, nil
}

// probeSegment picks the display video, falling back to the camera, and
// the microphone audio of one segment.
func probeSegment(project *recording.Project, seg recording.SegmentInfo) (segmentPlan, error) {
	sp := segmentPlan{index: seg.Index}
	videoPath := seg.Display
	if videoPath == "" {
		videoPath = seg.Camera
	}
	probed := map[string]*demuxer.File{}
	probe := func(rel string) (*demuxer.File, error) {
		if f, ok := probed[rel]; ok {
			return f, nil
		}
		f, err := demuxer.Probe(project.Path(rel))
		if err != nil {
			return nil, err
		}
		probed[rel] = f
		return f, nil
	}

	if videoPath != "" {
		f, err := probe(videoPath)
		if err != nil {
			return sp, err
		}
		for i, t := range f.Tracks {
			if t.Params.Codec.IsVideo() && t.Samples > 0 {
				sp.inputs = append(sp.inputs, input{path: project.Path(videoPath), codec: t.Params.Codec,
					stream: 0, position: i, track: t})
				break
			}
		}
	}
	if seg.Audio != "" {
		f, err := probe(seg.Audio)
		if err != nil {
			return sp, err
		}
		for i, t := range f.Tracks {
			if !t.Params.Codec.IsVideo() && t.Samples > 0 {
				sp.inputs = append(sp.inputs, input{path: project.Path(seg.Audio), codec: t.Params.Codec,
					stream: 1, position: i, track: t})
				break
			}
		}
	}

	first := true
	var end time.Duration
	for _, in := range sp.inputs {
		tb := in.track.Params.TimeBase
		start := core.TicksToDuration(in.track.FirstDTS, tb)
		if first || start < sp.base {
			sp.base, first = start, false
		}
		end = max(end, core.TicksToDuration(in.track.EndDTS, tb))
	}
	sp.span = end - sp.base
	return sp, nil
}

func compatible(a, b core.StreamParams) error {
	switch {
	case a.Codec != b.Codec:
		return errors.Wrapf(ErrIncompatibleSegments, "codec %s and %s", a.Codec, b.Codec)
	case a.Codec.IsVideo() && (a.Width != b.Width || a.Height != b.Height):
		return errors.Wrapf(ErrIncompatibleSegments, "size %dx%d and %dx%d", a.Width, a.Height, b.Width, b.Height)
	case !a.Codec.IsVideo() && (a.SampleRate != b.SampleRate || a.Channels != b.Channels):
		return errors.Wrapf(ErrIncompatibleSegments, "audio %d Hz %d ch and %d Hz %d ch",
			a.SampleRate, a.Channels, b.SampleRate, b.Channels)
	}
	return nil
}

func write(ctx context.Context, m *muxer.Muxer, p *plan, opts Options, logger *slog.Logger) (*Result, error) {
	for i, params := range p.params {
		index, err := m.AddStream(params)
		if err != nil {
			return nil, err
		}
		if index != i {
			return nil, errors.Errorf("stream added at %d, expected %d", index, i)
		}
	}
	if err := m.WriteHeader(); err != nil {
		return nil, err
	}

	playhead := mediaclock.NewRecorded(p.total)
	playhead.Start()
	defer playhead.Stop()

	result := &Result{Segments: len(p.segments)}
	var offset time.Duration
	for _, sp := range p.segments {
		logger.Debug("Exporting segment", "segment", sp.index, "offset", offset, "span", sp.span)
		err := copySegment(ctx, sp, offset, func(pkt *core.Packet) error {
			if err := m.WriteInterleaved(pkt); err != nil {
				return err
			}
			if pkt.StreamIndex == 0 {
				playhead.Advance(1)
				if opts.Progress != nil && !opts.Progress(Progress{
					Segment: sp.index,
					Frames:  playhead.Playhead(),
					Total:   playhead.Total(),
					Ratio:   playhead.PlayheadRatio(),
				}) {
					return ErrAborted
				}
			}
			if p.params[pkt.StreamIndex].Codec.IsVideo() {
				result.VideoPackets++
			} else {
				result.AudioPackets++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		offset += sp.span
	}
	if err := m.WriteTrailer(); err != nil {
		return nil, err
	}
	result.Duration = offset
	return result, nil
}

// copySegment reads each input on its own goroutine and writes packets in
// decode time order, shifted from the segment base to offset.
func copySegment(ctx context.Context, sp segmentPlan, offset time.Duration, emit func(*core.Packet) error) error {
	g, gctx := errgroup.WithContext(ctx)
	feeds := make([]chan *core.Packet, len(sp.inputs))
	for i, in := range sp.inputs {
		feed := make(chan *core.Packet, readAhead)
		feeds[i] = feed
		g.Go(func() error {
			defer close(feed)
			_, err := demuxer.ReadFile(in.path, func(pkt *core.Packet) error {
				if pkt.StreamIndex != in.position {
					return nil
				}
				pkt.StreamIndex = in.stream
				shift := core.DurationToTicks(offset-sp.base, pkt.TimeBase)
				pkt.PTS += shift
				pkt.DTS += shift
				select {
				case feed <- pkt:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
			return err
		})
	}

	g.Go(func() error {
		heads := make([]*core.Packet, len(feeds))
		next := func(i int) {
			heads[i] = nil
			if pkt, ok := <-feeds[i]; ok {
				heads[i] = pkt
			}
		}
		for i := range feeds {
			next(i)
		}
		for {
			pick := -1
			for i, h := range heads {
				if h == nil {
					continue
				}
				if pick < 0 || core.TicksToDuration(h.DTS, h.TimeBase) < core.TicksToDuration(heads[pick].DTS, heads[pick].TimeBase) {
					pick = i
				}
			}
			if pick < 0 {
				return nil
			}
			if err := emit(heads[pick]); err != nil {
				return err
			}
			next(pick)
		}
	})
	return g.Wait()
}
