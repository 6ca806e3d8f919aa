// Package recording assembles capture pipelines into a recording session.
// Every start or resume opens a new segment with its own pipeline; pause
// and stop finalise it. The project directory layout is
//
//	<project>/project-config.json
//	<project>/content/segments/segment-N/{display.mp4,camera.mp4,audio-input.m4a,cursor.json}
package recording

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/demuxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/media/pipeline"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// DefaultChannelCapacity bounds every channel between tasks.
const DefaultChannelCapacity = 2048

// ErrInvalidState is returned for a lifecycle call the session cannot take
// in its current state.
var ErrInvalidState = errors.New("invalid recording state")

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VideoInput selects a video capture backend. An empty Backend picks the
// highest priority one registered.
type VideoInput struct {
	Backend string
	Config  source.Config
}

// AudioInput selects an audio capture backend.
type AudioInput struct {
	Backend string
	Config  source.Config
}

// Options configures a Session. Nil inputs are not recorded.
type Options struct {
	Display *VideoInput
	Camera  *VideoInput
	Mic     *AudioInput
	Cursor  CursorFunc
	// CursorLimit stops cursor sampling after this many samples.
	CursorLimit int

	Video encoder.VideoConfig
	Audio encoder.AudioConfig
	// MicInDisplay muxes the microphone into display.mp4 instead of its own file.
	MicInDisplay bool
	// Width and Height scale captured video. Zero keeps the source size.
	Width, Height int

	ChannelCapacity  int
	JoinTimeout      time.Duration
	FragmentDuration time.Duration

	// Clock drives pacing and segment timing. Nil uses the system clock.
	Clock   clock.WithTicker
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Session records a project, one segment per start or resume.
type Session struct {
	opts    Options
	logger  *slog.Logger
	project *Project

	mu      sync.Mutex
	state   State
	current *segment
	wall    clock.PassiveClock
	started time.Time
	errs    error
}

// NewSession prepares a recording into dir. Nothing is captured until Start.
func NewSession(dir string, opts Options) (*Session, error) {
	if opts.Display == nil && opts.Camera == nil && opts.Mic == nil {
		return nil, core.NewSetupError(core.KindInvalidConfig, "recording", errors.New("no inputs selected"))
	}
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = DefaultChannelCapacity
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = pipeline.DefaultJoinTimeout
	}
	if opts.Video.Codec == core.CodecUnknown {
		opts.Video.Codec = core.CodecH264
	}
	if opts.Audio.Codec == core.CodecUnknown {
		opts.Audio.Codec = core.CodecAAC
	}
	if opts.Logger == nil {
		opts.Logger = util.GetLogger().With("component", "recording")
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	var passive clock.PassiveClock = clock.RealClock{}
	if opts.Clock != nil {
		passive = opts.Clock
	}
	return &Session{
		opts:    opts,
		logger:  opts.Logger,
		project: NewProject(dir),
		wall:    passive,
	}, nil
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Project returns the project being recorded.
func (s *Session) Project() *Project {
	return s.project
}

// Done is closed once every task of the current segment has returned on
// its own, which happens when finite sources run out. It is nil when no
// segment is recording.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.pipeline.Done()
}

// Start opens the first segment and begins capture.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return errors.Wrapf(ErrInvalidState, "start while %s", s.state)
	}
	if err := s.project.Save(); err != nil {
		return err
	}
	if err := s.openLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("Recording started", "project", s.project.Dir, "id", s.project.Config.ID)
	return nil
}

// Pause finalises the current segment.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return errors.Wrapf(ErrInvalidState, "pause while %s", s.state)
	}
	s.closeLocked(ctx)
	s.state = StatePaused
	s.logger.Info("Recording paused", "segments", len(s.project.Config.Segments))
	return nil
}

// Resume opens a new segment.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return errors.Wrapf(ErrInvalidState, "resume while %s", s.state)
	}
	if err := s.openLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("Recording resumed", "segment", s.current.info.Index)
	return nil
}

// Stop finalises the current segment, probes every segment for its
// duration and writes project-config.json. Errors from any segment are
// aggregated; the config is written regardless.
func (s *Session) Stop(ctx context.Context) (*ProjectConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRecording:
		s.closeLocked(ctx)
	case StatePaused:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "stop while %s", s.state)
	}
	s.state = StateStopped

	s.probeLocked(ctx)
	err := multierr.Append(s.errs, s.project.Save())
	s.logger.Info("Recording stopped", "project", s.project.Dir, "segments", len(s.project.Config.Segments))
	config := s.project.Config
	return &config, err
}

func (s *Session) openLocked(ctx context.Context) error {
	index := len(s.project.Config.Segments)
	seg, err := s.buildSegment(ctx, index)
	if err != nil {
		return err
	}
	if err := seg.pipeline.Play(); err != nil {
		_ = seg.stop(ctx)
		return err
	}
	s.current = seg
	s.started = s.wall.Now()
	s.state = StateRecording
	return nil
}

func (s *Session) closeLocked(ctx context.Context) {
	seg := s.current
	s.current = nil
	if err := seg.stop(ctx); err != nil {
		s.errs = multierr.Append(s.errs, errors.Wrapf(err, "segment %d", seg.info.Index))
	}
	seg.info.DurationMS = s.wall.Since(s.started).Milliseconds()
	s.project.Config.Segments = append(s.project.Config.Segments, seg.info)
}

// probeLocked replaces each segment's wall-clock duration with the longest
// track actually written. Segments that cannot be probed keep theirs.
func (s *Session) probeLocked(ctx context.Context) {
	segments := s.project.Config.Segments
	g, _ := errgroup.WithContext(ctx)
	for i := range segments {
		seg := &segments[i]
		g.Go(func() error {
			var longest time.Duration
			for _, rel := range []string{seg.Display, seg.Camera, seg.Audio} {
				if rel == "" {
					continue
				}
				f, err := demuxer.Probe(s.project.Path(rel))
				if err != nil {
					s.logger.Warn("Failed to probe segment output", "segment", seg.Index, "file", rel, "error", err)
					continue
				}
				longest = max(longest, f.Duration())
			}
			if longest > 0 {
				seg.DurationMS = longest.Milliseconds()
			}
			return nil
		})
	}
	_ = g.Wait()
}
