// Package encoder drives codec backends for the capture pipeline. A
// VideoEncoder or AudioEncoder owns one backend, normalises its input
// timestamps and formats, and forwards every packet the backend produces
// to an Output.
package encoder

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
)

var (
	// ErrNoSuitableEncoder is returned when no registered backend could be opened.
	ErrNoSuitableEncoder = errors.New("no suitable encoder")

	// ErrAgain is returned by Backend.Receive when more input is needed.
	ErrAgain = errors.New("encoder needs more input")

	// ErrAborted is returned when a progress callback asked to stop.
	ErrAborted = errors.New("encoding aborted")

	// ErrFinished is returned when input is sent after Finish.
	ErrFinished = errors.New("encoder already finished")
)

// Output is where encoded packets go. Muxers implement it.
type Output interface {
	// StreamTimeBase returns the time base packets of stream index must use.
	StreamTimeBase(index int) core.Rational

	// WriteInterleaved hands one packet to the container.
	WriteInterleaved(pkt *core.Packet) error
}

// VideoConfig selects and configures a video backend.
type VideoConfig struct {
	Codec          core.Codec
	Width          int
	Height         int
	FrameRate      core.Rational // frames per second, e.g. 30/1
	Bitrate        int
	GOP            int
	PreferHardware bool
	// Backend names one registered backend. Empty or "auto" picks the best.
	Backend string
}

// FrameDuration returns the duration of one frame in tb ticks.
func (c VideoConfig) FrameDuration(tb core.Rational) int64 {
	if !c.FrameRate.Valid() {
		return 0
	}
	return core.Rescale(1, core.Rational{Num: c.FrameRate.Den, Den: c.FrameRate.Num}, tb)
}

func (c VideoConfig) validate() error {
	if !c.Codec.IsVideo() {
		return errors.Errorf("%s is not a video codec", c.Codec)
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return errors.Errorf("invalid video size %dx%d", c.Width, c.Height)
	}
	if !c.FrameRate.Valid() {
		return errors.Errorf("invalid frame rate %s", c.FrameRate)
	}
	return nil
}

// AudioConfig selects and configures an audio backend.
type AudioConfig struct {
	Codec      core.Codec
	SampleRate int
	Channels   int
	Bitrate    int
	Backend    string
}

func (c AudioConfig) validate() error {
	if c.Codec.IsVideo() || c.Codec == core.CodecUnknown {
		return errors.Errorf("%s is not an audio codec", c.Codec)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return errors.Errorf("invalid audio layout %d Hz %d channels", c.SampleRate, c.Channels)
	}
	return nil
}

// VideoBackend is one codec implementation. Send with a nil frame starts
// draining. Receive returns ErrAgain when it needs input and io.EOF once
// drained.
type VideoBackend interface {
	Params() core.StreamParams
	PixelFormat() core.PixelFormat
	Send(frame *core.VideoFrame, pts int64) error
	Receive() (*core.Packet, error)
	Close() error
}

// AudioBackend is one codec implementation. Every buffer passed to Send
// holds exactly Params().FrameSize samples in the backend's layout.
type AudioBackend interface {
	Params() core.StreamParams
	SampleFormat() core.SampleFormat
	Planar() bool
	Send(buf *core.AudioBuffer, pts int64) error
	Receive() (*core.Packet, error)
	Close() error
}

// Option configures an encoder.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *observe.Metrics
	progress func(frames uint64) bool
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records packet and latency metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithProgress calls fn after every frame or buffer with the running count.
// Returning false aborts with ErrAborted.
func WithProgress(fn func(frames uint64) bool) Option {
	return func(o *options) { o.progress = fn }
}
