// Package muxer writes encoded packets into container files. A Muxer
// enforces the header/packet/trailer ordering and per-stream DTS
// monotonicity; a Container does the format specific work.
package muxer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// muxer's current state.
	ErrInvalidState = errors.New("invalid muxer state")

	// ErrNonMonotonic is returned when a packet's DTS goes backwards.
	ErrNonMonotonic = errors.New("non-monotonic dts")

	// ErrNegativeDTS is returned by containers that cannot signal a
	// negative decode time, such as fMP4 without an edit list.
	ErrNegativeDTS = errors.New("negative dts")

	// ErrUnknownStream is returned for a packet with an unregistered index.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrUnsupportedCodec is returned by a container that cannot carry a codec.
	ErrUnsupportedCodec = errors.New("codec not supported by container")
)

// State is the muxer lifecycle position.
type State int

const (
	StateCreated State = iota
	StateHeaderWritten
	StateTrailerWritten
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHeaderWritten:
		return "header-written"
	case StateTrailerWritten:
		return "trailer-written"
	default:
		return "unknown"
	}
}

// Container is one output format. Calls are serialised by the Muxer.
type Container interface {
	// AddStream registers stream index and returns the time base packets
	// for it must carry.
	AddStream(index int, params core.StreamParams) (core.Rational, error)
	WriteHeader() error
	WritePacket(pkt *core.Packet) error
	WriteTrailer() error
	Close() error
}

// StreamStats summarises what was written for one stream.
type StreamStats struct {
	Codec    core.Codec
	TimeBase core.Rational
	Packets  uint64
	Bytes    int64
	FirstDTS int64
	LastDTS  int64
	// Duration is LastDTS + last packet duration - FirstDTS.
	Duration time.Duration
}

type stream struct {
	params  core.StreamParams
	tb      core.Rational
	hasDTS  bool
	lastDur int64
	stats   StreamStats
}

// Option configures a Muxer.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	metrics          *observe.Metrics
	fragmentDuration time.Duration
}

// DefaultFragmentDuration is how much video an fMP4 fragment holds before
// it is cut at the next keyframe.
const DefaultFragmentDuration = 2 * time.Second

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records written packets into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithFragmentDuration sets the fMP4 fragment length.
func WithFragmentDuration(d time.Duration) Option {
	return func(o *options) { o.fragmentDuration = d }
}

func buildOptions(opts []Option) options {
	o := options{fragmentDuration: DefaultFragmentDuration}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = util.GetLogger()
	}
	if o.fragmentDuration <= 0 {
		o.fragmentDuration = DefaultFragmentDuration
	}
	return o
}

// Muxer is safe for concurrent use so that several sink tasks can share one
// output file.
type Muxer struct {
	mu        sync.Mutex
	container Container
	closer    io.Closer
	format    string
	path      string
	opts      options
	logger    *slog.Logger
	state     State
	streams   []*stream
	holders   int
	closed    bool
}

// New wraps container. closer, if non-nil, is closed after the container.
func New(container Container, format string, closer io.Closer, opts ...Option) *Muxer {
	o := buildOptions(opts)
	return &Muxer{
		container: container,
		closer:    closer,
		format:    format,
		opts:      o,
		logger:    o.logger.With("component", "muxer", "format", format),
	}
}

// Format returns the container format name.
func (m *Muxer) Format() string { return m.format }

// Path returns the output file, empty for in-memory muxers.
func (m *Muxer) Path() string { return m.path }

// State returns the lifecycle state.
func (m *Muxer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddStream registers a stream and returns its index. Only valid before
// the header is written.
func (m *Muxer) AddStream(params core.StreamParams) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated || m.closed {
		return 0, errors.Wrapf(ErrInvalidState, "add stream in state %s", m.state)
	}
	index := len(m.streams)
	tb, err := m.container.AddStream(index, params)
	if err != nil {
		return 0, errors.Wrapf(err, "add %s stream", params.Codec)
	}
	m.streams = append(m.streams, &stream{
		params: params,
		tb:     tb,
		stats:  StreamStats{Codec: params.Codec, TimeBase: tb},
	})
	m.logger.Debug("Stream added", "index", index, "codec", params.Codec, "timebase", tb)
	return index, nil
}

// WriteHeader moves the muxer to HeaderWritten.
func (m *Muxer) WriteHeader() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated || m.closed {
		return errors.Wrapf(ErrInvalidState, "write header in state %s", m.state)
	}
	if len(m.streams) == 0 {
		return errors.New("no streams added")
	}
	if err := m.container.WriteHeader(); err != nil {
		return errors.Wrap(err, "write header")
	}
	m.state = StateHeaderWritten
	return nil
}

// StreamTimeBase returns the time base the container chose for index.
func (m *Muxer) StreamTimeBase(index int) core.Rational {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.streams) {
		return core.Rational{}
	}
	return m.streams[index].tb
}

// WriteInterleaved writes one packet. Packets are passed through in call
// order; the muxer does not reorder across streams.
func (m *Muxer) WriteInterleaved(pkt *core.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHeaderWritten {
		return errors.Wrapf(ErrInvalidState, "write packet in state %s", m.state)
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.streams) {
		return errors.Wrapf(ErrUnknownStream, "index %d", pkt.StreamIndex)
	}
	s := m.streams[pkt.StreamIndex]
	pkt.RescaleTo(s.tb)
	if s.hasDTS && pkt.DTS < s.stats.LastDTS {
		return errors.Wrapf(ErrNonMonotonic, "stream %d: %d after %d", pkt.StreamIndex, pkt.DTS, s.stats.LastDTS)
	}
	if err := m.container.WritePacket(pkt); err != nil {
		return errors.Wrapf(err, "write packet stream %d", pkt.StreamIndex)
	}

	if !s.hasDTS {
		s.stats.FirstDTS = pkt.DTS
		s.hasDTS = true
	}
	s.stats.LastDTS = pkt.DTS
	s.lastDur = pkt.Duration
	s.stats.Packets++
	s.stats.Bytes += int64(len(pkt.Data))
	if met := m.opts.metrics; met != nil {
		met.PacketsWritten.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("stream", s.params.Codec.String())))
	}
	return nil
}

// WriteTrailer finalises the container and closes the output.
func (m *Muxer) WriteTrailer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeTrailerLocked()
}

func (m *Muxer) writeTrailerLocked() error {
	if m.state != StateHeaderWritten {
		return errors.Wrapf(ErrInvalidState, "write trailer in state %s", m.state)
	}
	m.state = StateTrailerWritten
	err := errors.Wrap(m.container.WriteTrailer(), "write trailer")
	err = multierr.Append(err, m.closeLocked())
	for i, s := range m.streams {
		m.logger.Info("Stream finalised", "index", i, "codec", s.params.Codec,
			"packets", s.stats.Packets, "bytes", s.stats.Bytes, "duration", s.duration())
	}
	return err
}

// Hold registers one more writer sharing the muxer.
func (m *Muxer) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holders++
}

// Release drops one holder. The last holder out writes the trailer if the
// header was written, and closes the output either way.
func (m *Muxer) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders > 0 {
		m.holders--
	}
	if m.holders > 0 {
		return nil
	}
	if m.state == StateHeaderWritten {
		return m.writeTrailerLocked()
	}
	return m.closeLocked()
}

// Close releases the container and output file. It does not write a
// trailer and is safe to call more than once.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Muxer) closeLocked() error {
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.container.Close()
	if m.closer != nil {
		err = multierr.Append(err, m.closer.Close())
	}
	return err
}

// Stats returns a snapshot of per-stream statistics.
func (m *Muxer) Stats() []StreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamStats, len(m.streams))
	for i, s := range m.streams {
		out[i] = s.stats
		out[i].Duration = s.duration()
	}
	return out
}

func (s *stream) duration() time.Duration {
	if !s.hasDTS {
		return 0
	}
	return core.TicksToDuration(s.stats.LastDTS+s.lastDur-s.stats.FirstDTS, s.tb)
}
