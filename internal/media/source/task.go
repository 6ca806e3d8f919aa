package source

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/pipeline"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
)

// elapsedClock is implemented by clocks that know how far the recording has run.
type elapsedClock interface {
	Elapsed() time.Duration
}

// promise publishes a capturer format once setup finishes.
type promise[F any] struct {
	once sync.Once
	done chan struct{}
	val  F
	err  error
}

func newPromise[F any]() *promise[F] {
	return &promise[F]{done: make(chan struct{})}
}

func (p *promise[F]) resolve(v F, err error) {
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
	})
}

func (p *promise[F]) wait(ctx context.Context) (F, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero F
		return zero, ctx.Err()
	}
}

// VideoTask runs a video capturer as a pipeline source.
type VideoTask struct {
	kind    Kind
	backend string
	cfg     Config
	out     *pipeline.Channel[*core.VideoFrame]
	format  *promise[VideoFormat]
}

// NewVideoTask captures kind with the named backend into out. The channel
// is closed when the task ends.
func NewVideoTask(kind Kind, backend string, cfg Config, out *pipeline.Channel[*core.VideoFrame]) *VideoTask {
	return &VideoTask{kind: kind, backend: backend, cfg: cfg, out: out, format: newPromise[VideoFormat]()}
}

// Format waits for setup and returns the frame format, or the setup error.
func (t *VideoTask) Format(ctx context.Context) (VideoFormat, error) {
	return t.format.wait(ctx)
}

func (t *VideoTask) Run(tc *pipeline.TaskContext) error {
	defer t.out.Close()
	capturer, err := OpenVideo(tc.Context(), t.kind, t.backend, t.cfg)
	if err != nil {
		t.format.resolve(VideoFormat{}, err)
		tc.Ready(err)
		return err
	}
	defer capturer.Close()
	f := capturer.Format()
	t.format.resolve(f, nil)
	tc.Logger().Info("Video capture ready", "kind", t.kind, "width", f.Width, "height", f.Height,
		"format", f.PixelFormat, "fps", f.FrameRate)
	tc.Ready(nil)

	return runCapture(tc, t.out, capturer.Next,
		func(v *core.VideoFrame) *core.Timestamp { return &v.Timestamp },
		func(v *core.VideoFrame) { v.Release() })
}

// AudioTask runs an audio capturer as a pipeline source.
type AudioTask struct {
	kind    Kind
	backend string
	cfg     Config
	out     *pipeline.Channel[*core.AudioBuffer]
	format  *promise[AudioFormat]
}

// NewAudioTask captures kind with the named backend into out.
func NewAudioTask(kind Kind, backend string, cfg Config, out *pipeline.Channel[*core.AudioBuffer]) *AudioTask {
	return &AudioTask{kind: kind, backend: backend, cfg: cfg, out: out, format: newPromise[AudioFormat]()}
}

// Format waits for setup and returns the buffer format, or the setup error.
func (t *AudioTask) Format(ctx context.Context) (AudioFormat, error) {
	return t.format.wait(ctx)
}

func (t *AudioTask) Run(tc *pipeline.TaskContext) error {
	defer t.out.Close()
	capturer, err := OpenAudio(tc.Context(), t.kind, t.backend, t.cfg)
	if err != nil {
		t.format.resolve(AudioFormat{}, err)
		tc.Ready(err)
		return err
	}
	defer capturer.Close()
	f := capturer.Format()
	t.format.resolve(f, nil)
	tc.Logger().Info("Audio capture ready", "kind", t.kind, "rate", f.SampleRate,
		"channels", f.Channels, "format", f.SampleFormat)
	tc.Ready(nil)

	return runCapture(tc, t.out, capturer.Next,
		func(b *core.AudioBuffer) *core.Timestamp { return &b.Timestamp },
		func(*core.AudioBuffer) {})
}

// runCapture pulls items after Play until shutdown, anchors their
// timestamps to the recording timeline, and forwards them.
func runCapture[T any](
	tc *pipeline.TaskContext,
	out *pipeline.Channel[T],
	next func(context.Context) (T, error),
	stamp func(T) *core.Timestamp,
	release func(T),
) error {
	ctx := tc.Context()
	m := tc.Metrics()
	if m != nil {
		out.OnDrop(func() { m.RecordDrop(context.Background(), out.Name()) })
	}
	if !tc.WaitForPlay() {
		return nil
	}

	var (
		anchor   core.Anchor
		anchored bool
		count    uint64
	)
	attrs := metric.WithAttributes(observe.Attr("source", tc.Name()))
	for !tc.Stopped() {
		item, err := next(ctx)
		switch {
		case errors.Is(err, ErrNoData):
			continue
		case err == io.EOF:
			tc.Logger().Info("Capture source exhausted", "items", count)
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "capture")
		}

		ts := stamp(item)
		if !anchored {
			var at time.Duration
			if ec, ok := tc.Clock().(elapsedClock); ok {
				at = ec.Elapsed()
			}
			anchor, anchored = core.NewAnchor(*ts, at), true
		}
		rec, err := anchor.ToRecording(*ts)
		if err != nil {
			release(item)
			return errors.Wrap(err, "anchor timestamp")
		}
		*ts = rec
		count++
		if m != nil {
			m.FramesCaptured.Add(context.Background(), 1, attrs)
		}

		sent, err := out.Send(ctx, item)
		if err != nil {
			// The consumer went away; treat it as shutdown.
			release(item)
			tc.Logger().Debug("Capture consumer disconnected", "error", err)
			return nil
		}
		if !sent {
			release(item)
		}
	}
	return nil
}
