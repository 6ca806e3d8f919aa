// Package pipeline assembles named source, pipe and sink tasks into a live
// graph and drives its play/shutdown lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/capsoftware/cap/packages/cli/internal/media/clock"
	"github.com/capsoftware/cap/packages/cli/internal/media/control"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// DefaultJoinTimeout bounds how long Shutdown waits for each task.
const DefaultJoinTimeout = 10 * time.Second

var (
	ErrShutdownPipeline = errors.New("pipeline already shut down")
	ErrDuplicateTask    = errors.New("duplicate task name")
	ErrNoTasks          = errors.New("pipeline has no tasks")
	ErrJoinTimeout      = errors.New("task did not stop within the join timeout")
)

type options struct {
	joinTimeout time.Duration
	logger      *slog.Logger
	metrics     *observe.Metrics
}

// Option configures a Builder.
type Option func(*options)

// WithJoinTimeout overrides DefaultJoinTimeout.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) { o.joinTimeout = d }
}

// WithLogger sets the logger tasks derive theirs from.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records task lifecycle metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type entry struct {
	name string
	kind Kind
	task Task
}

// Builder collects tasks in insertion order.
type Builder struct {
	clock   clock.Clock
	entries []entry
	names   map[string]struct{}
	err     error
	opts    options
}

// NewBuilder starts a pipeline definition driven by clk.
func NewBuilder(clk clock.Clock, opts ...Option) *Builder {
	b := &Builder{
		clock: clk,
		names: make(map[string]struct{}),
		opts: options{
			joinTimeout: DefaultJoinTimeout,
		},
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	if b.opts.logger == nil {
		b.opts.logger = util.GetLogger().With("component", "pipeline")
	}
	if b.opts.metrics == nil {
		b.opts.metrics = observe.DefaultMetrics()
	}
	return b
}

// Source adds a capture task. Sources run on a locked OS thread.
func (b *Builder) Source(name string, t Task) *Builder { return b.add(name, KindSource, t) }

// Pipe adds a transform task.
func (b *Builder) Pipe(name string, t Task) *Builder { return b.add(name, KindPipe, t) }

// Sink adds a terminal task.
func (b *Builder) Sink(name string, t Task) *Builder { return b.add(name, KindSink, t) }

func (b *Builder) add(name string, kind Kind, t Task) *Builder {
	if _, exists := b.names[name]; exists {
		b.err = multierr.Append(b.err, errors.Wrap(ErrDuplicateTask, name))
		return b
	}
	b.names[name] = struct{}{}
	b.entries = append(b.entries, entry{name: name, kind: kind, task: t})
	return b
}

// Build starts every task and waits, in insertion order, for each to
// report readiness. If any task fails setup the started tasks are shut
// down and the setup error is returned; no Play is ever sent.
func (b *Builder) Build(ctx context.Context) (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.entries) == 0 {
		return nil, ErrNoTasks
	}

	p := &Pipeline{
		clock:       b.clock,
		broadcast:   control.NewBroadcast(),
		joinTimeout: b.opts.joinTimeout,
		logger:      b.opts.logger,
		metrics:     b.opts.metrics,
		done:        make(chan struct{}),
	}

	for _, e := range b.entries {
		rx, err := p.broadcast.Register(e.name)
		if err != nil {
			return nil, err
		}
		taskCtx, cancel := context.WithCancel(context.Background())
		h := &handle{
			entry:  e,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		h.tc = newTaskContext(taskCtx, e.name, e.kind, rx, b.clock, b.opts.logger, b.opts.metrics)
		p.tasks = append(p.tasks, h)
	}

	var wg sync.WaitGroup
	for _, h := range p.tasks {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			p.run(h)
		}(h)
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()

	for _, h := range p.tasks {
		var err error
		select {
		case err = <-h.tc.ready:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			p.logger.Error("Task setup failed", "task", h.name, "kind", h.kind, "error", err)
			p.abort()
			return nil, errors.Wrapf(err, "setup %s %q", h.kind, h.name)
		}
		p.logger.Debug("Task ready", "task", h.name, "kind", h.kind)
	}

	p.logger.Info("Pipeline built", "tasks", len(p.tasks))
	return p, nil
}

type handle struct {
	entry
	tc     *TaskContext
	cancel context.CancelFunc
	done   chan struct{}

	// written by the task goroutine before done is closed
	err      error
	panicked bool
	elapsed  time.Duration
}

// Pipeline is a running task graph. Play may be called any number of
// times; Shutdown exactly once.
type Pipeline struct {
	clock       clock.Clock
	broadcast   *control.Broadcast
	tasks       []*handle
	joinTimeout time.Duration
	logger      *slog.Logger
	metrics     *observe.Metrics
	done        chan struct{}

	mu       sync.Mutex
	shutdown bool
}

func (p *Pipeline) run(h *handle) {
	defer close(h.done)
	if h.kind == KindSource {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	attrs := metric.WithAttributes(observe.Attr("task", h.name))
	p.metrics.ActiveTasks.Add(context.Background(), 1, attrs)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			h.err = errors.Errorf("panic: %v", r)
			h.panicked = true
			p.logger.Error("Task panicked", "task", h.name, "panic", r, "stack", string(debug.Stack()))
		}
		h.elapsed = time.Since(start)
		// A task that returns without signalling reports its result as readiness.
		h.tc.Ready(h.err)
		p.metrics.ActiveTasks.Add(context.Background(), -1, attrs)
		if h.err != nil {
			kind := "error"
			if h.panicked {
				kind = "panic"
			}
			p.metrics.RecordTaskFailure(context.Background(), h.name, kind)
			p.logger.Warn("Task ended with error", "task", h.name, "error", h.err)
		} else {
			p.logger.Debug("Task finished", "task", h.name, "elapsed", h.elapsed)
		}
	}()

	h.err = h.task.Run(h.tc)
}

// abort tears down a pipeline whose build failed.
func (p *Pipeline) abort() {
	_ = p.broadcast.Send(control.Shutdown)
	for _, h := range p.tasks {
		h.cancel()
	}
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.join(context.Background())
	p.broadcast.Close()
}

// Play starts the clock and tells every task to run.
func (p *Pipeline) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return ErrShutdownPipeline
	}
	p.clock.Start()
	if err := p.broadcast.Send(control.Play); err != nil {
		return errors.Wrap(err, "broadcast play")
	}
	p.logger.Info("Pipeline playing")
	return nil
}

// Shutdown broadcasts Shutdown and joins every task in insertion order.
// Each join is bounded by the join timeout; a task that overruns it has
// its context cancelled and is abandoned. The report carries every task's
// outcome, and its error is returned alongside it.
func (p *Pipeline) Shutdown(ctx context.Context) (*Report, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShutdownPipeline
	}
	p.shutdown = true
	p.mu.Unlock()

	if err := p.broadcast.Send(control.Shutdown); err != nil {
		p.logger.Warn("Shutdown broadcast failed", "error", err)
	}
	p.clock.Stop()

	report := p.join(ctx)
	p.broadcast.Close()

	err := report.Err()
	if err != nil {
		p.logger.Warn("Pipeline shut down with errors", "error", err)
	} else {
		p.logger.Info("Pipeline shut down")
	}
	return report, err
}

func (p *Pipeline) join(ctx context.Context) *Report {
	report := &Report{}
	for _, h := range p.tasks {
		timer := time.NewTimer(p.joinTimeout)
		select {
		case <-h.done:
			timer.Stop()
			h.cancel()
			report.Tasks = append(report.Tasks, TaskResult{
				Name:     h.name,
				Kind:     h.kind,
				Err:      h.err,
				Panicked: h.panicked,
				Elapsed:  h.elapsed,
			})
			continue
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}

		h.cancel()
		grace := time.NewTimer(p.joinTimeout / 10)
		select {
		case <-h.done:
			grace.Stop()
			report.Tasks = append(report.Tasks, TaskResult{
				Name:     h.name,
				Kind:     h.kind,
				Err:      h.err,
				Panicked: h.panicked,
				Elapsed:  h.elapsed,
			})
		case <-grace.C:
			p.logger.Error("Abandoning task that ignored shutdown", "task", h.name, "timeout", p.joinTimeout)
			report.Tasks = append(report.Tasks, TaskResult{
				Name:      h.name,
				Kind:      h.kind,
				Err:       ErrJoinTimeout,
				Abandoned: true,
			})
		}
	}
	return report
}

// Done is closed once every task goroutine has returned.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until every task has returned on its own or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clock returns the clock the pipeline was built with.
func (p *Pipeline) Clock() clock.Clock {
	return p.clock
}

// Tasks lists task names in insertion order.
func (p *Pipeline) Tasks() []string {
	names := make([]string, len(p.tasks))
	for i, h := range p.tasks {
		names[i] = h.name
	}
	return names
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Name      string
	Kind      Kind
	Err       error
	Panicked  bool
	Abandoned bool
	Elapsed   time.Duration
}

// Report aggregates the outcome of every task after Shutdown.
type Report struct {
	Tasks []TaskResult
}

// Failed returns the results that carry an error.
func (r *Report) Failed() []TaskResult {
	var out []TaskResult
	for _, t := range r.Tasks {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Err combines every task error, or returns nil.
func (r *Report) Err() error {
	if r == nil {
		return nil
	}
	var err error
	for _, t := range r.Tasks {
		if t.Err != nil {
			err = multierr.Append(err, errors.Wrapf(t.Err, "%s %q", t.Kind, t.Name))
		}
	}
	return err
}

func (r *Report) String() string {
	failed := r.Failed()
	return fmt.Sprintf("%d tasks, %d failed", len(r.Tasks), len(failed))
}
