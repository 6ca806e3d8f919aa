package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/capsoftware/cap/packages/cli/internal/media/clock"
	"github.com/capsoftware/cap/packages/cli/internal/media/control"
	"github.com/capsoftware/cap/packages/cli/internal/observe"
)

// Kind is the role a task plays in the graph.
type Kind int

const (
	KindSource Kind = iota
	KindPipe
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindPipe:
		return "pipe"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// Task is one node of the pipeline. Run executes on its own goroutine
// (an OS-locked thread for sources) and must call tc.Ready once it is
// able to accept control signals.
type Task interface {
	Run(tc *TaskContext) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(tc *TaskContext) error

func (f TaskFunc) Run(tc *TaskContext) error { return f(tc) }

// TaskContext is what a running task sees of its pipeline.
type TaskContext struct {
	name    string
	kind    Kind
	control *control.Receiver
	clock   clock.Clock
	ctx     context.Context
	logger  *slog.Logger
	metrics *observe.Metrics

	readyOnce sync.Once
	ready     chan error
}

func newTaskContext(ctx context.Context, name string, kind Kind, rx *control.Receiver, clk clock.Clock, logger *slog.Logger, m *observe.Metrics) *TaskContext {
	return &TaskContext{
		name:    name,
		kind:    kind,
		control: rx,
		clock:   clk,
		ctx:     ctx,
		logger:  logger.With("task", name, "kind", kind.String()),
		metrics: m,
		ready:   make(chan error, 1),
	}
}

func (tc *TaskContext) Name() string               { return tc.name }
func (tc *TaskContext) Kind() Kind                 { return tc.kind }
func (tc *TaskContext) Control() *control.Receiver { return tc.control }
func (tc *TaskContext) Clock() clock.Clock         { return tc.clock }
func (tc *TaskContext) Logger() *slog.Logger       { return tc.logger }
func (tc *TaskContext) Metrics() *observe.Metrics  { return tc.metrics }

// Context is cancelled when the pipeline gives up waiting for the task:
// a failed build, or a join that overran its timeout. Blocking calls in a
// task should honour it.
func (tc *TaskContext) Context() context.Context { return tc.ctx }

// Ready reports the outcome of setup. Only the first call counts.
func (tc *TaskContext) Ready(err error) {
	tc.readyOnce.Do(func() {
		tc.ready <- err
	})
}

// WaitForPlay blocks until Play arrives. It returns false if the pipeline
// shut down or disconnected first.
func (tc *TaskContext) WaitForPlay() bool {
	for {
		switch tc.control.BlockingLast() {
		case control.Play:
			return true
		case control.Shutdown, control.None:
			if tc.control.Stopped() {
				return false
			}
		}
	}
}

// Stopped reports whether the task has been told to stop.
func (tc *TaskContext) Stopped() bool {
	return tc.control.Stopped() || tc.ctx.Err() != nil
}
