package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// DefaultChannelCapacity absorbs bursty producer/consumer scheduling
// without unbounded memory growth.
const DefaultChannelCapacity = 2048

// Policy decides what a full channel does to its producer.
type Policy int

const (
	// Block makes the producer wait for space. Audio uses it: a gap is worse
	// than backpressure.
	Block Policy = iota
	// Drop discards the new item. Video uses it to keep real-time pacing.
	Drop
)

func (p Policy) String() string {
	if p == Drop {
		return "drop"
	}
	return "block"
}

// ErrChannelClosed is returned to a producer whose consumer went away.
var ErrChannelClosed = errors.New("channel peer disconnected")

// Channel is a bounded FIFO between two tasks. Exactly one producer may
// call Send and Close; the consumer calls Recv and Abandon.
type Channel[T any] struct {
	name   string
	ch     chan T
	policy Policy

	abandoned   chan struct{}
	abandonOnce sync.Once
	closeOnce   sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
	onDrop  func()
}

// NewChannel creates a channel. A capacity of zero or less uses
// DefaultChannelCapacity.
func NewChannel[T any](name string, capacity int, policy Policy) *Channel[T] {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &Channel[T]{
		name:      name,
		ch:        make(chan T, capacity),
		policy:    policy,
		abandoned: make(chan struct{}),
	}
}

// OnDrop registers a hook run for every dropped item. Set it before use.
func (c *Channel[T]) OnDrop(fn func()) {
	c.onDrop = fn
}

// Send delivers v according to the channel policy. It reports whether v
// was enqueued. A Drop channel never waits; a Block channel waits until
// there is space, the consumer abandons the channel, or ctx ends.
func (c *Channel[T]) Send(ctx context.Context, v T) (bool, error) {
	select {
	case <-c.abandoned:
		return false, ErrChannelClosed
	default:
	}

	if c.policy == Drop {
		select {
		case c.ch <- v:
			c.sent.Add(1)
			return true, nil
		default:
			c.dropped.Add(1)
			if c.onDrop != nil {
				c.onDrop()
			}
			return false, nil
		}
	}

	select {
	case c.ch <- v:
		c.sent.Add(1)
		return true, nil
	case <-c.abandoned:
		return false, ErrChannelClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Recv returns the next item. ok is false once the producer closed the
// channel and it is drained, or ctx ended.
func (c *Channel[T]) Recv(ctx context.Context) (v T, ok bool) {
	select {
	case v, ok = <-c.ch:
		return v, ok
	case <-ctx.Done():
		return v, false
	}
}

// C exposes the receive side for select loops.
func (c *Channel[T]) C() <-chan T {
	return c.ch
}

// Close marks the end of the stream. Only the producer may call it.
func (c *Channel[T]) Close() {
	c.closeOnce.Do(func() { close(c.ch) })
}

// Abandon tells the producer nobody is reading any more.
func (c *Channel[T]) Abandon() {
	c.abandonOnce.Do(func() { close(c.abandoned) })
}

func (c *Channel[T]) Name() string    { return c.name }
func (c *Channel[T]) Policy() Policy  { return c.policy }
func (c *Channel[T]) Len() int        { return len(c.ch) }
func (c *Channel[T]) Cap() int        { return cap(c.ch) }
func (c *Channel[T]) Sent() uint64    { return c.sent.Load() }
func (c *Channel[T]) Dropped() uint64 { return c.dropped.Load() }
