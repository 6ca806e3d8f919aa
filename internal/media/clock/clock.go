// Package clock provides the time references a recording or playback
// session runs against.
package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Clock is the lifecycle contract shared by every session clock.
type Clock interface {
	Start()
	Stop()
	Running() bool
}

// RealTime ticks with wall-clock time. Live recordings treat frame arrival
// against it as authoritative.
type RealTime struct {
	clk clock.WithTicker

	mu      sync.Mutex
	running bool
	started time.Time
	elapsed time.Duration
}

// NewRealTime returns a stopped clock. A nil clk uses the system clock.
func NewRealTime(clk clock.WithTicker) *RealTime {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RealTime{clk: clk}
}

// Start resumes the clock. Starting a running clock is a no-op.
func (c *RealTime) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.started = c.clk.Now()
}

// Stop freezes Elapsed at its current value.
func (c *RealTime) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.elapsed += c.clk.Since(c.started)
	c.running = false
}

func (c *RealTime) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Elapsed returns the running time accumulated across start/stop cycles.
func (c *RealTime) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.elapsed + c.clk.Since(c.started)
	}
	return c.elapsed
}

// Now returns the underlying clock's current instant.
func (c *RealTime) Now() time.Time {
	return c.clk.Now()
}

// Source exposes the underlying clock for pacing tickers.
func (c *RealTime) Source() clock.WithTicker {
	return c.clk
}

// Recorded tracks a playhead over a finite recording, for scrubbing
// during playback and export. The playhead is advisory: concurrent seeks
// resolve last-write-wins.
type Recorded struct {
	total    uint64
	playhead atomic.Uint64
	running  atomic.Bool
}

// NewRecorded returns a clock over totalFrames frames.
func NewRecorded(totalFrames uint64) *Recorded {
	return &Recorded{total: totalFrames}
}

func (c *Recorded) Start()        { c.running.Store(true) }
func (c *Recorded) Stop()         { c.running.Store(false) }
func (c *Recorded) Running() bool { return c.running.Load() }

// Seek moves the playhead to frame, clamped to the total.
func (c *Recorded) Seek(frame uint64) {
	if frame > c.total {
		frame = c.total
	}
	c.playhead.Store(frame)
}

// Advance moves the playhead forward by n frames and returns the new position.
func (c *Recorded) Advance(n uint64) uint64 {
	for {
		cur := c.playhead.Load()
		next := cur + n
		if next > c.total {
			next = c.total
		}
		if c.playhead.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Playhead returns the current frame offset.
func (c *Recorded) Playhead() uint64 {
	return c.playhead.Load()
}

// Total returns the number of frames the clock spans.
func (c *Recorded) Total() uint64 {
	return c.total
}

// PlayheadRatio returns playhead / total in [0, 1].
func (c *Recorded) PlayheadRatio() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.playhead.Load()) / float64(c.total)
}
