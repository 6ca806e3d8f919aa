// Package control distributes Play/Shutdown commands to pipeline tasks.
package control

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// Signal is a command sent to every pipeline task.
type Signal int

const (
	// None means nothing has been received yet, or the broadcast went away.
	None Signal = iota
	Play
	Shutdown
)

func (s Signal) String() string {
	switch s {
	case Play:
		return "play"
	case Shutdown:
		return "shutdown"
	default:
		return "none"
	}
}

var (
	ErrAlreadyShutdown   = errors.New("shutdown already broadcast")
	ErrBroadcastClosed   = errors.New("broadcast closed")
	ErrDuplicateListener = errors.New("listener already registered")
	ErrInvalidSignal     = errors.New("only play and shutdown can be broadcast")
)

// Broadcast fans signals out to named listeners. Each listener owns a
// one-slot channel holding the newest undelivered signal, so a slow task
// never blocks the sender and never sees a stale command.
type Broadcast struct {
	mu        sync.Mutex
	listeners map[string]chan Signal
	shutdown  bool
	closed    bool
}

// NewBroadcast returns a broadcast with no listeners.
func NewBroadcast() *Broadcast {
	return &Broadcast{
		listeners: make(map[string]chan Signal),
	}
}

// Register adds a listener. Listeners joining after Shutdown see it immediately.
func (b *Broadcast) Register(name string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcastClosed
	}
	if _, exists := b.listeners[name]; exists {
		return nil, errors.Wrap(ErrDuplicateListener, name)
	}

	ch := make(chan Signal, 1)
	if b.shutdown {
		ch <- Shutdown
	}
	b.listeners[name] = ch
	return &Receiver{name: name, ch: ch}, nil
}

// Send delivers sig to every listener, replacing any value they have not
// consumed yet. After Shutdown every Send fails.
func (b *Broadcast) Send(sig Signal) error {
	if sig != Play && sig != Shutdown {
		return ErrInvalidSignal
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		return ErrAlreadyShutdown
	}
	if b.closed {
		return ErrBroadcastClosed
	}

	for _, ch := range b.listeners {
		// Only Send writes, and it holds mu, so after draining the slot is free.
		select {
		case <-ch:
		default:
		}
		ch <- sig
	}
	if sig == Shutdown {
		b.shutdown = true
	}
	util.GetLogger().Debug("Control signal broadcast", "signal", sig, "listeners", len(b.listeners))
	return nil
}

// Close disconnects every listener. Listeners that have not seen Shutdown
// treat the disconnect as one.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.listeners {
		close(ch)
	}
}

// IsShutdown reports whether Shutdown has been broadcast.
func (b *Broadcast) IsShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}

// Listeners returns the number of registered listeners.
func (b *Broadcast) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Receiver is one task's view of the broadcast. It is owned by a single
// goroutine.
type Receiver struct {
	name         string
	ch           <-chan Signal
	last         Signal
	disconnected bool
}

// Name returns the listener name the receiver was registered under.
func (r *Receiver) Name() string { return r.name }

// Last returns the most recent signal without blocking. A cached Shutdown
// is final; otherwise a pending newer signal is picked up.
func (r *Receiver) Last() Signal {
	if r.last == Shutdown || r.disconnected {
		return r.last
	}
	select {
	case sig, ok := <-r.ch:
		r.observe(sig, ok)
	default:
	}
	return r.last
}

// BlockingLast waits for the next signal. It returns immediately once
// Shutdown has been seen or the broadcast is gone.
func (r *Receiver) BlockingLast() Signal {
	if r.last == Shutdown || r.disconnected {
		return r.last
	}
	sig, ok := <-r.ch
	r.observe(sig, ok)
	return r.last
}

// Stopped reports whether the task should exit: Shutdown was received or
// the broadcast disconnected.
func (r *Receiver) Stopped() bool {
	return r.Last() == Shutdown || r.disconnected
}

func (r *Receiver) observe(sig Signal, ok bool) {
	if !ok {
		r.disconnected = true
		r.last = None
		return
	}
	r.last = sig
}
