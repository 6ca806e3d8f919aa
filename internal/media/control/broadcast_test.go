package control

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownFanOut(t *testing.T) {
	for _, n := range []int{1, 3, 16} {
		t.Run(fmt.Sprintf("%d listeners", n), func(t *testing.T) {
			b := NewBroadcast()
			receivers := make([]*Receiver, n)
			// Register in reverse to show order does not matter.
			for i := n - 1; i >= 0; i-- {
				rx, err := b.Register(fmt.Sprintf("task-%d", i))
				require.NoError(t, err)
				receivers[i] = rx
			}

			results := make([]Signal, n)
			var wg sync.WaitGroup
			for i, rx := range receivers {
				wg.Add(1)
				go func(i int, rx *Receiver) {
					defer wg.Done()
					results[i] = rx.BlockingLast()
				}(i, rx)
			}

			require.NoError(t, b.Send(Shutdown))
			wg.Wait()

			for i, sig := range results {
				assert.Equal(t, Shutdown, sig, "listener %d", i)
			}
		})
	}
}

func TestPlayThenShutdown(t *testing.T) {
	b := NewBroadcast()
	rx, err := b.Register("source")
	require.NoError(t, err)

	assert.Equal(t, None, rx.Last())
	require.NoError(t, b.Send(Play))
	assert.Equal(t, Play, rx.BlockingLast())
	assert.Equal(t, Play, rx.Last())
	assert.False(t, rx.Stopped())

	require.NoError(t, b.Send(Shutdown))
	assert.Equal(t, Shutdown, rx.Last())
	assert.True(t, rx.Stopped())
	assert.Equal(t, Shutdown, rx.BlockingLast())
}

func TestSendReplacesStaleSignal(t *testing.T) {
	b := NewBroadcast()
	rx, err := b.Register("sink")
	require.NoError(t, err)

	require.NoError(t, b.Send(Play))
	require.NoError(t, b.Send(Play))
	require.NoError(t, b.Send(Shutdown))

	// Only the newest signal is pending.
	assert.Equal(t, Shutdown, rx.BlockingLast())
}

func TestShutdownIsTerminal(t *testing.T) {
	b := NewBroadcast()
	_, err := b.Register("a")
	require.NoError(t, err)

	require.NoError(t, b.Send(Shutdown))
	assert.True(t, b.IsShutdown())
	assert.True(t, errors.Is(b.Send(Play), ErrAlreadyShutdown))
	assert.True(t, errors.Is(b.Send(Shutdown), ErrAlreadyShutdown))

	late, err := b.Register("late")
	require.NoError(t, err)
	assert.Equal(t, Shutdown, late.Last())
}

func TestDisconnectIsImplicitShutdown(t *testing.T) {
	b := NewBroadcast()
	rx, err := b.Register("camera")
	require.NoError(t, err)
	require.NoError(t, b.Send(Play))
	assert.Equal(t, Play, rx.Last())

	b.Close()
	assert.Equal(t, None, rx.Last())
	assert.True(t, rx.Stopped())

	done := make(chan Signal)
	go func() { done <- rx.BlockingLast() }()
	select {
	case sig := <-done:
		assert.Equal(t, None, sig)
	case <-time.After(time.Second):
		t.Fatal("BlockingLast hung after disconnect")
	}

	_, err = b.Register("after-close")
	assert.True(t, errors.Is(err, ErrBroadcastClosed))
}

func TestShutdownSurvivesClose(t *testing.T) {
	b := NewBroadcast()
	rx, err := b.Register("mic")
	require.NoError(t, err)
	require.NoError(t, b.Send(Shutdown))
	b.Close()
	assert.Equal(t, Shutdown, rx.BlockingLast())
}

func TestRegisterValidation(t *testing.T) {
	b := NewBroadcast()
	_, err := b.Register("dup")
	require.NoError(t, err)
	_, err = b.Register("dup")
	assert.True(t, errors.Is(err, ErrDuplicateListener))
	assert.Equal(t, 1, b.Listeners())
	assert.True(t, errors.Is(b.Send(None), ErrInvalidSignal))
}
