package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropChannelNeverBlocks(t *testing.T) {
	ch := NewChannel[int]("display", 0, Drop)
	require.Equal(t, DefaultChannelCapacity, ch.Cap())

	var hookDrops int
	ch.OnDrop(func() { hookDrops++ })

	const total = DefaultChannelCapacity + 952
	done := make(chan int)
	go func() {
		accepted := 0
		for i := 0; i < total; i++ {
			ok, err := ch.Send(context.Background(), i)
			assert.NoError(t, err)
			if ok {
				accepted++
			}
		}
		done <- accepted
	}()

	select {
	case accepted := <-done:
		assert.Equal(t, DefaultChannelCapacity, accepted)
	case <-time.After(2 * time.Second):
		t.Fatal("drop producer blocked")
	}
	assert.Equal(t, uint64(952), ch.Dropped())
	assert.Equal(t, 952, hookDrops)
	assert.Equal(t, uint64(DefaultChannelCapacity), ch.Sent())

	// Accepted frames keep capture order.
	for i := 0; i < DefaultChannelCapacity; i++ {
		v, ok := ch.Recv(context.Background())
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestBlockChannelLosesNothing(t *testing.T) {
	ch := NewChannel[int]("mic", DefaultChannelCapacity, Block)
	const total = 3 * DefaultChannelCapacity

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer ch.Close()
		for i := 0; i < total; i++ {
			ok, err := ch.Send(context.Background(), i)
			if !ok || err != nil {
				t.Errorf("send %d failed: ok=%v err=%v", i, ok, err)
				return
			}
		}
	}()

	// The producer fills the buffer and then waits.
	require.Eventually(t, func() bool { return ch.Len() == DefaultChannelCapacity }, time.Second, time.Millisecond)
	select {
	case <-produced:
		t.Fatal("block producer finished without a consumer")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, uint64(DefaultChannelCapacity), ch.Sent())

	next := 0
	for v := range ch.C() {
		require.Equal(t, next, v)
		next++
	}
	assert.Equal(t, total, next)
	assert.Zero(t, ch.Dropped())
	<-produced
}

func TestBlockChannelReleasedByAbandon(t *testing.T) {
	ch := NewChannel[int]("mic", 1, Block)
	ok, err := ch.Send(context.Background(), 1)
	require.True(t, ok)
	require.NoError(t, err)

	errCh := make(chan error)
	go func() {
		_, err := ch.Send(context.Background(), 2)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ch.Abandon()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrChannelClosed))
	case <-time.After(time.Second):
		t.Fatal("producer not released by abandon")
	}

	_, err = ch.Send(context.Background(), 3)
	assert.True(t, errors.Is(err, ErrChannelClosed))
}

func TestBlockChannelHonoursContext(t *testing.T) {
	ch := NewChannel[int]("mic", 1, Block)
	_, _ = ch.Send(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ok, err := ch.Send(ctx, 2)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRecvAfterClose(t *testing.T) {
	ch := NewChannel[string]("cursor", 2, Block)
	_, _ = ch.Send(context.Background(), "a")
	ch.Close()
	ch.Close()

	v, ok := ch.Recv(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = ch.Recv(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "block", ch.Policy().String())
}
