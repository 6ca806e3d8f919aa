package resource

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetWaitsForBackgroundFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	r := New(func(context.Context) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"Display 1"}, nil
	})
	r.Start(context.Background())
	assert.False(t, r.Ready())

	got := make(chan []string, 1)
	go func() {
		v, err := r.Get(context.Background())
		assert.NoError(t, err)
		got <- v
	}()
	select {
	case <-got:
		t.Fatal("Get returned before the fetch finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	assert.Equal(t, []string{"Display 1"}, <-got)
	assert.True(t, r.Ready())

	_, err := r.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "fetch runs once")
}

func TestGetHonoursContext(t *testing.T) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	r := New(func(context.Context) (int, error) {
		<-stop
		return 0, nil
	})
	r.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshReplacesResult(t *testing.T) {
	var n atomic.Int32
	boom := errors.New("boom")
	r := New(func(context.Context) (int32, error) {
		v := n.Add(1)
		if v == 1 {
			return 0, boom
		}
		return v, nil
	})
	_, err := r.Get(context.Background())
	assert.ErrorIs(t, err, boom)

	r.Refresh(context.Background())
	v, err := r.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}
