package screen

import (
	"context"
	"image"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

type fakeGrabber struct {
	displays []image.Rectangle
	denied   bool
	captures int
}

func (g *fakeGrabber) Displays() int                { return len(g.displays) }
func (g *fakeGrabber) Bounds(i int) image.Rectangle { return g.displays[i] }
func (g *fakeGrabber) Capture(r image.Rectangle) (*image.RGBA, error) {
	if g.denied {
		return nil, errors.New("screen recording not allowed")
	}
	g.captures++
	return image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy())), nil
}

func twoDisplays() *fakeGrabber {
	return &fakeGrabber{displays: []image.Rectangle{
		image.Rect(0, 0, 1920, 1080),
		image.Rect(1920, 0, 1920+1280, 720),
	}}
}

func TestListDisplays(t *testing.T) {
	devices, err := listWith(twoDisplays())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Default)
	assert.Equal(t, "1", devices[1].ID)
	assert.Equal(t, "1280x720 at 1920,0", devices[1].Detail)
}

func TestOpenErrors(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Unix(0, 0))
	ctx := context.Background()

	_, err := openWith(ctx, &fakeGrabber{}, source.Config{}, fake)
	assert.True(t, core.IsSetupKind(err, core.KindDeviceNotFound))

	_, err = openWith(ctx, twoDisplays(), source.Config{Device: "7"}, fake)
	assert.True(t, core.IsSetupKind(err, core.KindDeviceNotFound))

	_, err = openWith(ctx, twoDisplays(), source.Config{Device: "left"}, fake)
	assert.True(t, core.IsSetupKind(err, core.KindInvalidConfig))

	denied := twoDisplays()
	denied.denied = true
	_, err = openWith(ctx, denied, source.Config{}, fake)
	assert.True(t, core.IsSetupKind(err, core.KindPermissionDenied))
}

func TestCaptureOnTick(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Unix(100, 0))
	g := twoDisplays()
	c, err := openWith(context.Background(), g, source.Config{Device: "1", Limit: 1}, fake)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 1280, c.Format().Width)
	assert.Equal(t, core.PixelFormatRGBA, c.Format().PixelFormat)

	// The ticker exists since setup, so the tick is pending before Next runs.
	fake.Step(time.Second / 30)
	f, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 720, f.Height)
	assert.Equal(t, 1280*4, f.Stride[0])
	assert.Equal(t, core.DomainWallClock, f.Timestamp.Domain())
	assert.Equal(t, 2, g.captures, "trial capture plus one frame")

	_, err = c.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}
