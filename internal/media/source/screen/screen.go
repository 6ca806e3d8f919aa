// Package screen captures displays with kbinani/screenshot. Frames are
// RGBA copies of the whole display, grabbed once per frame interval.
package screen

import (
	"context"
	"fmt"
	"image"
	"io"
	"strconv"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

// Name is the backend name.
const Name = "screenshot"

func init() {
	source.Register(source.Registration{
		Kind:     source.KindDisplay,
		Name:     Name,
		Priority: 10,
		Video: func(ctx context.Context, cfg source.Config) (source.VideoCapturer, error) {
			return Open(ctx, cfg, clock.RealClock{})
		},
		Lister: List,
	})
}

// grabber is the subset of the screenshot package the capturer needs.
type grabber interface {
	Displays() int
	Bounds(index int) image.Rectangle
	Capture(bounds image.Rectangle) (*image.RGBA, error)
}

type systemGrabber struct{}

func (systemGrabber) Displays() int                                  { return screenshot.NumActiveDisplays() }
func (systemGrabber) Bounds(i int) image.Rectangle                   { return screenshot.GetDisplayBounds(i) }
func (systemGrabber) Capture(r image.Rectangle) (*image.RGBA, error) { return screenshot.CaptureRect(r) }

var system grabber = systemGrabber{}

// List enumerates active displays. The first one is the default.
func List(context.Context) ([]source.Device, error) {
	return listWith(system)
}

func listWith(g grabber) ([]source.Device, error) {
	n := g.Displays()
	devices := make([]source.Device, 0, n)
	for i := 0; i < n; i++ {
		b := g.Bounds(i)
		devices = append(devices, source.Device{
			ID:      strconv.Itoa(i),
			Name:    fmt.Sprintf("Display %d", i+1),
			Default: i == 0,
			Detail:  fmt.Sprintf("%dx%d at %d,%d", b.Dx(), b.Dy(), b.Min.X, b.Min.Y),
		})
	}
	return devices, nil
}

// Capturer grabs one display.
type Capturer struct {
	g      grabber
	bounds image.Rectangle
	format source.VideoFormat
	ticker clock.Ticker
	clk    clock.Clock
	wait   time.Duration
	limit  int
	count  int
}

// Open sets up capture of the display named by cfg.Device, an index that
// defaults to the primary display. A trial capture runs during setup so a
// missing screen-recording permission fails here instead of mid-recording.
func Open(ctx context.Context, cfg source.Config, clk clock.WithTicker) (*Capturer, error) {
	return openWith(ctx, system, cfg, clk)
}

func openWith(_ context.Context, g grabber, cfg source.Config, clk clock.WithTicker) (*Capturer, error) {
	n := g.Displays()
	if n == 0 {
		return nil, core.NewSetupError(core.KindDeviceNotFound, "screen", errors.New("no active displays"))
	}
	index := 0
	if cfg.Device != "" {
		i, err := strconv.Atoi(cfg.Device)
		if err != nil {
			return nil, core.NewSetupError(core.KindInvalidConfig, "screen",
				errors.Errorf("display %q is not an index", cfg.Device))
		}
		index = i
	}
	if index < 0 || index >= n {
		return nil, core.NewSetupError(core.KindDeviceNotFound, "screen",
			errors.Errorf("display %d not found, %d active", index, n))
	}

	bounds := g.Bounds(index)
	if _, err := g.Capture(bounds); err != nil {
		return nil, core.NewSetupError(core.KindPermissionDenied, "screen",
			errors.Wrap(err, "trial capture"))
	}

	rate := cfg.FrameRate
	if !rate.Valid() {
		rate = core.NewRational(30, 1)
	}
	interval := source.Config{FrameRate: rate}.FrameInterval()
	return &Capturer{
		g:      g,
		bounds: bounds,
		format: source.VideoFormat{
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
			PixelFormat: core.PixelFormatRGBA,
			FrameRate:   rate,
		},
		ticker: clk.NewTicker(interval),
		clk:    clk,
		wait:   2 * interval,
		limit:  cfg.Limit,
	}, nil
}

func (c *Capturer) Format() source.VideoFormat { return c.format }

// Next waits for the next frame slot and grabs the display. It returns
// source.ErrNoData if no slot came up within two intervals.
func (c *Capturer) Next(ctx context.Context) (*core.VideoFrame, error) {
	if c.limit > 0 && c.count >= c.limit {
		return nil, io.EOF
	}
	timeout := c.clk.After(c.wait)
	select {
	case <-c.ticker.C():
	case <-timeout:
		return nil, source.ErrNoData
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	img, err := c.g.Capture(c.bounds)
	if err != nil {
		return nil, errors.Wrap(err, "capture display")
	}
	c.count++
	return &core.VideoFrame{
		Data:      [][]byte{img.Pix},
		Stride:    []int{img.Stride},
		Width:     img.Rect.Dx(),
		Height:    img.Rect.Dy(),
		Format:    core.PixelFormatRGBA,
		Timestamp: core.WallClockTimestamp(c.clk.Now()),
	}, nil
}

func (c *Capturer) Close() error {
	c.ticker.Stop()
	return nil
}
