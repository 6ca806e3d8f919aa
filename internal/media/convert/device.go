// Package convert holds the transform stage: pixel format conversion and
// scaling, buffered audio resampling, and timestamp rebasing.
package convert

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// ErrUnsupportedConversion is returned for format pairs without a converter.
var ErrUnsupportedConversion = errors.New("unsupported pixel conversion")

type contextKey struct {
	src, dst   core.PixelFormat
	srcW, srcH int
	dstW, dstH int
}

// Context converts frames of one geometry and format into another. It is
// immutable after creation and safe for concurrent use.
type Context struct {
	key    contextKey
	luma   *planeScaler
	chroma *planeScaler
}

func newContext(key contextKey) (*Context, error) {
	switch key.src {
	case core.PixelFormatI420, core.PixelFormatNV12, core.PixelFormatRGBA, core.PixelFormatBGRA:
	default:
		return nil, errors.Wrapf(ErrUnsupportedConversion, "from %s", key.src)
	}
	switch key.dst {
	case core.PixelFormatI420, core.PixelFormatNV12:
	default:
		return nil, errors.Wrapf(ErrUnsupportedConversion, "to %s", key.dst)
	}
	if key.srcW <= 0 || key.srcH <= 0 || key.dstW <= 0 || key.dstH <= 0 {
		return nil, errors.Errorf("invalid conversion size %dx%d -> %dx%d", key.srcW, key.srcH, key.dstW, key.dstH)
	}

	c := &Context{key: key}
	if key.srcW != key.dstW || key.srcH != key.dstH {
		c.luma = newPlaneScaler(key.srcW, key.srcH, key.dstW, key.dstH)
		c.chroma = newPlaneScaler((key.srcW+1)/2, (key.srcH+1)/2, (key.dstW+1)/2, (key.dstH+1)/2)
	}
	return c, nil
}

// Convert returns a new frame in the context's destination format and size.
func (c *Context) Convert(src *core.VideoFrame) (*core.VideoFrame, error) {
	if src.Format != c.key.src || src.Width != c.key.srcW || src.Height != c.key.srcH {
		return nil, errors.Errorf("frame %s %dx%d does not match context %s %dx%d",
			src.Format, src.Width, src.Height, c.key.src, c.key.srcW, c.key.srcH)
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	// Normalise to I420 at the source size.
	planar := src
	switch src.Format {
	case core.PixelFormatRGBA, core.PixelFormatBGRA:
		planar = core.NewVideoFrame(core.PixelFormatI420, src.Width, src.Height)
		packedToI420(src, planar)
	case core.PixelFormatNV12:
		if c.luma == nil && c.key.dst == core.PixelFormatNV12 {
			out := core.NewVideoFrame(core.PixelFormatNV12, src.Width, src.Height)
			copyPlane(out.Data[0], out.Stride[0], src.Data[0], src.Stride[0], src.Width, src.Height)
			copyPlane(out.Data[1], out.Stride[1], src.Data[1], src.Stride[1], out.Stride[1], (src.Height+1)/2)
			out.Timestamp = src.Timestamp
			return out, nil
		}
		planar = core.NewVideoFrame(core.PixelFormatI420, src.Width, src.Height)
		nv12ToI420(src, planar)
	}

	scaled := planar
	if c.luma != nil {
		scaled = core.NewVideoFrame(core.PixelFormatI420, c.key.dstW, c.key.dstH)
		c.luma.scale(planar.Data[0], planar.Stride[0], scaled.Data[0], scaled.Stride[0])
		c.chroma.scale(planar.Data[1], planar.Stride[1], scaled.Data[1], scaled.Stride[1])
		c.chroma.scale(planar.Data[2], planar.Stride[2], scaled.Data[2], scaled.Stride[2])
	}

	var out *core.VideoFrame
	switch c.key.dst {
	case core.PixelFormatNV12:
		out = core.NewVideoFrame(core.PixelFormatNV12, c.key.dstW, c.key.dstH)
		i420ToNV12(scaled, out)
	default:
		if scaled == src {
			out = core.NewVideoFrame(core.PixelFormatI420, c.key.dstW, c.key.dstH)
			copyI420(src, out)
		} else {
			out = scaled
		}
	}
	out.Timestamp = src.Timestamp
	return out, nil
}

// Device is the process-wide conversion state. It caches one Context per
// (source format, destination format, source size, destination size) so
// tables are built once per stream instead of once per frame.
type Device struct {
	mu       sync.RWMutex
	contexts map[contextKey]*Context
	created  int
}

func newDevice() *Device {
	return &Device{contexts: make(map[contextKey]*Context)}
}

// Context returns the cached converter for the given geometry, creating it
// on first use.
func (d *Device) Context(src, dst core.PixelFormat, srcW, srcH, dstW, dstH int) (*Context, error) {
	key := contextKey{src: src, dst: dst, srcW: srcW, srcH: srcH, dstW: dstW, dstH: dstH}

	d.mu.RLock()
	c, ok := d.contexts[key]
	d.mu.RUnlock()
	if ok {
		return c, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.contexts[key]; ok {
		return c, nil
	}
	c, err := newContext(key)
	if err != nil {
		return nil, err
	}
	d.contexts[key] = c
	d.created++
	util.GetLogger().Debug("Conversion context created",
		"src", src, "dst", dst, "src_size", [2]int{srcW, srcH}, "dst_size", [2]int{dstW, dstH})
	return c, nil
}

// Created returns how many contexts the device has built.
func (d *Device) Created() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.created
}

var (
	sharedMu sync.Mutex
	shared   *Device
)

// Shared returns the process-wide device, initialising it on first use.
func Shared() *Device {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = newDevice()
		util.GetLogger().Debug("Conversion device initialised")
	}
	return shared
}

// Teardown drops the shared device. The next Shared call builds a new one.
func Teardown() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		util.GetLogger().Debug("Conversion device torn down", "contexts", len(shared.contexts))
		shared = nil
	}
}

// Frame converts src to dst format at its own size using the shared device.
func Frame(src *core.VideoFrame, dst core.PixelFormat) (*core.VideoFrame, error) {
	return Scaled(src, dst, src.Width, src.Height)
}

// Scaled converts src to dst format and size using the shared device.
func Scaled(src *core.VideoFrame, dst core.PixelFormat, width, height int) (*core.VideoFrame, error) {
	c, err := Shared().Context(src.Format, dst, src.Width, src.Height, width, height)
	if err != nil {
		return nil, err
	}
	return c.Convert(src)
}
