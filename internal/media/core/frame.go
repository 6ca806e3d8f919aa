package core

import (
	"github.com/pkg/errors"
)

// VideoFrame is one raw picture. Data is either owned by the frame or
// borrowed from a capture backend, in which case Guard releases it.
type VideoFrame struct {
	Data      [][]byte
	Stride    []int
	Width     int
	Height    int
	Format    PixelFormat
	Timestamp Timestamp
	Guard     *Guard
}

// NewVideoFrame allocates a tightly packed frame.
func NewVideoFrame(format PixelFormat, width, height int) *VideoFrame {
	f := &VideoFrame{
		Width:  width,
		Height: height,
		Format: format,
	}
	for i := 0; i < format.PlaneCount(); i++ {
		stride, rows := format.PlaneSize(i, width, height)
		f.Data = append(f.Data, make([]byte, stride*rows))
		f.Stride = append(f.Stride, stride)
	}
	return f
}

// Validate checks that every plane is large enough for the declared geometry.
func (f *VideoFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	n := f.Format.PlaneCount()
	if n == 0 {
		return errors.Errorf("unsupported pixel format %s", f.Format)
	}
	if len(f.Data) < n || len(f.Stride) < n {
		return errors.Errorf("%s frame needs %d planes, got %d", f.Format, n, len(f.Data))
	}
	for i := 0; i < n; i++ {
		minStride, rows := f.Format.PlaneSize(i, f.Width, f.Height)
		if f.Stride[i] < minStride {
			return errors.Errorf("plane %d stride %d below %d", i, f.Stride[i], minStride)
		}
		if len(f.Data[i]) < f.Stride[i]*(rows-1)+minStride {
			return errors.Errorf("plane %d holds %d bytes, too short for %d rows", i, len(f.Data[i]), rows)
		}
	}
	return nil
}

// Release returns a borrowed buffer to its owner. Safe to call on owned frames.
func (f *VideoFrame) Release() {
	if f != nil && f.Guard != nil {
		f.Guard.Release()
	}
}
