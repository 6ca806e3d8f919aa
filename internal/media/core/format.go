package core

import "fmt"

// PixelFormat identifies the memory layout of a raw video frame.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatI420                // planar Y, U, V with 2x2 chroma subsampling
	PixelFormatNV12                // planar Y, interleaved UV
	PixelFormatRGBA
	PixelFormatBGRA
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatI420:
		return "i420"
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatRGBA:
		return "rgba"
	case PixelFormatBGRA:
		return "bgra"
	default:
		return "unknown"
	}
}

// PlaneCount returns the number of planes the format stores.
func (f PixelFormat) PlaneCount() int {
	switch f {
	case PixelFormatI420:
		return 3
	case PixelFormatNV12:
		return 2
	case PixelFormatRGBA, PixelFormatBGRA:
		return 1
	default:
		return 0
	}
}

// PlaneSize returns the stride and row count of plane i for a tightly packed frame.
func (f PixelFormat) PlaneSize(i, width, height int) (stride, rows int) {
	cw, ch := (width+1)/2, (height+1)/2
	switch f {
	case PixelFormatI420:
		if i == 0 {
			return width, height
		}
		return cw, ch
	case PixelFormatNV12:
		if i == 0 {
			return width, height
		}
		return cw * 2, ch
	case PixelFormatRGBA, PixelFormatBGRA:
		return width * 4, height
	}
	return 0, 0
}

// ParsePixelFormat maps a config string to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	for _, f := range []PixelFormat{PixelFormatI420, PixelFormatNV12, PixelFormatRGBA, PixelFormatBGRA} {
		if f.String() == s {
			return f, nil
		}
	}
	return PixelFormatUnknown, fmt.Errorf("unknown pixel format %q", s)
}

// SampleFormat identifies the encoding of a single audio sample.
type SampleFormat int

const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatU8
	SampleFormatS16
	SampleFormatS32
	SampleFormatF32
	SampleFormatF64
)

func (f SampleFormat) String() string {
	switch f {
	case SampleFormatU8:
		return "u8"
	case SampleFormatS16:
		return "s16"
	case SampleFormatS32:
		return "s32"
	case SampleFormatF32:
		return "f32"
	case SampleFormatF64:
		return "f64"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the width of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatU8:
		return 1
	case SampleFormatS16:
		return 2
	case SampleFormatS32, SampleFormatF32:
		return 4
	case SampleFormatF64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether samples are IEEE floating point.
func (f SampleFormat) IsFloat() bool {
	return f == SampleFormatF32 || f == SampleFormatF64
}

// Codec identifies a compressed bitstream format.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecAAC
	CodecOpus
	CodecMP3
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecAAC:
		return "aac"
	case CodecOpus:
		return "opus"
	case CodecMP3:
		return "mp3"
	default:
		return "unknown"
	}
}

// IsVideo reports whether the codec carries video.
func (c Codec) IsVideo() bool {
	return c == CodecH264
}

// ParseCodec maps a config string to a Codec.
func ParseCodec(s string) (Codec, error) {
	for _, c := range []Codec{CodecH264, CodecAAC, CodecOpus, CodecMP3} {
		if c.String() == s {
			return c, nil
		}
	}
	return CodecUnknown, fmt.Errorf("unknown codec %q", s)
}
