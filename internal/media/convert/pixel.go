package convert

import (
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

// BT.601 limited range, 8-bit fixed point.
func rgbToYUV(r, g, b int) (y, u, v byte) {
	yy := ((66*r + 129*g + 25*b + 128) >> 8) + 16
	uu := ((-38*r - 74*g + 112*b + 128) >> 8) + 128
	vv := ((112*r - 94*g - 18*b + 128) >> 8) + 128
	return clamp8(yy), clamp8(uu), clamp8(vv)
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// packedToI420 converts an RGBA or BGRA frame. Chroma is the average of
// each 2x2 block, clipped at odd edges.
func packedToI420(src, dst *core.VideoFrame) {
	w, h := src.Width, src.Height
	rOff, bOff := 0, 2
	if src.Format == core.PixelFormatBGRA {
		rOff, bOff = 2, 0
	}
	in, stride := src.Data[0], src.Stride[0]
	yPlane, uPlane, vPlane := dst.Data[0], dst.Data[1], dst.Data[2]

	for y := 0; y < h; y++ {
		row := in[y*stride:]
		out := yPlane[y*dst.Stride[0]:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			yy, _, _ := rgbToYUV(int(p[rOff]), int(p[1]), int(p[bOff]))
			out[x] = yy
		}
	}

	for cy := 0; cy < (h+1)/2; cy++ {
		for cx := 0; cx < (w+1)/2; cx++ {
			var r, g, b, n int
			for dy := 0; dy < 2; dy++ {
				y := cy*2 + dy
				if y >= h {
					continue
				}
				for dx := 0; dx < 2; dx++ {
					x := cx*2 + dx
					if x >= w {
						continue
					}
					p := in[y*stride+x*4:]
					r += int(p[rOff])
					g += int(p[1])
					b += int(p[bOff])
					n++
				}
			}
			_, u, v := rgbToYUV(r/n, g/n, b/n)
			uPlane[cy*dst.Stride[1]+cx] = u
			vPlane[cy*dst.Stride[2]+cx] = v
		}
	}
}

func nv12ToI420(src, dst *core.VideoFrame) {
	copyPlane(dst.Data[0], dst.Stride[0], src.Data[0], src.Stride[0], src.Width, src.Height)
	cw, ch := (src.Width+1)/2, (src.Height+1)/2
	for y := 0; y < ch; y++ {
		uv := src.Data[1][y*src.Stride[1]:]
		u := dst.Data[1][y*dst.Stride[1]:]
		v := dst.Data[2][y*dst.Stride[2]:]
		for x := 0; x < cw; x++ {
			u[x] = uv[2*x]
			v[x] = uv[2*x+1]
		}
	}
}

func i420ToNV12(src, dst *core.VideoFrame) {
	copyPlane(dst.Data[0], dst.Stride[0], src.Data[0], src.Stride[0], src.Width, src.Height)
	cw, ch := (src.Width+1)/2, (src.Height+1)/2
	for y := 0; y < ch; y++ {
		u := src.Data[1][y*src.Stride[1]:]
		v := src.Data[2][y*src.Stride[2]:]
		uv := dst.Data[1][y*dst.Stride[1]:]
		for x := 0; x < cw; x++ {
			uv[2*x] = u[x]
			uv[2*x+1] = v[x]
		}
	}
}

func copyI420(src, dst *core.VideoFrame) {
	cw, ch := (src.Width+1)/2, (src.Height+1)/2
	copyPlane(dst.Data[0], dst.Stride[0], src.Data[0], src.Stride[0], src.Width, src.Height)
	copyPlane(dst.Data[1], dst.Stride[1], src.Data[1], src.Stride[1], cw, ch)
	copyPlane(dst.Data[2], dst.Stride[2], src.Data[2], src.Stride[2], cw, ch)
}

func copyPlane(dst []byte, dstStride int, src []byte, srcStride int, width, rows int) {
	for y := 0; y < rows; y++ {
		copy(dst[y*dstStride:y*dstStride+width], src[y*srcStride:y*srcStride+width])
	}
}
