package convert

// planeScaler resamples one 8-bit plane with bilinear filtering. The
// source index and weight tables are built once per geometry.
type planeScaler struct {
	dstW, dstH int
	x0, x1     []int
	y0, y1     []int
	fx, fy     []int // 16.16 fractional weights
}

func newPlaneScaler(srcW, srcH, dstW, dstH int) *planeScaler {
	s := &planeScaler{dstW: dstW, dstH: dstH}
	s.x0, s.x1, s.fx = axisTable(srcW, dstW)
	s.y0, s.y1, s.fy = axisTable(srcH, dstH)
	return s
}

func axisTable(src, dst int) (i0, i1, frac []int) {
	i0 = make([]int, dst)
	i1 = make([]int, dst)
	frac = make([]int, dst)
	if dst == 0 {
		return
	}
	ratio := (src << 16) / dst
	for i := 0; i < dst; i++ {
		fp := i * ratio
		a := fp >> 16
		b := a + 1
		if b >= src {
			b = src - 1
		}
		if a >= src {
			a = src - 1
		}
		i0[i], i1[i], frac[i] = a, b, fp&0xFFFF
	}
	return
}

func (s *planeScaler) scale(src []byte, srcStride int, dst []byte, dstStride int) {
	for y := 0; y < s.dstH; y++ {
		r0 := src[s.y0[y]*srcStride:]
		r1 := src[s.y1[y]*srcStride:]
		fy := s.fy[y]
		out := dst[y*dstStride:]
		for x := 0; x < s.dstW; x++ {
			fx := s.fx[x]
			a, b := int(r0[s.x0[x]]), int(r0[s.x1[x]])
			c, d := int(r1[s.x0[x]]), int(r1[s.x1[x]])
			top := a*(0x10000-fx) + b*fx
			bottom := c*(0x10000-fx) + d*fx
			v := (top>>16)*(0x10000-fy) + (bottom>>16)*fy
			out[x] = byte(v >> 16)
		}
	}
}
