package convert

// Rebaser shifts a timestamp sequence so that it starts at zero. The first
// value passed to Update becomes the origin. The zero value is ready to use.
type Rebaser struct {
	first int64
	set   bool
}

// Update returns pts relative to the first pts seen.
func (r *Rebaser) Update(pts int64) int64 {
	if !r.set {
		r.first, r.set = pts, true
	}
	return pts - r.first
}

// First returns the origin and whether one has been recorded.
func (r *Rebaser) First() (int64, bool) { return r.first, r.set }

// Reset forgets the origin.
func (r *Rebaser) Reset() { *r = Rebaser{} }
