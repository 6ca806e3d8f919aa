package core

import (
	"fmt"
	"math/big"
	"time"
)

// Rational is a time base: one tick lasts Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

// NewRational returns Num/Den.
func NewRational(num, den int64) Rational {
	return Rational{Num: num, Den: den}
}

// Valid reports whether r can be used as a time base.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Seconds returns r as a float.
func (r Rational) Seconds() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Common time bases.
var (
	TimeBaseNanos  = Rational{1, int64(time.Second)}
	TimeBaseMillis = Rational{1, 1000}
	TimeBase90k    = Rational{1, 90000}
)

// Rescale converts v ticks of from into ticks of to, rounding to nearest
// with halves away from zero. Intermediate products use big integers so
// nanosecond values at large time bases do not overflow.
func Rescale(v int64, from, to Rational) int64 {
	if from == to {
		return v
	}
	num := new(big.Int).Mul(big.NewInt(v), big.NewInt(from.Num))
	num.Mul(num, big.NewInt(to.Den))
	den := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))
	if den.Sign() == 0 {
		return 0
	}

	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	// round half away from zero
	m.Abs(m).Lsh(m, 1)
	if m.Cmp(new(big.Int).Abs(den)) >= 0 {
		if num.Sign()*den.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q.Int64()
}

// DurationToTicks converts d into ticks of tb.
func DurationToTicks(d time.Duration, tb Rational) int64 {
	return Rescale(int64(d), TimeBaseNanos, tb)
}

// TicksToDuration converts ticks of tb into a duration.
func TicksToDuration(ticks int64, tb Rational) time.Duration {
	return time.Duration(Rescale(ticks, tb, TimeBaseNanos))
}
