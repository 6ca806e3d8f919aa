package core

import (
	"time"

	"github.com/pkg/errors"
)

// ClockDomain names the clock a Timestamp was taken from. Values from
// different domains cannot be compared directly.
type ClockDomain int

const (
	DomainWallClock ClockDomain = iota
	DomainPerformanceCounter
	DomainMachAbsolute
	DomainMediaPTS
	DomainRecording
)

func (d ClockDomain) String() string {
	switch d {
	case DomainWallClock:
		return "wall-clock"
	case DomainPerformanceCounter:
		return "performance-counter"
	case DomainMachAbsolute:
		return "mach-absolute"
	case DomainMediaPTS:
		return "media-pts"
	case DomainRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// ErrClockDomainMismatch is returned when subtracting timestamps from different domains.
var ErrClockDomainMismatch = errors.New("timestamps belong to different clock domains")

// Timestamp is an instant in one clock domain, normalised to nanoseconds
// since that domain's own epoch.
type Timestamp struct {
	domain ClockDomain
	nanos  int64
}

// WallClockTimestamp captures t in the wall-clock domain.
func WallClockTimestamp(t time.Time) Timestamp {
	return Timestamp{domain: DomainWallClock, nanos: t.UnixNano()}
}

// PerformanceCounterTimestamp converts a QueryPerformanceCounter style reading.
func PerformanceCounterTimestamp(ticks, frequency int64) Timestamp {
	return Timestamp{
		domain: DomainPerformanceCounter,
		nanos:  Rescale(ticks, Rational{1, frequency}, TimeBaseNanos),
	}
}

// MachAbsoluteTimestamp converts a mach_absolute_time reading using the
// host timebase numer/denom.
func MachAbsoluteTimestamp(ticks uint64, numer, denom uint32) Timestamp {
	return Timestamp{
		domain: DomainMachAbsolute,
		nanos:  Rescale(int64(ticks), Rational{int64(numer), int64(denom)}, Rational{1, 1}),
	}
}

// MediaTimestamp wraps a presentation timestamp expressed in tb.
func MediaTimestamp(pts int64, tb Rational) Timestamp {
	return Timestamp{domain: DomainMediaPTS, nanos: Rescale(pts, tb, TimeBaseNanos)}
}

// RecordingTimestamp is an offset from the start of the recording.
func RecordingTimestamp(d time.Duration) Timestamp {
	return Timestamp{domain: DomainRecording, nanos: int64(d)}
}

// Domain returns the clock domain of t.
func (t Timestamp) Domain() ClockDomain { return t.domain }

// IsZero reports whether t carries no value.
func (t Timestamp) IsZero() bool { return t == Timestamp{} }

// DurationSince returns t - other. Both must share a domain.
func (t Timestamp) DurationSince(other Timestamp) (time.Duration, error) {
	if t.domain != other.domain {
		return 0, errors.Wrapf(ErrClockDomainMismatch, "%s - %s", t.domain, other.domain)
	}
	return time.Duration(t.nanos - other.nanos), nil
}

// Offset returns t as a duration since the start of the recording. It is
// only meaningful for DomainRecording timestamps.
func (t Timestamp) Offset() time.Duration {
	return time.Duration(t.nanos)
}

// Anchor converts timestamps from one source's clock domain into the
// recording domain. It is created once per source when the first frame
// arrives.
type Anchor struct {
	origin Timestamp
	at     time.Duration
}

// NewAnchor pins origin (a source timestamp) to the recording offset at.
func NewAnchor(origin Timestamp, at time.Duration) Anchor {
	return Anchor{origin: origin, at: at}
}

// ToRecording maps ts into the recording domain.
func (a Anchor) ToRecording(ts Timestamp) (Timestamp, error) {
	if ts.domain == DomainRecording {
		return ts, nil
	}
	d, err := ts.DurationSince(a.origin)
	if err != nil {
		return Timestamp{}, err
	}
	return RecordingTimestamp(a.at + d), nil
}
