// Package clock implements the OCPP wall-clock abstraction: a broken-down
// UTC Timestamp with saturating arithmetic, and a Clock that maps a
// monotonic tick counter onto OCPP wall time, including retroactive
// back-dating of events recorded before the wall clock was ever set.
package clock

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Seconds is a signed 32-bit scalar difference between two Timestamps, or
// a duration to add to one. It saturates rather than overflows.
type Seconds int32

const (
	secondsMax Seconds = math.MaxInt32
	secondsMin Seconds = math.MinInt32

	// infinityThreshold mirrors the original firmware's definition: 400
	// days before the year-2038 rollover of a 32-bit second count. A
	// difference at or above this is treated as "infinity/invalid".
	infinityThreshold = secondsMax - Seconds(400*24*3600)
)

// Timestamp is a broken-down UTC instant truncated to whole seconds.
// Sub-second precision is not represented; ISO-8601 serialization always
// carries a ".000" fractional field.
type Timestamp struct {
	t time.Time
}

// MinTime is the epoch, 1970-01-01T00:00:00Z.
var MinTime = Timestamp{t: time.Unix(0, 0).UTC()}

// MaxTime is the sentinel upper bound (2038-01-19T03:14:07Z), the epoch
// plus the largest representable Seconds value.
var MaxTime = Timestamp{t: MinTime.t.Add(time.Duration(secondsMax) * time.Second)}

// Unix returns the Timestamp for the given epoch seconds, clamped to
// [MinTime, MaxTime].
func Unix(epochSeconds int64) Timestamp {
	if epochSeconds < 0 {
		return MinTime
	}
	if epochSeconds > int64(secondsMax) {
		return MaxTime
	}
	return Timestamp{t: time.Unix(epochSeconds, 0).UTC()}
}

// ParseISO8601 parses the first 19 characters of s as
// "YYYY-MM-DDTHH:MM:SS", optionally followed by a fractional-second part
// and/or a trailing "Z". Anything else is a recoverable parse error.
func ParseISO8601(s string) (Timestamp, error) {
	if len(s) < 19 {
		return Timestamp{}, fmt.Errorf("clock: %q too short for ISO-8601 date-time", s)
	}
	core := s[:19]
	t, err := time.Parse("2006-01-02T15:04:05", core)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: parse %q: %w", s, err)
	}
	rest := s[19:]
	if strings.HasPrefix(rest, ".") {
		digits := 1
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		if digits == 1 {
			return Timestamp{}, fmt.Errorf("clock: %q has an empty fractional part", s)
		}
		rest = rest[digits:]
	}
	if rest != "" && rest != "Z" {
		return Timestamp{}, fmt.Errorf("clock: %q has malformed suffix %q", s, rest)
	}
	return Timestamp{t: t.UTC()}, nil
}

// FormatISO8601 renders ts as exactly 24 characters:
// "YYYY-MM-DDTHH:MM:SS.000Z".
func (ts Timestamp) FormatISO8601() string {
	return ts.t.Format("2006-01-02T15:04:05.000Z")
}

func (ts Timestamp) String() string { return ts.FormatISO8601() }

// Add returns ts shifted by secs, saturating at MinTime/MaxTime.
func (ts Timestamp) Add(secs Seconds) Timestamp {
	if secs == secondsMax || secs == secondsMin {
		if secs > 0 {
			return MaxTime
		}
		return MinTime
	}
	shifted := ts.t.Add(time.Duration(secs) * time.Second)
	if shifted.Before(MinTime.t) {
		return MinTime
	}
	if shifted.After(MaxTime.t) {
		return MaxTime
	}
	return Timestamp{t: shifted}
}

// Sub returns ts-other in seconds, saturating to secondsMax/secondsMin on
// overflow.
func (ts Timestamp) Sub(other Timestamp) Seconds {
	d := ts.t.Sub(other.t)
	secs := d.Seconds()
	if secs >= float64(secondsMax) {
		return secondsMax
	}
	if secs <= float64(secondsMin) {
		return secondsMin
	}
	return Seconds(secs)
}

// IsInfinite reports whether a Seconds difference should be treated as
// "infinity/invalid" per the firmware's threshold convention.
func (s Seconds) IsInfinite() bool {
	return s >= infinityThreshold || s <= -infinityThreshold
}

func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }
func (ts Timestamp) After(other Timestamp) bool  { return ts.t.After(other.t) }
func (ts Timestamp) Equal(other Timestamp) bool  { return ts.t.Equal(other.t) }

// Compare returns -1, 0, or 1 as ts is before, equal to, or after other,
// consistent with lexicographic ordering on the underlying field tuple.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.t.Before(other.t):
		return -1
	case ts.t.After(other.t):
		return 1
	default:
		return 0
	}
}

// IsZero reports whether ts is the Go zero value rather than a real
// resolved instant (used to distinguish "never set" from MinTime).
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

var errNotUTC = errors.New("clock: timestamp must be UTC")

// FromTime converts a time.Time into a Timestamp, rejecting non-UTC
// locations so callers don't accidentally smuggle in local-time skew.
func FromTime(t time.Time) (Timestamp, error) {
	if t.Location() != time.UTC && t.Location().String() != "UTC" {
		return Timestamp{}, errNotUTC
	}
	return Timestamp{t: t.UTC().Truncate(time.Second)}, nil
}
