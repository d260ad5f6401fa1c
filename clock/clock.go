package clock

import "github.com/google/uuid"

// Tick is a host-supplied monotonic millisecond counter. It has no
// relation to wall-clock time and is not meaningful across a process
// restart: a fresh Clock gets a fresh BootEpoch, and any Anchor captured
// under a previous epoch can never be resolved again.
type Tick int64

// Clock maps a monotonic Tick onto OCPP wall time once Set has been
// called. Before that, Now is undefined and callers must fall back to
// Capture/Anchor to defer resolution.
//
// Invariant: once valid becomes true, every timestamp emitted afterwards
// is >= every timestamp emitted before, because Now is a pure affine
// function of the tick and the tick source is itself monotonic.
type Clock struct {
	baseOCPP Timestamp
	baseTick Tick
	valid    bool

	// bootEpoch changes exactly once per process lifetime (at
	// construction), never on Set. It tags every Anchor captured by this
	// Clock so a reload after restart can tell a live tick from a dead
	// one.
	bootEpoch string
}

// NewClock returns an unset Clock carrying a fresh boot epoch.
func NewClock() *Clock {
	return &Clock{bootEpoch: uuid.NewString()}
}

// NewClockWithEpoch is used by tests that need a deterministic or
// explicitly-shared boot epoch (e.g. to simulate "same process, clock set
// twice" versus "process restarted").
func NewClockWithEpoch(bootEpoch string) *Clock {
	return &Clock{bootEpoch: bootEpoch}
}

// BootEpoch identifies this process's monotonic tick domain.
func (c *Clock) BootEpoch() string { return c.bootEpoch }

// Valid reports whether Set has ever been called on this Clock instance.
func (c *Clock) Valid() bool { return c.valid }

// Set anchors the clock: base_ocpp = parsed wall time, base_tick = tick.
// All Now/Capture calls after this use the new anchor; previously-resolved
// Anchors are unaffected, but pending (unresolved) Anchors sharing this
// Clock's boot epoch become resolvable via ResolveAnchor.
func (c *Clock) Set(iso string, tick Tick) error {
	parsed, err := ParseISO8601(iso)
	if err != nil {
		return err
	}
	c.baseOCPP = parsed
	c.baseTick = tick
	c.valid = true
	return nil
}

// SetTimestamp is Set without a parse step, for callers that already hold
// a Timestamp (e.g. restoring from a trusted source).
func (c *Clock) SetTimestamp(ts Timestamp, tick Tick) {
	c.baseOCPP = ts
	c.baseTick = tick
	c.valid = true
}

// Now returns the current OCPP wall time for the given tick. The caller
// must check Valid first; calling Now on an invalid Clock returns
// MinTime, which is never a usable timestamp for emission.
func (c *Clock) Now(tick Tick) Timestamp {
	if !c.valid {
		return MinTime
	}
	deltaMs := int64(tick - c.baseTick)
	return c.baseOCPP.Add(Seconds(deltaMs / 1000))
}

// Anchor captures a moment in time that may or may not be resolvable to
// wall-clock yet. It is the unit stored in a Transaction record for any
// timestamp field, so that an event recorded while the clock was invalid
// can be back-dated once the clock is later set, and so that a tick
// surviving in storage across a restart can be recognized as stale.
type Anchor struct {
	Resolved  bool      `json:"resolved"`
	Wall      Timestamp `json:"wall,omitempty"`
	Tick      Tick      `json:"tick,omitempty"`
	BootEpoch string    `json:"bootEpoch,omitempty"`
}

// Capture records "now" as of tick: resolved immediately if the clock is
// valid, otherwise deferred as a pending, epoch-tagged tick.
func (c *Clock) Capture(tick Tick) Anchor {
	if c.valid {
		return Anchor{Resolved: true, Wall: c.Now(tick)}
	}
	return Anchor{Resolved: false, Tick: tick, BootEpoch: c.bootEpoch}
}

// ResolveAnchor attempts to turn a, possibly pending, Anchor into a
// concrete Timestamp. It succeeds immediately for an already-resolved
// Anchor. For a pending Anchor it succeeds only if the Clock is now valid
// AND the Anchor was captured under this same Clock's boot epoch — a
// pending Anchor from a previous process lifetime can never be resolved,
// because its Tick was relative to a monotonic counter that no longer
// exists (see spec §4.6 "Lost timestamps").
func (c *Clock) ResolveAnchor(a Anchor) (Timestamp, bool) {
	if a.Resolved {
		return a.Wall, true
	}
	if !c.valid || a.BootEpoch != c.bootEpoch {
		return Timestamp{}, false
	}
	return c.Now(a.Tick), true
}

// Lost reports whether a pending Anchor can never be resolved by this
// Clock because it was captured in a different (necessarily prior)
// process lifetime.
func (a Anchor) Lost(currentBootEpoch string) bool {
	return !a.Resolved && a.BootEpoch != currentBootEpoch
}
