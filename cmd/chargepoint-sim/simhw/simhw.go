// Package simhw is a simulated charge point hardware backend satisfying
// coordinator.Hardware, adapted from the teacher's charging_scenario.go
// fake-meter generator: plug/EVSE-ready state is toggled by the demo HTTP
// control server, and energy drifts upward at a faker-chosen plausible
// power draw whenever a connector is reported as charging.
package simhw

import (
	"sync"

	"github.com/go-faker/faker/v4"
)

// powerTier names a plausible AC charging power band, mirroring the
// teacher's generateFakePAV tiers (120V/Level-1, 208-240V/Level-2,
// 380-800V/DC fast).
type powerTier struct {
	minWatts, maxWatts int
}

var tiers = []powerTier{
	{minWatts: 1000, maxWatts: 3300},   // Level 1, 120V
	{minWatts: 3300, maxWatts: 19200},  // Level 2, 208-240V
	{minWatts: 19200, maxWatts: 350000}, // DC fast
}

// Simulator is one process-wide simulated hardware backend, one entry per
// connector.
type Simulator struct {
	mu sync.Mutex

	plugged   map[int]bool
	evseReady map[int]bool
	energyWh  map[int]int
	tier      map[int]powerTier
}

// New returns a Simulator for the given connector ids, all initially
// unplugged with EVSE ready (a bench charge point that just booted).
func New(connectorIDs []int) *Simulator {
	s := &Simulator{
		plugged:   make(map[int]bool),
		evseReady: make(map[int]bool),
		energyWh:  make(map[int]int),
		tier:      make(map[int]powerTier),
	}
	for _, id := range connectorIDs {
		s.evseReady[id] = true
		s.tier[id] = tiers[fakeIndex(len(tiers))]
	}
	return s
}

// Plugged reports whether a vehicle is currently connected to connectorID.
func (s *Simulator) Plugged(connectorID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugged[connectorID]
}

// EVSEReady reports whether the EVSE side is ready to deliver energy.
func (s *Simulator) EVSEReady(connectorID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evseReady[connectorID]
}

// MeterReading returns connectorID's cumulative energy delivered, in Wh.
func (s *Simulator) MeterReading(connectorID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energyWh[connectorID]
}

// HasPlugSensor reports true: this simulator always knows plug state, so
// the Coordinator's ConnectionTimeOut rule behaves as it would on real
// hardware with a plug sensor fitted.
func (s *Simulator) HasPlugSensor(connectorID int) bool { return true }

// SetPlugged is the demo control surface's plug/unplug action.
func (s *Simulator) SetPlugged(connectorID int, plugged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugged[connectorID] = plugged
}

// SetEVSEReady is the demo control surface's fault-injection action.
func (s *Simulator) SetEVSEReady(connectorID int, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evseReady[connectorID] = ready
}

// AdvanceEnergy accrues energyWh for every connector in charging, as
// though elapsedSeconds had passed at a plausible, faker-chosen power
// draw for that connector's tier.
func (s *Simulator) AdvanceEnergy(charging map[int]bool, elapsedSeconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, isCharging := range charging {
		if !isCharging {
			continue
		}
		tier := s.tier[id]
		watts := fakeWatts(tier)
		s.energyWh[id] += watts * elapsedSeconds / 3600
	}
}

func fakeWatts(t powerTier) int {
	n, err := faker.RandomInt(t.minWatts, t.maxWatts, 1)
	if err != nil || len(n) == 0 {
		return t.minWatts
	}
	return n[0]
}

func fakeIndex(n int) int {
	v, err := faker.RandomInt(0, n-1, 1)
	if err != nil || len(v) == 0 {
		return 0
	}
	return v[0]
}
