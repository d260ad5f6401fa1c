// Package connector implements the Connector State Machine of spec §4.5:
// priority-ordered state derivation, StatusNotification debounce, and
// connection-loss coalescing.
package connector

import (
	"github.com/kochedykov/MicroOcpp/clock"
)

// State is one of the nine OCPP 1.6 connector statuses.
type State string

const (
	Available     State = "Available"
	Preparing     State = "Preparing"
	Charging      State = "Charging"
	SuspendedEV   State = "SuspendedEV"
	SuspendedEVSE State = "SuspendedEVSE"
	Finishing     State = "Finishing"
	Reserved      State = "Reserved"
	Unavailable   State = "Unavailable"
	Faulted       State = "Faulted"
)

// Availability is the operator-controlled availability of a connector,
// set by ChangeAvailability.
type Availability string

const (
	Operative   Availability = "Operative"
	Inoperative Availability = "Inoperative"
)

// Inputs bundles every fact the transition function reads, per spec §4.5.
type Inputs struct {
	Plugged             bool
	EVSEReady           bool
	Faulted             bool
	SessionActive       bool
	TransactionRunning  bool
	ReservationActive   bool
	Availability        Availability
	EndingSessionGrace  bool // a transaction has ended locally but is not yet confirmed settled
}

// Transition derives the target State from Inputs, priority top-to-bottom
// per spec §4.5, first match wins.
//
// EndingSessionGrace is checked ahead of the SessionActive/Plugged check
// that drives Preparing: a transaction that has just ended still has
// Plugged true and SessionActive false, and without this ordering it
// would be reported as Preparing again rather than Finishing.
func Transition(in Inputs) State {
	switch {
	case in.Faulted:
		return Faulted
	case in.Availability == Inoperative && !in.TransactionRunning:
		return Unavailable
	case in.ReservationActive && !in.TransactionRunning:
		return Reserved
	case in.TransactionRunning && in.EVSEReady && in.Plugged:
		return Charging
	case in.TransactionRunning && !in.EVSEReady:
		return SuspendedEVSE
	case in.TransactionRunning && !in.Plugged:
		return SuspendedEV
	case in.EndingSessionGrace && in.Plugged:
		return Finishing
	case in.SessionActive || in.Plugged:
		return Preparing
	default:
		return Available
	}
}

// StateMachine tracks one connector's derived state, its last-reported
// shadow, and the pending debounce/coalescing bookkeeping of spec §4.5.
type StateMachine struct {
	ConnectorID int

	state         State
	reportedState State

	pendingSince   clock.Tick
	havePending    bool
	debounceTarget State

	// offline is the latest status generated while disconnected, retained
	// for coalesced emission on reconnect (spec "Connection-loss semantics").
	offline      State
	haveOffline  bool
}

// New returns a StateMachine starting in Available, matching the boot
// default before any input has been observed.
func New(connectorID int) *StateMachine {
	return &StateMachine{ConnectorID: connectorID, state: Available, reportedState: Available}
}

// State returns the connector's currently derived state.
func (m *StateMachine) State() State { return m.state }

// ReportedState returns the last state a StatusNotification was
// confirmed for, or is currently in flight for.
func (m *StateMachine) ReportedState() State { return m.reportedState }

// Observe applies new Inputs at tick, updating the derived state and
// debounce bookkeeping. It returns the StatusNotification target to
// enqueue now, or ("", false) if nothing should be sent yet.
//
// REDESIGN-1: the debounce timer is reset, never accumulated, on every
// intermediate change; a flapping sequence reports only its final stable
// value, never an intermediate one.
func (m *StateMachine) Observe(in Inputs, tick clock.Tick, minimumStatusDurationSeconds int, connected bool) (State, bool) {
	target := Transition(in)

	if target != m.state {
		m.state = target
		m.pendingSince = tick
		m.havePending = true
		m.debounceTarget = target
	}

	if !m.havePending {
		return "", false
	}

	elapsedSeconds := int64(tick-m.pendingSince) / 1000
	if elapsedSeconds < int64(minimumStatusDurationSeconds) {
		return "", false
	}
	if m.debounceTarget == m.reportedState {
		m.havePending = false
		return "", false
	}

	m.havePending = false
	if !connected {
		m.offline = m.debounceTarget
		m.haveOffline = true
		return "", false
	}
	m.reportedState = m.debounceTarget
	return m.debounceTarget, true
}

// Reconnected returns the coalesced status generated while offline, if
// any, clearing it so it is only ever emitted once.
func (m *StateMachine) Reconnected() (State, bool) {
	if !m.haveOffline {
		return "", false
	}
	m.haveOffline = false
	m.reportedState = m.offline
	return m.offline, true
}

// ConfirmReport sets the reported-state shadow to state. Observe and
// Reconnected advance that shadow themselves when they return a status to
// send; a caller that sends a StatusNotification outside those paths (the
// boot announcement) uses this so Observe does not report the same state
// again.
func (m *StateMachine) ConfirmReport(state State) {
	m.reportedState = state
}
