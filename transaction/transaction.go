// Package transaction implements the per-session data model of spec §3:
// a Record describing one charging session's client-side and server-side
// facts plus RPC acknowledgement flags, together with the derived
// predicates every mutator must keep consistent.
package transaction

import "github.com/kochedykov/MicroOcpp/clock"

// Session is the locally-known facts about who is charging and whether
// they are authorized.
type Session struct {
	IDTag          string       `json:"idTag"`
	Authorized     bool         `json:"authorized"`
	Deauthorized   bool         `json:"deauthorized"`
	SessionStartTS clock.Anchor `json:"sessionStartTs"`
	Active         bool         `json:"active"`
	TxProfileID    int          `json:"txProfileId,omitempty"`
}

// RPCFlags tracks the at-least-once delivery state of one boundary call.
type RPCFlags struct {
	Requested bool `json:"requested"`
	Confirmed bool `json:"confirmed"`
}

// StartClient is the set of facts captured locally when starting.
type StartClient struct {
	TS            clock.Anchor `json:"ts"`
	MeterStart    int          `json:"meterStart"`
	HasMeterStart bool         `json:"hasMeterStart"`
	ReservationID int          `json:"reservationId,omitempty"`
}

// StartServer is what the Central System told us once it accepted the
// StartTransaction.
type StartServer struct {
	TransactionID int `json:"transactionId,omitempty"`
}

// Start bundles the StartTransaction boundary's RPC state, client facts,
// and server response.
type Start struct {
	RPC      RPCFlags    `json:"rpc"`
	Client   StartClient `json:"client"`
	Server   StartServer `json:"server"`
	Attempts int         `json:"attempts"`
}

// StopClient is the set of facts captured locally when ending.
type StopClient struct {
	IDTag        string       `json:"idTag"`
	TS           clock.Anchor `json:"ts"`
	MeterStop    int          `json:"meterStop"`
	HasMeterStop bool         `json:"hasMeterStop"`
	Reason       string       `json:"reason"`
}

// Stop bundles the StopTransaction boundary's RPC state and client facts.
type Stop struct {
	RPC      RPCFlags   `json:"rpc"`
	Client   StopClient `json:"client"`
	Attempts int        `json:"attempts"`
}

// Record is one charging session, persisted under the Transaction Store
// as spec §3 "Transaction".
type Record struct {
	ConnectorID int  `json:"connectorId"`
	TxNr        uint64 `json:"txNr"`
	Silent      bool `json:"silent"`

	Session Session `json:"session"`
	Start   Start   `json:"start"`
	Stop    Stop    `json:"stop"`

	// OrphanedStart records the Open-Question-1 resolution: a
	// StartTransaction that exhausted all retries without ever being
	// confirmed is force-settled as Completed without a server
	// transaction id, and no StopTransaction is ever sent for it.
	OrphanedStart bool `json:"orphanedStart,omitempty"`
}

// New allocates a fresh, empty Record for the given connector/tx_nr.
func New(connectorID int, txNr uint64, silent bool) *Record {
	return &Record{ConnectorID: connectorID, TxNr: txNr, Silent: silent}
}

// Preparing: a session has opened locally but StartTransaction has not
// yet been requested.
func (r *Record) Preparing() bool {
	return r.Session.Active && !r.Start.RPC.Requested
}

// Running: StartTransaction has been requested and StopTransaction has
// not.
func (r *Record) Running() bool {
	return r.Start.RPC.Requested && !r.Stop.RPC.Requested
}

// Completed: StopTransaction was confirmed, or the start was abandoned
// as an orphan per Open Question 1.
func (r *Record) Completed() bool {
	return r.Stop.RPC.Confirmed || r.OrphanedStart
}

// Aborted: the session closed before StartTransaction was ever
// requested; no RPCs were ever or will ever be sent for it.
func (r *Record) Aborted() bool {
	return !r.Start.RPC.Requested && !r.Session.Active
}

// IsActive mirrors session.active directly.
func (r *Record) IsActive() bool {
	return r.Session.Active
}

// Settled reports whether the record has reached a terminal state
// (Completed or Aborted) and is therefore eligible for eviction by the
// Transaction Store.
func (r *Record) Settled() bool {
	return r.Completed() || r.Aborted()
}

// SetMeterStart records the start energy reading; meter readings are
// non-negative by construction (spec §3), so a negative value leaves the
// field unset rather than corrupting it.
func (r *Record) SetMeterStart(wh int) {
	if wh < 0 {
		return
	}
	r.Start.Client.MeterStart = wh
	r.Start.Client.HasMeterStart = true
}

// SetMeterStop records the stop energy reading under the same
// non-negative constraint.
func (r *Record) SetMeterStop(wh int) {
	if wh < 0 {
		return
	}
	r.Stop.Client.MeterStop = wh
	r.Stop.Client.HasMeterStop = true
}

// ValidSilence reports whether a silent transaction has kept every RPC
// flag false, the invariant spec §3 requires throughout its life.
func (r *Record) ValidSilence() bool {
	if !r.Silent {
		return true
	}
	return !r.Start.RPC.Requested && !r.Start.RPC.Confirmed &&
		!r.Stop.RPC.Requested && !r.Stop.RPC.Confirmed
}
