// Package ocpp is the Engine façade spec §9's "Global state" design note
// calls for: an explicit object wiring the Clock, Transaction Store, RPC
// Engine, Operation Registry, Connector State Machine and Transaction
// Coordinator together, driven by a single Tick entry point per spec §5's
// cooperative scheduling model. Hosts construct one Engine per charge
// point; nothing here is process-global, so tests may build and discard
// independent Engines sequentially.
package ocpp

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/kochedykov/MicroOcpp/clock"
	"github.com/kochedykov/MicroOcpp/connector"
	"github.com/kochedykov/MicroOcpp/coordinator"
	"github.com/kochedykov/MicroOcpp/internal/config"
	"github.com/kochedykov/MicroOcpp/internal/obslog"
	"github.com/kochedykov/MicroOcpp/internal/ocpperr"
	"github.com/kochedykov/MicroOcpp/internal/storage"
	"github.com/kochedykov/MicroOcpp/registry"
	"github.com/kochedykov/MicroOcpp/rpc"
	"github.com/kochedykov/MicroOcpp/store"
)

// BootInfo is the identifying information sent in BootNotification,
// supplied by the host at construction (the out-of-scope "hardware
// inputs" collaborator, per spec §1, owns the real serial number/
// firmware version; a demo host may fabricate plausible values instead).
type BootInfo struct {
	Model           string
	Vendor          string
	SerialNumber    string
	FirmwareVersion string
}

// Engine wires every core component against one charge point's hardware
// and persistence. The exported component fields let a host reach past
// the façade for diagnostics (e.g. dumping Store contents to an HTTP
// table) without this package needing to re-expose every method.
type Engine struct {
	Clock       *clock.Clock
	Store       *store.Store
	Config      *config.Registry
	RPC         *rpc.Engine
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator

	adapter      storage.Adapter
	hw           coordinator.Hardware
	connectors   map[int]*connector.StateMachine
	connectorIDs []int
	boot         BootInfo

	booted             bool
	bootPending        bool
	heartbeatPending   bool
	announceBootStatus bool
	wasConnected       bool
	currentTick      clock.Tick
	lastHeartbeat    clock.Tick
	lastMeterSample  map[int]clock.Tick

	log *log.Entry
}

// NewEngine constructs an Engine for the connectors in connectorIDs
// (caller-chosen numbering; OCPP convention reserves 0 for the charge
// point itself, but this library is agnostic to that and lets the host
// decide). It loads any persisted configuration and transaction state
// from adapter and re-enqueues every outstanding transaction boundary
// found there (spec §4.3 "Bootstrap"), so a restart recovers exactly
// where it left off.
func NewEngine(adapter storage.Adapter, bootEpoch string, connectorIDs []int, hw coordinator.Hardware, hooks coordinator.Hooks, boot BootInfo) (*Engine, error) {
	cfg := config.New(adapter, config.DefaultPath)
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("ocpp: load configuration: %w", err)
	}
	cfg.SetInt(config.KeyNumberOfConnectors, len(connectorIDs))

	clk := clock.NewClockWithEpoch(bootEpoch)
	st := store.New(adapter, bootEpoch, 0)
	if err := st.LoadAll(); err != nil {
		return nil, fmt.Errorf("ocpp: load transactions: %w", err)
	}

	reg := registry.New()
	rpcEngine := rpc.New(reg)
	coord := coordinator.New(clk, st, cfg, rpcEngine, hw, hooks)
	coord.SetConnectors(connectorIDs)
	registry.RegisterBuiltins(reg, coord, cfg)

	connectors := make(map[int]*connector.StateMachine, len(connectorIDs))
	for _, id := range connectorIDs {
		connectors[id] = connector.New(id)
	}

	e := &Engine{
		Clock:           clk,
		Store:           st,
		Config:          cfg,
		RPC:             rpcEngine,
		Registry:        reg,
		Coordinator:     coord,
		adapter:         adapter,
		hw:              hw,
		connectors:      connectors,
		connectorIDs:    connectorIDs,
		boot:            boot,
		lastMeterSample: make(map[int]clock.Tick),
		log:             obslog.New("engine"),
	}
	coord.Bootstrap()
	return e, nil
}

// SetTransport attaches the Transport the RPC Engine sends/polls
// through. Safe to call again after a reconnect with a fresh Transport.
func (e *Engine) SetTransport(t rpc.Transport) {
	e.RPC.SetTransport(t)
}

// Close flushes any pending configuration changes. It does not close
// adapter; the host owns that lifecycle (e.g. a badger.DB it also uses
// for other things).
func (e *Engine) Close() error {
	return e.Config.Flush()
}

// Tick drives every time-dependent piece of the engine exactly once:
// the Transaction Coordinator's ConnectionTimeOut/anchor-resolution
// checks, the RPC Engine's inbound dispatch and outbound retry/send, and
// this façade's own BootNotification/Heartbeat/StatusNotification/
// MeterValues emission. Must be called frequently by the host; spec §5
// treats this as the only scheduling primitive the core needs.
func (e *Engine) Tick(tick clock.Tick) {
	e.currentTick = tick
	e.Coordinator.Tick(tick)
	e.RPC.Tick(tick)

	e.emitBootNotification()
	e.emitHeartbeat()
	e.emitStatusNotifications()
	e.emitMeterValues()
}

// Begin, BeginAuthorized, End and Abort forward to the Coordinator,
// stamping the call with the tick most recently passed to Tick so a
// host-driven call arriving between ticks (e.g. from an HTTP handler)
// still anchors correctly.
func (e *Engine) Begin(connectorID int, idTag string) error {
	return e.Coordinator.Begin(e.currentTick, connectorID, idTag)
}

func (e *Engine) BeginAuthorized(connectorID int, idTag string) error {
	return e.Coordinator.BeginAuthorized(e.currentTick, connectorID, idTag)
}

func (e *Engine) End(connectorID int, reason string) error {
	return e.Coordinator.End(e.currentTick, connectorID, reason)
}

func (e *Engine) Abort(connectorID int) error {
	return e.Coordinator.Abort(e.currentTick, connectorID)
}

// ConnectorState reports connectorID's currently derived state, or ""
// if connectorID is not one this Engine was constructed with.
func (e *Engine) ConnectorState(connectorID int) connector.State {
	sm, ok := e.connectors[connectorID]
	if !ok {
		return ""
	}
	return sm.State()
}

// IsOperative reports whether connectorID is neither Faulted nor
// administratively Unavailable.
func (e *Engine) IsOperative(connectorID int) bool {
	switch e.ConnectorState(connectorID) {
	case connector.Faulted, connector.Unavailable:
		return false
	default:
		return true
	}
}

// ChargePermitted reports whether connectorID is actually delivering
// energy right now.
func (e *Engine) ChargePermitted(connectorID int) bool {
	return e.ConnectorState(connectorID) == connector.Charging
}

func (e *Engine) emitBootNotification() {
	if e.booted || e.bootPending || !e.RPC.Connected() {
		return
	}
	e.bootPending = true
	payload := &registry.BootNotificationRequest{
		ChargePointModel:        e.boot.Model,
		ChargePointVendor:       e.boot.Vendor,
		ChargePointSerialNumber: e.boot.SerialNumber,
		FirmwareVersion:         e.boot.FirmwareVersion,
	}
	err := e.RPC.Enqueue("BootNotification", payload, rpc.SendOptions{
		OnResult: func(p json.RawMessage) {
			e.bootPending = false
			var conf registry.BootNotificationConfirmation
			if err := json.Unmarshal(p, &conf); err != nil {
				e.log.WithError(err).Warn("malformed BootNotificationConfirmation")
				return
			}
			if conf.Status != registry.AuthAccepted && conf.Status != "Pending" {
				e.log.WithField("status", conf.Status).Warn("BootNotification rejected")
				return
			}
			if err := e.Clock.Set(conf.CurrentTime, e.currentTick); err != nil {
				e.log.WithError(err).Warn("failed to parse BootNotification currentTime")
			}
			if conf.Interval > 0 {
				e.Config.SetInt(config.KeyHeartbeatInterval, conf.Interval)
			}
			e.lastHeartbeat = e.currentTick
			e.booted = true
			e.announceBootStatus = true
		},
		OnError:   func(*ocpperr.Error) { e.bootPending = false },
		OnTimeout: func() { e.bootPending = false },
	})
	if err != nil {
		e.bootPending = false
		e.log.WithError(err).Error("failed to enqueue BootNotification")
	}
}

func (e *Engine) emitHeartbeat() {
	if !e.booted || e.heartbeatPending {
		return
	}
	interval := clock.Tick(e.Config.Int(config.KeyHeartbeatInterval)) * 1000
	if interval <= 0 || e.currentTick-e.lastHeartbeat < interval {
		return
	}
	e.heartbeatPending = true
	e.lastHeartbeat = e.currentTick
	err := e.RPC.Enqueue("Heartbeat", &registry.HeartbeatRequest{}, rpc.SendOptions{
		OnResult: func(p json.RawMessage) {
			e.heartbeatPending = false
			if e.Clock.Valid() {
				return
			}
			var conf registry.HeartbeatConfirmation
			if err := json.Unmarshal(p, &conf); err == nil {
				e.Clock.Set(conf.CurrentTime, e.currentTick)
			}
		},
		OnError:   func(*ocpperr.Error) { e.heartbeatPending = false },
		OnTimeout: func() { e.heartbeatPending = false },
	})
	if err != nil {
		e.heartbeatPending = false
		e.log.WithError(err).Error("failed to enqueue Heartbeat")
	}
}

func (e *Engine) emitStatusNotifications() {
	reconnected := e.RPC.Connected() && !e.wasConnected
	e.wasConnected = e.RPC.Connected()
	minDuration := e.Config.Int(config.KeyMinimumStatusDuration)

	if e.announceBootStatus {
		e.announceBootStatus = false
		for _, id := range e.connectorIDs {
			sm := e.connectors[id]
			sm.ConfirmReport(sm.State())
			e.sendStatusNotification(id, sm.State())
		}
		return
	}

	for _, id := range e.connectorIDs {
		sm := e.connectors[id]
		if reconnected {
			if st, ok := sm.Reconnected(); ok {
				e.sendStatusNotification(id, st)
			}
		}
		if st, ok := sm.Observe(e.inputsFor(id), e.currentTick, minDuration, e.RPC.Connected()); ok {
			e.sendStatusNotification(id, st)
		}
	}
}

func (e *Engine) inputsFor(connectorID int) connector.Inputs {
	head := e.Store.Head(connectorID)
	return connector.Inputs{
		Plugged:            e.hw.Plugged(connectorID),
		EVSEReady:          e.hw.EVSEReady(connectorID),
		SessionActive:      head != nil && head.Session.Active,
		TransactionRunning: head != nil && head.Running(),
		Availability:       e.Coordinator.Availability(connectorID),
		EndingSessionGrace: head != nil && head.Start.RPC.Requested && head.Stop.RPC.Requested && !head.Stop.RPC.Confirmed,
	}
}

func (e *Engine) sendStatusNotification(connectorID int, state connector.State) {
	payload := &registry.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   "NoError",
		Status:      string(state),
		Timestamp:   e.wallOrEmpty(),
	}
	if err := e.RPC.Enqueue("StatusNotification", payload, rpc.SendOptions{}); err != nil {
		e.log.WithError(err).WithField("connectorId", connectorID).Error("failed to enqueue StatusNotification")
	}
}

func (e *Engine) emitMeterValues() {
	interval := clock.Tick(e.Config.Int(config.KeyMeterValueSampleInterval)) * 1000
	if interval <= 0 {
		return
	}
	for _, id := range e.connectorIDs {
		rec := e.Store.Head(id)
		if rec == nil || !rec.Running() {
			delete(e.lastMeterSample, id)
			continue
		}
		last, seen := e.lastMeterSample[id]
		if seen && e.currentTick-last < interval {
			continue
		}
		e.lastMeterSample[id] = e.currentTick

		payload := &registry.MeterValuesRequest{
			ConnectorId:   id,
			TransactionId: rec.Start.Server.TransactionID,
			MeterValue: []registry.MeterValueGroup{{
				Timestamp:    e.wallOrEmpty(),
				SampledValue: []registry.SampledValue{{Value: fmt.Sprintf("%d", e.hw.MeterReading(id))}},
			}},
		}
		if err := e.RPC.Enqueue("MeterValues", payload, rpc.SendOptions{}); err != nil {
			e.log.WithError(err).WithField("connectorId", id).Error("failed to enqueue MeterValues")
		}
	}
}

// Trigger re-sends requestedMessage out-of-band on demand, per spec
// §4.7 TriggerMessage. It is meant to be wired into the Hooks.Trigger
// this Engine was constructed with, since the Coordinator that handles
// the inbound TriggerMessage CALL has no sender of its own for any of
// these messages.
func (e *Engine) Trigger(requestedMessage string, connectorID int) bool {
	switch requestedMessage {
	case "BootNotification":
		e.booted = false
		e.bootPending = false
	case "Heartbeat":
		e.heartbeatPending = false
		e.lastHeartbeat = e.currentTick - clock.Tick(e.Config.Int(config.KeyHeartbeatInterval))*1000
	case "StatusNotification":
		if _, ok := e.connectors[connectorID]; !ok {
			return false
		}
		sm := e.connectors[connectorID]
		sm.ConfirmReport(sm.State())
		e.sendStatusNotification(connectorID, sm.State())
	case "MeterValues":
		if _, ok := e.connectors[connectorID]; !ok {
			return false
		}
		delete(e.lastMeterSample, connectorID)
	default:
		return false
	}
	return true
}

func (e *Engine) wallOrEmpty() string {
	if !e.Clock.Valid() {
		return ""
	}
	return e.Clock.Now(e.currentTick).FormatISO8601()
}
