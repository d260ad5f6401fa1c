// Package coordinator implements the Transaction Coordinator of spec
// §4.6 and the remote-controlled operations of §4.7: it is the only
// component that mutates a transaction.Record, orchestrating
// Authorize -> StartTransaction -> StopTransaction against the
// Connector State Machine and the Transaction Store.
package coordinator

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/kochedykov/MicroOcpp/clock"
	"github.com/kochedykov/MicroOcpp/connector"
	"github.com/kochedykov/MicroOcpp/internal/config"
	"github.com/kochedykov/MicroOcpp/internal/obslog"
	"github.com/kochedykov/MicroOcpp/internal/ocpperr"
	"github.com/kochedykov/MicroOcpp/registry"
	"github.com/kochedykov/MicroOcpp/rpc"
	"github.com/kochedykov/MicroOcpp/store"
	"github.com/kochedykov/MicroOcpp/transaction"
)

// Hardware is the out-of-scope "hardware inputs" collaborator of spec §1:
// plug presence, EVSE readiness, and the energy meter, per connector.
type Hardware interface {
	Plugged(connectorID int) bool
	EVSEReady(connectorID int) bool
	MeterReading(connectorID int) int
	HasPlugSensor(connectorID int) bool
}

// Hooks are the host side effects the Coordinator triggers: unlocking a
// connector's physical latch, rebooting the host, and resending a message
// on demand.
type Hooks struct {
	Unlock func(connectorID int)
	Reboot func(hard bool)

	// Trigger asks the host to emit the named message out-of-band (spec
	// §4.7 TriggerMessage), returning false if that message type is not
	// one the host knows how to resend on demand.
	Trigger func(requestedMessage string, connectorID int) bool
}

// Coordinator is the engine's single Transaction Coordinator, one
// instance serving every connector.
type Coordinator struct {
	clock *clock.Clock
	store *store.Store
	cfg   *config.Registry
	rpc   *rpc.Engine
	hw    Hardware
	hooks Hooks
	log   *log.Entry

	// authCache is the local authorization cache spec §4.6 step 3 and
	// §4.7's ClearCache refer to: idTag -> last known IdTagInfo.status.
	authCache map[string]string

	// prepStartTick records, per connector, the tick at which a session
	// most recently became active without a plug yet confirmed, for the
	// ConnectionTimeOut silent-abort rule.
	prepStartTick map[int]clock.Tick

	// queued tracks which (connector, tx_nr, boundary) triples already
	// have an outstanding rpc.Engine request, so a retried
	// anchor-resolution attempt (resolvePending) never double-enqueues a
	// call that is already in flight or already confirmed.
	queued map[string]bool

	wasClockValid bool

	// currentTick is refreshed on every Tick call so the synchronous
	// Ops methods (driven by an inbound CALL handled mid-Tick) can anchor
	// a freshly-started session without threading a tick parameter
	// through the registry.Ops interface.
	currentTick clock.Tick

	connectorIDs []int
	availability map[int]connector.Availability

	// pendingSoftReset records a Soft Reset request that is waiting for
	// every connector's Running transaction to reach its StopTransaction
	// boundary on its own before the reboot hook fires.
	pendingSoftReset bool
}

// New wires a Coordinator against its collaborators.
func New(c *clock.Clock, s *store.Store, cfg *config.Registry, engine *rpc.Engine, hw Hardware, hooks Hooks) *Coordinator {
	return &Coordinator{
		clock:         c,
		store:         s,
		cfg:           cfg,
		rpc:           engine,
		hw:            hw,
		hooks:         hooks,
		authCache:     make(map[string]string),
		prepStartTick: make(map[int]clock.Tick),
		queued:        make(map[string]bool),
		availability:  make(map[int]connector.Availability),
		log:           obslog.New("coordinator"),
	}
}

// SetConnectors tells the Coordinator which connector ids exist, for
// RemoteStartTransaction's "any connector" case and for iterating
// ConnectionTimeOut checks in Tick.
func (c *Coordinator) SetConnectors(ids []int) {
	c.connectorIDs = ids
}

// Availability reports connectorID's operator-set availability, for the
// host to fold into the Connector State Machine's Inputs.
func (c *Coordinator) Availability(connectorID int) connector.Availability {
	if a, ok := c.availability[connectorID]; ok {
		return a
	}
	return connector.Operative
}

func queueKey(connectorID int, txNr uint64, boundary string) string {
	return fmt.Sprintf("%d:%d:%s", connectorID, txNr, boundary)
}

// Begin opens a session without presuming authorization: Authorize is
// enqueued and `authorized` is set once the Central System (or the local
// cache) answers.
func (c *Coordinator) Begin(tick clock.Tick, connectorID int, idTag string) error {
	return c.begin(tick, connectorID, idTag, false)
}

// BeginAuthorized opens a session that is already known to be
// authorized (e.g. RemoteStartTransaction), skipping the Authorize call.
func (c *Coordinator) BeginAuthorized(tick clock.Tick, connectorID int, idTag string) error {
	return c.begin(tick, connectorID, idTag, true)
}

func (c *Coordinator) begin(tick clock.Tick, connectorID int, idTag string, preAuthorized bool) error {
	if head := c.store.Head(connectorID); head != nil {
		return ocpperr.ErrBusy
	}

	rec, err := c.store.Allocate(connectorID)
	if err != nil {
		return err
	}

	rec.Session.IDTag = idTag
	rec.Session.SessionStartTS = c.clock.Capture(tick)
	rec.Session.Active = true
	c.prepStartTick[connectorID] = tick

	switch {
	case preAuthorized:
		rec.Session.Authorized = true
	case c.localAuthorize(idTag):
		rec.Session.Authorized = true
	default:
		rec.Session.Authorized = false
		c.enqueueAuthorize(rec)
	}

	if err := c.store.Commit(rec); err != nil {
		return err
	}
	c.tryStart(tick, rec)
	return nil
}

func (c *Coordinator) localAuthorize(idTag string) bool {
	if c.cfg.Bool(config.KeyLocalPreAuthorize) {
		if status, ok := c.authCache[idTag]; ok && status == registry.AuthAccepted {
			return true
		}
	}
	return false
}

func (c *Coordinator) enqueueAuthorize(rec *transaction.Record) {
	if rec.Silent {
		rec.Session.Authorized = true
		return
	}
	err := c.rpc.Enqueue("Authorize", &registry.AuthorizeRequest{IdTag: rec.Session.IDTag}, rpc.SendOptions{
		OnResult: func(payload json.RawMessage) {
			var conf registry.AuthorizeConfirmation
			if err := json.Unmarshal(payload, &conf); err != nil {
				c.log.WithError(err).Warn("malformed AuthorizeConfirmation")
				return
			}
			c.authCache[rec.Session.IDTag] = conf.IdTagInfo.Status
			if conf.IdTagInfo.Status == registry.AuthAccepted {
				rec.Session.Authorized = true
			} else {
				rec.Session.Deauthorized = true
			}
			c.store.Commit(rec)
			c.tryStart(c.currentTick, rec)
		},
		OnError: func(e *ocpperr.Error) {
			c.log.WithError(e).WithField("idTag", rec.Session.IDTag).Warn("Authorize failed")
		},
	})
	if err != nil {
		c.log.WithError(err).Error("failed to enqueue Authorize")
	}
}

// tryStart enqueues StartTransaction once every starting condition of
// spec §4.6 holds. tick is only consulted when the transition actually
// fires; callers triggered by an RPC response callback pass currentTick,
// the tick of the Tick call the callback runs inside.
func (c *Coordinator) tryStart(tick clock.Tick, rec *transaction.Record) {
	if rec.Start.RPC.Requested {
		return
	}
	if !rec.Session.Active || !rec.Session.Authorized {
		return
	}
	if rec.Session.Deauthorized {
		return
	}
	if c.hw.HasPlugSensor(rec.ConnectorID) && !c.hw.Plugged(rec.ConnectorID) {
		return
	}

	rec.Start.Client.TS = c.clock.Capture(tick)
	rec.SetMeterStart(c.hw.MeterReading(rec.ConnectorID))
	rec.Start.RPC.Requested = true
	if err := c.store.Commit(rec); err != nil {
		c.log.WithError(err).WithField("connectorId", rec.ConnectorID).
			Error("failed to durably commit StartTransaction, aborting session")
		rec.Start.RPC.Requested = false
		c.Abort(tick, rec.ConnectorID)
		return
	}
	c.tryEnqueueStart(rec)
}

func (c *Coordinator) tryEnqueueStart(rec *transaction.Record) {
	k := queueKey(rec.ConnectorID, rec.TxNr, "start")
	if c.queued[k] {
		return
	}
	if rec.Silent {
		rec.Start.RPC.Confirmed = true
		c.store.Commit(rec)
		return
	}
	wall, resolved := c.clock.ResolveAnchor(rec.Start.Client.TS)
	if !resolved {
		return
	}

	c.queued[k] = true
	payload := &registry.StartTransactionRequest{
		ConnectorId: rec.ConnectorID,
		IdTag:       rec.Session.IDTag,
		MeterStart:  rec.Start.Client.MeterStart,
		Timestamp:   wall.FormatISO8601(),
	}
	err := c.rpc.Enqueue("StartTransaction", payload, rpc.SendOptions{
		Boundary:             true,
		MaxAttempts:          c.cfg.Int(config.KeyTransactionMessageAttempts),
		RetryIntervalSeconds: c.cfg.Int(config.KeyTransactionMessageRetryInterval),
		OnResult: func(p json.RawMessage) {
			delete(c.queued, k)
			var conf registry.StartTransactionConfirmation
			if err := json.Unmarshal(p, &conf); err != nil {
				c.log.WithError(err).Warn("malformed StartTransactionConfirmation")
				return
			}
			rec.Start.Server.TransactionID = conf.TransactionId
			rec.Start.RPC.Confirmed = true
			c.authCache[rec.Session.IDTag] = conf.IdTagInfo.Status
			c.store.Commit(rec)
			if conf.IdTagInfo.Status != registry.AuthAccepted && c.cfg.Bool(config.KeyStopTransactionOnInvalidId) {
				c.End(c.currentTick, rec.ConnectorID, "Other")
				return
			}
			c.tryEnqueueStop(rec)
		},
		OnError: func(e *ocpperr.Error) {
			delete(c.queued, k)
			rec.Start.Attempts++
			if rec.Start.Attempts >= c.cfg.Int(config.KeyTransactionMessageAttempts) {
				c.log.WithField("connectorId", rec.ConnectorID).WithField("txNr", rec.TxNr).
					Warn("StartTransaction rejected and attempts exhausted, orphaning transaction")
				rec.OrphanedStart = true
				c.store.Commit(rec)
				return
			}
			c.store.Commit(rec)
			c.tryEnqueueStart(rec)
		},
		OnTimeout: func() {
			delete(c.queued, k)
			c.log.WithField("connectorId", rec.ConnectorID).WithField("txNr", rec.TxNr).
				Warn("StartTransaction exhausted retries, orphaning transaction")
			rec.OrphanedStart = true
			c.store.Commit(rec)
		},
	})
	if err != nil {
		delete(c.queued, k)
		c.log.WithError(err).Error("failed to enqueue StartTransaction")
	}
}

// End closes the session on connectorID. tick is used only when the
// stop timestamp must be freshly captured; an RPC response callback
// passes currentTick.
func (c *Coordinator) End(tick clock.Tick, connectorID int, reason string) error {
	rec := c.store.Head(connectorID)
	if rec == nil {
		return ocpperr.ErrNotFound
	}

	rec.Session.Active = false
	delete(c.prepStartTick, connectorID)
	rec.Stop.Client.Reason = reason

	if !rec.Start.RPC.Requested {
		// Never started: Aborted, no RPC ever emitted for this record.
		return c.store.Commit(rec)
	}

	rec.Stop.Client.IDTag = rec.Session.IDTag
	rec.Stop.Client.TS = c.stopAnchor(tick, rec)
	rec.SetMeterStop(c.hw.MeterReading(connectorID))
	rec.Stop.RPC.Requested = true
	if err := c.store.Commit(rec); err != nil {
		return err
	}
	c.tryEnqueueStop(rec)
	return nil
}

// stopAnchor implements spec §4.6's S6 fallback: if the clock is invalid
// when end() runs but the start timestamp is already resolved, the stop
// timestamp is derived as start+1s rather than captured as a second,
// independently unresolvable pending tick.
func (c *Coordinator) stopAnchor(tick clock.Tick, rec *transaction.Record) clock.Anchor {
	if c.clock.Valid() {
		return c.clock.Capture(tick)
	}
	if rec.Start.Client.TS.Resolved {
		return clock.Anchor{Resolved: true, Wall: rec.Start.Client.TS.Wall.Add(1)}
	}
	return c.clock.Capture(tick)
}

func (c *Coordinator) tryEnqueueStop(rec *transaction.Record) {
	if !rec.Start.RPC.Confirmed && !rec.OrphanedStart {
		return // Start before Stop ordering guarantee (spec §4.3).
	}
	if rec.OrphanedStart {
		return // no StopTransaction is ever sent for an orphaned start.
	}
	if !rec.Stop.RPC.Requested {
		return
	}
	k := queueKey(rec.ConnectorID, rec.TxNr, "stop")
	if c.queued[k] {
		return
	}
	if rec.Silent {
		rec.Stop.RPC.Confirmed = true
		c.store.Commit(rec)
		return
	}
	wall, resolved := c.clock.ResolveAnchor(rec.Stop.Client.TS)
	if !resolved {
		return
	}

	c.queued[k] = true
	payload := &registry.StopTransactionRequest{
		TransactionId: rec.Start.Server.TransactionID,
		IdTag:         rec.Stop.Client.IDTag,
		MeterStop:     rec.Stop.Client.MeterStop,
		Timestamp:     wall.FormatISO8601(),
		Reason:        rec.Stop.Client.Reason,
	}
	err := c.rpc.Enqueue("StopTransaction", payload, rpc.SendOptions{
		Boundary:             true,
		MaxAttempts:          c.cfg.Int(config.KeyTransactionMessageAttempts),
		RetryIntervalSeconds: c.cfg.Int(config.KeyTransactionMessageRetryInterval),
		OnResult: func(p json.RawMessage) {
			delete(c.queued, k)
			rec.Stop.RPC.Confirmed = true
			c.store.Commit(rec)
		},
		OnError: func(e *ocpperr.Error) {
			delete(c.queued, k)
			c.log.WithError(e).WithField("txNr", rec.TxNr).Warn("StopTransaction rejected")
			c.store.Commit(rec)
		},
		OnTimeout: func() {
			delete(c.queued, k)
			c.log.WithField("txNr", rec.TxNr).Warn("StopTransaction exhausted retries")
		},
	})
	if err != nil {
		delete(c.queued, k)
		c.log.WithError(err).Error("failed to enqueue StopTransaction")
	}
}

// Abort ends a session that may never have reached Running. If
// StartTransaction was never requested, the transaction settles as
// Aborted without ever emitting an RPC; otherwise this is identical to
// End with reason "Other".
func (c *Coordinator) Abort(tick clock.Tick, connectorID int) error {
	rec := c.store.Head(connectorID)
	if rec == nil {
		return ocpperr.ErrNotFound
	}
	if !rec.Start.RPC.Requested {
		rec.Session.Active = false
		delete(c.prepStartTick, connectorID)
		return c.store.Commit(rec)
	}
	return c.End(tick, connectorID, "Other")
}

// Tick drives the ConnectionTimeOut silent-abort rule, resolves every
// pending-anchor transaction boundary deferred while the clock was
// invalid (on the first tick after it becomes valid), and fires a
// deferred Soft Reset once every connector's Running transaction has
// settled on its own. Call this once per engine Tick, before
// dispatching any inbound CALL, so RemoteStartTransaction et al. see a
// fresh currentTick.
func (c *Coordinator) Tick(tick clock.Tick) {
	c.currentTick = tick

	for _, connectorID := range c.connectorIDs {
		c.checkConnectionTimeOut(tick, connectorID)
	}

	if c.clock.Valid() && !c.wasClockValid {
		c.resolvePending(c.connectorIDs)
	}
	c.wasClockValid = c.clock.Valid()

	if c.pendingSoftReset && !c.anyRunning() {
		c.pendingSoftReset = false
		if c.hooks.Reboot != nil {
			c.hooks.Reboot(false)
		}
	}
}

func (c *Coordinator) checkConnectionTimeOut(tick clock.Tick, connectorID int) {
	rec := c.store.Head(connectorID)
	if rec == nil || !rec.Session.Active || rec.Start.RPC.Requested {
		return
	}
	if c.hw.HasPlugSensor(connectorID) && c.hw.Plugged(connectorID) {
		delete(c.prepStartTick, connectorID)
		return
	}
	since, ok := c.prepStartTick[connectorID]
	if !ok {
		c.prepStartTick[connectorID] = tick
		return
	}
	limitSeconds := c.cfg.Int(config.KeyConnectionTimeOut)
	if int64(tick-since) >= int64(limitSeconds)*1000 {
		c.log.WithField("connectorId", connectorID).Info("ConnectionTimeOut elapsed, silently aborting")
		c.Abort(tick, connectorID)
	}
}

func (c *Coordinator) resolvePending(connectorIDs []int) {
	for _, connectorID := range connectorIDs {
		rec := c.store.Head(connectorID)
		if rec == nil || rec.Settled() {
			continue
		}
		if rec.Start.RPC.Requested && !rec.Start.RPC.Confirmed {
			c.tryEnqueueStart(rec)
		}
		if rec.Stop.RPC.Requested && !rec.Stop.RPC.Confirmed {
			c.tryEnqueueStop(rec)
		}
	}
}

// Bootstrap re-enqueues every boundary the Transaction Store reconstructed
// as outstanding after LoadAll, in tx_nr order, as spec §4.3 requires.
func (c *Coordinator) Bootstrap() {
	for _, rec := range c.store.PendingBoundaries() {
		if rec.Start.RPC.Requested && !rec.Start.RPC.Confirmed {
			c.tryEnqueueStart(rec)
		}
		if rec.Stop.RPC.Requested && !rec.Stop.RPC.Confirmed {
			c.tryEnqueueStop(rec)
		}
	}
}
