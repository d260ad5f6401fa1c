package coordinator

import (
	"github.com/kochedykov/MicroOcpp/connector"
	"github.com/kochedykov/MicroOcpp/internal/config"
)

// The methods in this file satisfy registry.Ops structurally, letting the
// Operation Registry dispatch an inbound remote-controlled CALL straight
// into the Coordinator without either package importing the other.

// RemoteStartTransaction begins a pre-authorized session on connectorID,
// or on the first idle connector if connectorID is 0. Whether Authorize
// is still required depends on AuthorizeRemoteTxRequests (spec §4.7).
func (c *Coordinator) RemoteStartTransaction(connectorID int, idTag string) string {
	if connectorID == 0 {
		var free int
		for _, id := range c.connectorIDs {
			if c.store.Head(id) == nil {
				free = id
				break
			}
		}
		if free == 0 {
			return "Rejected"
		}
		connectorID = free
	}
	if c.store.Head(connectorID) != nil {
		return "Rejected"
	}

	var err error
	if c.cfg.Bool(config.KeyAuthorizeRemoteTxRequests) {
		err = c.Begin(c.currentTick, connectorID, idTag)
	} else {
		err = c.BeginAuthorized(c.currentTick, connectorID, idTag)
	}
	if err != nil {
		return "Rejected"
	}
	return "Accepted"
}

// RemoteStopTransaction ends the Running transaction carrying
// transactionID as its server-assigned id, wherever it is.
func (c *Coordinator) RemoteStopTransaction(transactionID int) string {
	rec, ok := c.store.FindByServerTransactionID(transactionID)
	if !ok {
		return "Rejected"
	}
	if err := c.End(c.currentTick, rec.ConnectorID, "Remote"); err != nil {
		return "Rejected"
	}
	return "Accepted"
}

// UnlockConnector ends any transaction Running on connectorID with reason
// "UnlockCommand", then releases the physical latch via the host's
// hardware hook.
func (c *Coordinator) UnlockConnector(connectorID int) string {
	if c.hooks.Unlock == nil {
		return "NotSupported"
	}
	if rec := c.store.Head(connectorID); rec != nil && rec.Running() {
		c.End(c.currentTick, connectorID, "UnlockCommand")
	}
	c.hooks.Unlock(connectorID)
	return "Unlocked"
}

// Reset requests a soft or hard reboot via the host's hardware hook. A
// hard reset is immediate: any active session is aborted first so its
// record settles cleanly rather than surviving as a half-open Preparing
// entry across the restart. A soft reset never interrupts a Running
// transaction; the reboot hook is deferred until every connector has
// reached its StopTransaction boundary on its own (checked every Tick).
func (c *Coordinator) Reset(hard bool) string {
	if hard {
		for _, id := range c.connectorIDs {
			if rec := c.store.Head(id); rec != nil {
				c.Abort(c.currentTick, id)
			}
		}
		if c.hooks.Reboot != nil {
			c.hooks.Reboot(true)
		}
		return "Accepted"
	}

	if c.anyRunning() {
		c.pendingSoftReset = true
		return "Accepted"
	}
	if c.hooks.Reboot != nil {
		c.hooks.Reboot(false)
	}
	return "Accepted"
}

func (c *Coordinator) anyRunning() bool {
	for _, id := range c.connectorIDs {
		if rec := c.store.Head(id); rec != nil && rec.Running() {
			return true
		}
	}
	return false
}

// ChangeAvailability records connectorID's operator-set availability. A
// Running transaction defers the change (OCPP 1.6 "Scheduled") rather
// than interrupting a paying session; anything else takes effect
// immediately.
func (c *Coordinator) ChangeAvailability(connectorID int, inoperative bool) string {
	target := connector.Operative
	if inoperative {
		target = connector.Inoperative
	}
	if rec := c.store.Head(connectorID); rec != nil && rec.Running() {
		c.availability[connectorID] = target
		return "Scheduled"
	}
	c.availability[connectorID] = target
	return "Accepted"
}

// ClearCache empties the local authorization cache authCache populates
// from Authorize/StartTransaction confirmations, per spec §4.7's
// "delegate to config/auth-cache stores". Every idTag will need a fresh
// Authorize round-trip (or remote pre-authorization) after this.
func (c *Coordinator) ClearCache() string {
	c.authCache = make(map[string]string)
	return "Accepted"
}

// TriggerMessage asks the host to resend requestedMessage out-of-band.
// The Coordinator has no sender of its own for BootNotification/
// Heartbeat/StatusNotification/MeterValues, so it defers entirely to the
// host's Hooks.Trigger.
func (c *Coordinator) TriggerMessage(requestedMessage string, connectorID int) string {
	if c.hooks.Trigger == nil || !c.hooks.Trigger(requestedMessage, connectorID) {
		return "NotImplemented"
	}
	return "Accepted"
}
