// Package obslog wires logrus the way the teacher's main.go does: a
// package-level standard logger, narrowed per-component with WithField,
// and errors attached with WithError rather than interpolated into the
// message string.
package obslog

import (
	log "github.com/sirupsen/logrus"
)

// New returns a component-scoped logger. component is usually a short
// package name ("rpc", "coordinator", "connector"); callers add further
// fields (connector id, tx_nr, messageId) at the call site.
func New(component string) *log.Entry {
	return log.StandardLogger().WithField("component", component)
}

// NewWith wires a caller-supplied base logger instead of the global
// standard logger, for hosts that configure their own output/format.
func NewWith(base *log.Logger, component string) *log.Entry {
	if base == nil {
		return New(component)
	}
	return base.WithField("component", component)
}
