// Package ocpperr defines the error taxonomy of the charge point core:
// protocol, transport, storage, clock, and logic errors, per spec §7. The
// core never panics across the tick boundary; every failure here is
// either a CALLERROR-shaped Error or a tagged logic sentinel returned to
// the calling API.
package ocpperr

import "fmt"

// Class groups errors by how they must be handled.
type Class string

const (
	ClassProtocol  Class = "protocol"
	ClassTransport Class = "transport"
	ClassStorage   Class = "storage"
	ClassClock     Class = "clock"
	ClassLogic     Class = "logic"
)

// CALLERROR error codes from the OCPP-J wire format, used verbatim as the
// errorCode field of a [4, messageId, errorCode, errorDescription, {}]
// frame.
const (
	CodeFormationViolation             = "FormationViolation"
	CodeNotImplemented                 = "NotImplemented"
	CodeNotSupported                   = "NotSupported"
	CodeOccurenceConstraintViolation   = "OccurenceConstraintViolation"
	CodePropertyConstraintViolation    = "PropertyConstraintViolation"
	CodeInternalError                  = "InternalError"
	CodeSecurityError                  = "SecurityError"
	CodeProtocolError                  = "ProtocolError"
	CodeGenericError                   = "GenericError"
)

// Error is a CALLERROR-shaped error: a wire error code plus a
// human-readable description, classified for local handling.
type Error struct {
	Class       Class
	Code        string
	Description string
	Details     map[string]any
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("ocpp: %s", e.Code)
	}
	return fmt.Sprintf("ocpp: %s: %s", e.Code, e.Description)
}

// New builds a protocol-classed Error, the common case for CALLERROR
// construction in the Operation Registry.
func New(code, description string) *Error {
	return &Error{Class: ClassProtocol, Code: code, Description: description}
}

// Newf is New with fmt-style formatting of the description.
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Classed builds an Error tagged with an explicit Class, for non-protocol
// failures (storage/clock/transport) that still need a wire code when
// they happen to occur while handling an inbound CALL.
func Classed(class Class, code, description string) *Error {
	return &Error{Class: class, Code: code, Description: description}
}

// Logic sentinels: never serialized to the wire, returned directly from
// public coordinator/store APIs.
var (
	// ErrBusy is returned by Coordinator.Begin when a transaction is
	// already Preparing or Running on the target connector.
	ErrBusy = &Error{Class: ClassLogic, Code: "Busy", Description: "a transaction is already active on this connector"}

	// ErrStoreFull is returned by Store.Allocate when the per-connector
	// ring is full and its oldest record is neither Completed nor
	// Aborted.
	ErrStoreFull = &Error{Class: ClassLogic, Code: "StoreFull", Description: "transaction store is full and the oldest record is not yet settled"}

	// ErrNotFound is returned when a lookup by connector/tx_nr or by
	// server transaction id fails.
	ErrNotFound = &Error{Class: ClassLogic, Code: "NotFound", Description: "no matching transaction"}
)

// IsClass reports whether err is an *Error of the given Class.
func IsClass(err error, class Class) bool {
	e, ok := err.(*Error)
	return ok && e.Class == class
}
