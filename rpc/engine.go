package rpc

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kochedykov/MicroOcpp/clock"
	"github.com/kochedykov/MicroOcpp/internal/obslog"
	"github.com/kochedykov/MicroOcpp/internal/ocpperr"
)

// DefaultMessageTimeoutMs is the spec §6 DefaultMessageTimeout (30s),
// expressed in ticks since Tick is millisecond-resolution.
const DefaultMessageTimeoutMs = 30_000

// Dispatcher executes an inbound CALL synchronously and returns either a
// result payload to wrap in a CALLRESULT, or a classified error to wrap in
// a CALLERROR. Implemented by registry.Registry; declared here so rpc and
// registry need not import each other.
type Dispatcher interface {
	Handle(action string, payload json.RawMessage) (result any, err *ocpperr.Error)
}

type outboundState int

const (
	stateQueued outboundState = iota
	stateSent
	stateWaitingRetry
)

// SendOptions configures one enqueued outbound CALL.
type SendOptions struct {
	// Boundary marks a transaction-boundary operation (StartTransaction,
	// StopTransaction): retried on timeout up to MaxAttempts with
	// exponential back-off, instead of being dropped after one timeout.
	Boundary             bool
	MaxAttempts          int
	RetryIntervalSeconds int

	OnResult  func(payload json.RawMessage)
	OnError   func(err *ocpperr.Error)
	OnTimeout func()
}

type outboundRequest struct {
	action  string
	payload json.RawMessage
	opts    SendOptions

	id           string
	state        outboundState
	attempts     int
	sentAtTick   clock.Tick
	resendAtTick clock.Tick
}

// Engine is the single outbound FIFO / single-in-flight RPC Engine of
// spec §4.3, driven exclusively by Tick.
//
// Tick never holds mu while invoking a callback (OnResult/OnError/
// OnTimeout) or the Dispatcher: those calls routinely enqueue a new
// outbound CALL of their own (e.g. an Authorize confirmation enqueueing
// StartTransaction), and mu is not reentrant.
type Engine struct {
	mu sync.Mutex

	transport  Transport
	dispatcher Dispatcher

	queue    []*outboundRequest
	inflight *outboundRequest
	pending  map[string]*outboundRequest

	nextMessageID       int64
	messageTimeoutTicks clock.Tick
	connEpoch           string
	log                 *log.Entry
}

// New returns an Engine with no transport attached yet; call SetTransport
// before the first Tick.
func New(dispatcher Dispatcher) *Engine {
	return &Engine{
		dispatcher:          dispatcher,
		pending:             make(map[string]*outboundRequest),
		messageTimeoutTicks: DefaultMessageTimeoutMs,
		connEpoch:           uuid.NewString(),
		log:                 obslog.New("rpc"),
	}
}

// SetTransport attaches (or replaces) the underlying Transport and rolls a
// fresh connection epoch for log correlation across the reconnect.
func (e *Engine) SetTransport(t Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = t
	e.connEpoch = uuid.NewString()
}

// Enqueue appends a new outbound CALL to the FIFO request queue. The
// payload is marshaled immediately so later mutation by the caller cannot
// change what is eventually sent.
func (e *Engine) Enqueue(action string, payload any, opts SendOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryIntervalSeconds <= 0 {
		opts.RetryIntervalSeconds = 1
	}

	req := &outboundRequest{action: action, payload: body, opts: opts, state: stateQueued}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, req)
	return nil
}

// QueueLen reports how many outbound calls are waiting (not counting the
// in-flight one), for diagnostics.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Connected reports whether the attached Transport currently expects
// Send to succeed. False before any SetTransport call.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport != nil && e.transport.Connected()
}

func (e *Engine) allocateID() string {
	e.nextMessageID++
	return strconv.FormatInt(e.nextMessageID, 10)
}

// Tick drains every buffered inbound frame, advances the in-flight
// request's timeout/retry state machine, and starts the next queued
// request if the line is free.
func (e *Engine) Tick(tick clock.Tick) {
	e.mu.Lock()
	transport := e.transport
	e.mu.Unlock()
	if transport == nil {
		return
	}

	for {
		frame, ok := transport.Poll()
		if !ok {
			break
		}
		e.handleFrame(tick, frame)
	}

	e.advanceInFlight(tick)

	e.mu.Lock()
	var toSend *outboundRequest
	if e.inflight == nil && len(e.queue) > 0 && transport.Connected() {
		toSend = e.queue[0]
		e.queue = e.queue[1:]
	}
	e.mu.Unlock()
	if toSend != nil {
		e.send(toSend, tick)
	}
}

// advanceInFlight resolves the in-flight request's timeout/retry state.
// The state mutation happens under mu; any user callback it triggers
// (OnTimeout) runs strictly after mu is released.
func (e *Engine) advanceInFlight(tick clock.Tick) {
	e.mu.Lock()
	req := e.inflight
	if req == nil {
		e.mu.Unlock()
		return
	}

	switch req.state {
	case stateSent:
		if tick-req.sentAtTick < e.messageTimeoutTicks {
			e.mu.Unlock()
			return
		}
		if req.opts.Boundary && req.attempts < req.opts.MaxAttempts {
			backoffSeconds := req.opts.RetryIntervalSeconds << (req.attempts - 1)
			req.state = stateWaitingRetry
			req.resendAtTick = tick + clock.Tick(backoffSeconds)*1000
			connEpoch := e.connEpoch
			e.mu.Unlock()
			e.log.WithFields(log.Fields{"action": req.action, "attempt": req.attempts, "connEpoch": connEpoch}).
				Warn("boundary call timed out, scheduling retry")
			return
		}
		attempts := req.attempts
		connEpoch := e.connEpoch
		e.clearInFlightLocked(req)
		e.mu.Unlock()
		e.log.WithFields(log.Fields{"action": req.action, "attempts": attempts, "connEpoch": connEpoch}).
			Warn("call timed out, dropping")
		if req.opts.OnTimeout != nil {
			req.opts.OnTimeout()
		}
	case stateWaitingRetry:
		transport := e.transport
		if tick < req.resendAtTick || transport == nil || !transport.Connected() {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		e.send(req, tick)
	default:
		e.mu.Unlock()
	}
}

// send performs one send attempt for req: allocates a fresh messageId,
// marks it sent, and writes the frame. The transport.Send call happens
// outside mu since a Transport implementation may do real, if
// non-blocking, I/O.
func (e *Engine) send(req *outboundRequest, tick clock.Tick) {
	e.mu.Lock()
	if req.id != "" {
		delete(e.pending, req.id)
	}
	req.id = e.allocateID()
	req.attempts++
	req.state = stateSent
	req.sentAtTick = tick
	e.inflight = req
	e.pending[req.id] = req
	transport := e.transport
	e.mu.Unlock()

	frame, err := EncodeCall(req.id, req.action, req.payload)
	if err != nil {
		e.log.WithError(err).WithField("action", req.action).Error("failed to encode outbound call")
		e.mu.Lock()
		e.clearInFlightLocked(req)
		e.mu.Unlock()
		if req.opts.OnError != nil {
			req.opts.OnError(ocpperr.Classed(ocpperr.ClassProtocol, ocpperr.CodeInternalError, err.Error()))
		}
		return
	}
	if transport == nil {
		return
	}
	if err := transport.Send(frame); err != nil {
		e.log.WithError(err).WithField("action", req.action).Warn("send failed, will retry on next timeout")
	}
}

// clearInFlightLocked must be called with mu held.
func (e *Engine) clearInFlightLocked(req *outboundRequest) {
	if req.id != "" {
		delete(e.pending, req.id)
	}
	if e.inflight == req {
		e.inflight = nil
	}
}

// handleFrame decodes one inbound frame and dispatches it. State lookups
// against e.pending are locked narrowly; the resulting OnResult/OnError
// callback (or, for an inbound CALL, the Dispatcher) always runs after mu
// is released.
func (e *Engine) handleFrame(tick clock.Tick, frame []byte) {
	msg, err := Decode(frame)
	if err != nil {
		e.log.WithError(err).Warn("dropping unparsable frame")
		return
	}

	switch m := msg.(type) {
	case *Call:
		e.handleCall(m)
	case *CallResult:
		e.mu.Lock()
		req, ok := e.pending[m.MessageID]
		if ok {
			e.clearInFlightLocked(req)
		}
		e.mu.Unlock()
		if !ok {
			e.log.WithField("messageId", m.MessageID).Warn("dropping unmatched CALLRESULT")
			return
		}
		if req.opts.OnResult != nil {
			req.opts.OnResult(m.Payload)
		}
	case *CallError:
		e.mu.Lock()
		req, ok := e.pending[m.MessageID]
		if ok {
			e.clearInFlightLocked(req)
		}
		e.mu.Unlock()
		if !ok {
			e.log.WithField("messageId", m.MessageID).Warn("dropping unmatched CALLERROR")
			return
		}
		if req.opts.OnError != nil {
			req.opts.OnError(&ocpperr.Error{Class: ocpperr.ClassProtocol, Code: m.ErrorCode, Description: m.ErrorDescription})
		}
	}
}

// handleCall runs an inbound CALL through the Dispatcher (never while mu
// is held, since registry handlers routinely call back into Coordinator
// methods that themselves call Enqueue) and sends the CALLRESULT/
// CALLERROR response.
func (e *Engine) handleCall(call *Call) {
	result, ocppErr := e.dispatcher.Handle(call.Action, call.Payload)

	var frame []byte
	var err error
	if ocppErr != nil {
		var details json.RawMessage
		if ocppErr.Details != nil {
			details, _ = json.Marshal(ocppErr.Details)
		}
		frame, err = EncodeCallError(call.MessageID, ocppErr.Code, ocppErr.Description, details)
	} else {
		var payload json.RawMessage
		payload, err = json.Marshal(result)
		if err == nil {
			frame, err = EncodeCallResult(call.MessageID, payload)
		}
	}
	if err != nil {
		e.log.WithError(err).WithField("action", call.Action).Error("failed to encode response")
		return
	}

	e.mu.Lock()
	transport := e.transport
	e.mu.Unlock()
	if transport == nil {
		return
	}
	if err := transport.Send(frame); err != nil {
		e.log.WithError(err).WithField("action", call.Action).Warn("failed to send response")
	}
}
