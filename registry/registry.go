package registry

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kochedykov/MicroOcpp/internal/obslog"
	"github.com/kochedykov/MicroOcpp/internal/ocpperr"
)

// Handler carries a registered action's parse and execute
// responsibilities. Serialize (for outbound calls this library sends
// itself) and handle-response live on the Coordinator instead, since
// those only ever run for actions this library initiates, not actions it
// receives.
type Handler interface {
	// Parse validates and decodes an inbound CALL payload.
	Parse(payload json.RawMessage) (params any, err *ocpperr.Error)
	// Execute performs the action's server-role effect and returns the
	// CALLRESULT payload.
	Execute(params any) (result any, err *ocpperr.Error)
}

// Factory produces a fresh Handler per dispatch, so handlers may hold
// per-call state without synchronization.
type Factory func() Handler

// Registry is the action-name -> Factory table of spec §4.4.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	onRequest func(action string, params any)
	log       *log.Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		log:       obslog.New("registry"),
	}
}

// Register installs factory under action, idempotently: a second call
// with the same action name replaces the prior factory.
func (r *Registry) Register(action string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[action] = factory
}

// OnRequest installs a test/observability hook invoked after every
// successful Execute with the parsed params.
func (r *Registry) OnRequest(fn func(action string, params any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRequest = fn
}

// Handle implements rpc.Dispatcher: look up action, parse, execute, and
// report the result or a classified CALLERROR.
func (r *Registry) Handle(action string, payload json.RawMessage) (any, *ocpperr.Error) {
	r.mu.Lock()
	factory, ok := r.factories[action]
	hook := r.onRequest
	r.mu.Unlock()

	if !ok {
		r.log.WithField("action", action).Warn("no handler registered for action")
		return nil, ocpperr.New(ocpperr.CodeNotImplemented, action)
	}

	h := factory()
	params, err := h.Parse(payload)
	if err != nil {
		r.log.WithError(err).WithField("action", action).Warn("rejecting malformed request")
		return nil, err
	}

	result, err := h.Execute(params)
	if err != nil {
		r.log.WithError(err).WithField("action", action).Warn("action execution failed")
		return nil, err
	}

	if hook != nil {
		hook(action, params)
	}
	return result, nil
}

// decode is the shared json.Unmarshal-with-ocpperr-mapping helper every
// built-in Handler's Parse uses.
func decode(payload json.RawMessage, v any) *ocpperr.Error {
	if err := json.Unmarshal(payload, v); err != nil {
		return ocpperr.New(ocpperr.CodeFormationViolation, err.Error())
	}
	return nil
}
