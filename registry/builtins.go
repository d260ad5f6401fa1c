package registry

import (
	"encoding/json"
	"fmt"

	"github.com/kochedykov/MicroOcpp/internal/ocpperr"
)

// OCPP 1.6's CiString field-length limits (§7.6), enforced on every
// inbound CS-initiated request that carries one of these fields.
const (
	ciStringIdTag  = 20
	ciStringKey    = 50
	ciStringValue  = 500
)

func checkCiString(field, value string, max int) *ocpperr.Error {
	if len(value) > max {
		return ocpperr.New(ocpperr.CodePropertyConstraintViolation,
			fmt.Sprintf("%s exceeds CiString%d (got %d characters)", field, max, len(value)))
	}
	return nil
}

// messageTriggers is the OCPP 1.6 MessageTrigger enum TriggerMessage's
// requestedMessage must be one of; not every value here has a sender
// wired up (Ops.TriggerMessage answers NotImplemented for those it
// cannot resend), but an unlisted value is a malformed request.
var messageTriggers = map[string]bool{
	"BootNotification":              true,
	"DiagnosticsStatusNotification": true,
	"FirmwareStatusNotification":    true,
	"Heartbeat":                     true,
	"MeterValues":                   true,
	"StatusNotification":            true,
}

// Ops is the subset of Coordinator behaviour the Central-System-initiated
// remote operations of spec §4.7 need. Declared here (rather than
// importing package coordinator) so registry and coordinator never import
// each other; chargepoint.go wires the concrete Coordinator in.
type Ops interface {
	RemoteStartTransaction(connectorID int, idTag string) (status string)
	RemoteStopTransaction(transactionID int) (status string)
	UnlockConnector(connectorID int) (status string)
	Reset(hard bool) (status string)
	ChangeAvailability(connectorID int, inoperative bool) (status string)
	TriggerMessage(requestedMessage string, connectorID int) (status string)
	ClearCache() (status string)
}

// ConfigStore is the subset of internal/config.Registry's behaviour
// ChangeConfiguration/GetConfiguration/ClearCache delegate to.
type ConfigStore interface {
	ChangeConfiguration(key, value string) (status string)
	GetConfiguration(keys []string) (known []ConfigurationKey, unknown []string)
	ClearCache() (status string)
}

// RegisterBuiltins installs the Core + RemoteTrigger inbound handlers
// spec §6 lists: ChangeAvailability, ChangeConfiguration, ClearCache,
// GetConfiguration, RemoteStartTransaction, RemoteStopTransaction, Reset,
// TriggerMessage, UnlockConnector. The other seven actions in that list
// (BootNotification, Heartbeat, StatusNotification, Authorize,
// StartTransaction, StopTransaction, MeterValues) are always CP-to-CS and
// are never dispatched through this table.
func RegisterBuiltins(r *Registry, ops Ops, cfg ConfigStore) {
	r.Register("ChangeAvailability", func() Handler { return &changeAvailabilityHandler{ops} })
	r.Register("ChangeConfiguration", func() Handler { return &changeConfigurationHandler{cfg} })
	r.Register("ClearCache", func() Handler { return &clearCacheHandler{cfg, ops} })
	r.Register("GetConfiguration", func() Handler { return &getConfigurationHandler{cfg} })
	r.Register("RemoteStartTransaction", func() Handler { return &remoteStartHandler{ops} })
	r.Register("RemoteStopTransaction", func() Handler { return &remoteStopHandler{ops} })
	r.Register("Reset", func() Handler { return &resetHandler{ops} })
	r.Register("TriggerMessage", func() Handler { return &triggerMessageHandler{ops} })
	r.Register("UnlockConnector", func() Handler { return &unlockConnectorHandler{ops} })
}

type changeAvailabilityHandler struct{ ops Ops }

func (h *changeAvailabilityHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req ChangeAvailabilityRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Type != "Operative" && req.Type != "Inoperative" {
		return nil, ocpperr.New(ocpperr.CodePropertyConstraintViolation, "type must be Operative or Inoperative")
	}
	return &req, nil
}

func (h *changeAvailabilityHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*ChangeAvailabilityRequest)
	status := h.ops.ChangeAvailability(req.ConnectorId, req.Type == "Inoperative")
	return &ChangeAvailabilityConfirmation{Status: status}, nil
}

type changeConfigurationHandler struct{ cfg ConfigStore }

func (h *changeConfigurationHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req ChangeConfigurationRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, ocpperr.New(ocpperr.CodeOccurenceConstraintViolation, "key is required")
	}
	if err := checkCiString("key", req.Key, ciStringKey); err != nil {
		return nil, err
	}
	if err := checkCiString("value", req.Value, ciStringValue); err != nil {
		return nil, err
	}
	return &req, nil
}

func (h *changeConfigurationHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*ChangeConfigurationRequest)
	status := h.cfg.ChangeConfiguration(req.Key, req.Value)
	return &ChangeConfigurationConfirmation{Status: status}, nil
}

// clearCacheHandler delegates to both the configuration registry (which
// has nothing of its own to clear) and the Coordinator's local
// authorization cache (spec §4.7 "delegate to config/auth-cache stores").
type clearCacheHandler struct {
	cfg ConfigStore
	ops Ops
}

func (h *clearCacheHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	return &ClearCacheRequest{}, nil
}

func (h *clearCacheHandler) Execute(params any) (any, *ocpperr.Error) {
	status := h.cfg.ClearCache()
	if authStatus := h.ops.ClearCache(); authStatus != "Accepted" {
		status = authStatus
	}
	return &ClearCacheConfirmation{Status: status}, nil
}

type getConfigurationHandler struct{ cfg ConfigStore }

func (h *getConfigurationHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req GetConfigurationRequest
	if len(payload) > 0 && string(payload) != "{}" {
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

func (h *getConfigurationHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*GetConfigurationRequest)
	known, unknown := h.cfg.GetConfiguration(req.Key)
	return &GetConfigurationConfirmation{ConfigurationKey: known, UnknownKey: unknown}, nil
}

type remoteStartHandler struct{ ops Ops }

func (h *remoteStartHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req RemoteStartTransactionRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.IdTag == "" {
		return nil, ocpperr.New(ocpperr.CodeOccurenceConstraintViolation, "idTag is required")
	}
	if err := checkCiString("idTag", req.IdTag, ciStringIdTag); err != nil {
		return nil, err
	}
	return &req, nil
}

func (h *remoteStartHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*RemoteStartTransactionRequest)
	status := h.ops.RemoteStartTransaction(req.ConnectorId, req.IdTag)
	return &RemoteStartTransactionConfirmation{Status: status}, nil
}

type remoteStopHandler struct{ ops Ops }

func (h *remoteStopHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req RemoteStopTransactionRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (h *remoteStopHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*RemoteStopTransactionRequest)
	status := h.ops.RemoteStopTransaction(req.TransactionId)
	return &RemoteStopTransactionConfirmation{Status: status}, nil
}

type resetHandler struct{ ops Ops }

func (h *resetHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req ResetRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Type != "Soft" && req.Type != "Hard" {
		return nil, ocpperr.New(ocpperr.CodePropertyConstraintViolation, "type must be Soft or Hard")
	}
	return &req, nil
}

func (h *resetHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*ResetRequest)
	status := h.ops.Reset(req.Type == "Hard")
	return &ResetConfirmation{Status: status}, nil
}

type triggerMessageHandler struct{ ops Ops }

func (h *triggerMessageHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req TriggerMessageRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.RequestedMessage == "" {
		return nil, ocpperr.New(ocpperr.CodeOccurenceConstraintViolation, "requestedMessage is required")
	}
	if !messageTriggers[req.RequestedMessage] {
		return nil, ocpperr.New(ocpperr.CodePropertyConstraintViolation, "requestedMessage is not a known MessageTrigger value")
	}
	return &req, nil
}

func (h *triggerMessageHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*TriggerMessageRequest)
	status := h.ops.TriggerMessage(req.RequestedMessage, req.ConnectorId)
	return &TriggerMessageConfirmation{Status: status}, nil
}

type unlockConnectorHandler struct{ ops Ops }

func (h *unlockConnectorHandler) Parse(payload json.RawMessage) (any, *ocpperr.Error) {
	var req UnlockConnectorRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (h *unlockConnectorHandler) Execute(params any) (any, *ocpperr.Error) {
	req := params.(*UnlockConnectorRequest)
	status := h.ops.UnlockConnector(req.ConnectorId)
	return &UnlockConnectorConfirmation{Status: status}, nil
}
