// Package registry implements the Operation Registry of spec §4.4: an
// action-name -> handler-factory table for the inbound (Central-System
// initiated) OCPP actions, plus the typed wire payloads for every action
// this library's own Coordinator sends as an outbound CALL.
package registry

import "github.com/kochedykov/MicroOcpp/internal/config"

// IdTagInfo is the authorization envelope the Central System returns on
// Authorize/StartTransaction/StopTransaction.
type IdTagInfo struct {
	Status      string `json:"status"`
	ExpiryDate  string `json:"expiryDate,omitempty"`
	ParentIdTag string `json:"parentIdTag,omitempty"`
}

// Authorization status values (OCPP 1.6 §6.1 IdTagInfo.status).
const (
	AuthAccepted     = "Accepted"
	AuthBlocked      = "Blocked"
	AuthExpired      = "Expired"
	AuthInvalid      = "Invalid"
	AuthConcurrentTx = "ConcurrentTx"
)

// --- Client-initiated (CP -> CS) payloads ---
// These actions are never sent to us as an inbound CALL, so they have no
// Handler in this registry; the Coordinator builds/serializes them
// directly and supplies the rpc.SendOptions response callbacks itself.

type BootNotificationRequest struct {
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

type BootNotificationConfirmation struct {
	Status      string `json:"status"`
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
}

type HeartbeatRequest struct{}

type HeartbeatConfirmation struct {
	CurrentTime string `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorId int    `json:"connectorId"`
	ErrorCode   string `json:"errorCode"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

type AuthorizeConfirmation struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransactionRequest struct {
	ConnectorId   int    `json:"connectorId"`
	IdTag         string `json:"idTag"`
	MeterStart    int    `json:"meterStart"`
	ReservationId int    `json:"reservationId,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type StartTransactionConfirmation struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionId int       `json:"transactionId"`
}

type StopTransactionRequest struct {
	TransactionId   int               `json:"transactionId"`
	IdTag           string            `json:"idTag,omitempty"`
	MeterStop       int               `json:"meterStop"`
	Timestamp       string            `json:"timestamp"`
	Reason          string            `json:"reason,omitempty"`
	TransactionData []MeterValueGroup `json:"transactionData,omitempty"`
}

type StopTransactionConfirmation struct {
	IdTagInfo IdTagInfo `json:"idTagInfo,omitempty"`
}

type SampledValue struct {
	Value string `json:"value"`
}

type MeterValueGroup struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorId   int               `json:"connectorId"`
	TransactionId int               `json:"transactionId,omitempty"`
	MeterValue    []MeterValueGroup `json:"meterValue"`
}

type MeterValuesConfirmation struct{}

// --- Central-System-initiated (CS -> CP) payloads ---
// These have Handlers registered in builtins.go.

type ChangeAvailabilityRequest struct {
	ConnectorId int    `json:"connectorId"`
	Type        string `json:"type"`
}

type ChangeAvailabilityConfirmation struct {
	Status string `json:"status"`
}

type ChangeConfigurationRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ChangeConfigurationConfirmation struct {
	Status string `json:"status"`
}

type ClearCacheRequest struct{}

type ClearCacheConfirmation struct {
	Status string `json:"status"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

// ConfigurationKey is an alias of config.ConfigurationKey so registry and
// internal/config never need to import each other to satisfy ConfigStore.
type ConfigurationKey = config.ConfigurationKey

type GetConfigurationConfirmation struct {
	ConfigurationKey []ConfigurationKey `json:"configurationKey,omitempty"`
	UnknownKey       []string           `json:"unknownKey,omitempty"`
}

type RemoteStartTransactionRequest struct {
	ConnectorId int    `json:"connectorId,omitempty"`
	IdTag       string `json:"idTag"`
}

type RemoteStartTransactionConfirmation struct {
	Status string `json:"status"`
}

type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId"`
}

type RemoteStopTransactionConfirmation struct {
	Status string `json:"status"`
}

type ResetRequest struct {
	Type string `json:"type"`
}

type ResetConfirmation struct {
	Status string `json:"status"`
}

type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage"`
	ConnectorId      int    `json:"connectorId,omitempty"`
}

type TriggerMessageConfirmation struct {
	Status string `json:"status"`
}

type UnlockConnectorRequest struct {
	ConnectorId int `json:"connectorId"`
}

type UnlockConnectorConfirmation struct {
	Status string `json:"status"`
}
