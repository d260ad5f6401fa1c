// Package config is the typed key/value configuration registry of spec
// §3 "Configuration" and §6's required keys table. It generalizes the
// teacher's ad hoc badger key helpers (db_utils.go's
// GetIntKeyTX/SetIfNotExistsTX) into a single registry with a dirty flag
// that batches one write per Flush call.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kochedykov/MicroOcpp/internal/obslog"
	"github.com/kochedykov/MicroOcpp/internal/storage"
)

// readOnly marks keys ChangeConfiguration must reject, per spec §4.7
// "delegate to config/auth-cache stores" and the teacher's
// supportedConfigurationKeys whitelist check.
var readOnly = map[string]bool{
	KeyNumberOfConnectors: true,
}

// Keys required by spec §6, with their defaults.
const (
	KeyHeartbeatInterval              = "HeartbeatInterval"
	KeyMeterValueSampleInterval       = "MeterValueSampleInterval"
	KeyConnectionTimeOut              = "ConnectionTimeOut"
	KeyMinimumStatusDuration          = "MinimumStatusDuration"
	KeyTransactionMessageAttempts     = "TransactionMessageAttempts"
	KeyTransactionMessageRetryInterval = "TransactionMessageRetryInterval"
	KeyAuthorizeRemoteTxRequests      = "AuthorizeRemoteTxRequests"
	KeyLocalAuthorizeOffline          = "LocalAuthorizeOffline"
	KeyLocalPreAuthorize              = "LocalPreAuthorize"
	KeyStopTransactionOnInvalidId     = "StopTransactionOnInvalidId"
	KeyNumberOfConnectors             = "NumberOfConnectors"
	KeySupportedFeatureProfiles       = "SupportedFeatureProfiles"
	KeyAOPreBootTransactions          = "AO_PreBootTransactions"
)

// defaults holds the string-encoded default value for every known key, so
// Get* can always return a sane value even before Load ever ran.
var defaults = map[string]string{
	KeyHeartbeatInterval:               "86400",
	KeyMeterValueSampleInterval:        "60",
	KeyConnectionTimeOut:               "30",
	KeyMinimumStatusDuration:           "0",
	KeyTransactionMessageAttempts:      "3",
	KeyTransactionMessageRetryInterval: "60",
	KeyAuthorizeRemoteTxRequests:       "false",
	KeyLocalAuthorizeOffline:           "true",
	KeyLocalPreAuthorize:               "true",
	KeyStopTransactionOnInvalidId:      "true",
	KeyNumberOfConnectors:              "1",
	KeySupportedFeatureProfiles:        "Core,RemoteTrigger",
	KeyAOPreBootTransactions:           "true",
}

// DefaultPath is where the registry persists under the spec's §6
// filesystem layout.
const DefaultPath = "/ocpp/config.jsn"

// Registry is the engine's single configuration store.
type Registry struct {
	mu      sync.Mutex
	adapter storage.Adapter
	path    string
	values  map[string]string
	dirty   bool
	log     *log.Entry
}

// New returns a Registry backed by adapter, pre-seeded with every known
// default. Callers should call Load to pick up persisted overrides.
func New(adapter storage.Adapter, path string) *Registry {
	if path == "" {
		path = DefaultPath
	}
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Registry{
		adapter: adapter,
		path:    path,
		values:  values,
		log:     obslog.New("config"),
	}
}

// Load reads the persisted overrides from storage, if any, merging them
// over the defaults. A missing file is not an error.
func (r *Registry) Load() error {
	data, err := r.adapter.ReadFile(r.path)
	if err != nil {
		if err == storage.ErrNotExist {
			return nil
		}
		return fmt.Errorf("config: load: %w", err)
	}
	var persisted map[string]string
	if err := json.Unmarshal(data, &persisted); err != nil {
		r.log.WithError(err).Warn("discarding unreadable configuration file")
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range persisted {
		r.values[k] = v
	}
	return nil
}

// Flush writes a single batched snapshot of every key if anything has
// changed since the last Flush, clearing the dirty flag on success.
func (r *Registry) Flush() error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]string, len(r.values))
	for k, v := range r.values {
		snapshot[k] = v
	}
	r.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := r.adapter.WriteFile(r.path, data); err != nil {
		return fmt.Errorf("config: flush: %w", err)
	}

	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
	return nil
}

// Set stores a raw string value and marks the registry dirty.
func (r *Registry) Set(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values[key] == value {
		return
	}
	r.values[key] = value
	r.dirty = true
}

// SetInt/SetBool are typed conveniences over Set.
func (r *Registry) SetInt(key string, v int)   { r.Set(key, strconv.Itoa(v)) }
func (r *Registry) SetBool(key string, v bool) { r.Set(key, strconv.FormatBool(v)) }

// String returns the raw string value for key, or "" if unknown.
func (r *Registry) String(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[key]
}

// Int parses key's value as an integer, returning 0 on a parse failure
// (a misconfigured key should never panic the core).
func (r *Registry) Int(key string) int {
	v, err := strconv.Atoi(r.String(key))
	if err != nil {
		return 0
	}
	return v
}

// Bool parses key's value as a boolean, defaulting false on failure.
func (r *Registry) Bool(key string) bool {
	v, err := strconv.ParseBool(r.String(key))
	if err != nil {
		return false
	}
	return v
}

// CSV splits key's value on commas, trimming whitespace, dropping empties.
func (r *Registry) CSV(key string) []string {
	raw := r.String(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether key is a known configuration key (default or
// previously Set), mirroring the teacher's supportedConfigurationKeys
// whitelist check in OnChangeConfiguration/OnGetConfiguration.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.values[key]
	return ok
}

// ConfigurationKey mirrors one entry of a GetConfiguration response;
// registry.ConfigurationKey is a type alias of this so neither package
// needs to import the other to satisfy registry.ConfigStore.
type ConfigurationKey struct {
	Key      string `json:"key"`
	Readonly bool   `json:"readonly"`
	Value    string `json:"value,omitempty"`
}

// ChangeConfiguration implements the registry.ConfigStore contract
// ChangeConfiguration delegates to (spec §4.7): unknown or read-only keys
// are rejected, everything else is stored and flushed immediately so a
// crash right after acknowledging the CALLRESULT cannot lose it.
func (r *Registry) ChangeConfiguration(key, value string) string {
	if !r.Has(key) {
		return "NotSupported"
	}
	if readOnly[key] {
		return "Rejected"
	}
	r.Set(key, value)
	if err := r.Flush(); err != nil {
		r.log.WithError(err).Warn("failed to persist configuration change")
		return "Rejected"
	}
	return "Accepted"
}

// GetConfiguration implements the registry.ConfigStore contract
// GetConfiguration delegates to: an empty keys slice means "every known
// key"; anything not found is reported back as an unknown key.
func (r *Registry) GetConfiguration(keys []string) (known []ConfigurationKey, unknown []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(keys) == 0 {
		for k, v := range r.values {
			known = append(known, ConfigurationKey{Key: k, Readonly: readOnly[k], Value: v})
		}
		return known, nil
	}
	for _, k := range keys {
		v, ok := r.values[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		known = append(known, ConfigurationKey{Key: k, Readonly: readOnly[k], Value: v})
	}
	return known, unknown
}

// ClearCache implements the registry.ConfigStore contract ClearCache
// delegates to. The local authorization cache lives in package
// coordinator, not here; this registry has nothing of its own to clear
// and always accepts, matching the teacher's OnClearCache stub.
func (r *Registry) ClearCache() string {
	return "Accepted"
}

// Keys returns every known configuration key, sorted is not guaranteed.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.values))
	for k := range r.values {
		out = append(out, k)
	}
	return out
}
