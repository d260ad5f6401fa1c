package registry

import (
	"encoding/json"
	"testing"

	"github.com/kochedykov/MicroOcpp/internal/ocpperr"
)

type fakeOps struct {
	resetCalledHard *bool
	changeAvailStatus string
	clearedCache      bool
}

func (f *fakeOps) RemoteStartTransaction(connectorID int, idTag string) string { return "Accepted" }
func (f *fakeOps) RemoteStopTransaction(transactionID int) string             { return "Accepted" }
func (f *fakeOps) UnlockConnector(connectorID int) string                     { return "Unlocked" }
func (f *fakeOps) Reset(hard bool) string {
	if f.resetCalledHard != nil {
		*f.resetCalledHard = hard
	}
	return "Accepted"
}
func (f *fakeOps) ChangeAvailability(connectorID int, inoperative bool) string {
	if f.changeAvailStatus != "" {
		return f.changeAvailStatus
	}
	return "Accepted"
}
func (f *fakeOps) TriggerMessage(requestedMessage string, connectorID int) string { return "Accepted" }
func (f *fakeOps) ClearCache() string {
	f.clearedCache = true
	return "Accepted"
}

type fakeConfig struct {
	changed      map[string]string
	clearedCache bool
}

func (f *fakeConfig) ChangeConfiguration(key, value string) string {
	if f.changed == nil {
		f.changed = map[string]string{}
	}
	f.changed[key] = value
	return "Accepted"
}
func (f *fakeConfig) GetConfiguration(keys []string) ([]ConfigurationKey, []string) {
	if len(keys) == 0 {
		return []ConfigurationKey{{Key: "HeartbeatInterval", Value: "86400"}}, nil
	}
	return nil, keys
}
func (f *fakeConfig) ClearCache() string {
	f.clearedCache = true
	return "Accepted"
}

func TestHandleUnknownActionIsNotImplemented(t *testing.T) {
	r := New()
	_, err := r.Handle("Bogus", json.RawMessage(`{}`))
	if err == nil || err.Code != ocpperr.CodeNotImplemented {
		t.Fatalf("expected NotImplemented, got %v", err)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()
	calls := 0
	r.Register("Reset", func() Handler {
		calls++
		return &resetHandler{&fakeOps{}}
	})
	r.Register("Reset", func() Handler {
		calls++
		return &resetHandler{&fakeOps{}}
	})
	r.Handle("Reset", json.RawMessage(`{"type":"Soft"}`))
	if calls != 1 {
		t.Errorf("expected only the latest factory to run, got %d invocations", calls)
	}
}

func TestOnRequestHook(t *testing.T) {
	r := New()
	RegisterBuiltins(r, &fakeOps{}, &fakeConfig{})

	var seenAction string
	var seenParams any
	r.OnRequest(func(action string, params any) {
		seenAction = action
		seenParams = params
	})

	_, err := r.Handle("UnlockConnector", json.RawMessage(`{"connectorId":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if seenAction != "UnlockConnector" {
		t.Errorf("expected hook invoked with UnlockConnector, got %q", seenAction)
	}
	req, ok := seenParams.(*UnlockConnectorRequest)
	if !ok || req.ConnectorId != 1 {
		t.Errorf("got %#v", seenParams)
	}
}

func TestChangeAvailabilityRejectsBadType(t *testing.T) {
	r := New()
	RegisterBuiltins(r, &fakeOps{}, &fakeConfig{})
	_, err := r.Handle("ChangeAvailability", json.RawMessage(`{"connectorId":1,"type":"Bogus"}`))
	if err == nil || err.Code != ocpperr.CodePropertyConstraintViolation {
		t.Fatalf("expected PropertyConstraintViolation, got %v", err)
	}
}

func TestChangeConfigurationDelegatesToConfigStore(t *testing.T) {
	r := New()
	cfg := &fakeConfig{}
	RegisterBuiltins(r, &fakeOps{}, cfg)

	result, err := r.Handle("ChangeConfiguration", json.RawMessage(`{"key":"HeartbeatInterval","value":"120"}`))
	if err != nil {
		t.Fatal(err)
	}
	conf := result.(*ChangeConfigurationConfirmation)
	if conf.Status != "Accepted" {
		t.Errorf("got status %q", conf.Status)
	}
	if cfg.changed["HeartbeatInterval"] != "120" {
		t.Errorf("expected config store to receive the change, got %v", cfg.changed)
	}
}

func TestGetConfigurationReturnsUnknownKeys(t *testing.T) {
	r := New()
	RegisterBuiltins(r, &fakeOps{}, &fakeConfig{})

	result, err := r.Handle("GetConfiguration", json.RawMessage(`{"key":["Bogus"]}`))
	if err != nil {
		t.Fatal(err)
	}
	conf := result.(*GetConfigurationConfirmation)
	if len(conf.UnknownKey) != 1 || conf.UnknownKey[0] != "Bogus" {
		t.Errorf("got %#v", conf)
	}
}

func TestResetPassesHardFlag(t *testing.T) {
	r := New()
	var gotHard bool
	ops := &fakeOps{resetCalledHard: &gotHard}
	RegisterBuiltins(r, ops, &fakeConfig{})

	_, err := r.Handle("Reset", json.RawMessage(`{"type":"Hard"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !gotHard {
		t.Error("expected Reset Hard to pass hard=true")
	}
}

func TestRemoteStartTransactionRejectsOverlongIdTag(t *testing.T) {
	r := New()
	RegisterBuiltins(r, &fakeOps{}, &fakeConfig{})

	idTag := make([]byte, 21)
	for i := range idTag {
		idTag[i] = 'A'
	}
	payload, _ := json.Marshal(map[string]any{"connectorId": 1, "idTag": string(idTag)})
	_, err := r.Handle("RemoteStartTransaction", payload)
	if err == nil || err.Code != ocpperr.CodePropertyConstraintViolation {
		t.Fatalf("expected PropertyConstraintViolation for a 21-char idTag, got %v", err)
	}
}

func TestChangeConfigurationRejectsOverlongKeyAndValue(t *testing.T) {
	r := New()
	RegisterBuiltins(r, &fakeOps{}, &fakeConfig{})

	longKey := make([]byte, 51)
	for i := range longKey {
		longKey[i] = 'K'
	}
	payload, _ := json.Marshal(map[string]string{"key": string(longKey), "value": "ok"})
	_, err := r.Handle("ChangeConfiguration", payload)
	if err == nil || err.Code != ocpperr.CodePropertyConstraintViolation {
		t.Fatalf("expected PropertyConstraintViolation for a 51-char key, got %v", err)
	}

	longValue := make([]byte, 501)
	for i := range longValue {
		longValue[i] = 'V'
	}
	payload, _ = json.Marshal(map[string]string{"key": "HeartbeatInterval", "value": string(longValue)})
	_, err = r.Handle("ChangeConfiguration", payload)
	if err == nil || err.Code != ocpperr.CodePropertyConstraintViolation {
		t.Fatalf("expected PropertyConstraintViolation for a 501-char value, got %v", err)
	}
}

func TestTriggerMessageRejectsUnknownRequestedMessage(t *testing.T) {
	r := New()
	RegisterBuiltins(r, &fakeOps{}, &fakeConfig{})

	_, err := r.Handle("TriggerMessage", json.RawMessage(`{"requestedMessage":"Bogus"}`))
	if err == nil || err.Code != ocpperr.CodePropertyConstraintViolation {
		t.Fatalf("expected PropertyConstraintViolation for an unknown MessageTrigger, got %v", err)
	}

	_, err = r.Handle("TriggerMessage", json.RawMessage(`{"requestedMessage":"Heartbeat"}`))
	if err != nil {
		t.Fatalf("expected Heartbeat to be a valid MessageTrigger, got %v", err)
	}
}

func TestClearCacheCallsBothConfigAndOpsCaches(t *testing.T) {
	r := New()
	ops := &fakeOps{}
	cfg := &fakeConfig{}
	RegisterBuiltins(r, ops, cfg)

	result, err := r.Handle("ClearCache", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	conf := result.(*ClearCacheConfirmation)
	if conf.Status != "Accepted" {
		t.Errorf("got status %q", conf.Status)
	}
	if !cfg.clearedCache || !ops.clearedCache {
		t.Errorf("expected both caches cleared, got config=%v ops=%v", cfg.clearedCache, ops.clearedCache)
	}
}

func TestMalformedPayloadYieldsFormationViolation(t *testing.T) {
	r := New()
	RegisterBuiltins(r, &fakeOps{}, &fakeConfig{})
	_, err := r.Handle("Reset", json.RawMessage(`not json`))
	if err == nil || err.Code != ocpperr.CodeFormationViolation {
		t.Fatalf("expected FormationViolation, got %v", err)
	}
}
