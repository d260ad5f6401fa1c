// Package rpc implements the OCPP-J RPC Engine of spec §4.3: wire framing
// for CALL/CALLRESULT/CALLERROR, a single-in-flight FIFO outbound queue
// with timeout/retry, and synchronous inbound dispatch.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Message kind discriminants, the first element of every OCPP-J frame.
const (
	typeCall       = 2
	typeCallResult = 3
	typeCallError  = 4
)

// Call is an inbound or outbound CALL frame: [2, messageId, action, payload].
type Call struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

// CallResult is a CALLRESULT frame: [3, messageId, payload].
type CallResult struct {
	MessageID string
	Payload   json.RawMessage
}

// CallError is a CALLERROR frame: [4, messageId, errorCode, errorDescription, errorDetails].
type CallError struct {
	MessageID        string
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// EncodeCall renders an outbound CALL frame.
func EncodeCall(messageID, action string, payload json.RawMessage) ([]byte, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{typeCall, messageID, action, payload})
}

// EncodeCallResult renders an outbound CALLRESULT frame.
func EncodeCallResult(messageID string, payload json.RawMessage) ([]byte, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{typeCallResult, messageID, payload})
}

// EncodeCallError renders an outbound CALLERROR frame.
func EncodeCallError(messageID, code, description string, details json.RawMessage) ([]byte, error) {
	if details == nil {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]any{typeCallError, messageID, code, description, details})
}

// Decode parses a raw text frame into exactly one of *Call, *CallResult, or
// *CallError. A malformed frame (not a JSON array, wrong arity, unknown
// message type id) cannot be matched to any messageId, so it is reported
// as an error for the caller to log-and-drop rather than reply to.
func Decode(frame []byte) (any, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("rpc: not a JSON array: %w", err)
	}
	if len(raw) < 3 {
		return nil, fmt.Errorf("rpc: frame too short: %d elements", len(raw))
	}

	var kind int
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return nil, fmt.Errorf("rpc: missing message type id: %w", err)
	}
	var messageID string
	if err := json.Unmarshal(raw[1], &messageID); err != nil {
		return nil, fmt.Errorf("rpc: missing messageId: %w", err)
	}

	switch kind {
	case typeCall:
		if len(raw) != 4 {
			return nil, fmt.Errorf("rpc: CALL frame has %d elements, want 4", len(raw))
		}
		var action string
		if err := json.Unmarshal(raw[2], &action); err != nil {
			return nil, fmt.Errorf("rpc: missing action: %w", err)
		}
		return &Call{MessageID: messageID, Action: action, Payload: raw[3]}, nil
	case typeCallResult:
		if len(raw) != 3 {
			return nil, fmt.Errorf("rpc: CALLRESULT frame has %d elements, want 3", len(raw))
		}
		return &CallResult{MessageID: messageID, Payload: raw[2]}, nil
	case typeCallError:
		if len(raw) != 5 {
			return nil, fmt.Errorf("rpc: CALLERROR frame has %d elements, want 5", len(raw))
		}
		var code, description string
		if err := json.Unmarshal(raw[2], &code); err != nil {
			return nil, fmt.Errorf("rpc: missing errorCode: %w", err)
		}
		_ = json.Unmarshal(raw[3], &description)
		return &CallError{MessageID: messageID, ErrorCode: code, ErrorDescription: description, ErrorDetails: raw[4]}, nil
	default:
		return nil, fmt.Errorf("rpc: unknown message type id %d", kind)
	}
}
