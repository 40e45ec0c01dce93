// Package protocol defines the line-delimited control protocol spoken by
// agent CLI processes. The bridge is protocol-preserving: payloads are kept
// byte-for-byte and unknown message types pass through untouched.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types emitted by the agent process. The set is open-ended; anything
// not recognized here is still forwarded to clients unchanged.
const (
	TypeUser            = "user"
	TypeAssistant       = "assistant"
	TypeSystem          = "system"
	TypeResult          = "result"
	TypeStreamEvent     = "stream_event"
	TypeSummary         = "summary"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeCanUseTool = "can_use_tool"
	SubtypeInterrupt  = "interrupt"
	SubtypeInit       = "init"
)

// Permission behaviors carried in control responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Envelope is the minimal structural view of a protocol message: the type
// discriminator plus the identifiers needed for dedup and request
// correlation. All other fields stay opaque.
type Envelope struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
}

// Peek extracts the envelope from a raw message. ok is false when the data
// is not a JSON object or carries no type tag; such messages are preserved
// as unrecognized entries rather than dropped.
func Peek(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	return env, env.Type != ""
}

// ControlRequest is a permission or control frame issued by the process.
// Input is kept raw so the original payload survives the round trip to the
// deciding client.
type ControlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype     string          `json:"subtype"`
		ToolName    string          `json:"tool_name"`
		Input       json.RawMessage `json:"input"`
		Suggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	} `json:"request"`
}

// ParseControlRequest decodes a control_request frame.
func ParseControlRequest(data []byte) (*ControlRequest, error) {
	var req ControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode control_request: %w", err)
	}
	if req.RequestID == "" {
		return nil, fmt.Errorf("control_request missing request_id")
	}
	return &req, nil
}

// UserMessage builds the protocol's user-input frame. The uuid, when set, is
// echoed by the process into its transcript so replayed history dedups
// against the live stream.
func UserMessage(content, sessionID, uuid string) ([]byte, error) {
	if sessionID == "" {
		sessionID = "default"
	}
	frame := map[string]any{
		"type": TypeUser,
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
		"parent_tool_use_id": nil,
		"session_id":         sessionID,
	}
	if uuid != "" {
		frame["uuid"] = uuid
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal user message: %w", err)
	}
	return data, nil
}

// InterruptRequest builds a control_request frame asking the process to stop
// its current operation.
func InterruptRequest(requestID string) ([]byte, error) {
	frame := map[string]any{
		"type":       TypeControlRequest,
		"request_id": requestID,
		"request": map[string]any{
			"subtype": SubtypeInterrupt,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal interrupt request: %w", err)
	}
	return data, nil
}

// PermissionResponse builds the control_response frame that unblocks the
// process after a permission decision. Deny responses carry a message the
// process surfaces as the tool error.
func PermissionResponse(requestID, behavior, message string) ([]byte, error) {
	inner := map[string]any{"behavior": behavior}
	if behavior == BehaviorDeny {
		if message == "" {
			message = "permission denied by user"
		}
		inner["message"] = message
		inner["interrupt"] = true
	}
	frame := map[string]any{
		"type": TypeControlResponse,
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal permission response: %w", err)
	}
	return data, nil
}
