package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPeek(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantOK   bool
		wantType string
		wantUUID string
	}{
		{
			name:     "assistant message",
			data:     `{"type":"assistant","uuid":"a1","message":{"role":"assistant"}}`,
			wantOK:   true,
			wantType: "assistant",
			wantUUID: "a1",
		},
		{
			name:     "unknown type passes through",
			data:     `{"type":"compact_boundary","uuid":"x1"}`,
			wantOK:   true,
			wantType: "compact_boundary",
			wantUUID: "x1",
		},
		{
			name:   "missing type tag",
			data:   `{"uuid":"a1"}`,
			wantOK: false,
		},
		{
			name:   "not json",
			data:   `garbage line`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok := Peek([]byte(tt.data))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if env.Type != tt.wantType {
				t.Errorf("type = %q, want %q", env.Type, tt.wantType)
			}
			if env.UUID != tt.wantUUID {
				t.Errorf("uuid = %q, want %q", env.UUID, tt.wantUUID)
			}
		})
	}
}

func TestParseControlRequest(t *testing.T) {
	data := `{"type":"control_request","request_id":"req_1_abc","request":{"subtype":"can_use_tool","tool_name":"write_file","input":{"path":"/tmp/x"}}}`
	req, err := ParseControlRequest([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.RequestID != "req_1_abc" {
		t.Errorf("request_id = %q", req.RequestID)
	}
	if req.Request.ToolName != "write_file" {
		t.Errorf("tool_name = %q", req.Request.ToolName)
	}
	if string(req.Request.Input) != `{"path":"/tmp/x"}` {
		t.Errorf("input not preserved: %s", req.Request.Input)
	}
}

func TestParseControlRequest_MissingID(t *testing.T) {
	if _, err := ParseControlRequest([]byte(`{"type":"control_request","request":{}}`)); err == nil {
		t.Fatal("expected error for missing request_id")
	}
}

func TestUserMessage(t *testing.T) {
	data, err := UserMessage("hello", "sess-1", "u-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["type"] != "user" || frame["session_id"] != "sess-1" || frame["uuid"] != "u-1" {
		t.Errorf("frame = %v", frame)
	}
	msg := frame["message"].(map[string]any)
	if msg["content"] != "hello" {
		t.Errorf("content = %v", msg["content"])
	}
}

func TestPermissionResponse_Deny(t *testing.T) {
	data, err := PermissionResponse("req-1", BehaviorDeny, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"behavior":"deny"`) || !strings.Contains(s, `"req-1"`) {
		t.Errorf("frame = %s", s)
	}
	if !strings.Contains(s, "permission denied by user") {
		t.Errorf("deny frame missing default message: %s", s)
	}
}

func TestPermissionResponse_Allow(t *testing.T) {
	data, err := PermissionResponse("req-2", BehaviorAllow, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(string(data), "interrupt") {
		t.Errorf("allow frame must not carry interrupt: %s", data)
	}
}
