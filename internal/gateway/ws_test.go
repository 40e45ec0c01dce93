package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/sessiond/internal/session"
)

// setAgentScript swaps the fake agent's behavior before a session activates.
func (f *fixture) setAgentScript(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(f.dir, "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func (f *fixture) dial(t *testing.T, ctx context.Context, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// readFrameType reads frames until one with the wanted type arrives.
func readFrameType(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		var v map[string]any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if v["type"] == wantType {
			return v
		}
	}
}

func writeEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, ev map[string]any) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func TestSessionWSConnectAndInput(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := f.registry.GetOrCreate(ctx, "ses-ws", "proj", f.dir, "", session.ModeStructured); err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := f.dial(t, ctx, "/ws/sessions/ses-ws")

	connected := readFrameType(t, ctx, conn, "connected")
	if connected["sessionId"] != "ses-ws" {
		t.Fatalf("connected = %v", connected)
	}

	writeEvent(t, ctx, conn, map[string]any{"type": "input", "content": "hello agent"})

	user := readFrameType(t, ctx, conn, "user")
	raw, _ := json.Marshal(user)
	if !strings.Contains(string(raw), "hello agent") {
		t.Fatalf("user frame missing content: %s", raw)
	}
}

func TestSessionWSReplayForSecondClient(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := f.registry.GetOrCreate(ctx, "ses-replay", "proj", f.dir, "", session.ModeStructured); err != nil {
		t.Fatalf("create session: %v", err)
	}

	first := f.dial(t, ctx, "/ws/sessions/ses-replay")
	readFrameType(t, ctx, first, "connected")
	writeEvent(t, ctx, first, map[string]any{"type": "input", "content": "first message"})
	readFrameType(t, ctx, first, "user")

	// A late joiner sees the earlier frame via replay.
	second := f.dial(t, ctx, "/ws/sessions/ses-replay")
	readFrameType(t, ctx, second, "connected")
	user := readFrameType(t, ctx, second, "user")
	raw, _ := json.Marshal(user)
	if !strings.Contains(string(raw), "first message") {
		t.Fatalf("replayed frame missing content: %s", raw)
	}
}

func TestSessionWSPermissionRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.setAgentScript(t, strings.Join([]string{
		`echo '{"type":"control_request","request_id":"req-ws","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}'`,
		`read resp`,
		`case "$resp" in *'"behavior":"allow"'*) echo '{"type":"assistant","uuid":"ok-ws"}';; esac`,
		`exec cat`,
	}, "\n"))

	if _, err := f.registry.GetOrCreate(ctx, "ses-ws-perm", "proj", f.dir, "", session.ModeStructured); err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := f.dial(t, ctx, "/ws/sessions/ses-ws-perm")
	readFrameType(t, ctx, conn, "connected")

	req := readFrameType(t, ctx, conn, "permission-request")
	if req["toolName"] != "Bash" || req["requestId"] != "req-ws" {
		t.Fatalf("permission request = %v", req)
	}

	writeEvent(t, ctx, conn, map[string]any{
		"type":      "permission-response",
		"requestId": "req-ws",
		"behavior":  "allow",
		"toolName":  "Bash",
	})

	resolved := readFrameType(t, ctx, conn, "permission-resolved")
	if resolved["behavior"] != "allow" {
		t.Fatalf("resolved = %v", resolved)
	}
	readFrameType(t, ctx, conn, "assistant")
}

func TestSessionWSUnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, f.ts.URL+"/ws/sessions/no-such", nil)
	if err == nil {
		t.Fatal("dial succeeded for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %v, want 404", resp)
	}
}

func TestSessionWSUnknownEventType(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := f.registry.GetOrCreate(ctx, "ses-ws-bad", "proj", f.dir, "", session.ModeStructured); err != nil {
		t.Fatalf("create session: %v", err)
	}
	conn := f.dial(t, ctx, "/ws/sessions/ses-ws-bad")
	readFrameType(t, ctx, conn, "connected")

	writeEvent(t, ctx, conn, map[string]any{"type": "launch-missiles"})
	errFrame := readFrameType(t, ctx, conn, "error")
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "unknown event type") {
		t.Fatalf("error frame = %v", errFrame)
	}
}

func TestEventsWSStreamsRegistryChanges(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, "/ws/events")

	if _, err := f.registry.GetOrCreate(ctx, "ses-events", "proj", f.dir, "", session.ModeStructured); err != nil {
		t.Fatalf("create session: %v", err)
	}

	ev := readFrameType(t, ctx, conn, "session-state")
	if ev["sessionId"] != "ses-events" || ev["topic"] != "session.created" {
		t.Fatalf("event = %v", ev)
	}
}
