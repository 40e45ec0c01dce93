// Package audit journals permission decisions to an append-only JSONL file.
// Every allow or deny of an agent tool request lands here, including the
// automatic approvals that come from a remembered always-allow choice.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/sessiond/internal/telemetry"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens the trail at <home>/logs/permissions.jsonl. Calling it again
// while open is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "permissions.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Decision is "allow", "deny", or "auto-allow".
// Tool input and client messages can carry secrets, so detail is redacted
// before it hits disk. Safe to call before Init; the entry is dropped.
func Record(decision, sessionID, requestID, toolName, detail string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	detail = telemetry.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		SessionID: sessionID,
		RequestID: requestID,
		ToolName:  toolName,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
