package session

import (
	"encoding/base64"
	"encoding/json"

	"github.com/basket/sessiond/internal/broker"
)

// Bridge event types delivered to clients alongside the process's own
// message stream. They share the protocol's tagged-envelope shape so a
// client demuxes everything off one `type` field.
const (
	EventConnected          = "connected"
	EventPermissionRequest  = "permission-request"
	EventPermissionResolved = "permission-resolved"
	EventTerminalStatus     = "terminal-status"
	EventRawOutput          = "raw-output"
)

// Terminal status reasons.
const (
	ReasonClosed  = "closed"
	ReasonCrashed = "crashed"
	ReasonEvicted = "evicted"
)

func connectedEvent(sessionID string, state State, pending []broker.Pending) []byte {
	reqs := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		reqs = append(reqs, map[string]any{
			"requestId": p.ID,
			"toolName":  p.ToolName,
			"toolInput": json.RawMessage(p.Input),
		})
	}
	return mustMarshal(map[string]any{
		"type":               EventConnected,
		"sessionId":          sessionID,
		"state":              string(state),
		"pendingPermissions": reqs,
	})
}

func permissionRequestEvent(p broker.Pending) []byte {
	return mustMarshal(map[string]any{
		"type":      EventPermissionRequest,
		"requestId": p.ID,
		"toolName":  p.ToolName,
		"toolInput": json.RawMessage(p.Input),
	})
}

func permissionResolvedEvent(id string, d broker.Decision) []byte {
	behavior := "deny"
	if d.Allow {
		behavior = "allow"
	}
	return mustMarshal(map[string]any{
		"type":      EventPermissionResolved,
		"requestId": id,
		"behavior":  behavior,
	})
}

func terminalStatusEvent(reason, detail string) []byte {
	ev := map[string]any{
		"type":   EventTerminalStatus,
		"reason": reason,
	}
	if detail != "" {
		ev["detail"] = detail
	}
	return mustMarshal(ev)
}

func rawOutputEvent(chunk []byte) []byte {
	return mustMarshal(map[string]any{
		"type": EventRawOutput,
		"data": base64.StdEncoding.EncodeToString(chunk),
	})
}

// mustMarshal is safe here: every payload above is a map of marshalable
// values, so an error is a programming bug.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
