package protocol

import (
	"encoding/json"
	"strings"
)

// SummaryText returns the summary string of a summary entry, or "".
func SummaryText(payload []byte) string {
	var v struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	return strings.TrimSpace(v.Summary)
}

// PromptText returns the human-readable text of a user or assistant message
// payload. Content is either a plain string or a list of typed blocks; only
// text blocks contribute. Returns "" when no text is present.
func PromptText(payload []byte) string {
	var v struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &v); err != nil || len(v.Message.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(v.Message.Content, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(v.Message.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}
