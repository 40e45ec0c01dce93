// Command ws_check exercises a running sessiond end to end: auth rejection,
// session creation over REST, then a WebSocket attach that must produce a
// connected frame. Prints VERDICT PASS on success, exits nonzero otherwise.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	base := flag.String("base", "http://127.0.0.1:18790", "daemon base URL")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token expected by the gateway")
	project := flag.String("project", "ws-check", "project label for the probe session")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}

	// Health endpoint is open even with auth enabled.
	healthResp, err := client.Get(*base + "/healthz")
	if err != nil || healthResp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthz failed: status=%v err=%v\n", healthResp, err)
		os.Exit(1)
	}
	healthResp.Body.Close()
	fmt.Println("HEALTH_CHECK ok")

	// Missing auth must be rejected on the API surface.
	unauthResp, err := client.Get(*base + "/api/sessions")
	if err != nil {
		fmt.Fprintf(os.Stderr, "unauthenticated request failed to send: %v\n", err)
		os.Exit(1)
	}
	unauthResp.Body.Close()
	if unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got %d\n", unauthResp.StatusCode)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	// Create a probe session.
	sessionID := fmt.Sprintf("ws-check-%d", time.Now().UnixNano())
	body := mustJSON(map[string]interface{}{
		"session_id": sessionID,
		"project":    *project,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *base+"/api/sessions", bytes.NewBufferString(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build create request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*token))
	req.Header.Set("Content-Type", "application/json")
	createResp, err := client.Do(req)
	if err != nil || createResp.StatusCode != http.StatusCreated {
		fmt.Fprintf(os.Stderr, "create session failed: status=%v err=%v\n", createResp, err)
		os.Exit(1)
	}
	createResp.Body.Close()
	fmt.Printf("SESSION_CREATED id=%s\n", sessionID)

	// Attach over WebSocket and expect the connected frame first.
	wsURL := strings.Replace(*base, "http", "ws", 1) + "/ws/sessions/" + sessionID
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var frame map[string]interface{}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		fmt.Fprintf(os.Stderr, "read first frame: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("<< %s\n", mustJSON(frame))
	if frame["type"] != "connected" {
		fmt.Fprintf(os.Stderr, "expected connected frame, got %v\n", frame["type"])
		os.Exit(1)
	}
	if frame["sessionId"] != sessionID {
		fmt.Fprintf(os.Stderr, "connected frame for wrong session: %v\n", frame["sessionId"])
		os.Exit(1)
	}

	// Clean up the probe session.
	delReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, *base+"/api/sessions/"+sessionID, nil)
	if err == nil {
		delReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*token))
		if resp, err := client.Do(delReq); err == nil {
			resp.Body.Close()
		}
	}

	fmt.Println("VERDICT PASS")
}
