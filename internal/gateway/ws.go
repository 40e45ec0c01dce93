package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/session"
)

// clientEvent is an inbound frame from a WebSocket client. Type selects
// which of the remaining fields matter.
type clientEvent struct {
	Type string `json:"type"`

	// input
	Content string `json:"content,omitempty"`

	// permission-response
	RequestID   string `json:"requestId,omitempty"`
	Behavior    string `json:"behavior,omitempty"`
	Message     string `json:"message,omitempty"`
	AlwaysAllow bool   `json:"alwaysAllow,omitempty"`
	ToolName    string `json:"toolName,omitempty"`

	// raw-input (base64) and resize, raw mode only
	Data string `json:"data,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// handleSessionWS upgrades /ws/sessions/{id} and streams the session to the
// client: connected frame, ledger replay, then live events.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	sess, err := s.cfg.Registry.Get(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := sess.EnsureActivated(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, session.ErrSessionNotActive) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: client connected", "session_id", sessionID)
	defer func() {
		s.logger.Info("ws: client disconnecting", "session_id", sessionID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	s.serve(r.Context(), sess, conn)
}

// serve runs one client connection: replay then live on the write side,
// client events on the read side. Returns when either side or daemon
// shutdown ends the connection.
func (s *Server) serve(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	att := sess.Attach()
	defer sess.Detach(att)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveAttachments.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveAttachments.Add(context.Background(), -1)
	}

	if err := conn.Write(ctx, websocket.MessageText, att.Connected()); err != nil {
		return
	}
	for _, frame := range att.Replay() {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
	}

	// Write side. Ends when the attachment closes, the client goes away, or
	// the daemon shuts down.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			case frame, ok := <-att.Live():
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
				s.countFrames(ctx, 1)
			}
		}
	}()

	s.readLoop(ctx, sess, conn)
	cancel()
	<-writeDone
}

func (s *Server) readLoop(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.writeError(ctx, conn, "malformed event")
			continue
		}
		if err := s.dispatch(ctx, sess, ev); err != nil {
			s.logger.Warn("ws: client event failed", "session_id", sess.ID, "type", ev.Type, "error", err)
			s.writeError(ctx, conn, err.Error())
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, ev clientEvent) error {
	switch ev.Type {
	case "input":
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.InputFrames.Add(ctx, 1)
		}
		return sess.SendInput(ev.Content)
	case "permission-response":
		allow := ev.Behavior == "allow"
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PermissionDecisions.Add(ctx, 1,
				metric.WithAttributes(attribute.String("behavior", ev.Behavior)))
		}
		return sess.ResolvePermission(ctx, ev.RequestID, allow, ev.Message, ev.ToolName, ev.AlwaysAllow)
	case "interrupt":
		return sess.Interrupt()
	case "raw-input":
		data, err := base64.StdEncoding.DecodeString(ev.Data)
		if err != nil {
			return fmt.Errorf("decode raw input: %w", err)
		}
		return sess.SendRaw(data)
	case "resize":
		return sess.Resize(ev.Rows, ev.Cols)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	frame, _ := json.Marshal(map[string]string{"type": "error", "message": msg})
	_ = conn.Write(ctx, websocket.MessageText, frame)
}

// handleEventsWS streams registry and session lifecycle changes so a client
// can keep its session list current without polling.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	// Subscribe before the handshake completes so a client never misses an
	// event published right after its dial returns.
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Notice client disconnects; no inbound events are expected here.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := busEventFrame(ev)
			if frame == nil {
				continue
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

func busEventFrame(ev bus.Event) map[string]any {
	switch payload := ev.Payload.(type) {
	case bus.SessionStateEvent:
		return map[string]any{
			"type":      "session-state",
			"topic":     ev.Topic,
			"sessionId": payload.SessionID,
			"project":   payload.Project,
			"state":     payload.State,
			"crashed":   payload.Crashed,
		}
	case bus.IndexChangedEvent:
		return map[string]any{
			"type":      "index-changed",
			"sessionId": payload.SessionID,
		}
	default:
		return nil
	}
}
