// Package session is the heart of the bridge: it owns one agent subprocess
// per session, funnels every message through the ledger, brokers permission
// requests, and fans the resulting stream out to any number of attached
// clients with replay on attach.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/basket/sessiond/internal/audit"
	"github.com/basket/sessiond/internal/broker"
	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/history"
	"github.com/basket/sessiond/internal/ledger"
	"github.com/basket/sessiond/internal/proc"
	"github.com/basket/sessiond/internal/protocol"
	"github.com/basket/sessiond/internal/store"
)

// State is a session's lifecycle position.
type State string

const (
	StateCreated    State = "created"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateArchived   State = "archived"
	StateDead       State = "dead"
)

// Mode selects how the agent process is driven. Structured sessions speak
// line-delimited JSON over pipes and get ledger dedup and replay; raw
// sessions run under a PTY and stream terminal bytes untouched.
type Mode string

const (
	ModeStructured Mode = "structured"
	ModeRaw        Mode = "raw"
)

// Spawn describes how to launch the agent CLI.
type Spawn struct {
	Command  string
	BaseArgs []string
	Env      []string
	PTYRows  uint16
	PTYCols  uint16
}

// attachmentBuffer bounds each client's live channel. A client that cannot
// keep up loses events; everyone else is unaffected.
const attachmentBuffer = 256

// Attachment is one client's view of a session stream: a connected frame
// and replay snapshot taken atomically at attach time, then a live channel.
type Attachment struct {
	id        string
	connected []byte
	replay    [][]byte
	live      chan []byte
}

// ID identifies the attachment in logs.
func (a *Attachment) ID() string { return a.id }

// Connected is the first frame the client must receive: session state plus
// the permission prompts that were pending at attach time. A prompt appears
// either here or on the live channel, never both.
func (a *Attachment) Connected() []byte { return a.connected }

// Replay returns the frames the client must receive before reading Live.
// Every ledger entry at attach time appears exactly once: either here or,
// for entries appended afterwards, on the live channel.
func (a *Attachment) Replay() [][]byte { return a.replay }

// Live returns the channel of frames appended after attach. Closed on
// detach.
func (a *Attachment) Live() <-chan []byte { return a.live }

// Session bridges one agent subprocess to many clients.
type Session struct {
	ID         string
	Project    string
	WorkingDir string
	ResumeID   string
	Mode       Mode

	logger  *slog.Logger
	bus     *bus.Bus
	spawn   Spawn
	hist    *history.Store
	meta    *store.Store

	ledger *ledger.Ledger
	broker *broker.Broker

	mu        sync.Mutex
	state     State
	ready     chan struct{} // non-nil while activating
	transport *proc.Transport
	ptyRun    *proc.PTYRunner

	loadOnce sync.Once
	loadErr  error

	// castMu makes ledger append + fan-out atomic with respect to Attach,
	// which is what guarantees exactly-once delivery across the
	// replay/live boundary. pendingReqs mirrors the broker's unresolved
	// prompts under the same lock so the connected-frame snapshot and the
	// permission-request fan-out cannot both deliver one prompt.
	castMu      sync.Mutex
	attachments map[*Attachment]struct{}
	pendingReqs map[string]broker.Pending

	reqSeq atomic.Uint64
}

// New creates a session in the created state. The process is not spawned
// until EnsureActivated.
func New(logger *slog.Logger, eventBus *bus.Bus, spawn Spawn, hist *history.Store, meta *store.Store, id, project, workingDir, resumeID string, mode Mode) *Session {
	s := &Session{
		ID:          id,
		Project:     project,
		WorkingDir:  workingDir,
		ResumeID:    resumeID,
		Mode:        mode,
		logger:      logger.With("session_id", id),
		bus:         eventBus,
		spawn:       spawn,
		hist:        hist,
		meta:        meta,
		ledger:      ledger.New(),
		state:       StateCreated,
		attachments: map[*Attachment]struct{}{},
		pendingReqs: map[string]broker.Pending{},
	}
	s.broker = broker.New(s.logger, s)
	return s
}

// CurrentState returns the session's lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Broker exposes the session's permission broker.
func (s *Session) Broker() *broker.Broker {
	return s.broker
}

// EnsureActivated spawns the agent process if it is not already running.
// Concurrent callers single-flight onto one spawn attempt; a failed attempt
// returns the session to created so a retry is possible.
func (s *Session) EnsureActivated(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case StateActive:
			s.mu.Unlock()
			return nil

		case StateArchived, StateDead:
			s.mu.Unlock()
			return fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrSessionNotActive)

		case StateActivating:
			ready := s.ready
			s.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mu.Lock()
			st := s.state
			s.mu.Unlock()
			if st == StateActive {
				return nil
			}
			if st == StateCreated {
				// The flight we waited on failed; report it rather than
				// silently retrying on the waiter's behalf.
				return fmt.Errorf("session %s: %w", s.ID, ErrActivationFailed)
			}
			return fmt.Errorf("session %s is %s: %w", s.ID, st, ErrSessionNotActive)

		case StateCreated:
			s.state = StateActivating
			s.ready = make(chan struct{})
			ready := s.ready
			s.mu.Unlock()

			err := s.activate(ctx)

			s.mu.Lock()
			if s.state != StateActivating {
				// Closed while activating. Kill whatever we spawned.
				t, p := s.transport, s.ptyRun
				s.transport, s.ptyRun = nil, nil
				close(ready)
				s.ready = nil
				s.mu.Unlock()
				if t != nil {
					t.Close()
				}
				if p != nil {
					p.Close()
				}
				return fmt.Errorf("session %s closed during activation: %w", s.ID, ErrSessionNotActive)
			}
			if err != nil {
				s.state = StateCreated
			} else {
				s.state = StateActive
			}
			close(ready)
			s.ready = nil
			s.mu.Unlock()

			if err != nil {
				s.logger.Error("session: activation failed", "error", err)
				return fmt.Errorf("%w: %v", ErrActivationFailed, err)
			}
			s.logger.Info("session: active", "mode", s.Mode)
			s.bus.Publish(bus.TopicSessionActivated, bus.SessionStateEvent{
				SessionID: s.ID, Project: s.Project, State: string(StateActive),
			})
			return nil
		}
	}
}

func (s *Session) activate(ctx context.Context) error {
	if s.Mode == ModeRaw {
		return s.activateRaw()
	}

	if err := s.loadHistory(); err != nil {
		return err
	}
	if tools, err := s.meta.AllowedTools(ctx, s.ID); err != nil {
		s.logger.Warn("session: load allowed tools failed", "error", err)
	} else if len(tools) > 0 {
		s.broker.AlwaysAllow(tools...)
	}

	args := append([]string{}, s.spawn.BaseArgs...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-mode", "default",
		"--verbose",
	)
	args = s.appendSessionArgs(args)

	t, err := proc.Start(s.logger, s.spawn.Command, args, s.WorkingDir, s.spawn.Env)
	if err != nil {
		return err
	}
	s.logger.Info("session: process spawned", "pid", t.PID())
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	go s.consume(t)
	return nil
}

func (s *Session) activateRaw() error {
	args := append([]string{}, s.spawn.BaseArgs...)
	args = s.appendSessionArgs(args)

	rows, cols := s.spawn.PTYRows, s.spawn.PTYCols
	if rows == 0 {
		rows = 40
	}
	if cols == 0 {
		cols = 120
	}
	p, err := proc.StartPTY(s.logger, s.spawn.Command, args, s.WorkingDir, rows, cols)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ptyRun = p
	s.mu.Unlock()

	go s.consumeRaw(p)
	return nil
}

func (s *Session) appendSessionArgs(args []string) []string {
	if s.ResumeID != "" {
		return append(args, "--resume", s.ResumeID)
	}
	return append(args, "--session-id", s.ID)
}

// loadHistory seeds the ledger from the durable transcript, once.
func (s *Session) loadHistory() error {
	s.loadOnce.Do(func() {
		lines, err := s.hist.ReadAll(s.historyRef())
		if err != nil {
			s.loadErr = fmt.Errorf("load history: %w", err)
			return
		}
		n := s.ledger.Load(lines)
		if n > 0 {
			s.logger.Info("session: history loaded", "entries", n)
		}
	})
	return s.loadErr
}

func (s *Session) historyRef() history.Ref {
	return history.Ref{Project: s.Project, SessionID: s.ID}
}

// consume routes the structured process stream: control frames go to the
// broker, everything else lands in the ledger and fans out.
func (s *Session) consume(t *proc.Transport) {
	for line := range t.Lines() {
		env, ok := protocol.Peek(line)
		if ok && env.Type == protocol.TypeControlRequest {
			s.handleControlRequest(t, line)
			continue
		}
		if ok && env.Type == protocol.TypeControlResponse {
			// Ack for a frame we sent; nothing for clients.
			continue
		}
		s.ingest(line)
	}

	st := <-t.Exited()
	detail := ""
	if st.Crashed {
		detail = strings.Join(t.StderrTail(), "\n")
	}
	s.handleExit(st.Crashed, detail)
}

func (s *Session) consumeRaw(p *proc.PTYRunner) {
	for chunk := range p.Output() {
		s.broadcast(rawOutputEvent(chunk))
	}
	<-p.Done()
	s.handleExit(p.Crashed(), "")
}

func (s *Session) handleControlRequest(t *proc.Transport, line []byte) {
	req, err := protocol.ParseControlRequest(line)
	if err != nil {
		s.logger.Warn("session: bad control_request", "error", err)
		return
	}
	if req.Request.Subtype != protocol.SubtypeCanUseTool {
		s.logger.Debug("session: control_request ignored", "subtype", req.Request.Subtype)
		return
	}

	// Each permission request blocks its own goroutine, never the consumer
	// loop, so the agent can stack several prompts.
	go func() {
		d, err := s.broker.Request(context.Background(), req.RequestID, req.Request.ToolName, req.Request.Input)
		behavior := protocol.BehaviorDeny
		message := ""
		if err == nil && d.Allow {
			behavior = protocol.BehaviorAllow
		} else if err == nil {
			message = d.Message
		}
		audit.Record(behavior, s.ID, req.RequestID, req.Request.ToolName, message)
		frame, err := protocol.PermissionResponse(req.RequestID, behavior, message)
		if err != nil {
			s.logger.Error("session: build control_response", "error", err)
			return
		}
		if err := t.Send(frame); err != nil {
			s.logger.Warn("session: control_response not delivered", "request_id", req.RequestID, "error", err)
		}
	}()
}

// ingest appends a line to the ledger and, when accepted, persists and
// broadcasts it. Duplicates disappear here. The history write stays inside
// the critical section so the JSONL mirror carries entries in ledger order.
func (s *Session) ingest(line []byte) {
	s.castMu.Lock()
	defer s.castMu.Unlock()
	entry, ok := s.ledger.Append(line)
	if !ok {
		return
	}
	if err := s.hist.Append(s.historyRef(), entry.Payload); err != nil {
		s.logger.Warn("session: history append failed", "error", err)
	}
	s.fanOut(entry.Payload)
}

// broadcast delivers a bridge event frame (not a ledger entry) to all
// attachments.
func (s *Session) broadcast(frame []byte) {
	s.castMu.Lock()
	defer s.castMu.Unlock()
	s.fanOut(frame)
}

// fanOut requires castMu.
func (s *Session) fanOut(frame []byte) {
	for att := range s.attachments {
		select {
		case att.live <- frame:
		default:
			s.logger.Warn("session: slow client, frame dropped", "attachment", att.id)
		}
	}
}

// Attach registers a client. For structured sessions the attachment carries
// a replay snapshot consistent with the live channel: an entry appended
// concurrently lands in exactly one of the two.
func (s *Session) Attach() *Attachment {
	if s.Mode == ModeStructured {
		// Best effort: an attach before activation still shows history.
		if err := s.loadHistory(); err != nil {
			s.logger.Warn("session: history load on attach failed", "error", err)
		}
	}

	att := &Attachment{
		id:   uuid.NewString(),
		live: make(chan []byte, attachmentBuffer),
	}

	s.castMu.Lock()
	if s.Mode == ModeStructured {
		entries := s.ledger.Replay()
		att.replay = make([][]byte, 0, len(entries))
		for _, e := range entries {
			att.replay = append(att.replay, e.Payload)
		}
	}
	pending := make([]broker.Pending, 0, len(s.pendingReqs))
	for _, p := range s.pendingReqs {
		pending = append(pending, p)
	}
	att.connected = connectedEvent(s.ID, s.CurrentState(), pending)
	s.attachments[att] = struct{}{}
	s.castMu.Unlock()

	s.logger.Debug("session: attached", "attachment", att.id, "replay", len(att.replay))
	return att
}

// Detach unregisters a client and closes its live channel. Idempotent; the
// process and ledger are untouched.
func (s *Session) Detach(att *Attachment) {
	if att == nil {
		return
	}
	s.castMu.Lock()
	_, ok := s.attachments[att]
	if ok {
		delete(s.attachments, att)
		close(att.live)
	}
	s.castMu.Unlock()
	if ok {
		s.logger.Debug("session: detached", "attachment", att.id)
	}
}

// AttachmentCount returns the number of connected clients.
func (s *Session) AttachmentCount() int {
	s.castMu.Lock()
	defer s.castMu.Unlock()
	return len(s.attachments)
}

// SendInput delivers user input to the process. Structured sessions get the
// protocol's user frame, ledgered and broadcast before the write so every
// client sees the input exactly once; raw sessions get the bytes plus a
// carriage return.
func (s *Session) SendInput(content string) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrSessionNotActive)
	}
	t, p := s.transport, s.ptyRun
	s.mu.Unlock()

	if s.Mode == ModeRaw {
		return p.Write(append([]byte(content), '\r'))
	}

	frame, err := protocol.UserMessage(content, s.ID, uuid.NewString())
	if err != nil {
		return err
	}
	s.ingest(frame)
	return t.Send(frame)
}

// SendRaw feeds raw terminal bytes to a raw-mode session.
func (s *Session) SendRaw(data []byte) error {
	if s.Mode != ModeRaw {
		return ErrWrongMode
	}
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrSessionNotActive)
	}
	p := s.ptyRun
	s.mu.Unlock()
	return p.Write(data)
}

// Resize adjusts a raw-mode session's terminal.
func (s *Session) Resize(rows, cols uint16) error {
	if s.Mode != ModeRaw {
		return ErrWrongMode
	}
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrSessionNotActive)
	}
	p := s.ptyRun
	s.mu.Unlock()
	return p.Resize(rows, cols)
}

// Interrupt asks the agent to stop its current turn.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrSessionNotActive)
	}
	t, p := s.transport, s.ptyRun
	s.mu.Unlock()

	if s.Mode == ModeRaw {
		// Ctrl+C through the terminal.
		return p.Write([]byte{0x03})
	}
	frame, err := protocol.InterruptRequest(s.nextRequestID())
	if err != nil {
		return err
	}
	return t.Send(frame)
}

func (s *Session) nextRequestID() string {
	return fmt.Sprintf("req_%d_%s", s.reqSeq.Add(1), uuid.NewString()[:8])
}

// ResolvePermission answers a pending permission request on behalf of a
// client. Unknown IDs are logged and ignored. With alwaysAllow, the tool is
// whitelisted, other pending prompts for it are approved, and the choice is
// persisted for future resumes of this session.
func (s *Session) ResolvePermission(ctx context.Context, requestID string, allow bool, message, toolName string, alwaysAllow bool) error {
	d := broker.Decision{Allow: allow, Message: message, Remember: allow && alwaysAllow}
	if err := s.broker.Resolve(requestID, d); err != nil {
		s.logger.Warn("session: resolve for unknown request", "request_id", requestID)
		return nil
	}
	if d.Remember && toolName != "" {
		if err := s.meta.AllowTool(ctx, s.ID, toolName); err != nil {
			s.logger.Warn("session: persist allowed tool failed", "tool", toolName, "error", err)
		}
	}
	return nil
}

// PermissionRequested implements broker.Notifier. The mirror update and the
// fan-out share one castMu section so an attach sees the prompt in its
// connected snapshot or on its live channel, never both.
func (s *Session) PermissionRequested(p broker.Pending) {
	s.castMu.Lock()
	defer s.castMu.Unlock()
	s.pendingReqs[p.ID] = p
	s.fanOut(permissionRequestEvent(p))
}

// PermissionResolved implements broker.Notifier.
func (s *Session) PermissionResolved(id string, d broker.Decision) {
	s.castMu.Lock()
	defer s.castMu.Unlock()
	delete(s.pendingReqs, id)
	s.fanOut(permissionResolvedEvent(id, d))
}

// Ledger exposes the message ledger for listings and read tracking.
func (s *Session) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *Session) handleExit(crashed bool, detail string) {
	s.mu.Lock()
	if s.state == StateArchived {
		// Close initiated this exit and already told everyone.
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	s.transport = nil
	s.ptyRun = nil
	s.mu.Unlock()

	s.broker.CloseAll()
	s.broadcast(terminalStatusEvent(ReasonCrashed, detail))
	s.logger.Error("session: process died", "crashed", crashed, "detail", detail)
	s.bus.Publish(bus.TopicSessionExited, bus.SessionStateEvent{
		SessionID: s.ID, Project: s.Project, State: string(StateDead), Crashed: crashed,
	})
}

// Close stops the session cleanly: deny pending permissions, tear the
// process down, and tell every client the stream is over. Idempotent.
func (s *Session) Close() {
	s.closeWith(ReasonClosed)
}

func (s *Session) closeWith(reason string) {
	s.mu.Lock()
	if s.state == StateArchived {
		s.mu.Unlock()
		return
	}
	s.state = StateArchived
	t, p := s.transport, s.ptyRun
	s.transport, s.ptyRun = nil, nil
	s.mu.Unlock()

	s.broker.CloseAll()
	if t != nil {
		t.Close()
	}
	if p != nil {
		p.Close()
	}
	s.broadcast(terminalStatusEvent(reason, ""))
	s.logger.Info("session: closed", "reason", reason)
	s.bus.Publish(bus.TopicSessionExited, bus.SessionStateEvent{
		SessionID: s.ID, Project: s.Project, State: string(StateArchived),
	})
}
