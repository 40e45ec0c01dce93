package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/history"
	"github.com/basket/sessiond/internal/protocol"
	"github.com/basket/sessiond/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	bus  *bus.Bus
	hist *history.Store
	meta *store.Store
	dir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	hist, err := history.NewStore(dir)
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	meta, err := store.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("meta store: %v", err)
	}
	t.Cleanup(func() {
		hist.Close()
		meta.Close()
	})
	return &fixture{bus: bus.New(), hist: hist, meta: meta, dir: dir}
}

// writeScript installs a fake agent CLI under the fixture dir.
func (f *fixture) writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func (f *fixture) session(t *testing.T, command string, id string, mode Mode) *Session {
	t.Helper()
	s := New(testLogger(), f.bus, Spawn{Command: command}, f.hist, f.meta, id, "proj", f.dir, "", mode)
	t.Cleanup(s.Close)
	return s
}

// echoAgent ignores CLI flags and echoes stdin back, like an agent that
// mirrors user frames into its output stream.
const echoAgent = `exec cat`

func waitFrame(t *testing.T, att *Attachment, wantType string) map[string]any {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-att.Live():
			if !ok {
				t.Fatalf("attachment closed while waiting for %q", wantType)
			}
			var v map[string]any
			if err := json.Unmarshal(frame, &v); err != nil {
				t.Fatalf("bad frame %s: %v", frame, err)
			}
			if v["type"] == wantType {
				return v
			}
		case <-timeout:
			t.Fatalf("no %q frame", wantType)
		}
	}
}

func TestEnsureActivatedSingleFlight(t *testing.T) {
	f := newFixture(t)
	pidFile := filepath.Join(f.dir, "pids")
	script := f.writeScript(t, fmt.Sprintf("echo $$ >> %s\nexec cat", pidFile))
	s := f.session(t, script, "ses-flight", ModeStructured)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureActivated(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("activate: %v", err)
		}
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if n := len(strings.Fields(string(data))); n != 1 {
		t.Fatalf("spawned %d processes, want 1", n)
	}
	if got := s.CurrentState(); got != StateActive {
		t.Fatalf("state = %s", got)
	}
}

func TestSendInputRequiresActive(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "cat", "ses-inactive", ModeStructured)
	if err := s.SendInput("hi"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive", err)
	}
}

func TestSendInputBroadcastOnceDespiteEcho(t *testing.T) {
	f := newFixture(t)
	script := f.writeScript(t, echoAgent)
	s := f.session(t, script, "ses-echo", ModeStructured)
	if err := s.EnsureActivated(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	att := s.Attach()
	defer s.Detach(att)

	if err := s.SendInput("hello there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFrame(t, att, "user")

	// The echo carries the same uuid; the ledger must reject it, so no
	// second user frame arrives.
	select {
	case frame := <-att.Live():
		var v map[string]any
		_ = json.Unmarshal(frame, &v)
		if v["type"] == "user" {
			t.Fatalf("echoed user frame re-broadcast: %s", frame)
		}
	case <-time.After(500 * time.Millisecond):
	}
	if s.Ledger().Len() != 1 {
		t.Fatalf("ledger len = %d, want 1", s.Ledger().Len())
	}
}

func TestAttachReplaysHistory(t *testing.T) {
	f := newFixture(t)
	ref := history.Ref{Project: "proj", SessionID: "ses-replay"}
	for i := 0; i < 3; i++ {
		line := fmt.Sprintf(`{"type":"assistant","uuid":"h%d"}`, i)
		if err := f.hist.Append(ref, []byte(line)); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	s := f.session(t, "cat", "ses-replay", ModeStructured)
	att := s.Attach()
	defer s.Detach(att)

	if len(att.Replay()) != 3 {
		t.Fatalf("replay len = %d, want 3", len(att.Replay()))
	}
	var v map[string]any
	if err := json.Unmarshal(att.Replay()[0], &v); err != nil || v["uuid"] != "h0" {
		t.Fatalf("first replay frame = %s", att.Replay()[0])
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	f := newFixture(t)
	// Emits a permission request, then converts the response line into an
	// assistant message so the test can observe it reached the process.
	script := f.writeScript(t, strings.Join([]string{
		`echo '{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}'`,
		`read resp`,
		`case "$resp" in *'"behavior":"allow"'*) echo '{"type":"assistant","uuid":"ok-1"}';; esac`,
		`exec cat`,
	}, "\n"))
	s := f.session(t, script, "ses-perm", ModeStructured)

	att := s.Attach()
	defer s.Detach(att)
	if err := s.EnsureActivated(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	reqFrame := waitFrame(t, att, EventPermissionRequest)
	if reqFrame["toolName"] != "Bash" || reqFrame["requestId"] != "req-1" {
		t.Fatalf("permission request = %v", reqFrame)
	}

	if err := s.ResolvePermission(context.Background(), "req-1", true, "", "Bash", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitFrame(t, att, EventPermissionResolved)
	waitFrame(t, att, "assistant")

	// alwaysAllow must persist for resumed sessions.
	tools, err := f.meta.AllowedTools(context.Background(), "ses-perm")
	if err != nil {
		t.Fatalf("allowed tools: %v", err)
	}
	if len(tools) != 1 || tools[0] != "Bash" {
		t.Fatalf("persisted tools = %v", tools)
	}
}

func TestResolveUnknownRequestIsNoOp(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "cat", "ses-unknown", ModeStructured)
	if err := s.ResolvePermission(context.Background(), "nope", true, "", "", false); err != nil {
		t.Fatalf("unknown resolve returned error: %v", err)
	}
}

func TestCrashMarksDeadAndDeniesPending(t *testing.T) {
	f := newFixture(t)
	// Emits a permission request, then dies.
	script := f.writeScript(t, strings.Join([]string{
		`echo '{"type":"control_request","request_id":"req-9","request":{"subtype":"can_use_tool","tool_name":"Write","input":{}}}'`,
		`sleep 0.2`,
		`exit 1`,
	}, "\n"))
	s := f.session(t, script, "ses-crash", ModeStructured)

	att := s.Attach()
	defer s.Detach(att)
	if err := s.EnsureActivated(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	waitFrame(t, att, EventPermissionRequest)
	status := waitFrame(t, att, EventTerminalStatus)
	if status["reason"] != ReasonCrashed {
		t.Fatalf("reason = %v", status["reason"])
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.CurrentState() != StateDead {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want dead", s.CurrentState())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(s.Broker().PendingSnapshot()); got != 0 {
		t.Fatalf("pending after crash = %d", got)
	}
}

func TestCloseArchivesAndNotifies(t *testing.T) {
	f := newFixture(t)
	script := f.writeScript(t, echoAgent)
	s := f.session(t, script, "ses-close", ModeStructured)
	if err := s.EnsureActivated(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	att := s.Attach()
	defer s.Detach(att)

	s.Close()
	status := waitFrame(t, att, EventTerminalStatus)
	if status["reason"] != ReasonClosed {
		t.Fatalf("reason = %v", status["reason"])
	}
	if got := s.CurrentState(); got != StateArchived {
		t.Fatalf("state = %s", got)
	}

	// Close is idempotent and the session stays archived.
	s.Close()
	if err := s.EnsureActivated(context.Background()); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("activate after close = %v, want ErrSessionNotActive", err)
	}
}

func TestDetachIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "cat", "ses-detach", ModeStructured)
	att := s.Attach()
	s.Detach(att)
	s.Detach(att)
	s.Detach(nil)
	if got := s.AttachmentCount(); got != 0 {
		t.Fatalf("attachments = %d", got)
	}
}

func TestRawModeStreamsBytes(t *testing.T) {
	f := newFixture(t)
	script := f.writeScript(t, "printf 'ready\\n'\nexec cat")
	s := f.session(t, script, "ses-raw", ModeRaw)

	att := s.Attach()
	defer s.Detach(att)
	if len(att.Replay()) != 0 {
		t.Fatalf("raw session has replay: %d frames", len(att.Replay()))
	}
	if err := s.EnsureActivated(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	waitFrame(t, att, EventRawOutput)

	if err := s.SendRaw([]byte("x")); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	if err := s.Resize(50, 100); err != nil {
		t.Fatalf("resize: %v", err)
	}
}

// drainLive collects everything currently buffered on an attachment's live
// channel without blocking.
func drainLive(att *Attachment) [][]byte {
	var frames [][]byte
	for {
		select {
		case frame := <-att.Live():
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func TestAttachDuringIngestSeesEveryEntryOnce(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "cat", "ses-race", ModeStructured)

	// Consume the one-time history load up front so the attach storm below
	// races only the replay/live handoff.
	s.Detach(s.Attach())

	const entries = 150
	const attachers = 8

	start := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < entries; i++ {
			s.ingest([]byte(fmt.Sprintf(`{"type":"assistant","uuid":"m-%03d"}`, i)))
		}
	}()

	atts := make([]*Attachment, attachers)
	for i := 0; i < attachers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			time.Sleep(time.Duration(i) * time.Millisecond)
			atts[i] = s.Attach()
		}(i)
	}

	close(start)
	wg.Wait()

	for i, att := range atts {
		seen := make(map[string]int)
		for _, frame := range att.Replay() {
			if env, ok := protocol.Peek(frame); ok {
				seen[env.UUID]++
			}
		}
		// All appends finished before wg.Wait returned, so every live
		// delivery is already buffered.
		for _, frame := range drainLive(att) {
			if env, ok := protocol.Peek(frame); ok {
				seen[env.UUID]++
			}
		}
		if len(seen) != entries {
			t.Fatalf("attachment %d saw %d distinct entries, want %d", i, len(seen), entries)
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("attachment %d saw %s %d times", i, id, n)
			}
		}
		s.Detach(att)
	}
}

func TestConcurrentIngestKeepsHistoryInLedgerOrder(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "cat", "ses-order", ModeStructured)
	s.Detach(s.Attach())

	const perWriter = 100
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, prefix := range []string{"a", "b"} {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				s.ingest([]byte(fmt.Sprintf(`{"type":"assistant","uuid":"%s-%03d"}`, prefix, i)))
			}
		}(prefix)
	}
	close(start)
	wg.Wait()

	lines, err := f.hist.ReadAll(s.historyRef())
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	replay := s.Ledger().Replay()
	if len(lines) != len(replay) {
		t.Fatalf("history has %d lines, ledger has %d", len(lines), len(replay))
	}
	for i := range replay {
		want, _ := protocol.Peek(replay[i].Payload)
		got, _ := protocol.Peek(lines[i])
		if got.UUID != want.UUID {
			t.Fatalf("history[%d] = %s, ledger seq has %s", i, got.UUID, want.UUID)
		}
	}
}

func TestPendingPromptDeliveredExactlyOnce(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "cat", "ses-pending", ModeStructured)

	first := s.Attach()
	defer s.Detach(first)

	go s.Broker().Request(context.Background(), "req-a", "Bash", nil)
	waitFrame(t, first, EventPermissionRequest)

	// A client attaching after the request sees it in the connected
	// snapshot and must not get a second copy on the live channel.
	late := s.Attach()
	defer s.Detach(late)
	var connected map[string]any
	if err := json.Unmarshal(late.Connected(), &connected); err != nil {
		t.Fatalf("bad connected frame: %v", err)
	}
	pending, _ := connected["pendingPermissions"].([]any)
	if len(pending) != 1 {
		t.Fatalf("connected snapshot has %d pending prompts, want 1", len(pending))
	}
	if p, _ := pending[0].(map[string]any); p["requestId"] != "req-a" {
		t.Fatalf("snapshot prompt = %v", pending[0])
	}
	for _, frame := range drainLive(late) {
		var v map[string]any
		_ = json.Unmarshal(frame, &v)
		if v["type"] == EventPermissionRequest {
			t.Fatalf("snapshot prompt also delivered live: %s", frame)
		}
	}

	// A client attached before the request gets it live and never in the
	// snapshot, so resolve and raise a fresh one against the late client.
	if err := s.ResolvePermission(context.Background(), "req-a", false, "no", "Bash", false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitFrame(t, late, EventPermissionResolved)

	go s.Broker().Request(context.Background(), "req-b", "Write", nil)
	reqFrame := waitFrame(t, late, EventPermissionRequest)
	if reqFrame["requestId"] != "req-b" {
		t.Fatalf("live prompt = %v", reqFrame)
	}
	if err := s.ResolvePermission(context.Background(), "req-b", false, "no", "Write", false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitFrame(t, late, EventPermissionResolved)

	// Both prompts resolved, so a fresh snapshot is empty again.
	final := s.Attach()
	defer s.Detach(final)
	if err := json.Unmarshal(final.Connected(), &connected); err != nil {
		t.Fatalf("bad connected frame: %v", err)
	}
	if pending, _ := connected["pendingPermissions"].([]any); len(pending) != 0 {
		t.Fatalf("resolved prompts still in snapshot: %v", pending)
	}
}

func TestCrashCarriesStderrDetail(t *testing.T) {
	f := newFixture(t)
	script := f.writeScript(t, strings.Join([]string{
		`echo '{"type":"assistant","uuid":"a-1"}'`,
		`echo 'boom: agent gave up' >&2`,
		`exit 3`,
	}, "\n"))
	s := f.session(t, script, "ses-detail", ModeStructured)

	att := s.Attach()
	defer s.Detach(att)
	if err := s.EnsureActivated(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	status := waitFrame(t, att, EventTerminalStatus)
	if status["reason"] != ReasonCrashed {
		t.Fatalf("reason = %v", status["reason"])
	}
	detail, _ := status["detail"].(string)
	if !strings.Contains(detail, "boom: agent gave up") {
		t.Fatalf("detail = %q, want stderr tail", detail)
	}
}

func TestSendRawWrongMode(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "cat", "ses-mode", ModeStructured)
	if err := s.SendRaw([]byte("x")); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("err = %v, want ErrWrongMode", err)
	}
	if err := s.Resize(1, 1); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("err = %v, want ErrWrongMode", err)
	}
}
