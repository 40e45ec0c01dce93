// Package proc supervises agent CLI subprocesses. A Transport owns one
// process speaking line-delimited JSON over stdio; a PTYRunner owns one
// process attached to a pseudo-terminal for raw passthrough. Both guarantee
// that process death is observable exactly once and that shutdown never
// hangs on an unresponsive child.
package proc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Agent output lines can carry whole file contents inside tool results, so
// the scanner buffer has to be far larger than bufio's default.
const (
	scannerInitialBuf = 1024 * 1024
	scannerMaxBuf     = 10 * 1024 * 1024
)

// defaultKillTimeout is how long Close waits after SIGINT before SIGKILL.
const defaultKillTimeout = 3 * time.Second

// ErrTransportClosed is returned by Send after Close or process exit.
var ErrTransportClosed = errors.New("transport closed")

// ExitStatus describes how the process ended.
type ExitStatus struct {
	Err error
	// Crashed is true when the exit was not requested via Close. Callers
	// use it to distinguish a dead session from a completed shutdown.
	Crashed bool
}

// Transport wraps a running subprocess whose stdout is a stream of JSON
// values, one or more per line. Lines are delivered on a channel in arrival
// order; stderr is logged and retained for crash reporting.
type Transport struct {
	logger *slog.Logger
	cmd    *exec.Cmd

	stdin   io.WriteCloser
	stdinMu sync.Mutex

	lines  chan []byte
	exited chan ExitStatus
	done   chan struct{}

	shuttingDown atomic.Bool
	closeOnce    sync.Once

	stderrMu   sync.Mutex
	stderrTail []string
	stderrDone chan struct{}
}

// Start launches the command and begins pumping its stdout. The returned
// Transport is live; the caller must eventually Close it or drain Exited.
func Start(logger *slog.Logger, command string, args []string, dir string, env []string) (*Transport, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	t := &Transport{
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		lines:      make(chan []byte, 256),
		exited:     make(chan ExitStatus, 1),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	logger.Info("proc: started", "command", command, "pid", cmd.Process.Pid)

	go t.pumpStderr(stderr)
	go t.pumpStdout(stdout)
	return t, nil
}

// Lines returns the channel of stdout JSON values. It is closed when the
// process's stdout reaches EOF.
func (t *Transport) Lines() <-chan []byte {
	return t.lines
}

// Exited delivers the exit status exactly once.
func (t *Transport) Exited() <-chan ExitStatus {
	return t.exited
}

// PID returns the subprocess PID.
func (t *Transport) PID() int {
	return t.cmd.Process.Pid
}

// Send writes one frame to the process's stdin, newline-terminated. Sends
// are serialized so concurrent writers never interleave bytes mid-frame.
func (t *Transport) Send(frame []byte) error {
	if t.shuttingDown.Load() {
		return ErrTransportClosed
	}
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if _, err := t.stdin.Write(frame); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	if _, err := t.stdin.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Close shuts the process down: close stdin, SIGINT, and SIGKILL after a
// grace period. Safe to call more than once and after the process has
// already exited.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.shuttingDown.Store(true)

		t.stdinMu.Lock()
		t.stdin.Close()
		t.stdinMu.Unlock()

		// SIGINT first. Agent CLIs built on Node handle SIGINT but ignore
		// SIGTERM, and the grace period lets them flush transcript files.
		if err := t.cmd.Process.Signal(syscall.SIGINT); err != nil {
			t.cmd.Process.Kill()
			return
		}

		select {
		case <-t.done:
		case <-time.After(defaultKillTimeout):
			t.logger.Warn("proc: graceful shutdown timed out, killing", "pid", t.cmd.Process.Pid)
			t.cmd.Process.Kill()
		}
	})
}

// Done is closed once the process has exited and its status is available
// on Exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// StderrTail returns the last stderr lines, for crash diagnostics.
func (t *Transport) StderrTail() []string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	out := make([]string, len(t.stderrTail))
	copy(out, t.stderrTail)
	return out
}

func (t *Transport) pumpStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		// A single line can carry several concatenated JSON values when
		// the child's writes coalesce. Split them back apart.
		for _, obj := range SplitConcatenatedJSON(line) {
			t.lines <- obj
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("proc: stdout scan ended", "error", err)
	}
	close(t.lines)

	// Wait() closes the stderr pipe, so the tail must be fully drained
	// first or a crash message written just before exit can be lost.
	<-t.stderrDone

	err := t.cmd.Wait()
	crashed := !t.shuttingDown.Load()
	if crashed {
		t.logger.Error("proc: exited unexpectedly", "pid", t.cmd.Process.Pid, "error", err)
	} else {
		t.logger.Info("proc: exited", "pid", t.cmd.Process.Pid)
	}
	t.exited <- ExitStatus{Err: err, Crashed: crashed}
	close(t.done)
}

func (t *Transport) pumpStderr(stderr io.Reader) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerMaxBuf)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("proc: stderr", "line", line)
		t.stderrMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > 20 {
			t.stderrTail = t.stderrTail[1:]
		}
		t.stderrMu.Unlock()
	}
}

// SplitConcatenatedJSON splits a byte slice containing concatenated JSON
// values, e.g. `{"a":1}{"b":2}` becomes two slices. Trailing garbage after
// the last decodable value is dropped.
func SplitConcatenatedJSON(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var result [][]byte
	decoder := json.NewDecoder(bytes.NewReader(data))
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}
		obj := make([]byte, len(raw))
		copy(obj, raw)
		result = append(result, obj)
	}
	return result
}
