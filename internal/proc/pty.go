package proc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PTYRunner owns a subprocess attached to a pseudo-terminal. Output is raw
// terminal bytes, not JSON; it backs sessions running in raw mode where the
// UI renders the agent's own TUI.
type PTYRunner struct {
	logger *slog.Logger
	cmd    *exec.Cmd
	tty    *os.File

	output chan []byte
	done   chan struct{}

	shuttingDown atomic.Bool
	closeOnce    sync.Once
	exitErr      error
}

// StartPTY launches the command under a pty sized to the given dimensions.
func StartPTY(logger *slog.Logger, command string, args []string, dir string, rows, cols uint16) (*PTYRunner, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty %s: %w", command, err)
	}

	r := &PTYRunner{
		logger: logger,
		cmd:    cmd,
		tty:    tty,
		output: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	logger.Info("proc: pty started", "command", command, "pid", cmd.Process.Pid)

	go r.pump()
	return r, nil
}

// Output returns the raw byte stream. Closed on process exit.
func (r *PTYRunner) Output() <-chan []byte {
	return r.output
}

// Done is closed when the process has exited.
func (r *PTYRunner) Done() <-chan struct{} {
	return r.done
}

// Crashed reports whether the exit was unrequested. Valid after Done.
func (r *PTYRunner) Crashed() bool {
	return !r.shuttingDown.Load()
}

// Write feeds raw bytes (keystrokes) to the terminal.
func (r *PTYRunner) Write(data []byte) error {
	if r.shuttingDown.Load() {
		return ErrTransportClosed
	}
	if _, err := r.tty.Write(data); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

// Resize adjusts the terminal dimensions, propagating SIGWINCH.
func (r *PTYRunner) Resize(rows, cols uint16) error {
	if err := pty.Setsize(r.tty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Close terminates the process: SIGINT, then SIGKILL after a grace period,
// then releases the pty.
func (r *PTYRunner) Close() {
	r.closeOnce.Do(func() {
		r.shuttingDown.Store(true)

		if err := r.cmd.Process.Signal(syscall.SIGINT); err != nil {
			r.cmd.Process.Kill()
		} else {
			select {
			case <-r.done:
			case <-time.After(defaultKillTimeout):
				r.logger.Warn("proc: pty shutdown timed out, killing", "pid", r.cmd.Process.Pid)
				r.cmd.Process.Kill()
			}
		}
		r.tty.Close()
	})
}

func (r *PTYRunner) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.output <- chunk
		}
		if err != nil {
			// EIO is the normal read error when the child side closes.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				r.logger.Warn("proc: pty read ended", "error", err)
			}
			break
		}
	}
	close(r.output)

	r.exitErr = r.cmd.Wait()
	if r.Crashed() {
		r.logger.Error("proc: pty exited unexpectedly", "pid", r.cmd.Process.Pid, "error", r.exitErr)
	} else {
		r.logger.Info("proc: pty exited", "pid", r.cmd.Process.Pid)
	}
	close(r.done)
}
