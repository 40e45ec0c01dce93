package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of write events an active transcript
// produces into one change notification per file.
const debounceWindow = 300 * time.Millisecond

// Watcher reports transcript file changes under a Store's root. fsnotify
// does not recurse, so project subdirectories are added as they appear.
type Watcher struct {
	logger  *slog.Logger
	root    string
	fsw     *fsnotify.Watcher
	changes chan Ref

	mu      sync.Mutex
	pending map[Ref]*time.Timer
	closed  bool
}

// NewWatcher begins watching the store root and its existing project
// directories.
func NewWatcher(logger *slog.Logger, store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		logger:  logger,
		root:    store.Root(),
		fsw:     fsw,
		changes: make(chan Ref, 64),
		pending: map[Ref]*time.Timer{},
	}

	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch sessions dir: %w", err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fsw.Add(filepath.Join(w.root, e.Name())); err != nil {
				logger.Warn("history: watch project dir failed", "dir", e.Name(), "error", err)
			}
		}
	}
	return w, nil
}

// Changes delivers debounced refs of transcripts that were written or
// created. The channel is closed when Run returns.
func (w *Watcher) Changes() <-chan Ref {
	return w.changes
}

// Run pumps fsnotify events until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	defer func() {
		// Stop pending debounce timers before closing the channel so a
		// late fire cannot send on a closed channel.
		w.mu.Lock()
		w.closed = true
		for ref, timer := range w.pending {
			timer.Stop()
			delete(w.pending, ref)
		}
		w.mu.Unlock()
		close(w.changes)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("history: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New project directory: start watching it.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Warn("history: watch new dir failed", "dir", event.Name, "error", err)
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, fileExt) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	project := filepath.Dir(rel)
	if project == "." {
		project = ""
	}
	ref := Ref{
		Project:   project,
		SessionID: strings.TrimSuffix(filepath.Base(event.Name), fileExt),
	}
	w.debounce(ref)
}

func (w *Watcher) debounce(ref Ref) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[ref]; ok {
		timer.Reset(debounceWindow)
		return
	}
	w.pending[ref] = time.AfterFunc(debounceWindow, func() {
		// Hold the lock across the send so shutdown cannot close the
		// channel between the closed check and the send. The send is
		// non-blocking, so the lock is never held long.
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.pending, ref)
		if w.closed {
			return
		}
		select {
		case w.changes <- ref:
		default:
			w.logger.Warn("history: change notification dropped", "session_id", ref.SessionID)
		}
	})
}
