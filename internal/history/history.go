// Package history is the durable transcript store. Each session owns one
// append-only JSONL file under <home>/sessions/<project>/<id>.jsonl; the
// registry scans these at startup and a watcher reports live changes so the
// index stays current even when other writers touch the files.
package history

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	sessionsDirName = "sessions"
	fileExt         = ".jsonl"

	// Transcript lines can embed whole file contents.
	maxLineBytes = 10 * 1024 * 1024
)

// Ref identifies one transcript file.
type Ref struct {
	Project   string
	SessionID string
}

// Store reads and appends per-session JSONL transcripts under a home
// directory.
type Store struct {
	root string

	mu    sync.Mutex
	files map[Ref]*os.File
}

// NewStore creates the sessions directory if needed.
func NewStore(homeDir string) (*Store, error) {
	root := filepath.Join(homeDir, sessionsDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{root: root, files: map[Ref]*os.File{}}, nil
}

// Root returns the directory all transcripts live under.
func (s *Store) Root() string {
	return s.root
}

// Path returns the transcript path for a session.
func (s *Store) Path(ref Ref) string {
	return filepath.Join(s.root, ref.Project, ref.SessionID+fileExt)
}

// Append writes one line to the session's transcript, creating the project
// directory and file on first use. The file handle is kept open; active
// sessions append on every accepted message.
func (s *Store) Append(ref Ref, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[ref]
	if !ok {
		if err := os.MkdirAll(filepath.Join(s.root, ref.Project), 0o755); err != nil {
			return fmt.Errorf("create project dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(s.Path(ref), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		s.files[ref] = f
	}

	if _, err := f.Write(append(bytes.TrimRight(line, "\n"), '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// CloseSession releases the session's file handle, for eviction.
func (s *Store) CloseSession(ref Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[ref]; ok {
		f.Close()
		delete(s.files, ref)
	}
}

// Close releases every open handle.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, f := range s.files {
		f.Close()
		delete(s.files, ref)
	}
}

// ReadAll returns the session's transcript lines in file order. A missing
// file is an empty transcript, not an error.
func (s *Store) ReadAll(ref Ref) ([][]byte, error) {
	f, err := os.Open(s.Path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return lines, nil
}

// List walks the store and returns a ref per transcript file found.
func (s *Store) List() ([]Ref, error) {
	var refs []Ref
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		project := filepath.Dir(rel)
		if project == "." {
			project = ""
		}
		refs = append(refs, Ref{
			Project:   project,
			SessionID: strings.TrimSuffix(d.Name(), fileExt),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sessions dir: %w", err)
	}
	return refs, nil
}
