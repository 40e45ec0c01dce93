// Package ledger keeps the ordered, deduplicated message history of one
// session. It is the single source of truth for what a session has said:
// durable history and the live process stream both funnel through Append,
// and a message seen twice (replayed transcript plus live stdout) resolves
// to the single entry that was accepted first.
package ledger

import (
	"sync"

	"github.com/basket/sessiond/internal/protocol"
)

// TypeUnrecognized tags entries whose payload failed minimal structural
// parsing. The raw bytes are preserved for passthrough.
const TypeUnrecognized = "unrecognized"

// Entry is one accepted message. Payload is the original line, never
// rewritten. Seq is the logical position in the session's total append
// order.
type Entry struct {
	Seq     uint64
	Type    string
	ID      string
	Payload []byte
}

// Ledger is an append-only per-session log with duplicate suppression.
// A single mutex serializes appends so the session observes one total
// order regardless of how many goroutines feed it.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{}
	nextSeq uint64
}

func New() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// Append records a message and reports whether it was accepted. Duplicates
// (an ID already in the ledger) are rejected with no side effect, so the
// caller never re-broadcasts them. Messages without an ID cannot collide
// and are always accepted. Payloads missing a type tag are kept as
// unrecognized entries rather than dropped.
func (l *Ledger) Append(data []byte) (Entry, bool) {
	typ := TypeUnrecognized
	id := ""
	if env, ok := protocol.Peek(data); ok {
		typ = env.Type
		id = env.UUID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id != "" {
		if _, dup := l.seen[id]; dup {
			return Entry{}, false
		}
		l.seen[id] = struct{}{}
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	entry := Entry{
		Seq:     l.nextSeq,
		Type:    typ,
		ID:      id,
		Payload: payload,
	}
	l.nextSeq++
	l.entries = append(l.entries, entry)
	return entry, true
}

// Load seeds the ledger from durable history. Entries already present are
// skipped, so loading is safe after live appends have begun.
func (l *Ledger) Load(lines [][]byte) int {
	loaded := 0
	for _, line := range lines {
		if _, ok := l.Append(line); ok {
			loaded++
		}
	}
	return loaded
}

// Replay returns every accepted entry in append order. The slice is a copy;
// callers may iterate it without holding any lock.
func (l *Ledger) Replay() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of accepted entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// FirstUserID returns the ID of the first user-authored entry, the grouping
// key the registry uses to collapse resumed transcripts of one conversation.
func (l *Ledger) FirstUserID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Type == protocol.TypeUser && e.ID != "" {
			return e.ID
		}
	}
	return ""
}
