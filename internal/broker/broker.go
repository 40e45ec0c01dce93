// Package broker mediates tool permission requests between an agent process
// and UI clients. The process side blocks in Request until some client (or
// an always-allow rule) resolves the request; the client side resolves by
// ID. Requests are per-session and die with the session.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Decision is the outcome of one permission request.
type Decision struct {
	Allow   bool
	Message string
	// Remember marks an allow that also whitelists the tool for the rest
	// of the session.
	Remember bool
}

var (
	// ErrUnknownRequest is returned when resolving an ID that is not pending.
	ErrUnknownRequest = errors.New("unknown permission request")
	// ErrBrokerClosed is returned to a waiter when the broker shuts down.
	ErrBrokerClosed = errors.New("permission broker closed")
)

// Pending is a permission request awaiting a decision. Snapshot fields are
// exported for fan-out to clients.
type Pending struct {
	ID        string    `json:"id"`
	ToolName  string    `json:"tool_name"`
	Input     []byte    `json:"input"`
	CreatedAt time.Time `json:"created_at"`

	decision Decision
	done     chan struct{}
}

// Notifier receives request lifecycle events for fan-out to attached
// clients. Both calls must be non-blocking.
type Notifier interface {
	PermissionRequested(p Pending)
	PermissionResolved(id string, d Decision)
}

// Broker tracks pending requests for one session.
type Broker struct {
	logger   *slog.Logger
	notifier Notifier

	mu      sync.Mutex
	pending map[string]*Pending
	allowed map[string]struct{}
	closed  bool
}

func New(logger *slog.Logger, n Notifier) *Broker {
	return &Broker{
		logger:   logger,
		notifier: n,
		pending:  map[string]*Pending{},
		allowed:  map[string]struct{}{},
	}
}

// Request blocks until the request is resolved, the context ends, or the
// broker closes. A tool already on the always-allow list resolves
// immediately without surfacing to clients. Context cancellation resolves
// the request as a deny so a late Resolve finds nothing to act on.
func (b *Broker) Request(ctx context.Context, id, toolName string, input []byte) (Decision, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Decision{}, ErrBrokerClosed
	}
	if _, ok := b.allowed[toolName]; ok {
		b.mu.Unlock()
		b.logger.Debug("broker: auto-allowed", "request_id", id, "tool", toolName)
		return Decision{Allow: true}, nil
	}
	p := &Pending{
		ID:        id,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	b.pending[id] = p
	b.mu.Unlock()

	if b.notifier != nil {
		b.notifier.PermissionRequested(*p)
	}
	b.logger.Info("broker: permission requested", "request_id", id, "tool", toolName)

	select {
	case <-p.done:
		return p.decision, nil
	case <-ctx.Done():
		// Resolve as deny ourselves so the pending map stays clean. If a
		// client won the race the recorded decision stands.
		if err := b.Resolve(id, Decision{Allow: false, Message: "request canceled"}); err == nil {
			return Decision{}, ctx.Err()
		}
		return p.decision, nil
	}
}

// Resolve completes a pending request. An allow with Remember set also
// whitelists the tool and auto-approves every other pending request for it,
// so a burst of identical prompts collapses into one user interaction.
func (b *Broker) Resolve(id string, d Decision) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownRequest
	}
	delete(b.pending, id)
	p.decision = d
	close(p.done)

	var batch []*Pending
	if d.Allow && d.Remember {
		b.allowed[p.ToolName] = struct{}{}
		for bid, bp := range b.pending {
			if bp.ToolName == p.ToolName {
				delete(b.pending, bid)
				bp.decision = Decision{Allow: true}
				close(bp.done)
				batch = append(batch, bp)
			}
		}
	}
	b.mu.Unlock()

	b.logger.Info("broker: permission resolved", "request_id", id, "tool", p.ToolName, "allow", d.Allow)
	if b.notifier != nil {
		b.notifier.PermissionResolved(id, d)
		for _, bp := range batch {
			b.notifier.PermissionResolved(bp.ID, bp.decision)
		}
	}
	return nil
}

// AlwaysAllow whitelists a tool outside of any pending request, for seeding
// from persisted session state.
func (b *Broker) AlwaysAllow(tools ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tools {
		b.allowed[t] = struct{}{}
	}
}

// AlwaysAllowed reports whether a tool is on the always-allow list.
func (b *Broker) AlwaysAllowed(tool string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.allowed[tool]
	return ok
}

// AllowedTools returns the always-allow list, sorted order not guaranteed.
func (b *Broker) AllowedTools() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.allowed))
	for t := range b.allowed {
		out = append(out, t)
	}
	return out
}

// PendingSnapshot returns the requests currently awaiting a decision, for
// replay to a freshly attached client.
func (b *Broker) PendingSnapshot() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pending, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, *p)
	}
	return out
}

// CloseAll denies every pending request and rejects future ones. Called
// when the session's process exits so no caller blocks forever.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	drained := make([]*Pending, 0, len(b.pending))
	for id, p := range b.pending {
		delete(b.pending, id)
		p.decision = Decision{Allow: false, Message: "session terminated"}
		close(p.done)
		drained = append(drained, p)
	}
	b.mu.Unlock()

	for _, p := range drained {
		b.logger.Warn("broker: denied on close", "request_id", p.ID, "tool", p.ToolName)
		if b.notifier != nil {
			b.notifier.PermissionResolved(p.ID, p.decision)
		}
	}
}
