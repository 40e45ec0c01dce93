package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/history"
	"github.com/basket/sessiond/internal/ledger"
	"github.com/basket/sessiond/internal/protocol"
	"github.com/basket/sessiond/internal/store"
)

// titleMaxLen caps the derived listing title.
const titleMaxLen = 120

const untitled = "Untitled"

// Entry is one row of the session listing.
type Entry struct {
	SessionID    string    `json:"session_id"`
	Project      string    `json:"project"`
	Title        string    `json:"title"`
	State        State     `json:"state"`
	MessageCount int       `json:"message_count"`
	ResultCount  int       `json:"result_count"`
	Unread       bool      `json:"unread"`
	Archived     bool      `json:"archived"`
	LastActivity time.Time `json:"last_activity"`

	firstUserID string
}

// ListFilter narrows List output.
type ListFilter struct {
	Project         string
	IncludeArchived bool
}

// Registry tracks every known session: live ones in memory plus an index of
// all transcripts on disk, kept current by history change notifications.
type Registry struct {
	logger *slog.Logger
	bus    *bus.Bus
	spawn  Spawn
	hist   *history.Store
	meta   *store.Store

	mu       sync.RWMutex
	sessions map[string]*Session
	index    map[string]*Entry
}

// NewRegistry creates an empty registry; call BuildIndex before serving.
func NewRegistry(logger *slog.Logger, eventBus *bus.Bus, spawn Spawn, hist *history.Store, meta *store.Store) *Registry {
	return &Registry{
		logger:   logger,
		bus:      eventBus,
		spawn:    spawn,
		hist:     hist,
		meta:     meta,
		sessions: map[string]*Session{},
		index:    map[string]*Entry{},
	}
}

// BuildIndex scans the durable history store and builds the listing index.
func (r *Registry) BuildIndex(ctx context.Context) error {
	refs, err := r.hist.List()
	if err != nil {
		return fmt.Errorf("scan history: %w", err)
	}
	for _, ref := range refs {
		entry, err := r.buildEntry(ctx, ref)
		if err != nil {
			r.logger.Warn("registry: index entry skipped", "session_id", ref.SessionID, "error", err)
			continue
		}
		r.mu.Lock()
		r.index[ref.SessionID] = entry
		r.mu.Unlock()
	}
	r.logger.Info("registry: index built", "sessions", len(refs))
	return nil
}

// Watch consumes history change notifications and refreshes index entries,
// publishing on the bus only when the visible title actually changed or the
// session is new to the index.
func (r *Registry) Watch(ctx context.Context, changes <-chan history.Ref) {
	for {
		select {
		case <-ctx.Done():
			return
		case ref, ok := <-changes:
			if !ok {
				return
			}
			entry, err := r.buildEntry(ctx, ref)
			if err != nil {
				r.logger.Warn("registry: index refresh failed", "session_id", ref.SessionID, "error", err)
				continue
			}
			r.mu.Lock()
			prev, existed := r.index[ref.SessionID]
			r.index[ref.SessionID] = entry
			r.mu.Unlock()

			if !existed || prev.Title != entry.Title {
				r.bus.Publish(bus.TopicIndexChanged, bus.IndexChangedEvent{SessionID: ref.SessionID})
			}
		}
	}
}

func (r *Registry) buildEntry(ctx context.Context, ref history.Ref) (*Entry, error) {
	lines, err := r.hist.ReadAll(ref)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		SessionID: ref.SessionID,
		Project:   ref.Project,
		State:     StateCreated,
	}

	// Count through a throwaway ledger so the index applies the same dedup
	// rules the live stream does.
	led := ledger.New()
	led.Load(lines)
	var summary, firstPrompt string
	for _, e := range led.Replay() {
		entry.MessageCount++
		switch e.Type {
		case protocol.TypeResult:
			entry.ResultCount++
		case protocol.TypeSummary:
			if s := protocol.SummaryText(e.Payload); s != "" {
				summary = s
			}
		case protocol.TypeUser:
			if firstPrompt == "" {
				firstPrompt = protocol.PromptText(e.Payload)
			}
		}
	}
	entry.firstUserID = led.FirstUserID()

	custom := ""
	readCount := 0
	if meta, err := r.meta.GetMeta(ctx, ref.SessionID); err == nil {
		entry.Archived = meta.Archived
		custom = meta.CustomTitle
		readCount = meta.ReadResultCount
	}
	entry.Unread = entry.ResultCount > readCount

	entry.Title = deriveTitle(custom, summary, firstPrompt)
	if info, err := os.Stat(r.hist.Path(ref)); err == nil {
		entry.LastActivity = info.ModTime().UTC()
	}

	r.mu.RLock()
	if live, ok := r.sessions[ref.SessionID]; ok {
		entry.State = live.CurrentState()
	}
	r.mu.RUnlock()
	return entry, nil
}

// deriveTitle picks the listing title: a user-assigned title wins, then the
// agent's conversation summary, then the first prompt, then a placeholder.
// Only the first line is used, capped at 120 characters.
func deriveTitle(custom, summary, firstPrompt string) string {
	for _, candidate := range []string{custom, summary, firstPrompt} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if i := strings.IndexByte(candidate, '\n'); i >= 0 {
			candidate = strings.TrimSpace(candidate[:i])
		}
		if len(candidate) > titleMaxLen {
			candidate = candidate[:titleMaxLen]
		}
		if candidate != "" {
			return candidate
		}
	}
	return untitled
}

// GetOrCreate returns the live session with the given ID, creating it in
// the created state when absent. An empty ID gets a fresh UUID.
func (r *Registry) GetOrCreate(ctx context.Context, id, project, workingDir, resumeID string, mode Mode) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if mode == "" {
		mode = ModeStructured
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	s := New(r.logger, r.bus, r.spawn, r.hist, r.meta, id, project, workingDir, resumeID, mode)
	r.sessions[id] = s
	r.mu.Unlock()

	if err := r.meta.EnsureMeta(ctx, id, project); err != nil {
		r.logger.Warn("registry: ensure meta failed", "session_id", id, "error", err)
	}
	r.bus.Publish(bus.TopicSessionCreated, bus.SessionStateEvent{
		SessionID: id, Project: project, State: string(StateCreated),
	})
	return s, nil
}

// Get returns a live session or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
}

// List returns filtered index entries, most recent first, paginated by an
// opaque cursor. Transcripts that share the same first user entry (resumed
// continuations of one conversation) collapse to the one with the most
// messages.
func (r *Registry) List(filter ListFilter, cursor string, limit int) ([]Entry, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	r.mu.RLock()
	entries := make([]Entry, 0, len(r.index))
	for id, e := range r.index {
		entry := *e
		if live, ok := r.sessions[id]; ok {
			entry.State = live.CurrentState()
		}
		entries = append(entries, entry)
	}
	// Live sessions with no transcript yet still show up.
	for id, s := range r.sessions {
		if _, ok := r.index[id]; ok {
			continue
		}
		entries = append(entries, Entry{
			SessionID: id,
			Project:   s.Project,
			Title:     untitled,
			State:     s.CurrentState(),
		})
	}
	r.mu.RUnlock()

	// Dedup by first user entry, keeping the record with more messages.
	byFirst := map[string]int{}
	deduped := entries[:0]
	for _, e := range entries {
		if e.firstUserID == "" {
			deduped = append(deduped, e)
			continue
		}
		if i, ok := byFirst[e.firstUserID]; ok {
			if e.MessageCount > deduped[i].MessageCount {
				deduped[i] = e
			}
			continue
		}
		byFirst[e.firstUserID] = len(deduped)
		deduped = append(deduped, e)
	}
	entries = deduped

	filtered := entries[:0]
	for _, e := range entries {
		if filter.Project != "" && e.Project != filter.Project {
			continue
		}
		if e.Archived && !filter.IncludeArchived {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].LastActivity.Equal(filtered[j].LastActivity) {
			return filtered[i].LastActivity.After(filtered[j].LastActivity)
		}
		return filtered[i].SessionID < filtered[j].SessionID
	})

	start := 0
	if cursor != "" {
		curTime, curID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		for i, e := range filtered {
			if e.LastActivity.Before(curTime) || (e.LastActivity.Equal(curTime) && e.SessionID > curID) {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	page := filtered[start:end]

	next := ""
	if end < len(filtered) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(last.LastActivity, last.SessionID)
	}
	return page, next, nil
}

func encodeCursor(t time.Time, id string) string {
	return t.UTC().Format(time.RFC3339Nano) + "_" + id
}

func decodeCursor(cursor string) (time.Time, string, error) {
	parts := strings.SplitN(cursor, "_", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return t, parts[1], nil
}

// Evict closes a session and drops it from memory. The transcript and
// metadata stay on disk; the session can be resumed later.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}

	s.closeWith(ReasonEvicted)
	r.hist.CloseSession(s.historyRef())
	r.bus.Publish(bus.TopicSessionEvicted, bus.SessionStateEvent{
		SessionID: id, Project: s.Project, State: string(StateArchived),
	})
	return nil
}

// EvictDead drops every session whose process has died, returning how many
// were removed. The janitor calls this on a schedule.
func (r *Registry) EvictDead() int {
	r.mu.RLock()
	var dead []string
	for id, s := range r.sessions {
		if s.CurrentState() == StateDead {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		if err := r.Evict(id); err == nil {
			r.logger.Info("registry: dead session evicted", "session_id", id)
		}
	}
	return len(dead)
}

// SetTitle stores a custom title and refreshes the index.
func (r *Registry) SetTitle(ctx context.Context, id, title string) error {
	if err := r.meta.SetCustomTitle(ctx, id, title); err != nil {
		return err
	}
	r.refreshEntry(ctx, id)
	return nil
}

// SetArchived flips the archived flag and refreshes the index.
func (r *Registry) SetArchived(ctx context.Context, id string, archived bool) error {
	if err := r.meta.SetArchived(ctx, id, archived); err != nil {
		return err
	}
	r.refreshEntry(ctx, id)
	return nil
}

// MarkRead records that the client has seen the session's current results.
func (r *Registry) MarkRead(ctx context.Context, id string) error {
	r.mu.RLock()
	count := 0
	if e, ok := r.index[id]; ok {
		count = e.ResultCount
	}
	r.mu.RUnlock()
	if err := r.meta.MarkRead(ctx, id, count); err != nil {
		return err
	}
	r.refreshEntry(ctx, id)
	return nil
}

func (r *Registry) refreshEntry(ctx context.Context, id string) {
	r.mu.RLock()
	prev, existed := r.index[id]
	var ref history.Ref
	if existed {
		ref = history.Ref{Project: prev.Project, SessionID: id}
	}
	r.mu.RUnlock()
	if !existed {
		return
	}

	entry, err := r.buildEntry(ctx, ref)
	if err != nil {
		r.logger.Warn("registry: refresh failed", "session_id", id, "error", err)
		return
	}
	r.mu.Lock()
	old := r.index[id]
	r.index[id] = entry
	r.mu.Unlock()
	if old == nil || old.Title != entry.Title {
		r.bus.Publish(bus.TopicIndexChanged, bus.IndexChangedEvent{SessionID: id})
	}
}

// CloseAll stops every live session, for daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
