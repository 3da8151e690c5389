// Package feed redistributes the entity store's change feed to per-session
// subscribers and external relays.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wastesync/internal/config"
	"wastesync/internal/domain"
	"wastesync/internal/engine"
	"wastesync/internal/metrics"
	"wastesync/internal/repo"
)

type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	// EventDegraded means the hub lost the feed; caches must be dropped.
	EventDegraded EventType = "degraded"
	// EventResync asks the subscriber to re-fetch its state from the store.
	EventResync EventType = "resync"
	// EventWarning carries a finding escalated by the sweeper.
	EventWarning EventType = "warning"
)

type Event struct {
	Type      EventType       `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	Table     string          `json:"table,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	RowID     string          `json:"row_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Warning   *engine.Warning `json:"warning,omitempty"`
}

// IsRowEvent reports whether ev describes a row change.
func (ev Event) IsRowEvent() bool {
	return ev.Type == EventInserted || ev.Type == EventUpdated || ev.Type == EventDeleted
}

func eventType(op string) EventType {
	switch op {
	case "INSERT":
		return EventInserted
	case "DELETE":
		return EventDeleted
	}
	return EventUpdated
}

// Source is a readable change feed.
type Source interface {
	After(ctx context.Context, cursor int64, limit int) ([]domain.FeedEntry, error)
	Latest(ctx context.Context) (int64, error)
}

// RepoSource reads the change_feed table.
type RepoSource struct {
	Repo repo.Repo
}

func (s RepoSource) After(ctx context.Context, cursor int64, limit int) ([]domain.FeedEntry, error) {
	return s.Repo.FeedAfter(ctx, cursor, limit)
}

func (s RepoSource) Latest(ctx context.Context) (int64, error) {
	return s.Repo.LatestFeedID(ctx)
}

// Filter selects the events a subscription receives.
type Filter struct {
	// Tables limits delivery to these tables; empty means every table.
	Tables []string
	// UserID drops rows owned by anyone else. Rows without an owner pass.
	UserID string
}

func (f Filter) match(ev Event) bool {
	if !ev.IsRowEvent() {
		return true
	}
	if len(f.Tables) > 0 {
		found := false
		for _, t := range f.Tables {
			if t == ev.Table {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && ev.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	return true
}

// FilterForKinds builds a filter over the tables of the given kinds. The
// notifications table is included when notifications is true.
func FilterForKinds(cfg *config.Config, kinds []string, userID string, notifications bool) (Filter, error) {
	f := Filter{UserID: userID}
	seen := map[string]bool{}
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			f.Tables = append(f.Tables, t)
		}
	}
	for _, name := range kinds {
		k, ok := cfg.Kind(name)
		if !ok {
			return Filter{}, fmt.Errorf("%w: %s", engine.ErrUnknownKind, name)
		}
		add(k.Table)
		add(k.ArchiveTable)
		add(k.StatusTable)
	}
	if notifications {
		add("notifications")
	}
	return f, nil
}

// Subscription is one session's view of the hub. Events arrive on C until
// Close is called or the hub stops.
type Subscription struct {
	ID     int64
	C      <-chan Event
	ch     chan Event
	filter Filter
	hub    *Hub
	// overflowed is set when an event was dropped; the next delivery is
	// preceded by a resync.
	overflowed bool
	closed     bool
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Buffer       int
	Config       *config.Config
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Hub polls the change feed and fans events out to subscriptions. Delivery
// never blocks the hub: a subscriber whose buffer is full is told to resync.
type Hub struct {
	source  Source
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	subs     map[int64]*Subscription
	nextID   int64
	cursor   int64
	started  bool
	degraded bool
}

func NewHub(src Source, opts Options) *Hub {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source:  src,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		subs:    make(map[int64]*Subscription),
	}
}

// Subscribe registers a subscription. It starts at the live edge of the
// feed; the subscriber loads its initial state from the store.
func (h *Hub) Subscribe(f Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan Event, h.opts.Buffer)
	s := &Subscription{ID: h.nextID, C: ch, ch: ch, filter: f, hub: h}
	h.subs[s.ID] = s
	if h.degraded {
		ch <- Event{Type: EventDegraded, Reason: engine.ErrFeedDisconnected.Error()}
	}
	h.metrics.SetSubscribers(len(h.subs))
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s.ID)
	close(s.ch)
	h.metrics.SetSubscribers(len(h.subs))
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Degraded reports whether the hub has lost the feed.
func (h *Hub) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// Cursor returns the id of the last feed entry processed.
func (h *Hub) Cursor() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Run polls until ctx is done, then closes every subscription.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()
	h.logger.Info("change event hub started", "poll_interval", h.opts.PollInterval, "batch_size", h.opts.BatchSize)
	for {
		for {
			n, err := h.Poll(ctx)
			if err != nil || n < h.opts.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			h.logger.Info("change event hub stopped", "cursor", h.Cursor())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads one batch of the feed and dispatches it. It returns the number
// of entries read. A read failure puts the hub in the degraded state; the
// first successful read after that skips to the live edge and asks every
// subscriber to resync instead of replaying what was missed.
func (h *Hub) Poll(ctx context.Context) (int, error) {
	h.mu.Lock()
	started, degraded, cursor := h.started, h.degraded, h.cursor
	h.mu.Unlock()

	if !started || degraded {
		latest, err := h.source.Latest(ctx)
		if err != nil {
			h.markDegraded(err)
			return 0, fmt.Errorf("%w: %v", engine.ErrFeedDisconnected, err)
		}
		h.mu.Lock()
		h.cursor = latest
		h.started = true
		wasDegraded := h.degraded
		h.degraded = false
		if wasDegraded {
			h.broadcastLocked(Event{Type: EventResync, Reason: "feed recovered"})
		}
		h.mu.Unlock()
		if wasDegraded {
			h.metrics.SetDegraded(false)
			h.logger.Info("change feed recovered", "cursor", latest)
		}
		return 0, nil
	}

	entries, err := h.source.After(ctx, cursor, h.opts.BatchSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		h.markDegraded(err)
		return 0, fmt.Errorf("%w: %v", engine.ErrFeedDisconnected, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	batch := dedupe(entries)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range batch {
		ev := h.toEvent(entry)
		h.metrics.FeedEvent(ev.Table, string(ev.Type))
		for _, s := range h.subs {
			if s.filter.match(ev) {
				h.deliverLocked(s, ev)
			}
		}
	}
	h.cursor = entries[len(entries)-1].ID
	return len(entries), nil
}

// Broadcast sends a non-row event to every subscription.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(ev)
}

// BroadcastWarning forwards a sweeper finding to subscribers.
func (h *Hub) BroadcastWarning(w engine.Warning) {
	h.Broadcast(Event{Type: EventWarning, Kind: w.Kind, RowID: w.EntityID, Reason: w.Message, Warning: &w})
}

func (h *Hub) markDegraded(err error) {
	h.mu.Lock()
	already := h.degraded
	h.degraded = true
	if !already {
		h.broadcastLocked(Event{Type: EventDegraded, Reason: err.Error()})
	}
	h.mu.Unlock()
	if !already {
		h.metrics.SetDegraded(true)
		h.logger.Warn("change feed disconnected", "error", err)
	}
}

func (h *Hub) broadcastLocked(ev Event) {
	for _, s := range h.subs {
		h.deliverLocked(s, ev)
	}
}

func (h *Hub) deliverLocked(s *Subscription, ev Event) {
	if s.overflowed {
		select {
		case s.ch <- Event{Type: EventResync, Reason: "subscriber overflow"}:
			s.overflowed = false
		default:
			return
		}
	}
	select {
	case s.ch <- ev:
	default:
		s.overflowed = true
		h.metrics.Overflow()
		h.logger.Warn("subscriber overflow", "subscription", s.ID, "buffer", cap(s.ch))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		s.closed = true
		close(s.ch)
		delete(h.subs, id)
	}
	h.metrics.SetSubscribers(0)
}

func (h *Hub) toEvent(e domain.FeedEntry) Event {
	ev := Event{
		Type:      eventType(e.Op),
		Seq:       e.ID,
		Table:     e.Table,
		RowID:     e.RowID,
		UserID:    e.UserID,
		UpdatedAt: e.UpdatedAt,
		Row:       e.Row,
	}
	if h.opts.Config != nil {
		if kind, ok := h.opts.Config.KindForTable(e.Table); ok {
			ev.Kind = kind
		}
	}
	if ev.Kind == "" {
		var row struct {
			Kind string `json:"kind"`
		}
		if json.Unmarshal(e.Row, &row) == nil {
			ev.Kind = row.Kind
		}
	}
	return ev
}

// dedupe drops exact repeats of an entry within a batch. Entries that
// differ in table, operation, row, timestamp or content are all kept, so a
// move still yields both its insert and its delete.
func dedupe(entries []domain.FeedEntry) []domain.FeedEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]domain.FeedEntry, 0, len(entries))
	for _, e := range entries {
		key := e.Table + "\x00" + e.Op + "\x00" + e.RowID + "\x00" + e.UpdatedAt + "\x00" + string(e.Row)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}
