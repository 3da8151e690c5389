// Package view keeps a per-session cache of store rows in step with the
// change event hub.
package view

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"wastesync/internal/engine"
	"wastesync/internal/feed"
)

// Entry is one cached row.
type Entry struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Kind      string          `json:"kind,omitempty"`
	UpdatedAt string          `json:"updated_at"`
	Seq       int64           `json:"seq"`
	Row       json.RawMessage `json:"row"`
}

// Decode unmarshals the row into v, e.g. a domain.WorkItem.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Row, v)
}

// Loader fetches the full state a session watches. It returns the feed
// position the state reflects; events at or below it are already included.
type Loader interface {
	Load(ctx context.Context) ([]Entry, int64, error)
}

type key struct {
	table string
	id    string
}

type version struct {
	updatedAt string
	seq       int64
}

func (v version) newer(than version) bool {
	if v.updatedAt != than.updatedAt {
		return v.updatedAt > than.updatedAt
	}
	return v.seq > than.seq
}

// Reconciler applies change events to a local cache. Every event is treated
// as setting the state of its row, so delivery order and duplicates do not
// matter: a row only moves to a strictly newer (updated_at, seq) version,
// and deletes leave a tombstone that older upserts cannot pass.
type Reconciler struct {
	loader   Loader
	logger   *slog.Logger
	onChange func()

	mu         sync.RWMutex
	rows       map[key]Entry
	tombstones map[key]version
	mark       int64
	stale      bool
	warnings   []engine.Warning
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// OnChange registers fn to run after every event that changed the cache.
func OnChange(fn func()) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

func New(loader Loader, opts ...Option) *Reconciler {
	r := &Reconciler{
		loader:     loader,
		logger:     slog.Default(),
		rows:       make(map[key]Entry),
		tombstones: make(map[key]version),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds one row event into the cache and reports whether the cache
// changed. Non-row events are ignored.
func (r *Reconciler) Apply(ev feed.Event) bool {
	if !ev.IsRowEvent() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Seq != 0 && ev.Seq <= r.mark {
		return false
	}
	k := key{ev.Table, ev.RowID}
	v := version{ev.UpdatedAt, ev.Seq}
	if cur, ok := r.rows[k]; ok && !v.newer(version{cur.UpdatedAt, cur.Seq}) {
		return false
	}
	if ts, ok := r.tombstones[k]; ok && !v.newer(ts) {
		return false
	}
	if ev.Type == feed.EventDeleted {
		_, present := r.rows[k]
		delete(r.rows, k)
		r.tombstones[k] = v
		return present
	}
	delete(r.tombstones, k)
	r.rows[k] = Entry{Table: ev.Table, ID: ev.RowID, Kind: ev.Kind, UpdatedAt: ev.UpdatedAt, Seq: ev.Seq, Row: ev.Row}
	return true
}

// Resync replaces the cache with a fresh load. On failure the cache is
// left empty and marked stale.
func (r *Reconciler) Resync(ctx context.Context) error {
	entries, mark, err := r.loader.Load(ctx)
	if err != nil {
		r.mu.Lock()
		r.stale = true
		r.mu.Unlock()
		return err
	}
	rows := make(map[key]Entry, len(entries))
	for _, e := range entries {
		if e.Seq == 0 {
			e.Seq = mark
		}
		rows[key{e.Table, e.ID}] = e
	}
	r.mu.Lock()
	r.rows = rows
	r.tombstones = make(map[key]version)
	r.mark = mark
	r.stale = false
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) discard() {
	r.mu.Lock()
	r.rows = make(map[key]Entry)
	r.tombstones = make(map[key]version)
	r.stale = true
	r.mu.Unlock()
}

// Handle processes any hub event: row events are applied, a degraded hub
// drops the cache, and resync requests reload it.
func (r *Reconciler) Handle(ctx context.Context, ev feed.Event) {
	changed := false
	switch ev.Type {
	case feed.EventDegraded:
		r.discard()
		changed = true
		if err := r.Resync(ctx); err != nil {
			r.logger.Warn("view reload failed, waiting for feed", "error", err)
		}
	case feed.EventResync:
		if err := r.Resync(ctx); err != nil {
			r.logger.Warn("view reload failed", "error", err)
		}
		changed = true
	case feed.EventWarning:
		if ev.Warning != nil {
			r.mu.Lock()
			r.warnings = append(r.warnings, *ev.Warning)
			r.mu.Unlock()
			changed = true
		}
	default:
		changed = r.Apply(ev)
	}
	if changed && r.onChange != nil {
		r.onChange()
	}
}

// Run loads the initial state and then follows sub until ctx is done or the
// subscription closes. The caller subscribes before Run so nothing between
// the load and the first event is lost.
func (r *Reconciler) Run(ctx context.Context, sub *feed.Subscription) error {
	if err := r.Resync(ctx); err != nil {
		r.logger.Warn("initial view load failed", "error", err)
	}
	if r.onChange != nil {
		r.onChange()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			r.Handle(ctx, ev)
		}
	}
}

// Snapshot returns the cached rows, newest first.
func (r *Reconciler) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.rows))
	for _, e := range r.rows {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Reconciler) Get(table, id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rows[key{table, id}]
	return e, ok
}

func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

// Stale reports whether the cache could not be reloaded after the hub
// degraded; the UI shows a refresh affordance while it is set.
func (r *Reconciler) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale
}

func (r *Reconciler) Warnings() []engine.Warning {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]engine.Warning(nil), r.warnings...)
}
