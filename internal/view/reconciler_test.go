package view

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wastesync/internal/config"
	"wastesync/internal/db"
	"wastesync/internal/domain"
	"wastesync/internal/engine"
	"wastesync/internal/feed"
	"wastesync/internal/migrate"
	"wastesync/internal/repo"
)

type fakeLoader struct {
	entries []Entry
	mark    int64
	err     error
	calls   int
}

func (f *fakeLoader) Load(context.Context) ([]Entry, int64, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.entries, f.mark, nil
}

func ts(sec int) string {
	return domain.FormatTime(time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC))
}

func rowEvent(typ feed.EventType, id string, seq int64, sec int) feed.Event {
	return feed.Event{
		Type:      typ,
		Seq:       seq,
		Table:     "reports",
		Kind:      "report",
		RowID:     id,
		UpdatedAt: ts(sec),
		Row:       []byte(fmt.Sprintf(`{"id":%q,"seq":%d}`, id, seq)),
	}
}

func TestApplyIsOrderAndDuplicateInsensitive(t *testing.T) {
	ids := []string{"R1", "R2", "R3", "R4"}
	types := []feed.EventType{feed.EventInserted, feed.EventUpdated, feed.EventDeleted}
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		var events []feed.Event
		latest := map[string]feed.Event{}
		for seq := int64(1); seq <= 40; seq++ {
			id := ids[rng.Intn(len(ids))]
			ev := rowEvent(types[rng.Intn(len(types))], id, seq, int(seq))
			events = append(events, ev)
			latest[id] = ev
		}
		// duplicate a handful, then shuffle delivery
		for i := 0; i < 10; i++ {
			events = append(events, events[rng.Intn(len(events))])
		}
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		r := New(&fakeLoader{})
		for _, ev := range events {
			r.Apply(ev)
		}
		for _, id := range ids {
			want, seen := latest[id]
			got, ok := r.Get("reports", id)
			if !seen || want.Type == feed.EventDeleted {
				assert.False(t, ok, "seed %d id %s", seed, id)
				continue
			}
			require.True(t, ok, "seed %d id %s", seed, id)
			assert.Equal(t, want.Seq, got.Seq, "seed %d id %s", seed, id)
			assert.JSONEq(t, string(want.Row), string(got.Row))
		}
	}
}

func TestTombstoneBlocksOlderInsert(t *testing.T) {
	r := New(&fakeLoader{})
	assert.False(t, r.Apply(rowEvent(feed.EventDeleted, "R1", 5, 5)))
	assert.False(t, r.Apply(rowEvent(feed.EventInserted, "R1", 2, 2)))
	_, ok := r.Get("reports", "R1")
	assert.False(t, ok)

	assert.True(t, r.Apply(rowEvent(feed.EventInserted, "R1", 6, 6)))
	assert.Equal(t, 1, r.Len())
}

func TestApplyTieBreaksOnSequence(t *testing.T) {
	r := New(&fakeLoader{})
	require.True(t, r.Apply(rowEvent(feed.EventUpdated, "R1", 7, 3)))
	assert.False(t, r.Apply(rowEvent(feed.EventUpdated, "R1", 4, 3)))
	got, _ := r.Get("reports", "R1")
	assert.Equal(t, int64(7), got.Seq)
}

func TestApplyIgnoresEventsCoveredByLoad(t *testing.T) {
	loader := &fakeLoader{mark: 10, entries: []Entry{{Table: "reports", ID: "R1", UpdatedAt: ts(9), Row: []byte(`{"id":"R1"}`)}}}
	r := New(loader)
	require.NoError(t, r.Resync(context.Background()))

	assert.False(t, r.Apply(rowEvent(feed.EventDeleted, "R1", 8, 20)))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Apply(rowEvent(feed.EventDeleted, "R1", 11, 20)))
	assert.Equal(t, 0, r.Len())
}

func TestHandleDegradedAndResync(t *testing.T) {
	loader := &fakeLoader{mark: 3, entries: []Entry{{Table: "reports", ID: "R1", UpdatedAt: ts(1), Row: []byte(`{}`)}}}
	changes := 0
	r := New(loader, OnChange(func() { changes++ }))
	ctx := context.Background()
	r.Handle(ctx, rowEvent(feed.EventInserted, "R9", 1, 1))
	require.Equal(t, 1, r.Len())

	loader.err = errors.New("store down")
	r.Handle(ctx, feed.Event{Type: feed.EventDegraded, Reason: "poll failed"})
	assert.True(t, r.Stale())
	assert.Equal(t, 0, r.Len())

	loader.err = nil
	r.Handle(ctx, feed.Event{Type: feed.EventResync, Reason: "feed recovered"})
	assert.False(t, r.Stale())
	_, ok := r.Get("reports", "R1")
	assert.True(t, ok)
	assert.Equal(t, 2, loader.calls)
	assert.Equal(t, 3, changes)
}

func TestHandleKeepsWarnings(t *testing.T) {
	r := New(&fakeLoader{})
	r.Handle(context.Background(), feed.Event{Type: feed.EventWarning, Warning: &engine.Warning{Code: engine.CodeStaleDuplicate, Kind: "report", EntityID: "R1"}})
	r.Handle(context.Background(), feed.Event{Type: feed.EventWarning})
	ws := r.Warnings()
	require.Len(t, ws, 1)
	assert.Equal(t, "R1", ws[0].EntityID)
}

func TestSnapshotOrder(t *testing.T) {
	r := New(&fakeLoader{})
	r.Apply(rowEvent(feed.EventInserted, "B", 1, 1))
	r.Apply(rowEvent(feed.EventInserted, "A", 2, 1))
	r.Apply(rowEvent(feed.EventInserted, "C", 3, 2))
	var ids []string
	for _, e := range r.Snapshot() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"C", "A", "B"}, ids)
}

func TestReconcilerFollowsStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	cfg := config.Default()
	require.NoError(t, migrate.Setup(conn, cfg))
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { now = now.Add(time.Second); return now }
	ctx := context.Background()
	rp := repo.Repo{DB: conn, Config: cfg}

	owner := "resident-1"
	other := "resident-2"
	_, err = eng.CreateItem(ctx, engine.CreateItemOptions{ID: "S1", Kind: "schedule", OwnerRef: owner})
	require.NoError(t, err)
	_, err = eng.CreateItem(ctx, engine.CreateItemOptions{ID: "S2", Kind: "schedule", OwnerRef: other})
	require.NoError(t, err)

	filter := feed.Filter{Tables: []string{"schedules", "archived_schedules"}, UserID: owner}
	hub := feed.NewHub(feed.RepoSource{Repo: rp}, feed.Options{Buffer: 64, Config: cfg})
	_, err = hub.Poll(ctx)
	require.NoError(t, err)
	sub := hub.Subscribe(filter)
	defer sub.Close()

	r := New(StoreLoader{Repo: rp, Config: cfg, Filter: filter})
	require.NoError(t, r.Resync(ctx))
	require.Equal(t, 1, r.Len())

	res, err := eng.Archive(ctx, "schedule", "S1", "collector-1")
	require.NoError(t, err)
	_, err = hub.Poll(ctx)
	require.NoError(t, err)
	for {
		select {
		case ev := <-sub.C:
			r.Handle(ctx, ev)
			continue
		default:
		}
		break
	}

	_, ok := r.Get("schedules", "S1")
	assert.False(t, ok)
	got, ok := r.Get("archived_schedules", res.Archived.ID)
	require.True(t, ok)
	var rec domain.ArchiveRecord
	require.NoError(t, got.Decode(&rec))
	assert.Equal(t, "S1", rec.SourceID)
	assert.Equal(t, 1, r.Len())
}

func TestReconcilerKeepsOnlyOwnStatusRows(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	cfg := config.Default()
	require.NoError(t, migrate.Setup(conn, cfg))
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { now = now.Add(time.Second); return now }
	ctx := context.Background()
	rp := repo.Repo{DB: conn, Config: cfg}

	for id, owner := range map[string]string{"R-alice": "alice", "R-bob": "bob", "R-carol": "carol"} {
		_, err = eng.CreateItem(ctx, engine.CreateItemOptions{ID: id, Kind: "report", OwnerRef: owner})
		require.NoError(t, err)
	}
	_, err = eng.Transition(ctx, engine.TransitionOptions{Kind: "report", WorkItemID: "R-alice", Target: "InProgress"})
	require.NoError(t, err)
	_, err = eng.Transition(ctx, engine.TransitionOptions{Kind: "report", WorkItemID: "R-carol", Target: "InProgress", Response: "carol's note"})
	require.NoError(t, err)

	filter, err := feed.FilterForKinds(cfg, []string{"report"}, "alice", false)
	require.NoError(t, err)
	hub := feed.NewHub(feed.RepoSource{Repo: rp}, feed.Options{Buffer: 64, Config: cfg})
	_, err = hub.Poll(ctx)
	require.NoError(t, err)
	sub := hub.Subscribe(filter)
	defer sub.Close()

	r := New(StoreLoader{Repo: rp, Config: cfg, Filter: filter})
	require.NoError(t, r.Resync(ctx))

	_, err = eng.Transition(ctx, engine.TransitionOptions{Kind: "report", WorkItemID: "R-bob", Target: "InProgress", Response: "bob's note"})
	require.NoError(t, err)
	_, err = hub.Poll(ctx)
	require.NoError(t, err)
	for {
		select {
		case ev := <-sub.C:
			require.NotEqual(t, "bob", ev.UserID)
			r.Handle(ctx, ev)
			continue
		default:
		}
		break
	}

	_, ok := r.Get("report_status", domain.StatusRowID("report", "R-alice"))
	assert.True(t, ok)
	for _, id := range []string{"R-bob", "R-carol"} {
		_, ok = r.Get("report_status", domain.StatusRowID("report", id))
		assert.False(t, ok, id)
		_, ok = r.Get("reports", id)
		assert.False(t, ok, id)
	}
}
