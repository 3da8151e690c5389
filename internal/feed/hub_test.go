package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wastesync/internal/config"
	"wastesync/internal/db"
	"wastesync/internal/domain"
	"wastesync/internal/engine"
	"wastesync/internal/migrate"
	"wastesync/internal/repo"
)

type fakeSource struct {
	mu      sync.Mutex
	entries []domain.FeedEntry
	err     error
}

func (f *fakeSource) add(table, op, rowID, userID, updatedAt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.entries) + 1)
	row := fmt.Sprintf(`{"id":%q,"updated_at":%q}`, rowID, updatedAt)
	f.entries = append(f.entries, domain.FeedEntry{ID: id, Table: table, Op: op, RowID: rowID, UserID: userID, UpdatedAt: updatedAt, Row: []byte(row)})
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) After(_ context.Context, cursor int64, limit int) ([]domain.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.FeedEntry
	for _, e := range f.entries {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) Latest(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.entries)), nil
}

func drain(s *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newStartedHub(t *testing.T, src Source, buffer int) *Hub {
	t.Helper()
	h := NewHub(src, Options{Buffer: buffer, Config: config.Default()})
	_, err := h.Poll(context.Background())
	require.NoError(t, err)
	return h
}

func TestHubFansOutByFilter(t *testing.T) {
	src := &fakeSource{}
	src.add("reports", "INSERT", "old", "u1", "t0")
	h := newStartedHub(t, src, 16)
	mine := h.Subscribe(Filter{Tables: []string{"reports", "notifications"}, UserID: "u1"})
	all := h.Subscribe(Filter{})

	src.add("reports", "INSERT", "r1", "u1", "t1")
	src.add("reports", "INSERT", "r2", "u2", "t1")
	src.add("schedules", "UPDATE", "s1", "", "t2")
	src.add("report_status", "UPDATE", "r1", "", "t3")
	src.add("notifications", "INSERT", "n1", "u1", "t3")
	n, err := h.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got := drain(mine)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].RowID)
	assert.Equal(t, EventInserted, got[0].Type)
	assert.Equal(t, "report", got[0].Kind)
	assert.Equal(t, "n1", got[1].RowID)

	assert.Len(t, drain(all), 5)
	assert.Equal(t, int64(6), h.Cursor())
}

func TestHubKeepsBothHalvesOfAMove(t *testing.T) {
	src := &fakeSource{}
	h := newStartedHub(t, src, 16)
	sub := h.Subscribe(Filter{})

	src.add("archived_schedules", "INSERT", "k1", "", "t1")
	src.add("schedules", "DELETE", "s1", "", "t1")
	src.add("schedules", "DELETE", "s1", "", "t1")
	_, err := h.Poll(context.Background())
	require.NoError(t, err)

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, EventInserted, got[0].Type)
	assert.Equal(t, "archived_schedules", got[0].Table)
	assert.Equal(t, "schedule", got[0].Kind)
	assert.Equal(t, EventDeleted, got[1].Type)
	assert.Equal(t, "schedules", got[1].Table)
}

func TestHubOverflowAsksForResync(t *testing.T) {
	src := &fakeSource{}
	h := newStartedHub(t, src, 2)
	sub := h.Subscribe(Filter{})

	for i := 0; i < 3; i++ {
		src.add("reports", "UPDATE", "r1", "", fmt.Sprintf("t%d", i))
	}
	_, err := h.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, drain(sub), 2)

	src.add("reports", "UPDATE", "r1", "", "t9")
	_, err = h.Poll(context.Background())
	require.NoError(t, err)
	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, EventResync, got[0].Type)
	assert.Equal(t, "t9", got[1].UpdatedAt)
}

func TestHubDegradesAndResumesWithoutReplay(t *testing.T) {
	src := &fakeSource{}
	h := newStartedHub(t, src, 16)
	sub := h.Subscribe(Filter{})

	src.setErr(errors.New("socket closed"))
	_, err := h.Poll(context.Background())
	require.ErrorIs(t, err, engine.ErrFeedDisconnected)
	_, err = h.Poll(context.Background())
	require.ErrorIs(t, err, engine.ErrFeedDisconnected)
	assert.True(t, h.Degraded())

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, EventDegraded, got[0].Type)

	late := h.Subscribe(Filter{})
	got = drain(late)
	require.Len(t, got, 1)
	assert.Equal(t, EventDegraded, got[0].Type)

	// missed while disconnected
	src.setErr(nil)
	src.add("reports", "INSERT", "r1", "", "t1")
	_, err = h.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Degraded())
	got = drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, EventResync, got[0].Type)

	src.add("reports", "INSERT", "r2", "", "t2")
	_, err = h.Poll(context.Background())
	require.NoError(t, err)
	got = drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].RowID)
}

func TestSubscriptionClose(t *testing.T) {
	h := newStartedHub(t, &fakeSource{}, 4)
	sub := h.Subscribe(Filter{})
	assert.Equal(t, 1, h.Subscribers())
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Subscribers())
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestHubBroadcastsWarnings(t *testing.T) {
	h := newStartedHub(t, &fakeSource{}, 4)
	sub := h.Subscribe(Filter{Tables: []string{"reports"}, UserID: "u1"})
	h.BroadcastWarning(engine.Warning{Code: engine.CodeStaleDuplicate, Kind: "report", EntityID: "r1", Message: "both stores"})
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, EventWarning, got[0].Type)
	require.NotNil(t, got[0].Warning)
	assert.Equal(t, engine.CodeStaleDuplicate, got[0].Warning.Code)
}

func TestFilterForKinds(t *testing.T) {
	f, err := FilterForKinds(config.Default(), []string{"report", "schedule"}, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports", "archive", "report_status", "schedules", "archived_schedules", "status_events", "notifications"}, f.Tables)
	_, err = FilterForKinds(config.Default(), []string{"nope"}, "", false)
	assert.ErrorIs(t, err, engine.ErrUnknownKind)
}

func TestHubReadsStoreChanges(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	cfg := config.Default()
	require.NoError(t, migrate.Setup(conn, cfg))
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { now = now.Add(time.Second); return now }

	h := newStartedHub(t, RepoSource{Repo: repo.Repo{DB: conn, Config: cfg}}, 64)
	sub := h.Subscribe(Filter{Tables: []string{"schedules", "archived_schedules"}})
	ctx := context.Background()
	_, err = eng.CreateItem(ctx, engine.CreateItemOptions{ID: "S1", Kind: "schedule"})
	require.NoError(t, err)
	_, err = eng.Archive(ctx, "schedule", "S1", "collector-1")
	require.NoError(t, err)

	_, err = h.Poll(ctx)
	require.NoError(t, err)
	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, []EventType{EventInserted, EventInserted, EventDeleted}, []EventType{got[0].Type, got[1].Type, got[2].Type})
	assert.Equal(t, []string{"schedules", "archived_schedules", "schedules"}, []string{got[0].Table, got[1].Table, got[2].Table})
	assert.Equal(t, "S1", got[2].RowID)
	for _, ev := range got {
		assert.Equal(t, "schedule", ev.Kind)
	}
}

func TestHubWithholdsOtherResidentsStatusRows(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	cfg := config.Default()
	require.NoError(t, migrate.Setup(conn, cfg))
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { now = now.Add(time.Second); return now }
	ctx := context.Background()

	h := newStartedHub(t, RepoSource{Repo: repo.Repo{DB: conn, Config: cfg}}, 64)
	filter, err := FilterForKinds(cfg, []string{"report"}, "alice", false)
	require.NoError(t, err)
	sub := h.Subscribe(filter)

	_, err = eng.CreateItem(ctx, engine.CreateItemOptions{ID: "R-alice", Kind: "report", OwnerRef: "alice"})
	require.NoError(t, err)
	_, err = eng.CreateItem(ctx, engine.CreateItemOptions{ID: "R-bob", Kind: "report", OwnerRef: "bob"})
	require.NoError(t, err)
	_, err = eng.Transition(ctx, engine.TransitionOptions{Kind: "report", WorkItemID: "R-bob", Target: "InProgress", Response: "bob's private note"})
	require.NoError(t, err)
	_, err = eng.Transition(ctx, engine.TransitionOptions{Kind: "report", WorkItemID: "R-alice", Target: "InProgress"})
	require.NoError(t, err)

	_, err = h.Poll(ctx)
	require.NoError(t, err)
	got := drain(sub)
	require.NotEmpty(t, got)
	var own bool
	for _, ev := range got {
		assert.NotEqual(t, "bob", ev.UserID)
		assert.NotContains(t, string(ev.Row), "bob's private note")
		if ev.Table == "report_status" {
			assert.Equal(t, domain.StatusRowID("report", "R-alice"), ev.RowID)
			assert.Equal(t, "alice", ev.UserID)
			assert.Equal(t, "report", ev.Kind)
			own = true
		}
	}
	assert.True(t, own)
}
