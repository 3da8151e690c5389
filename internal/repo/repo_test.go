package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wastesync/internal/config"
	"wastesync/internal/db"
	"wastesync/internal/domain"
	"wastesync/internal/migrate"
	"wastesync/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	cfg := config.Default()
	require.NoError(t, migrate.Setup(conn, cfg))
	return repo.Repo{DB: conn, Config: cfg}
}

const (
	t1 = "2024-01-01T00:00:01.000000Z"
	t2 = "2024-01-01T00:00:02.000000Z"
	t3 = "2024-01-01T00:00:03.000000Z"
)

func TestUpsertStatusEventIsStrictlyNewer(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	wrote, err := r.UpsertStatusEvent(ctx, domain.StatusEvent{WorkItemID: "R1", Kind: "report", Status: "InProgress", UpdatedAt: t2})
	require.NoError(t, err)
	assert.True(t, wrote)

	for _, at := range []string{t1, t2} {
		wrote, err = r.UpsertStatusEvent(ctx, domain.StatusEvent{WorkItemID: "R1", Kind: "report", Status: "Pending", UpdatedAt: at})
		require.NoError(t, err)
		assert.False(t, wrote, "write at %s", at)
	}
	wrote, err = r.UpsertStatusEvent(ctx, domain.StatusEvent{WorkItemID: "R1", Kind: "report", Status: "Resolved", Response: "picked up", UpdatedAt: t3})
	require.NoError(t, err)
	assert.True(t, wrote)

	se, err := r.GetStatusEvent(ctx, "report", "R1")
	require.NoError(t, err)
	assert.Equal(t, "Resolved", se.Status)
	assert.Equal(t, "picked up", se.Response)
}

func TestUpsertNotificationKeepsOneRowPerItem(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	n := domain.Notification{ID: "N1", WorkItemID: "R1", OwnerRef: "u1", Kind: "report", Message: "m1", Status: "InProgress", CreatedAt: t2, UpdatedAt: t2}
	_, err := r.UpsertNotification(ctx, n)
	require.NoError(t, err)
	require.NoError(t, r.MarkNotificationRead(ctx, "N1"))

	older := n
	older.Status, older.UpdatedAt = "Pending", t1
	wrote, err := r.UpsertNotification(ctx, older)
	require.NoError(t, err)
	assert.False(t, wrote)

	replay := n
	wrote, err = r.UpsertNotification(ctx, replay)
	require.NoError(t, err)
	assert.True(t, wrote)

	got, err := r.GetNotificationByItem(ctx, "report", "R1")
	require.NoError(t, err)
	assert.Equal(t, "InProgress", got.Status)
	assert.False(t, got.Read, "an accepted publish resets read")

	list, err := r.ListNotifications(ctx, repo.NotificationFilters{OwnerRef: "u1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.ErrorIs(t, r.MarkNotificationRead(ctx, "missing"), repo.ErrNotFound)
}

func TestDeleteItemAsOfSkipsNewerRows(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateItem(ctx, domain.WorkItem{ID: "S1", Kind: "schedule", Status: "NotStarted", CreatedAt: t1, UpdatedAt: t2}))

	removed, err := r.DeleteItemAsOf(ctx, "schedule", "S1", t1)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = r.DeleteItemAsOf(ctx, "schedule", "S1", t2)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = r.GetItem(ctx, "schedule", "S1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInsertIdempotentAndBothStores(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	it := domain.WorkItem{ID: "F1", Kind: "feedback", Status: "Submitted", CreatedAt: t1, UpdatedAt: t1}
	wrote, err := r.InsertItemIdempotent(ctx, it)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = r.InsertItemIdempotent(ctx, it)
	require.NoError(t, err)
	assert.False(t, wrote)

	a := domain.ArchiveRecord{ID: "K1", SourceID: "F1", Kind: "feedback", Status: "Submitted", CreatedAt: t1, UpdatedAt: t1, ArchivedAt: t2}
	wrote, err = r.InsertArchiveIdempotent(ctx, a)
	require.NoError(t, err)
	assert.True(t, wrote)
	a.ID = "K2"
	wrote, err = r.InsertArchiveIdempotent(ctx, a)
	require.NoError(t, err)
	assert.False(t, wrote, "source_id is unique in the archive")

	ids, err := r.ItemsInBothStores(ctx, "feedback")
	require.NoError(t, err)
	assert.Equal(t, []string{"F1"}, ids)
}

func TestSetItemStatusOnlyMovesForward(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateItem(ctx, domain.WorkItem{ID: "R1", Kind: "report", Status: "Pending", CreatedAt: t2, UpdatedAt: t2}))

	ok, err := r.SetItemStatus(ctx, "report", "R1", "InProgress", t1)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.SetItemStatus(ctx, "report", "R1", "InProgress", t3)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.UpsertStatusEvent(ctx, domain.StatusEvent{WorkItemID: "R1", Kind: "report", Status: "Resolved", UpdatedAt: "2024-01-01T00:00:04.000000Z"})
	require.NoError(t, err)
	drift, err := r.StatusDrift(ctx, "report")
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, "Resolved", drift[0].Status)
}

func TestFeedCursorAndPrune(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	latest, err := r.LatestFeedID(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	require.NoError(t, r.CreateItem(ctx, domain.WorkItem{ID: "S1", Kind: "schedule", Status: "NotStarted", CreatedAt: t1, UpdatedAt: t1}))
	require.NoError(t, r.CreateItem(ctx, domain.WorkItem{ID: "S2", Kind: "schedule", Status: "NotStarted", CreatedAt: t1, UpdatedAt: t1}))
	entries, err := r.FeedAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "schedules", entries[0].Table)
	assert.Equal(t, "INSERT", entries[0].Op)

	n, err := r.PruneFeed(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rest, err := r.FeedAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "S2", rest[0].RowID)
}

func TestStatusAndNotificationsAreKeyedByKind(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, se := range []domain.StatusEvent{
		{WorkItemID: "7", Kind: "schedule", OwnerRef: "collector-1", Status: "Ongoing", UpdatedAt: t2},
		{WorkItemID: "7", Kind: "feedback", OwnerRef: "resident-1", Status: "Reviewed", UpdatedAt: t1},
	} {
		wrote, err := r.UpsertStatusEvent(ctx, se)
		require.NoError(t, err)
		assert.True(t, wrote, se.Kind)
	}
	fb, err := r.GetStatusEvent(ctx, "feedback", "7")
	require.NoError(t, err)
	assert.Equal(t, "Reviewed", fb.Status)
	assert.Equal(t, "resident-1", fb.OwnerRef)

	require.NoError(t, r.DeleteStatusEvent(ctx, "feedback", "7"))
	_, err = r.GetStatusEvent(ctx, "feedback", "7")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	sc, err := r.GetStatusEvent(ctx, "schedule", "7")
	require.NoError(t, err)
	assert.Equal(t, "Ongoing", sc.Status)

	for _, n := range []domain.Notification{
		{ID: "N-s7", WorkItemID: "7", OwnerRef: "collector-1", Kind: "schedule", Message: "m", Status: "Ongoing", CreatedAt: t2, UpdatedAt: t2},
		{ID: "N-f7", WorkItemID: "7", OwnerRef: "resident-1", Kind: "feedback", Message: "m", Status: "Reviewed", CreatedAt: t1, UpdatedAt: t1},
	} {
		wrote, err := r.UpsertNotification(ctx, n)
		require.NoError(t, err)
		assert.True(t, wrote, n.Kind)
	}
	got, err := r.GetNotificationByItem(ctx, "feedback", "7")
	require.NoError(t, err)
	assert.Equal(t, "resident-1", got.OwnerRef)
	require.NoError(t, r.DeleteNotificationByItem(ctx, "feedback", "7"))
	_, err = r.GetNotificationByItem(ctx, "schedule", "7")
	assert.NoError(t, err)
}

func TestStatusFeedCarriesOwner(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.UpsertStatusEvent(ctx, domain.StatusEvent{WorkItemID: "R-bob", Kind: "report", OwnerRef: "bob", Status: "InProgress", Response: "note", UpdatedAt: t1})
	require.NoError(t, err)

	entries, err := r.FeedAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report_status", entries[0].Table)
	assert.Equal(t, domain.StatusRowID("report", "R-bob"), entries[0].RowID)
	assert.Equal(t, "bob", entries[0].UserID)
}

func TestEnqueueMoveRestartsStaleEntry(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	pm := domain.PendingMove{Key: "k1", Kind: "schedule", Direction: domain.DirectionArchive, SourceID: "S1", NextAttemptAt: t2, CreatedAt: t1, UpdatedAt: t1}
	require.NoError(t, r.EnqueueMove(ctx, pm))
	require.NoError(t, r.RecordMoveAttempt(ctx, "k1", 2, t3, "boom", domain.OutboxPending, t2))

	// a pending entry keeps its attempts and schedule
	require.NoError(t, r.EnqueueMove(ctx, pm))
	got, err := r.GetPendingMove(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, t3, got.NextAttemptAt)

	require.NoError(t, r.RecordMoveAttempt(ctx, "k1", 5, t3, "boom", domain.OutboxStale, t3))
	require.NoError(t, r.EnqueueMove(ctx, pm))
	got, err = r.GetPendingMove(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, got.State)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, t2, got.NextAttemptAt)
}
