package engine

import (
	"context"
	"errors"
	"fmt"

	"wastesync/internal/domain"
	"wastesync/internal/events"
)

// Stores a purge can target.
const (
	StoreActive  = "active"
	StoreArchive = "archive"
)

// MoveRequest carries the snapshot being moved: Item for an archive,
// Archived for a restore. The mover writes from the snapshot and never
// re-reads the source.
type MoveRequest struct {
	Kind      string
	Direction domain.Direction
	Item      *domain.WorkItem
	Archived  *domain.ArchiveRecord
	ActorID   string
}

type MoveResult struct {
	Key           string                `json:"key"`
	Kind          string                `json:"kind"`
	Direction     domain.Direction      `json:"direction"`
	SourceID      string                `json:"source_id"`
	Archived      *domain.ArchiveRecord `json:"archived,omitempty"`
	Item          *domain.WorkItem      `json:"item,omitempty"`
	Replayed      bool                  `json:"replayed"`
	SourceRemoved bool                  `json:"source_removed"`
}

// Move relocates a work item between its active and archive table. The
// destination is written first under the move key, so a retried call
// converges on one destination row; the source is deleted second. A failed
// delete leaves an outbox entry for the sweeper and returns a *MoveError
// with CodePartialMove.
func (e Engine) Move(ctx context.Context, req MoveRequest) (MoveResult, error) {
	if _, err := e.kind(req.Kind); err != nil {
		return MoveResult{}, err
	}
	switch req.Direction {
	case domain.DirectionArchive:
		if req.Item == nil {
			return MoveResult{}, errors.New("archive requires an item snapshot")
		}
		return e.archive(ctx, req)
	case domain.DirectionRestore:
		if req.Archived == nil {
			return MoveResult{}, errors.New("restore requires an archive snapshot")
		}
		return e.restore(ctx, req)
	}
	return MoveResult{}, fmt.Errorf("invalid direction %q", req.Direction)
}

// Archive reads the active item and moves it to the archive.
func (e Engine) Archive(ctx context.Context, kind, id, actorID string) (MoveResult, error) {
	if _, err := e.kind(kind); err != nil {
		return MoveResult{}, err
	}
	it, err := e.Store.GetItem(ctx, kind, id)
	if err != nil {
		return MoveResult{}, err
	}
	return e.Move(ctx, MoveRequest{Kind: kind, Direction: domain.DirectionArchive, Item: &it, ActorID: actorID})
}

// Restore reads the archived copy of sourceID and moves it back to active.
func (e Engine) Restore(ctx context.Context, kind, sourceID, actorID string) (MoveResult, error) {
	if _, err := e.kind(kind); err != nil {
		return MoveResult{}, err
	}
	a, err := e.Store.GetArchivedBySource(ctx, kind, sourceID)
	if err != nil {
		return MoveResult{}, err
	}
	return e.Move(ctx, MoveRequest{Kind: kind, Direction: domain.DirectionRestore, Archived: &a, ActorID: actorID})
}

func (e Engine) archive(ctx context.Context, req MoveRequest) (MoveResult, error) {
	it := *req.Item
	key := MoveKey(req.Kind, it.ID, domain.DirectionArchive)
	res := MoveResult{Key: key, Kind: req.Kind, Direction: domain.DirectionArchive, SourceID: it.ID}
	rec := domain.ArchiveRecord{
		ID:         key,
		SourceID:   it.ID,
		Kind:       req.Kind,
		OwnerRef:   it.OwnerRef,
		Status:     it.Status,
		Payload:    it.Payload,
		CreatedAt:  it.CreatedAt,
		UpdatedAt:  it.UpdatedAt,
		ArchivedAt: domain.FormatTime(e.now()),
	}
	inserted, err := e.Store.InsertArchiveIdempotent(ctx, rec)
	if err != nil {
		return res, e.moveFailed(res, err)
	}
	if !inserted {
		existing, err := e.Store.GetArchivedBySource(ctx, req.Kind, it.ID)
		if err != nil {
			return res, e.moveFailed(res, err)
		}
		if existing.UpdatedAt < it.UpdatedAt {
			return res, e.moveFailed(res, fmt.Errorf("%w: archived copy of %s predates the snapshot", ErrStaleDuplicate, it.ID))
		}
		rec = existing
		res.Replayed = true
	}
	res.Archived = &rec

	removed, err := e.Store.DeleteItemAsOf(ctx, req.Kind, it.ID, it.UpdatedAt)
	if err != nil {
		return res, e.partial(ctx, res, req.ActorID, err)
	}
	if !removed {
		cur, err := e.Store.GetItem(ctx, req.Kind, it.ID)
		switch {
		case err == nil:
			return res, e.partial(ctx, res, req.ActorID, fmt.Errorf("%w: %s changed at %s after the snapshot", ErrStaleDuplicate, it.ID, cur.UpdatedAt))
		case !errors.Is(err, ErrNotFound):
			return res, e.partial(ctx, res, req.ActorID, err)
		}
	}
	res.SourceRemoved = removed
	e.clearPending(ctx, key)
	e.appendLog(ctx, events.TypeMoveArchived, req.Kind, it.ID, req.ActorID, events.EventPayload{"key": key, "replayed": res.Replayed})
	e.Metrics.Move(req.Kind, string(res.Direction), "ok")
	return res, nil
}

func (e Engine) restore(ctx context.Context, req MoveRequest) (MoveResult, error) {
	a := *req.Archived
	key := MoveKey(req.Kind, a.SourceID, domain.DirectionRestore)
	res := MoveResult{Key: key, Kind: req.Kind, Direction: domain.DirectionRestore, SourceID: a.SourceID}
	moveKey := key
	it := domain.WorkItem{
		ID:        a.SourceID,
		Kind:      req.Kind,
		OwnerRef:  a.OwnerRef,
		Status:    a.Status,
		Payload:   a.Payload,
		MoveKey:   &moveKey,
		CreatedAt: a.CreatedAt,
		UpdatedAt: domain.FormatTime(e.now()),
	}
	inserted, err := e.Store.InsertItemIdempotent(ctx, it)
	if err != nil {
		return res, e.moveFailed(res, err)
	}
	if !inserted {
		existing, err := e.Store.GetItem(ctx, req.Kind, a.SourceID)
		if err != nil {
			return res, e.moveFailed(res, err)
		}
		if existing.MoveKey == nil || *existing.MoveKey != key {
			return res, e.moveFailed(res, fmt.Errorf("%s is already active", a.SourceID))
		}
		it = existing
		res.Replayed = true
	}
	res.Item = &it

	removed, err := e.Store.DeleteArchived(ctx, req.Kind, a.ID)
	if err != nil {
		return res, e.partial(ctx, res, req.ActorID, err)
	}
	res.SourceRemoved = removed
	e.clearPending(ctx, key)
	e.appendLog(ctx, events.TypeMoveRestored, req.Kind, a.SourceID, req.ActorID, events.EventPayload{"key": key, "replayed": res.Replayed})
	e.Metrics.Move(req.Kind, string(res.Direction), "ok")
	return res, nil
}

func (e Engine) moveFailed(res MoveResult, cause error) error {
	e.Metrics.Move(res.Kind, string(res.Direction), CodeMoveFailed)
	e.logger().Warn("move failed", "kind", res.Kind, "direction", res.Direction, "source_id", res.SourceID, "error", cause)
	return &MoveError{Code: CodeMoveFailed, Kind: res.Kind, SourceID: res.SourceID, Direction: res.Direction, Key: res.Key, Cause: cause}
}

// partial records the outstanding source delete in the outbox. Divergent
// copies go straight to stale so nobody deletes user data automatically.
func (e Engine) partial(ctx context.Context, res MoveResult, actorID string, cause error) error {
	now := e.now()
	state := domain.OutboxPending
	if errors.Is(cause, ErrStaleDuplicate) {
		state = domain.OutboxStale
	}
	pm := domain.PendingMove{
		Key:           res.Key,
		Kind:          res.Kind,
		Direction:     res.Direction,
		SourceID:      res.SourceID,
		NextAttemptAt: domain.FormatTime(now.Add(e.retryConfig().BackoffBase)),
		LastError:     cause.Error(),
		State:         state,
		CreatedAt:     domain.FormatTime(now),
		UpdatedAt:     domain.FormatTime(now),
	}
	if err := e.Store.EnqueueMove(ctx, pm); err != nil {
		e.logger().Error("enqueue pending move failed", "key", res.Key, "kind", res.Kind, "source_id", res.SourceID, "error", err)
	}
	e.appendLog(ctx, events.TypeMovePartial, res.Kind, res.SourceID, actorID, events.EventPayload{
		"key":       res.Key,
		"direction": res.Direction,
		"state":     state,
		"error":     cause.Error(),
	})
	e.Metrics.Move(res.Kind, string(res.Direction), CodePartialMove)
	e.logger().Warn("partial move", "kind", res.Kind, "direction", res.Direction, "source_id", res.SourceID, "key", res.Key, "state", state, "error", cause)
	return &MoveError{Code: CodePartialMove, Kind: res.Kind, SourceID: res.SourceID, Direction: res.Direction, Key: res.Key, Cause: cause}
}

func (e Engine) clearPending(ctx context.Context, key string) {
	if err := e.Store.DeletePendingMove(ctx, key); err != nil {
		e.logger().Warn("clear pending move failed", "key", key, "error", err)
	}
}

// RetryMove re-attempts the source delete of an outbox entry. It returns
// nil once the source is gone or the entry is obsolete because a later move
// removed its destination; the entry is cleared in both cases.
func (e Engine) RetryMove(ctx context.Context, pm domain.PendingMove) error {
	if _, err := e.kind(pm.Kind); err != nil {
		return err
	}
	switch pm.Direction {
	case domain.DirectionArchive:
		a, err := e.Store.GetArchived(ctx, pm.Kind, pm.Key)
		if errors.Is(err, ErrNotFound) {
			return e.dropObsolete(ctx, pm)
		}
		if err != nil {
			return err
		}
		removed, err := e.Store.DeleteItemAsOf(ctx, pm.Kind, pm.SourceID, a.UpdatedAt)
		if err != nil {
			return err
		}
		if !removed {
			cur, err := e.Store.GetItem(ctx, pm.Kind, pm.SourceID)
			if err == nil {
				return fmt.Errorf("%w: %s changed at %s after it was archived", ErrStaleDuplicate, pm.SourceID, cur.UpdatedAt)
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
	case domain.DirectionRestore:
		it, err := e.Store.GetItem(ctx, pm.Kind, pm.SourceID)
		if errors.Is(err, ErrNotFound) {
			return e.dropObsolete(ctx, pm)
		}
		if err != nil {
			return err
		}
		if it.MoveKey == nil || *it.MoveKey != pm.Key {
			return e.dropObsolete(ctx, pm)
		}
		a, err := e.Store.GetArchivedBySource(ctx, pm.Kind, pm.SourceID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil {
			if _, err := e.Store.DeleteArchived(ctx, pm.Kind, a.ID); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("invalid direction %q", pm.Direction)
	}
	if err := e.Store.DeletePendingMove(ctx, pm.Key); err != nil {
		return err
	}
	e.appendLog(ctx, events.TypeMoveCompleted, pm.Kind, pm.SourceID, "", events.EventPayload{"key": pm.Key, "direction": pm.Direction, "attempts": pm.Attempts + 1})
	e.Metrics.Move(pm.Kind, string(pm.Direction), "ok")
	return nil
}

func (e Engine) dropObsolete(ctx context.Context, pm domain.PendingMove) error {
	e.logger().Info("pending move obsolete", "key", pm.Key, "kind", pm.Kind, "source_id", pm.SourceID, "direction", pm.Direction)
	return e.Store.DeletePendingMove(ctx, pm.Key)
}

// Purge deletes a work item outright from the active or archive store.
// Only deletable kinds allow it. The status row and notification of the
// item are removed as well, each as an independent write.
func (e Engine) Purge(ctx context.Context, kind, id, from, actorID string) error {
	k, err := e.kind(kind)
	if err != nil {
		return err
	}
	if !k.Deletable {
		return fmt.Errorf("%w: %s", ErrNotDeletable, kind)
	}
	var removed bool
	switch from {
	case StoreActive, "":
		from = StoreActive
		removed, err = e.Store.DeleteItem(ctx, kind, id)
	case StoreArchive:
		var a domain.ArchiveRecord
		a, err = e.Store.GetArchivedBySource(ctx, kind, id)
		if err == nil {
			removed, err = e.Store.DeleteArchived(ctx, kind, a.ID)
		}
	default:
		return fmt.Errorf("invalid store %q", from)
	}
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	if err := e.Store.DeleteStatusEvent(ctx, kind, id); err != nil {
		e.logger().Warn("purge status row failed", "kind", kind, "id", id, "error", err)
	}
	if err := e.Store.DeleteNotificationByItem(ctx, kind, id); err != nil {
		e.logger().Warn("purge notification failed", "kind", kind, "id", id, "error", err)
	}
	e.appendLog(ctx, events.TypeItemPurged, kind, id, actorID, events.EventPayload{"from": from})
	return nil
}
