package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"wastesync/internal/config"
	"wastesync/internal/domain"
	"wastesync/internal/events"
	"wastesync/internal/metrics"
	"wastesync/internal/repo"
)

// Store is the entity store as seen by the engine. repo.Repo implements it;
// every call is an independent write or read with no shared transaction.
type Store interface {
	CreateItem(ctx context.Context, it domain.WorkItem) error
	GetItem(ctx context.Context, kind, id string) (domain.WorkItem, error)
	ListItems(ctx context.Context, kind string, f repo.ItemFilters) ([]domain.WorkItem, error)
	InsertItemIdempotent(ctx context.Context, it domain.WorkItem) (bool, error)
	DeleteItem(ctx context.Context, kind, id string) (bool, error)
	DeleteItemAsOf(ctx context.Context, kind, id, updatedAt string) (bool, error)
	SetItemStatus(ctx context.Context, kind, id, status, at string) (bool, error)
	ItemsInBothStores(ctx context.Context, kind string) ([]string, error)

	InsertArchiveIdempotent(ctx context.Context, a domain.ArchiveRecord) (bool, error)
	GetArchived(ctx context.Context, kind, id string) (domain.ArchiveRecord, error)
	GetArchivedBySource(ctx context.Context, kind, sourceID string) (domain.ArchiveRecord, error)
	ListArchived(ctx context.Context, kind string, f repo.ItemFilters) ([]domain.ArchiveRecord, error)
	DeleteArchived(ctx context.Context, kind, id string) (bool, error)

	GetStatusEvent(ctx context.Context, kind, workItemID string) (domain.StatusEvent, error)
	UpsertStatusEvent(ctx context.Context, se domain.StatusEvent) (bool, error)
	DeleteStatusEvent(ctx context.Context, kind, workItemID string) error
	StatusDrift(ctx context.Context, kind string) ([]domain.StatusEvent, error)

	UpsertNotification(ctx context.Context, n domain.Notification) (bool, error)
	GetNotification(ctx context.Context, id string) (domain.Notification, error)
	GetNotificationByItem(ctx context.Context, kind, workItemID string) (domain.Notification, error)
	ListNotifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotificationByItem(ctx context.Context, kind, workItemID string) error

	EnqueueMove(ctx context.Context, m domain.PendingMove) error
	GetPendingMove(ctx context.Context, key string) (domain.PendingMove, error)
	DuePendingMoves(ctx context.Context, now string, limit int) ([]domain.PendingMove, error)
	ListPendingMoves(ctx context.Context, state string) ([]domain.PendingMove, error)
	RecordMoveAttempt(ctx context.Context, key string, attempts int, nextAttemptAt, lastError, state, now string) error
	DeletePendingMove(ctx context.Context, key string) error
	HasPendingMove(ctx context.Context, kind, sourceID string) (bool, error)

	EnqueueNotification(ctx context.Context, q domain.QueuedNotification) error
	DueNotifications(ctx context.Context, now string, limit int) ([]domain.QueuedNotification, error)
	ListQueuedNotifications(ctx context.Context, state string) ([]domain.QueuedNotification, error)
	RecordNotificationAttempt(ctx context.Context, kind, workItemID string, attempts int, nextAttemptAt, lastError, state string) error
	DeleteQueuedNotification(ctx context.Context, kind, workItemID, at string) error
	OutboxDepth(ctx context.Context) (int, int, error)
}

type Engine struct {
	DB      *sql.DB
	Store   Store
	Events  events.Writer
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Store:  repo.Repo{DB: db, Config: cfg},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

const defaultClockSkew = 30 * time.Second

// writeTime resolves a writer's timestamp: zero means now, and a timestamp
// further ahead of the server clock than max_clock_skew is refused, since it
// would win every compare-and-swap until that time.
func (e Engine) writeTime(at time.Time) (time.Time, error) {
	now := e.now()
	if at.IsZero() {
		return now, nil
	}
	skew := defaultClockSkew
	if e.Config != nil && e.Config.MaxClockSkew > 0 {
		skew = e.Config.MaxClockSkew
	}
	if at.After(now.Add(skew)) {
		return time.Time{}, fmt.Errorf("%w: %s is more than %s after %s", ErrFutureTimestamp, domain.FormatTime(at), skew, domain.FormatTime(now))
	}
	return at, nil
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) kind(name string) (config.KindConfig, error) {
	if e.Config == nil {
		return config.KindConfig{}, ErrConfigNotLoaded
	}
	k, ok := e.Config.Kind(name)
	if !ok {
		return k, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return k, nil
}

// appendLog writes a sync log row. The log is an audit trail, so a failed
// append is logged and never fails the operation that produced it.
func (e Engine) appendLog(ctx context.Context, evtType, kind, entityID, actorID string, payload events.EventPayload) {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if w.DB == nil {
		return
	}
	if err := w.Append(ctx, evtType, kind, entityID, actorID, payload); err != nil {
		e.logger().Warn("sync log append failed", "type", evtType, "kind", kind, "entity_id", entityID, "error", err)
	}
}

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("wastesync/move"))

// MoveKey derives the idempotency key of moving item id of kind in dir.
// Retries of the same logical move always produce the same key.
func MoveKey(kind, id string, dir domain.Direction) string {
	return uuid.NewSHA1(keyNamespace, []byte(kind+"|"+id+"|"+string(dir))).String()
}

// NotificationID is the stable id of the single notification of a work item.
// Ids are only unique within a kind, so the kind is part of the name.
func NotificationID(kind, workItemID string) string {
	return uuid.NewSHA1(keyNamespace, []byte("notification|"+kind+"|"+workItemID)).String()
}

// CreateItemOptions are parameters for creating an active work item.
type CreateItemOptions struct {
	ID       string
	Kind     string
	OwnerRef string
	Payload  []byte
	ActorID  string
}

// CreateItem inserts a work item in the first status of its kind.
func (e Engine) CreateItem(ctx context.Context, opts CreateItemOptions) (domain.WorkItem, error) {
	k, err := e.kind(opts.Kind)
	if err != nil {
		return domain.WorkItem{}, err
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := domain.FormatTime(e.now())
	it := domain.WorkItem{
		ID:        id,
		Kind:      opts.Kind,
		Status:    k.Statuses[0],
		Payload:   opts.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.OwnerRef != "" {
		owner := opts.OwnerRef
		it.OwnerRef = &owner
	}
	if len(it.Payload) == 0 {
		it.Payload = []byte("{}")
	}
	if err := e.Store.CreateItem(ctx, it); err != nil {
		return domain.WorkItem{}, err
	}
	e.appendLog(ctx, events.TypeItemCreated, it.Kind, it.ID, opts.ActorID, events.EventPayload{"status": it.Status})
	return it, nil
}

func (e Engine) GetItem(ctx context.Context, kind, id string) (domain.WorkItem, error) {
	if _, err := e.kind(kind); err != nil {
		return domain.WorkItem{}, err
	}
	return e.Store.GetItem(ctx, kind, id)
}

func (e Engine) ListItems(ctx context.Context, kind string, f repo.ItemFilters) ([]domain.WorkItem, error) {
	if _, err := e.kind(kind); err != nil {
		return nil, err
	}
	return e.Store.ListItems(ctx, kind, f)
}

func (e Engine) ListArchived(ctx context.Context, kind string, f repo.ItemFilters) ([]domain.ArchiveRecord, error) {
	if _, err := e.kind(kind); err != nil {
		return nil, err
	}
	return e.Store.ListArchived(ctx, kind, f)
}

// GetStatus returns the current status event of an item, falling back to
// the status mirrored on the active row when none was written yet.
func (e Engine) GetStatus(ctx context.Context, kind, id string) (domain.StatusEvent, error) {
	if _, err := e.kind(kind); err != nil {
		return domain.StatusEvent{}, err
	}
	se, err := e.Store.GetStatusEvent(ctx, kind, id)
	if err == nil {
		return se, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return se, err
	}
	it, err := e.Store.GetItem(ctx, kind, id)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	return domain.StatusEvent{WorkItemID: it.ID, Kind: kind, OwnerRef: deref(it.OwnerRef), Status: it.Status, UpdatedAt: it.UpdatedAt}, nil
}
