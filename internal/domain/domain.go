package domain

import (
	"encoding/json"
	"time"
)

// TimeFormat is fixed width so stored timestamps compare lexically in SQL.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat or RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Direction string

const (
	DirectionArchive Direction = "archive"
	DirectionRestore Direction = "restore"
)

func (d Direction) Valid() bool {
	return d == DirectionArchive || d == DirectionRestore
}

// WorkItem is the active-state record of one workflow kind.
type WorkItem struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	OwnerRef  *string         `json:"owner_ref,omitempty"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MoveKey   *string         `json:"move_key,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// ArchiveRecord is the archived projection of a WorkItem.
type ArchiveRecord struct {
	ID         string          `json:"id"`
	SourceID   string          `json:"source_id"`
	Kind       string          `json:"kind"`
	OwnerRef   *string         `json:"owner_ref,omitempty"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	UpdatedAt  string          `json:"updated_at" format:"date-time"`
	ArchivedAt string          `json:"archived_at" format:"date-time"`
}

// StatusRowID identifies a status row in the change feed. Several kinds
// share one status table, so the work item id alone is ambiguous.
func StatusRowID(kind, workItemID string) string {
	return kind + "/" + workItemID
}

// StatusEvent holds the latest status and response of a WorkItem.
type StatusEvent struct {
	WorkItemID string `json:"work_item_id"`
	Kind       string `json:"kind"`
	OwnerRef   string `json:"owner_ref,omitempty"`
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Notification struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	OwnerRef   string `json:"owner_ref"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message"`
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	Read       bool   `json:"read"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// PendingMove is an outbox entry for a move whose source delete has not
// been confirmed.
type PendingMove struct {
	Key           string    `json:"key"`
	Kind          string    `json:"kind"`
	Direction     Direction `json:"direction"`
	SourceID      string    `json:"source_id"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt string    `json:"next_attempt_at" format:"date-time"`
	LastError     string    `json:"last_error,omitempty"`
	State         string    `json:"state" enum:"pending,stale"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

// QueuedNotification is a publish that failed and awaits retry.
type QueuedNotification struct {
	WorkItemID    string `json:"work_item_id"`
	OwnerRef      string `json:"owner_ref"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Status        string `json:"status"`
	Response      string `json:"response,omitempty"`
	At            string `json:"at" format:"date-time"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt string `json:"next_attempt_at" format:"date-time"`
	LastError     string `json:"last_error,omitempty"`
	State         string `json:"state" enum:"pending,stale"`
}

const (
	OutboxPending = "pending"
	OutboxStale   = "stale"
)

// LogEntry is one row of the sync log.
type LogEntry struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	Kind     string `json:"kind,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Payload  string `json:"payload_json"`
}

// FeedEntry is one row-level change captured from the entity store.
type FeedEntry struct {
	ID        int64           `json:"id"`
	Table     string          `json:"table"`
	Op        string          `json:"op" enum:"INSERT,UPDATE,DELETE"`
	RowID     string          `json:"row_id"`
	UserID    string          `json:"user_id,omitempty"`
	UpdatedAt string          `json:"updated_at"`
	Row       json.RawMessage `json:"row"`
	TS        string          `json:"ts"`
}
