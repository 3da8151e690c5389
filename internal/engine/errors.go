package engine

import (
	"errors"
	"fmt"

	"wastesync/internal/domain"
	"wastesync/internal/repo"
)

var (
	ErrMoveFailed           = errors.New("move failed")
	ErrPartialMove          = errors.New("partial move")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNotFound             = repo.ErrNotFound
	ErrUnknownKind          = repo.ErrUnknownKind
	ErrResponseRequired     = errors.New("response required")
	ErrNotificationDegraded = errors.New("notification degraded")
	ErrFeedDisconnected     = errors.New("feed disconnected")
	ErrStaleDuplicate       = errors.New("stale duplicate")
	ErrNotDeletable         = errors.New("kind is not deletable")
	ErrConfigNotLoaded      = errors.New("config not loaded")
	ErrFutureTimestamp      = errors.New("timestamp ahead of server clock")
)

// Error codes shared by the API envelope, the sync log and warnings.
const (
	CodeMoveFailed           = "move_failed"
	CodePartialMove          = "partial_move"
	CodeInvalidTransition    = "invalid_transition"
	CodeNotFound             = "not_found"
	CodeResponseRequired     = "response_required"
	CodeNotificationDegraded = "notification_degraded"
	CodeFeedDisconnected     = "feed_disconnected"
	CodeStaleDuplicate       = "stale_duplicate"
	CodeNotDeletable         = "not_deletable"
	CodeUnknownKind          = "unknown_kind"
	CodeStatusMirror         = "status_mirror_pending"
	CodeFutureTimestamp      = "future_timestamp"
)

var codeSentinels = map[string]error{
	CodeMoveFailed:           ErrMoveFailed,
	CodePartialMove:          ErrPartialMove,
	CodeInvalidTransition:    ErrInvalidTransition,
	CodeNotFound:             ErrNotFound,
	CodeResponseRequired:     ErrResponseRequired,
	CodeNotificationDegraded: ErrNotificationDegraded,
	CodeFeedDisconnected:     ErrFeedDisconnected,
	CodeStaleDuplicate:       ErrStaleDuplicate,
	CodeNotDeletable:         ErrNotDeletable,
	CodeUnknownKind:          ErrUnknownKind,
	CodeFutureTimestamp:      ErrFutureTimestamp,
}

var codeOrder = []string{
	CodeMoveFailed, CodePartialMove, CodeStaleDuplicate, CodeInvalidTransition, CodeResponseRequired,
	CodeNotificationDegraded, CodeFeedDisconnected, CodeNotDeletable, CodeUnknownKind, CodeFutureTimestamp, CodeNotFound,
}

// MoveError reports a move that did not complete. For CodePartialMove the
// destination row is committed and Key identifies the outbox entry that
// retries the source delete.
type MoveError struct {
	Code      string
	Kind      string
	SourceID  string
	Direction domain.Direction
	Key       string
	Cause     error
}

func (e *MoveError) Error() string {
	msg := fmt.Sprintf("%s: %s %s %s (key=%s)", e.Code, e.Direction, e.Kind, e.SourceID, e.Key)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MoveError) Unwrap() error { return e.Cause }

func (e *MoveError) Is(target error) bool {
	return codeSentinels[e.Code] == target
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	Code       string
	Kind       string
	WorkItemID string
	From       string
	To         string
}

func (e *TransitionError) Error() string {
	switch e.Code {
	case CodeResponseRequired:
		return fmt.Sprintf("%s: %s %s -> %s needs a response", e.Code, e.Kind, e.WorkItemID, e.To)
	case CodeNotFound:
		return fmt.Sprintf("%s: %s %s is not active", e.Code, e.Kind, e.WorkItemID)
	}
	return fmt.Sprintf("%s: %s %s %s -> %s", e.Code, e.Kind, e.WorkItemID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return codeSentinels[e.Code] == target
}

// Warning is a non-fatal condition attached to a successful result.
type Warning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Kind     string `json:"kind,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// Code returns the error code of err, or "" when err is not one of the
// engine's categories.
func Code(err error) string {
	var me *MoveError
	if errors.As(err, &me) {
		return me.Code
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code
	}
	for _, code := range codeOrder {
		if errors.Is(err, codeSentinels[code]) {
			return code
		}
	}
	return ""
}
