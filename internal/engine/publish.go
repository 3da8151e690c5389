package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wastesync/internal/domain"
	"wastesync/internal/events"
	"wastesync/internal/repo"
)

type PublishOptions struct {
	WorkItemID string
	OwnerRef   string
	Kind       string
	// Message overrides the kind's message template.
	Message  string
	Status   string
	Response string
	At       time.Time
	ActorID  string
}

// Publish upserts the one notification of a work item. Repeated or
// duplicated publishes converge on the same row; a publish older than the
// stored row leaves it untouched. Each accepted publish resets read.
// When the write fails the publish is queued for the sweeper and the error
// wraps ErrNotificationDegraded.
func (e Engine) Publish(ctx context.Context, opts PublishOptions) (domain.Notification, error) {
	if opts.WorkItemID == "" || opts.OwnerRef == "" {
		return domain.Notification{}, errors.New("work item and owner are required")
	}
	if _, err := e.kind(opts.Kind); err != nil {
		return domain.Notification{}, err
	}
	at, err := e.writeTime(opts.At)
	if err != nil {
		return domain.Notification{}, err
	}
	atStr := domain.FormatTime(at)
	n := domain.Notification{
		ID:         NotificationID(opts.Kind, opts.WorkItemID),
		WorkItemID: opts.WorkItemID,
		OwnerRef:   opts.OwnerRef,
		Kind:       opts.Kind,
		Message:    opts.Message,
		Status:     opts.Status,
		Response:   opts.Response,
		CreatedAt:  atStr,
		UpdatedAt:  atStr,
	}
	if n.Message == "" {
		n.Message = e.renderMessage(opts.Kind, opts.Status, opts.Response)
	}
	wrote, err := e.Store.UpsertNotification(ctx, n)
	if err != nil {
		e.enqueueNotification(ctx, n, err)
		return domain.Notification{}, fmt.Errorf("%w: %v", ErrNotificationDegraded, err)
	}
	if !wrote {
		e.Metrics.Publish("superseded")
		return e.Store.GetNotificationByItem(ctx, opts.Kind, opts.WorkItemID)
	}
	e.appendLog(ctx, events.TypeNotificationPublished, opts.Kind, opts.WorkItemID, opts.ActorID, events.EventPayload{
		"owner_ref": opts.OwnerRef,
		"status":    opts.Status,
	})
	e.Metrics.Publish("ok")
	return e.Store.GetNotificationByItem(ctx, opts.Kind, opts.WorkItemID)
}

func (e Engine) enqueueNotification(ctx context.Context, n domain.Notification, cause error) {
	now := e.now()
	q := domain.QueuedNotification{
		WorkItemID:    n.WorkItemID,
		OwnerRef:      n.OwnerRef,
		Kind:          n.Kind,
		Message:       n.Message,
		Status:        n.Status,
		Response:      n.Response,
		At:            n.UpdatedAt,
		NextAttemptAt: domain.FormatTime(now.Add(e.retryConfig().BackoffBase)),
		LastError:     cause.Error(),
	}
	if err := e.Store.EnqueueNotification(ctx, q); err != nil {
		e.logger().Error("enqueue notification failed", "work_item_id", n.WorkItemID, "error", err)
	}
	e.appendLog(ctx, events.TypeNotificationDegraded, n.Kind, n.WorkItemID, "", events.EventPayload{"error": cause.Error()})
	e.Metrics.Publish(CodeNotificationDegraded)
	e.logger().Warn("notification publish degraded", "work_item_id", n.WorkItemID, "owner_ref", n.OwnerRef, "error", cause)
}

// RetryNotification replays a queued publish. The upsert is keyed by kind
// and work item, so replaying an already delivered publish is harmless.
func (e Engine) RetryNotification(ctx context.Context, q domain.QueuedNotification) error {
	n := domain.Notification{
		ID:         NotificationID(q.Kind, q.WorkItemID),
		WorkItemID: q.WorkItemID,
		OwnerRef:   q.OwnerRef,
		Kind:       q.Kind,
		Message:    q.Message,
		Status:     q.Status,
		Response:   q.Response,
		CreatedAt:  q.At,
		UpdatedAt:  q.At,
	}
	if _, err := e.Store.UpsertNotification(ctx, n); err != nil {
		return err
	}
	if err := e.Store.DeleteQueuedNotification(ctx, q.Kind, q.WorkItemID, q.At); err != nil {
		return err
	}
	e.appendLog(ctx, events.TypeNotificationPublished, q.Kind, q.WorkItemID, "", events.EventPayload{
		"owner_ref": q.OwnerRef,
		"status":    q.Status,
		"retried":   true,
	})
	e.Metrics.Publish("ok")
	return nil
}

func (e Engine) renderMessage(kind, status, response string) string {
	tmpl := "{{kind}} is now {{status}}"
	if e.Config != nil {
		if k, ok := e.Config.Kind(kind); ok && k.Message != "" {
			tmpl = k.Message
		}
	}
	return strings.NewReplacer("{{kind}}", kind, "{{status}}", status, "{{response}}", response).Replace(tmpl)
}

// MarkRead flips the read flag of a notification. It does not bump
// updated_at, so it never wins against a later publish.
func (e Engine) MarkRead(ctx context.Context, id string) (domain.Notification, error) {
	if err := e.Store.MarkNotificationRead(ctx, id); err != nil {
		return domain.Notification{}, err
	}
	return e.Store.GetNotification(ctx, id)
}

func (e Engine) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return e.Store.GetNotification(ctx, id)
}

func (e Engine) ListNotifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error) {
	return e.Store.ListNotifications(ctx, f)
}
