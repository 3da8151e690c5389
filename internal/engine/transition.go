package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wastesync/internal/config"
	"wastesync/internal/domain"
	"wastesync/internal/events"
)

type TransitionOptions struct {
	Kind       string
	WorkItemID string
	Target     string
	Response   string
	ActorID    string
	// At is the writer's timestamp; zero means now. Concurrent writers are
	// ordered by it, not by arrival.
	At time.Time
	// Force allows any configured status, including moving backwards.
	Force bool
	// SkipNotify suppresses the owner notification.
	SkipNotify bool
}

type TransitionResult struct {
	Event        domain.StatusEvent   `json:"event"`
	Previous     string               `json:"previous"`
	Applied      bool                 `json:"applied"`
	Superseded   bool                 `json:"superseded"`
	Notification *domain.Notification `json:"notification,omitempty"`
	Warnings     []Warning            `json:"warnings,omitempty"`
}

// Transition applies a status change to an active work item. The status
// row is written compare-and-swap on updated_at, so a delayed request
// carrying an older timestamp never overwrites a newer status; such a
// request returns with Applied=false and no error.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	k, err := e.kind(opts.Kind)
	if err != nil {
		return TransitionResult{}, err
	}
	terr := &TransitionError{Kind: opts.Kind, WorkItemID: opts.WorkItemID, To: opts.Target}
	if statusIndex(k, opts.Target) < 0 {
		terr.Code = CodeInvalidTransition
		e.Metrics.Transition(opts.Kind, terr.Code)
		return TransitionResult{}, terr
	}
	it, err := e.Store.GetItem(ctx, opts.Kind, opts.WorkItemID)
	if errors.Is(err, ErrNotFound) {
		terr.Code = CodeNotFound
		e.Metrics.Transition(opts.Kind, terr.Code)
		return TransitionResult{}, terr
	}
	if err != nil {
		return TransitionResult{}, err
	}

	current := domain.StatusEvent{WorkItemID: it.ID, Kind: opts.Kind, OwnerRef: deref(it.OwnerRef), Status: it.Status, UpdatedAt: it.UpdatedAt}
	se, err := e.Store.GetStatusEvent(ctx, opts.Kind, it.ID)
	switch {
	case err == nil:
		current = se
	case !errors.Is(err, ErrNotFound):
		return TransitionResult{}, err
	}
	terr.From = current.Status
	res := TransitionResult{Event: current, Previous: current.Status}

	at, err := e.writeTime(opts.At)
	if err != nil {
		e.Metrics.Transition(opts.Kind, CodeFutureTimestamp)
		return TransitionResult{}, err
	}
	atStr := domain.FormatTime(at)
	if atStr <= current.UpdatedAt || atStr <= it.UpdatedAt {
		res.Superseded = current.Status != opts.Target || current.Response != opts.Response
		e.Metrics.Transition(opts.Kind, "superseded")
		return res, nil
	}
	if current.Status != opts.Target {
		if err := ensureTransition(k, current.Status, opts.Target, opts.Force); err != nil {
			terr.Code = CodeInvalidTransition
			e.Metrics.Transition(opts.Kind, terr.Code)
			return TransitionResult{}, terr
		}
	} else if current.Response == opts.Response {
		e.Metrics.Transition(opts.Kind, "replay")
		return res, nil
	}
	if requiresResponse(k, opts.Target) && strings.TrimSpace(opts.Response) == "" {
		terr.Code = CodeResponseRequired
		e.Metrics.Transition(opts.Kind, terr.Code)
		return TransitionResult{}, terr
	}

	next := domain.StatusEvent{
		WorkItemID: it.ID,
		Kind:       opts.Kind,
		OwnerRef:   deref(it.OwnerRef),
		Status:     opts.Target,
		Response:   opts.Response,
		ActorID:    opts.ActorID,
		UpdatedAt:  atStr,
	}
	wrote, err := e.Store.UpsertStatusEvent(ctx, next)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("write status: %w", err)
	}
	if !wrote {
		// a concurrent writer with a newer timestamp won
		if latest, err := e.Store.GetStatusEvent(ctx, opts.Kind, it.ID); err == nil {
			res.Event = latest
		}
		res.Superseded = true
		e.Metrics.Transition(opts.Kind, "superseded")
		return res, nil
	}
	res.Event = next
	res.Applied = true

	if _, err := e.Store.SetItemStatus(ctx, opts.Kind, it.ID, opts.Target, atStr); err != nil {
		e.logger().Warn("status mirror failed", "kind", opts.Kind, "id", it.ID, "status", opts.Target, "error", err)
		res.Warnings = append(res.Warnings, Warning{Code: CodeStatusMirror, Message: err.Error(), Kind: opts.Kind, EntityID: it.ID})
	}
	e.appendLog(ctx, events.TypeStatusTransitioned, opts.Kind, it.ID, opts.ActorID, events.EventPayload{
		"from":  current.Status,
		"to":    opts.Target,
		"force": opts.Force,
		"at":    atStr,
	})
	e.Metrics.Transition(opts.Kind, "ok")

	if k.Notify && !opts.SkipNotify && it.OwnerRef != nil && *it.OwnerRef != "" {
		n, err := e.Publish(ctx, PublishOptions{
			WorkItemID: it.ID,
			OwnerRef:   *it.OwnerRef,
			Kind:       opts.Kind,
			Status:     opts.Target,
			Response:   opts.Response,
			At:         at,
			ActorID:    opts.ActorID,
		})
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Code: CodeNotificationDegraded, Message: err.Error(), Kind: opts.Kind, EntityID: it.ID})
		} else {
			res.Notification = &n
		}
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusIndex(k config.KindConfig, status string) int {
	for i, s := range k.Statuses {
		if s == status {
			return i
		}
	}
	return -1
}

func requiresResponse(k config.KindConfig, status string) bool {
	for _, s := range k.ResponseRequired {
		if s == status {
			return true
		}
	}
	return false
}

// ensureTransition accepts only the immediate successor of from. Force
// accepts any configured status, which is how an item is reopened.
func ensureTransition(k config.KindConfig, from, to string, force bool) error {
	if force {
		return nil
	}
	i := statusIndex(k, from)
	if i >= 0 && i+1 < len(k.Statuses) && k.Statuses[i+1] == to {
		return nil
	}
	return fmt.Errorf("invalid status transition %s -> %s", from, to)
}
