package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wastesync/internal/config"
	"wastesync/internal/domain"
	"wastesync/internal/events"
)

func (e Engine) retryConfig() config.SweeperConfig {
	cfg := config.SweeperConfig{
		Interval:          10 * time.Second,
		MaxAttempts:       5,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Minute,
	}
	if e.Config == nil {
		return cfg
	}
	s := e.Config.Sweeper
	if s.Interval > 0 {
		cfg.Interval = s.Interval
	}
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.BackoffBase > 0 {
		cfg.BackoffBase = s.BackoffBase
	}
	if s.BackoffMultiplier >= 1 {
		cfg.BackoffMultiplier = s.BackoffMultiplier
	}
	if s.MaxBackoff > 0 {
		cfg.MaxBackoff = s.MaxBackoff
	}
	return cfg
}

// backoff returns the delay before attempt+1, growing from BackoffBase by
// BackoffMultiplier and capped at MaxBackoff.
func backoff(cfg config.SweeperConfig, attempt int) time.Duration {
	d := float64(cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= cfg.BackoffMultiplier
		if cfg.MaxBackoff > 0 && d >= float64(cfg.MaxBackoff) {
			return cfg.MaxBackoff
		}
	}
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		return cfg.MaxBackoff
	}
	return time.Duration(d)
}

type SweepReport struct {
	MovesCompleted         int       `json:"moves_completed"`
	MovesRescheduled       int       `json:"moves_rescheduled"`
	NotificationsDelivered int       `json:"notifications_delivered"`
	NotificationsRequeued  int       `json:"notifications_requeued"`
	StatusRepaired         int       `json:"status_repaired"`
	Warnings               []Warning `json:"warnings,omitempty"`
}

// Sweeper drives the outboxes to completion and repairs drift between the
// status rows and the status mirrored on active items.
type Sweeper struct {
	Engine    Engine
	Logger    *slog.Logger
	BatchSize int
	// OnWarning is called for every finding escalated for manual review.
	OnWarning func(Warning)
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return s.Engine.logger()
}

// Run sweeps once per configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Engine.retryConfig().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger().Info("sweeper started", "interval", interval)
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger().Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}
	if err := s.sweepMoves(ctx, batch, &rep); err != nil {
		return rep, fmt.Errorf("sweep moves: %w", err)
	}
	if err := s.sweepNotifications(ctx, batch, &rep); err != nil {
		return rep, fmt.Errorf("sweep notifications: %w", err)
	}
	if err := s.repairStatus(ctx, &rep); err != nil {
		return rep, fmt.Errorf("repair status: %w", err)
	}
	if err := s.flagDuplicates(ctx, &rep); err != nil {
		return rep, fmt.Errorf("flag duplicates: %w", err)
	}
	if moves, notes, err := s.Engine.Store.OutboxDepth(ctx); err == nil {
		s.Engine.Metrics.SetOutboxDepth(moves, notes)
	}
	return rep, nil
}

func (s *Sweeper) sweepMoves(ctx context.Context, batch int, rep *SweepReport) error {
	e := s.Engine
	cfg := e.retryConfig()
	now := e.now()
	due, err := e.Store.DuePendingMoves(ctx, domain.FormatTime(now), batch)
	if err != nil {
		return err
	}
	for _, pm := range due {
		err := e.RetryMove(ctx, pm)
		if err == nil {
			rep.MovesCompleted++
			continue
		}
		attempts := pm.Attempts + 1
		if errors.Is(err, ErrStaleDuplicate) || attempts >= cfg.MaxAttempts {
			if rerr := e.Store.RecordMoveAttempt(ctx, pm.Key, attempts, pm.NextAttemptAt, err.Error(), domain.OutboxStale, domain.FormatTime(now)); rerr != nil {
				return rerr
			}
			s.escalate(ctx, rep, Warning{
				Code:     CodeStaleDuplicate,
				Message:  fmt.Sprintf("%s of %s %s needs review after %d attempts: %v", pm.Direction, pm.Kind, pm.SourceID, attempts, err),
				Kind:     pm.Kind,
				EntityID: pm.SourceID,
			})
			continue
		}
		next := domain.FormatTime(now.Add(backoff(cfg, attempts)))
		if rerr := e.Store.RecordMoveAttempt(ctx, pm.Key, attempts, next, err.Error(), domain.OutboxPending, domain.FormatTime(now)); rerr != nil {
			return rerr
		}
		rep.MovesRescheduled++
		s.logger().Warn("pending move retry failed", "key", pm.Key, "kind", pm.Kind, "source_id", pm.SourceID, "attempts", attempts, "next_attempt_at", next, "error", err)
	}
	return nil
}

func (s *Sweeper) sweepNotifications(ctx context.Context, batch int, rep *SweepReport) error {
	e := s.Engine
	cfg := e.retryConfig()
	now := e.now()
	due, err := e.Store.DueNotifications(ctx, domain.FormatTime(now), batch)
	if err != nil {
		return err
	}
	for _, q := range due {
		err := e.RetryNotification(ctx, q)
		if err == nil {
			rep.NotificationsDelivered++
			continue
		}
		attempts := q.Attempts + 1
		if attempts >= cfg.MaxAttempts {
			if rerr := e.Store.RecordNotificationAttempt(ctx, q.Kind, q.WorkItemID, attempts, q.NextAttemptAt, err.Error(), domain.OutboxStale); rerr != nil {
				return rerr
			}
			s.escalate(ctx, rep, Warning{
				Code:     CodeNotificationDegraded,
				Message:  fmt.Sprintf("notification for %s %s undelivered after %d attempts: %v", q.Kind, q.WorkItemID, attempts, err),
				Kind:     q.Kind,
				EntityID: q.WorkItemID,
			})
			continue
		}
		next := domain.FormatTime(now.Add(backoff(cfg, attempts)))
		if rerr := e.Store.RecordNotificationAttempt(ctx, q.Kind, q.WorkItemID, attempts, next, err.Error(), domain.OutboxPending); rerr != nil {
			return rerr
		}
		rep.NotificationsRequeued++
		s.logger().Warn("notification retry failed", "work_item_id", q.WorkItemID, "attempts", attempts, "next_attempt_at", next, "error", err)
	}
	return nil
}

// repairStatus copies the status row onto active items whose mirror lags.
func (s *Sweeper) repairStatus(ctx context.Context, rep *SweepReport) error {
	e := s.Engine
	if e.Config == nil {
		return ErrConfigNotLoaded
	}
	for _, kind := range e.Config.KindNames() {
		drift, err := e.Store.StatusDrift(ctx, kind)
		if err != nil {
			return err
		}
		for _, se := range drift {
			ok, err := e.Store.SetItemStatus(ctx, kind, se.WorkItemID, se.Status, se.UpdatedAt)
			if err != nil {
				return err
			}
			if ok {
				rep.StatusRepaired++
				e.appendLog(ctx, events.TypeStatusRepaired, kind, se.WorkItemID, "", events.EventPayload{"status": se.Status})
			}
		}
	}
	return nil
}

// flagDuplicates finds ids present in both stores that no outbox entry
// explains and records them as stale for manual review. Neither copy is
// deleted.
func (s *Sweeper) flagDuplicates(ctx context.Context, rep *SweepReport) error {
	e := s.Engine
	for _, kind := range e.Config.KindNames() {
		ids, err := e.Store.ItemsInBothStores(ctx, kind)
		if err != nil {
			return err
		}
		for _, id := range ids {
			known, err := e.Store.HasPendingMove(ctx, kind, id)
			if err != nil {
				return err
			}
			if known {
				continue
			}
			dir := domain.DirectionArchive
			if it, err := e.Store.GetItem(ctx, kind, id); err == nil && it.MoveKey != nil && *it.MoveKey == MoveKey(kind, id, domain.DirectionRestore) {
				dir = domain.DirectionRestore
			}
			now := domain.FormatTime(e.now())
			pm := domain.PendingMove{
				Key:           MoveKey(kind, id, dir),
				Kind:          kind,
				Direction:     dir,
				SourceID:      id,
				NextAttemptAt: now,
				LastError:     "present in both active and archive store",
				State:         domain.OutboxStale,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := e.Store.EnqueueMove(ctx, pm); err != nil {
				return err
			}
			s.escalate(ctx, rep, Warning{
				Code:     CodeStaleDuplicate,
				Message:  fmt.Sprintf("%s %s is present in both stores", kind, id),
				Kind:     kind,
				EntityID: id,
			})
		}
	}
	return nil
}

func (s *Sweeper) escalate(ctx context.Context, rep *SweepReport, w Warning) {
	rep.Warnings = append(rep.Warnings, w)
	s.Engine.appendLog(ctx, events.TypeSweepStale, w.Kind, w.EntityID, "", events.EventPayload{"code": w.Code, "message": w.Message})
	s.Engine.Metrics.Stale()
	s.logger().Error("sync finding needs review", "code", w.Code, "kind", w.Kind, "entity_id", w.EntityID, "message", w.Message)
	if s.OnWarning != nil {
		s.OnWarning(w)
	}
}

// StaleWarnings lists every outbox entry escalated for manual review.
func (e Engine) StaleWarnings(ctx context.Context) ([]Warning, error) {
	moves, err := e.Store.ListPendingMoves(ctx, domain.OutboxStale)
	if err != nil {
		return nil, err
	}
	notes, err := e.Store.ListQueuedNotifications(ctx, domain.OutboxStale)
	if err != nil {
		return nil, err
	}
	out := make([]Warning, 0, len(moves)+len(notes))
	for _, m := range moves {
		out = append(out, Warning{Code: CodeStaleDuplicate, Message: fmt.Sprintf("%s %s: %s", m.Direction, m.SourceID, m.LastError), Kind: m.Kind, EntityID: m.SourceID})
	}
	for _, q := range notes {
		out = append(out, Warning{Code: CodeNotificationDegraded, Message: q.LastError, Kind: q.Kind, EntityID: q.WorkItemID})
	}
	return out, nil
}
