package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"wastesync/internal/engine"
	"wastesync/internal/feed"
	"wastesync/internal/metrics"
	"wastesync/internal/repo"
)

// Runtime owns the loops that run next to the API: the change event hub,
// the sweeper and the outbound relays.
type Runtime struct {
	Hub      *feed.Hub
	Sweeper  *engine.Sweeper
	Webhooks *feed.WebhookRelay
	NATS     *feed.NATSRelay

	logger *slog.Logger
	nc     *nats.Conn
	wg     sync.WaitGroup
}

// NewRuntime wires the hub to the store and routes sweeper findings to
// every subscriber. NATS is dialed only when configured.
func NewRuntime(e engine.Engine, r repo.Repo, m *metrics.Metrics, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := e.Config
	if cfg == nil {
		return nil, engine.ErrConfigNotLoaded
	}
	src := feed.RepoSource{Repo: r}
	hub := feed.NewHub(src, feed.Options{
		PollInterval: cfg.Feed.PollInterval,
		BatchSize:    cfg.Feed.BatchSize,
		Buffer:       cfg.Feed.Buffer,
		Config:       cfg,
		Logger:       logger.With("component", "feed"),
		Metrics:      m,
	})
	rt := &Runtime{
		Hub: hub,
		Sweeper: &engine.Sweeper{
			Engine:    e,
			Logger:    logger.With("component", "sweeper"),
			OnWarning: hub.BroadcastWarning,
		},
		Webhooks: feed.NewWebhookRelay(src, cfg, logger.With("component", "webhooks")),
		logger:   logger,
	}
	if cfg.NATS.URL != "" {
		nc, err := feed.DialNATS(cfg.NATS.URL, logger.With("component", "nats"))
		if err != nil {
			return nil, err
		}
		rt.nc = nc
		rt.NATS = &feed.NATSRelay{Pub: nc, Prefix: cfg.NATS.SubjectPrefix, Logger: logger.With("component", "nats")}
	}
	return rt, nil
}

func (rt *Runtime) Start(ctx context.Context) {
	rt.spawn(ctx, "feed", rt.Hub.Run)
	rt.spawn(ctx, "sweeper", rt.Sweeper.Run)
	if rt.Webhooks != nil {
		rt.spawn(ctx, "webhooks", rt.Webhooks.Run)
	}
	if rt.NATS != nil {
		sub := rt.Hub.Subscribe(feed.Filter{})
		rt.spawn(ctx, "nats", func(ctx context.Context) error { return rt.NATS.Run(ctx, sub) })
	}
}

func (rt *Runtime) spawn(ctx context.Context, name string, run func(context.Context) error) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("background loop stopped", "component", name, "error", err)
		}
	}()
}

// Wait blocks until every loop has returned, then drops the NATS
// connection.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
	if rt.nc != nil {
		rt.nc.Close()
	}
}
