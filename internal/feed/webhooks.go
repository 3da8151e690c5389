package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"wastesync/internal/config"
	"wastesync/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookRelay posts change feed entries to the configured webhooks. Each
// hook keeps its own cursor and only advances it past delivered entries, so
// a failing endpoint is retried from where it stopped.
type WebhookRelay struct {
	source   Source
	config   *config.Config
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

// NewWebhookRelay returns nil when no webhook is configured.
func NewWebhookRelay(src Source, cfg *config.Config, logger *slog.Logger) *WebhookRelay {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookRelay{
		source:   src,
		config:   cfg,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

func (d *WebhookRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery round over every enabled hook.
func (d *WebhookRelay) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookRelay) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.source.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn("webhook: fetch feed failed", "url", hook.URL, "error", err)
		return
	}
	filter := Filter{Tables: hook.Tables}
	for _, entry := range entries {
		evt := d.toEvent(entry)
		if !filter.match(evt) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook: deliver failed", "url", hook.URL, "seq", entry.ID, "error", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *WebhookRelay) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.Latest(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookRelay) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *WebhookRelay) toEvent(e domain.FeedEntry) Event {
	ev := Event{Type: eventType(e.Op), Seq: e.ID, Table: e.Table, RowID: e.RowID, UserID: e.UserID, UpdatedAt: e.UpdatedAt, Row: e.Row}
	if kind, ok := d.config.KindForTable(e.Table); ok {
		ev.Kind = kind
	}
	return ev
}

func (d *WebhookRelay) post(ctx context.Context, hook config.WebhookConfig, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wastesync-Event", string(evt.Type))
	req.Header.Set("X-Wastesync-Table", evt.Table)
	req.Header.Set("X-Wastesync-Delivery", fmt.Sprintf("%d", evt.Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Wastesync-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
