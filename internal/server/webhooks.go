package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"planforge/internal/config"
	"planforge/internal/domain"
	"planforge/internal/engine"
	"planforge/internal/repo"
)

const (
	DefaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	keys     []string
	client   *http.Client
	logger   hclog.Logger
}

// StartWebhooks delivers journaled run events to the configured webhooks
// until ctx is done. A hook seen for the first time starts at the current
// end of the journal; later restarts resume from its stored cursor.
func StartWebhooks(ctx context.Context, e engine.Engine, logger hclog.Logger, interval time.Duration) error {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if interval <= 0 {
		interval = DefaultWebhookInterval
	}
	d := &webhookDispatcher{
		repo:     e.Repo,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.Named("webhooks"),
	}
	for i, hook := range d.webhooks {
		key := webhookKey(i, hook)
		d.keys = append(d.keys, key)
		if err := d.initCursor(ctx, key); err != nil {
			return fmt.Errorf("webhook %d: %w", i, err)
		}
	}
	go d.run(ctx, interval)
	return nil
}

func webhookKey(idx int, hook config.WebhookConfig) string {
	return fmt.Sprintf("%d:%s", idx, strings.TrimSpace(hook.URL))
}

func (d *webhookDispatcher) initCursor(ctx context.Context, key string) error {
	_, err := d.repo.WebhookCursor(ctx, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	latest, err := d.repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	return d.repo.SetWebhookCursor(ctx, key, latest)
}

func (d *webhookDispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, d.keys[i], hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, key string, hook config.WebhookConfig) {
	cursor, err := d.repo.WebhookCursor(ctx, key)
	if err != nil {
		d.logger.Warn("read cursor failed", "hook", hook.URL, "error", err)
		return
	}
	types := hook.Events
	if len(types) == 0 {
		types = config.WebhookEvents
	}
	evts, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor, types)
	if err != nil {
		d.logger.Warn("fetch events failed", "error", err)
		return
	}
	for _, evt := range evts {
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", "hook", hook.URL, "event", evt.ID, "error", err)
			return
		}
		if err := d.repo.SetWebhookCursor(ctx, key, evt.ID); err != nil {
			d.logger.Warn("store cursor failed", "hook", hook.URL, "error", err)
			return
		}
		d.logger.Debug("delivered", "hook", hook.URL, "event", evt.ID, "type", evt.Type)
	}
}

type webhookEvent struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	RunID   string          `json:"runId"`
	Step    string          `json:"step,omitempty"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(webhookEvent{
		ID:      evt.ID,
		Type:    evt.Type,
		RunID:   evt.RunID,
		Step:    evt.Step,
		TS:      evt.TS,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Planforge-Event", evt.Type)
	req.Header.Set("X-Planforge-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Planforge-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
