// Package notify pushes appended log events to external listeners: HTTP
// webhooks and NATS subjects. Both follow the log with an eventlog.Cursor and
// start from the current end of the log.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/eventlog"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts matching events to every enabled webhook, one cursor per hook.
type WebhookDispatcher struct {
	Store    eventlog.Store
	Project  string
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Client   *http.Client
	Logger   *zap.Logger
}

// NewWebhookDispatcher returns nil when cfg declares no webhooks.
func NewWebhookDispatcher(store eventlog.Store, cfg *config.Config, logger *zap.Logger) *WebhookDispatcher {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		Store:    store,
		Project:  cfg.Project.ID,
		Webhooks: cfg.Webhooks,
		Interval: defaultWebhookInterval,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger.Named("webhooks"),
	}
}

// Run delivers events until ctx is cancelled. A failed delivery stops that
// hook's batch and is retried from the same event on the next tick.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	start, err := d.Store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("webhooks: init cursor: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		hook := hook
		cur := &eventlog.Cursor{
			Store:     d.Store,
			After:     start,
			Filter:    eventlog.NewFilter(hook.Events),
			Interval:  d.Interval,
			BatchSize: defaultWebhookBatch,
			Logger:    d.Logger,
		}
		limiter := hookLimiter(hook)
		g.Go(func() error {
			for {
				err := cur.Run(ctx, func(evt domain.Event) error {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
					return d.post(ctx, hook, evt)
				})
				if ctx.Err() != nil {
					return nil
				}
				d.Logger.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.Int64("after", cur.After), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(d.interval()):
				}
			}
		})
	}
	return g.Wait()
}

func hookLimiter(hook config.WebhookConfig) *rate.Limiter {
	if hook.MaxPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(hook.MaxPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(hook.MaxPerSecond), burst)
}

func (d *WebhookDispatcher) interval() time.Duration {
	if d.Interval <= 0 {
		return defaultWebhookInterval
	}
	return d.Interval
}

// Delivery is the JSON body posted to webhooks.
type Delivery struct {
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	ProjectID string          `json:"project_id"`
	StoryID   string          `json:"story_id,omitempty"`
	Wave      int             `json:"wave,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	TS        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

func newDelivery(project string, evt domain.Event) Delivery {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Delivery{
		Seq:       evt.Seq,
		Kind:      string(evt.Kind),
		ProjectID: project,
		StoryID:   evt.StoryID,
		Wave:      evt.Wave,
		ActorID:   evt.ActorID,
		TS:        evt.TS.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(newDelivery(d.Project, evt))
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateline-Event", string(evt.Kind))
	req.Header.Set("X-Gateline-Delivery", strconv.FormatInt(evt.Seq, 10))
	req.Header.Set("X-Gateline-Project", d.Project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gateline-Secret", hook.Secret)
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
	d.Logger.Debug("webhook delivered", zap.String("url", hook.URL), zap.Int64("seq", evt.Seq), zap.String("kind", string(evt.Kind)))
	return nil
}
