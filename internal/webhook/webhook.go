// internal/webhook/webhook.go
//
// Outbound webhook dispatch.
//
// Context
// -------
// Apps may register a notification URL; the platform POSTs lifecycle
// events to it.  Delivery is strictly best-effort: one attempt, a five
// second budget, no retries, and a failure never disturbs the operation
// that triggered it.  Admin endpoints that need the outcome (the test
// delivery) call Send directly; everything else goes through Notify.
//
// Oxford commas, two spaces after periods.

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/metrics"
)

// Event names carried in X-PlatformX-Event.
const (
	EventDeployed       = "app.deployed"
	EventUpdated        = "app.updated"
	EventDeleted        = "app.deleted"
	EventError          = "app.error"
	EventBuildCompleted = "app.build.completed"
	EventBuildFailed    = "app.build.failed"
	EventTest           = "webhook.test"
)

const (
	deliveryTimeout = 5 * time.Second
	userAgent       = "PlatformX-Webhook/1.0"
)

// payload is the wire shape of every delivery.
type payload struct {
	Event     string         `json:"event"`
	Slug      string         `json:"slug"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Recorder is the slice of the event log the dispatcher needs.
type Recorder interface {
	Record(ctx context.Context, slug, event, level, message string, meta eventlog.Meta)
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	enabled bool
	client  *http.Client
	events  Recorder
}

// New builds a dispatcher.  events may be nil (deliveries are then only
// logged through zap).  The enabled flag is the platform-wide kill switch;
// per-app opt-in is simply an empty webhook URL.
func New(enabled bool, events Recorder) *Dispatcher {
	return &Dispatcher{
		enabled: enabled,
		client:  &http.Client{Timeout: deliveryTimeout},
		events:  events,
	}
}

// Enabled reports the platform-wide toggle.
func (d *Dispatcher) Enabled() bool { return d.enabled }

// Notify delivers asynchronously.  No-op when webhooks are disabled or the
// app has no URL registered.
func (d *Dispatcher) Notify(slug, url, event string, data map[string]any) {
	if !d.enabled || url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := d.Send(ctx, slug, url, event, data); err != nil {
			zap.S().Warnw("webhook delivery failed",
				"slug", slug, "event", event, "err", err)
		}
	}()
}

// Send performs one synchronous delivery and reports the outcome.  Any
// non-2xx status is a failure.
func (d *Dispatcher) Send(ctx context.Context, slug, url, event string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(payload{
		Event:     event,
		Slug:      slug,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.finish(ctx, slug, event, fmt.Errorf("webhook: build request: %w", err))
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-PlatformX-Event", event)
	req.Header.Set("X-PlatformX-App", slug)

	resp, err := d.client.Do(req)
	if err != nil {
		err = fmt.Errorf("webhook: post %s: %w", url, err)
		d.finish(ctx, slug, event, err)
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = fmt.Errorf("webhook: %s answered %d", url, resp.StatusCode)
		d.finish(ctx, slug, event, err)
		return err
	}
	d.finish(ctx, slug, event, nil)
	return nil
}

// finish records the outcome in metrics and the app's event log.
func (d *Dispatcher) finish(ctx context.Context, slug, event string, err error) {
	if err == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		if d.events != nil {
			d.events.Record(ctx, slug, eventlog.EventWebhook, eventlog.LevelInfo,
				"webhook delivered", eventlog.Meta{"event": event})
		}
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	if d.events != nil {
		d.events.Record(ctx, slug, eventlog.EventWebhook, eventlog.LevelWarn,
			err.Error(), eventlog.Meta{"event": event})
	}
}
