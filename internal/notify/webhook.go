package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dronewatch/meshmapper/internal/tracker"
)

const webhookTimeout = 5 * time.Second

// Webhook posts state changes to an operator-configured URL. Only first
// sightings and reactivations fire; updates and evictions stay local. The
// URL may be set or cleared at runtime from the API.
type Webhook struct {
	client *http.Client
	logger *slog.Logger
	url    atomic.Value // string
}

// NewWebhook creates a dispatcher with no target URL configured.
func NewWebhook(logger *slog.Logger) *Webhook {
	w := Webhook{
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With(slog.String("component", "webhook")),
	}
	w.url.Store("")
	return &w
}

// SetURL changes the target. An empty URL disables dispatch.
func (w *Webhook) SetURL(url string) {
	w.url.Store(url)
	if url == "" {
		w.logger.Info("webhook disabled")
		return
	}
	w.logger.Info("webhook configured", slog.String("url", url))
}

// URL returns the current target.
func (w *Webhook) URL() string {
	url, _ := w.url.Load().(string)
	return url
}

// Run consumes the subscription until its channel closes or ctx is done.
func (w *Webhook) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C:
			if !ok {
				return
			}
			if change.Kind != tracker.ChangeCreated && change.Kind != tracker.ChangeReactivated {
				continue
			}
			if err := w.dispatch(ctx, change); err != nil {
				w.logger.Error(err.Error(), slog.String("key", change.Key))
			}
		}
	}
}

func (w *Webhook) dispatch(ctx context.Context, change tracker.StateChange) error {
	url := w.URL()
	if url == "" {
		return nil
	}

	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %s", resp.Status)
	}
	return nil
}
