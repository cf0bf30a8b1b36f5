package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const initialBackoff = 500 * time.Millisecond

// WebhookNotifier posts notifications as JSON to an external service,
// retrying network errors and 5xx responses with exponential backoff.
type WebhookNotifier struct {
	url        string
	maxRetries int
	backoff    time.Duration
	client     *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, maxRetries int) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		maxRetries: maxRetries,
		backoff:    initialBackoff,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var lastErr error
	backoff := n.backoff
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retry, err := n.send(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.WarnContext(ctx, "failed to deliver notification",
			"url", n.url,
			"event", msg.Event,
			"attempt", attempt+1,
			"maxRetries", n.maxRetries,
			"error", err)
		if !retry {
			break
		}
	}
	return fmt.Errorf("notification not delivered: %w", lastErr)
}

// send reports whether a failure is worth retrying.
func (n *WebhookNotifier) send(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("service returned status code %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("service returned status code %d", resp.StatusCode)
	}
	return false, nil
}
