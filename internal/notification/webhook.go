package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookPayload is the JSON body POSTed for every alert.
type webhookPayload struct {
	Service    string     `json:"service"`
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Dependency string     `json:"dependency,omitempty"`
	Time       string     `json:"ts"`
}

// WebhookNotifier POSTs alerts to a generic HTTP endpoint (Slack-style
// relays, alertmanager webhooks). Any 2xx counts as delivered.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		service: "klinefeed",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	ts := alert.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	resp, err := postJSON(ctx, w.client, w.url, webhookPayload{
		Service:    w.service,
		Level:      alert.Level,
		Title:      alert.Title,
		Message:    alert.Message,
		Dependency: alert.Dependency,
		Time:       ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// postJSON encodes v and POSTs it. The caller closes the response body.
func postJSON(ctx context.Context, client *http.Client, url string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return resp, nil
}
