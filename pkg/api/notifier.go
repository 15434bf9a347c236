package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// WebhookNotifier delivers outbox notifications to the chat adapter's
// callback URL. Any non-2xx answer counts as not delivered so the dispatcher
// retries.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier posts notifications to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, e *contracts.OutboxEntry) error {
	body, err := json.Marshal(map[string]any{
		"entry_id":   e.ID,
		"case_id":    e.CaseID,
		"event_type": e.Type,
		"payload":    e.Payload,
		"created_at": e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("api: encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("api: build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(correlationHeader, e.CaseID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: deliver notification: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api: notification rejected with status %d", resp.StatusCode)
	}
	return nil
}
