package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
)

// WebhookEvent is the JSON body posted to a webhook.
type WebhookEvent struct {
	Event        string       `json:"event"`
	SentAt       time.Time    `json:"sentAt"`
	Notification Notification `json:"notification"`
}

// WebhookNotifier posts notifications to an HTTP endpoint. It makes a single
// attempt; the dispatcher owns the timeout.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier targets url with optional extra headers.
func NewWebhookNotifier(url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{url: url, headers: headers, client: &http.Client{}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	const op = "notify.Webhook"
	body, err := json.Marshal(WebhookEvent{Event: "compliance.evaluation", SentAt: time.Now().UTC(), Notification: n})
	if err != nil {
		return apperr.E(apperr.KindNotification, op, "encode notification", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return apperr.E(apperr.KindNotification, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return apperr.E(apperr.KindNotification, op, "send webhook", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.E(apperr.KindNotification, op,
			fmt.Sprintf("webhook returned status %d", resp.StatusCode), fmt.Errorf("body: %s", snippet))
	}
	return nil
}
