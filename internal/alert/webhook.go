package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/medwatch/pkg/supply"
)

var _ Notifier = (*WebhookNotifier)(nil)

type webhookPayload struct {
	EventType string          `json:"event_type"`
	Anomaly   *supply.Anomaly `json:"anomaly"`
	Timestamp time.Time       `json:"timestamp"`
}

// WebhookNotifier POSTs the anomaly as JSON, signed with X-Signature when a
// secret is configured.
type WebhookNotifier struct {
	client *http.Client
	cfg    WebhookConfig
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		cfg:    cfg,
		now:    time.Now,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, a *supply.Anomaly) error {
	body, err := json.Marshal(webhookPayload{
		EventType: "anomaly.detected",
		Anomaly:   a,
		Timestamp: w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return post(ctx, w.client, "webhook", w.cfg.URL, w.cfg.Secret, w.cfg.Headers, body)
}

func (w *WebhookNotifier) Type() string {
	return "webhook"
}
