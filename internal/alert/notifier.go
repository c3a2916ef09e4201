// Package alert delivers notifications for anomalies that clear the alert
// threshold.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/HerbHall/medwatch/pkg/supply"
)

const userAgent = "MedWatch-Alerts/0.1"

// Notifier delivers an anomaly alert through one channel.
type Notifier interface {
	Notify(ctx context.Context, a *supply.Anomaly) error
	// Type returns the channel kind: "webhook", "alertmanager" or "log".
	Type() string
}

// WebhookConfig configures a JSON webhook channel.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Secret  string            `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
	Headers map[string]string `mapstructure:"headers"`
}

// AlertmanagerConfig configures an Alertmanager-compatible receiver.
type AlertmanagerConfig struct {
	URL          string `mapstructure:"url"`
	Secret       string `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
	GeneratorURL string `mapstructure:"generator_url"`
}

// sign returns the hex HMAC-SHA256 of body under secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// post sends a JSON body and treats any non-2xx status as a failure.
func post(ctx context.Context, client *http.Client, kind, url, secret string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		req.Header.Set("X-Signature", sign(secret, body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s POST %s: %w", kind, url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s POST %s: status %d", kind, url, resp.StatusCode)
	}
	return nil
}
