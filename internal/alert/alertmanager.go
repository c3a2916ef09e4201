package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/medwatch/pkg/supply"
)

var _ Notifier = (*AlertmanagerNotifier)(nil)

// alertmanagerPayload matches the Alertmanager webhook receiver format (v4).
type alertmanagerPayload struct {
	Version string              `json:"version"`
	Status  string              `json:"status"`
	Alerts  []alertmanagerAlert `json:"alerts"`
}

type alertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
}

// AlertmanagerNotifier delivers anomalies as firing Alertmanager alerts.
type AlertmanagerNotifier struct {
	client *http.Client
	cfg    AlertmanagerConfig
}

// NewAlertmanagerNotifier creates an Alertmanager-format notifier.
func NewAlertmanagerNotifier(cfg AlertmanagerConfig) *AlertmanagerNotifier {
	return &AlertmanagerNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		cfg:    cfg,
	}
}

func (n *AlertmanagerNotifier) Notify(ctx context.Context, a *supply.Anomaly) error {
	labels := map[string]string{
		"alertname":      "MedWatchAnomaly",
		"anomaly_type":   a.Type,
		"detection_type": a.DetectionType,
		"severity":       a.Severity,
		"source":         "medwatch",
	}
	if id := a.MedicineID(); id != "" {
		labels["medicine_id"] = id
	}
	if a.Disease != nil {
		labels["disease"] = *a.Disease
	}

	annotations := map[string]string{
		"summary":     a.Message,
		"description": a.Description,
		"confidence":  strconv.FormatFloat(a.Confidence, 'f', 2, 64),
		"anomaly_id":  a.ID,
	}
	if causes, ok := a.Details[supply.DetailsKeyCauses].(string); ok {
		annotations["causes_of_shortages"] = causes
	}

	body, err := json.Marshal(alertmanagerPayload{
		Version: "4",
		Status:  "firing",
		Alerts: []alertmanagerAlert{{
			Status:       "firing",
			Labels:       labels,
			Annotations:  annotations,
			StartsAt:     a.Timestamp,
			GeneratorURL: n.cfg.GeneratorURL,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal alertmanager payload: %w", err)
	}
	return post(ctx, n.client, "alertmanager", n.cfg.URL, n.cfg.Secret, nil, body)
}

func (n *AlertmanagerNotifier) Type() string {
	return "alertmanager"
}
