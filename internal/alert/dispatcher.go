package alert

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// ErrRateLimited is returned when an alert exceeds the configured rate.
var ErrRateLimited = errors.New("alert rate limit exceeded")

// Config configures the dispatcher and its channels. Unmarshalled from the
// "alerts" configuration section.
type Config struct {
	RatePerMinute float64              `mapstructure:"rate_per_minute"` // 0 disables limiting
	Burst         int                  `mapstructure:"burst"`
	Log           bool                 `mapstructure:"log"`
	Webhooks      []WebhookConfig      `mapstructure:"webhooks"`
	Alertmanagers []AlertmanagerConfig `mapstructure:"alertmanagers"`
}

// DefaultConfig returns the alert defaults: log channel only, 60 alerts a
// minute with a burst of 20.
func DefaultConfig() Config {
	return Config{RatePerMinute: 60, Burst: 20, Log: true}
}

// Dispatcher fans each alert out to every notifier.
type Dispatcher struct {
	notifiers []Notifier
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New builds a Dispatcher from configuration. When no channel is
// configured the log channel is used.
func New(cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	var notifiers []Notifier
	for i, w := range cfg.Webhooks {
		if w.URL == "" {
			return nil, fmt.Errorf("alerts.webhooks[%d]: url is required", i)
		}
		notifiers = append(notifiers, NewWebhookNotifier(w))
	}
	for i, am := range cfg.Alertmanagers {
		if am.URL == "" {
			return nil, fmt.Errorf("alerts.alertmanagers[%d]: url is required", i)
		}
		notifiers = append(notifiers, NewAlertmanagerNotifier(am))
	}
	if cfg.Log || len(notifiers) == 0 {
		notifiers = append(notifiers, NewLogNotifier(logger))
	}
	if cfg.RatePerMinute < 0 {
		return nil, fmt.Errorf("alerts.rate_per_minute must not be negative")
	}

	d := NewDispatcher(logger, notifiers...)
	if cfg.RatePerMinute > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), burst)
	}
	return d, nil
}

// NewDispatcher creates an unlimited Dispatcher over explicit notifiers.
func NewDispatcher(logger *zap.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, logger: logger}
}

// Channels returns the configured notifier types in delivery order.
func (d *Dispatcher) Channels() []string {
	out := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		out[i] = n.Type()
	}
	return out
}

// SendAlert implements engine.AlertDispatcher. Delivery continues past
// individual channel failures; the returned error joins every failure.
func (d *Dispatcher) SendAlert(ctx context.Context, a *supply.Anomaly) error {
	if d.limiter != nil && !d.limiter.Allow() {
		d.logger.Warn("alert dropped by rate limit", zap.String("anomaly_id", a.ID))
		return ErrRateLimited
	}

	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("channel_type", n.Type()),
				zap.String("anomaly_id", a.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", n.Type(), err))
			continue
		}
		d.logger.Debug("notification delivered",
			zap.String("channel_type", n.Type()),
			zap.String("anomaly_id", a.ID),
		)
	}
	return errors.Join(errs...)
}
