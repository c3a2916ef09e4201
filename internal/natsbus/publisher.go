// Package natsbus streams engine output to NATS subjects so downstream
// services can consume detections without polling the database.
package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// Subject suffixes appended to Config.SubjectPrefix.
const (
	SubjectAnomalyDetected = "anomaly.detected"
	SubjectBatchProcessed  = "batch.processed"
)

// Config is the "nats" configuration section.
type Config struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// DefaultConfig returns a disabled config pointing at a local server.
func DefaultConfig() Config {
	return Config{URL: nats.DefaultURL, SubjectPrefix: "medwatch"}
}

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

var _ engine.Observer = (*Publisher)(nil)

// Publisher is an engine.Observer that publishes detected anomalies and
// batch summaries as JSON. Other notifications are ignored.
type Publisher struct {
	engine.NopObserver

	conn   conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS, retrying in the background when the server is not yet
// reachable.
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("medwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	logger.Info("nats publisher ready", zap.String("url", cfg.URL))
	return newPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newPublisher(c conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "medwatch"
	}
	return &Publisher{conn: c, prefix: prefix, logger: logger}
}

// AnomalyDetected publishes the anomaly to <prefix>.anomaly.detected.
func (p *Publisher) AnomalyDetected(a *supply.Anomaly) {
	p.publish(SubjectAnomalyDetected, a)
}

// BatchProcessed publishes the summary to <prefix>.batch.processed.
func (p *Publisher) BatchProcessed(result engine.BatchResult) {
	p.publish(SubjectBatchProcessed, result)
}

// Subject returns the full subject for suffix.
func (p *Publisher) Subject(suffix string) string {
	return p.prefix + "." + suffix
}

// IsConnected reports whether the NATS connection is currently up.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		p.logger.Info("nats publisher closed")
	}
}

func (p *Publisher) publish(suffix string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal nats message", zap.String("subject", suffix), zap.Error(err))
		return
	}
	subject := p.Subject(suffix)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("nats publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
