package config

import (
	"fmt"
	"time"

	"github.com/HerbHall/medwatch/internal/alert"
	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/internal/natsbus"
	"github.com/HerbHall/medwatch/internal/server"
	"github.com/HerbHall/medwatch/internal/source"
	"github.com/HerbHall/medwatch/pkg/plugin"
)

// Settings is the decoded process configuration. Logging is configured
// separately by NewLogger.
type Settings struct {
	Server    server.Config   `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    engine.Config   `mapstructure:"engine"`
	Source    source.Config   `mapstructure:"source"`
	Rules     PathConfig      `mapstructure:"rules"`
	Models    PathConfig      `mapstructure:"models"`
	Alerts    alert.Config    `mapstructure:"alerts"`
	NATS      natsbus.Config  `mapstructure:"nats"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PathConfig points at an optional artifact file. Empty means the built-in
// artifact.
type PathConfig struct {
	Path string `mapstructure:"path"`
}

// RetentionConfig controls pruning of old anomalies. A zero Anomalies
// window keeps everything.
type RetentionConfig struct {
	Anomalies time.Duration `mapstructure:"anomalies"`
	Interval  time.Duration `mapstructure:"interval"`
}

// Decode unmarshals the whole configuration tree. Decoding the root rather
// than individual sections keeps environment overrides of nested keys.
func Decode(c plugin.Config) (Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if s.Database.Path == "" {
		return Settings{}, fmt.Errorf("database.path must not be empty")
	}
	if s.Source.BatchSize < 1 {
		return Settings{}, fmt.Errorf("source.batch_size must be positive, got %d", s.Source.BatchSize)
	}
	if s.Source.Lease <= 0 {
		return Settings{}, fmt.Errorf("source.lease must be positive, got %s", s.Source.Lease)
	}
	if s.Retention.Anomalies > 0 && s.Retention.Interval <= 0 {
		return Settings{}, fmt.Errorf("retention.interval must be positive when retention is enabled")
	}
	if err := s.Engine.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
