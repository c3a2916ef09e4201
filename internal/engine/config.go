package engine

import (
	"fmt"
	"time"
)

// Config holds the detection engine settings. Unmarshalled from the
// "engine" configuration section.
type Config struct {
	EnableRuleEngine   bool          `mapstructure:"enable_rule_engine"`
	EnableMLModels     bool          `mapstructure:"enable_ml_models"`
	ProcessingInterval time.Duration `mapstructure:"processing_interval"`
	AlertThreshold     float64       `mapstructure:"alert_threshold"` // Inclusive confidence cutoff (0-1)
	PersistTimeout     time.Duration `mapstructure:"persist_timeout"`
	DispatchTimeout    time.Duration `mapstructure:"dispatch_timeout"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		EnableRuleEngine:   true,
		EnableMLModels:     true,
		ProcessingInterval: 30 * time.Second,
		AlertThreshold:     0.7,
		PersistTimeout:     5 * time.Second,
		DispatchTimeout:    10 * time.Second,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.ProcessingInterval <= 0 {
		return fmt.Errorf("processing_interval must be positive, got %s", c.ProcessingInterval)
	}
	if c.AlertThreshold < 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("alert_threshold must be within [0,1], got %v", c.AlertThreshold)
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("persist_timeout must be positive, got %s", c.PersistTimeout)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch_timeout must be positive, got %s", c.DispatchTimeout)
	}
	return nil
}
