package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: MW_ENGINE_ALERT_THRESHOLD
// sets engine.alert_threshold.
const EnvPrefix = "MW"

// SetDefaults registers the default value of every known key. Keys must
// have a default to be overridable from the environment during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", "12h")
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("database.path", "medwatch.db")

	v.SetDefault("engine.enable_rule_engine", true)
	v.SetDefault("engine.enable_ml_models", true)
	v.SetDefault("engine.processing_interval", "30s")
	v.SetDefault("engine.alert_threshold", 0.7)
	v.SetDefault("engine.persist_timeout", "5s")
	v.SetDefault("engine.dispatch_timeout", "10s")

	v.SetDefault("source.batch_size", 500)
	v.SetDefault("source.lease", "10m")
	v.SetDefault("rules.path", "")
	v.SetDefault("models.path", "")

	v.SetDefault("alerts.rate_per_minute", 60.0)
	v.SetDefault("alerts.burst", 20)
	v.SetDefault("alerts.log", true)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "medwatch")

	v.SetDefault("retention.anomalies", "720h")
	v.SetDefault("retention.interval", "1h")
}

// Load reads configuration from defaults, an optional YAML file and the
// environment. A .env file in the working directory is loaded into the
// process environment first; existing variables win. An empty configPath
// searches medwatch.yaml in ., ./configs and /etc/medwatch.
func Load(configPath string) (*viper.Viper, error) {
	if _, err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("medwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/medwatch")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file: defaults and environment only.
	}
	return v, nil
}

// LoadDotEnv loads the first existing file among paths into the process
// environment and returns its path, or "" when none exists.
func LoadDotEnv(paths ...string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return "", fmt.Errorf("load %s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}
