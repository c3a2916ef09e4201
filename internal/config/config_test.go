package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetDuration("engine.processing_interval"); got != 30*time.Second {
		t.Errorf("processing_interval = %v, want 30s", got)
	}
	if got := v.GetFloat64("engine.alert_threshold"); got != 0.7 {
		t.Errorf("alert_threshold = %v, want 0.7", got)
	}
	if got := v.GetInt("source.batch_size"); got != 500 {
		t.Errorf("batch_size = %d, want 500", got)
	}
	if v.ConfigFileUsed() != "" {
		t.Errorf("ConfigFileUsed() = %q, want none", v.ConfigFileUsed())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medwatch.yaml")
	yaml := "engine:\n  processing_interval: 5s\n  alert_threshold: 0.9\nsource:\n  batch_size: 50\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("MW_ENGINE_ALERT_THRESHOLD", "0.5")

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetDuration("engine.processing_interval"); got != 5*time.Second {
		t.Errorf("processing_interval = %v, want 5s from file", got)
	}
	if got := v.GetFloat64("engine.alert_threshold"); got != 0.5 {
		t.Errorf("alert_threshold = %v, want 0.5 from env", got)
	}
	if got := v.GetInt("source.batch_size"); got != 50 {
		t.Errorf("batch_size = %d, want 50", got)
	}
}

func TestLoad_SearchPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "configs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "configs", "medwatch.yaml"), []byte("database:\n  path: /tmp/x.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetString("database.path"); got != "/tmp/x.db" {
		t.Errorf("database.path = %q", got)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("engine: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(t.TempDir())
	if _, err := Load(path); err == nil {
		t.Error("Load() error = nil for malformed YAML")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MW_TEST_DOTENV_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MW_TEST_DOTENV_KEY", "")
	os.Unsetenv("MW_TEST_DOTENV_KEY")

	got, err := LoadDotEnv(filepath.Join(dir, "missing.env"), path)
	if err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got != path {
		t.Errorf("loaded = %q, want %q", got, path)
	}
	if os.Getenv("MW_TEST_DOTENV_KEY") != "from-file" {
		t.Errorf("MW_TEST_DOTENV_KEY = %q", os.Getenv("MW_TEST_DOTENV_KEY"))
	}
}

func TestDecode(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MW_SERVER_PORT", "9090")
	t.Setenv("MW_ENGINE_PROCESSING_INTERVAL", "1m")

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := Decode(New(v))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if s.Server.Port != 9090 || s.Server.TokenTTL != 12*time.Hour {
		t.Errorf("server = %+v", s.Server)
	}
	if s.Engine.ProcessingInterval != time.Minute || !s.Engine.EnableRuleEngine {
		t.Errorf("engine = %+v", s.Engine)
	}
	if s.Source.BatchSize != 500 || s.Source.Lease != 10*time.Minute || s.Database.Path != "medwatch.db" {
		t.Errorf("source, database = %+v, %+v", s.Source, s.Database)
	}
	if s.Alerts.RatePerMinute != 60 || !s.Alerts.Log {
		t.Errorf("alerts = %+v", s.Alerts)
	}
	if s.NATS.Enabled || s.NATS.SubjectPrefix != "medwatch" {
		t.Errorf("nats = %+v", s.NATS)
	}
	if s.Retention.Anomalies != 720*time.Hour || s.Retention.Interval != time.Hour {
		t.Errorf("retention = %+v", s.Retention)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero batch size", map[string]string{"MW_SOURCE_BATCH_SIZE": "0"}},
		{"zero lease", map[string]string{"MW_SOURCE_LEASE": "0s"}},
		{"threshold out of range", map[string]string{"MW_ENGINE_ALERT_THRESHOLD": "1.5"}},
		{"retention without interval", map[string]string{"MW_RETENTION_INTERVAL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, val := range tt.env {
				t.Setenv(k, val)
			}
			v, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if _, err := Decode(New(v)); err == nil {
				t.Error("Decode() error = nil, want error")
			}
		})
	}
}
