package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReadConfigCreatesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := ReadConfig(path)
	if !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template not written: %v", err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig template: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("template config mismatch (-want +got):\n%s", diff)
	}
}

func TestReadConfigToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if _, err := ReadConfig(path); !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}
	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig toml template: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("toml template mismatch (-want +got):\n%s", diff)
	}

	content := `
debug_mode = true

[relay]
command_capacity = 8
event_capacity = 4
outbound_capacity = 16
control_capacity = 2

[session]
drain_window = "250ms"
retry_interval = "5ms"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig toml: %v", err)
	}
	if !cfg.DebugMode {
		t.Errorf("debug_mode not applied")
	}
	if cfg.Relay.EventCapacity != 8 {
		t.Errorf("event capacity must be raised to command capacity, got %d", cfg.Relay.EventCapacity)
	}
	if got := cfg.Session.DrainWindowDuration(); got != 250*time.Millisecond {
		t.Errorf("drain window: got %v", got)
	}
	if cfg.Console.MaxPerTick != 100 {
		t.Errorf("unset keys must keep defaults, got max_per_tick=%d", cfg.Console.MaxPerTick)
	}
}

func TestReadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadConfig(path); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"store":{"backend":"memory","cache_size":1,"cache_ttl":"1h"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MQTT_SESSIONS_DEBUG", "true")
	t.Setenv("MQTT_SESSIONS_STORE", "mongo")
	t.Setenv("MQTT_SESSIONS_MONGO_HOST", "mongo.internal")
	t.Setenv("MQTT_SESSIONS_MONGO_PORT", "27018")

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if !cfg.DebugMode || cfg.Store.Backend != "mongo" || cfg.Database.Host != "mongo.internal" || cfg.Database.Port != 27018 {
		t.Errorf("environment overrides not applied: %+v", cfg)
	}

	t.Setenv("MQTT_SESSIONS_MONGO_PORT", "not-a-port")
	if _, err := ReadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Relay.CommandCapacity = 0
	cfg.Session.DrainWindow = "soon"
	cfg.Store.Backend = "redis"
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
