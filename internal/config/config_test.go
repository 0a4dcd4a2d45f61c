package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.BootTimeout != 200*time.Millisecond {
		t.Fatalf("BootTimeout = %v", cfg.BootTimeout)
	}
	if cfg.ShutdownTimeout != 100*time.Millisecond {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.PingInterval != time.Second {
		t.Fatalf("PingInterval = %v", cfg.PingInterval)
	}
	if cfg.PongLimit != 10*time.Second {
		t.Fatalf("PongLimit = %v", cfg.PongLimit)
	}
	if cfg.RootEnclosure != "root" {
		t.Fatalf("RootEnclosure = %q", cfg.RootEnclosure)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nomad.yaml")
	data := "root_enclosure: main\nlogging:\n  level: debug\n  format: json\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootEnclosure != "main" {
		t.Fatalf("RootEnclosure = %q", cfg.RootEnclosure)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("Logging = %+v", cfg.Logging)
	}
	// Untouched fields keep their defaults.
	if cfg.PongLimit != 10*time.Second {
		t.Fatalf("PongLimit = %v", cfg.PongLimit)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOMAD_BOOT_TIMEOUT_MS", "750")
	t.Setenv("NOMAD_ROOT_ENCLOSURE", "sandbox")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BootTimeout != 750*time.Millisecond {
		t.Fatalf("BootTimeout = %v", cfg.BootTimeout)
	}
	if cfg.RootEnclosure != "sandbox" {
		t.Fatalf("RootEnclosure = %q", cfg.RootEnclosure)
	}
}
