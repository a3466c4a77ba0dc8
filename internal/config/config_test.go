package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8761" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:8761", cfg.ListenAddr)
	}
	if cfg.UnresponsivePollingInterval != 5*time.Second {
		t.Errorf("UnresponsivePollingInterval = %v, want 5s", cfg.UnresponsivePollingInterval)
	}
	if cfg.UnresponsiveTimeout != 30*time.Second {
		t.Errorf("UnresponsiveTimeout = %v, want 30s", cfg.UnresponsiveTimeout)
	}
	if cfg.CreateWindowTimeout != 60*time.Second {
		t.Errorf("CreateWindowTimeout = %v, want 60s", cfg.CreateWindowTimeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SNAPEXEC_LISTEN_ADDR", "0.0.0.0:9000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:9000", cfg.ListenAddr)
	}
}
