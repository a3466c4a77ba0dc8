// Package config loads snapexecd's configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variables
// prefixed SNAPEXEC_, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	ListenAddr                  string        `koanf:"listen_addr"`
	WorkerBinary                string        `koanf:"worker_binary"`
	ContainerKind               string        `koanf:"container_kind"` // "subprocess" or "tcp"
	AuditLogPath                string        `koanf:"audit_log_path"`
	UnresponsivePollingInterval time.Duration `koanf:"unresponsive_polling_interval"`
	UnresponsiveTimeout         time.Duration `koanf:"unresponsive_timeout"`
	CreateWindowTimeout         time.Duration `koanf:"create_window_timeout"`
}

// defaults mirrors the spec-mandated defaults: a 5s liveness poll, a 30s
// unresponsive timeout, a 60s spawn timeout.
var defaults = []byte(`
listen_addr: 127.0.0.1:8761
worker_binary: snap-worker
container_kind: subprocess
audit_log_path: snapexec-audit.db
unresponsive_polling_interval: 5s
unresponsive_timeout: 30s
create_window_timeout: 60s
`)

// Load builds a Config from defaults, an optional YAML file at path (skipped
// if empty), and SNAPEXEC_-prefixed environment variables.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	envProvider := env.Provider("SNAPEXEC_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SNAPEXEC_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// FindBinary locates a binary by name: PATH first, then a sibling
// directory of the running executable, then a short list of known system
// paths. Returns "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	for _, dir := range []string{"/usr/local/bin", "/usr/lib/snapexec"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
