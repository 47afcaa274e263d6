package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSettings_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := LoadSettings(NewViper(), "")
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Database != "dkctl.db" || s.Log.Level != "info" {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.Rollout.StepTimeout != 5*time.Minute || s.SSH.AgentBinary != "dkctl" {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if !s.Events.Enabled || s.Events.BufferSize != 1000 {
		t.Errorf("unexpected event defaults: %+v", s.Events)
	}
}

func TestLoadSettings_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "dkctl.yaml", `
database: /var/lib/dkctl/history.db
topology: /etc/dkctl/topology.yaml
log:
  level: debug
  json: true
rollout:
  step_timeout: 30s
  max_parallel: 4
ssh:
  user: deploy
  jump_host: ops@bastion:2200
  keepalive_interval: 10s
`)

	s, err := LoadSettings(NewViper(), path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Database != "/var/lib/dkctl/history.db" || s.Topology != "/etc/dkctl/topology.yaml" {
		t.Errorf("paths = %s, %s", s.Database, s.Topology)
	}
	if s.Log.Level != "debug" || !s.Log.JSON {
		t.Errorf("log = %+v", s.Log)
	}
	if s.Rollout.StepTimeout != 30*time.Second || s.Rollout.MaxParallel != 4 {
		t.Errorf("rollout = %+v", s.Rollout)
	}
	if s.SSH.User != "deploy" || !s.SSH.StrictHostKeyChecking {
		t.Errorf("ssh = %+v", s.SSH)
	}
	if s.SSH.JumpHost != "ops@bastion:2200" || s.SSH.KeepAliveInterval != 10*time.Second || s.SSH.KeepAliveRetries != 3 {
		t.Errorf("ssh jump and keep-alive = %+v", s.SSH)
	}
}

func TestLoadSettings_EnvOverride(t *testing.T) {
	t.Setenv("DKCTL_LOG_LEVEL", "warn")
	t.Setenv("DKCTL_DATABASE", "/tmp/env.db")
	dir := t.TempDir()
	path := writeFile(t, dir, "dkctl.yaml", "log:\n  level: debug\n")

	s, err := LoadSettings(NewViper(), path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Log.Level != "warn" || s.Database != "/tmp/env.db" {
		t.Errorf("env overrides not applied: %+v", s)
	}
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "log:\n  level: loud\n"},
		{"bad exporter", "tracing:\n  exporter: jaeger\n"},
		{"otlp without endpoint", "tracing:\n  exporter: otlp\n"},
		{"negative parallelism", "rollout:\n  max_parallel: -1\n"},
		{"sample rate above one", "tracing:\n  sample_rate: 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "dkctl.yaml", tt.content)
			if _, err := LoadSettings(NewViper(), path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadSettings_MissingExplicitFile(t *testing.T) {
	if _, err := LoadSettings(NewViper(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing settings file")
	}
}
