package config

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := write(t, "config.yaml", `
http:
  listen: ":9090"
storage:
  driver: sqlite
  path: ./data/test.db
  busy_timeout: 2s
logging:
  level: debug
  console: true
reconcile:
  enabled: true
  spec: "15 4 * * *"
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Listen != ":9090" {
		t.Fatalf("listen = %q", cfg.HTTP.Listen)
	}
	if cfg.Storage.Path != "./data/test.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.Reconcile.Spec != "15 4 * * *" {
		t.Fatalf("spec = %q", cfg.Reconcile.Spec)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseJSONDefaultsApply(t *testing.T) {
	t.Parallel()
	path := write(t, "config.json", `{"http": {"listen": ":7070"}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Listen != ":7070" {
		t.Fatalf("listen = %q", cfg.HTTP.Listen)
	}
	// Untouched sections keep their defaults.
	if cfg.Storage.Driver != "sqlite" || !cfg.Reconcile.Enabled {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := write(t, "config.yaml", "http:\n  listen: \":8080\"\n  port: 8080\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults ok", mutate: func(*Config) {}},
		{name: "missing listen", mutate: func(c *Config) { c.HTTP.Listen = " " }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Path = "" }, wantErr: true},
		{name: "memory without path", mutate: func(c *Config) { c.Storage.Driver = "memory"; c.Storage.Path = "" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: true},
		{name: "bad busy timeout", mutate: func(c *Config) { c.Storage.BusyTimeout = "soon" }, wantErr: true},
		{name: "telegram missing token", mutate: func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = 5 }, wantErr: true},
		{name: "telegram ok", mutate: func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.Token = "t"
			c.Telegram.ChatID = 5
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
