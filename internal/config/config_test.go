package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("default workers = %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Engine.BatchSize != 1000 {
		t.Errorf("default batch size = %d, want 1000", cfg.Engine.BatchSize)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shift.toml")
	content := `
[server]
port = 9001

[source]
url = "postgres://src:5432/app"
max_conns = 2

[target]
url = "postgres://dst:5432/app"

[engine]
workers = 8
batch_size = 500
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Source.MaxConns != 2 {
		t.Errorf("source max_conns = %d, want 2", cfg.Source.MaxConns)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Engine.Workers)
	}
	// Unset values keep defaults.
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want default 3", cfg.Engine.MaxRetries)
	}
}

func TestEnvOverridesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shift.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 9001\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SHIFT_SERVER_PORT", "9002")
	t.Setenv("SHIFT_SOURCE_URL", "postgres://env-src/db")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9002 {
		t.Errorf("port = %d, want env override 9002", cfg.Server.Port)
	}
	if cfg.Source.URL != "postgres://env-src/db" {
		t.Errorf("source url = %q", cfg.Source.URL)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SHIFT_SERVER_PORT", "9002")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), map[string]string{"port": "9003"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9003 {
		t.Errorf("port = %d, want flag override 9003", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, "engine.workers"},
		{"zero batch", func(c *Config) { c.Engine.BatchSize = 0 }, "engine.batch_size"},
		{"bad kind", func(c *Config) { c.Source.Kind = "oracle" }, "source.kind"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"archive missing bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Endpoint = "s3.local"
			c.Archive.AccessKey = "k"
			c.Archive.SecretKey = "s"
		}, "archive.bucket"},
		{"sns missing region", func(c *Config) { c.Events.SNSTopicARN = "arn:aws:sns:::t" }, "events.sns_region"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if got := err.Error(); !strings.Contains(got, tc.want) {
				t.Errorf("error %q does not mention %q", got, tc.want)
			}
		})
	}
}

func TestDetectSourceKind(t *testing.T) {
	cases := map[string]string{
		"postgres://h/db":           "postgres",
		"postgresql://h/db":         "postgres",
		"user:pass@tcp(h:3306)/db":  "mysql",
		"mysql://h/db":              "mysql",
		"./data.db":                 "sqlite",
		"file:/var/lib/app/data.db": "sqlite",
	}
	for url, want := range cases {
		if got := DetectSourceKind(url); got != want {
			t.Errorf("DetectSourceKind(%q) = %q, want %q", url, got, want)
		}
	}
}
