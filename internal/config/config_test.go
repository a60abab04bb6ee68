package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scorecore.yaml")
	content := `
server:
  addr: ":9090"
storage:
  backend: memory
  bucket: test-scores
pipeline:
  workers: 4
  lease: 30s
converters:
  renderer: ["verovio", "-t", "pdf", "-o", "{out}", "{in}"]
diff:
  max_distance: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.Bucket != "test-scores" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.Lease != 30*time.Second {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("unset MaxAttempts should keep default, got %d", cfg.Pipeline.MaxAttempts)
	}
	if len(cfg.Converters.Renderer) != 6 || cfg.Converters.Renderer[0] != "verovio" {
		t.Errorf("Renderer = %v", cfg.Converters.Renderer)
	}
	if cfg.Diff.MaxDistance != 10 {
		t.Errorf("Diff.MaxDistance = %d", cfg.Diff.MaxDistance)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SCORECORE_ADDR":             ":7000",
		"SCORECORE_DATA_DIR":         "/var/lib/scorecore",
		"SCORECORE_PIPELINE_WORKERS": "6",
		"SCORECORE_LOG_LEVEL":        "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv() failed: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Paths.DataDir != "/var/lib/scorecore" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Server, cfg.Paths)
	}
	if cfg.Pipeline.Workers != 6 || cfg.Log.Level != "debug" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Pipeline, cfg.Log)
	}

	env["SCORECORE_PIPELINE_WORKERS"] = "many"
	if err := Default().applyEnv(lookup); err == nil {
		t.Error("expected an error for a non-numeric worker count")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "tape" }},
		{"s3 without endpoint", func(c *Config) { c.Storage.Backend = "s3" }},
		{"unknown engine", func(c *Config) { c.Engine.Backend = "svn" }},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero timeout", func(c *Config) { c.Converters.Timeout = 0 }},
		{"tiny thumbnail", func(c *Config) { c.Thumbnail.MaxDimension = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
