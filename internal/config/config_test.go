package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/atmx/priors-engine/internal/dirichlet"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Sampler.Draws != 800 || cfg.Sampler.Tune != 800 || cfg.Sampler.Chains != 2 {
		t.Errorf("unexpected sampler defaults %+v", cfg.Sampler)
	}
	if cfg.Sampler.TargetAccept != 0.9 {
		t.Errorf("expected target_accept 0.9, got %v", cfg.Sampler.TargetAccept)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory store, got %s", cfg.Store.Driver)
	}
	if cfg.Engine.Budget != 30*time.Second {
		t.Errorf("expected 30s budget, got %v", cfg.Engine.Budget)
	}

	p := cfg.Priors()
	if p.Alpha != 1 || p.Kappa.Kind != dirichlet.Exponential || p.Kappa.Scale != 25 {
		t.Errorf("unexpected priors %+v", p)
	}
	opts := cfg.EngineOptions()
	if opts.RHatThreshold != 1.05 || opts.MaxDivergenceRate != 0.05 || opts.Binning.DefaultWidth != 1 {
		t.Errorf("unexpected engine options %+v", opts)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	content := `
server:
  port: 9090

store:
  driver: sqlite
  sqlite_path: /tmp/priors.db

sampler:
  draws: 1000
  chains: 4
  target_accept: 0.95

model:
  kappa_prior: half_normal
  kappa_scale: 30

logging:
  level: debug
  format: text
`
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Remove(tmpfile.Name()) }()
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PRIORS_SAMPLER_TUNE", "1200")
	t.Setenv("PRIORS_ENGINE_WORKERS", "8")

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "/tmp/priors.db" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Sampler.Draws != 1000 || cfg.Sampler.Chains != 4 || cfg.Sampler.TargetAccept != 0.95 {
		t.Errorf("unexpected sampler config %+v", cfg.Sampler)
	}
	if cfg.Sampler.Tune != 1200 {
		t.Errorf("env should override tune, got %d", cfg.Sampler.Tune)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("env should override workers, got %d", cfg.Engine.Workers)
	}
	if cfg.Priors().Kappa.Kind != dirichlet.HalfNormal {
		t.Errorf("expected half_normal prior, got %s", cfg.Priors().Kappa.Kind)
	}
	// Unset keys keep their defaults.
	if cfg.Sampler.MaxLeapfrog != 16 {
		t.Errorf("expected default max_leapfrog, got %d", cfg.Sampler.MaxLeapfrog)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/priors.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"zero draws", func(c *Config) { c.Sampler.Draws = 0 }, "draws"},
		{"target accept", func(c *Config) { c.Sampler.TargetAccept = 1.5 }, "target_accept"},
		{"rhat below one", func(c *Config) { c.Sampler.RHatThreshold = 0.9 }, "rhat_threshold"},
		{"unknown prior", func(c *Config) { c.Model.KappaPrior = "gamma" }, "kappa prior"},
		{"zero width", func(c *Config) { c.Model.DefaultWidth = 0 }, "default_width"},
		{"volume bounds", func(c *Config) { c.Model.VolumeMax = 0.1 }, "volume_min"},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, "engine.workers"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"redis without ttl", func(c *Config) { c.Redis.URL = "redis://localhost:6379"; c.Redis.TTL = 0 }, "redis.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
