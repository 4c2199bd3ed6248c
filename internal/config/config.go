package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atmx/priors-engine/internal/binning"
	"github.com/atmx/priors-engine/internal/dirichlet"
	"github.com/atmx/priors-engine/internal/reconcile"
	"github.com/atmx/priors-engine/internal/sampler"
	"github.com/atmx/priors-engine/internal/volume"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Sampler SamplerConfig `mapstructure:"sampler"`
	Model   ModelConfig   `mapstructure:"model"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects the snapshot store backend
type StoreConfig struct {
	Driver     string `mapstructure:"driver"` // memory, sqlite, postgres
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig enables the read-through cache when URL is set
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// SamplerConfig holds MCMC settings
type SamplerConfig struct {
	Draws             int     `mapstructure:"draws"`
	Tune              int     `mapstructure:"tune"`
	Chains            int     `mapstructure:"chains"`
	TargetAccept      float64 `mapstructure:"target_accept"`
	MaxLeapfrog       int     `mapstructure:"max_leapfrog"`
	Seed              uint64  `mapstructure:"seed"`
	RHatThreshold     float64 `mapstructure:"rhat_threshold"`
	MaxDivergenceRate float64 `mapstructure:"max_divergence_rate"`
}

// ModelConfig holds prior and binning constants
type ModelConfig struct {
	Alpha         float64 `mapstructure:"alpha"`
	KappaPrior    string  `mapstructure:"kappa_prior"`
	KappaScale    float64 `mapstructure:"kappa_scale"`
	KappaLogSigma float64 `mapstructure:"kappa_log_sigma"`
	DefaultWidth  float64 `mapstructure:"default_width"`
	VolumeMin     float64 `mapstructure:"volume_min"`
	VolumeMax     float64 `mapstructure:"volume_max"`
}

// EngineConfig holds pipeline limits
type EngineConfig struct {
	Budget  time.Duration `mapstructure:"budget"`
	Workers int           `mapstructure:"workers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and PRIORS_* environment
// variables (PRIORS_STORE_DRIVER overrides store.driver).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PRIORS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")

	// Store defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sqlite_path", "./data/priors.db")

	// Redis defaults
	v.SetDefault("redis.url", "") // empty = no cache
	v.SetDefault("redis.ttl", "5m")

	// Sampler defaults
	v.SetDefault("sampler.draws", 800)
	v.SetDefault("sampler.tune", 800)
	v.SetDefault("sampler.chains", 2)
	v.SetDefault("sampler.target_accept", 0.9)
	v.SetDefault("sampler.max_leapfrog", 16)
	v.SetDefault("sampler.seed", 1)
	v.SetDefault("sampler.rhat_threshold", 1.05)
	v.SetDefault("sampler.max_divergence_rate", 0.05)

	// Model defaults
	v.SetDefault("model.alpha", 1.0)
	v.SetDefault("model.kappa_prior", string(dirichlet.Exponential))
	v.SetDefault("model.kappa_scale", 25.0)
	v.SetDefault("model.kappa_log_sigma", 1.0)
	v.SetDefault("model.default_width", binning.DefaultWidth)
	v.SetDefault("model.volume_min", volume.DefaultMin)
	v.SetDefault("model.volume_max", volume.DefaultMax)

	// Engine defaults
	v.SetDefault("engine.budget", "30s")
	v.SetDefault("engine.workers", 4)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, sqlite, postgres")
	}
	if c.Redis.URL != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be positive when redis is enabled")
	}

	if err := c.SamplerConfig().Validate(); err != nil {
		return err
	}
	if c.Sampler.RHatThreshold < 1 {
		return fmt.Errorf("sampler.rhat_threshold must be at least 1")
	}
	if c.Sampler.MaxDivergenceRate < 0 || c.Sampler.MaxDivergenceRate > 1 {
		return fmt.Errorf("sampler.max_divergence_rate must be between 0 and 1")
	}

	if err := c.Priors().Validate(); err != nil {
		return err
	}
	if c.Model.DefaultWidth <= 0 {
		return fmt.Errorf("model.default_width must be positive")
	}
	if c.Model.VolumeMin <= 0 || c.Model.VolumeMax < c.Model.VolumeMin {
		return fmt.Errorf("model.volume_min must be positive and not above model.volume_max")
	}

	if c.Engine.Budget < 0 {
		return fmt.Errorf("engine.budget must not be negative")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// SamplerConfig converts the sampler section.
func (c *Config) SamplerConfig() sampler.Config {
	return sampler.Config{
		Draws:        c.Sampler.Draws,
		Tune:         c.Sampler.Tune,
		Chains:       c.Sampler.Chains,
		TargetAccept: c.Sampler.TargetAccept,
		MaxLeapfrog:  c.Sampler.MaxLeapfrog,
		Seed:         c.Sampler.Seed,
	}
}

// Priors converts the model section.
func (c *Config) Priors() dirichlet.Priors {
	return dirichlet.Priors{
		Alpha: c.Model.Alpha,
		Kappa: dirichlet.KappaPrior{
			Kind:     dirichlet.KappaPriorKind(c.Model.KappaPrior),
			Scale:    c.Model.KappaScale,
			LogSigma: c.Model.KappaLogSigma,
		},
	}
}

// EngineOptions assembles the reconcile engine options.
func (c *Config) EngineOptions() reconcile.Options {
	return reconcile.Options{
		Sampler:           c.SamplerConfig(),
		Priors:            c.Priors(),
		Binning:           binning.Options{DefaultWidth: c.Model.DefaultWidth},
		VolumeMin:         c.Model.VolumeMin,
		VolumeMax:         c.Model.VolumeMax,
		RHatThreshold:     c.Sampler.RHatThreshold,
		MaxDivergenceRate: c.Sampler.MaxDivergenceRate,
		Budget:            c.Engine.Budget,
		Workers:           c.Engine.Workers,
	}
}
