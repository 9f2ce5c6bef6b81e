package config

import (
	"math"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReconcileConfig configures the matching engine.
type ReconcileConfig struct {
	RadiusMeters float64 `yaml:"radius_meters" mapstructure:"radius_meters"`
	// CellMeters is the spatial grid edge; 0 means use RadiusMeters.
	CellMeters     float64 `yaml:"cell_meters" mapstructure:"cell_meters"`
	Workers        int     `yaml:"workers" mapstructure:"workers"`
	ShardSize      int     `yaml:"shard_size" mapstructure:"shard_size"`
	SampleSize     int     `yaml:"sample_size" mapstructure:"sample_size"`
	HighConfidence float64 `yaml:"high_confidence" mapstructure:"high_confidence"`
	// VerifyMeters is how close identifier matches must be to count as geographically verified.
	VerifyMeters float64 `yaml:"verify_meters" mapstructure:"verify_meters"`
}

// ConfidenceConfig holds the per-strategy confidence table.
type ConfidenceConfig struct {
	Exact                float64 `yaml:"exact" mapstructure:"exact"`
	NormalizedVerified   float64 `yaml:"normalized_verified" mapstructure:"normalized_verified"`
	NormalizedUnverified float64 `yaml:"normalized_unverified" mapstructure:"normalized_unverified"`
	ProximityMax         float64 `yaml:"proximity_max" mapstructure:"proximity_max"`
	ProximityMin         float64 `yaml:"proximity_min" mapstructure:"proximity_min"`
}

// NormalizeConfig lists identifier rewrite rules. Empty means built-in defaults.
type NormalizeConfig struct {
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules"`
}

// RuleConfig is one regex rewrite applied to uppercased, trimmed identifiers.
type RuleConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	Replace string `yaml:"replace" mapstructure:"replace"`
}

// RetryConfig controls storage retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("reconcile.radius_meters", 50.0)
	v.SetDefault("reconcile.cell_meters", 0.0)
	v.SetDefault("reconcile.workers", 8)
	v.SetDefault("reconcile.shard_size", 512)
	v.SetDefault("reconcile.sample_size", 5)
	v.SetDefault("reconcile.high_confidence", 0.8)
	v.SetDefault("reconcile.verify_meters", 1000.0)
	v.SetDefault("confidence.exact", 0.95)
	v.SetDefault("confidence.normalized_verified", 0.55)
	v.SetDefault("confidence.normalized_unverified", 0.40)
	v.SetDefault("confidence.proximity_max", 0.85)
	v.SetDefault("confidence.proximity_min", 0.50)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the engine depends on before any work starts.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store driver %q (want postgres or sqlite)", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required (RECONCILE_STORE_DATABASE_URL)")
	}
	if err := c.Reconcile.Validate(); err != nil {
		return err
	}
	if err := c.Confidence.Validate(); err != nil {
		return err
	}
	for i, r := range c.Normalize.Rules {
		if r.Pattern == "" {
			return eris.Errorf("config: normalize rule %d (%s) has empty pattern", i, r.Name)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return eris.Wrapf(err, "config: normalize rule %d (%s)", i, r.Name)
		}
	}
	return nil
}

// Validate checks engine settings.
func (r ReconcileConfig) Validate() error {
	if !finite(r.RadiusMeters) || r.RadiusMeters <= 0 {
		return eris.Errorf("config: reconcile.radius_meters must be a finite value > 0, got %v", r.RadiusMeters)
	}
	if !finite(r.CellMeters) || r.CellMeters < 0 {
		return eris.Errorf("config: reconcile.cell_meters must be a finite value >= 0, got %v", r.CellMeters)
	}
	if r.Workers <= 0 {
		return eris.Errorf("config: reconcile.workers must be > 0, got %d", r.Workers)
	}
	if r.ShardSize <= 0 {
		return eris.Errorf("config: reconcile.shard_size must be > 0, got %d", r.ShardSize)
	}
	if !finite(r.VerifyMeters) || r.VerifyMeters <= 0 {
		return eris.Errorf("config: reconcile.verify_meters must be a finite value > 0, got %v", r.VerifyMeters)
	}
	return nil
}

// Validate checks that every confidence is within [0,1], exact matches score
// highest, and the normalized and proximity bands are ordered.
func (c ConfidenceConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"exact", c.Exact},
		{"normalized_verified", c.NormalizedVerified},
		{"normalized_unverified", c.NormalizedUnverified},
		{"proximity_max", c.ProximityMax},
		{"proximity_min", c.ProximityMin},
	} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			return eris.Errorf("config: confidence.%s must be within [0,1], got %v", f.name, f.v)
		}
	}
	if c.NormalizedVerified > c.Exact || c.ProximityMax > c.Exact {
		return eris.Errorf("config: confidence.exact (%v) must be the highest confidence", c.Exact)
	}
	if c.ProximityMin > c.ProximityMax {
		return eris.Errorf("config: confidence.proximity_min (%v) exceeds proximity_max (%v)", c.ProximityMin, c.ProximityMax)
	}
	if c.NormalizedUnverified > c.NormalizedVerified {
		return eris.Errorf("config: confidence.normalized_unverified (%v) exceeds normalized_verified (%v)",
			c.NormalizedUnverified, c.NormalizedVerified)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
