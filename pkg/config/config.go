// Package config loads the coordinator configuration from a YAML file and
// XA_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/baxromumarov/shard-xa/pkg/logger"
)

// Config is the full coordinator configuration.
type Config struct {
	Listen      string                 `mapstructure:"listen"`
	Shards      map[string]ShardConfig `mapstructure:"shards"`
	Coordinator CoordinatorConfig      `mapstructure:"coordinator"`
	DecisionLog DecisionLogConfig      `mapstructure:"decision_log"`
	Log         logger.Config          `mapstructure:"log"`
	Metrics     bool                   `mapstructure:"metrics"`
}

// ShardConfig describes one physical shard.
// Viper lower-cases map keys, so shard names are lower case.
type ShardConfig struct {
	DatabaseType string `mapstructure:"database_type"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// CoordinatorConfig tunes the two-phase commit driver.
type CoordinatorConfig struct {
	PrepareTimeout  time.Duration `mapstructure:"prepare_timeout"`
	BranchTimeout   time.Duration `mapstructure:"branch_timeout"`
	OnePhase        bool          `mapstructure:"one_phase"`
	ParallelPrepare bool          `mapstructure:"parallel_prepare"`
	// HealthInterval is the shard ping period. Zero disables pinging.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// DecisionLogConfig selects where commit decisions are persisted.
type DecisionLogConfig struct {
	Type string `mapstructure:"type"` // memory, file or sqlite
	Path string `mapstructure:"path"`
	Key  string `mapstructure:"key"` // encryption key for the file log
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "localhost:8080")
	v.SetDefault("coordinator.prepare_timeout", 10*time.Second)
	v.SetDefault("coordinator.branch_timeout", 5*time.Second)
	v.SetDefault("coordinator.one_phase", true)
	v.SetDefault("coordinator.parallel_prepare", false)
	v.SetDefault("coordinator.health_interval", 15*time.Second)
	v.SetDefault("decision_log.type", "memory")
	v.SetDefault("decision_log.path", "")
	v.SetDefault("decision_log.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_file", "stdout")
	v.SetDefault("metrics", true)
}

// Load reads the configuration. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("XA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for values the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}

	for name, s := range c.Shards {
		if s.DSN == "" {
			return errors.Errorf("config: shard %s: dsn is required", name)
		}
		if s.DatabaseType == "" {
			return errors.Errorf("config: shard %s: database_type is required", name)
		}
	}

	if c.Coordinator.PrepareTimeout < 0 || c.Coordinator.BranchTimeout < 0 || c.Coordinator.HealthInterval < 0 {
		return errors.New("config: timeouts must not be negative")
	}

	switch c.DecisionLog.Type {
	case "memory":
	case "file":
		if c.DecisionLog.Path == "" || c.DecisionLog.Key == "" {
			return errors.New("config: file decision log needs path and key")
		}
	case "sqlite":
		if c.DecisionLog.Path == "" {
			return errors.New("config: sqlite decision log needs path")
		}
	default:
		return errors.Errorf("config: unknown decision log type %q", c.DecisionLog.Type)
	}

	return nil
}
