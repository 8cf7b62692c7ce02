// Package config loads the control plane configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes environment overrides, e.g. TMUX_AGENTS_LOG_LEVEL.
const EnvPrefix = "TMUX_AGENTS"

// Config is the full configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	AutoClose AutoCloseConfig `mapstructure:"autoclose"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Backends  []BackendConfig `mapstructure:"backends"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Discord   DiscordConfig   `mapstructure:"discord"`
	Pipelines PipelinesConfig `mapstructure:"pipelines"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AutoCloseConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	Interval time.Duration `mapstructure:"interval"`
}

type DispatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// BackendConfig describes one runtime. Which fields apply depends on Type.
type BackendConfig struct {
	ID             string                 `mapstructure:"id"`
	Type           string                 `mapstructure:"type"`
	Session        string                 `mapstructure:"session"`
	Host           string                 `mapstructure:"host"`
	Port           int                    `mapstructure:"port"`
	SSHConfig      string                 `mapstructure:"sshConfig"`
	Container      string                 `mapstructure:"container"`
	Namespace      string                 `mapstructure:"namespace"`
	Image          string                 `mapstructure:"image"`
	Kubeconfig     string                 `mapstructure:"kubeconfig"`
	ServiceAccount string                 `mapstructure:"serviceAccount"`
	Resources      agentruntime.Resources `mapstructure:"resources"`
	// Watch enables the pod watcher for a kubernetes backend.
	Watch bool `mapstructure:"watch"`
}

// PoolConfig configures the warm pod pool of the kubernetes backend named by Backend.
type PoolConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Backend    string `mapstructure:"backend"`
	Namespace  string `mapstructure:"namespace"`
	Deployment string `mapstructure:"deployment"`
	Image      string `mapstructure:"image"`
	Min        int32  `mapstructure:"min"`
	Max        int32  `mapstructure:"max"`
	Replicas   int32  `mapstructure:"replicas"`
}

type DiscordConfig struct {
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channelId"`
}

type PipelinesConfig struct {
	File string `mapstructure:"file"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("database.dsn", "file:tmux-agents.db?_busy_timeout=5000")
	v.SetDefault("database.maxIdleConns", 2)
	v.SetDefault("database.maxOpenConns", 10)
	v.SetDefault("database.connMaxLifetime", "30m")
	v.SetDefault("reconcile.interval", "10s")
	v.SetDefault("autoclose.delay", "5m")
	v.SetDefault("autoclose.interval", "30s")
	v.SetDefault("dispatch.interval", "2s")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("pool.min", 0)
	v.SetDefault("pool.max", 5)
	v.SetDefault("pool.replicas", 2)
	v.SetDefault("backends", []map[string]any{{"id": "local", "type": "local"}})
}

// LoadDotEnv loads .env files when present. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path, or tmux-agents.yaml from $HOME/.tmux-agents and the
// working directory when path is empty, applies TMUX_AGENTS_* overrides and
// validates the result. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	_ = v.BindEnv("discord.token", EnvPrefix+"_DISCORD_TOKEN", "DISCORD_TOKEN")
	_ = v.BindEnv("discord.channelId", EnvPrefix+"_DISCORD_CHANNEL_ID", "DISCORD_CHANNEL_ID")
	_ = v.BindEnv("pipelines.file", EnvPrefix+"_PIPELINES_FILE")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tmux-agents")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.tmux-agents")
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown backend types, duplicate or missing backend ids,
// backends missing their target, and an inverted pool range.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: id is required", i))
		} else if seen[b.ID] {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true

		switch agentruntime.BackendType(b.Type) {
		case agentruntime.BackendLocal, agentruntime.BackendKubernetes:
		case agentruntime.BackendSSH:
			if b.Host == "" {
				errs = append(errs, fmt.Errorf("backends[%d]: ssh backend needs host", i))
			}
		case agentruntime.BackendDocker:
			if b.Container == "" {
				errs = append(errs, fmt.Errorf("backends[%d]: docker backend needs container", i))
			}
		default:
			errs = append(errs, fmt.Errorf("backends[%d]: unknown type %q", i, b.Type))
		}
	}

	if c.Pool.Min < 0 || c.Pool.Max < 0 {
		errs = append(errs, fmt.Errorf("pool: min and max must not be negative"))
	}
	if c.Pool.Min > c.Pool.Max {
		errs = append(errs, fmt.Errorf("pool: min %d exceeds max %d", c.Pool.Min, c.Pool.Max))
	}
	if c.Pool.Enabled {
		b, ok := c.Backend(c.Pool.Backend)
		if !ok || agentruntime.BackendType(b.Type) != agentruntime.BackendKubernetes {
			errs = append(errs, fmt.Errorf("pool: backend %q is not a kubernetes backend", c.Pool.Backend))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Backend returns the backend config with the given id.
func (c *Config) Backend(id string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendConfig{}, false
}
