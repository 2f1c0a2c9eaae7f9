// Package config loads and validates the Pabawi configuration using Viper.
//
// Precedence: environment variables (PABAWI_ prefix) > config file >
// defaults. Invalid values for the execution queue are a fatal startup
// error, not a runtime error.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pabawi/pabawi/errors"
	"github.com/pabawi/pabawi/execution"
	"github.com/pabawi/pabawi/runner"
)

// Config is the full Pabawi configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Runner   RunnerConfig   `mapstructure:"runner"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// QueueConfig configures the execution queue bounds.
type QueueConfig struct {
	ConcurrencyLimit int `mapstructure:"concurrency_limit"`
	MaxQueueSize     int `mapstructure:"max_queue_size"`
}

// DatabaseConfig configures the sqlite record store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures the logger.
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// RunnerConfig selects and configures the execution backend.
type RunnerConfig struct {
	// Backend is "shell" (local) or "ssh"
	Backend string           `mapstructure:"backend"`
	SSH     runner.SSHConfig `mapstructure:"ssh"`
}

// ExecutionQueueConfig converts the loaded queue settings to the
// execution package's config type.
func (c *Config) ExecutionQueueConfig() execution.QueueConfig {
	return execution.QueueConfig{
		ConcurrencyLimit: c.Queue.ConcurrencyLimit,
		MaxQueueSize:     c.Queue.MaxQueueSize,
	}
}

// Validate rejects configurations the server cannot start under.
func (c *Config) Validate() error {
	if err := c.ExecutionQueueConfig().Validate(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Newf("server port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	switch c.Runner.Backend {
	case "shell", "ssh":
	default:
		return errors.Newf("runner backend must be shell or ssh, got %q", c.Runner.Backend)
	}
	return nil
}

// SetDefaults registers the default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8040)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("queue.concurrency_limit", 4)
	v.SetDefault("queue.max_queue_size", 50)

	v.SetDefault("database.path", "pabawi.db")

	v.SetDefault("log.json", false)

	v.SetDefault("runner.backend", "shell")
	v.SetDefault("runner.ssh.port", 22)
	v.SetDefault("runner.ssh.dial_timeout", 10*time.Second)
}

// Load reads the configuration from the default locations: pabawi.toml in
// the working directory or $HOME/.config/pabawi/, plus PABAWI_* env vars.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("pabawi")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/pabawi")

	bindEnv(v)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine - defaults and env vars apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	bindEnv(v)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("PABAWI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}
