// Package config loads nodeflow settings.
// Priority: NODEFLOW_* env vars > config file > defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/nodeflow/pkg/schema"
)

// EnvPrefix prefixes every environment override, e.g. NODEFLOW_STORE_DRIVER.
const EnvPrefix = "NODEFLOW"

// Config holds all nodeflow server configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Store struct {
		Driver string `mapstructure:"driver"` // memory | libsql | postgres
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	PoolSize     int                      `mapstructure:"pool_size"`
	NodeTimeout  time.Duration            `mapstructure:"node_timeout"`
	TypeTimeouts map[string]time.Duration `mapstructure:"type_timeouts"`
	TriggerTick  time.Duration            `mapstructure:"trigger_tick"`

	CircuitBreaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
		HalfOpenMax      int           `mapstructure:"half_open_max"`
	} `mapstructure:"circuit_breaker"`

	// MCPTools points at an MCP server whose tools back tool nodes. Agent
	// nodes call the tool named AgentToolPrefix+agent_id on the same server.
	// An empty command leaves tool and agent nodes unavailable.
	MCPTools struct {
		Command         string   `mapstructure:"command"`
		Args            []string `mapstructure:"args"`
		Env             []string `mapstructure:"env"`
		AgentToolPrefix string   `mapstructure:"agent_tool_prefix"`
	} `mapstructure:"mcp_tools"`
}

// Dir is the per-user nodeflow directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.dsn", "file:"+filepath.Join(Dir(), "nodeflow.db"))
	v.SetDefault("pool_size", 10)
	v.SetDefault("node_timeout", 30*time.Second)
	v.SetDefault("type_timeouts", map[string]any{})
	v.SetDefault("trigger_tick", time.Minute)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.cooldown", 30*time.Second)
	v.SetDefault("circuit_breaker.half_open_max", 1)
	v.SetDefault("mcp_tools.command", "")
	v.SetDefault("mcp_tools.args", []string{})
	v.SetDefault("mcp_tools.env", []string{})
	v.SetDefault("mcp_tools.agent_tool_prefix", "agent_")
}

// Load reads the configuration. A non-empty path must name a readable YAML
// or JSON file; otherwise nodeflow.{yaml,json} is looked up in the working
// directory and Dir(), and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "read config %s", path).WithCause(err)
		}
	} else {
		v.SetConfigName("nodeflow")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, schema.NewError(schema.ErrCodeInvalidConfig, "read config").WithCause(err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfig, "decode config").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "libsql", "postgres":
	default:
		return invalid("store.driver must be memory, libsql or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return invalid("store.dsn is required for the %s driver", c.Store.Driver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.PoolSize <= 0 {
		return invalid("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.NodeTimeout <= 0 {
		return invalid("node_timeout must be positive, got %s", c.NodeTimeout)
	}
	for typ, d := range c.TypeTimeouts {
		if d <= 0 {
			return invalid("type_timeouts.%s must be positive, got %s", typ, d)
		}
	}
	if c.TriggerTick <= 0 {
		return invalid("trigger_tick must be positive, got %s", c.TriggerTick)
	}
	if c.CircuitBreaker.FailureThreshold < 0 {
		return invalid("circuit_breaker.failure_threshold must not be negative")
	}
	if c.CircuitBreaker.FailureThreshold > 0 && c.CircuitBreaker.Cooldown <= 0 {
		return invalid("circuit_breaker.cooldown must be positive when the breaker is enabled")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeInvalidConfig, format, args...)
}
