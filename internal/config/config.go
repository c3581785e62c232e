// Package config loads dispatchflow settings from defaults, an optional
// YAML file and DISPATCHFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rendis/dispatchflow/pkg/schema"
)

const EnvPrefix = "DISPATCHFLOW"

// Config is the full runtime configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type MCPConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type EngineConfig struct {
	StopOnFailure bool `mapstructure:"stop_on_failure"`
}

// SchedulerConfig lists plan files that serve runs on cron schedules.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Jobs     []JobConfig   `mapstructure:"jobs" validate:"dive"`
}

type JobConfig struct {
	Name   string         `mapstructure:"name" validate:"required"`
	Cron   string         `mapstructure:"cron" validate:"required"`
	Plan   string         `mapstructure:"plan" validate:"required,file"`
	Params map[string]any `mapstructure:"params"`
}

var (
	validateOnce sync.Once
	validateInst *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validateInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return validateInst
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", "file:dispatchflow.db")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("mcp.endpoint", "http://localhost:4000/mcp")
	v.SetDefault("mcp.timeout", 30*time.Second)
	v.SetDefault("engine.stop_on_failure", false)
	v.SetDefault("scheduler.interval", time.Minute)
}

// Bind prepares v for loading: defaults, environment mapping and, when
// cfgFile is set, the config file.
func Bind(v *viper.Viper, cfgFile string) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		return
	}
	v.SetConfigName("dispatchflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.dispatchflow")
}

// Load reads the configured sources of v into a validated Config. A missing
// config file is fine unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, schema.NewError(schema.ErrCodeValidation, "read config").WithCause(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode config").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of c.
func (c *Config) Validate() error {
	err := validatorInstance().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return schema.NewError(schema.ErrCodeValidation, "invalid config").WithCause(err)
	}

	violations := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		violations = append(violations, fmt.Sprintf("%s: failed %q (value %v)", configKey(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid config: %s", strings.Join(violations, "; ")).
		WithDetails(map[string]any{"violations": violations})
}

// configKey maps Config.MCP.Timeout to mcp.timeout.
func configKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prev := rune(s[i-1])
			if !(prev >= 'A' && prev <= 'Z') {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
