package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/internal/programs"
	"github.com/wippyai/vmbridge/nvs"
	"github.com/wippyai/vmbridge/tasks"
)

// EnvPrefix prefixes environment overrides, e.g. VMBRIDGE_ENGINE_EXEC_BUDGET.
const EnvPrefix = "VMBRIDGE"

var validate = validator.New()

// Config is the complete bridge configuration.
type Config struct {
	Engine EngineConfig `mapstructure:"engine" json:"engine"`
	Log    LogConfig    `mapstructure:"log" json:"log"`
	NVS    NVSConfig    `mapstructure:"nvs" json:"nvs"`
	Tasks  TasksConfig  `mapstructure:"tasks" json:"tasks"`
	Filter FilterConfig `mapstructure:"filter" json:"filter"`
}

// EngineConfig mirrors engine.Config.
type EngineConfig struct {
	Entry            string        `mapstructure:"entry" json:"entry" validate:"required"`
	GlobalBase       uint64        `mapstructure:"global_base" json:"global_base" validate:"gt=0"`
	MaxGlobalData    uint64        `mapstructure:"max_global_data" json:"max_global_data" validate:"gt=0"`
	StackSize        uint64        `mapstructure:"stack_size" json:"stack_size" validate:"gte=16"`
	ExecBudget       time.Duration `mapstructure:"exec_budget" json:"exec_budget" validate:"gte=0"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages" json:"memory_limit_pages" validate:"lte=65536"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development" json:"development"`
}

type NVSConfig struct {
	Backend string `mapstructure:"backend" json:"backend" validate:"oneof=memory sqlite"`
	Path    string `mapstructure:"path" json:"path,omitempty" validate:"required_if=Backend sqlite"`
	MaxKeys int    `mapstructure:"max_keys" json:"max_keys" validate:"gte=1,lte=1024"`
}

type TasksConfig struct {
	Manifest string        `mapstructure:"manifest" json:"manifest,omitempty"`
	Interval time.Duration `mapstructure:"interval" json:"interval" validate:"gt=0"`
	MaxTasks int           `mapstructure:"max_tasks" json:"max_tasks" validate:"gte=1,lte=10"`
	MaxRuns  int           `mapstructure:"max_runs" json:"max_runs" validate:"gte=0"`
}

type FilterConfig struct {
	Warmup    uint32 `mapstructure:"warmup" json:"warmup"`
	Tolerance uint32 `mapstructure:"tolerance" json:"tolerance" validate:"lte=255"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.entry", "entry")
	v.SetDefault("engine.global_base", engine.DefaultGlobalBase)
	v.SetDefault("engine.max_global_data", engine.DefaultMaxGlobalData)
	v.SetDefault("engine.stack_size", engine.DefaultStackSize)
	v.SetDefault("engine.exec_budget", engine.DefaultExecBudget)
	v.SetDefault("engine.memory_limit_pages", engine.DefaultMemoryLimitPages)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nvs.backend", "memory")
	v.SetDefault("nvs.path", "")
	v.SetDefault("nvs.max_keys", nvs.DefaultMaxKeys)

	v.SetDefault("tasks.manifest", "")
	v.SetDefault("tasks.interval", tasks.DefaultInterval)
	v.SetDefault("tasks.max_tasks", tasks.MaxTasks)
	v.SetDefault("tasks.max_runs", 0)

	v.SetDefault("filter.warmup", programs.DefaultFilterPolicy.Warmup)
	v.SetDefault("filter.tolerance", programs.DefaultFilterPolicy.Tolerance)
}

// Load reads the configuration file at path, if any, applies VMBRIDGE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindMalformed, err, "read "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindMalformed, err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces without a file or
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks field constraints and the engine layout.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "validate configuration")
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "engine layout")
	}
	return nil
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Entry:            c.Engine.Entry,
		GlobalBase:       c.Engine.GlobalBase,
		MaxGlobalData:    c.Engine.MaxGlobalData,
		StackSize:        c.Engine.StackSize,
		ExecBudget:       c.Engine.ExecBudget,
		MemoryLimitPages: c.Engine.MemoryLimitPages,
	}
}

// SchedulerConfig converts the tasks section.
func (c *Config) SchedulerConfig() tasks.Config {
	return tasks.Config{
		Interval: c.Tasks.Interval,
		MaxTasks: c.Tasks.MaxTasks,
		MaxRuns:  c.Tasks.MaxRuns,
	}
}

// FilterPolicy converts the filter section.
func (c *Config) FilterPolicy() programs.FilterPolicy {
	return programs.FilterPolicy{Warmup: c.Filter.Warmup, Tolerance: c.Filter.Tolerance}
}

// OpenStore opens the configured helper store.
func (c *Config) OpenStore() (nvs.Store, error) {
	switch c.NVS.Backend {
	case "sqlite":
		return nvs.OpenSQLite(c.NVS.Path)
	case "memory", "":
		return nvs.NewMemory(c.NVS.MaxKeys), nil
	}
	return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown nvs backend %q", c.NVS.Backend))
}

// NewLogger builds a zap logger from the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindMalformed, err, "marshal schema")
	}
	return data, nil
}
