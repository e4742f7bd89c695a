// Package config loads process configuration for the vaultscript binaries.
//
// Values come from built-in defaults, an optional YAML file and
// VAULTSCRIPT_ environment variables, in that order. A double underscore in
// an environment variable name separates keys, so
// VAULTSCRIPT_EVALUATION__DEFAULT_TIMEOUT=5s overrides
// evaluation.default_timeout.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jonwraymond/vaultscript/code"
	"github.com/jonwraymond/vaultscript/customfn"
	"github.com/jonwraymond/vaultscript/exec"
	"github.com/jonwraymond/vaultscript/lifecycle"
	"github.com/jonwraymond/vaultscript/sandbox"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VAULTSCRIPT_"

// Function store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreBolt   = "bolt"
)

// Config is the top-level configuration.
type Config struct {
	Evaluation EvaluationConfig `koanf:"evaluation"`
	Limits     LimitsConfig     `koanf:"limits"`
	Functions  FunctionsConfig  `koanf:"functions"`
	Log        LogConfig        `koanf:"log"`
	Server     ServerConfig     `koanf:"server"`
}

// EvaluationConfig bounds a single evaluation.
type EvaluationConfig struct {
	DefaultTimeout     time.Duration `koanf:"default_timeout"`
	MaxTimeout         time.Duration `koanf:"max_timeout"`
	SettleWindow       time.Duration `koanf:"settle_window"`
	MaxCapabilityCalls int           `koanf:"max_capability_calls"`
}

// LimitsConfig bounds values crossing the sandbox boundary.
type LimitsConfig struct {
	MaxDepth       int `koanf:"max_depth"`
	MaxNodes       int `koanf:"max_nodes"`
	MaxStringBytes int `koanf:"max_string_bytes"`
}

// FunctionsConfig selects where custom functions are kept.
type FunctionsConfig struct {
	Store string `koanf:"store"` // memory | file | bolt
	Path  string `koanf:"path"`
}

// LogConfig configures the zap logger of the binaries.
type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// ServerConfig describes the MCP server identity.
type ServerConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

func defaults() map[string]any {
	return map[string]any{
		"evaluation.default_timeout":      code.DefaultTimeout.String(),
		"evaluation.max_timeout":          "5m",
		"evaluation.settle_window":        lifecycle.DefaultSettleWindow.String(),
		"evaluation.max_capability_calls": exec.DefaultMaxCapabilityCalls,
		"limits.max_depth":                sandbox.DefaultMaxDepth,
		"limits.max_nodes":                sandbox.DefaultMaxNodes,
		"limits.max_string_bytes":         sandbox.DefaultMaxStringBytes,
		"functions.store":                 StoreMemory,
		"functions.path":                  "",
		"log.level":                       "info",
		"log.development":                 false,
		"server.name":                     "vaultscript",
		"server.version":                  "0.1.0",
	}
}

// Load reads the configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("config: default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	e := c.Evaluation
	if e.DefaultTimeout <= 0 {
		return fmt.Errorf("config: evaluation.default_timeout must be positive, got %s", e.DefaultTimeout)
	}
	if e.MaxTimeout < 0 {
		return fmt.Errorf("config: evaluation.max_timeout must not be negative, got %s", e.MaxTimeout)
	}
	if e.SettleWindow < 0 {
		return fmt.Errorf("config: evaluation.settle_window must not be negative, got %s", e.SettleWindow)
	}
	if e.MaxCapabilityCalls < 0 {
		return fmt.Errorf("config: evaluation.max_capability_calls must not be negative, got %d", e.MaxCapabilityCalls)
	}
	switch c.Functions.Store {
	case StoreMemory:
	case StoreFile, StoreBolt:
		if strings.TrimSpace(c.Functions.Path) == "" {
			return fmt.Errorf("config: functions.path is required for the %s store", c.Functions.Store)
		}
	default:
		return fmt.Errorf("config: unknown functions.store %q", c.Functions.Store)
	}
	return nil
}

// OpenFunctionStore opens the configured custom function store. The returned
// close function releases it and is never nil.
func (c *Config) OpenFunctionStore() (customfn.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Functions.Store {
	case StoreFile:
		return customfn.NewFileStore(c.Functions.Path), noop, nil
	case StoreBolt:
		s, err := customfn.OpenBoltStore(c.Functions.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return customfn.NewMemoryStore(), noop, nil
	}
}

// ExecOptions maps the configuration onto exec.Options.
func (c *Config) ExecOptions(store customfn.Store, logger code.Logger) exec.Options {
	return exec.Options{
		FunctionStore:      store,
		MaxCapabilityCalls: c.Evaluation.MaxCapabilityCalls,
		DefaultTimeout:     c.Evaluation.DefaultTimeout,
		MaxTimeout:         c.Evaluation.MaxTimeout,
		SettleWindow:       c.Evaluation.SettleWindow,
		Limits: sandbox.Limits{
			MaxDepth:       c.Limits.MaxDepth,
			MaxNodes:       c.Limits.MaxNodes,
			MaxStringBytes: c.Limits.MaxStringBytes,
		},
		Logger: logger,
	}
}
