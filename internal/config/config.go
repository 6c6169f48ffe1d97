// Package config loads service configuration from a YAML file and
// environment variables via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"arxiv-translate/internal/types"
)

// Config holds all configuration for the translation service.
type Config struct {
	Data      DataConfig      `mapstructure:"data"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Translate TranslateConfig `mapstructure:"translate"`
	Compile   CompileConfig   `mapstructure:"compile"`
	Log       LogConfig       `mapstructure:"log"`
}

type DataConfig struct {
	// BaseDir is the root of the per-job on-disk layout
	// (<base>/<canonical_id>/<job_id>/...).
	BaseDir string `mapstructure:"base_dir"`
	// StaticPrefix is prepended to artifact URLs served by the HTTP layer.
	StaticPrefix string `mapstructure:"static_prefix"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type TranslateConfig struct {
	TargetLanguage string `mapstructure:"target_language"`
	// Concurrency bounds simultaneous chunk translations per job.
	Concurrency    int `mapstructure:"concurrency"`
	ChunkMaxTokens int `mapstructure:"chunk_max_tokens"`
	// MaxChunks aborts jobs whose segmentation would explode.
	MaxChunks int `mapstructure:"max_chunks"`
	// RateLimitRPM caps model requests per minute (0 = no limit).
	RateLimitRPM  int `mapstructure:"rate_limit_rpm"`
	LLMTimeoutSec int `mapstructure:"llm_timeout_sec"`
}

type CompileConfig struct {
	MaxTries   int `mapstructure:"max_tries"`
	TimeoutSec int `mapstructure:"timeout_sec"`
	// RepairBaseWindow is multiplied by the attempt number to form the
	// rollback line window around a compile error.
	RepairBaseWindow   int `mapstructure:"repair_base_window"`
	DownloadTimeoutSec int `mapstructure:"download_timeout_sec"`
}

type LogConfig struct {
	FilePath    string `mapstructure:"file_path"`
	Development bool   `mapstructure:"development"`
}

// Service-wide defaults. The chunk token floor and compile try cap are
// enforced in ApplyDefaults and again at job creation for caller overrides.
const (
	DefaultTargetLanguage     = "中文"
	DefaultModel              = "gpt-4o-mini"
	DefaultConcurrency        = 2
	MaxConcurrency            = 8
	DefaultChunkMaxTokens     = 1024
	MinChunkMaxTokens         = 256
	DefaultMaxChunks          = 600
	DefaultMaxCompileTries    = 4
	MaxCompileTries           = 6
	DefaultRepairBaseWindow   = 10
	DefaultCompileTimeoutSec  = 180
	DefaultDownloadTimeoutSec = 60
	DefaultLLMTimeoutSec      = 120
)

// ApplyDefaults fills unset fields with service defaults and clamps values
// into their allowed ranges.
func (c *Config) ApplyDefaults() {
	if c.Data.BaseDir == "" {
		c.Data.BaseDir = "data/arxiv-translate"
	}
	if c.Data.StaticPrefix == "" {
		c.Data.StaticPrefix = "/files/arxiv-translate"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = DefaultModel
	}
	if c.Translate.TargetLanguage == "" {
		c.Translate.TargetLanguage = DefaultTargetLanguage
	}
	if c.Translate.Concurrency <= 0 {
		c.Translate.Concurrency = DefaultConcurrency
	}
	if c.Translate.Concurrency > MaxConcurrency {
		c.Translate.Concurrency = MaxConcurrency
	}
	if c.Translate.ChunkMaxTokens < MinChunkMaxTokens {
		c.Translate.ChunkMaxTokens = DefaultChunkMaxTokens
	}
	if c.Translate.MaxChunks <= 0 {
		c.Translate.MaxChunks = DefaultMaxChunks
	}
	if c.Translate.LLMTimeoutSec <= 0 {
		c.Translate.LLMTimeoutSec = DefaultLLMTimeoutSec
	}
	if c.Compile.MaxTries <= 0 {
		c.Compile.MaxTries = DefaultMaxCompileTries
	}
	if c.Compile.MaxTries > MaxCompileTries {
		c.Compile.MaxTries = MaxCompileTries
	}
	if c.Compile.TimeoutSec <= 0 {
		c.Compile.TimeoutSec = DefaultCompileTimeoutSec
	}
	if c.Compile.RepairBaseWindow <= 0 {
		c.Compile.RepairBaseWindow = DefaultRepairBaseWindow
	}
	if c.Compile.DownloadTimeoutSec <= 0 {
		c.Compile.DownloadTimeoutSec = DefaultDownloadTimeoutSec
	}
}

// LLMTimeout returns the configured model call timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.Translate.LLMTimeoutSec) * time.Second
}

// CompileTimeout returns the configured per-invocation compiler timeout.
func (c *Config) CompileTimeout() time.Duration {
	return time.Duration(c.Compile.TimeoutSec) * time.Second
}

// DownloadTimeout returns the configured source download timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Compile.DownloadTimeoutSec) * time.Second
}

// Load reads configuration from path. Environment variables prefixed with
// ARXIV_TRANSLATE override file values (dots become underscores, e.g.
// ARXIV_TRANSLATE_OPENAI_API_KEY).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ARXIV_TRANSLATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, types.NewAppError(types.ErrConfig, "failed to read config file", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.NewAppError(types.ErrConfig, "failed to parse config file", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
