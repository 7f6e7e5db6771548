package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultModel              = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens          = 2048
	DefaultTemperature        = 0.3
	DefaultExpertTimeout      = "45s"
	DefaultRouterContextTurns = 3
	DefaultMaxSessions        = 4096
	DefaultSessionIdleTTL     = "6h"
	DefaultSweepSchedule      = "@every 10m"
	DefaultHistoryTurns       = 12
	DefaultMetricsAddr        = "127.0.0.1:9464"
	DefaultLogLevel           = "info"
	DefaultBufSize            = 100
)

type Config struct {
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Model    ModelConfig    `json:"model" mapstructure:"model"`
	Analysis AnalysisConfig `json:"analysis" mapstructure:"analysis"`
	Profiles ProfilesConfig `json:"profiles" mapstructure:"profiles"`
	Limits   LimitsConfig   `json:"limits" mapstructure:"limits"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Log      LogConfig      `json:"log" mapstructure:"log"`
	Taxonomy TaxonomyConfig `json:"taxonomy" mapstructure:"taxonomy"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" mapstructure:"type"` // "anthropic" (default), "openai" or "http"
	APIKey  string `json:"apiKey" mapstructure:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" mapstructure:"baseUrl"`
}

type ModelConfig struct {
	Name            string  `json:"name" mapstructure:"name"`
	MaxTokens       int     `json:"maxTokens" mapstructure:"maxTokens"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
	ReasoningEffort string  `json:"reasoningEffort,omitempty" mapstructure:"reasoningEffort"`
}

type AnalysisConfig struct {
	ExpertTimeout      string `json:"expertTimeout" mapstructure:"expertTimeout"`
	MaxConcurrency     int    `json:"maxConcurrency,omitempty" mapstructure:"maxConcurrency"`
	RouterContextTurns int    `json:"routerContextTurns" mapstructure:"routerContextTurns"`
	Synthesis          bool   `json:"synthesis" mapstructure:"synthesis"`
}

type ProfilesConfig struct {
	MaxSessions   int    `json:"maxSessions" mapstructure:"maxSessions"`
	IdleTTL       string `json:"idleTtl" mapstructure:"idleTtl"`
	SweepSchedule string `json:"sweepSchedule" mapstructure:"sweepSchedule"`
	HistoryTurns  int    `json:"historyTurns" mapstructure:"historyTurns"`
}

type LimitsConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" mapstructure:"requestsPerSecond"`
	Burst             int     `json:"burst,omitempty" mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr,omitempty" mapstructure:"addr"`
}

type LogConfig struct {
	Level       string `json:"level" mapstructure:"level"`
	Development bool   `json:"development" mapstructure:"development"`
}

type TaxonomyConfig struct {
	Path string `json:"path,omitempty" mapstructure:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Model: ModelConfig{
			Name:        DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Analysis: AnalysisConfig{
			ExpertTimeout:      DefaultExpertTimeout,
			RouterContextTurns: DefaultRouterContextTurns,
			Synthesis:          true,
		},
		Profiles: ProfilesConfig{
			MaxSessions:   DefaultMaxSessions,
			IdleTTL:       DefaultSessionIdleTTL,
			SweepSchedule: DefaultSweepSchedule,
			HistoryTurns:  DefaultHistoryTurns,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mindmesh")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads the config file at ConfigPath (if any), applies
// environment overrides and back-fills defaults for unset values.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom is LoadConfig for an explicit path. The format is taken from
// the file extension, so config.yaml and config.toml work as well.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		v.SetConfigType(ext)
	} else {
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("MINDMESH_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if providerType := os.Getenv("MINDMESH_PROVIDER"); providerType != "" {
		cfg.Provider.Type = providerType
	}
	if url := os.Getenv("MINDMESH_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("MINDMESH_MODEL"); model != "" {
		cfg.Model.Name = model
	}
	if maxTokens := os.Getenv("MINDMESH_MAX_TOKENS"); maxTokens != "" {
		if parsed, err := strconv.Atoi(maxTokens); err == nil {
			cfg.Model.MaxTokens = parsed
		}
	}
	if timeout := os.Getenv("MINDMESH_EXPERT_TIMEOUT"); timeout != "" {
		cfg.Analysis.ExpertTimeout = timeout
	}
	if concurrency := os.Getenv("MINDMESH_MAX_CONCURRENCY"); concurrency != "" {
		if parsed, err := strconv.Atoi(concurrency); err == nil {
			cfg.Analysis.MaxConcurrency = parsed
		}
	}
	if synthesis := os.Getenv("MINDMESH_SYNTHESIS"); synthesis != "" {
		if parsed, err := strconv.ParseBool(synthesis); err == nil {
			cfg.Analysis.Synthesis = parsed
		}
	}
	if ttl := os.Getenv("MINDMESH_SESSION_IDLE_TTL"); ttl != "" {
		cfg.Profiles.IdleTTL = ttl
	}
	if rps := os.Getenv("MINDMESH_RATE_LIMIT"); rps != "" {
		if parsed, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.Limits.RequestsPerSecond = parsed
		}
	}
	if enabled := os.Getenv("MINDMESH_METRICS_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Metrics.Enabled = parsed
		}
	}
	if addr := os.Getenv("MINDMESH_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}
	if level := os.Getenv("MINDMESH_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if path := os.Getenv("MINDMESH_TAXONOMY"); path != "" {
		cfg.Taxonomy.Path = path
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModel
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = DefaultMaxTokens
	}
	if cfg.Analysis.ExpertTimeout == "" {
		cfg.Analysis.ExpertTimeout = DefaultExpertTimeout
	}
	if cfg.Analysis.RouterContextTurns <= 0 {
		cfg.Analysis.RouterContextTurns = DefaultRouterContextTurns
	}
	if cfg.Profiles.MaxSessions <= 0 {
		cfg.Profiles.MaxSessions = DefaultMaxSessions
	}
	if cfg.Profiles.IdleTTL == "" {
		cfg.Profiles.IdleTTL = DefaultSessionIdleTTL
	}
	if cfg.Profiles.SweepSchedule == "" {
		cfg.Profiles.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Profiles.HistoryTurns <= 0 {
		cfg.Profiles.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// ExpertTimeoutDuration parses Analysis.ExpertTimeout, falling back to the default.
func (c *Config) ExpertTimeoutDuration() time.Duration {
	return parseDurationOr(c.Analysis.ExpertTimeout, DefaultExpertTimeout)
}

// SessionIdleTTL parses Profiles.IdleTTL, falling back to the default.
func (c *Config) SessionIdleTTL() time.Duration {
	return parseDurationOr(c.Profiles.IdleTTL, DefaultSessionIdleTTL)
}

func parseDurationOr(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
