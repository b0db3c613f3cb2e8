// Package daemon wires together the gateway's long-lived process: load
// configuration, open the model-file cache index, build the runtime
// adapter and pool, and serve the HTTP API until shutdown.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/runlocal/infergate/internal/domain"
)

// Config holds the gateway's configuration: concurrency,
// modelsDir, the named model table, and logging/API knobs carried as
// ambient plumbing.
type Config struct {
	Concurrency int                    `toml:"concurrency"`
	ModelsDir   string                 `toml:"models_dir"`
	Models      map[string]ModelConfig `toml:"models"`
	API         APIConfig              `toml:"api"`
	Logging     LoggingConfig          `toml:"logging"`
	Metrics     MetricsConfig          `toml:"metrics"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig controls the zerolog root logger (internal/logging).
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// EngineOptionsConfig is the TOML-friendly mirror of domain.EngineOptions.
type EngineOptionsConfig struct {
	GPUMode    string `toml:"gpu_mode"`
	GPULayers  int    `toml:"gpu_layers"`
	CPUThreads int    `toml:"cpu_threads"`
	BatchSize  int    `toml:"batch_size"`
	MemLock    bool   `toml:"mem_lock"`
}

// FunctionConfig declares a function a model may invoke. Config can
// only describe the caller-facing shape — description and JSON-schema
// parameters. A Handler, if any, is wired in Go code after LoadConfig
// by whatever embeds the daemon; functions without one are surfaced to
// the API caller for resolution.
type FunctionConfig struct {
	Description string         `toml:"description"`
	Parameters  map[string]any `toml:"parameters"`
}

// PreloadConfig is the TOML-friendly mirror of domain.Preload. Exactly
// one of Messages or Prefix should be set; Messages wins if both are.
type PreloadConfig struct {
	Messages []PreloadMessage `toml:"messages"`
	Prefix   string           `toml:"prefix"`
}

// PreloadMessage is one seed message in a PreloadConfig.
type PreloadMessage struct {
	Role    string `toml:"role"`
	Content string `toml:"content"`
}

// SamplingConfig is the TOML-friendly mirror of domain.SamplingDefaults.
type SamplingConfig struct {
	Temperature      float32 `toml:"temperature"`
	TopP             float32 `toml:"top_p"`
	TopK             int     `toml:"top_k"`
	MinP             float32 `toml:"min_p"`
	MaxTokens        int     `toml:"max_tokens"`
	RepeatLastTokens int     `toml:"repeat_last_tokens"`
	FrequencyPenalty float32 `toml:"frequency_penalty"`
	PresencePenalty  float32 `toml:"presence_penalty"`
}

// ModelConfig is the TOML-decoded shape of one [models.<name>] table,
// converted to domain.ModelConfig by ToDomain once the file path is
// resolved.
type ModelConfig struct {
	File               string                    `toml:"file"`
	URL                string                    `toml:"url"`
	ContextSize        int                       `toml:"context_size"`
	EngineOptions      EngineOptionsConfig       `toml:"engine_options"`
	Grammars           map[string]string         `toml:"grammars"`
	Functions          map[string]FunctionConfig `toml:"functions"`
	Preload            *PreloadConfig            `toml:"preload"`
	CompletionDefaults SamplingConfig            `toml:"completion_defaults"`
}

// ToDomain converts one TOML-decoded model table to the immutable
// domain.ModelConfig the pool consumes. modelsDir resolves a relative
// File against the configured models directory.
func (m ModelConfig) ToDomain(name, modelsDir string) domain.ModelConfig {
	file := m.File
	if file == "" {
		file = filepath.Join(modelsDir, name+".gguf")
	} else if !filepath.IsAbs(file) {
		file = filepath.Join(modelsDir, file)
	}

	functions := make(map[string]domain.FunctionDef, len(m.Functions))
	for fname, fc := range m.Functions {
		functions[fname] = domain.FunctionDef{
			Description: fc.Description,
			Parameters:  fc.Parameters,
		}
	}

	var preload *domain.Preload
	if m.Preload != nil {
		switch {
		case len(m.Preload.Messages) > 0:
			msgs := make([]domain.ChatMessage, len(m.Preload.Messages))
			for i, pm := range m.Preload.Messages {
				msgs[i] = domain.ChatMessage{Role: domain.Role(pm.Role), Content: pm.Content}
			}
			preload = &domain.Preload{Kind: domain.PreloadMessages, Messages: msgs}
		case m.Preload.Prefix != "":
			preload = &domain.Preload{Kind: domain.PreloadPrefix, Prefix: m.Preload.Prefix}
		}
	}

	return domain.ModelConfig{
		Name:        name,
		File:        file,
		URL:         m.URL,
		ContextSize: m.ContextSize,
		EngineOptions: domain.EngineOptions{
			GPUMode:    domain.GPUMode(coalesceStr(m.EngineOptions.GPUMode, string(domain.GPUAuto))),
			GPULayers:  m.EngineOptions.GPULayers,
			CPUThreads: m.EngineOptions.CPUThreads,
			BatchSize:  m.EngineOptions.BatchSize,
			MemLock:    m.EngineOptions.MemLock,
		},
		Grammars:  m.Grammars,
		Functions: functions,
		Preload:   preload,
		CompletionDefaults: domain.SamplingDefaults{
			Temperature:      m.CompletionDefaults.Temperature,
			TopP:             m.CompletionDefaults.TopP,
			TopK:             m.CompletionDefaults.TopK,
			MinP:             m.CompletionDefaults.MinP,
			MaxTokens:        m.CompletionDefaults.MaxTokens,
			RepeatLastTokens: m.CompletionDefaults.RepeatLastTokens,
			FrequencyPenalty: m.CompletionDefaults.FrequencyPenalty,
			PresencePenalty:  m.CompletionDefaults.PresencePenalty,
		},
	}
}

func coalesceStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// DefaultConfig returns a sensible default configuration: no models
// configured (the operator's config.toml names them), a concurrency
// cap of 2 warm instances, and an on-disk models directory under the
// gateway's home.
func DefaultConfig() Config {
	home := gatewayHome()
	return Config{
		Concurrency: 2,
		ModelsDir:   filepath.Join(home, "models"),
		Models:      map[string]ModelConfig{},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11434,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// LoadConfig reads config from gatewayHome/config.toml, falling back to
// defaults when the file does not exist.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(gatewayHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = filepath.Join(gatewayHome(), "models")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return cfg, nil
}

// SaveConfig writes cfg to gatewayHome/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(gatewayHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// gatewayHome returns the gateway's data directory.
func gatewayHome() string {
	if env := os.Getenv("INFERGATE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".infergate")
}

// GatewayHome is exported for use by other packages (CLI, runtime
// bootstrap).
func GatewayHome() string { return gatewayHome() }
