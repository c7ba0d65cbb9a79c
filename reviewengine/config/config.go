// Package config loads the review engine's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	PromptDir   string `toml:"prompt_dir"`
	TemplateDir string `toml:"template_dir"`
}

// LLM contains LLM connection settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Review contains workflow tuning knobs.
type Review struct {
	DefaultTemplateID string `toml:"default_template_id"`
	MaxSectionWords   int    `toml:"max_section_words"`
}

// Tracing contains OpenTelemetry export settings.
type Tracing struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// Config is the full engine configuration.
type Config struct {
	Paths   Paths   `toml:"paths"`
	LLM     LLM     `toml:"llm"`
	Review  Review  `toml:"review"`
	Tracing Tracing `toml:"tracing"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Paths: Paths{
			DataDir:     "data/documents",
			PromptDir:   "prompts",
			TemplateDir: "templates",
		},
		LLM: LLM{
			TimeoutSeconds: 120,
		},
		Review: Review{
			DefaultTemplateID: "policy_template",
			MaxSectionWords:   500,
		},
		Tracing: Tracing{
			ServiceName: "docreview",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants a run cannot recover from.
func (c *Config) Validate() error {
	var problems []error
	if c.Paths.DataDir == "" {
		problems = append(problems, errors.New("paths.data_dir must not be empty"))
	}
	if c.Paths.PromptDir == "" {
		problems = append(problems, errors.New("paths.prompt_dir must not be empty"))
	}
	if c.LLM.TimeoutSeconds < 0 {
		problems = append(problems, errors.New("llm.timeout_seconds must not be negative"))
	}
	if c.Review.MaxSectionWords <= 0 {
		problems = append(problems, errors.New("review.max_section_words must be positive"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		problems = append(problems, errors.New("tracing.endpoint required when tracing is enabled"))
	}
	return errors.Join(problems...)
}
