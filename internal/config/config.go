// Package config loads the service configuration from a JSON file with
// defaults written on first run and environment-variable overrides for
// credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	AgentsDir     string `json:"agents_dir"`
	Listen        string `json:"listen"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Branding      string `json:"branding"`

	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`

	Tenant struct {
		MaxRecursionLimit int  `json:"max_recursion_limit"`
		ChainingEnabled   bool `json:"chaining_enabled"`
	} `json:"tenant"`

	Context struct {
		Strategy string `json:"strategy"`
	} `json:"context"`

	Memory struct {
		Enabled        bool   `json:"enabled"`
		AgentID        string `json:"agent_id"`
		WriteTimeoutMS int    `json:"write_timeout_ms"`
	} `json:"memory"`

	Guardrail struct {
		Endpoint    string `json:"endpoint"`
		APIKey      string `json:"api_key"`
		ObserveOnly bool   `json:"observe_only"`
	} `json:"guardrail"`

	Title struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	} `json:"title"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".chatflow"),
		Listen:        ":8080",
		LogLevel:      "info",
		MaxConcurrent: 4,
	}
	cfg.AgentsDir = filepath.Join(cfg.DataDir, "agents")
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Tenant.MaxRecursionLimit = 25
	cfg.Context.Strategy = "discard"
	cfg.Memory.WriteTimeoutMS = 3000

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if guardKey := os.Getenv("GUARDRAIL_API_KEY"); guardKey != "" {
		cfg.Guardrail.APIKey = guardKey
	}

	return cfg, nil
}

// Save writes the config atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
