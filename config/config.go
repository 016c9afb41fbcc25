package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config represents the spindle configuration. MaxFileSize is the largest
// file the tools will read, in bytes; OTLPEndpoint is the optional
// OpenTelemetry collector address.
type Config struct {
	Model              string `json:"model"`
	APIKey             string `json:"api_key"`
	BaseURL            string `json:"base_url"`
	Mode               string `json:"mode"`
	EnableShell        bool   `json:"enable_shell"`
	EnableCheckpoints  bool   `json:"enable_checkpoints"`
	MaxFileSize        int64  `json:"max_file_size"`
	MaxAPIRetries      int    `json:"max_api_retries"`
	CommandTimeoutSecs int    `json:"command_timeout_secs"`
	OTLPEndpoint       string `json:"otlp_endpoint,omitempty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Model:              "openai:gpt-4o",
		Mode:               "code",
		EnableShell:        false,
		EnableCheckpoints:  true,
		MaxFileSize:        500 * 1024, // 500 KB default
		MaxAPIRetries:      3,
		CommandTimeoutSecs: 120,
	}
}

// LoadConfig loads configuration from global and local sources
func LoadConfig(workspacePath string) (*Config, error) {
	// Start with default config
	cfg := DefaultConfig()

	// Load global config
	globalCfg, err := loadGlobalConfig()
	if err == nil {
		mergeCfg(cfg, globalCfg)
	}

	// Load local config (takes precedence)
	localCfg, err := loadLocalConfig(workspacePath)
	if err == nil {
		mergeCfg(cfg, localCfg)
	}

	return cfg, nil
}

// Keys lists every configuration key addressable through Get and Set, in
// display order
func Keys() []string {
	return []string{
		"model",
		"api_key",
		"base_url",
		"mode",
		"enable_shell",
		"enable_checkpoints",
		"max_file_size",
		"max_api_retries",
		"command_timeout_secs",
		"otlp_endpoint",
	}
}

// Get retrieves a configuration value by key
func (c *Config) Get(key string) (interface{}, error) {
	switch key {
	case "model":
		return c.Model, nil
	case "api_key":
		return c.APIKey, nil
	case "base_url":
		return c.BaseURL, nil
	case "mode":
		return c.Mode, nil
	case "enable_shell":
		return c.EnableShell, nil
	case "enable_checkpoints":
		return c.EnableCheckpoints, nil
	case "max_file_size":
		return c.MaxFileSize, nil
	case "max_api_retries":
		return c.MaxAPIRetries, nil
	case "command_timeout_secs":
		return c.CommandTimeoutSecs, nil
	case "otlp_endpoint":
		return c.OTLPEndpoint, nil
	default:
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
}

// Set updates a configuration value by key
func (c *Config) Set(key string, value interface{}) error {
	// Convert value to string (CLI input is always string)
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string value for %s", key)
	}

	switch key {
	case "model":
		c.Model = str
		return nil
	case "api_key":
		c.APIKey = str
		return nil
	case "base_url":
		c.BaseURL = str
		return nil
	case "mode":
		c.Mode = str
		return nil
	case "enable_shell", "enable_checkpoints":
		var b bool
		switch str {
		case "true":
			b = true
		case "false":
			b = false
		default:
			return fmt.Errorf("expected 'true' or 'false' for %s, got: %s", key, str)
		}
		if key == "enable_shell" {
			c.EnableShell = b
		} else {
			c.EnableCheckpoints = b
		}
		return nil
	case "max_file_size":
		val, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return fmt.Errorf("expected numeric value for max_file_size, got: %s", str)
		}
		c.MaxFileSize = val
		return nil
	case "max_api_retries":
		val, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("expected numeric value for max_api_retries, got: %s", str)
		}
		c.MaxAPIRetries = val
		return nil
	case "command_timeout_secs":
		val, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("expected numeric value for command_timeout_secs, got: %s", str)
		}
		c.CommandTimeoutSecs = val
		return nil
	case "otlp_endpoint":
		c.OTLPEndpoint = str
		return nil
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
}

// fileConfig mirrors Config with optional booleans so a config file that
// omits a flag does not clobber the default
type fileConfig struct {
	Model              string `json:"model"`
	APIKey             string `json:"api_key"`
	BaseURL            string `json:"base_url"`
	Mode               string `json:"mode"`
	EnableShell        *bool  `json:"enable_shell"`
	EnableCheckpoints  *bool  `json:"enable_checkpoints"`
	MaxFileSize        int64  `json:"max_file_size"`
	MaxAPIRetries      int    `json:"max_api_retries"`
	CommandTimeoutSecs int    `json:"command_timeout_secs"`
	OTLPEndpoint       string `json:"otlp_endpoint"`
}

// loadGlobalConfig loads configuration from ~/.spindle/config.json
func loadGlobalConfig() (*fileConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(homeDir, ".spindle", "config.json")
	return loadConfigFromFile(configPath)
}

// loadLocalConfig loads configuration from <workspace>/.spindle/config.json
func loadLocalConfig(workspacePath string) (*fileConfig, error) {
	configPath := filepath.Join(workspacePath, ".spindle", "config.json")
	return loadConfigFromFile(configPath)
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(configPath string) (*fileConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var cfg fileConfig
	err = json.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveLocalConfig saves configuration to <workspace>/.spindle/config.json
func SaveLocalConfig(workspacePath string, cfg *Config) error {
	configDir := filepath.Join(workspacePath, ".spindle")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.json"), data, 0644)
}

// mergeCfg merges source config into destination config
func mergeCfg(dst *Config, src *fileConfig) {
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Mode != "" {
		dst.Mode = src.Mode
	}
	if src.MaxFileSize > 0 {
		dst.MaxFileSize = src.MaxFileSize
	}
	if src.MaxAPIRetries > 0 {
		dst.MaxAPIRetries = src.MaxAPIRetries
	}
	if src.CommandTimeoutSecs > 0 {
		dst.CommandTimeoutSecs = src.CommandTimeoutSecs
	}
	if src.OTLPEndpoint != "" {
		dst.OTLPEndpoint = src.OTLPEndpoint
	}
	if src.EnableShell != nil {
		dst.EnableShell = *src.EnableShell
	}
	if src.EnableCheckpoints != nil {
		dst.EnableCheckpoints = *src.EnableCheckpoints
	}
}
