package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	GoogleAPIKey     string
	DeepSeekAPIKey   string
	OpenRouterAPIKey string
	OpenRouterModels []string

	LogLevel     string
	CatalogPath  string
	ProfilesPath string
	AliasesPath  string
	LedgerPath   string
	KeyDir       string
	// SigningKey names the key in KeyDir used to sign evidence manifests.
	// Empty leaves manifests unsigned.
	SigningKey string

	Engine    EngineConfig
	ConfigDir string
}

// FileConfig represents the structure of ~/.quorum/config.yaml
type FileConfig struct {
	APIKeys          APIKeysConfig `yaml:"api_keys"`
	OpenRouterModels []string      `yaml:"openrouter_models,omitempty"`
	LogLevel         string        `yaml:"log_level,omitempty"`
	Catalog          string        `yaml:"catalog,omitempty"`
	Profiles         string        `yaml:"profiles,omitempty"`
	Aliases          string        `yaml:"aliases,omitempty"`
	Ledger           string        `yaml:"ledger,omitempty"`
	KeyDir           string        `yaml:"key_dir,omitempty"`
	SigningKey       string        `yaml:"signing_key,omitempty"`
	Engine           EngineConfig  `yaml:"engine"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic  string `yaml:"anthropic"`
	OpenAI     string `yaml:"openai"`
	Google     string `yaml:"google"`
	DeepSeek   string `yaml:"deepseek"`
	OpenRouter string `yaml:"openrouter"`
}

// Load reads configuration from ~/.quorum and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFrom(configDir)
}

// LoadFrom reads configuration from config.yaml in configDir. A missing file
// yields defaults; a malformed one is an error.
func LoadFrom(configDir string) (*Config, error) {
	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AnthropicAPIKey:  getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:     getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:     getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
		DeepSeekAPIKey:   getEnvOrDefault("DEEPSEEK_API_KEY", fileConfig.APIKeys.DeepSeek),
		OpenRouterAPIKey: getEnvOrDefault("OPENROUTER_API_KEY", fileConfig.APIKeys.OpenRouter),
		OpenRouterModels: fileConfig.OpenRouterModels,
		LogLevel:         strings.ToLower(getEnvOrDefault("QUORUM_LOG_LEVEL", fileConfig.LogLevel)),
		CatalogPath:      resolvePath(configDir, fileConfig.Catalog, "catalog.yaml"),
		ProfilesPath:     resolvePath(configDir, fileConfig.Profiles, "profiles.yaml"),
		AliasesPath:      resolvePath(configDir, fileConfig.Aliases, "models.yaml"),
		LedgerPath:       resolvePath(configDir, fileConfig.Ledger, "usage.db"),
		KeyDir:           resolvePath(configDir, fileConfig.KeyDir, "keys"),
		SigningKey:       getEnvOrDefault("QUORUM_SIGNING_KEY", fileConfig.SigningKey),
		Engine:           fileConfig.Engine,
		ConfigDir:        configDir,
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	applyEngineDefaults(&cfg.Engine)

	return cfg, nil
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "openrouter":
		return c.OpenRouterAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// resolvePath anchors relative file settings in the config directory.
func resolvePath(configDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if strings.HasPrefix(value, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, value[2:])
		}
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(configDir, value)
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	if dir := os.Getenv("QUORUM_HOME"); dir != "" {
		return dir, os.MkdirAll(dir, 0755)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".quorum")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
