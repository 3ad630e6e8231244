package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"branchflow/backend/internal/model"
)

// Storage drivers accepted in STORAGE_DRIVER.
const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

type Config struct {
	AppPort         int           `mapstructure:"APP_PORT"`
	DatabasePath    string        `mapstructure:"DATABASE_PATH"`
	StorageDriver   string        `mapstructure:"STORAGE_DRIVER"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	OllamaURL       string        `mapstructure:"OLLAMA_URL"`
	OpenAIAPIKey    string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `mapstructure:"OPENAI_BASE_URL"`
	ProvidersFile   string        `mapstructure:"PROVIDERS_FILE"`
	SystemPrompt    string        `mapstructure:"SYSTEM_PROMPT"`
	TitleProvider   string        `mapstructure:"TITLE_PROVIDER"`
	TitleModel      string        `mapstructure:"TITLE_MODEL"`
	FilesDir        string        `mapstructure:"FILES_DIR"`
	LocalWorkers    int           `mapstructure:"LOCAL_WORKERS"`
	LocalTokenDelay time.Duration `mapstructure:"LOCAL_TOKEN_DELAY"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("APP_PORT", 8000)
	viper.SetDefault("DATABASE_PATH", "/data/branchflow.db")
	viper.SetDefault("STORAGE_DRIVER", StorageSQLite)
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("OLLAMA_URL", "http://ollama:11434")
	viper.SetDefault("OPENAI_API_KEY", "")
	viper.SetDefault("OPENAI_BASE_URL", "")
	viper.SetDefault("PROVIDERS_FILE", "")
	viper.SetDefault("SYSTEM_PROMPT", "You are a helpful assistant.")
	viper.SetDefault("TITLE_PROVIDER", "")
	viper.SetDefault("TITLE_MODEL", "")
	viper.SetDefault("FILES_DIR", "/data/files")
	viper.SetDefault("LOCAL_WORKERS", 2)
	viper.SetDefault("LOCAL_TOKEN_DELAY", "0s")
	viper.SetDefault("LOG_LEVEL", "INFO")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./backend")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch cfg.StorageDriver {
	case StorageSQLite, StorageRedis:
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	return &cfg, nil
}

// ProviderEntry declares one backend in the providers file.
type ProviderEntry struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	URL    string `yaml:"url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
}

// ProvidersFile is the YAML document named by PROVIDERS_FILE.
type ProvidersFile struct {
	Providers  []ProviderEntry   `yaml:"providers"`
	OptionSets []model.OptionSet `yaml:"option_sets"`
}

// LoadProviders reads a providers file. ${VAR} references in urls and keys
// are expanded from the environment.
func LoadProviders(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read providers file: %w", err)
	}

	var pf ProvidersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("could not parse providers file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range pf.Providers {
		p := &pf.Providers[i]
		if p.Name == "" || p.Kind == "" {
			return nil, fmt.Errorf("provider #%d needs a name and a kind", i+1)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("provider %q is declared twice", p.Name)
		}
		seen[p.Name] = true
		p.URL = os.ExpandEnv(p.URL)
		p.APIKey = os.ExpandEnv(p.APIKey)
	}
	for _, set := range pf.OptionSets {
		if !seen[set.Provider] {
			return nil, fmt.Errorf("option set %q refers to unknown provider %q", set.Name, set.Provider)
		}
	}
	return &pf, nil
}

// Providers returns the registry to build: the providers file when one is
// configured, otherwise the backends implied by the environment. The
// in-process "local" backend is always present.
func (c *Config) Providers() (*ProvidersFile, error) {
	var pf *ProvidersFile
	if c.ProvidersFile != "" {
		loaded, err := LoadProviders(c.ProvidersFile)
		if err != nil {
			return nil, err
		}
		pf = loaded
	} else {
		pf = &ProvidersFile{}
		if c.OllamaURL != "" {
			pf.Providers = append(pf.Providers, ProviderEntry{Name: "ollama", Kind: "ollama", URL: c.OllamaURL})
		}
		if c.OpenAIAPIKey != "" {
			entry := ProviderEntry{Name: "openai", Kind: "openai", APIKey: c.OpenAIAPIKey}
			if c.OpenAIBaseURL != "" {
				entry.Kind = "openai-compatible"
				entry.URL = c.OpenAIBaseURL
			}
			pf.Providers = append(pf.Providers, entry)
		}
	}

	for _, p := range pf.Providers {
		if p.Kind == "local" {
			return pf, nil
		}
	}
	pf.Providers = append(pf.Providers, ProviderEntry{Name: "local", Kind: "local"})
	return pf, nil
}
