// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Provider ProviderConfig
	Limits   LimitsConfig
	Chat     ChatConfig
	Log      LogConfig

	// APIToken is the bearer token required on management endpoints.
	APIToken string `env:"PARLEY_API_TOKEN"`
}

type ServerConfig struct {
	Bind string `env:"PARLEY_BIND" envDefault:"127.0.0.1"`
	Port int    `env:"PARLEY_PORT" envDefault:"4200"`
}

type StorageConfig struct {
	DataDir string `env:"PARLEY_DATA_DIR"`
}

type ProviderConfig struct {
	APIKey       string `env:"PARLEY_PROVIDER_API_KEY"`
	BaseURL      string `env:"PARLEY_PROVIDER_BASE_URL"`
	DefaultModel string `env:"PARLEY_DEFAULT_MODEL" envDefault:"anthropic/claude-opus-4"`

	// OpenRouter attribution headers (optional).
	Referer string `env:"PARLEY_PROVIDER_REFERER"`
	Title   string `env:"PARLEY_PROVIDER_TITLE"`

	// Prices in currency units per million tokens; zero disables cost
	// accounting.
	PromptPricePerMTok     float64 `env:"PARLEY_PROMPT_PRICE_PER_MTOK"`
	CompletionPricePerMTok float64 `env:"PARLEY_COMPLETION_PRICE_PER_MTOK"`
}

type LimitsConfig struct {
	PerMinute int `env:"PARLEY_LIMIT_PER_MINUTE" envDefault:"20"`
	PerHour   int `env:"PARLEY_LIMIT_PER_HOUR" envDefault:"100"`
	PerDay    int `env:"PARLEY_LIMIT_PER_DAY" envDefault:"500"`
}

type ChatConfig struct {
	HistoryDepth        int           `env:"PARLEY_HISTORY_DEPTH" envDefault:"100"`
	GenerationTimeout   time.Duration `env:"PARLEY_GENERATION_TIMEOUT" envDefault:"300s"`
	StaleClaimThreshold time.Duration `env:"PARLEY_STALE_CLAIM_THRESHOLD" envDefault:"10m"`
	SystemPrompt        string        `env:"PARLEY_SYSTEM_PROMPT"`
}

type LogConfig struct {
	Level string `env:"PARLEY_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory applied first. PARLEY_PROVIDER_API_KEY and
// PARLEY_API_TOKEN are required.
func Load() (Config, error) {
	// A missing .env file is fine; environment variables alone suffice.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}

	if cfg.Provider.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: provider API key. Set it via environment variable PARLEY_PROVIDER_API_KEY")
	}
	if cfg.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API bearer token. Set it via environment variable PARLEY_API_TOKEN")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}
