package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all service configuration. It is loaded once at startup and
// passed down explicitly; there is no ambient global.
type Config struct {
	ListenAddr string
	DataPath   string

	LogLevel  string
	LogFormat string

	// AdminTokenHash is the bcrypt hash of the admin API token guarding
	// cache administration endpoints. Empty disables those endpoints.
	AdminTokenHash string

	SentimentServiceURL string

	// APIRateLimit requests per APIRateWindow per client IP.
	APIRateLimit  int
	APIRateWindow time.Duration

	CacheJanitorInterval time.Duration
}

// Defaults
const (
	defaultListenAddr    = ":7600"
	defaultDataPath      = "/var/lib/hrvstr"
	defaultSentimentURL  = "http://localhost:5000"
	defaultAPIRateLimit  = 120
	defaultAPIRateWindow = time.Minute
)

// Load builds configuration from an optional .env file and HRVSTR_*
// environment variables. Environment variables win over the file.
func Load() (*Config, error) {
	// Optional .env next to the working directory, same layering the rest
	// of the deployment tooling expects.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env")
	}

	cfg := &Config{
		ListenAddr:           defaultListenAddr,
		DataPath:             defaultDataPath,
		LogLevel:             "info",
		LogFormat:            "auto",
		SentimentServiceURL:  defaultSentimentURL,
		APIRateLimit:         defaultAPIRateLimit,
		APIRateWindow:        defaultAPIRateWindow,
		CacheJanitorInterval: 5 * time.Minute,
	}

	if addr := os.Getenv("HRVSTR_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	} else if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	if dir := os.Getenv("HRVSTR_DATA_DIR"); dir != "" {
		cfg.DataPath = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if hash := os.Getenv("HRVSTR_ADMIN_TOKEN_HASH"); hash != "" {
		cfg.AdminTokenHash = hash
	}
	if u := os.Getenv("SENTIMENT_SERVICE_URL"); u != "" {
		cfg.SentimentServiceURL = u
	}
	if limit := os.Getenv("HRVSTR_API_RATE_LIMIT"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid HRVSTR_API_RATE_LIMIT %q", limit)
		}
		cfg.APIRateLimit = parsed
	}
	if window := os.Getenv("HRVSTR_API_RATE_WINDOW"); window != "" {
		parsed, err := time.ParseDuration(window)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid HRVSTR_API_RATE_WINDOW %q", window)
		}
		cfg.APIRateWindow = parsed
	}
	if interval := os.Getenv("HRVSTR_CACHE_JANITOR_INTERVAL"); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid HRVSTR_CACHE_JANITOR_INTERVAL %q", interval)
		}
		cfg.CacheJanitorInterval = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(c.DataPath) == "" {
		return fmt.Errorf("data directory is required")
	}
	if !strings.HasPrefix(c.SentimentServiceURL, "http://") && !strings.HasPrefix(c.SentimentServiceURL, "https://") {
		return fmt.Errorf("sentiment service URL must be http(s), got %q", c.SentimentServiceURL)
	}
	return nil
}
