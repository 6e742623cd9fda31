// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/prakriti/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DBPath        string
	TranscriptKey string
	Token         string       // overrides the stored token when set
	Dosha         domain.Dosha // quiz result shown in the greeting, never stored
	LogLevel      slog.Level
	Chat          ChatConfig
}

// ChatConfig controls the backend connection and reply handling.
type ChatConfig struct {
	URL          string
	TokenParam   string
	ReplyTimeout time.Duration
	DialTimeout  time.Duration
	ReadLimit    int64
	LegacyWire   bool // speak the prakriti-* message names
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/prakriti.db"),
		TranscriptKey: getEnv("TRANSCRIPT_KEY", "prakriti_chat"),
		Token:         getEnv("PRAKRITI_TOKEN", ""),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Chat: ChatConfig{
			URL:          getEnv("PRAKRITI_WS_URL", "ws://localhost:5000/"),
			TokenParam:   getEnv("PRAKRITI_WS_TOKEN_PARAM", "token"),
			ReplyTimeout: getEnvDuration("REPLY_TIMEOUT", 20*time.Second),
			DialTimeout:  getEnvDuration("DIAL_TIMEOUT", 10*time.Second),
			ReadLimit:    int64(getEnvInt("READ_LIMIT", 1<<20)),
			LegacyWire:   getEnvBool("LEGACY_WIRE", false),
		},
	}

	if raw := getEnv("PRAKRITI_DOSHA", ""); raw != "" {
		d, err := domain.ParseDosha(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: PRAKRITI_DOSHA: %w", err)
		}
		cfg.Dosha = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.TranscriptKey == "" {
		return fmt.Errorf("TRANSCRIPT_KEY cannot be empty")
	}
	u, err := url.Parse(c.Chat.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("PRAKRITI_WS_URL must be an absolute URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("PRAKRITI_WS_URL must use ws or wss, got %q", u.Scheme)
	}
	if c.Chat.TokenParam == "" {
		return fmt.Errorf("PRAKRITI_WS_TOKEN_PARAM cannot be empty")
	}
	if c.Chat.ReplyTimeout <= 0 {
		return fmt.Errorf("REPLY_TIMEOUT must be > 0")
	}
	if c.Chat.DialTimeout <= 0 {
		return fmt.Errorf("DIAL_TIMEOUT must be > 0")
	}
	if c.Chat.ReadLimit <= 0 {
		return fmt.Errorf("READ_LIMIT must be > 0")
	}
	if c.Dosha != "" {
		if _, err := domain.ParseDosha(string(c.Dosha)); err != nil {
			return fmt.Errorf("PRAKRITI_DOSHA: %w", err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the host API.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
