package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type AppConfig struct {
	RedisURL    string
	DatabaseURL string

	UserID      string
	DisplayName string

	GatewayAddr string

	DefaultTimeControlMinutes int
	DefaultMatchType          string

	MessageOverrideDir string

	PresenceLeaseSeconds int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DefaultTimeControlMinutes: 5,
		DefaultMatchType:          "casual",
		PresenceLeaseSeconds:      30,
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.UserID = strings.TrimSpace(os.Getenv("USER_ID"))
	cfg.DisplayName = strings.TrimSpace(os.Getenv("DISPLAY_NAME"))
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}

	cfg.GatewayAddr = strings.TrimSpace(os.Getenv("GATEWAY_ADDR"))
	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("MESSAGE_DIR"))

	if v := strings.TrimSpace(os.Getenv("DEFAULT_TIME_CONTROL_MINUTES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultTimeControlMinutes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_MATCH_TYPE")); v != "" {
		cfg.DefaultMatchType = v
	}
	if v := strings.TrimSpace(os.Getenv("PRESENCE_LEASE_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PresenceLeaseSeconds = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("USER_ID is required")
	}

	return cfg, nil
}
