package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Rate-limiter behavior on transient-store outage. FailModeOpen admits
// traffic; FailModeClosed rejects it. Identity-store outages are always hard
// failures regardless of this setting.
const (
	FailModeOpen   = "open"
	FailModeClosed = "closed"
)

// Config holds the application configuration.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	Port          string

	AccessTokenSecret  string
	RefreshTokenSecret string
	OTPSalt            string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	OTPCodeTTL        time.Duration
	OTPCooldown       time.Duration
	OTPMaxAttempts    int
	OTPRequestWindow  time.Duration
	OTPRequestMax     int
	RateLimitFailMode string

	DevMode bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              "8080",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		OTPCodeTTL:        120 * time.Second,
		OTPCooldown:       60 * time.Second,
		OTPMaxAttempts:    5,
		OTPRequestWindow:  time.Hour,
		OTPRequestMax:     10,
		RateLimitFailMode: FailModeOpen,
	}

	for _, req := range []struct {
		name string
		dst  *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"ACCESS_TOKEN_SECRET", &cfg.AccessTokenSecret},
		{"REFRESH_TOKEN_SECRET", &cfg.RefreshTokenSecret},
		{"OTP_SALT", &cfg.OTPSalt},
	} {
		val := os.Getenv(req.name)
		if val == "" {
			return nil, fmt.Errorf("%s environment variable is required", req.name)
		}
		*req.dst = val
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	if mode := os.Getenv("RATE_LIMIT_FAIL_MODE"); mode != "" {
		if mode != FailModeOpen && mode != FailModeClosed {
			return nil, fmt.Errorf("RATE_LIMIT_FAIL_MODE must be %q or %q, got %q", FailModeOpen, FailModeClosed, mode)
		}
		cfg.RateLimitFailMode = mode
	}

	if err := overrideDuration("ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL); err != nil {
		return nil, err
	}
	if err := overrideDuration("REFRESH_TOKEN_TTL", &cfg.RefreshTokenTTL); err != nil {
		return nil, err
	}
	if err := overrideDuration("OTP_CODE_TTL", &cfg.OTPCodeTTL); err != nil {
		return nil, err
	}
	if err := overrideDuration("OTP_COOLDOWN", &cfg.OTPCooldown); err != nil {
		return nil, err
	}
	if err := overrideDuration("OTP_REQUEST_WINDOW", &cfg.OTPRequestWindow); err != nil {
		return nil, err
	}
	if err := overrideInt("OTP_MAX_ATTEMPTS", &cfg.OTPMaxAttempts); err != nil {
		return nil, err
	}
	if err := overrideInt("OTP_REQUEST_MAX", &cfg.OTPRequestMax); err != nil {
		return nil, err
	}

	return cfg, nil
}

func overrideDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s must be a positive duration, got %q", name, raw)
	}
	*dst = d
	return nil
}

func overrideInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", name, raw)
	}
	*dst = n
	return nil
}
