package application

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	delivery "fleet-dispatch/internal/delivery/domain"
)

// Config defines delivery engine tuning.
type Config struct {
	WebhookSigningSecret string        `yaml:"webhook_signing_secret"`
	WebhookTimeout       time.Duration `yaml:"webhook_timeout"`
	WebhookMaxRetries    int           `yaml:"webhook_max_retries"`
	WebhookInitialDelay  time.Duration `yaml:"webhook_initial_delay"`
	WebhookMaxDelay      time.Duration `yaml:"webhook_max_delay"`
	PushMaxAttempts      int           `yaml:"push_max_attempts"`
	PushBaseDelay        time.Duration `yaml:"push_base_delay"`
	PushMaxDelay         time.Duration `yaml:"push_max_delay"`
	MessageTTL           time.Duration `yaml:"message_ttl"`
}

// LoadConfig loads delivery config from yaml (DELIVERY_CONFIG) or env, with
// documented defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
		WebhookTimeout:       30 * time.Second,
		WebhookMaxRetries:    3,
		WebhookInitialDelay:  time.Second,
		WebhookMaxDelay:      30 * time.Second,
		PushMaxAttempts:      3,
		PushBaseDelay:        time.Second,
		PushMaxDelay:         5 * time.Minute,
		MessageTTL:           24 * time.Hour,
	}

	if path := os.Getenv("DELIVERY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.WebhookMaxRetries = getenvIntDefault("WEBHOOK_MAX_RETRIES", cfg.WebhookMaxRetries)
	cfg.PushMaxAttempts = getenvIntDefault("PUSH_MAX_ATTEMPTS", cfg.PushMaxAttempts)
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 30 * time.Second
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 24 * time.Hour
	}
	return cfg, nil
}

// WebhookRetryPolicy returns the webhook retry policy.
func (c Config) WebhookRetryPolicy() delivery.RetryPolicy {
	return delivery.RetryPolicy{
		MaxAttempts: c.WebhookMaxRetries,
		BaseDelay:   c.WebhookInitialDelay,
		MaxDelay:    c.WebhookMaxDelay,
	}
}

// PushRetryPolicy returns the push retry policy.
func (c Config) PushRetryPolicy() delivery.RetryPolicy {
	return delivery.RetryPolicy{
		MaxAttempts: c.PushMaxAttempts,
		BaseDelay:   c.PushBaseDelay,
		MaxDelay:    c.PushMaxDelay,
	}
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
