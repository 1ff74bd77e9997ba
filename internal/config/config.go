// Package config loads service settings from an optional YAML file and
// environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loancast/fundingpolicy/internal/logger"
	"github.com/loancast/fundingpolicy/usage"
)

type Config struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DatabaseURL     string        `yaml:"database_url"`
	RedisURL        string        `yaml:"redis_url"`
	LenderCacheTTL  time.Duration `yaml:"lender_cache_ttl"`

	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Fairness holds platform-wide per-borrower caps; nil disables them
	Fairness *usage.Caps `yaml:"fairness"`
}

type LoggingConfig struct {
	Level           string `yaml:"level"`
	ErrorSampleRate int    `yaml:"error_sample_rate"`
	OTELEnabled     bool   `yaml:"otel_enabled"`
	ServiceName     string `yaml:"service_name"`
}

// RateLimitConfig bounds fund requests per lender per window
type RateLimitConfig struct {
	FundPerWindow int           `yaml:"fund_per_window"`
	Window        time.Duration `yaml:"window"`
}

type LifecycleConfig struct {
	Grace        time.Duration `yaml:"grace"`
	DefaultAfter time.Duration `yaml:"default_after"`
	Interval     time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Port:            "8080",
		ShutdownTimeout: 30 * time.Second,
		LenderCacheTTL:  30 * time.Second,
		Logging: LoggingConfig{
			Level:           "INFO",
			ErrorSampleRate: 100,
			ServiceName:     "fundingpolicy",
		},
		RateLimit: RateLimitConfig{
			FundPerWindow: 30,
			Window:        time.Minute,
		},
		Lifecycle: LifecycleConfig{
			Grace:        24 * time.Hour,
			DefaultAfter: 14 * 24 * time.Hour,
			Interval:     5 * time.Minute,
		},
	}
}

// Load reads defaults, then the YAML file at path when path is non-empty,
// then environment overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads the file named by CONFIG_FILE, if any
func FromEnv() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func (c *Config) applyEnvOverrides(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("PORT", &c.Port)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("REDIS_URL", &c.RedisURL)
	setDuration("LENDER_CACHE_TTL", &c.LenderCacheTTL)

	setString("LOG_LEVEL", &c.Logging.Level)
	setInt("ERROR_SAMPLE_RATE", &c.Logging.ErrorSampleRate)
	if v := getenv("OTEL_ENABLED"); v != "" {
		c.Logging.OTELEnabled = strings.EqualFold(v, "true")
	}
	setString("OTEL_SERVICE_NAME", &c.Logging.ServiceName)

	setInt("FUND_RATE_LIMIT", &c.RateLimit.FundPerWindow)
	setDuration("FUND_RATE_WINDOW", &c.RateLimit.Window)

	setDuration("LIFECYCLE_GRACE", &c.Lifecycle.Grace)
	setDuration("LIFECYCLE_DEFAULT_AFTER", &c.Lifecycle.DefaultAfter)
	setDuration("SWEEP_INTERVAL", &c.Lifecycle.Interval)

	if v := getenv("FAIRNESS_MAX_LOANS_PER_BORROWER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FAIRNESS_MAX_LOANS_PER_BORROWER: %w", err))
		} else {
			c.fairness().MaxLoansPerBorrowerPerDay = n
		}
	}
	if v := getenv("FAIRNESS_MAX_AMOUNT_PER_BORROWER_6"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FAIRNESS_MAX_AMOUNT_PER_BORROWER_6: %w", err))
		} else {
			c.fairness().MaxAmountPerBorrowerPerDay6 = n
		}
	}

	return errors.Join(errs...)
}

func (c *Config) fairness() *usage.Caps {
	if c.Fairness == nil {
		c.Fairness = &usage.Caps{}
	}
	return c.Fairness
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.ErrorSampleRate < 0 {
		errs = append(errs, errors.New("error_sample_rate must not be negative"))
	}
	if c.RateLimit.FundPerWindow <= 0 {
		errs = append(errs, errors.New("rate_limit.fund_per_window must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.Lifecycle.Interval <= 0 {
		errs = append(errs, errors.New("lifecycle.interval must be positive"))
	}
	if c.Lifecycle.Grace < 0 {
		errs = append(errs, errors.New("lifecycle.grace must not be negative"))
	}
	if c.Lifecycle.DefaultAfter <= c.Lifecycle.Grace {
		errs = append(errs, errors.New("lifecycle.default_after must be longer than lifecycle.grace"))
	}
	if c.Fairness != nil && c.Fairness.MaxLoansPerBorrowerPerDay < 0 {
		errs = append(errs, errors.New("fairness.max_loans_per_borrower_per_day must not be negative"))
	}
	return errors.Join(errs...)
}

// LoggerOptions maps the logging section onto logger.Setup
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:           c.Logging.Level,
		ErrorSampleRate: c.Logging.ErrorSampleRate,
		OTELEnabled:     c.Logging.OTELEnabled,
		ServiceName:     c.Logging.ServiceName,
	}
}
