package upload

import (
	"fmt"
	"time"
)

// RetryConfig defines delivery retry mechanics
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate"` // Exponential backoff multiplier
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		RetryDelay:  2 * time.Second,
		BackoffRate: 2.0,
	}
}

// ValidateRetryConfig validates retry configuration values
func ValidateRetryConfig(config RetryConfig) error {
	if config.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", config.MaxRetries)
	}
	if config.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative: %v", config.RetryDelay)
	}
	if config.BackoffRate <= 0 {
		return fmt.Errorf("backoff_rate must be positive: %f", config.BackoffRate)
	}
	return nil
}

// delayBefore returns the wait before the given retry (1 = first retry)
func (c RetryConfig) delayBefore(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	backoffMultiplier := 1.0
	for i := 1; i < retry; i++ {
		backoffMultiplier *= c.BackoffRate
	}
	return time.Duration(float64(c.RetryDelay) * backoffMultiplier)
}
