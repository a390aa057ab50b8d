package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. A maxRetries
// budget of N yields N+1 total attempts.
func FromRetryConfig(maxRetries, initialBackoffMs int, multiplier float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxAttempts = maxRetries + 1
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, recoveryTimeoutMs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if recoveryTimeoutMs > 0 {
		cfg.RecoveryTimeout = time.Duration(recoveryTimeoutMs) * time.Millisecond
	}
	return cfg
}
