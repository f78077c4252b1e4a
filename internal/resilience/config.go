package resilience

import (
	"time"

	"github.com/sells-group/clearwater/internal/config"
)

// FromRetryConfig converts the retry config section to a RetryConfig.
// attemptTimeout bounds each individual call.
func FromRetryConfig(c config.RetryConfig, attemptTimeout time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	cfg.AttemptTimeout = attemptTimeout
	return cfg
}

// FromCircuitConfig converts the circuit config section to a CircuitBreakerConfig.
func FromCircuitConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}
