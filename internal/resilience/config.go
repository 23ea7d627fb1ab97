package resilience

import (
	"time"
)

// RetrySettings mirrors the retry section of the application config.
type RetrySettings struct {
	MaxAttempts      int
	InitialBackoffMs int
	MaxBackoffMs     int
	Multiplier       float64
	JitterFraction   float64
}

// BreakerSettings mirrors the circuit breaker section of the application config.
type BreakerSettings struct {
	FailureThreshold int
	ResetTimeoutSecs int
}

// FromRetrySettings converts config values to a RetryConfig, keeping
// defaults for zero values.
func FromRetrySettings(s RetrySettings) RetryConfig {
	cfg := DefaultRetryConfig()
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(s.InitialBackoffMs) * time.Millisecond
	}
	if s.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(s.MaxBackoffMs) * time.Millisecond
	}
	if s.Multiplier > 0 {
		cfg.Multiplier = s.Multiplier
	}
	if s.JitterFraction >= 0 {
		cfg.JitterFraction = s.JitterFraction
	}
	return cfg
}

// FromBreakerSettings converts config values to a CircuitBreakerConfig.
func FromBreakerSettings(s BreakerSettings) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = s.FailureThreshold
	}
	if s.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(s.ResetTimeoutSecs) * time.Second
	}
	return cfg
}
