package engine

import "time"

// BackoffConfig holds the redrive interval constants. The executor retries
// with exponential delays (base^1, base^2, ... seconds), so the watchdog
// interval doubles the executor's worst-case retry-plus-timeout budget and
// fires strictly after the executor's own ladder would have exhausted.
type BackoffConfig struct {
	// Base of the exponential ladder. The stock deployment value is 2.
	Base int64 `yaml:"base"`
	// CeilingExponent bounds the fixed re-registration interval used when a
	// redrive finds the state still initialized. Stock value is 7.
	CeilingExponent int64 `yaml:"ceiling_exponent"`
}

// DefaultBackoffConfig preserves the original operational tuning.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 2, CeilingExponent: 7}
}

// RedriveInterval computes the watchdog delay for a state:
// 2 × (base^(retryCount+1) × 1000ms + (retryCount+1) × timeoutMs).
func (c BackoffConfig) RedriveInterval(retryCount, timeoutMillis int64) time.Duration {
	c = c.normalized()
	millis := 2 * (ipow(c.Base, retryCount+1)*1000 + (retryCount+1)*timeoutMillis)
	return time.Duration(millis) * time.Millisecond
}

// CeilingInterval computes the fixed delay (2 × base^ceilingExponent ×
// 1000ms) used when a redrive re-arms a state that never started, avoiding
// unbounded interval growth for a state that never begins execution.
func (c BackoffConfig) CeilingInterval() time.Duration {
	c = c.normalized()
	millis := 2 * ipow(c.Base, c.CeilingExponent) * 1000
	return time.Duration(millis) * time.Millisecond
}

func (c BackoffConfig) normalized() BackoffConfig {
	def := DefaultBackoffConfig()
	if c.Base <= 0 {
		c.Base = def.Base
	}
	if c.CeilingExponent <= 0 {
		c.CeilingExponent = def.CeilingExponent
	}
	return c
}

func ipow(base, exp int64) int64 {
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return result
}
