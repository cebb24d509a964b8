package connection

import (
	"time"

	"adoconnect/internal/config"
)

// Policy holds the retry, backoff and timeout constants of the engine.
type Policy struct {
	// MaxRetryCount caps Retry per failure episode.
	MaxRetryCount int

	// RefreshBackoffBase and MaxRefreshBackoff bound the backoff window that
	// follows a failed refresh of a static credential.
	RefreshBackoffBase time.Duration
	MaxRefreshBackoff  time.Duration

	// StepTimeout bounds non-interactive steps.
	StepTimeout time.Duration

	// InteractiveTimeout bounds interactive OAuth sign-in.
	InteractiveTimeout time.Duration

	// InteractiveFlow selects the interactive OAuth flow.
	InteractiveFlow config.OAuthFlow
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.GetDefaultConfig())
}

// PolicyFromConfig extracts the engine policy from the application config.
func PolicyFromConfig(cfg config.AppConfig) Policy {
	return Policy{
		MaxRetryCount:      cfg.Policy.MaxRetryCount,
		RefreshBackoffBase: time.Duration(cfg.Policy.RefreshBackoffMinutes) * time.Minute,
		MaxRefreshBackoff:  time.Duration(cfg.Policy.MaxRefreshBackoffMinutes) * time.Minute,
		StepTimeout:        cfg.Policy.StepTimeout,
		InteractiveTimeout: cfg.Policy.InteractiveTimeout,
		InteractiveFlow:    cfg.OAuth.Flow,
	}
}

// Backoff returns min(max, 2^failureCount * base). It is non-decreasing in
// failureCount.
func Backoff(failureCount int, base, max time.Duration) time.Duration {
	if failureCount < 0 {
		failureCount = 0
	}
	d := base
	for i := 0; i < failureCount; i++ {
		if d >= max {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
