package las

import "time"

// ============================================================================
// Backoff Policy
// ============================================================================

// Default retry tuning for the persistent connection.
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 10 * time.Second
	DefaultMaxRetries  = 3
)

// BackoffPolicy computes reconnect delays. It is a pure value: it holds no
// timers and keeps no attempt count. The Connection Manager owns both.
type BackoffPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

func defaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       DefaultBackoffBase,
		Cap:        DefaultBackoffCap,
		MaxRetries: DefaultMaxRetries,
	}
}

// NextDelay returns the delay before retry attempt n (zero-based),
// doubling from Base and capped at Cap.
func (b BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Past 62 doublings the shift overflows; everything that far out is capped anyway.
	if attempt > 62 {
		return b.Cap
	}
	d := b.Base << uint(attempt)
	if d <= 0 || d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether attempt has used up the retry budget.
func (b BackoffPolicy) Exhausted(attempt int) bool {
	return attempt >= b.MaxRetries
}

// ============================================================================
// Retry State
// ============================================================================

// retryState tracks reconnect attempts between successful opens.
type retryState struct {
	attempt   int
	lastDelay time.Duration
}

func (r *retryState) reset() {
	r.attempt = 0
	r.lastDelay = 0
}
