package ws

import "time"

// DefaultMaxBackoff caps the reconnect delay.
const DefaultMaxBackoff = 30 * time.Second

// Backoff returns the delay before reconnect attempt n (0-based):
// 1s, 2s, 4s ... capped at limit.
func Backoff(attempt int, limit time.Duration) time.Duration {
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return limit
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > limit {
		return limit
	}
	return d
}
