package storage

import "time"

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// BackoffDelay is the minimum wait after the retry'th failed attempt:
// min(2^retry * base, maxDelay).
func BackoffDelay(retry int, base, maxDelay time.Duration) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := base
	for i := 0; i < retry && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Eligible reports whether an entry may be retried at now
func Eligible(anchorMillis int64, retry int, now time.Time, base, maxDelay time.Duration) bool {
	elapsed := now.UnixMilli() - anchorMillis
	return elapsed >= BackoffDelay(retry, base, maxDelay).Milliseconds()
}
