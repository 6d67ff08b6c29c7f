package whatsapp

import "time"

// Retry policy, kept pure so it can be tested without spawning
// processes. The effectful cleanup-and-relaunch lives in the handler
// and manager.

// ShouldReconnect reports whether another reconnect attempt fits the
// budget. attempts is the count already consumed.
func ShouldReconnect(attempts, maxAttempts int) bool {
	return attempts < maxAttempts
}

// ReconnectDelay returns the wait before the given attempt (1-based):
// attempt-scaled and capped.
func ReconnectDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * base
	if d > cap {
		return cap
	}
	return d
}
