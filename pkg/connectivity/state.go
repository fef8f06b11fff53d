// Package connectivity tracks whether the dashboard backend is reachable.
// It counts consecutive transport failures and flips the gateway into
// offline mode, announcing the transition once in each direction. The
// state can be shared across gateway instances via Redis.
package connectivity

import (
	"time"
)

// Redis keys for connectivity state storage.
const (
	RedisKeyConsecutiveFailures = "dashboard:connectivity:consecutive_failures"
	RedisKeyLastFailure         = "dashboard:connectivity:last_failure"
	RedisKeyLastSuccess         = "dashboard:connectivity:last_success"
	RedisKeyLastError           = "dashboard:connectivity:last_error"
)

// DefaultOfflineThreshold is the number of consecutive transport failures
// after which the backend is considered offline.
const DefaultOfflineThreshold = 1

// State represents the current backend connectivity.
type State struct {
	// Offline is true once ConsecutiveFailures reached the threshold.
	Offline bool `json:"offline"`

	// ConsecutiveFailures since the last successful request.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastFailure is the time of the most recent transport failure.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// LastSuccess is the time of the most recent successful request.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastError is the message of the most recent transport failure.
	LastError string `json:"last_error,omitempty"`
}

// OfflineFor returns the time since the backend last answered, or 0 when online.
func (s *State) OfflineFor(now time.Time) time.Duration {
	if !s.Offline || s.LastFailure.IsZero() {
		return 0
	}
	since := s.LastSuccess
	if since.IsZero() || since.After(s.LastFailure) {
		since = s.LastFailure
	}
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if nothing was recorded within maxAge.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	last := s.LastSuccess
	if s.LastFailure.After(last) {
		last = s.LastFailure
	}
	return now.Sub(last) > maxAge
}

// evaluate sets Offline from ConsecutiveFailures.
func (s *State) evaluate(threshold int) {
	s.Offline = s.ConsecutiveFailures >= threshold
}
