// Package cache provides the in-memory resource cache used by the
// dashboard cache coordinator.
package cache

import (
	"encoding/json"
	"time"
)

// Entry represents a cached resource value.
type Entry struct {
	// Value is the JSON document served for the resource
	Value json.RawMessage `json:"value"`

	// FetchedAt is when the value was written to the store
	FetchedAt time.Time `json:"fetched_at"`

	// Endpoint is the resource endpoint, used for TTL policy lookup
	Endpoint string `json:"endpoint"`

	// ETag from the backend response, used for conditional revalidation
	ETag string `json:"etag,omitempty"`

	// Fallback is true when Value is a substitute produced after a transport failure
	Fallback bool `json:"fallback"`

	// Version is a store-wide monotonic write counter.
	// Comparing versions gives the order in which writes settled.
	Version uint64 `json:"version"`
}

// Age returns how long ago the entry was fetched, relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.FetchedAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsFresh reports whether now - FetchedAt < ttl.
func IsFresh(e Entry, ttl time.Duration, now time.Time) bool {
	return now.Sub(e.FetchedAt) < ttl
}
