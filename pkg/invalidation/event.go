// Package invalidation implements the publish/subscribe channel that marks
// cached resources stale.
//
// Producers publish an Event naming exact keys, substring patterns, or
// everything. Subscribers register interest in one resource key and are
// notified synchronously when an event matches it. Domain actions
// ("product_created", ...) are translated into events by a central
// ActionTable so writers never reference the views that read their data.
package invalidation

import "strings"

// Event declares resource keys stale.
type Event struct {
	// Keys are matched exactly against a subscriber's resource key
	Keys []string `json:"keys,omitempty"`

	// Patterns match every key that contains one of them
	Patterns []string `json:"patterns,omitempty"`

	// All matches every key
	All bool `json:"all,omitempty"`

	// Action is the domain action the event was derived from, if any
	Action string `json:"action,omitempty"`

	// Origin identifies the publishing process for cross-instance relays
	Origin string `json:"origin,omitempty"`
}

// ForKeys returns an event for exact keys.
func ForKeys(keys ...string) Event {
	return Event{Keys: keys}
}

// ForPattern returns an event for every key containing one of patterns.
func ForPattern(patterns ...string) Event {
	return Event{Patterns: patterns}
}

// ForAll returns an event matching every key.
func ForAll() Event {
	return Event{All: true}
}

// Matches reports whether key is affected by the event.
func (e Event) Matches(key string) bool {
	if e.All {
		return true
	}
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	for _, p := range e.Patterns {
		if p != "" && strings.Contains(key, p) {
			return true
		}
	}
	return false
}

// Empty reports whether the event matches nothing.
func (e Event) Empty() bool {
	if e.All {
		return false
	}
	if len(e.Keys) > 0 {
		return false
	}
	for _, p := range e.Patterns {
		if p != "" {
			return false
		}
	}
	return true
}
