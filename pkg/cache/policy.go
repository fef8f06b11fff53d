package cache

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTTL applies to endpoints without an override.
	DefaultTTL = 60 * time.Second

	// DefaultSweepInterval is how often expired entries are removed in the background.
	DefaultSweepInterval = 5 * time.Minute
)

// Policy maps endpoints to time-to-live durations.
// A Policy is immutable once built.
type Policy struct {
	defaultTTL time.Duration
	overrides  map[string]time.Duration
}

// NewPolicy creates a policy with the given default TTL and per-endpoint overrides.
// The overrides map is copied.
func NewPolicy(defaultTTL time.Duration, overrides map[string]time.Duration) Policy {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	p := Policy{
		defaultTTL: defaultTTL,
		overrides:  make(map[string]time.Duration, len(overrides)),
	}
	for endpoint, ttl := range overrides {
		if ttl > 0 {
			p.overrides[endpoint] = ttl
		}
	}
	return p
}

// DefaultPolicy returns the dashboard TTL table.
// Volatile lists (stock, orders, sales) live 30s; reference data up to 10m.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultTTL, map[string]time.Duration{
		"/api/products":           30 * time.Second,
		"/api/product_categories": 10 * time.Minute,
		"/api/stores":             10 * time.Minute,
		"/api/providers":          30 * time.Second,
		"/api/dashboard/overview": 30 * time.Second,
		"/api/stock_data":         30 * time.Second,
		"/api/web_users":          2 * time.Minute,
		"/api/flavors":            5 * time.Minute,
		"/api/deliveries":         30 * time.Second,
		"/api/drivers":            2 * time.Minute,
		"/api/sales":              30 * time.Second,
	})
}

// TTL resolves the TTL for an endpoint by exact match, else the default.
func (p Policy) TTL(endpoint string) time.Duration {
	if ttl, ok := p.overrides[endpoint]; ok {
		return ttl
	}
	if p.defaultTTL <= 0 {
		return DefaultTTL
	}
	return p.defaultTTL
}

// Default returns the default TTL.
func (p Policy) Default() time.Duration {
	return p.TTL("")
}

// WithOverrides returns a new policy that layers extra overrides on top of p.
func (p Policy) WithOverrides(extra map[string]time.Duration) Policy {
	merged := make(map[string]time.Duration, len(p.overrides)+len(extra))
	for k, v := range p.overrides {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return NewPolicy(p.defaultTTL, merged)
}

// WithDefault returns a copy of p with a different default TTL.
func (p Policy) WithDefault(ttl time.Duration) Policy {
	return NewPolicy(ttl, p.overrides)
}

// ParseOverrides parses "endpoint=duration" pairs separated by commas,
// e.g. "/api/products=30s,/api/stores=10m".
func ParseOverrides(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		endpoint, raw, ok := strings.Cut(pair, "=")
		if !ok || endpoint == "" {
			return nil, fmt.Errorf("invalid ttl override %q", pair)
		}
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse ttl for %s: %w", endpoint, err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("ttl for %s must be positive", endpoint)
		}
		out[endpoint] = ttl
	}
	return out, nil
}
