package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy_TTL(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		endpoint string
		want     time.Duration
	}{
		{"/api/products", 30 * time.Second},
		{"/api/stores", 10 * time.Minute},
		{"/api/product_categories", 10 * time.Minute},
		{"/api/web_users", 2 * time.Minute},
		{"/api/flavors", 5 * time.Minute},
		{"/api/dashboard/overview", 30 * time.Second},
		{"/api/recipes", DefaultTTL},
		{"/api/products/5", DefaultTTL}, // exact match only
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, p.TTL(tt.endpoint))
		})
	}
}

func TestNewPolicy_CopiesOverrides(t *testing.T) {
	overrides := map[string]time.Duration{"/api/stores": time.Minute}
	p := NewPolicy(0, overrides)

	overrides["/api/stores"] = time.Hour

	assert.Equal(t, time.Minute, p.TTL("/api/stores"), "policy changed after caller mutation")
	assert.Equal(t, DefaultTTL, p.Default())
}

func TestPolicy_WithOverrides(t *testing.T) {
	base := DefaultPolicy()
	p := base.WithOverrides(map[string]time.Duration{"/api/products": 5 * time.Second})

	assert.Equal(t, 5*time.Second, p.TTL("/api/products"))
	assert.Equal(t, 30*time.Second, base.TTL("/api/products"), "base policy mutated")
	assert.Equal(t, 10*time.Minute, p.TTL("/api/stores"), "existing override lost")
}

func TestPolicy_WithDefault(t *testing.T) {
	p := DefaultPolicy().WithDefault(2 * time.Minute)

	assert.Equal(t, 2*time.Minute, p.TTL("/api/recipes"))
	assert.Equal(t, 30*time.Second, p.TTL("/api/products"), "overrides kept")
	assert.Equal(t, DefaultTTL, DefaultPolicy().Default())
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides("/api/products=15s, /api/stores=20m,")
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Duration{
		"/api/products": 15 * time.Second,
		"/api/stores":   20 * time.Minute,
	}, got)

	invalid := []string{"/api/products", "/api/products=abc", "=10s", "/api/products=-1s"}
	for _, in := range invalid {
		_, err := ParseOverrides(in)
		assert.Error(t, err, "ParseOverrides(%q)", in)
	}
}
