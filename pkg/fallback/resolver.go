// Package fallback supplies substitute values for resources whose live fetch
// failed at the transport level.
//
// Lookup is two-tiered: a producer registered for the exact endpoint wins,
// otherwise the default producer answers with an empty shape.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dashboard_fallback_resolutions_total",
	Help: "Total fallback resolutions by endpoint and outcome",
}, []string{"endpoint", "outcome"})

// ErrNoFallback signals that no substitute value is available.
var ErrNoFallback = errors.New("no fallback available")

// Request describes the failed fetch a producer substitutes for.
type Request struct {
	Key   cache.Key
	Cause error
}

// Producer builds a substitute value. Returning ErrNoFallback declines.
type Producer func(ctx context.Context, req Request) (any, error)

// Resolver maps endpoints to producers.
type Resolver struct {
	mu        sync.RWMutex
	producers map[string]Producer
	def       Producer
	logger    zerolog.Logger
}

// NewResolver creates a resolver whose default producer is EmptyShape.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		producers: make(map[string]Producer),
		def:       EmptyShape,
		logger:    logger.With().Str("component", "fallback").Logger(),
	}
}

// Register installs p for endpoint, replacing any previous producer.
func (r *Resolver) Register(endpoint string, p Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[endpoint] = p
}

// SetDefault replaces the catch-all producer. nil disables it.
func (r *Resolver) SetDefault(p Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = p
}

// Eligible reports whether cause may be answered with a fallback.
// Only transport failures qualify.
func Eligible(cause error) bool {
	return client.IsTransportError(cause)
}

// Resolve returns the substitute value for key as JSON.
func (r *Resolver) Resolve(ctx context.Context, key cache.Key, cause error) (json.RawMessage, error) {
	endpoint := key.Endpoint

	if !Eligible(cause) {
		resolutionsTotal.WithLabelValues(endpoint, "ineligible").Inc()
		return nil, fmt.Errorf("%w: %s failure on %s", ErrNoFallback, client.ClassOf(cause), endpoint)
	}

	r.mu.RLock()
	p, ok := r.producers[endpoint]
	if !ok {
		p = r.def
	}
	r.mu.RUnlock()

	if p == nil {
		resolutionsTotal.WithLabelValues(endpoint, "none").Inc()
		return nil, fmt.Errorf("%w for %s", ErrNoFallback, endpoint)
	}

	value, err := p(ctx, Request{Key: key, Cause: cause})
	if err != nil {
		resolutionsTotal.WithLabelValues(endpoint, "failed").Inc()
		if errors.Is(err, ErrNoFallback) {
			return nil, err
		}
		return nil, fmt.Errorf("fallback for %s: %w", endpoint, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		resolutionsTotal.WithLabelValues(endpoint, "failed").Inc()
		return nil, fmt.Errorf("marshal fallback for %s: %w", endpoint, err)
	}

	resolutionsTotal.WithLabelValues(endpoint, "produced").Inc()
	r.logger.Warn().
		Str("endpoint", endpoint).
		Str("key", key.String()).
		Bool("bespoke", ok).
		Err(cause).
		Msg("Serving fallback data")

	return data, nil
}
