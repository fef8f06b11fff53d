// Package coordinator implements the resource cache coordinator: the
// process-wide service that serves TTL-bounded cached resources, shares one
// backend round-trip between concurrent callers, substitutes fallback data
// on transport failure and evicts stale resources on invalidation events.
//
// Consumers either call Fetch directly or hold a Binding, which follows the
// idle → loading → ready/failed state machine and refetches by itself when
// its resource is invalidated.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/client"
	"github.com/Sternrassler/dashboard-cache/pkg/fallback"
	"github.com/Sternrassler/dashboard-cache/pkg/inflight"
	"github.com/Sternrassler/dashboard-cache/pkg/invalidation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_coordinator_fetches_total",
		Help: "Total coordinator fetches by result source",
	}, []string{"source"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_coordinator_failures_total",
		Help: "Total failed or degraded loads by failure class",
	}, []string{"class"})

	bindingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_coordinator_bindings",
		Help: "Number of active bindings",
	})
)

// ErrInvalidValue is returned by Put for values that are not valid JSON.
var ErrInvalidValue = errors.New("value is not valid JSON")

// Transport performs the outbound GET. *client.Client implements it.
type Transport interface {
	Get(ctx context.Context, key cache.Key, etag string) (*client.Response, error)
}

// Connectivity receives transport outcomes. *connectivity.Tracker implements it.
type Connectivity interface {
	RecordFailure(ctx context.Context, cause error) error
	RecordSuccess(ctx context.Context) error
}

// Broadcaster forwards local invalidations to other instances.
// *invalidation.RedisRelay implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev invalidation.Event) error
}

// Config holds the coordinator configuration.
type Config struct {
	// Transport is required
	Transport Transport

	// Cache configures the store (TTL policy, sweep interval, clock)
	Cache cache.Config

	// Fallback resolver; a resolver with only the empty-shape default when nil
	Fallback *fallback.Resolver

	// Connectivity tracker (optional)
	Connectivity Connectivity

	// Broadcaster for cross-instance invalidation (optional)
	Broadcaster Broadcaster

	// Actions maps domain actions to invalidations; DefaultActions when nil
	Actions invalidation.ActionTable

	Logger zerolog.Logger
}

// Source tells where a fetch result came from.
type Source string

const (
	// SourceCache is a fresh cache entry; no network call was made.
	SourceCache Source = "hit"

	// SourceNetwork is a live response loaded by this caller.
	SourceNetwork Source = "miss"

	// SourceShared is a live response loaded by a concurrent caller.
	SourceShared Source = "shared"

	// SourceFallback is a substitute value produced after a transport failure.
	SourceFallback Source = "fallback"
)

// Result is the outcome of a successful Fetch.
type Result struct {
	Key    cache.Key
	Entry  cache.Entry
	Source Source

	// SoftFailure is set when a transport failure was answered with a
	// fallback or a still-fresh entry.
	SoftFailure *Failure
}

// Degraded reports whether the result was served despite a transport failure.
func (r *Result) Degraded() bool {
	return r.SoftFailure != nil || r.Entry.Fallback
}

// Coordinator is the resource cache coordinator.
type Coordinator struct {
	store       *cache.Store
	registry    *inflight.Registry
	fallback    *fallback.Resolver
	bus         *invalidation.Bus
	transport   Transport
	conn        Connectivity
	broadcaster Broadcaster
	actions     invalidation.ActionTable
	logger      zerolog.Logger

	mu       sync.RWMutex
	bindings map[string]map[*Binding]struct{}
	closed   bool
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Fallback == nil {
		cfg.Fallback = fallback.NewResolver(cfg.Logger)
	}
	if cfg.Actions == nil {
		cfg.Actions = invalidation.DefaultActions()
	}

	cacheCfg := cfg.Cache
	cacheCfg.Logger = cfg.Logger

	return &Coordinator{
		store:       cache.NewStore(cacheCfg),
		registry:    inflight.New(cfg.Logger),
		fallback:    cfg.Fallback,
		bus:         invalidation.NewBus(cfg.Logger),
		transport:   cfg.Transport,
		conn:        cfg.Connectivity,
		broadcaster: cfg.Broadcaster,
		actions:     cfg.Actions,
		logger:      cfg.Logger.With().Str("component", "coordinator").Logger(),
		bindings:    make(map[string]map[*Binding]struct{}),
	}, nil
}

// Store exposes the cache store for inspection.
func (c *Coordinator) Store() *cache.Store {
	return c.store
}

// Actions returns the domain action table.
func (c *Coordinator) Actions() invalidation.ActionTable {
	return c.actions
}

// Fetch returns the resource for key. Unless force is set a fresh cache
// entry is returned without a network call; otherwise the load joins the
// in-flight request for key or starts one.
//
// The error is either a *Failure or, when ctx ended first, a cancellation
// (IsCancelled reports true). Cancellation is not a failure.
func (c *Coordinator) Fetch(ctx context.Context, key cache.Key, force bool) (*Result, error) {
	if !force {
		if entry, ok := c.store.Fresh(key); ok {
			fetchesTotal.WithLabelValues(string(SourceCache)).Inc()
			c.logger.Debug().Str("key", key.String()).Msg("Serving from cache")
			return &Result{Key: key, Entry: entry, Source: SourceCache}, nil
		}
	}

	v, shared, err := c.registry.Join(ctx, key.String(), func(fctx context.Context) (any, error) {
		return c.load(fctx, key)
	})
	if err != nil {
		if ctx.Err() != nil || IsCancelled(err) {
			c.logger.Debug().Str("key", key.String()).Msg("Fetch cancelled")
			return nil, err
		}
		f := toFailure(err)
		return nil, f
	}

	out := v.(*loadOutcome)
	source := SourceNetwork
	switch {
	case out.fallback:
		source = SourceFallback
	case out.soft != nil:
		source = SourceCache
	case shared:
		source = SourceShared
	}
	fetchesTotal.WithLabelValues(string(source)).Inc()

	return &Result{Key: key, Entry: out.entry, Source: source, SoftFailure: out.soft}, nil
}

type loadOutcome struct {
	entry    cache.Entry
	soft     *Failure
	fallback bool
}

// load is the shared work of one flight. It runs under the flight context
// and finishes all cache writes and binding updates before returning.
func (c *Coordinator) load(ctx context.Context, key cache.Key) (*loadOutcome, error) {
	entry, err := c.loadLive(ctx, key)
	if err == nil {
		c.recordSuccess(ctx)
		c.broadcast(key, entry)
		return &loadOutcome{entry: entry}, nil
	}

	if ctx.Err() != nil || IsCancelled(err) {
		return nil, err
	}

	logger := c.logger.With().Str("key", key.String()).Logger()

	if client.IsClientError(err) {
		failuresTotal.WithLabelValues(string(FailureClient)).Inc()
		logger.Warn().Err(err).Msg("Backend rejected request")
		return nil, newFailure(FailureClient, err)
	}

	c.recordFailure(ctx, err)
	soft := newFailure(FailureTransport, err)

	// A fresh entry already answers for this key within its TTL window,
	// whether live or a fallback. Serve it instead of computing a new fallback.
	if existing, ok := c.store.Read(key.String()); ok && c.store.IsFresh(existing) {
		failuresTotal.WithLabelValues(string(FailureTransport)).Inc()
		logger.Warn().Err(err).Bool("fallback", existing.Fallback).Msg("Backend failed, serving fresh cached entry")
		return &loadOutcome{entry: existing, soft: soft}, nil
	}

	data, ferr := c.fallback.Resolve(ctx, key, err)
	if ferr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failuresTotal.WithLabelValues(string(FailureFallbackExhausted)).Inc()
		logger.Error().Err(err).AnErr("fallback_error", ferr).Msg("Fetch failed and no fallback available")
		f := newFailure(FailureFallbackExhausted, err)
		return nil, f
	}

	failuresTotal.WithLabelValues(string(FailureTransport)).Inc()
	stored := c.store.Write(key, data, cache.WriteOptions{Fallback: true})
	c.broadcast(key, stored)
	return &loadOutcome{entry: stored, soft: soft, fallback: true}, nil
}

// loadLive performs the transport call, revalidating with the cached ETag
// when one is known.
func (c *Coordinator) loadLive(ctx context.Context, key cache.Key) (cache.Entry, error) {
	etag := ""
	if prev, ok := c.store.Read(key.String()); ok && !prev.Fallback {
		etag = prev.ETag
	}

	resp, err := c.transport.Get(ctx, key, etag)
	if err != nil {
		return cache.Entry{}, err
	}

	if resp.NotModified {
		if entry, ok := c.store.Touch(key); ok {
			return entry, nil
		}
		// evicted while revalidating
		resp, err = c.transport.Get(ctx, key, "")
		if err != nil {
			return cache.Entry{}, err
		}
		if resp.NotModified {
			return cache.Entry{}, &client.RequestError{
				Endpoint:   key.Endpoint,
				StatusCode: resp.StatusCode,
				ErrorClass: client.ErrorClassServer,
				Message:    "unexpected 304 for unconditional request",
			}
		}
	}

	return c.store.Write(key, resp.Body, cache.WriteOptions{ETag: resp.ETag}), nil
}

func (c *Coordinator) recordSuccess(ctx context.Context) {
	if c.conn == nil {
		return
	}
	if err := c.conn.RecordSuccess(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Connectivity update failed")
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, cause error) {
	if c.conn == nil {
		return
	}
	if err := c.conn.RecordFailure(ctx, cause); err != nil {
		c.logger.Debug().Err(err).Msg("Connectivity update failed")
	}
}

// broadcast hands entry to every binding of key.
func (c *Coordinator) broadcast(key cache.Key, entry cache.Entry) {
	for _, b := range c.bindingsFor(key.String()) {
		b.observe(entry)
	}
}

func (c *Coordinator) bindingsFor(key string) []*Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.bindings[key]
	out := make([]*Binding, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	return out
}

// Put writes value for key without a network round trip and updates every
// binding of key. value may be raw JSON or any marshalable Go value.
func (c *Coordinator) Put(key cache.Key, value any) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	entry := c.store.Write(key, data, cache.WriteOptions{})
	c.logger.Debug().Str("key", key.String()).Msg("Local write")
	c.broadcast(key, entry)
	return nil
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, ErrInvalidValue
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, ErrInvalidValue
		}
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return data, nil
	}
}

// Evict removes the cache entry for key. Bindings keep their last value.
func (c *Coordinator) Evict(key cache.Key) bool {
	return c.store.Evict(key.String())
}

// PublishInvalidation evicts the entries matched by ev, notifies the
// matching bindings (which refetch when enabled) and forwards ev to other
// instances. It returns the number of bindings notified.
func (c *Coordinator) PublishInvalidation(ctx context.Context, ev invalidation.Event) int {
	if ev.Empty() {
		return 0
	}

	removed := c.evictMatching(ev)
	notified := c.bus.Publish(ev)

	c.logger.Info().
		Strs("keys", ev.Keys).
		Strs("patterns", ev.Patterns).
		Bool("all", ev.All).
		Str("action", ev.Action).
		Int("evicted", removed).
		Int("bindings", notified).
		Msg("Invalidation published")

	if c.broadcaster != nil {
		if err := c.broadcaster.Broadcast(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to relay invalidation")
		}
	}
	return notified
}

// PublishDomainAction resolves action through the action table and publishes
// the resulting invalidation.
func (c *Coordinator) PublishDomainAction(ctx context.Context, action string, payload any) (int, error) {
	ev, err := c.actions.Event(action)
	if err != nil {
		return 0, err
	}
	c.logger.Debug().Str("action", action).Interface("payload", payload).Msg("Domain action")
	return c.PublishInvalidation(ctx, ev), nil
}

// ApplyRemote applies an invalidation received from another instance
// without forwarding it again.
func (c *Coordinator) ApplyRemote(ev invalidation.Event) int {
	if ev.Empty() {
		return 0
	}
	c.evictMatching(ev)
	return c.bus.Deliver(ev)
}

func (c *Coordinator) evictMatching(ev invalidation.Event) int {
	if ev.All {
		n := c.store.Len()
		c.store.Clear()
		return n
	}
	removed := 0
	for _, key := range ev.Keys {
		if c.store.Evict(key) {
			removed++
		}
	}
	for _, pattern := range ev.Patterns {
		if pattern != "" {
			removed += c.store.EvictByPattern(pattern)
		}
	}
	return removed
}

// Run sweeps expired entries until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	c.store.Run(ctx)
}

// Close deactivates every binding and aborts in-flight loads.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var all []*Binding
	for _, set := range c.bindings {
		for b := range set {
			all = append(all, b)
		}
	}
	c.mu.Unlock()

	for _, b := range all {
		b.Close()
	}
	c.registry.Close()
	c.logger.Info().Msg("Coordinator closed")
}

func (c *Coordinator) register(b *Binding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	set, ok := c.bindings[b.keyStr]
	if !ok {
		set = make(map[*Binding]struct{})
		c.bindings[b.keyStr] = set
	}
	set[b] = struct{}{}
	bindingsActive.Inc()
	return true
}

func (c *Coordinator) unregister(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.bindings[b.keyStr]
	if !ok {
		return
	}
	if _, ok := set[b]; !ok {
		return
	}
	delete(set, b)
	if len(set) == 0 {
		delete(c.bindings, b.keyStr)
	}
	bindingsActive.Dec()
}

// Bindings returns the number of active bindings.
func (c *Coordinator) Bindings() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, set := range c.bindings {
		n += len(set)
	}
	return n
}
