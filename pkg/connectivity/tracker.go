package connectivity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for connectivity tracking.
var (
	backendOffline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_backend_offline",
		Help: "1 while the backend is considered unreachable, 0 otherwise",
	})

	connectivityTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_connectivity_transitions_total",
		Help: "Total connectivity transitions by target mode",
	}, []string{"to"})
)

// Backend stores the raw connectivity counters.
type Backend interface {
	// IncrFailures bumps the failure counter and returns its new value.
	IncrFailures(ctx context.Context, at time.Time, reason string) (int, error)

	// ResetFailures zeroes the counter and returns its previous value.
	ResetFailures(ctx context.Context, at time.Time) (int, error)

	// Load returns the stored state (Offline not evaluated).
	Load(ctx context.Context) (State, error)
}

// Config holds tracker settings.
type Config struct {
	// OfflineThreshold is the number of consecutive failures that mean offline
	OfflineThreshold int

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Tracker monitors backend reachability.
type Tracker struct {
	backend   Backend
	threshold int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewTracker creates a new connectivity tracker.
func NewTracker(backend Backend, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.OfflineThreshold < 1 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		backend:   backend,
		threshold: cfg.OfflineThreshold,
		now:       cfg.Now,
		logger:    logger.With().Str("component", "connectivity").Logger(),
	}
}

// RecordFailure counts a transport failure.
func (t *Tracker) RecordFailure(ctx context.Context, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	failures, err := t.backend.IncrFailures(ctx, t.now(), reason)
	if err != nil {
		return fmt.Errorf("record connectivity failure: %w", err)
	}

	if failures == t.threshold {
		backendOffline.Set(1)
		connectivityTransitions.WithLabelValues("offline").Inc()
		t.logger.Warn().
			Int("consecutive_failures", failures).
			Str("reason", reason).
			Msg("Backend unreachable - offline mode enabled")
	} else {
		t.logger.Debug().Int("consecutive_failures", failures).Msg("Backend failure recorded")
	}
	return nil
}

// RecordSuccess resets the failure count.
func (t *Tracker) RecordSuccess(ctx context.Context) error {
	previous, err := t.backend.ResetFailures(ctx, t.now())
	if err != nil {
		return fmt.Errorf("record connectivity success: %w", err)
	}

	if previous >= t.threshold {
		backendOffline.Set(0)
		connectivityTransitions.WithLabelValues("online").Inc()
		t.logger.Info().
			Int("previous_failures", previous).
			Msg("Connection restored - offline mode disabled")
	}
	return nil
}

// State returns the current connectivity state.
func (t *Tracker) State(ctx context.Context) (State, error) {
	state, err := t.backend.Load(ctx)
	if err != nil {
		return State{}, fmt.Errorf("get connectivity state: %w", err)
	}
	state.evaluate(t.threshold)
	return state, nil
}

// Offline reports whether the backend is considered unreachable.
// A state that cannot be read counts as online.
func (t *Tracker) Offline(ctx context.Context) bool {
	state, err := t.State(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("Connectivity state unavailable")
		return false
	}
	return state.Offline
}

// MemoryBackend keeps connectivity state in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	state State
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// IncrFailures implements Backend.
func (m *MemoryBackend) IncrFailures(ctx context.Context, at time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ConsecutiveFailures++
	m.state.LastFailure = at
	m.state.LastError = reason
	return m.state.ConsecutiveFailures, nil
}

// ResetFailures implements Backend.
func (m *MemoryBackend) ResetFailures(ctx context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.state.ConsecutiveFailures
	m.state.ConsecutiveFailures = 0
	m.state.LastSuccess = at
	return previous, nil
}

// Load implements Backend.
func (m *MemoryBackend) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// RedisBackend shares connectivity state between gateway instances.
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a redis-backed connectivity store.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{redis: client}
}

// IncrFailures implements Backend.
func (r *RedisBackend) IncrFailures(ctx context.Context, at time.Time, reason string) (int, error) {
	pipe := r.redis.TxPipeline()
	incr := pipe.Incr(ctx, RedisKeyConsecutiveFailures)
	pipe.Set(ctx, RedisKeyLastFailure, at.UnixMilli(), 0)
	pipe.Set(ctx, RedisKeyLastError, reason, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store failure in redis: %w", err)
	}
	return int(incr.Val()), nil
}

// ResetFailures implements Backend.
func (r *RedisBackend) ResetFailures(ctx context.Context, at time.Time) (int, error) {
	pipe := r.redis.TxPipeline()
	prev := pipe.GetSet(ctx, RedisKeyConsecutiveFailures, 0)
	pipe.Set(ctx, RedisKeyLastSuccess, at.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("store success in redis: %w", err)
	}

	previous, err := prev.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("parse previous failures: %w", err)
	}
	return previous, nil
}

// Load implements Backend.
func (r *RedisBackend) Load(ctx context.Context) (State, error) {
	values, err := r.redis.MGet(ctx,
		RedisKeyConsecutiveFailures,
		RedisKeyLastFailure,
		RedisKeyLastSuccess,
		RedisKeyLastError,
	).Result()
	if err != nil {
		return State{}, fmt.Errorf("load connectivity state: %w", err)
	}

	var state State
	if state.ConsecutiveFailures, err = intValue(values[0]); err != nil {
		return State{}, fmt.Errorf("parse consecutive failures: %w", err)
	}
	lastFailure, err := intValue(values[1])
	if err != nil {
		return State{}, fmt.Errorf("parse last failure: %w", err)
	}
	lastSuccess, err := intValue(values[2])
	if err != nil {
		return State{}, fmt.Errorf("parse last success: %w", err)
	}
	if lastFailure > 0 {
		state.LastFailure = time.UnixMilli(int64(lastFailure))
	}
	if lastSuccess > 0 {
		state.LastSuccess = time.UnixMilli(int64(lastSuccess))
	}
	if s, ok := values[3].(string); ok {
		state.LastError = s
	}
	return state, nil
}

// intValue converts an MGET slot; missing keys are nil.
func intValue(v any) (int, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
