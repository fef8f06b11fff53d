// Package inflight deduplicates concurrent loads of the same resource key.
//
// A Registry keeps at most one flight per key. Every caller that joins while
// a flight is running observes the same outcome. The flight runs under its
// own context: a caller that gives up leaves the flight without cancelling
// it for the others, and only when the last caller leaves is the flight
// aborted.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	flightsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_inflight_started_total",
		Help: "Total number of flights started",
	})

	flightsShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_inflight_shared_total",
		Help: "Total number of joins served by an already running flight",
	})

	flightsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_inflight_aborted_total",
		Help: "Total number of flights aborted because every caller left",
	})

	flightsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_inflight_active",
		Help: "Number of flights currently running",
	})
)

var (
	// ErrAborted is the outcome of a flight whose callers all left or whose
	// registry was closed.
	ErrAborted = errors.New("in-flight request aborted")

	// ErrClosed is returned by Join after Close.
	ErrClosed = errors.New("in-flight registry closed")
)

// Func performs the shared work. ctx belongs to the flight, not to any caller.
type Func func(ctx context.Context) (any, error)

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	refs    int
	aborted bool
}

// Registry tracks one outstanding flight per key.
type Registry struct {
	mu      sync.Mutex
	group   singleflight.Group
	flights map[string]*flight
	closed  bool
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		flights: make(map[string]*flight),
		logger:  logger.With().Str("component", "inflight").Logger(),
	}
}

// Join returns the outcome of the flight for key, starting fn if none is
// running. shared reports whether the caller joined a flight started by
// someone else.
//
// When ctx ends first, Join returns ctx.Err() and leaves the flight. An
// aborted flight is never reported to a caller whose ctx is still live:
// that caller starts or joins a new flight instead.
func (r *Registry) Join(ctx context.Context, key string, fn Func) (value any, shared bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		f, ch, joined, err := r.enter(key, fn)
		if err != nil {
			return nil, false, err
		}

		select {
		case res := <-ch:
			if errors.Is(res.Err, ErrAborted) && ctx.Err() == nil {
				r.logger.Debug().Str("key", key).Msg("Flight aborted, rejoining")
				continue
			}
			return res.Val, joined, res.Err
		case <-ctx.Done():
			r.leave(key, f)
			return nil, false, ctx.Err()
		}
	}
}

// enter registers the caller on the current flight for key, creating it if
// needed. DoChan is called under the lock so the flight table and the
// singleflight group always agree on which flight owns a key.
func (r *Registry) enter(key string, fn Func) (*flight, <-chan singleflight.Result, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, false, ErrClosed
	}

	f, joined := r.flights[key]
	if joined {
		flightsShared.Inc()
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: ctx, cancel: cancel}
		r.flights[key] = f
	}
	f.refs++

	ch := r.group.DoChan(key, func() (any, error) {
		return r.run(key, f, fn)
	})
	return f, ch, joined, nil
}

// run executes fn and settles the flight. The table entry is removed before
// run returns, which is before singleflight hands the result to anyone.
func (r *Registry) run(key string, f *flight, fn Func) (value any, err error) {
	flightsStarted.Inc()
	flightsActive.Inc()

	defer func() {
		if p := recover(); p != nil {
			value, err = nil, fmt.Errorf("flight %s panicked: %v", key, p)
			r.logger.Error().Str("key", key).Interface("panic", p).Msg("Flight panicked")
		}

		r.mu.Lock()
		if r.flights[key] == f {
			delete(r.flights, key)
			r.group.Forget(key)
		}
		aborted := f.aborted
		r.mu.Unlock()

		f.cancel()
		flightsActive.Dec()

		if aborted {
			value, err = nil, ErrAborted
		}
	}()

	return fn(f.ctx)
}

// leave drops one reference; the last one out aborts a flight that is
// still running.
func (r *Registry) leave(key string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.refs--
	if f.refs > 0 || r.flights[key] != f {
		return
	}
	r.abortLocked(key, f)
	r.logger.Debug().Str("key", key).Msg("Last caller left, flight aborted")
}

func (r *Registry) abortLocked(key string, f *flight) {
	delete(r.flights, key)
	r.group.Forget(key)
	f.aborted = true
	f.cancel()
	flightsAborted.Inc()
}

// Len returns the number of running flights.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}

// Running reports whether a flight for key is in progress.
func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[key]
	return ok
}

// Close aborts every running flight. Later joins fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for key, f := range r.flights {
		r.abortLocked(key, f)
	}
}
