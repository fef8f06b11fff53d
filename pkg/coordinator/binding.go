package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/invalidation"
	"github.com/rs/zerolog"
)

// ErrNoValue is returned by Decode before the binding has a value.
var ErrNoValue = errors.New("binding has no value")

// State is the lifecycle state of a Binding.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configure a Binding. The zero value is an enabled binding that
// uses the cache on activation.
type Options struct {
	// Disabled skips fetching entirely until SetEnabled(true)
	Disabled bool

	// RefetchOnActivate bypasses the cache on the first fetch
	RefetchOnActivate bool

	// OnSuccess is called after each successful fetch of this binding,
	// including cache hits and accepted fallbacks
	OnSuccess func(value json.RawMessage)

	// OnFailure is called when a fetch of this binding fails. Never called
	// for cancellations.
	OnFailure func(f *Failure)

	// OnChange is called with a snapshot after every observable change
	OnChange func(s Snapshot)
}

// Snapshot is a point-in-time view of a Binding.
type Snapshot struct {
	Key       string          `json:"key"`
	State     State           `json:"state"`
	Value     json.RawMessage `json:"value,omitempty"`
	FetchedAt time.Time       `json:"fetched_at,omitempty"`
	Version   uint64          `json:"version"`

	// Fallback is true when Value is a substitute
	Fallback bool `json:"fallback"`

	// Failure is set in StateFailed
	Failure *Failure `json:"failure,omitempty"`

	// SoftFailure records a transport failure that was answered with a
	// fallback or cached value
	SoftFailure *Failure `json:"soft_failure,omitempty"`
}

// IsLoading reports whether a fetch is in progress.
func (s Snapshot) IsLoading() bool {
	return s.State == StateLoading
}

// Degraded reports whether the value was served despite a backend failure.
func (s Snapshot) Degraded() bool {
	return s.SoftFailure != nil || s.Fallback
}

// Binding ties one consumer to one resource key. It is created by
// Coordinator.Bind and must be closed when the consumer goes away.
type Binding struct {
	c      *Coordinator
	key    cache.Key
	keyStr string
	opts   Options
	logger zerolog.Logger

	// ctx is the binding's cancel token; every fetch it starts runs under it
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	unsubscribe func()
	state       State
	value       json.RawMessage
	version     uint64
	fetchedAt   time.Time
	fallback    bool
	failure     *Failure
	soft        *Failure
	enabled     bool
	closed      bool
	pending     int
	settled     chan struct{}
}

// Bind activates a binding for endpoint and params. The binding is
// deactivated by Close or when ctx ends.
//
// With a fresh cache entry (and without RefetchOnActivate) the binding is
// ready on return; otherwise it is loading and settles asynchronously.
func (c *Coordinator) Bind(ctx context.Context, endpoint string, params url.Values, opts Options) *Binding {
	key := cache.NewKey(endpoint, params)
	bctx, cancel := context.WithCancel(ctx)

	b := &Binding{
		c:       c,
		key:     key,
		keyStr:  key.String(),
		opts:    opts,
		logger:  c.logger.With().Str("binding", key.String()).Logger(),
		ctx:     bctx,
		cancel:  cancel,
		state:   StateIdle,
		enabled: !opts.Disabled,
	}

	if !c.register(b) {
		b.closed = true
		cancel()
		return b
	}
	unsubscribe := c.bus.Subscribe(b.keyStr, b.onInvalidate)
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()
	context.AfterFunc(bctx, b.Close)

	b.activate()
	return b
}

func (b *Binding) activate() {
	b.mu.Lock()
	enabled := b.enabled && !b.closed
	b.mu.Unlock()
	if !enabled {
		return
	}

	if !b.opts.RefetchOnActivate {
		if entry, ok := b.c.store.Fresh(b.key); ok {
			fetchesTotal.WithLabelValues(string(SourceCache)).Inc()
			b.mu.Lock()
			b.applyLocked(entry)
			b.state = StateReady
			snap := b.snapshotLocked()
			b.mu.Unlock()

			b.logger.Debug().Msg("Activated from cache")
			if b.opts.OnSuccess != nil {
				b.opts.OnSuccess(snap.Value)
			}
			b.notify(snap)
			return
		}
	}

	b.fetch(b.opts.RefetchOnActivate)
}

// fetch starts an asynchronous load.
func (b *Binding) fetch(force bool) {
	b.mu.Lock()
	started := b.beginLocked()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if started {
		b.notify(snap)
		go b.run(force)
	}
}

// beginLocked moves the binding to loading and accounts for one more
// outstanding load. It reports false when the binding cannot fetch.
func (b *Binding) beginLocked() bool {
	if b.closed || !b.enabled {
		return false
	}
	b.pending++
	b.state = StateLoading
	if b.settled == nil {
		b.settled = make(chan struct{})
	}
	return true
}

func (b *Binding) run(force bool) {
	res, err := b.c.Fetch(b.ctx, b.key, force)
	b.settle(res, err)
}

// settle applies the outcome of one load. The state reflects the last load
// to settle; values only move forward in store version order.
func (b *Binding) settle(res *Result, err error) {
	b.mu.Lock()
	b.pending--
	last := b.pending == 0

	var (
		onSuccess json.RawMessage
		onFailure *Failure
		changed   = true
	)

	switch {
	case err == nil:
		b.applyLocked(res.Entry)
		b.soft = res.SoftFailure
		b.failure = nil
		if last {
			b.state = StateReady
		}
		onSuccess = b.value

	case IsCancelled(err) || b.ctx.Err() != nil:
		changed = false
		b.logger.Debug().Msg("Fetch cancelled")

	default:
		f := toFailure(err)
		onFailure = f
		if last {
			b.state = StateFailed
			b.failure = f
		}
	}

	var settled chan struct{}
	if last {
		settled, b.settled = b.settled, nil
	}
	snap := b.snapshotLocked()
	closed := b.closed
	b.mu.Unlock()

	// Wait returns only after the callbacks of the last load have run
	if settled != nil {
		defer close(settled)
	}
	if closed {
		return
	}
	if onSuccess != nil && b.opts.OnSuccess != nil {
		b.opts.OnSuccess(onSuccess)
	}
	if onFailure != nil && b.opts.OnFailure != nil {
		b.opts.OnFailure(onFailure)
	}
	if changed {
		b.notify(snap)
	}
}

// observe applies an entry written for this binding's key by any load.
func (b *Binding) observe(entry cache.Entry) {
	b.mu.Lock()
	if b.closed || !b.applyLocked(entry) {
		b.mu.Unlock()
		return
	}
	if b.pending == 0 && b.enabled {
		b.state = StateReady
		b.failure = nil
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.notify(snap)
}

// applyLocked takes entry if it settled after the current value.
func (b *Binding) applyLocked(entry cache.Entry) bool {
	if entry.Version <= b.version {
		return false
	}
	b.value = entry.Value
	b.version = entry.Version
	b.fetchedAt = entry.FetchedAt
	b.fallback = entry.Fallback
	if !entry.Fallback {
		b.soft = nil
	}
	return true
}

// onInvalidate evicts the binding's entry and, when enabled, refetches
// bypassing the cache. Both steps happen under the binding lock.
func (b *Binding) onInvalidate(ev invalidation.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.c.store.Evict(b.keyStr)
	started := b.beginLocked()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.logger.Debug().Str("action", ev.Action).Bool("refetch", started).Msg("Invalidated")
	if started {
		b.notify(snap)
		go b.run(true)
	}
}

func (b *Binding) notify(s Snapshot) {
	if b.opts.OnChange != nil {
		b.opts.OnChange(s)
	}
}

func (b *Binding) snapshotLocked() Snapshot {
	return Snapshot{
		Key:         b.keyStr,
		State:       b.state,
		Value:       b.value,
		FetchedAt:   b.fetchedAt,
		Version:     b.version,
		Fallback:    b.fallback,
		Failure:     b.failure,
		SoftFailure: b.soft,
	}
}

// Key returns the binding's resource key.
func (b *Binding) Key() cache.Key {
	return b.key
}

// Snapshot returns the current view of the binding.
func (b *Binding) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// State returns the current lifecycle state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Value returns the last observed value, or nil.
func (b *Binding) Value() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Decode unmarshals the last observed value into v.
func (b *Binding) Decode(v any) error {
	value := b.Value()
	if value == nil {
		return ErrNoValue
	}
	return json.Unmarshal(value, v)
}

// IsLoading reports whether a fetch is in progress.
func (b *Binding) IsLoading() bool {
	return b.State() == StateLoading
}

// Failure returns the blocking failure, or nil.
func (b *Binding) Failure() *Failure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Refetch starts a load that bypasses the cache freshness check but still
// shares an in-flight request for the key.
func (b *Binding) Refetch() {
	b.fetch(true)
}

// SetValue writes v to the cache and to every binding of the key without
// a network round trip.
func (b *Binding) SetValue(v any) error {
	return b.c.Put(b.key, v)
}

// Evict removes the key's cache entry. The binding keeps its value.
func (b *Binding) Evict() {
	b.c.Evict(b.key)
}

// SetEnabled turns fetching on or off. Enabling activates the binding
// again: a fresh cache entry is applied, otherwise the key is loaded.
func (b *Binding) SetEnabled(enabled bool) {
	b.mu.Lock()
	if b.closed || b.enabled == enabled {
		b.mu.Unlock()
		return
	}
	b.enabled = enabled
	activate := enabled && b.pending == 0
	b.mu.Unlock()

	if activate {
		b.activate()
	}
}

// Wait blocks until no load of this binding is outstanding or ctx ends.
func (b *Binding) Wait(ctx context.Context) error {
	b.mu.Lock()
	ch := b.settled
	b.mu.Unlock()

	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close deactivates the binding: outstanding loads are cancelled and no
// further updates are applied. The state is left as it was.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	b.c.unregister(b)
	b.cancel()
	b.logger.Debug().Msg("Binding closed")
}
