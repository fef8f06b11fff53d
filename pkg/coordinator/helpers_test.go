package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/client"
	"github.com/Sternrassler/dashboard-cache/pkg/fallback"
	"github.com/Sternrassler/dashboard-cache/pkg/invalidation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport answers from a per-endpoint handler and counts calls.
type fakeTransport struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(ctx context.Context, etag string) (*client.Response, error)
	entered  chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:    make(map[string]int),
		handlers: make(map[string]func(ctx context.Context, etag string) (*client.Response, error)),
		entered:  make(chan string, 64),
	}
}

func (f *fakeTransport) Get(ctx context.Context, key cache.Key, etag string) (*client.Response, error) {
	f.mu.Lock()
	f.calls[key.Endpoint]++
	h := f.handlers[key.Endpoint]
	f.mu.Unlock()

	select {
	case f.entered <- key.Endpoint:
	default:
	}

	if h == nil {
		return nil, &client.RequestError{Endpoint: key.Endpoint, StatusCode: 404, ErrorClass: client.ErrorClassClient, Message: "not found"}
	}
	return h(ctx, etag)
}

func (f *fakeTransport) Calls(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeTransport) Handle(endpoint string, h func(ctx context.Context, etag string) (*client.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[endpoint] = h
}

// JSON serves body on every call.
func (f *fakeTransport) JSON(endpoint, body string) {
	f.Handle(endpoint, func(ctx context.Context, etag string) (*client.Response, error) {
		return &client.Response{Body: json.RawMessage(body), StatusCode: 200}, nil
	})
}

// Sequence serves bodies in order, repeating the last one.
func (f *fakeTransport) Sequence(endpoint string, bodies ...string) {
	var mu sync.Mutex
	i := 0
	f.Handle(endpoint, func(ctx context.Context, etag string) (*client.Response, error) {
		mu.Lock()
		body := bodies[i]
		if i < len(bodies)-1 {
			i++
		}
		mu.Unlock()
		return &client.Response{Body: json.RawMessage(body), StatusCode: 200}, nil
	})
}

// Blocking serves body once release is closed, or fails when ctx ends.
func (f *fakeTransport) Blocking(endpoint, body string, release <-chan struct{}) {
	f.Handle(endpoint, func(ctx context.Context, etag string) (*client.Response, error) {
		select {
		case <-release:
			return &client.Response{Body: json.RawMessage(body), StatusCode: 200}, nil
		case <-ctx.Done():
			return nil, &client.RequestError{Endpoint: endpoint, ErrorClass: client.ErrorClassCancelled, Message: "request cancelled", Err: ctx.Err()}
		}
	})
}

// Unreachable fails every call like a refused connection.
func (f *fakeTransport) Unreachable(endpoint string) {
	f.Handle(endpoint, func(ctx context.Context, etag string) (*client.Response, error) {
		return nil, &client.RequestError{
			Endpoint:   endpoint,
			ErrorClass: client.ErrorClassNetwork,
			Message:    "backend unreachable",
			Err:        errors.New("dial tcp 127.0.0.1:3001: connect: connection refused"),
		}
	})
}

func (f *fakeTransport) waitEntered(t *testing.T, endpoint string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ep := <-f.entered:
			if ep == endpoint {
				return
			}
		case <-deadline:
			t.Fatalf("transport never called for %s", endpoint)
		}
	}
}

type fakeConnectivity struct {
	mu        sync.Mutex
	failures  int
	successes int
}

func (f *fakeConnectivity) RecordFailure(ctx context.Context, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return nil
}

func (f *fakeConnectivity) RecordSuccess(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	return nil
}

func (f *fakeConnectivity) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures, f.successes
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []invalidation.Event
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, ev invalidation.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fixture struct {
	c        *Coordinator
	tr       *fakeTransport
	clock    *fakeClock
	resolver *fallback.Resolver
	conn     *fakeConnectivity
	relay    *fakeBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		tr:       newFakeTransport(),
		clock:    newFakeClock(),
		resolver: fallback.NewResolver(zerolog.Nop()),
		conn:     &fakeConnectivity{},
		relay:    &fakeBroadcaster{},
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Now = f.clock.Now

	c, err := New(Config{
		Transport:    f.tr,
		Cache:        cacheCfg,
		Fallback:     f.resolver,
		Connectivity: f.conn,
		Broadcaster:  f.relay,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	f.c = c
	return f
}

func waitSettled(t *testing.T, b *Binding) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

// stateRecorder collects distinct consecutive states seen by OnChange.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n > 0 && r.states[n-1] == s.State {
		return
	}
	r.states = append(r.states, s.State)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}
