package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/client"
	"github.com/Sternrassler/dashboard-cache/pkg/fallback"
	"github.com/Sternrassler/dashboard-cache/pkg/invalidation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinding_ColdRead(t *testing.T) {
	f := newFixture(t)
	f.tr.JSON("/api/stores", `[{"id":1}]`)

	var rec stateRecorder
	var successes atomic.Int32
	b := f.c.Bind(context.Background(), "/api/stores", nil, Options{
		OnChange:  rec.record,
		OnSuccess: func(json.RawMessage) { successes.Add(1) },
	})
	defer b.Close()

	waitSettled(t, b)

	assert.Equal(t, []State{StateLoading, StateReady}, rec.get())
	assert.Equal(t, StateReady, b.State())
	assert.JSONEq(t, `[{"id":1}]`, string(b.Value()))
	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, 1, f.tr.Calls("/api/stores"))
}

func TestBinding_WarmRead(t *testing.T) {
	f := newFixture(t)
	f.tr.JSON("/api/stores", `[{"id":1}]`)
	ctx := context.Background()

	first := f.c.Bind(ctx, "/api/stores", nil, Options{})
	defer first.Close()
	waitSettled(t, first)

	f.clock.Advance(10 * time.Second)

	var successes atomic.Int32
	var rec stateRecorder
	second := f.c.Bind(ctx, "/api/stores", nil, Options{
		OnChange:  rec.record,
		OnSuccess: func(json.RawMessage) { successes.Add(1) },
	})
	defer second.Close()

	// ready on return, never loading
	assert.Equal(t, StateReady, second.State())
	assert.Equal(t, []State{StateReady}, rec.get())
	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, first.Value(), second.Value())
	assert.Equal(t, 1, f.tr.Calls("/api/stores"))
}

func TestBinding_ConcurrentBindingsShareOneRequest(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.tr.Blocking("/api/products", `[{"id":1,"name":"Cone"}]`, release)

	const n = 8
	bindings := make([]*Binding, n)
	for i := range bindings {
		bindings[i] = f.c.Bind(context.Background(), "/api/products", nil, Options{})
		defer bindings[i].Close()
	}

	f.tr.waitEntered(t, "/api/products")
	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, b := range bindings {
		waitSettled(t, b)
		assert.Equal(t, StateReady, b.State())
		assert.JSONEq(t, `[{"id":1,"name":"Cone"}]`, string(b.Value()))
	}
	assert.Equal(t, 1, f.tr.Calls("/api/products"))
}

func TestBinding_FallbackIsReadyWithSoftFailure(t *testing.T) {
	f := newFixture(t)
	f.tr.Unreachable("/api/dashboard/overview")

	var failures atomic.Int32
	var successes atomic.Int32
	b := f.c.Bind(context.Background(), "/api/dashboard/overview", nil, Options{
		OnFailure: func(*Failure) { failures.Add(1) },
		OnSuccess: func(json.RawMessage) { successes.Add(1) },
	})
	defer b.Close()
	waitSettled(t, b)

	snap := b.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.True(t, snap.Fallback)
	assert.True(t, snap.Degraded())
	assert.JSONEq(t, `{}`, string(snap.Value))
	require.NotNil(t, snap.SoftFailure)
	assert.Equal(t, FailureTransport, snap.SoftFailure.Class)
	assert.Nil(t, snap.Failure)

	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, int32(1), successes.Load())
}

func TestBinding_ClientErrorFails(t *testing.T) {
	f := newFixture(t)

	var produced atomic.Int32
	f.resolver.SetDefault(func(ctx context.Context, req fallback.Request) (any, error) {
		produced.Add(1)
		return []any{}, nil
	})

	var rec stateRecorder
	failed := make(chan *Failure, 1)
	b := f.c.Bind(context.Background(), "/api/unknown", nil, Options{
		OnChange:  rec.record,
		OnFailure: func(fl *Failure) { failed <- fl },
	})
	defer b.Close()
	waitSettled(t, b)

	assert.Equal(t, []State{StateLoading, StateFailed}, rec.get())
	require.NotNil(t, b.Failure())
	assert.Equal(t, FailureClient, b.Failure().Class)
	assert.Nil(t, b.Value())
	assert.Equal(t, int32(0), produced.Load())

	select {
	case fl := <-failed:
		assert.Equal(t, 404, fl.StatusCode)
	default:
		t.Fatal("OnFailure was not called")
	}

	var v []any
	assert.ErrorIs(t, b.Decode(&v), ErrNoValue)
}

func TestBinding_FallbackExhaustedFails(t *testing.T) {
	f := newFixture(t)
	f.resolver.SetDefault(nil)
	f.tr.Unreachable("/api/sales")

	b := f.c.Bind(context.Background(), "/api/sales", nil, Options{})
	defer b.Close()
	waitSettled(t, b)

	assert.Equal(t, StateFailed, b.State())
	require.NotNil(t, b.Failure())
	assert.Equal(t, FailureFallbackExhausted, b.Failure().Class)
}

func TestBinding_CloseMidFetchIsSilent(t *testing.T) {
	f := newFixture(t)

	returned := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	f.tr.Handle("/api/stock_data", func(ctx context.Context, etag string) (*client.Response, error) {
		defer close(returned)
		select {
		case <-release:
			return &client.Response{Body: json.RawMessage(`[]`), StatusCode: 200}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	var produced atomic.Int32
	f.resolver.Register("/api/stock_data", func(ctx context.Context, req fallback.Request) (any, error) {
		produced.Add(1)
		return []any{}, nil
	})

	var failures atomic.Int32
	var changes atomic.Int32
	b := f.c.Bind(context.Background(), "/api/stock_data", nil, Options{
		OnFailure: func(*Failure) { failures.Add(1) },
		OnChange:  func(Snapshot) { changes.Add(1) },
	})
	f.tr.waitEntered(t, "/api/stock_data")
	require.Equal(t, StateLoading, b.State())

	b.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not cancelled")
	}
	waitSettled(t, b)

	assert.Equal(t, StateLoading, b.State(), "close leaves the state as it was")
	assert.Nil(t, b.Failure())
	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, int32(1), changes.Load(), "only the loading transition")
	assert.Equal(t, int32(0), produced.Load())

	connFailures, _ := f.conn.counts()
	assert.Equal(t, 0, connFailures)
	assert.Equal(t, 0, f.c.Store().Len())
	assert.Equal(t, 0, f.c.Bindings())
}

func TestBinding_ContextEndsBinding(t *testing.T) {
	f := newFixture(t)
	f.tr.JSON("/api/stores", `[]`)

	ctx, cancel := context.WithCancel(context.Background())
	b := f.c.Bind(ctx, "/api/stores", nil, Options{})
	waitSettled(t, b)
	require.Equal(t, 1, f.c.Bindings())

	cancel()
	require.Eventually(t, func() bool { return f.c.Bindings() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReady, b.State())
}

func TestBinding_DomainActionRefetches(t *testing.T) {
	f := newFixture(t)
	f.tr.Sequence("/api/products", `[{"id":1}]`, `[{"id":1},{"id":2}]`)
	f.tr.JSON("/api/productions", `[]`)
	ctx := context.Background()

	products := f.c.Bind(ctx, "/api/products", nil, Options{})
	defer products.Close()
	productions := f.c.Bind(ctx, "/api/productions", nil, Options{})
	defer productions.Close()
	waitSettled(t, products)
	waitSettled(t, productions)

	n, err := f.c.PublishDomainAction(ctx, "product_created", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitSettled(t, products)
	assert.Equal(t, StateReady, products.State())
	assert.JSONEq(t, `[{"id":1},{"id":2}]`, string(products.Value()))

	assert.Equal(t, 2, f.tr.Calls("/api/products"))
	assert.Equal(t, 1, f.tr.Calls("/api/productions"))
	assert.Equal(t, 1, f.relay.count())
}

func TestBinding_RemoteInvalidationRefetches(t *testing.T) {
	f := newFixture(t)
	f.tr.Sequence("/api/deliveries", `[]`, `[{"id":"d1"}]`)

	b := f.c.Bind(context.Background(), "/api/deliveries", nil, Options{})
	defer b.Close()
	waitSettled(t, b)

	n := f.c.ApplyRemote(invalidation.ForKeys("/api/deliveries"))
	assert.Equal(t, 1, n)
	waitSettled(t, b)

	assert.JSONEq(t, `[{"id":"d1"}]`, string(b.Value()))
	assert.Equal(t, 0, f.relay.count())
}

func TestBinding_LastSettledWins(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.tr.Blocking("/api/products", `["remote"]`, release)

	b := f.c.Bind(context.Background(), "/api/products", nil, Options{})
	defer b.Close()
	f.tr.waitEntered(t, "/api/products")

	// a local write settles while the network load is still out
	require.NoError(t, f.c.Put(b.Key(), []string{"local"}))
	assert.JSONEq(t, `["local"]`, string(b.Value()))
	assert.Equal(t, StateLoading, b.State())

	close(release)
	waitSettled(t, b)
	assert.JSONEq(t, `["remote"]`, string(b.Value()))
	assert.Equal(t, StateReady, b.State())

	require.NoError(t, b.SetValue([]string{"local-2"}))
	assert.JSONEq(t, `["local-2"]`, string(b.Value()))

	entry, ok := f.c.Store().Read(b.Key().String())
	require.True(t, ok)
	assert.JSONEq(t, `["local-2"]`, string(entry.Value))
	assert.Equal(t, entry.Version, b.Snapshot().Version)
}

func TestBinding_SetValueReachesEveryBinding(t *testing.T) {
	f := newFixture(t)
	f.tr.JSON("/api/stores", `[{"id":1}]`)
	ctx := context.Background()

	a := f.c.Bind(ctx, "/api/stores", nil, Options{})
	defer a.Close()
	waitSettled(t, a)
	b := f.c.Bind(ctx, "/api/stores", nil, Options{})
	defer b.Close()

	require.NoError(t, a.SetValue([]map[string]int{{"id": 2}}))

	assert.JSONEq(t, `[{"id":2}]`, string(b.Value()))
	assert.Equal(t, StateReady, b.State())
	assert.Equal(t, 1, f.tr.Calls("/api/stores"))

	var stores []struct {
		ID int `json:"id"`
	}
	require.NoError(t, b.Decode(&stores))
	assert.Equal(t, 2, stores[0].ID)
}

func TestBinding_EvictKeepsValue(t *testing.T) {
	f := newFixture(t)
	f.tr.JSON("/api/flavors", `["mango"]`)

	b := f.c.Bind(context.Background(), "/api/flavors", nil, Options{})
	defer b.Close()
	waitSettled(t, b)

	b.Evict()

	_, ok := f.c.Store().Read(b.Key().String())
	assert.False(t, ok)
	assert.JSONEq(t, `["mango"]`, string(b.Value()))
	assert.Equal(t, StateReady, b.State())
}

func TestBinding_Disabled(t *testing.T) {
	f := newFixture(t)
	f.tr.JSON("/api/web_users", `[{"id":"u1"}]`)
	ctx := context.Background()

	b := f.c.Bind(ctx, "/api/web_users", nil, Options{Disabled: true})
	defer b.Close()

	require.NoError(t, b.Wait(ctx))
	assert.Equal(t, StateIdle, b.State())
	assert.Equal(t, 0, f.tr.Calls("/api/web_users"))

	// invalidation reaches it but does not load
	n := f.c.PublishInvalidation(ctx, invalidation.ForKeys("/api/web_users"))
	assert.Equal(t, 1, n)
	assert.Equal(t, StateIdle, b.State())

	b.SetEnabled(true)
	waitSettled(t, b)
	assert.Equal(t, StateReady, b.State())
	assert.Equal(t, 1, f.tr.Calls("/api/web_users"))

	b.SetEnabled(false)
	b.Refetch()
	assert.Equal(t, StateReady, b.State())
	assert.Equal(t, 1, f.tr.Calls("/api/web_users"))
}

func TestBinding_ReenableAfterInvalidation(t *testing.T) {
	f := newFixture(t)
	f.tr.Sequence("/api/products", `["old"]`, `["new"]`)
	ctx := context.Background()

	b := f.c.Bind(ctx, "/api/products", nil, Options{})
	defer b.Close()
	waitSettled(t, b)
	require.JSONEq(t, `["old"]`, string(b.Value()))

	b.SetEnabled(false)
	f.c.PublishInvalidation(ctx, invalidation.ForKeys("/api/products"))
	assert.Equal(t, 1, f.tr.Calls("/api/products"), "disabled binding refetched")
	assert.Equal(t, 0, f.c.Store().Len())

	b.SetEnabled(true)
	waitSettled(t, b)
	assert.Equal(t, StateReady, b.State())
	assert.Equal(t, 2, f.tr.Calls("/api/products"))
	assert.JSONEq(t, `["new"]`, string(b.Value()))
}

func TestBinding_ReenableAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.tr.Sequence("/api/products", `["old"]`, `["new"]`)
	ctx := context.Background()

	b := f.c.Bind(ctx, "/api/products", nil, Options{})
	defer b.Close()
	waitSettled(t, b)

	// re-enabling with a fresh entry does not load
	b.SetEnabled(false)
	b.SetEnabled(true)
	waitSettled(t, b)
	assert.Equal(t, 1, f.tr.Calls("/api/products"))

	b.SetEnabled(false)
	f.clock.Advance(31 * time.Second)
	b.SetEnabled(true)
	waitSettled(t, b)
	assert.Equal(t, 2, f.tr.Calls("/api/products"))
	assert.JSONEq(t, `["new"]`, string(b.Value()))
}

func TestBinding_RefetchOnActivate(t *testing.T) {
	f := newFixture(t)
	f.tr.Sequence("/api/sales", `[]`, `[{"id":"s1"}]`)
	ctx := context.Background()

	first := f.c.Bind(ctx, "/api/sales", nil, Options{})
	defer first.Close()
	waitSettled(t, first)

	second := f.c.Bind(ctx, "/api/sales", nil, Options{RefetchOnActivate: true})
	defer second.Close()
	assert.Equal(t, StateLoading, second.State())
	waitSettled(t, second)

	assert.JSONEq(t, `[{"id":"s1"}]`, string(second.Value()))
	// the first binding observes the write as well
	assert.JSONEq(t, `[{"id":"s1"}]`, string(first.Value()))
	assert.Equal(t, 2, f.tr.Calls("/api/sales"))
}

func TestBinding_ConcurrentRefetchesShare(t *testing.T) {
	f := newFixture(t)
	f.tr.JSON("/api/drivers", `[]`)

	b := f.c.Bind(context.Background(), "/api/drivers", nil, Options{})
	defer b.Close()
	waitSettled(t, b)

	release := make(chan struct{})
	f.tr.Blocking("/api/drivers", `[{"id":1}]`, release)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Refetch()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return f.tr.Calls("/api/drivers") == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitSettled(t, b)

	assert.JSONEq(t, `[{"id":1}]`, string(b.Value()))
	assert.Equal(t, 2, f.tr.Calls("/api/drivers"))
}

func TestState_MarshalText(t *testing.T) {
	data, err := json.Marshal(Snapshot{Key: "/api/stores", State: StateReady})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"ready"`)
	assert.Equal(t, "unknown", State(42).String())
}
