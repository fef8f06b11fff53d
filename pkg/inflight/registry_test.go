package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refs(r *Registry, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flights[key]; ok {
		return f.refs
	}
	return 0
}

func waitForRefs(t *testing.T, r *Registry, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return refs(r, key) == n },
		time.Second, time.Millisecond, "expected %d callers on %s", n, key)
}

func TestJoin_Deduplicates(t *testing.T) {
	r := New(zerolog.Nop())
	release := make(chan struct{})
	var calls atomic.Int32

	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "vanilla", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	sharedCount := atomic.Int32{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, shared, err := r.Join(context.Background(), "/api/products", fn)
			assert.NoError(t, err)
			if shared {
				sharedCount.Add(1)
			}
			results[i] = v
		}(i)
	}

	waitForRefs(t, r, "/api/products", n)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(n-1), sharedCount.Load())
	for _, v := range results {
		assert.Equal(t, "vanilla", v)
	}
	assert.Equal(t, 0, r.Len())
}

func TestJoin_SharesErrors(t *testing.T) {
	r := New(zerolog.Nop())
	release := make(chan struct{})
	boom := errors.New("connection refused")

	fn := func(ctx context.Context) (any, error) {
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Join(context.Background(), "/api/sales", fn)
			assert.ErrorIs(t, err, boom)
		}()
	}
	waitForRefs(t, r, "/api/sales", 3)
	close(release)
	wg.Wait()
}

func TestJoin_FreshWorkAfterSettle(t *testing.T) {
	r := New(zerolog.Nop())
	var calls atomic.Int32
	fn := func(ctx context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}

	v1, shared, err := r.Join(context.Background(), "/api/stores", fn)
	require.NoError(t, err)
	assert.False(t, shared)
	assert.False(t, r.Running("/api/stores"), "entry must be gone once settled")

	v2, _, err := r.Join(context.Background(), "/api/stores", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
}

func TestJoin_IndividualCancelKeepsFlight(t *testing.T) {
	r := New(zerolog.Nop())
	release := make(chan struct{})
	flightCancelled := make(chan struct{}, 1)

	fn := func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return "chocolate", nil
		case <-ctx.Done():
			flightCancelled <- struct{}{}
			return nil, ctx.Err()
		}
	}

	leaverCtx, cancelLeaver := context.WithCancel(context.Background())
	leaverDone := make(chan error, 1)
	go func() {
		_, _, err := r.Join(leaverCtx, "/api/flavors", fn)
		leaverDone <- err
	}()

	stayerDone := make(chan any, 1)
	go func() {
		v, _, err := r.Join(context.Background(), "/api/flavors", fn)
		assert.NoError(t, err)
		stayerDone <- v
	}()

	waitForRefs(t, r, "/api/flavors", 2)
	cancelLeaver()
	assert.ErrorIs(t, <-leaverDone, context.Canceled)
	assert.Equal(t, 1, refs(r, "/api/flavors"))

	close(release)
	assert.Equal(t, "chocolate", <-stayerDone)

	select {
	case <-flightCancelled:
		t.Fatal("flight must not be cancelled while a caller remains")
	default:
	}
}

func TestJoin_SoleOwnerCancelAbortsFlight(t *testing.T) {
	r := New(zerolog.Nop())
	flightCancelled := make(chan struct{})
	var calls atomic.Int32

	blocking := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		close(flightCancelled)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := r.Join(ctx, "/api/deliveries", blocking)
		done <- err
	}()

	waitForRefs(t, r, "/api/deliveries", 1)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-flightCancelled:
	case <-time.After(time.Second):
		t.Fatal("flight context was not cancelled")
	}
	assert.False(t, r.Running("/api/deliveries"))

	v, shared, err := r.Join(context.Background(), "/api/deliveries", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestJoin_CancelledBeforeStart(t *testing.T) {
	r := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, _, err := r.Join(ctx, "k", func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestJoin_PanicBecomesError(t *testing.T) {
	r := New(zerolog.Nop())
	_, _, err := r.Join(context.Background(), "k", func(ctx context.Context) (any, error) {
		panic("scoop dropped")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scoop dropped")
	assert.Equal(t, 0, r.Len())
}

func TestClose_AbortsWithoutSurfacingAbort(t *testing.T) {
	r := New(zerolog.Nop())
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, _, err := r.Join(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()

	<-started
	r.Close()

	err := <-done
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotErrorIs(t, err, ErrAborted)

	_, _, err = r.Join(context.Background(), "other", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}
