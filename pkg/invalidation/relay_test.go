package invalidation

import (
	"context"
	"testing"
	"time"

	"github.com/Sternrassler/dashboard-cache/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_HandleSkipsOwnOrigin(t *testing.T) {
	r := NewRedisRelay(nil, "", zerolog.Nop())
	assert.NotEmpty(t, r.Origin())

	var delivered []Event
	deliver := func(ev Event) { delivered = append(delivered, ev) }

	r.handle(`{"patterns":["/api/products"],"origin":"`+r.Origin()+`"}`, deliver)
	r.handle(`not json`, deliver)
	r.handle(`{"keys":["/api/stores"],"origin":"someone-else"}`, deliver)

	require.Len(t, delivered, 1)
	assert.Equal(t, []string{"/api/stores"}, delivered[0].Keys)
}

func TestRelay_BetweenInstances(t *testing.T) {
	client := testutil.LocalRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := NewRedisRelay(client, "dashboard:test:invalidation", zerolog.Nop())
	receiver := NewRedisRelay(client, "dashboard:test:invalidation", zerolog.Nop())

	received := make(chan Event, 4)
	require.NoError(t, receiver.Start(ctx, func(ev Event) { received <- ev }))

	echoed := make(chan Event, 4)
	require.NoError(t, sender.Start(ctx, func(ev Event) { echoed <- ev }))

	require.NoError(t, sender.Broadcast(ctx, Event{Patterns: []string{"/api/sales"}, Action: "sale_created"}))

	select {
	case ev := <-received:
		assert.Equal(t, "sale_created", ev.Action)
		assert.Equal(t, sender.Origin(), ev.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not get the event")
	}

	select {
	case ev := <-echoed:
		t.Fatalf("sender received its own event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
