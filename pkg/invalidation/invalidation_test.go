package invalidation

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Matches(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		key   string
		want  bool
	}{
		{"exact key", ForKeys("/api/stores"), "/api/stores", true},
		{"exact key is not a prefix", ForKeys("/api/stores"), "/api/stores?active=true", false},
		{"pattern bare endpoint", ForPattern("/api/products"), "/api/products", true},
		{"pattern with params", ForPattern("/api/products"), "/api/products?category=5", true},
		{"pattern does not match sibling", ForPattern("/api/products"), "/api/productions", false},
		{"pattern substring anywhere", ForPattern("overview"), "/api/dashboard/overview", true},
		{"empty pattern matches nothing", ForPattern(""), "/api/products", false},
		{"all", ForAll(), "/api/anything", true},
		{"zero event", Event{}, "/api/products", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Matches(tt.key))
		})
	}
}

func TestEvent_Empty(t *testing.T) {
	assert.True(t, Event{}.Empty())
	assert.True(t, ForPattern("").Empty())
	assert.False(t, ForKeys("k").Empty())
	assert.False(t, ForAll().Empty())
}

func TestBus_PublishNotifiesMatching(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	got := map[string]int{}
	record := func(key string) Handler {
		return func(ev Event) {
			mu.Lock()
			got[key]++
			mu.Unlock()
		}
	}

	for _, key := range []string{"/api/products", "/api/products?category=5", "/api/productions", "/api/stores"} {
		bus.Subscribe(key, record(key))
	}

	n := bus.Publish(ForPattern("/api/products"))
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]int{"/api/products": 1, "/api/products?category=5": 1}, got)
}

func TestBus_PublishIsSynchronous(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	done := false
	bus.Subscribe("/api/sales", func(ev Event) { done = true })

	bus.Publish(ForKeys("/api/sales"))
	assert.True(t, done, "handler must run before Publish returns")
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	calls := 0
	unsubscribe := bus.Subscribe("/api/flavors", func(ev Event) { calls++ })
	require.Equal(t, 1, bus.Len())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Len())

	bus.Publish(ForAll())
	assert.Equal(t, 0, calls)
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.Subscribe("/api/stock_data", func(ev Event) { panic("broken view") })
	reached := false
	bus.Subscribe("/api/stock_data", func(ev Event) { reached = true })

	assert.NotPanics(t, func() {
		assert.Equal(t, 2, bus.Publish(ForKeys("/api/stock_data")))
	})
	assert.True(t, reached)
}

func TestBus_HandlerMayUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var unsubscribe func()
	unsubscribe = bus.Subscribe("k", func(ev Event) { unsubscribe() })

	assert.NotPanics(t, func() { bus.Publish(ForKeys("k")) })
	assert.Equal(t, 0, bus.Len())
}

func TestActionTable_Event(t *testing.T) {
	actions := DefaultActions()

	ev, err := actions.Event("product_created")
	require.NoError(t, err)
	assert.Equal(t, "product_created", ev.Action)
	assert.True(t, ev.Matches("/api/products"))
	assert.True(t, ev.Matches("/api/products?category=5"))
	assert.True(t, ev.Matches("/api/flavors"))
	assert.False(t, ev.Matches("/api/productions"))
	assert.False(t, ev.Matches("/api/stores"))

	ev, err = actions.Event("sale_created")
	require.NoError(t, err)
	assert.True(t, ev.Matches("/api/dashboard/overview"))

	_, err = actions.Event("recipe_baked")
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

func TestActionTable_EventDoesNotAlias(t *testing.T) {
	actions := DefaultActions()
	ev, err := actions.Event("store_updated")
	require.NoError(t, err)
	ev.Patterns[0] = "/api/mutated"

	again, err := actions.Event("store_updated")
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/stores"}, again.Patterns)
}

func TestActionTable_With(t *testing.T) {
	base := DefaultActions()
	extended := base.With(ActionTable{"recipe_updated": {"/api/recipes"}})

	assert.Contains(t, extended.Names(), "recipe_updated")
	assert.NotContains(t, base.Names(), "recipe_updated")
	assert.Contains(t, extended.Names(), "product_created")
}
