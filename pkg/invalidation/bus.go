package invalidation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_invalidation_events_total",
		Help: "Total invalidation events published by source",
	}, []string{"source"})

	notificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_invalidation_notifications_total",
		Help: "Total subscriber notifications delivered",
	})

	handlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_invalidation_handler_panics_total",
		Help: "Total subscriber handlers that panicked",
	})

	subscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_invalidation_subscribers",
		Help: "Number of registered invalidation subscribers",
	})
)

// Handler is called with every event matching the subscriber's key.
type Handler func(ev Event)

type subscription struct {
	key     string
	handler Handler
}

// Bus is a typed observer registry for invalidation events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	logger zerolog.Logger
}

// NewBus creates a bus without subscribers.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]subscription),
		logger: logger.With().Str("component", "invalidation").Logger(),
	}
}

// Subscribe registers handler for key and returns the function that removes
// it. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(key string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{key: key, handler: handler}
	b.mu.Unlock()
	subscribersActive.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			subscribersActive.Dec()
		})
	}
}

// Publish delivers ev to every matching subscriber before returning and
// reports how many were notified. Handlers run outside the bus lock; a
// panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(ev Event) int {
	return b.publish(ev, "local")
}

// Deliver is Publish for events received from another instance.
func (b *Bus) Deliver(ev Event) int {
	return b.publish(ev, "remote")
}

func (b *Bus) publish(ev Event, source string) int {
	eventsPublished.WithLabelValues(source).Inc()

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if ev.Matches(sub.key) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug().
		Strs("keys", ev.Keys).
		Strs("patterns", ev.Patterns).
		Bool("all", ev.All).
		Str("action", ev.Action).
		Str("source", source).
		Int("subscribers", len(matched)).
		Msg("Publishing invalidation")

	for _, sub := range matched {
		b.notify(sub, ev)
	}
	notificationsTotal.Add(float64(len(matched)))
	return len(matched)
}

func (b *Bus) notify(sub subscription, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			handlerPanics.Inc()
			b.logger.Error().
				Str("key", sub.key).
				Interface("panic", p).
				Msg("Invalidation handler panicked")
		}
	}()
	sub.handler(ev)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
