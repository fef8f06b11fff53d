package invalidation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the redis pub/sub channel used by RedisRelay.
const DefaultChannel = "dashboard:invalidation"

var relayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dashboard_invalidation_relay_messages_total",
	Help: "Total relay messages by direction (sent, received, skipped, invalid)",
}, []string{"direction"})

// RedisRelay fans invalidation events out to other gateway instances over
// redis pub/sub. Each relay tags outgoing events with its own origin and
// ignores them when they come back.
type RedisRelay struct {
	redis   *redis.Client
	channel string
	origin  string
	logger  zerolog.Logger
}

// NewRedisRelay creates a relay on channel (DefaultChannel when empty).
func NewRedisRelay(client *redis.Client, channel string, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	origin := uuid.NewString()
	return &RedisRelay{
		redis:   client,
		channel: channel,
		origin:  origin,
		logger: logger.With().
			Str("component", "invalidation-relay").
			Str("origin", origin).
			Logger(),
	}
}

// Origin returns the id stamped on events sent by this relay.
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Broadcast publishes ev to the other instances.
func (r *RedisRelay) Broadcast(ctx context.Context, ev Event) error {
	ev.Origin = r.origin
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal invalidation event: %w", err)
	}
	if err := r.redis.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish invalidation event: %w", err)
	}
	relayMessages.WithLabelValues("sent").Inc()
	return nil
}

// Start subscribes to the channel and delivers foreign events to deliver
// until ctx is done. It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context, deliver func(Event)) error {
	pubsub := r.redis.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	r.logger.Info().Str("channel", r.channel).Msg("Invalidation relay subscribed")

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("Invalidation relay stopped")
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				r.handle(msg.Payload, deliver)
			}
		}
	}()

	return nil
}

func (r *RedisRelay) handle(payload string, deliver func(Event)) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		relayMessages.WithLabelValues("invalid").Inc()
		r.logger.Warn().Err(err).Msg("Dropping malformed invalidation message")
		return
	}
	if ev.Origin == r.origin {
		relayMessages.WithLabelValues("skipped").Inc()
		return
	}
	relayMessages.WithLabelValues("received").Inc()
	deliver(ev)
}
