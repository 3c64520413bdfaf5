// Package relay mirrors store change events between engine instances over
// Redis pub/sub so observers connected to any instance see every change.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"parkwise/internal/events"
	"parkwise/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	outboxSize     = 512
	publishTimeout = 2 * time.Second
)

type envelope struct {
	Instance  string          `json:"instance"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RedisRelay forwards local change events to a Redis channel and replays
// events from other instances onto the local bus.
type RedisRelay struct {
	client     *redis.Client
	bus        *events.EventBus
	channel    string
	instanceID string
	breaker    *gobreaker.CircuitBreaker
	outbox     chan *events.Event
	logger     *zerolog.Logger

	mu      sync.Mutex
	running bool
}

func NewRedisRelay(client *redis.Client, bus *events.EventBus, channel string, logger *zerolog.Logger) *RedisRelay {
	r := &RedisRelay{
		client:     client,
		bus:        bus,
		channel:    channel,
		instanceID: uuid.NewString(),
		outbox:     make(chan *events.Event, outboxSize),
		logger:     logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("relay breaker state changed")
		},
	})
	return r
}

func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// BreakerState reports the publish breaker state.
func (r *RedisRelay) BreakerState() gobreaker.State {
	return r.breaker.State()
}

// Forward queues a local event for publishing. Replayed events are not
// forwarded again. It never blocks; a full outbox drops the event.
func (r *RedisRelay) Forward(e *events.Event) error {
	if e.Source != "" {
		return nil
	}
	select {
	case r.outbox <- e:
		return nil
	default:
		metrics.IncRelay("out", "dropped")
		return fmt.Errorf("relay outbox full, dropped %s", e.Type)
	}
}

// Run subscribes to the channel, attaches to the bus and relays until ctx
// is done or the subscription closes.
func (r *RedisRelay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("relay already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	detach := r.bus.SubscribeAll(r.Forward)
	defer detach()

	r.logger.Info().Str("channel", r.channel).Str("instance", r.instanceID).Msg("change relay started")
	err := r.relay(ctx, pubsub.Channel())
	r.logger.Info().Msg("change relay stopped")
	return err
}

// relay runs both directions and stops them together.
func (r *RedisRelay) relay(parent context.Context, ch <-chan *redis.Message) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()

	r.receiveLoop(ctx, ch)
	cancel()
	wg.Wait()

	if parent.Err() == nil {
		return fmt.Errorf("subscription to %s closed", r.channel)
	}
	return nil
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.outbox:
			r.publish(ctx, e)
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, e *events.Event) {
	raw, err := json.Marshal(envelope{
		Instance:  r.instanceID,
		Type:      e.Type,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	})
	if err != nil {
		metrics.IncRelay("out", "error")
		r.logger.Error().Err(err).Str("type", e.Type).Msg("encode relay envelope")
		return
	}

	_, err = r.breaker.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return nil, r.client.Publish(pctx, r.channel, raw).Err()
	})
	switch {
	case err == nil:
		metrics.IncRelay("out", "ok")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.IncRelay("out", "open")
	default:
		metrics.IncRelay("out", "error")
		r.logger.Warn().Err(err).Str("type", e.Type).Msg("relay publish failed")
	}
}

func (r *RedisRelay) receiveLoop(ctx context.Context, ch <-chan *redis.Message) {
	source := "redis:" + r.channel
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				metrics.IncRelay("in", "error")
				r.logger.Warn().Err(err).Msg("malformed relay message")
				continue
			}
			if env.Instance == r.instanceID {
				continue
			}
			metrics.IncRelay("in", "ok")
			r.bus.Publish(&events.Event{
				Type:      env.Type,
				Payload:   env.Payload,
				CreatedAt: env.CreatedAt,
				Source:    source,
			})
		}
	}
}
