package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/internal/config"
	"github.com/tickstream/tickstream/pkg/metrics"
	"github.com/tickstream/tickstream/pkg/models"
)

// pubsub is the slice of *redis.PubSub the consume loop needs; narrowed so
// tests can stand in for the backbone.
type pubsub interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// RedisBroker consumes the Redis pub/sub backbone. Each replica holds its own
// subscription per channel; Redis delivers every publish to every subscriber,
// which is exactly the cross-replica fan-in the serving tier needs.
type RedisBroker struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	base    time.Duration
	max     time.Duration
	downAt  int
	closed  chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup

	mu     sync.RWMutex
	health map[models.Channel]Health

	// subscribeFn indirection exists for reconnect tests.
	subscribeFn func(ctx context.Context, channel string) pubsub
}

// NewRedisBroker wraps an existing Redis client. The client is shared with the
// cache backend; the broker does not own its lifecycle.
func NewRedisBroker(client redis.UniversalClient, cfg config.BrokerConfig, logger *zap.Logger) *RedisBroker {
	b := &RedisBroker{
		client: client,
		logger: logger,
		base:   cfg.BackoffBase,
		max:    cfg.BackoffMax,
		downAt: cfg.DownThreshold,
		closed: make(chan struct{}),
		health: make(map[models.Channel]Health),
	}
	if b.base <= 0 {
		b.base = 250 * time.Millisecond
	}
	if b.max <= 0 {
		b.max = 30 * time.Second
	}
	if b.downAt <= 0 {
		b.downAt = 5
	}
	b.subscribeFn = func(ctx context.Context, channel string) pubsub {
		return b.client.Subscribe(ctx, channel)
	}
	return b
}

// Subscribe starts the consume loop for one channel.
func (b *RedisBroker) Subscribe(ctx context.Context, channel models.Channel) (<-chan Message, error) {
	select {
	case <-b.closed:
		return nil, ErrBrokerClosed
	default:
	}

	out := make(chan Message, 64)
	b.setHealth(channel, HealthReconnecting)
	b.wg.Add(1)
	go b.consume(ctx, channel, out)
	return out, nil
}

func (b *RedisBroker) consume(ctx context.Context, channel models.Channel, out chan<- Message) {
	defer b.wg.Done()
	defer close(out)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		default:
		}

		ps := b.subscribeFn(ctx, channel.String())
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			if ctx.Err() != nil {
				return
			}
			attempt++
			metrics.BrokerReconnects.WithLabelValues(channel.String()).Inc()
			b.degrade(channel, attempt)
			b.logger.Warn("backbone subscribe failed, backing off",
				zap.String("channel", channel.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if !b.sleep(ctx, backoffDelay(b.base, b.max, attempt)) {
				return
			}
			continue
		}

		b.setHealth(channel, HealthConnected)
		attempt = 0
		b.logger.Info("backbone subscription established", zap.String("channel", channel.String()))

		b.drain(ctx, channel, ps, out)
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-b.closed:
			return
		default:
		}

		// The message stream ended: backbone connection lost. Gaps during the
		// outage are accepted data loss; freshness, not completeness.
		attempt++
		metrics.BrokerReconnects.WithLabelValues(channel.String()).Inc()
		b.degrade(channel, attempt)
		b.logger.Warn("backbone connection lost, reconnecting",
			zap.String("channel", channel.String()),
			zap.Int("attempt", attempt))
		if !b.sleep(ctx, backoffDelay(b.base, b.max, attempt)) {
			return
		}
	}
}

// drain forwards validated payloads until the pubsub stream closes.
func (b *RedisBroker) drain(ctx context.Context, channel models.Channel, ps pubsub, out chan<- Message) {
	msgCh := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			raw := []byte(msg.Payload)
			env, err := decodeEnvelope(raw, channel)
			if err != nil {
				metrics.DroppedPayloads.WithLabelValues(channel.String(), dropReason(err)).Inc()
				b.logger.Warn("dropping payload",
					zap.String("channel", channel.String()),
					zap.Error(err))
				continue
			}
			select {
			case out <- Message{Channel: channel, Envelope: env, Raw: raw}:
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
		}
	}
}

func (b *RedisBroker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-b.closed:
		return false
	}
}

func (b *RedisBroker) setHealth(channel models.Channel, h Health) {
	b.mu.Lock()
	b.health[channel] = h
	b.mu.Unlock()
}

func (b *RedisBroker) degrade(channel models.Channel, attempt int) {
	if attempt >= b.downAt {
		b.setHealth(channel, HealthDown)
	} else {
		b.setHealth(channel, HealthReconnecting)
	}
}

// Health reports the channel's backbone connection state.
func (b *RedisBroker) Health(channel models.Channel) Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if h, ok := b.health[channel]; ok {
		return h
	}
	return HealthDown
}

// Close stops all consume loops and waits for them to exit.
func (b *RedisBroker) Close() error {
	b.closeMu.Do(func() { close(b.closed) })
	b.wg.Wait()
	return nil
}

func dropReason(err error) string {
	if errors.Is(err, errWrongType) {
		return "wrong_type"
	}
	return "malformed"
}
