package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/internal/config"
	"github.com/tickstream/tickstream/pkg/metrics"
	"github.com/tickstream/tickstream/pkg/models"
)

// KafkaBroker consumes one Kafka topic per channel. Every replica joins with
// its own consumer group so each publish reaches each replica, matching the
// Redis pub/sub delivery model.
type KafkaBroker struct {
	brokers []string
	logger  *zap.Logger
	base    time.Duration
	max     time.Duration
	downAt  int

	closed  chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup

	mu      sync.RWMutex
	health  map[models.Channel]Health
	readers []*kafka.Reader
}

// NewKafkaBroker constructs the Kafka-backed broker.
func NewKafkaBroker(cfg config.BrokerConfig, logger *zap.Logger) *KafkaBroker {
	b := &KafkaBroker{
		brokers: cfg.KafkaBrokers,
		logger:  logger,
		base:    cfg.BackoffBase,
		max:     cfg.BackoffMax,
		downAt:  cfg.DownThreshold,
		closed:  make(chan struct{}),
		health:  make(map[models.Channel]Health),
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
	return b
}

// Subscribe starts the consume loop for one channel's topic.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel models.Channel) (<-chan Message, error) {
	select {
	case <-b.closed:
		return nil, ErrBrokerClosed
	default:
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		Topic:   channel.String(),
		// Per-replica group: broadcast semantics, not work sharing.
		GroupID:     fmt.Sprintf("tickstream-%s-%s", channel, uuid.NewString()),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.health[channel] = HealthReconnecting
	b.mu.Unlock()

	out := make(chan Message, 64)
	b.wg.Add(1)
	go b.consume(ctx, channel, reader, out)
	return out, nil
}

func (b *KafkaBroker) consume(ctx context.Context, channel models.Channel, reader *kafka.Reader, out chan<- Message) {
	defer b.wg.Done()
	defer close(out)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		default:
		}

		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			metrics.BrokerReconnects.WithLabelValues(channel.String()).Inc()
			b.degrade(channel, failures)
			b.logger.Warn("kafka read failed, backing off",
				zap.String("channel", channel.String()),
				zap.Int("attempt", failures),
				zap.Error(err))
			if !b.sleep(ctx, backoffDelay(b.base, b.max, failures)) {
				return
			}
			continue
		}

		b.setHealth(channel, HealthConnected)
		failures = 0

		env, err := decodeEnvelope(m.Value, channel)
		if err != nil {
			metrics.DroppedPayloads.WithLabelValues(channel.String(), dropReason(err)).Inc()
			b.logger.Warn("dropping payload",
				zap.String("channel", channel.String()),
				zap.Error(err))
			continue
		}

		select {
		case out <- Message{Channel: channel, Envelope: env, Raw: m.Value}:
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		}
	}
}

func (b *KafkaBroker) sleep(ctx context.Context, d time.Duration) bool {
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

func (b *KafkaBroker) setHealth(channel models.Channel, h Health) {
	b.mu.Lock()
	b.health[channel] = h
	b.mu.Unlock()
}

func (b *KafkaBroker) degrade(channel models.Channel, failures int) {
	if failures >= b.downAt {
		b.setHealth(channel, HealthDown)
	} else {
		b.setHealth(channel, HealthReconnecting)
	}
}

// Health reports the channel's backbone connection state.
func (b *KafkaBroker) Health(channel models.Channel) Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if h, ok := b.health[channel]; ok {
		return h
	}
	return HealthDown
}

// Close stops all consume loops and closes the underlying readers.
func (b *KafkaBroker) Close() error {
	b.closeMu.Do(func() { close(b.closed) })
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	for _, r := range readers {
		_ = r.Close()
	}
	b.wg.Wait()
	return nil
}
