// Package stream connects the pub/sub backbone to client-facing websocket
// connections: one pump goroutine per channel moves validated payloads from
// the broker into the registry's fan-out.
package stream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tickstream/tickstream/internal/broker"
	"github.com/tickstream/tickstream/internal/registry"
	"github.com/tickstream/tickstream/pkg/models"
)

// Service runs the per-channel pumps.
type Service struct {
	logger   *zap.Logger
	broker   broker.Broker
	registry *registry.Registry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewService wires the broker to the registry.
func NewService(b broker.Broker, r *registry.Registry, logger *zap.Logger) *Service {
	return &Service{logger: logger, broker: b, registry: r}
}

// Start subscribes every channel and begins pumping. Payloads are forwarded
// byte-for-byte as published; the pump adds no transformation and no retry.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("stream service already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	streams := make(map[models.Channel]<-chan broker.Message, len(models.AllChannels()))
	for _, ch := range models.AllChannels() {
		stream, err := s.broker.Subscribe(ctx, ch)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe channel %s: %w", ch, err)
		}
		streams[ch] = stream
	}

	s.cancel = cancel
	s.running = true
	for ch, stream := range streams {
		s.wg.Add(1)
		go s.pump(ch, stream)
	}

	s.logger.Info("stream service started", zap.Int("channels", len(streams)))
	return nil
}

func (s *Service) pump(channel models.Channel, stream <-chan broker.Message) {
	defer s.wg.Done()
	for msg := range stream {
		sent := s.registry.Broadcast(channel, msg.Raw)
		s.logger.Debug("payload fanned out",
			zap.String("channel", channel.String()),
			zap.Int("delivered", sent),
			zap.Int("bytes", len(msg.Raw)))
	}
	s.logger.Info("channel pump stopped", zap.String("channel", channel.String()))
}

// Stop cancels the subscriptions and waits for the pumps to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("stream service stopped")
}
