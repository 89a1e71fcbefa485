// Package broker bridges the external pub/sub backbone to the process. It
// validates payload shape and maintains the backbone connection; fan-out
// policy lives entirely in the registry.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tickstream/tickstream/pkg/models"
)

// Health reports the state of one channel's backbone subscription.
type Health string

const (
	HealthConnected    Health = "connected"
	HealthReconnecting Health = "reconnecting"
	HealthDown         Health = "down"
)

// Message is one validated payload received from the backbone. Raw carries the
// published bytes verbatim; the broker never transforms what it forwards.
type Message struct {
	Channel  models.Channel
	Envelope models.Envelope
	Raw      []byte
}

// Broker produces, per channel, a lazy unbounded sequence of published
// payloads. The sequence is non-restartable: messages published during a
// backbone outage are lost, bounded by the outage duration.
type Broker interface {
	// Subscribe starts consuming the channel. The returned stream closes only
	// when ctx is cancelled or the broker is closed.
	Subscribe(ctx context.Context, channel models.Channel) (<-chan Message, error)
	// Health reports the channel's backbone connection state.
	Health(channel models.Channel) Health
	// Close stops all subscriptions.
	Close() error
}

// ErrBrokerClosed is returned by Subscribe after Close.
var ErrBrokerClosed = errors.New("broker: closed")

var errWrongType = errors.New("type tag does not match channel")

// decodeEnvelope validates a published payload against the channel's expected
// shape. Malformed payloads are dropped by callers, never propagated as
// stream-ending errors.
func decodeEnvelope(raw []byte, channel models.Channel) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("malformed payload: %w", err)
	}
	if env.Type != channel.UpdateType() {
		return env, fmt.Errorf("%w: got %q want %q", errWrongType, env.Type, channel.UpdateType())
	}
	if env.Data == nil {
		return env, errors.New("malformed payload: missing data")
	}
	return env, nil
}

// backoffDelay computes the capped exponential reconnect delay with ±20%
// jitter so replicas do not stampede the backbone in lockstep.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
