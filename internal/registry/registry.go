// Package registry owns the set of live streaming connections and fans
// broadcast payloads out to them.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/pkg/metrics"
	"github.com/tickstream/tickstream/pkg/models"
)

// ErrClosed is returned by Register after the registry has been shut down.
var ErrClosed = errors.New("registry: closed")

// ErrUnknownChannel is returned when registering under a name outside the
// fixed channel set.
var ErrUnknownChannel = errors.New("registry: unknown channel")

// Conn is the transport a registered client writes to. Production wraps a
// websocket connection; tests inject failing implementations.
type Conn interface {
	// WriteMessage sends one payload. Any error tears the connection down.
	WriteMessage(data []byte) error
	// Close releases the transport. Must be idempotent.
	Close() error
}

// Handle identifies one registration for later removal.
type Handle struct {
	id      uuid.UUID
	channel models.Channel
}

// Channel returns the channel this handle was registered under.
func (h *Handle) Channel() models.Channel { return h.channel }

// client is one live connection plus its diagnostics metadata.
type client struct {
	conn        Conn
	remote      string
	connectedAt time.Time
	lastSend    atomic.Int64 // unix nanos of last successful send
	closeOnce   sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

// ChannelStats is a read-only snapshot of one channel's bucket.
type ChannelStats struct {
	Connections int       `json:"connections"`
	OldestSince time.Time `json:"oldest_since,omitempty"`
}

// Registry holds live connections bucketed by channel. It is constructed
// explicitly and passed by reference; multiple isolated instances can coexist
// (one per test, one per process).
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	buckets map[models.Channel]map[uuid.UUID]*client
	closed  bool
}

// New creates an empty registry with a bucket per known channel.
func New(logger *zap.Logger) *Registry {
	buckets := make(map[models.Channel]map[uuid.UUID]*client, len(models.AllChannels()))
	for _, ch := range models.AllChannels() {
		buckets[ch] = make(map[uuid.UUID]*client)
	}
	return &Registry{logger: logger, buckets: buckets}
}

// Register adds a connection under a channel bucket. The connection becomes
// eligible for broadcasts that start after this call returns; broadcasts
// already in flight took their snapshot without it.
func (r *Registry) Register(channel models.Channel, conn Conn, remote string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	bucket, ok := r.buckets[channel]
	if !ok {
		return nil, ErrUnknownChannel
	}

	id := uuid.New()
	c := &client{
		conn:        conn,
		remote:      remote,
		connectedAt: time.Now(),
	}
	bucket[id] = c
	metrics.ActiveConnections.WithLabelValues(channel.String()).Inc()

	r.logger.Debug("connection registered",
		zap.String("channel", channel.String()),
		zap.String("conn_id", id.String()),
		zap.String("remote", remote))

	return &Handle{id: id, channel: channel}, nil
}

// Unregister removes a connection and closes its transport. Idempotent; safe
// to call while a broadcast to the same handle is in flight — the broadcast
// pass works on its own snapshot and treats the resulting send failure like
// any other.
func (r *Registry) Unregister(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	bucket := r.buckets[h.channel]
	c, ok := bucket[h.id]
	if ok {
		delete(bucket, h.id)
		metrics.ActiveConnections.WithLabelValues(h.channel.String()).Dec()
	}
	r.mu.Unlock()

	if ok {
		c.close()
		r.logger.Debug("connection unregistered",
			zap.String("channel", h.channel.String()),
			zap.String("conn_id", h.id.String()))
	}
}

// Broadcast delivers payload to every connection registered under channel at
// the moment the pass begins. A failing connection never aborts delivery to
// its siblings; failures are collected and the offenders removed after the
// full pass. Returns the number of successful sends.
func (r *Registry) Broadcast(channel models.Channel, payload []byte) int {
	r.mu.RLock()
	bucket, ok := r.buckets[channel]
	if !ok {
		r.mu.RUnlock()
		r.logger.Warn("broadcast for unknown channel dropped", zap.String("channel", channel.String()))
		return 0
	}
	// Stable snapshot: concurrent register/unregister must not corrupt the pass.
	snapshot := make(map[uuid.UUID]*client, len(bucket))
	for id, c := range bucket {
		snapshot[id] = c
	}
	r.mu.RUnlock()

	metrics.BroadcastsTotal.WithLabelValues(channel.String()).Inc()

	var failed []uuid.UUID
	sent := 0
	for id, c := range snapshot {
		if err := c.conn.WriteMessage(payload); err != nil {
			// No retry: the client reconnects and re-snapshots.
			r.logger.Warn("send failed, tearing down connection",
				zap.String("channel", channel.String()),
				zap.String("conn_id", id.String()),
				zap.String("remote", c.remote),
				zap.Error(err))
			metrics.SendFailures.WithLabelValues(channel.String()).Inc()
			failed = append(failed, id)
			continue
		}
		c.lastSend.Store(time.Now().UnixNano())
		sent++
	}

	for _, id := range failed {
		r.Unregister(&Handle{id: id, channel: channel})
	}

	return sent
}

// Stats returns a per-channel snapshot for health reporting.
func (r *Registry) Stats() map[models.Channel]ChannelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.Channel]ChannelStats, len(r.buckets))
	for ch, bucket := range r.buckets {
		st := ChannelStats{Connections: len(bucket)}
		for _, c := range bucket {
			if st.OldestSince.IsZero() || c.connectedAt.Before(st.OldestSince) {
				st.OldestSince = c.connectedAt
			}
		}
		out[ch] = st
	}
	return out
}

// Close shuts the registry down: no further registrations are accepted and
// every held connection is closed. Broadcasts already past their snapshot
// finish against closed transports and fail harmlessly.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*client
	for ch, bucket := range r.buckets {
		for id, c := range bucket {
			all = append(all, c)
			delete(bucket, id)
			metrics.ActiveConnections.WithLabelValues(ch.String()).Dec()
		}
	}
	r.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	r.logger.Info("registry closed", zap.Int("connections_closed", len(all)))
}
