package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/internal/cache"
	"github.com/tickstream/tickstream/internal/config"
	"github.com/tickstream/tickstream/internal/marketfeeds"
	"github.com/tickstream/tickstream/internal/registry"
	"github.com/tickstream/tickstream/pkg/models"
)

// Endpoint upgrades HTTP requests to streaming connections and attaches them
// to the registry. Each new connection receives a snapshot of current state
// before live updates.
type Endpoint struct {
	logger   *zap.Logger
	registry *registry.Registry
	cache    *cache.Store
	feeds    marketfeeds.MarketFeedService
	cfg      config.StreamConfig
	cacheTTL time.Duration
	upgrader websocket.Upgrader
}

// NewEndpoint builds the websocket attach handler.
func NewEndpoint(r *registry.Registry, store *cache.Store, feeds marketfeeds.MarketFeedService, cfg config.StreamConfig, cacheTTL time.Duration, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		logger:   logger,
		registry: r,
		cache:    store,
		feeds:    feeds,
		cfg:      cfg,
		cacheTTL: cacheTTL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Origin policy is enforced by the CORS middleware in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle serves GET /ws/:domain.
func (e *Endpoint) Handle(c *gin.Context) {
	channel, ok := models.ParseChannel(c.Param("domain"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown stream domain"})
		return
	}

	ws, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		e.logger.Warn("websocket upgrade failed",
			zap.String("channel", channel.String()),
			zap.String("remote", c.ClientIP()),
			zap.Error(err))
		return
	}

	conn := newWSConn(ws, e.cfg.WriteTimeout)

	// Snapshot first, so the client has full state before incrementals arrive.
	// A snapshot failure is not fatal: the stream still carries updates and the
	// client can fetch state over REST.
	if snap, err := e.snapshot(c.Request.Context(), channel); err != nil {
		e.logger.Warn("snapshot unavailable, attaching without initial state",
			zap.String("channel", channel.String()),
			zap.Error(err))
	} else if err := conn.WriteMessage(snap); err != nil {
		e.logger.Warn("snapshot delivery failed",
			zap.String("channel", channel.String()),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	handle, err := e.registry.Register(channel, conn, c.ClientIP())
	if err != nil {
		_ = conn.Close()
		return
	}

	e.serve(conn, handle)
}

func (e *Endpoint) snapshot(ctx context.Context, channel models.Channel) ([]byte, error) {
	return e.cache.GetOrLoad(ctx, channel.CacheKey(), e.cacheTTL, func(ctx context.Context) ([]byte, error) {
		return e.feeds.Snapshot(ctx, channel)
	})
}

// serve owns the connection lifecycle after registration: keepalive pings and
// the read loop that detects the client going away. Blocks until the client
// disconnects.
func (e *Endpoint) serve(conn *wsConn, handle *registry.Handle) {
	defer e.registry.Unregister(handle)

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(e.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	ws := conn.ws
	ws.SetReadLimit(e.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(e.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(e.cfg.PongTimeout))
	})

	// Inbound frames are not part of the protocol; the read loop exists to
	// observe close and pong frames.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// wsConn adapts a websocket connection to registry.Conn: serialized writes,
// a per-write deadline, idempotent close.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
