// Package api exposes the HTTP surface: REST reads over the cache-aside path,
// the websocket attach point, and operational endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/internal/broker"
	"github.com/tickstream/tickstream/internal/cache"
	"github.com/tickstream/tickstream/internal/config"
	"github.com/tickstream/tickstream/internal/marketfeeds"
	"github.com/tickstream/tickstream/internal/registry"
	"github.com/tickstream/tickstream/internal/session"
	"github.com/tickstream/tickstream/internal/stream"
	"github.com/tickstream/tickstream/pkg/models"
)

// Server is the HTTP/WebSocket front of the process.
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	httpSrv  *http.Server
	cfg      config.ServerConfig
	cacheTTL time.Duration

	registry *registry.Registry
	broker   broker.Broker
	cache    *cache.Store
	feeds    marketfeeds.MarketFeedService
	resolver *session.Resolver
	endpoint *stream.Endpoint
}

// NewServer assembles the router with injected services.
func NewServer(
	cfg config.ServerConfig,
	cacheTTL time.Duration,
	reg *registry.Registry,
	b broker.Broker,
	store *cache.Store,
	feeds marketfeeds.MarketFeedService,
	resolver *session.Resolver,
	endpoint *stream.Endpoint,
	logger *zap.Logger,
) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		cacheTTL: cacheTTL,
		registry: reg,
		broker:   b,
		cache:    store,
		feeds:    feeds,
		resolver: resolver,
		endpoint: endpoint,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the gin engine; used by tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ws/:domain", s.endpoint.Handle)
	s.router.GET("/ws/status", s.wsStatus)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/crypto", s.latestHandler(models.ChannelCrypto))
		v1.GET("/equities", s.latestHandler(models.ChannelEquityTrade))
		v1.GET("/etf", s.latestHandler(models.ChannelETFTrade))
		v1.GET("/equities/:symbol/change", s.equityChange)
		v1.GET("/market/status", s.marketStatus)
	}
}

// latestHandler serves the channel's latest-state envelope over the same
// cache-aside path the websocket snapshot uses, so both surfaces observe the
// same cached value.
func (s *Server) latestHandler(channel models.Channel) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := s.cache.GetOrLoad(c.Request.Context(), channel.CacheKey(), s.cacheTTL, func(ctx context.Context) ([]byte, error) {
			return s.feeds.Snapshot(ctx, channel)
		})
		if err != nil {
			s.logger.Error("latest-state read failed",
				zap.String("channel", channel.String()),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
			return
		}
		c.Data(http.StatusOK, "application/json", payload)
	}
}

func (s *Server) equityChange(c *gin.Context) {
	symbol := c.Param("symbol")

	latest, found, err := s.feeds.LatestEquity(c.Request.Context(), symbol)
	if err != nil {
		s.logger.Error("latest trade read failed", zap.String("symbol", symbol), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}

	quote, err := s.resolver.Resolve(c.Request.Context(), session.AssetEquity, symbol, latest.Price)
	if err != nil {
		s.logger.Error("change resolution failed", zap.String("symbol", symbol), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) marketStatus(c *gin.Context) {
	now := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"session": s.resolver.Classify(now),
		"as_of":   now.UTC(),
	})
}

// wsStatus reports per-channel connection counts, backbone health, and cache
// counters in one operational snapshot.
func (s *Server) wsStatus(c *gin.Context) {
	stats := s.registry.Stats()
	channels := make(map[string]gin.H, len(stats))
	for _, ch := range models.AllChannels() {
		st := stats[ch]
		entry := gin.H{
			"connections": st.Connections,
			"backbone":    s.broker.Health(ch),
		}
		if !st.OldestSince.IsZero() {
			entry["oldest_since"] = st.OldestSince.UTC()
		}
		channels[ch.String()] = entry
	}
	c.JSON(http.StatusOK, gin.H{
		"channels": channels,
		"cache":    s.cache.Stats(),
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
