package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/internal/broker"
	"github.com/tickstream/tickstream/internal/cache"
	"github.com/tickstream/tickstream/internal/config"
	"github.com/tickstream/tickstream/internal/registry"
	"github.com/tickstream/tickstream/pkg/models"
)

// fakeBroker hands out in-process channels the test publishes into directly.
type fakeBroker struct {
	mu    sync.Mutex
	chans map[models.Channel]chan broker.Message
	once  sync.Once
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{chans: make(map[models.Channel]chan broker.Message)}
}

func (f *fakeBroker) Subscribe(ctx context.Context, channel models.Channel) (<-chan broker.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan broker.Message, 16)
	f.chans[channel] = ch
	return ch, nil
}

func (f *fakeBroker) Health(models.Channel) broker.Health { return broker.HealthConnected }

func (f *fakeBroker) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, ch := range f.chans {
			close(ch)
		}
	})
	return nil
}

func (f *fakeBroker) publish(channel models.Channel, raw []byte) {
	f.mu.Lock()
	ch := f.chans[channel]
	f.mu.Unlock()
	ch <- broker.Message{Channel: channel, Raw: raw}
}

// fakeFeeds serves canned snapshots per channel.
type fakeFeeds struct {
	snapErr error
}

func (f *fakeFeeds) Snapshot(ctx context.Context, channel models.Channel) ([]byte, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return []byte(fmt.Sprintf(`{"type":%q,"data":[],"timestamp":"2026-08-25T10:00:00Z"}`, channel.SnapshotType())), nil
}

func (f *fakeFeeds) LatestCrypto(context.Context) ([]models.PriceUpdate, error)   { return nil, nil }
func (f *fakeFeeds) LatestEquities(context.Context) ([]models.PriceUpdate, error) { return nil, nil }
func (f *fakeFeeds) LatestETF(context.Context) ([]models.PriceUpdate, error)      { return nil, nil }
func (f *fakeFeeds) LatestEquity(context.Context, string) (models.PriceUpdate, bool, error) {
	return models.PriceUpdate{}, false, nil
}
func (f *fakeFeeds) OpeningPrint(context.Context, string, time.Time) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeFeeds) LastTradeBefore(context.Context, string, time.Time) (float64, bool, error) {
	return 0, false, nil
}
func (f *fakeFeeds) SnapshotBefore(context.Context, string, time.Time) (float64, bool, error) {
	return 0, false, nil
}

// memBackend is a minimal in-memory cache backend.
type memBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (m *memBackend) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewStringCmd(ctx, "get", key)
	if val, ok := m.values[key]; ok {
		cmd.SetVal(string(val))
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (m *memBackend) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value.([]byte)
	cmd := redis.NewStatusCmd(ctx, "set", key)
	cmd.SetVal("OK")
	return cmd
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    time.Second,
		PingInterval:    50 * time.Millisecond,
		PongTimeout:     2 * time.Second,
		MaxMessageSize:  64 * 1024,
	}
}

type harness struct {
	server   *httptest.Server
	registry *registry.Registry
	broker   *fakeBroker
	service  *Service
}

func newHarness(t *testing.T, feeds *fakeFeeds) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(zap.NewNop())
	store := cache.NewStore(&memBackend{values: make(map[string][]byte)}, zap.NewNop())
	ep := NewEndpoint(reg, store, feeds, testStreamConfig(), 30*time.Second, zap.NewNop())

	router := gin.New()
	router.GET("/ws/:domain", ep.Handle)
	server := httptest.NewServer(router)

	b := newFakeBroker()
	svc := NewService(b, reg, zap.NewNop())
	require.NoError(t, svc.Start(context.Background()))

	t.Cleanup(func() {
		_ = b.Close()
		svc.Stop()
		reg.Close()
		server.Close()
	})
	return &harness{server: server, registry: reg, broker: b, service: svc}
}

func (h *harness) dial(t *testing.T, domain string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/" + domain
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return data
}

func waitForConnections(t *testing.T, reg *registry.Registry, channel models.Channel, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return reg.Stats()[channel].Connections == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshotThenLiveUpdates(t *testing.T) {
	h := newHarness(t, &fakeFeeds{})

	c1 := h.dial(t, "crypto")
	c2 := h.dial(t, "crypto")
	e1 := h.dial(t, "equity-trade")

	// First frame on every connection is the snapshot.
	assert.Contains(t, string(readFrame(t, c1)), `"type":"crypto_snapshot"`)
	assert.Contains(t, string(readFrame(t, c2)), `"type":"crypto_snapshot"`)
	assert.Contains(t, string(readFrame(t, e1)), `"type":"equity_trade_snapshot"`)

	waitForConnections(t, h.registry, models.ChannelCrypto, 2)
	waitForConnections(t, h.registry, models.ChannelEquityTrade, 1)

	cryptoPayload := []byte(`{"type":"crypto_update","data":[{"symbol":"BTC","price":50000,"timestamp":"2026-08-25T10:00:00Z"}],"timestamp":"2026-08-25T10:00:00Z"}`)
	equityPayload := []byte(`{"type":"equity_trade_update","data":[{"symbol":"AAPL","price":230,"timestamp":"2026-08-25T10:00:00Z"}],"timestamp":"2026-08-25T10:00:00Z"}`)
	h.broker.publish(models.ChannelCrypto, cryptoPayload)
	h.broker.publish(models.ChannelEquityTrade, equityPayload)

	// Delivered verbatim, routed by channel.
	assert.Equal(t, cryptoPayload, readFrame(t, c1))
	assert.Equal(t, cryptoPayload, readFrame(t, c2))
	assert.Equal(t, equityPayload, readFrame(t, e1))
}

func TestUnknownDomainRejected(t *testing.T) {
	h := newHarness(t, &fakeFeeds{})

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/bonds"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshotFailureStillAttaches(t *testing.T) {
	h := newHarness(t, &fakeFeeds{snapErr: errors.New("database unavailable")})

	c1 := h.dial(t, "crypto")
	waitForConnections(t, h.registry, models.ChannelCrypto, 1)

	payload := []byte(`{"type":"crypto_update","data":[],"timestamp":"2026-08-25T10:00:00Z"}`)
	h.broker.publish(models.ChannelCrypto, payload)

	// No snapshot frame: the first thing the client sees is the live update.
	assert.Equal(t, payload, readFrame(t, c1))
}

func TestDisconnectDetachesFromRegistry(t *testing.T) {
	h := newHarness(t, &fakeFeeds{})

	c1 := h.dial(t, "crypto")
	readFrame(t, c1) // snapshot
	waitForConnections(t, h.registry, models.ChannelCrypto, 1)

	require.NoError(t, c1.Close())
	waitForConnections(t, h.registry, models.ChannelCrypto, 0)
}

func TestKeepaliveSurvivesQuietChannel(t *testing.T) {
	h := newHarness(t, &fakeFeeds{})

	c1 := h.dial(t, "crypto")
	readFrame(t, c1) // snapshot
	waitForConnections(t, h.registry, models.ChannelCrypto, 1)

	// Several ping intervals with no traffic: connection must stay attached.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.registry.Stats()[models.ChannelCrypto].Connections)

	payload := []byte(`{"type":"crypto_update","data":[],"timestamp":"2026-08-25T10:00:00Z"}`)
	h.broker.publish(models.ChannelCrypto, payload)
	assert.Equal(t, payload, readFrame(t, c1))
}
