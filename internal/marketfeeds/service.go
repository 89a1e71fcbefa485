// Package marketfeeds reads ingested market data out of durable storage. It is
// the sole authoritative source: the cache in front of it and the realtime
// channels beside it are both derived views.
package marketfeeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tickstream/tickstream/pkg/models"
)

// MarketFeedService defines read operations over the ingested tick tables.
// Ingestion pipelines own all writes.
type MarketFeedService interface {
	LatestCrypto(ctx context.Context) ([]models.PriceUpdate, error)
	LatestEquities(ctx context.Context) ([]models.PriceUpdate, error)
	LatestETF(ctx context.Context) ([]models.PriceUpdate, error)
	LatestEquity(ctx context.Context, symbol string) (models.PriceUpdate, bool, error)
	Snapshot(ctx context.Context, channel models.Channel) ([]byte, error)

	OpeningPrint(ctx context.Context, symbol string, sessionOpen time.Time) (float64, bool, error)
	LastTradeBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error)
	SnapshotBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error)
}

// Service implements MarketFeedService on gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates the durable-storage read layer.
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("marketfeeds requires a database handle")
	}
	return &Service{logger: logger, db: db}, nil
}

// latestQuery selects the newest row per symbol from a tick table. Written as
// a join on the per-symbol max timestamp so it runs unchanged on postgres and
// on the sqlite used in tests.
const latestQuery = `
SELECT t.symbol, t.price, t.volume, t.created_at
FROM %s t
JOIN (
	SELECT symbol, MAX(created_at) AS max_created
	FROM %s
	GROUP BY symbol
) m ON t.symbol = m.symbol AND t.created_at = m.max_created
ORDER BY t.symbol`

type latestRow struct {
	Symbol    string
	Price     float64
	Volume    float64
	CreatedAt time.Time
}

func (s *Service) latest(ctx context.Context, table string) ([]models.PriceUpdate, error) {
	var rows []latestRow
	q := fmt.Sprintf(latestQuery, table, table)
	if err := s.db.WithContext(ctx).Raw(q).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query latest rows from %s: %w", table, err)
	}

	updates := make([]models.PriceUpdate, 0, len(rows))
	for _, r := range rows {
		updates = append(updates, models.PriceUpdate{
			Symbol:    r.Symbol,
			Price:     r.Price,
			Volume:    r.Volume,
			Timestamp: r.CreatedAt,
		})
	}
	return updates, nil
}

// LatestCrypto returns the newest price per crypto symbol.
func (s *Service) LatestCrypto(ctx context.Context) ([]models.PriceUpdate, error) {
	return s.latest(ctx, models.CryptoTick{}.TableName())
}

// LatestEquities returns the newest trade per equity symbol.
func (s *Service) LatestEquities(ctx context.Context) ([]models.PriceUpdate, error) {
	return s.latest(ctx, models.EquityTrade{}.TableName())
}

// LatestETF returns the newest trade per ETF symbol.
func (s *Service) LatestETF(ctx context.Context) ([]models.PriceUpdate, error) {
	return s.latest(ctx, models.ETFTrade{}.TableName())
}

// LatestEquity returns the newest trade for one equity symbol.
func (s *Service) LatestEquity(ctx context.Context, symbol string) (models.PriceUpdate, bool, error) {
	var trade models.EquityTrade
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("created_at DESC").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.PriceUpdate{}, false, nil
		}
		return models.PriceUpdate{}, false, fmt.Errorf("failed to load latest trade for %s: %w", symbol, err)
	}
	return models.PriceUpdate{
		Symbol:    trade.Symbol,
		Price:     trade.Price,
		Volume:    trade.Volume,
		Timestamp: trade.CreatedAt,
	}, true, nil
}

// snapshotTables maps a channel to the tick table backing its initial-state
// snapshot. Trade and market channels of the same domain share the table.
var snapshotTables = map[models.Channel]string{
	models.ChannelCrypto:       models.CryptoTick{}.TableName(),
	models.ChannelEquityTrade:  models.EquityTrade{}.TableName(),
	models.ChannelEquityMarket: models.EquityTrade{}.TableName(),
	models.ChannelETFTrade:     models.ETFTrade{}.TableName(),
	models.ChannelETFMarket:    models.ETFTrade{}.TableName(),
}

// Snapshot builds the snapshot-tagged envelope a newly attached connection
// receives before live updates. An empty table yields an envelope with an
// empty data array, not an error.
func (s *Service) Snapshot(ctx context.Context, channel models.Channel) ([]byte, error) {
	table, ok := snapshotTables[channel]
	if !ok {
		return nil, fmt.Errorf("no snapshot source for channel %q", channel)
	}

	updates, err := s.latest(ctx, table)
	if err != nil {
		return nil, err
	}
	if updates == nil {
		updates = []models.PriceUpdate{}
	}

	env := models.Envelope{
		Type:      channel.SnapshotType(),
		Data:      updates,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s snapshot: %w", channel, err)
	}
	return payload, nil
}

// OpeningPrint returns the first equity trade at-or-after sessionOpen.
func (s *Service) OpeningPrint(ctx context.Context, symbol string, sessionOpen time.Time) (float64, bool, error) {
	var trade models.EquityTrade
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND created_at >= ?", symbol, sessionOpen).
		Order("created_at ASC").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load opening print for %s: %w", symbol, err)
	}
	return trade.Price, true, nil
}

// LastTradeBefore returns the newest equity trade strictly before cutoff.
func (s *Service) LastTradeBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error) {
	var trade models.EquityTrade
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND created_at < ?", symbol, cutoff).
		Order("created_at DESC").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load last trade for %s: %w", symbol, err)
	}
	return trade.Price, true, nil
}

// SnapshotBefore returns the newest crypto tick at-or-before cutoff. When the
// lookback window outruns retention this still finds the closest earlier row.
func (s *Service) SnapshotBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error) {
	var tick models.CryptoTick
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND created_at <= ?", symbol, cutoff).
		Order("created_at DESC").
		First(&tick).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load lookback snapshot for %s: %w", symbol, err)
	}
	return tick.Price, true, nil
}
