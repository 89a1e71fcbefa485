package models

import (
	"time"
)

// Channel names a broadcast topic. The set is fixed: the broker subscribes to
// exactly these channels and the registry routes by them.
type Channel string

const (
	ChannelCrypto       Channel = "crypto"
	ChannelEquityTrade  Channel = "equity-trade"
	ChannelEquityMarket Channel = "equity-market"
	ChannelETFTrade     Channel = "etf-trade"
	ChannelETFMarket    Channel = "etf-market"
)

// AllChannels returns the fixed channel set in a stable order.
func AllChannels() []Channel {
	return []Channel{
		ChannelCrypto,
		ChannelEquityTrade,
		ChannelEquityMarket,
		ChannelETFTrade,
		ChannelETFMarket,
	}
}

// channelTags maps each channel to its incremental-update type tag. A payload
// arriving on a channel with any other tag is dropped at the broker boundary.
var channelTags = map[Channel]string{
	ChannelCrypto:       "crypto_update",
	ChannelEquityTrade:  "equity_trade_update",
	ChannelEquityMarket: "equity_market_update",
	ChannelETFTrade:     "etf_trade_update",
	ChannelETFMarket:    "etf_market_update",
}

// ParseChannel maps a client-facing domain name (the ":domain" path segment of
// /ws/:domain) to a Channel. Returns false for anything outside the fixed set.
func ParseChannel(name string) (Channel, bool) {
	ch := Channel(name)
	if _, ok := channelTags[ch]; !ok {
		return "", false
	}
	return ch, true
}

// UpdateType returns the type tag expected on incremental payloads.
func (c Channel) UpdateType() string { return channelTags[c] }

// SnapshotType returns the type tag placed on the first message sent to a new
// connection. The envelope shape is identical to an update; only intent differs.
func (c Channel) SnapshotType() string {
	switch c {
	case ChannelCrypto:
		return "crypto_snapshot"
	case ChannelEquityTrade:
		return "equity_trade_snapshot"
	case ChannelEquityMarket:
		return "equity_market_snapshot"
	case ChannelETFTrade:
		return "etf_trade_snapshot"
	case ChannelETFMarket:
		return "etf_market_snapshot"
	}
	return ""
}

// CacheKey returns the namespaced cache key holding the channel's latest state.
func (c Channel) CacheKey() string { return string(c) + ":latest" }

func (c Channel) String() string { return string(c) }

// PriceUpdate is one per-symbol record inside a broadcast envelope.
type PriceUpdate struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Volume        float64   `json:"volume,omitempty"`
	ChangePercent *float64  `json:"change_percent,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Envelope is the unit carried on a channel: a type tag identifying the payload
// shape, the per-symbol records in publish order, and a generation timestamp.
type Envelope struct {
	Type      string        `json:"type"`
	Data      []PriceUpdate `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// CryptoTick is one ingested crypto price row. Ingestion pipelines own writes;
// this service only reads.
type CryptoTick struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Symbol    string    `json:"symbol" gorm:"type:varchar(20);index:idx_crypto_symbol_created"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_crypto_symbol_created"`
}

// TableName keeps the ingestion pipeline's table name.
func (CryptoTick) TableName() string { return "crypto_ticks" }

// EquityTrade is one ingested equity trade print.
type EquityTrade struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Symbol    string    `json:"symbol" gorm:"type:varchar(20);index:idx_equity_symbol_created"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_equity_symbol_created"`
}

func (EquityTrade) TableName() string { return "equity_trades" }

// ETFTrade is one ingested ETF trade print.
type ETFTrade struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Symbol    string    `json:"symbol" gorm:"type:varchar(20);index:idx_etf_symbol_created"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_etf_symbol_created"`
}

func (ETFTrade) TableName() string { return "etf_trades" }
