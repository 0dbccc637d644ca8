package repository

import (
	"context"
	"time"

	"CandleFlow/internal/domain/models"
)

// Store is the source of truth for history. It may return fewer rows than the
// requested span implies, and rows may be finer-grained than tf.
type Store interface {
	FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error)
}

// CandleWriter receives completed candles downstream of aggregation.
type CandleWriter interface {
	WriteCandles(ctx context.Context, candles []models.Candle) error
	Close() error
}

// TickPublisher forwards raw ticks to a broker for fan-out.
type TickPublisher interface {
	Publish(ctx context.Context, t models.Tick) error
	Close() error
}

// MarketStream is a live tick source.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan models.Tick, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// MarketHours gates tick acceptance.
type MarketHours interface {
	IsMarketOpen() bool
}

// MarketHoursFunc adapts a plain predicate to MarketHours.
type MarketHoursFunc func() bool

func (f MarketHoursFunc) IsMarketOpen() bool { return f() }

// AlwaysOpen accepts ticks around the clock.
var AlwaysOpen MarketHours = MarketHoursFunc(func() bool { return true })

// Tick outcomes reported to Metrics.RecordTick.
const (
	TickAccepted     = "accepted"
	TickMarketClosed = "market_closed"
	TickMalformed    = "malformed"
	TickOutOfOrder   = "out_of_order"
	TickDuplicate    = "duplicate"
)

// Cache lookup results reported to Metrics.RecordCacheLookup.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

type Metrics interface {
	RecordTick(symbol string, tf models.Timeframe, outcome string)
	RecordCandleCompleted(tf models.Timeframe)
	RecordCacheLookup(tf models.Timeframe, result string)
	RecordStoreFetch(outcome string)
	RecordDataQualityFailure(reason string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
}
