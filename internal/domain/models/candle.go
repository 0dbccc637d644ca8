package models

import (
	"math"
	"time"
)

// Tick is a single price update from the market-data feed.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Volume    float64
	// Turnover defaults to Price*Volume when the feed does not supply it.
	Turnover float64
}

// Valid reports whether the tick carries enough data to touch a candle.
func (t Tick) Valid() bool {
	if t.Symbol == "" || t.Timestamp.IsZero() {
		return false
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return false
	}
	return !(math.IsNaN(t.Volume) || math.IsInf(t.Volume, 0) || t.Volume < 0)
}

// EffectiveTurnover returns Turnover, falling back to Price*Volume.
func (t Tick) EffectiveTurnover() float64 {
	if t.Turnover > 0 {
		return t.Turnover
	}
	return t.Price * t.Volume
}

// Candle represents an OHLCV record over one timeframe window.
type Candle struct {
	Symbol         string
	Timeframe      Timeframe
	TimeframeStart time.Time
	TimeframeEnd   time.Time
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	Turnover       float64
	TickCount      int64
}

// Bar is one row served by a historical store. Columns the source did not
// supply are NaN.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// ToCandle converts a stored row into a candle of the given timeframe.
func (b Bar) ToCandle(symbol string, tf Timeframe) Candle {
	return Candle{
		Symbol:         symbol,
		Timeframe:      tf,
		TimeframeStart: b.Timestamp,
		TimeframeEnd:   tf.End(b.Timestamp),
		Open:           b.Open,
		High:           b.High,
		Low:            b.Low,
		Close:          b.Close,
		Volume:         b.Volume,
	}
}
