package models

import (
	"math"
	"time"
)

// TickMessage is the broker payload for a tick: {symbol, t, c, v, turnover}.
// T is epoch milliseconds on publish; consumers also accept seconds.
type TickMessage struct {
	Symbol   string  `json:"symbol"`
	T        int64   `json:"t"`
	C        float64 `json:"c"`
	V        float64 `json:"v"`
	Turnover float64 `json:"turnover,omitempty"`
}

// NewTickMessage encodes t for publishing.
func NewTickMessage(t Tick) TickMessage {
	return TickMessage{
		Symbol:   t.Symbol,
		T:        t.Timestamp.UnixMilli(),
		C:        t.Price,
		V:        t.Volume,
		Turnover: t.Turnover,
	}
}

// Tick decodes the payload. Values above 1e11 are taken as milliseconds.
func (m TickMessage) Tick() Tick {
	var ts time.Time
	switch {
	case m.T > 1e11:
		ts = time.UnixMilli(m.T)
	case m.T > 0:
		ts = time.Unix(m.T, 0)
	}
	return Tick{
		Symbol:    m.Symbol,
		Timestamp: ts,
		Price:     m.C,
		Volume:    m.V,
		Turnover:  m.Turnover,
	}
}

// CandleMessage is the JSON form of a Candle. Missing columns are null.
type CandleMessage struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Open      *float64  `json:"open"`
	High      *float64  `json:"high"`
	Low       *float64  `json:"low"`
	Close     *float64  `json:"close"`
	Volume    *float64  `json:"volume"`
	Turnover  float64   `json:"turnover"`
	TickCount int64     `json:"tick_count"`
}

func NewCandleMessage(c Candle) CandleMessage {
	return CandleMessage{
		Symbol:    c.Symbol,
		Timeframe: string(c.Timeframe),
		Start:     c.TimeframeStart,
		End:       c.TimeframeEnd,
		Open:      FloatPtr(c.Open),
		High:      FloatPtr(c.High),
		Low:       FloatPtr(c.Low),
		Close:     FloatPtr(c.Close),
		Volume:    FloatPtr(c.Volume),
		Turnover:  c.Turnover,
		TickCount: c.TickCount,
	}
}

func (m CandleMessage) Candle() Candle {
	return Candle{
		Symbol:         m.Symbol,
		Timeframe:      Timeframe(m.Timeframe),
		TimeframeStart: m.Start,
		TimeframeEnd:   m.End,
		Open:           FloatVal(m.Open),
		High:           FloatVal(m.High),
		Low:            FloatVal(m.Low),
		Close:          FloatVal(m.Close),
		Volume:         FloatVal(m.Volume),
		Turnover:       m.Turnover,
		TickCount:      m.TickCount,
	}
}

// FloatPtr maps NaN to nil so the value survives JSON encoding.
func FloatPtr(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// FloatVal maps nil back to NaN.
func FloatVal(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}
