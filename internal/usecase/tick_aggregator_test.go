package usecase

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 4, h, m, s, 0, ist)
}

func tick(sym string, ts time.Time, price, vol float64) models.Tick {
	return models.Tick{Symbol: sym, Timestamp: ts, Price: price, Volume: vol}
}

func TestTickAggregator_FifteenMinuteRollover(t *testing.T) {
	agg := NewTickAggregator(models.TF15Minute, WithLocation(ist))

	var emitted []models.Candle
	agg.RegisterCompletionCallback(func(symbol string, c models.Candle) {
		assert.Equal(t, "NIFTY", symbol)
		emitted = append(emitted, c)
	})

	for _, tk := range []models.Tick{
		tick("NIFTY", at(9, 15, 5), 100, 10),
		tick("NIFTY", at(9, 20, 0), 105, 5),
		tick("NIFTY", at(9, 29, 59), 101, 8),
	} {
		_, ok := agg.AddTick("NIFTY", tk)
		assert.False(t, ok)
	}

	cur, ok := agg.GetCurrentCandle("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 100.0, cur.Open)
	assert.Equal(t, 105.0, cur.High)
	assert.Equal(t, 100.0, cur.Low)
	assert.Equal(t, 101.0, cur.Close)
	assert.Equal(t, 23.0, cur.Volume)
	assert.Equal(t, int64(3), cur.TickCount)
	assert.True(t, cur.TimeframeStart.Equal(at(9, 15, 0)))
	assert.True(t, cur.TimeframeEnd.Equal(at(9, 30, 0)))
	assert.Empty(t, emitted)

	done, ok := agg.AddTick("NIFTY", tick("NIFTY", at(9, 30, 1), 103, 2))
	require.True(t, ok)
	assert.Equal(t, 100.0, done.Open)
	assert.Equal(t, 105.0, done.High)
	assert.Equal(t, 100.0, done.Low)
	assert.Equal(t, 101.0, done.Close)
	assert.Equal(t, 23.0, done.Volume)
	assert.True(t, done.TimeframeStart.Equal(at(9, 15, 0)))
	require.Len(t, emitted, 1)
	assert.Equal(t, done, emitted[0])

	cur, ok = agg.GetCurrentCandle("NIFTY")
	require.True(t, ok)
	assert.True(t, cur.TimeframeStart.Equal(at(9, 30, 0)))
	assert.True(t, cur.TimeframeEnd.Equal(at(9, 45, 0)))
	assert.Equal(t, 103.0, cur.Open)
	assert.Equal(t, 103.0, cur.High)
	assert.Equal(t, 103.0, cur.Low)
	assert.Equal(t, 103.0, cur.Close)
	assert.Equal(t, 2.0, cur.Volume)
	assert.Equal(t, int64(1), cur.TickCount)
}

func TestTickAggregator_MarketClosedIsNoop(t *testing.T) {
	var open atomic.Bool
	open.Store(true)
	agg := NewTickAggregator(models.TF5Minute, WithLocation(ist),
		WithMarketHours(drepo.MarketHoursFunc(open.Load)))

	agg.AddTick("SBIN", tick("SBIN", at(10, 0, 0), 500, 1))
	before, ok := agg.GetCurrentCandle("SBIN")
	require.True(t, ok)

	open.Store(false)
	_, completed := agg.AddTick("SBIN", tick("SBIN", at(10, 7, 0), 999, 100))
	assert.False(t, completed)

	after, ok := agg.GetCurrentCandle("SBIN")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(1), agg.Stats().MarketClosed)

	_, ok = agg.GetCurrentCandle("INFY")
	assert.False(t, ok)
	agg.AddTick("INFY", tick("INFY", at(10, 0, 0), 1500, 1))
	_, ok = agg.GetCurrentCandle("INFY")
	assert.False(t, ok, "closed market must not create state")
}

func TestTickAggregator_DropsMalformedTicks(t *testing.T) {
	agg := NewTickAggregator(models.TF1Minute, WithLocation(ist))
	agg.AddTick("TCS", tick("TCS", at(11, 0, 0), 3500, 1))
	before, _ := agg.GetCurrentCandle("TCS")

	bad := []models.Tick{
		tick("TCS", at(11, 0, 10), 0, 1),
		tick("TCS", at(11, 0, 10), math.NaN(), 1),
		tick("TCS", at(11, 0, 10), math.Inf(1), 1),
		tick("TCS", at(11, 0, 10), 3501, -1),
		tick("TCS", time.Time{}, 3501, 1),
	}
	for _, tk := range bad {
		_, ok := agg.AddTick("TCS", tk)
		assert.False(t, ok)
	}

	after, _ := agg.GetCurrentCandle("TCS")
	assert.Equal(t, before, after)
	assert.Equal(t, int64(len(bad)), agg.Stats().Malformed)
}

func TestTickAggregator_RejectsOutOfOrderTicks(t *testing.T) {
	agg := NewTickAggregator(models.TF5Minute, WithLocation(ist))
	agg.AddTick("X", tick("X", at(9, 20, 0), 10, 1))
	before, _ := agg.GetCurrentCandle("X")

	_, ok := agg.AddTick("X", tick("X", at(9, 14, 59), 50, 1))
	assert.False(t, ok)

	after, _ := agg.GetCurrentCandle("X")
	assert.Equal(t, before, after)
	assert.Equal(t, int64(1), agg.Stats().OutOfOrder)

	// late within the current window is still accepted
	agg.AddTick("X", tick("X", at(9, 20, 30), 12, 1))
	agg.AddTick("X", tick("X", at(9, 20, 10), 11, 1))
	cur, _ := agg.GetCurrentCandle("X")
	assert.Equal(t, 11.0, cur.Close)
	assert.Equal(t, int64(3), cur.TickCount)
}

func TestTickAggregator_IgnoresRedeliveredTick(t *testing.T) {
	agg := NewTickAggregator(models.TF1Minute)
	ts := time.Date(2024, 1, 2, 10, 0, 5, 0, time.UTC)
	agg.AddTick("BTC", tick("BTC", ts, 42000, 0.5))
	agg.AddTick("BTC", tick("BTC", ts, 42000, 0.5))
	agg.AddTick("BTC", tick("BTC", ts, 42001, 0.5))

	cur, ok := agg.GetCurrentCandle("BTC")
	require.True(t, ok)
	assert.Equal(t, int64(2), cur.TickCount)
	assert.Equal(t, 1.0, cur.Volume)
	assert.Equal(t, int64(1), agg.Stats().Duplicates)
}

func TestTickAggregator_TurnoverDefaultsToNotional(t *testing.T) {
	agg := NewTickAggregator(models.TF1Minute)
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	agg.AddTick("A", models.Tick{Symbol: "A", Timestamp: ts, Price: 10, Volume: 2})
	agg.AddTick("A", models.Tick{Symbol: "A", Timestamp: ts.Add(time.Second), Price: 11, Volume: 1, Turnover: 50})

	cur, _ := agg.GetCurrentCandle("A")
	assert.Equal(t, 70.0, cur.Turnover)
}

func TestTickAggregator_GetCandles(t *testing.T) {
	agg := NewTickAggregator(models.TF1Minute, WithHistoryCapacity(3))
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		agg.AddTick("A", tick("A", base.Add(time.Duration(i)*time.Minute), float64(100+i), 1))
	}

	// five completed, ring keeps the newest three
	got := agg.GetCandles("A", 10, false)
	require.Len(t, got, 3)
	assert.Equal(t, 102.0, got[0].Open)
	assert.Equal(t, 104.0, got[2].Open)

	got = agg.GetCandles("A", 10, true)
	require.Len(t, got, 4)
	assert.Equal(t, 105.0, got[3].Open)

	got = agg.GetCandles("A", 2, true)
	require.Len(t, got, 2)
	assert.Equal(t, 104.0, got[0].Open)
	assert.Equal(t, 105.0, got[1].Open)

	got = agg.GetCandles("A", 1, true)
	require.Len(t, got, 1)
	assert.Equal(t, 105.0, got[0].Open)

	assert.Empty(t, agg.GetCandles("A", 0, true))
	assert.Empty(t, agg.GetCandles("missing", 5, true))

	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].TimeframeStart.After(got[i-1].TimeframeStart))
	}
}

func TestTickAggregator_CallbackPanicDoesNotEscape(t *testing.T) {
	agg := NewTickAggregator(models.TF1Minute)
	var calls int
	agg.RegisterCompletionCallback(func(string, models.Candle) { panic("boom") })
	agg.RegisterCompletionCallback(func(string, models.Candle) { calls++ })

	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	agg.AddTick("A", tick("A", base, 1, 1))
	assert.NotPanics(t, func() {
		agg.AddTick("A", tick("A", base.Add(time.Minute), 2, 1))
	})
	assert.Equal(t, 1, calls)
}

func TestTickAggregator_ConcurrentSymbols(t *testing.T) {
	agg := NewTickAggregator(models.TF1Minute, WithAggregatorShards(4))
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	var completed atomic.Int64
	agg.RegisterCompletionCallback(func(string, models.Candle) { completed.Add(1) })

	const symbols, minutes, perMinute = 16, 5, 20
	var wg sync.WaitGroup
	for s := 0; s < symbols; s++ {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for m := 0; m < minutes; m++ {
				for i := 0; i < perMinute; i++ {
					ts := base.Add(time.Duration(m)*time.Minute + time.Duration(i)*time.Second)
					agg.AddTick(sym, tick(sym, ts, float64(100+i), 1))
				}
			}
		}(fmt.Sprintf("S%02d", s))
	}
	wg.Wait()

	assert.Equal(t, int64(symbols*(minutes-1)), completed.Load())
	assert.Len(t, agg.Symbols(), symbols)
	for _, c := range agg.GetCandles("S03", minutes, true) {
		assert.Equal(t, float64(perMinute), c.Volume)
		assert.Equal(t, 100.0, c.Open)
		assert.Equal(t, float64(100+perMinute-1), c.Close)
	}
}

func TestAggregatorSet_FansOutPerTimeframe(t *testing.T) {
	set := NewAggregatorSet(
		[]models.Timeframe{models.TF1Minute, models.TF5Minute, models.TF1Minute, "bogus"},
		WithLocation(ist),
	)
	assert.Equal(t, []models.Timeframe{models.TF1Minute, models.TF5Minute}, set.Timeframes())

	var got []time.Duration
	set.OnCandle(func(_ string, c models.Candle) {
		got = append(got, c.TimeframeEnd.Sub(c.TimeframeStart))
	})

	set.AddTick(tick("X", at(9, 15, 0), 1, 1))
	set.AddTick(tick("X", at(9, 16, 0), 2, 1))
	closed := set.AddTick(tick("X", at(9, 20, 0), 3, 1))
	require.Len(t, closed, 2)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, 5 * time.Minute}, got)

	five, ok := set.For(models.TF5Minute)
	require.True(t, ok)
	cur, _ := five.GetCurrentCandle("X")
	assert.True(t, cur.TimeframeStart.Equal(at(9, 20, 0)))

	_, ok = set.For(models.TF15Minute)
	assert.False(t, ok)
}
