package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
)

type fetchCall struct {
	symbol     string
	tf         models.Timeframe
	start, end time.Time
}

type fakeStore struct {
	mu    sync.Mutex
	calls []fetchCall
	count atomic.Int64
	delay time.Duration
	fn    func(symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error)
}

func (s *fakeStore) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	s.count.Add(1)
	s.mu.Lock()
	s.calls = append(s.calls, fetchCall{symbol, tf, start, end})
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.fn(symbol, tf, start, end)
}

func (s *fakeStore) lastCall() fetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func bar(ts time.Time, o, h, l, c, v float64) models.Bar {
	return models.Bar{Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

// dailyBars returns one bar per calendar day between start and end.
func dailyBars(start, end time.Time) []models.Bar {
	var out []models.Bar
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; !day.After(end); i++ {
		p := 100 + float64(i)
		out = append(out, bar(day, p, p+2, p-1, p+1, 1000))
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func newDailyStore() *fakeStore {
	return &fakeStore{fn: func(_ string, _ models.Timeframe, start, end time.Time) ([]models.Bar, error) {
		return dailyBars(start, end), nil
	}}
}

func TestHistoricalCache_ColdThenWarm(t *testing.T) {
	store := newDailyStore()
	clock := &fakeClock{now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	cache := NewHistoricalCache(store, WithCacheClock(clock.Now), WithRefreshInterval(time.Minute))
	ctx := context.Background()

	first := cache.Get(ctx, "X", models.TF1Day, 30, models.AssetEquity)
	assert.Equal(t, int64(1), store.count.Load())
	assert.LessOrEqual(t, len(first), 30)
	require.NotEmpty(t, first)

	second := cache.Get(ctx, "X", models.TF1Day, 30, models.AssetEquity)
	assert.Equal(t, int64(1), store.count.Load())
	assert.Equal(t, first, second)

	clock.Advance(59 * time.Second)
	cache.Get(ctx, "X", models.TF1Day, 30, models.AssetEquity)
	assert.Equal(t, int64(1), store.count.Load())

	clock.Advance(2 * time.Second)
	cache.Get(ctx, "X", models.TF1Day, 30, models.AssetEquity)
	assert.Equal(t, int64(2), store.count.Load())

	cache.Get(ctx, "X", models.TF1Day, 30, models.AssetEquity)
	assert.Equal(t, int64(2), store.count.Load())
}

func TestHistoricalCache_ReturnsTailOfPeriods(t *testing.T) {
	store := newDailyStore()
	cache := NewHistoricalCache(store)
	got := cache.Get(context.Background(), "X", models.TF1Day, 10, models.AssetEquity)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].TimeframeStart.After(got[i-1].TimeframeStart))
	}

	// fewer periods is served from the same entry
	fewer := cache.Get(context.Background(), "X", models.TF1Day, 3, models.AssetEquity)
	assert.Equal(t, got[7:], fewer)
	assert.Equal(t, int64(1), store.count.Load())

	// more periods than cached forces a fetch
	cache.Get(context.Background(), "X", models.TF1Day, 20, models.AssetEquity)
	assert.Equal(t, int64(2), store.count.Load())
}

func TestHistoricalCache_EmptyResponseIsNotCached(t *testing.T) {
	var empty atomic.Bool
	empty.Store(true)
	store := &fakeStore{fn: func(_ string, _ models.Timeframe, start, end time.Time) ([]models.Bar, error) {
		if empty.Load() {
			return nil, nil
		}
		return dailyBars(start, end), nil
	}}
	cache := NewHistoricalCache(store)
	ctx := context.Background()

	assert.Empty(t, cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity))
	assert.Empty(t, cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity))
	assert.Equal(t, int64(2), store.count.Load())
	_, ok := cache.Peek("X", models.TF1Day)
	assert.False(t, ok)

	empty.Store(false)
	assert.Len(t, cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity), 5)
}

func TestHistoricalCache_ServesStaleOnFetchError(t *testing.T) {
	var fail atomic.Bool
	store := &fakeStore{fn: func(_ string, _ models.Timeframe, start, end time.Time) ([]models.Bar, error) {
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return dailyBars(start, end), nil
	}}
	clock := &fakeClock{now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	cache := NewHistoricalCache(store, WithCacheClock(clock.Now), WithRefreshInterval(time.Minute))
	ctx := context.Background()

	warm := cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity)
	require.Len(t, warm, 5)

	fail.Store(true)
	clock.Advance(time.Hour)
	stale := cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity)
	assert.Equal(t, warm, stale)
	assert.Equal(t, int64(2), store.count.Load())

	assert.Empty(t, cache.Get(ctx, "Y", models.TF1Day, 5, models.AssetEquity))
}

func TestHistoricalCache_ResamplesFinerRows(t *testing.T) {
	base := time.Date(2024, 3, 4, 9, 15, 0, 0, ist)
	store := &fakeStore{fn: func(string, models.Timeframe, time.Time, time.Time) ([]models.Bar, error) {
		var rows []models.Bar
		for i := 0; i < 30; i++ {
			p := float64(100 + i)
			rows = append(rows, bar(base.Add(time.Duration(i)*time.Minute), p, p+1, p-1, p+0.5, 10))
		}
		// shuffled delivery must not matter
		rows[3], rows[17] = rows[17], rows[3]
		return rows, nil
	}}
	cache := NewHistoricalCache(store, WithCacheLocation(ist))

	got := cache.Get(context.Background(), "NIFTY", models.TF15Minute, 10, models.AssetIndex)
	require.Len(t, got, 2)

	first := got[0]
	assert.True(t, first.TimeframeStart.Equal(base))
	assert.True(t, first.TimeframeEnd.Equal(base.Add(15*time.Minute)))
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 115.0, first.High)
	assert.Equal(t, 99.0, first.Low)
	assert.Equal(t, 114.5, first.Close)
	assert.Equal(t, 150.0, first.Volume)

	second := got[1]
	assert.True(t, second.TimeframeStart.Equal(base.Add(15*time.Minute)))
	assert.Equal(t, 115.0, second.Open)
	assert.Equal(t, 129.5, second.Close)
}

func TestHistoricalCache_ShortHistoryStaysCached(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	listed := now.AddDate(0, 0, -19)
	store := &fakeStore{fn: func(_ string, _ models.Timeframe, _, end time.Time) ([]models.Bar, error) {
		return dailyBars(listed, end), nil
	}}
	clock := &fakeClock{now: now}
	cache := NewHistoricalCache(store, WithCacheClock(clock.Now), WithRefreshInterval(time.Minute))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Len(t, cache.Get(ctx, "NEW", models.TF1Day, 30, models.AssetEquity), 20)
	}
	assert.Equal(t, int64(1), store.count.Load())

	// a wider request than the one fetched still goes to the store
	cache.Get(ctx, "NEW", models.TF1Day, 40, models.AssetEquity)
	assert.Equal(t, int64(2), store.count.Load())

	clock.Advance(2 * time.Minute)
	cache.Get(ctx, "NEW", models.TF1Day, 30, models.AssetEquity)
	assert.Equal(t, int64(3), store.count.Load())
}

func TestHistoricalCache_WiderRequestJoinsInFlightFetch(t *testing.T) {
	store := newDailyStore()
	store.delay = 100 * time.Millisecond
	clock := &fakeClock{now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	cache := NewHistoricalCache(store, WithCacheClock(clock.Now), WithRefreshInterval(time.Minute))
	ctx := context.Background()

	var narrow []models.Candle
	done := make(chan struct{})
	go func() {
		defer close(done)
		narrow = cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity)
	}()
	require.Eventually(t, func() bool { return store.count.Load() == 1 }, time.Second, time.Millisecond)

	wide := cache.Get(ctx, "X", models.TF1Day, 30, models.AssetEquity)
	<-done
	assert.Len(t, narrow, 5)
	assert.Len(t, wide, 30)
	assert.Equal(t, int64(2), store.count.Load())

	entry, ok := cache.Peek("X", models.TF1Day)
	require.True(t, ok)
	assert.Equal(t, 30, entry.Periods)

	// a narrow request after expiry keeps the entry as wide as before
	clock.Advance(2 * time.Minute)
	cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity)
	call := store.lastCall()
	assert.True(t, call.start.Equal(clock.Now().AddDate(0, 0, -cache.lookbackDays(models.TF1Day, 30, models.AssetEquity))))
	assert.Len(t, cache.Get(ctx, "X", models.TF1Day, 30, models.AssetEquity), 30)
	assert.Equal(t, int64(3), store.count.Load())
}

func TestHistoricalCache_SparseFineRowsAreBucketed(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 3, 4, h, m, 0, 0, ist) }
	store := &fakeStore{fn: func(string, models.Timeframe, time.Time, time.Time) ([]models.Bar, error) {
		return []models.Bar{
			bar(at(9, 17), 10, 11, 9, 10, 1),
			bar(at(9, 41), 12, 13, 11, 12, 1),
			bar(at(10, 3), 14, 15, 13, 14, 1),
		}, nil
	}}
	cache := NewHistoricalCache(store, WithCacheLocation(ist))

	got := cache.Get(context.Background(), "ILLQ", models.TF15Minute, 10, models.AssetEquity)
	require.Len(t, got, 3)
	for i, want := range []time.Time{at(9, 15), at(9, 30), at(10, 0)} {
		assert.True(t, got[i].TimeframeStart.Equal(want), "start %d = %s", i, got[i].TimeframeStart)
		assert.True(t, got[i].TimeframeEnd.Equal(want.Add(15*time.Minute)))
	}
}

func TestHistoricalCache_LookbackCoversTradingDays(t *testing.T) {
	store := newDailyStore()
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	cache := NewHistoricalCache(store, WithCacheClock(func() time.Time { return now }))
	ctx := context.Background()

	cases := []struct {
		name    string
		tf      models.Timeframe
		periods int
		asset   models.AssetType
		days    int
	}{
		// 30 trading days * 1.5 + 5
		{"daily", models.TF1Day, 30, models.AssetEquity, 50},
		// 375/15 = 25 per day, 100 periods = 4 days, ceil(6) + 5
		{"15m equity", models.TF15Minute, 100, models.AssetEquity, 11},
		// 1440/15 = 96 per day, 2 days, ceil(3) + 5
		{"15m crypto", models.TF15Minute, 100, models.AssetCrypto, 8},
		// 375/60 = 6 per day, 50 periods = 9 days, ceil(13.5) + 5
		{"hourly", models.TF60Minute, 50, models.AssetFuture, 19},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.days, cache.lookbackDays(tc.tf, tc.periods, tc.asset))
			cache.Invalidate("L")
			cache.Get(ctx, "L", tc.tf, tc.periods, tc.asset)
			call := store.lastCall()
			assert.True(t, call.end.Equal(now))
			assert.True(t, call.start.Equal(now.AddDate(0, 0, -tc.days)))
		})
	}
}

func TestHistoricalCache_CoalescesConcurrentMisses(t *testing.T) {
	store := newDailyStore()
	store.delay = 50 * time.Millisecond
	cache := NewHistoricalCache(store)

	const callers = 20
	var wg sync.WaitGroup
	results := make([][]models.Candle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(context.Background(), "X", models.TF1Day, 10, models.AssetEquity)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), store.count.Load())
	for _, r := range results {
		assert.Len(t, r, 10)
	}
	// each caller owns its slice
	results[0][0].Close = -1
	assert.NotEqual(t, -1.0, results[1][0].Close)
}

func TestHistoricalCache_CallerDeadline(t *testing.T) {
	store := newDailyStore()
	store.delay = 200 * time.Millisecond
	cache := NewHistoricalCache(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	began := time.Now()
	got := cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity)
	assert.Empty(t, got)
	assert.Less(t, time.Since(began), 150*time.Millisecond)

	// the detached fetch still lands in the cache
	require.Eventually(t, func() bool {
		_, ok := cache.Peek("X", models.TF1Day)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHistoricalCache_FetchTimeout(t *testing.T) {
	store := newDailyStore()
	store.delay = time.Second
	cache := NewHistoricalCache(store, WithFetchTimeout(20*time.Millisecond))

	began := time.Now()
	assert.Empty(t, cache.Get(context.Background(), "X", models.TF1Day, 5, models.AssetEquity))
	assert.Less(t, time.Since(began), 500*time.Millisecond)
}

func TestHistoricalCache_RefreshAndInvalidate(t *testing.T) {
	store := newDailyStore()
	cache := NewHistoricalCache(store)
	ctx := context.Background()

	cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity)
	cache.Get(ctx, "X", models.TF15Minute, 5, models.AssetEquity)
	cache.Get(ctx, "Y", models.TF1Day, 5, models.AssetEquity)
	require.Equal(t, int64(3), store.count.Load())

	assert.Len(t, cache.Refresh(ctx, "X", models.TF1Day, 5), 5)
	assert.Equal(t, int64(4), store.count.Load())

	assert.Equal(t, 2, cache.Invalidate("X"))
	_, ok := cache.Peek("X", models.TF15Minute)
	assert.False(t, ok)
	_, ok = cache.Peek("Y", models.TF1Day)
	assert.True(t, ok)

	cache.Get(ctx, "X", models.TF1Day, 5, models.AssetEquity)
	assert.Equal(t, int64(5), store.count.Load())
}

func TestHistoricalCache_Preload(t *testing.T) {
	store := newDailyStore()
	cache := NewHistoricalCache(store, WithPreloadConcurrency(2))
	ctx := context.Background()

	err := cache.Preload(ctx, []string{"A", "B", "C"}, []models.Timeframe{models.TF1Day, models.TF60Minute}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), store.count.Load())

	cache.Get(ctx, "B", models.TF60Minute, 5, models.AssetEquity)
	assert.Equal(t, int64(6), store.count.Load())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, cache.Preload(cancelled, []string{"D"}, []models.Timeframe{models.TF1Day}, 5), context.Canceled)
}

func TestBarsToCandles(t *testing.T) {
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	t.Run("daily rows pass through", func(t *testing.T) {
		rows := []models.Bar{
			bar(base.AddDate(0, 0, 1), 2, 2, 2, 2, 1),
			bar(base, 1, 1, 1, 1, 1),
			bar(base.AddDate(0, 0, 4), 3, 3, 3, 3, 1),
		}
		got := BarsToCandles("X", models.TF1Day, rows, time.UTC)
		require.Len(t, got, 3)
		assert.Equal(t, 1.0, got[0].Open)
		assert.True(t, got[2].TimeframeEnd.Equal(base.AddDate(0, 0, 5)))
	})

	t.Run("repeated timestamps keep the last row", func(t *testing.T) {
		rows := []models.Bar{
			bar(base, 1, 1, 1, 1, 1),
			bar(base, 9, 9, 9, 9, 9),
		}
		got := BarsToCandles("X", models.TF1Day, rows, time.UTC)
		require.Len(t, got, 1)
		assert.Equal(t, 9.0, got[0].Close)
	})

	t.Run("missing volume survives resampling as NaN", func(t *testing.T) {
		nan := math.NaN()
		rows := []models.Bar{
			bar(base.Add(10*time.Hour), 1, 2, 0.5, 1.5, nan),
			bar(base.Add(10*time.Hour+time.Minute), 1.5, 3, 1, 2, nan),
		}
		got := BarsToCandles("X", models.TF5Minute, rows, time.UTC)
		require.Len(t, got, 1)
		assert.True(t, math.IsNaN(got[0].Volume))
		assert.Equal(t, 3.0, got[0].High)
	})

	t.Run("single fine row lands on its bucket", func(t *testing.T) {
		rows := []models.Bar{bar(base.Add(9*time.Hour+16*time.Minute), 10, 11, 9, 10, 1)}
		got := BarsToCandles("X", models.TF15Minute, rows, time.UTC)
		require.Len(t, got, 1)
		assert.True(t, got[0].TimeframeStart.Equal(base.Add(9*time.Hour+15*time.Minute)))
		assert.True(t, got[0].TimeframeEnd.Equal(base.Add(9*time.Hour+30*time.Minute)))
		assert.Equal(t, models.TF15Minute, got[0].Timeframe)
	})

	t.Run("sparse fine rows are not taken for coarse ones", func(t *testing.T) {
		rows := []models.Bar{
			bar(base.Add(9*time.Hour+17*time.Minute), 1, 1, 1, 1, 1),
			bar(base.Add(9*time.Hour+41*time.Minute), 2, 2, 2, 2, 1),
			bar(base.Add(9*time.Hour+44*time.Minute), 3, 3, 3, 3, 1),
			bar(base.Add(10*time.Hour+3*time.Minute), 4, 4, 4, 4, 1),
		}
		got := BarsToCandles("X", models.TF15Minute, rows, time.UTC)
		require.Len(t, got, 3)
		assert.True(t, got[0].TimeframeStart.Equal(base.Add(9*time.Hour+15*time.Minute)))
		assert.True(t, got[1].TimeframeStart.Equal(base.Add(9*time.Hour+30*time.Minute)))
		assert.Equal(t, 2.0, got[1].Open)
		assert.Equal(t, 3.0, got[1].Close)
		assert.Equal(t, 2.0, got[1].Volume)
		assert.True(t, got[2].TimeframeStart.Equal(base.Add(10*time.Hour)))
	})

	t.Run("hourly rows into daily candles", func(t *testing.T) {
		var rows []models.Bar
		for h := 0; h < 48; h++ {
			rows = append(rows, bar(base.Add(time.Duration(h)*time.Hour), float64(h), float64(h)+1, float64(h)-1, float64(h), 1))
		}
		got := BarsToCandles("X", models.TF1Day, rows, time.UTC)
		require.Len(t, got, 2)
		assert.Equal(t, 0.0, got[0].Open)
		assert.Equal(t, 23.0, got[0].Close)
		assert.Equal(t, 24.0, got[0].High)
		assert.Equal(t, 24.0, got[0].Volume)
		assert.True(t, got[1].TimeframeStart.Equal(base.AddDate(0, 0, 1)))
	})
}
