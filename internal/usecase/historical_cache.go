package usecase

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
)

const (
	DefaultRefreshInterval    = 5 * time.Minute
	DefaultFetchTimeout       = 30 * time.Second
	DefaultLookbackBuffer     = 1.5
	DefaultSafetyDays         = 5
	defaultCacheShards        = 16
	defaultPreloadConcurrency = 8
)

// DefaultTradingMinutes is the length of one trading session per asset type.
var DefaultTradingMinutes = map[models.AssetType]int{
	models.AssetEquity: 375,
	models.AssetIndex:  375,
	models.AssetFuture: 375,
	models.AssetCrypto: 24 * 60,
}

// CacheEntry is one cached series. Series is replaced wholesale, never patched.
// Periods is the count the series was fetched for; Series is shorter when the
// store ran out of history.
type CacheEntry struct {
	Symbol      string
	Timeframe   models.Timeframe
	Series      []models.Candle
	Periods     int
	RefreshedAt time.Time
}

func (e *CacheEntry) covers(periods int) bool {
	return len(e.Series) >= periods || e.Periods >= periods
}

type cacheKey struct {
	symbol string
	tf     models.Timeframe
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[cacheKey]*CacheEntry
}

type HistoricalCacheOption func(*HistoricalCache)

func WithRefreshInterval(d time.Duration) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

func WithFetchTimeout(d time.Duration) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithLookback sets the calendar inflation factor and the fixed margin in days
// added on top of it.
func WithLookback(buffer float64, safetyDays int) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if buffer >= 1 {
			c.lookbackBuffer = buffer
		}
		if safetyDays >= 0 {
			c.safetyDays = safetyDays
		}
	}
}

func WithTradingMinutes(m map[models.AssetType]int) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		for k, v := range m {
			if v > 0 {
				c.tradingMinutes[k] = v
			}
		}
	}
}

func WithCacheLocation(loc *time.Location) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func WithCacheClock(now func() time.Time) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCacheMetrics(m drepo.Metrics) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithCacheLogger(l *logger.Logger) HistoricalCacheOption {
	return func(c *HistoricalCache) { c.l = l }
}

func WithPreloadConcurrency(n int) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if n > 0 {
			c.preloadConcurrency = n
		}
	}
}

// WithDefaultAssetType sets the calendar used by Preload and Refresh.
func WithDefaultAssetType(a models.AssetType) HistoricalCacheOption {
	return func(c *HistoricalCache) {
		if a != "" {
			c.defaultAsset = a
		}
	}
}

// HistoricalCache serves candle series from a Store, keeping each
// (symbol, timeframe) series for refreshInterval before fetching it again.
// Store failures never reach the caller: the previous series is served if
// there is one, otherwise an empty series.
type HistoricalCache struct {
	store drepo.Store

	refreshInterval    time.Duration
	fetchTimeout       time.Duration
	lookbackBuffer     float64
	safetyDays         int
	tradingMinutes     map[models.AssetType]int
	defaultAsset       models.AssetType
	preloadConcurrency int
	loc                *time.Location
	now                func() time.Time

	metrics drepo.Metrics
	l       *logger.Logger

	shards []*cacheShard
	flight singleflight.Group

	// largest periods asked for per key since the last fetch started
	demandMu sync.Mutex
	demand   map[cacheKey]int
}

type flightResult struct {
	series  []models.Candle
	periods int
}

func NewHistoricalCache(store drepo.Store, opts ...HistoricalCacheOption) *HistoricalCache {
	c := &HistoricalCache{
		store:              store,
		refreshInterval:    DefaultRefreshInterval,
		fetchTimeout:       DefaultFetchTimeout,
		lookbackBuffer:     DefaultLookbackBuffer,
		safetyDays:         DefaultSafetyDays,
		tradingMinutes:     make(map[models.AssetType]int, len(DefaultTradingMinutes)),
		defaultAsset:       models.AssetEquity,
		preloadConcurrency: defaultPreloadConcurrency,
		loc:                time.UTC,
		now:                time.Now,
		metrics:            metrics.Nop{},
		demand:             make(map[cacheKey]int),
	}
	for k, v := range DefaultTradingMinutes {
		c.tradingMinutes[k] = v
	}
	for _, o := range opts {
		o(c)
	}
	c.shards = make([]*cacheShard, defaultCacheShards)
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[cacheKey]*CacheEntry)}
	}
	return c
}

// all timeframes of a symbol share a shard so Invalidate takes one lock
func (c *HistoricalCache) shardFor(symbol string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns at most periods candles for (symbol, tf), oldest first.
func (c *HistoricalCache) Get(ctx context.Context, symbol string, tf models.Timeframe, periods int, asset models.AssetType) []models.Candle {
	if symbol == "" || periods <= 0 || !tf.IsValid() {
		return nil
	}
	if e, ok := c.lookup(symbol, tf); ok {
		if e.covers(periods) && c.now().Sub(e.RefreshedAt) < c.refreshInterval {
			c.metrics.RecordCacheLookup(tf, drepo.CacheHit)
			return tail(e.Series, periods)
		}
		c.metrics.RecordCacheLookup(tf, drepo.CacheStale)
	} else {
		c.metrics.RecordCacheLookup(tf, drepo.CacheMiss)
	}
	return c.load(ctx, symbol, tf, periods, asset)
}

// Refresh re-fetches (symbol, tf) regardless of the entry's age.
func (c *HistoricalCache) Refresh(ctx context.Context, symbol string, tf models.Timeframe, periods int) []models.Candle {
	if symbol == "" || periods <= 0 || !tf.IsValid() {
		return nil
	}
	return c.load(ctx, symbol, tf, periods, c.defaultAsset)
}

// Invalidate drops every cached timeframe for symbol.
func (c *HistoricalCache) Invalidate(symbol string) int {
	sh := c.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for k := range sh.entries {
		if k.symbol == symbol {
			delete(sh.entries, k)
			n++
		}
	}
	return n
}

// Preload warms every (symbol, timeframe) pair with a bounded number of
// concurrent fetches. It only fails when ctx is done.
func (c *HistoricalCache) Preload(ctx context.Context, symbols []string, tfs []models.Timeframe, periods int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.preloadConcurrency)
	for _, sym := range symbols {
		for _, tf := range tfs {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				c.Get(gctx, sym, tf, periods, c.defaultAsset)
				return nil
			})
		}
	}
	return g.Wait()
}

// Peek returns a copy of the cached entry without touching the Store.
func (c *HistoricalCache) Peek(symbol string, tf models.Timeframe) (CacheEntry, bool) {
	e, ok := c.lookup(symbol, tf)
	if !ok {
		return CacheEntry{}, false
	}
	out := *e
	out.Series = tail(e.Series, len(e.Series))
	return out, true
}

func (c *HistoricalCache) lookup(symbol string, tf models.Timeframe) (*CacheEntry, bool) {
	sh := c.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[cacheKey{symbol: symbol, tf: tf}]
	return e, ok
}

func (c *HistoricalCache) put(e *CacheEntry) {
	sh := c.shardFor(e.Symbol)
	sh.mu.Lock()
	sh.entries[cacheKey{symbol: e.Symbol, tf: e.Timeframe}] = e
	sh.mu.Unlock()
}

// load coalesces fetches per (symbol, tf). A caller that joins a fetch
// started for fewer candles than it needs waits for a wider one.
func (c *HistoricalCache) load(ctx context.Context, symbol string, tf models.Timeframe, periods int, asset models.AssetType) []models.Candle {
	k := cacheKey{symbol: symbol, tf: tf}
	flightKey := symbol + "|" + string(tf)
	for {
		c.want(k, periods)
		// the fetch outlives a cancelled caller so the other waiters still get a result
		ch := c.flight.DoChan(flightKey, func() (interface{}, error) {
			n := c.takeDemand(k, periods)
			series := c.fetch(context.WithoutCancel(ctx), symbol, tf, n, asset)
			return flightResult{series: series, periods: n}, nil
		})
		select {
		case res := <-ch:
			r, _ := res.Val.(flightResult)
			if r.periods >= periods {
				return tail(r.series, periods)
			}
		case <-ctx.Done():
			if c.l != nil {
				c.l.Warn("historical fetch abandoned by caller",
					logger.String("symbol", symbol),
					logger.String("timeframe", tf.String()),
					logger.Error(ctx.Err()),
				)
			}
			if e, ok := c.lookup(symbol, tf); ok {
				return tail(e.Series, periods)
			}
			return nil
		}
	}
}

func (c *HistoricalCache) want(k cacheKey, periods int) {
	c.demandMu.Lock()
	if periods > c.demand[k] {
		c.demand[k] = periods
	}
	c.demandMu.Unlock()
}

// takeDemand returns how many candles the next fetch for k must cover: the
// widest pending request, never narrower than the entry it replaces.
func (c *HistoricalCache) takeDemand(k cacheKey, floor int) int {
	c.demandMu.Lock()
	n := max(c.demand[k], floor)
	delete(c.demand, k)
	c.demandMu.Unlock()
	if e, ok := c.lookup(k.symbol, k.tf); ok {
		n = max(n, e.Periods)
	}
	return n
}

// fetch returns the series to serve. The returned slice is shared and must
// not be mutated.
func (c *HistoricalCache) fetch(ctx context.Context, symbol string, tf models.Timeframe, periods int, asset models.AssetType) []models.Candle {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	end := c.now()
	start := c.lookbackStart(end, tf, periods, asset)

	began := time.Now()
	bars, err := c.store.FetchRange(ctx, symbol, tf, start, end)
	c.metrics.RecordLatency("store_fetch", time.Since(began).Seconds())
	if err != nil {
		c.metrics.RecordStoreFetch("error")
		c.metrics.RecordError("store_fetch")
		if c.l != nil {
			c.l.Error("historical fetch failed",
				logger.String("symbol", symbol),
				logger.String("timeframe", tf.String()),
				logger.Time("start", start),
				logger.Time("end", end),
				logger.Error(err),
			)
		}
		if e, ok := c.lookup(symbol, tf); ok && len(e.Series) > 0 {
			if c.l != nil {
				c.l.Warn("serving stale historical series",
					logger.String("symbol", symbol),
					logger.String("timeframe", tf.String()),
					logger.Time("refreshed_at", e.RefreshedAt),
					logger.Int("candles", len(e.Series)),
				)
			}
			return e.Series
		}
		return nil
	}
	if len(bars) == 0 {
		c.metrics.RecordStoreFetch("empty")
		if c.l != nil {
			c.l.Debug("store returned no rows",
				logger.String("symbol", symbol),
				logger.String("timeframe", tf.String()),
			)
		}
		return nil
	}
	c.metrics.RecordStoreFetch("ok")

	series := BarsToCandles(symbol, tf, bars, c.loc)
	if len(series) > periods {
		series = tail(series, periods)
	}
	if len(series) == 0 {
		return nil
	}
	c.put(&CacheEntry{Symbol: symbol, Timeframe: tf, Series: series, Periods: periods, RefreshedAt: c.now()})
	return series
}

// lookbackStart widens the request so that periods trading candles fit
// inside the calendar span, given how many minutes a session lasts.
func (c *HistoricalCache) lookbackStart(end time.Time, tf models.Timeframe, periods int, asset models.AssetType) time.Time {
	days := c.lookbackDays(tf, periods, asset)
	return end.In(c.loc).AddDate(0, 0, -days)
}

func (c *HistoricalCache) lookbackDays(tf models.Timeframe, periods int, asset models.AssetType) int {
	minutes, ok := c.tradingMinutes[asset]
	if !ok {
		minutes = c.tradingMinutes[models.AssetEquity]
	}
	perDay := 1
	if tf.IsIntraday() && minutes > tf.Minutes() {
		perDay = minutes / tf.Minutes()
	}
	tradingDays := int(math.Ceil(float64(periods) / float64(perDay)))
	return int(math.Ceil(float64(tradingDays)*c.lookbackBuffer)) + c.safetyDays
}

// BarsToCandles orders store rows, drops repeated timestamps (last row wins)
// and buckets them into tf candles. Rows already at tf map one to one; finer
// rows, however sparse, are folded into the bucket they fall in.
func BarsToCandles(symbol string, tf models.Timeframe, bars []models.Bar, loc *time.Location) []models.Candle {
	rows := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if !b.Timestamp.IsZero() {
			rows = append(rows, b)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	return resample(symbol, tf, dedupBars(rows), loc)
}

func dedupBars(rows []models.Bar) []models.Bar {
	if len(rows) < 2 {
		return rows
	}
	out := rows[:1]
	for _, b := range rows[1:] {
		if b.Timestamp.Equal(out[len(out)-1].Timestamp) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

func resample(symbol string, tf models.Timeframe, rows []models.Bar, loc *time.Location) []models.Candle {
	var out []models.Candle
	for _, b := range rows {
		start := tf.Floor(b.Timestamp, loc)
		if n := len(out); n > 0 && out[n-1].TimeframeStart.Equal(start) {
			cur := &out[n-1]
			cur.High = nanMax(cur.High, b.High)
			cur.Low = nanMin(cur.Low, b.Low)
			cur.Close = b.Close
			cur.Volume = nanSum(cur.Volume, b.Volume)
			continue
		}
		c := b.ToCandle(symbol, tf)
		c.TimeframeStart, c.TimeframeEnd = start, tf.End(start)
		out = append(out, c)
	}
	return out
}

func nanMax(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Max(a, b)
}

func nanMin(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Min(a, b)
}

func nanSum(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return a + b
}

// tail copies the last n candles of s.
func tail(s []models.Candle, n int) []models.Candle {
	if n > len(s) {
		n = len(s)
	}
	if n <= 0 {
		return []models.Candle{}
	}
	out := make([]models.Candle, n)
	copy(out, s[len(s)-n:])
	return out
}
