package usecase

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
)

const (
	// DefaultHistoryCapacity bounds the completed candles kept per symbol.
	DefaultHistoryCapacity  = 500
	defaultAggregatorShards = 32
)

// CompletionCallback is invoked once for every candle that rolls over.
type CompletionCallback func(symbol string, c models.Candle)

// AggregatorStats is a snapshot of tick outcomes since construction.
type AggregatorStats struct {
	Accepted     int64
	MarketClosed int64
	Malformed    int64
	OutOfOrder   int64
	Duplicates   int64
	Completed    int64
}

// AggregatorOption configures a TickAggregator.
type AggregatorOption func(*TickAggregator)

func WithHistoryCapacity(n int) AggregatorOption {
	return func(a *TickAggregator) {
		if n > 0 {
			a.capacity = n
		}
	}
}

func WithAggregatorShards(n int) AggregatorOption {
	return func(a *TickAggregator) {
		if n > 0 {
			a.shardCount = n
		}
	}
}

// WithLocation sets the exchange timezone candle boundaries are aligned to.
func WithLocation(loc *time.Location) AggregatorOption {
	return func(a *TickAggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

func WithMarketHours(h drepo.MarketHours) AggregatorOption {
	return func(a *TickAggregator) {
		if h != nil {
			a.hours = h
		}
	}
}

func WithAggregatorMetrics(m drepo.Metrics) AggregatorOption {
	return func(a *TickAggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

func WithAggregatorLogger(l *logger.Logger) AggregatorOption {
	return func(a *TickAggregator) { a.l = l }
}

// TickAggregator folds ticks into OHLCV candles for a single timeframe.
// Symbols are spread over independently locked shards so ticks for different
// symbols never contend on the same mutex.
type TickAggregator struct {
	tf         models.Timeframe
	loc        *time.Location
	capacity   int
	shardCount int
	hours      drepo.MarketHours
	metrics    drepo.Metrics
	l          *logger.Logger

	shards []*aggShard

	cbMu      sync.RWMutex
	callbacks []CompletionCallback

	accepted     atomic.Int64
	marketClosed atomic.Int64
	malformed    atomic.Int64
	outOfOrder   atomic.Int64
	duplicates   atomic.Int64
	completed    atomic.Int64
}

type aggShard struct {
	mu      sync.RWMutex
	symbols map[string]*symbolCandles
}

type symbolCandles struct {
	current  *models.Candle
	lastTick models.Tick
	history  *candleRing
}

// NewTickAggregator builds an aggregator for tf. Boundaries default to UTC.
func NewTickAggregator(tf models.Timeframe, opts ...AggregatorOption) *TickAggregator {
	a := &TickAggregator{
		tf:         tf,
		loc:        time.UTC,
		capacity:   DefaultHistoryCapacity,
		shardCount: defaultAggregatorShards,
		hours:      drepo.AlwaysOpen,
		metrics:    metrics.Nop{},
	}
	for _, o := range opts {
		o(a)
	}
	a.shards = make([]*aggShard, a.shardCount)
	for i := range a.shards {
		a.shards[i] = &aggShard{symbols: make(map[string]*symbolCandles)}
	}
	return a
}

func (a *TickAggregator) Timeframe() models.Timeframe { return a.tf }

func (a *TickAggregator) shardFor(symbol string) *aggShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// RegisterCompletionCallback adds fn to the set invoked on rollover.
// Callbacks run on the goroutine that delivered the rolling tick, after the
// symbol lock has been released.
func (a *TickAggregator) RegisterCompletionCallback(fn CompletionCallback) {
	if fn == nil {
		return
	}
	a.cbMu.Lock()
	a.callbacks = append(a.callbacks, fn)
	a.cbMu.Unlock()
}

// AddTick folds tick into the in-progress candle for symbol. When the tick
// starts a new period the previous candle is finalized and returned with
// ok=true.
func (a *TickAggregator) AddTick(symbol string, tick models.Tick) (completed models.Candle, ok bool) {
	if tick.Symbol == "" {
		tick.Symbol = symbol
	}
	if symbol == "" {
		symbol = tick.Symbol
	}
	if !a.hours.IsMarketOpen() {
		a.marketClosed.Add(1)
		a.metrics.RecordTick(symbol, a.tf, drepo.TickMarketClosed)
		a.debug("tick ignored outside market hours", symbol, tick)
		return models.Candle{}, false
	}
	if !tick.Valid() {
		a.malformed.Add(1)
		a.metrics.RecordTick(symbol, a.tf, drepo.TickMalformed)
		a.debug("malformed tick dropped", symbol, tick)
		return models.Candle{}, false
	}

	start := a.tf.Floor(tick.Timestamp, a.loc)
	outcome := drepo.TickAccepted

	sh := a.shardFor(symbol)
	sh.mu.Lock()
	st, exists := sh.symbols[symbol]
	if !exists {
		st = &symbolCandles{history: newCandleRing(a.capacity)}
		sh.symbols[symbol] = st
	}
	switch {
	case st.current == nil:
		st.current = a.openCandle(symbol, start, tick)
		st.lastTick = tick
	case start.Before(st.current.TimeframeStart):
		outcome = drepo.TickOutOfOrder
	case isSameTick(st.lastTick, tick):
		outcome = drepo.TickDuplicate
	case start.Equal(st.current.TimeframeStart):
		mergeTick(st.current, tick)
		st.lastTick = tick
	default:
		completed, ok = *st.current, true
		st.history.push(completed)
		st.current = a.openCandle(symbol, start, tick)
		st.lastTick = tick
	}
	sh.mu.Unlock()

	switch outcome {
	case drepo.TickOutOfOrder:
		a.outOfOrder.Add(1)
		a.metrics.RecordTick(symbol, a.tf, outcome)
		a.debug("out-of-order tick rejected", symbol, tick)
		return models.Candle{}, false
	case drepo.TickDuplicate:
		a.duplicates.Add(1)
		a.metrics.RecordTick(symbol, a.tf, outcome)
		return models.Candle{}, false
	}

	a.accepted.Add(1)
	a.metrics.RecordTick(symbol, a.tf, outcome)
	a.metrics.RecordLastPrice(symbol, tick.Price)
	if ok {
		a.completed.Add(1)
		a.metrics.RecordCandleCompleted(a.tf)
		a.notify(symbol, completed)
	}
	return completed, ok
}

func (a *TickAggregator) openCandle(symbol string, start time.Time, t models.Tick) *models.Candle {
	return &models.Candle{
		Symbol:         symbol,
		Timeframe:      a.tf,
		TimeframeStart: start,
		TimeframeEnd:   a.tf.End(start),
		Open:           t.Price,
		High:           t.Price,
		Low:            t.Price,
		Close:          t.Price,
		Volume:         t.Volume,
		Turnover:       t.EffectiveTurnover(),
		TickCount:      1,
	}
}

func mergeTick(c *models.Candle, t models.Tick) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Volume
	c.Turnover += t.EffectiveTurnover()
	c.TickCount++
}

// isSameTick treats a redelivered tick (same instant, price and size) as a replay.
func isSameTick(prev, t models.Tick) bool {
	return !prev.Timestamp.IsZero() &&
		prev.Timestamp.Equal(t.Timestamp) &&
		prev.Price == t.Price &&
		prev.Volume == t.Volume
}

func (a *TickAggregator) notify(symbol string, c models.Candle) {
	a.cbMu.RLock()
	cbs := make([]CompletionCallback, len(a.callbacks))
	copy(cbs, a.callbacks)
	a.cbMu.RUnlock()

	for _, fn := range cbs {
		a.invoke(fn, symbol, c)
	}
}

func (a *TickAggregator) invoke(fn CompletionCallback, symbol string, c models.Candle) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.RecordError("candle_callback")
			if a.l != nil {
				a.l.Error("candle completion callback panicked",
					logger.String("symbol", symbol),
					logger.String("timeframe", a.tf.String()),
					logger.Any("panic", r),
				)
			}
		}
	}()
	fn(symbol, c)
}

func (a *TickAggregator) debug(msg, symbol string, t models.Tick) {
	if a.l == nil {
		return
	}
	a.l.Debug(msg,
		logger.String("symbol", symbol),
		logger.String("timeframe", a.tf.String()),
		logger.Time("ts", t.Timestamp),
		logger.Float64("price", t.Price),
	)
}

// GetCandles returns up to count candles for symbol, oldest first. The
// in-progress candle is included as the newest element when
// includeIncomplete is set and one exists.
func (a *TickAggregator) GetCandles(symbol string, count int, includeIncomplete bool) []models.Candle {
	if count <= 0 {
		return nil
	}
	sh := a.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.symbols[symbol]
	if !ok {
		return nil
	}
	withCurrent := includeIncomplete && st.current != nil
	n := count
	if withCurrent {
		n--
	}
	out := st.history.tail(n)
	if withCurrent {
		out = append(out, *st.current)
	}
	return out
}

// GetCurrentCandle returns a copy of the in-progress candle for symbol.
func (a *TickAggregator) GetCurrentCandle(symbol string) (models.Candle, bool) {
	sh := a.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.symbols[symbol]
	if !ok || st.current == nil {
		return models.Candle{}, false
	}
	return *st.current, true
}

// Symbols lists every symbol the aggregator has seen.
func (a *TickAggregator) Symbols() []string {
	var out []string
	for _, sh := range a.shards {
		sh.mu.RLock()
		for s := range sh.symbols {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (a *TickAggregator) Stats() AggregatorStats {
	return AggregatorStats{
		Accepted:     a.accepted.Load(),
		MarketClosed: a.marketClosed.Load(),
		Malformed:    a.malformed.Load(),
		OutOfOrder:   a.outOfOrder.Load(),
		Duplicates:   a.duplicates.Load(),
		Completed:    a.completed.Load(),
	}
}

// candleRing keeps the most recent completed candles, evicting the oldest.
type candleRing struct {
	buf  []models.Candle
	next int
	size int
}

func newCandleRing(capacity int) *candleRing {
	return &candleRing{buf: make([]models.Candle, capacity)}
}

func (r *candleRing) push(c models.Candle) {
	r.buf[r.next] = c
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// tail copies the newest n candles out in chronological order.
func (r *candleRing) tail(n int) []models.Candle {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return make([]models.Candle, 0, 1)
	}
	out := make([]models.Candle, n, n+1)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// AggregatorSet owns one TickAggregator per configured timeframe and fans
// every tick out to all of them.
type AggregatorSet struct {
	order []models.Timeframe
	byTF  map[models.Timeframe]*TickAggregator
}

// NewAggregatorSet builds aggregators for tfs; duplicates and invalid
// timeframes are skipped.
func NewAggregatorSet(tfs []models.Timeframe, opts ...AggregatorOption) *AggregatorSet {
	s := &AggregatorSet{byTF: make(map[models.Timeframe]*TickAggregator, len(tfs))}
	for _, tf := range tfs {
		if !tf.IsValid() {
			continue
		}
		if _, dup := s.byTF[tf]; dup {
			continue
		}
		s.byTF[tf] = NewTickAggregator(tf, opts...)
		s.order = append(s.order, tf)
	}
	return s
}

// AddTick routes tick to every timeframe and returns the candles that closed.
func (s *AggregatorSet) AddTick(tick models.Tick) []models.Candle {
	var closed []models.Candle
	for _, tf := range s.order {
		if c, ok := s.byTF[tf].AddTick(tick.Symbol, tick); ok {
			closed = append(closed, c)
		}
	}
	return closed
}

// For returns the aggregator for tf, if one is configured.
func (s *AggregatorSet) For(tf models.Timeframe) (*TickAggregator, bool) {
	if s == nil {
		return nil, false
	}
	a, ok := s.byTF[tf]
	return a, ok
}

func (s *AggregatorSet) Timeframes() []models.Timeframe {
	out := make([]models.Timeframe, len(s.order))
	copy(out, s.order)
	return out
}

// OnCandle registers fn on every aggregator in the set.
func (s *AggregatorSet) OnCandle(fn CompletionCallback) {
	for _, tf := range s.order {
		s.byTF[tf].RegisterCompletionCallback(fn)
	}
}
