package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
)

// FailureReason classifies why a merged series was refused.
type FailureReason string

const (
	ReasonInsufficientData FailureReason = "INSUFFICIENT_DATA"
	ReasonMissingColumns   FailureReason = "MISSING_COLUMNS"
	ReasonNullValues       FailureReason = "NULL_VALUES"
)

var ErrInvalidRequirement = errors.New("invalid data requirement")

// DataQualityError is returned instead of a series that a strategy must not
// evaluate. Callers skip the cycle.
type DataQualityError struct {
	Symbol    string
	Timeframe models.Timeframe
	Reason    FailureReason
	Got       int
	Want      int
	Column    string
}

func (e *DataQualityError) Error() string {
	switch e.Reason {
	case ReasonInsufficientData:
		return fmt.Sprintf("%s %s: %s: have %d candles, need %d", e.Symbol, e.Timeframe, e.Reason, e.Got, e.Want)
	default:
		return fmt.Sprintf("%s %s: %s: column %s", e.Symbol, e.Timeframe, e.Reason, e.Column)
	}
}

// AsDataQualityError unwraps err into a *DataQualityError when it is one.
func AsDataQualityError(err error) (*DataQualityError, bool) {
	var dq *DataQualityError
	ok := errors.As(err, &dq)
	return dq, ok
}

var requirementValidator = validator.New()

type CoordinatorOption func(*DataCoordinator)

func WithCoordinatorMetrics(m drepo.Metrics) CoordinatorOption {
	return func(d *DataCoordinator) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithCoordinatorLogger(l *logger.Logger) CoordinatorOption {
	return func(d *DataCoordinator) { d.l = l }
}

// WithAssetResolver tells Preload which calendar each symbol trades on.
func WithAssetResolver(fn func(symbol string) models.AssetType) CoordinatorOption {
	return func(d *DataCoordinator) {
		if fn != nil {
			d.assetOf = fn
		}
	}
}

// DataCoordinator merges cached history with live candles and refuses
// series that fail data-quality checks.
type DataCoordinator struct {
	cache   *HistoricalCache
	live    *AggregatorSet
	metrics drepo.Metrics
	l       *logger.Logger
	assetOf func(string) models.AssetType
}

func NewDataCoordinator(cache *HistoricalCache, live *AggregatorSet, opts ...CoordinatorOption) *DataCoordinator {
	d := &DataCoordinator{
		cache:   cache,
		live:    live,
		metrics: metrics.Nop{},
		assetOf: func(string) models.AssetType { return models.AssetEquity },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// GetStrategyData returns the last req.Periods candles for symbol, or a
// *DataQualityError when the merged series is unusable.
func (d *DataCoordinator) GetStrategyData(ctx context.Context, symbol string, req models.DataRequirement, asset models.AssetType) ([]models.Candle, error) {
	if err := ValidateRequirement(req); err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is empty", ErrInvalidRequirement)
	}
	began := time.Now()
	defer func() { d.metrics.RecordLatency("strategy_data", time.Since(began).Seconds()) }()

	historical := d.cache.Get(ctx, symbol, req.Timeframe, req.Periods, asset)

	var realtime []models.Candle
	if req.RealtimeEnabled {
		// only the aggregator of the same timeframe may contribute
		if agg, ok := d.live.For(req.Timeframe); ok {
			realtime = agg.GetCandles(symbol, req.Periods, true)
		}
	}

	merged := MergeCandles(historical, realtime)
	if err := ValidateSeries(merged, req); err != nil {
		var dq *DataQualityError
		if errors.As(err, &dq) {
			dq.Symbol = symbol
			dq.Timeframe = req.Timeframe
			d.metrics.RecordDataQualityFailure(string(dq.Reason))
		}
		if d.l != nil {
			d.l.Warn("strategy data rejected",
				logger.String("symbol", symbol),
				logger.String("timeframe", req.Timeframe.String()),
				logger.Int("historical", len(historical)),
				logger.Int("realtime", len(realtime)),
				logger.Error(err),
			)
		}
		return nil, err
	}
	return tail(merged, req.Periods), nil
}

// Preload warms the cache for every symbol and every timeframe named by
// reqs, using the largest period count any strategy asks for.
func (d *DataCoordinator) Preload(ctx context.Context, reqs map[string]models.DataRequirement, symbols []string) error {
	maxPeriods := MaxPeriodsByTimeframe(reqs)
	tfs := make([]models.Timeframe, 0, len(maxPeriods))
	for tf := range maxPeriods {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Minutes() < tfs[j].Minutes() })

	began := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cache.preloadConcurrency)
	for _, sym := range symbols {
		for _, tf := range tfs {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				d.cache.Get(gctx, sym, tf, maxPeriods[tf], d.assetOf(sym))
				return nil
			})
		}
	}
	err := g.Wait()
	if d.l != nil {
		d.l.Info("historical cache preloaded",
			logger.Int("symbols", len(symbols)),
			logger.Int("timeframes", len(tfs)),
			logger.Duration("took", time.Since(began)),
			logger.Error(err),
		)
	}
	return err
}

// MaxPeriodsByTimeframe collapses strategy requirements into one period count
// per timeframe.
func MaxPeriodsByTimeframe(reqs map[string]models.DataRequirement) map[models.Timeframe]int {
	out := make(map[models.Timeframe]int)
	for _, r := range reqs {
		if !r.Timeframe.IsValid() || r.Periods <= 0 {
			continue
		}
		if r.Periods > out[r.Timeframe] {
			out[r.Timeframe] = r.Periods
		}
	}
	return out
}

func ValidateRequirement(req models.DataRequirement) error {
	if err := requirementValidator.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequirement, err)
	}
	if !req.Timeframe.IsValid() {
		return fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidRequirement, req.Timeframe)
	}
	return nil
}

// MergeCandles appends the real-time candles newer than the last historical
// one, de-duplicates by start (real-time wins) and sorts ascending. When one
// side is empty the other is returned as is.
func MergeCandles(historical, realtime []models.Candle) []models.Candle {
	if len(realtime) == 0 {
		return tail(historical, len(historical))
	}
	if len(historical) == 0 {
		return tail(realtime, len(realtime))
	}

	cutoff := historical[0].TimeframeStart
	for _, c := range historical[1:] {
		if c.TimeframeStart.After(cutoff) {
			cutoff = c.TimeframeStart
		}
	}

	byStart := make(map[int64]int, len(historical)+len(realtime))
	out := make([]models.Candle, 0, len(historical)+len(realtime))
	add := func(c models.Candle) {
		k := c.TimeframeStart.UnixNano()
		if i, ok := byStart[k]; ok {
			out[i] = c
			return
		}
		byStart[k] = len(out)
		out = append(out, c)
	}
	for _, c := range historical {
		add(c)
	}
	for _, c := range realtime {
		if c.TimeframeStart.After(cutoff) {
			add(c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeframeStart.Before(out[j].TimeframeStart) })
	return out
}

var requiredColumns = []struct {
	name string
	get  func(models.Candle) float64
}{
	{"open", func(c models.Candle) float64 { return c.Open }},
	{"high", func(c models.Candle) float64 { return c.High }},
	{"low", func(c models.Candle) float64 { return c.Low }},
	{"close", func(c models.Candle) float64 { return c.Close }},
	{"volume", func(c models.Candle) float64 { return c.Volume }},
}

// ValidateSeries applies the data-quality gates in order: length, column
// presence, then nulls in the price columns.
func ValidateSeries(series []models.Candle, req models.DataRequirement) error {
	if len(series) < req.MinPeriods {
		return &DataQualityError{Reason: ReasonInsufficientData, Got: len(series), Want: req.MinPeriods}
	}
	if len(series) == 0 {
		return nil
	}
	// a column no candle carries was never supplied by the source
	for _, col := range requiredColumns {
		present := false
		for _, c := range series {
			if !math.IsNaN(col.get(c)) {
				present = true
				break
			}
		}
		if !present {
			return &DataQualityError{Reason: ReasonMissingColumns, Column: col.name, Got: len(series), Want: req.MinPeriods}
		}
	}
	for _, col := range requiredColumns[:4] {
		for _, c := range series {
			if math.IsNaN(col.get(c)) {
				return &DataQualityError{Reason: ReasonNullValues, Column: col.name, Got: len(series), Want: req.MinPeriods}
			}
		}
	}
	return nil
}
