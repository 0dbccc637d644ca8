package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
)

// ErrTimeframeNotAggregated is returned for live queries on a timeframe with
// no aggregator.
var ErrTimeframeNotAggregated = errors.New("timeframe is not aggregated live")

const (
	defaultHistoryLimit = 10000
	maxHistoryLimit     = 50000
)

// CandlesUseCase serves read-only candle queries: live candles from the
// aggregators and raw history straight from the store.
type CandlesUseCase struct {
	store domrepo.Store
	live  *AggregatorSet
	loc   *time.Location
}

func NewCandlesUseCase(store domrepo.Store, live *AggregatorSet, loc *time.Location) *CandlesUseCase {
	if loc == nil {
		loc = time.UTC
	}
	return &CandlesUseCase{store: store, live: live, loc: loc}
}

// Live returns up to count candles of the live aggregator for tf.
func (uc *CandlesUseCase) Live(symbol string, tf models.Timeframe, count int, includeIncomplete bool) ([]models.Candle, error) {
	agg, ok := uc.live.For(tf)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTimeframeNotAggregated, tf)
	}
	return agg.GetCandles(symbol, count, includeIncomplete), nil
}

// Current returns the in-progress candle of symbol on tf.
func (uc *CandlesUseCase) Current(symbol string, tf models.Timeframe) (models.Candle, bool, error) {
	agg, ok := uc.live.For(tf)
	if !ok {
		return models.Candle{}, false, fmt.Errorf("%w: %s", ErrTimeframeNotAggregated, tf)
	}
	c, found := agg.GetCurrentCandle(symbol)
	return c, found, nil
}

type GetCandlesParams struct {
	Symbol    string
	From      time.Time
	To        time.Time
	Timeframe models.Timeframe
	Limit     int
}

type GetCandlesResult struct {
	Symbol    string
	Timeframe models.Timeframe
	From      time.Time
	To        time.Time
	Count     int
	Candles   []models.Candle
}

// History reads [From, To] from the store, bypassing the cache, and returns
// at most Limit candles counted from the end.
func (uc *CandlesUseCase) History(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	if !p.Timeframe.IsValid() {
		return nil, fmt.Errorf("unsupported timeframe %q", p.Timeframe)
	}
	if p.From.After(p.To) {
		return nil, fmt.Errorf("from must be <= to")
	}
	if p.Limit <= 0 {
		p.Limit = defaultHistoryLimit
	}
	p.Limit = min(p.Limit, maxHistoryLimit)

	bars, err := uc.store.FetchRange(ctx, p.Symbol, p.Timeframe, p.From, p.To)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	candles := tail(BarsToCandles(p.Symbol, p.Timeframe, bars, uc.loc), p.Limit)

	return &GetCandlesResult{
		Symbol:    p.Symbol,
		Timeframe: p.Timeframe,
		From:      p.From,
		To:        p.To,
		Count:     len(candles),
		Candles:   candles,
	}, nil
}
