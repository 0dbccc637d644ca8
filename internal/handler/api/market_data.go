package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"CandleFlow/internal/domain/models"
	"CandleFlow/internal/usecase"
	xhttp "CandleFlow/pkg/http"
	xlogger "CandleFlow/pkg/logger"
	xutil "CandleFlow/pkg/util"
)

// SymbolInvalidator drops any second-level cache a symbol has.
type SymbolInvalidator interface {
	InvalidateSymbol(ctx context.Context, symbol string) error
}

type Option func(*MarketDataHandler)

// WithStrategies sets the named requirements served by strategy=<name> and
// used as the default preload set.
func WithStrategies(reqs map[string]models.DataRequirement) Option {
	return func(h *MarketDataHandler) { h.strategies = reqs }
}

func WithSymbols(symbols []string) Option {
	return func(h *MarketDataHandler) { h.symbols = symbols }
}

func WithAssetResolver(fn func(string) models.AssetType) Option {
	return func(h *MarketDataHandler) {
		if fn != nil {
			h.assetOf = fn
		}
	}
}

func WithInvalidators(inv ...SymbolInvalidator) Option {
	return func(h *MarketDataHandler) { h.invalidators = append(h.invalidators, inv...) }
}

func WithPreloadTimeout(d time.Duration) Option {
	return func(h *MarketDataHandler) {
		if d > 0 {
			h.preloadTimeout = d
		}
	}
}

// MarketDataHandler exposes strategy data, live candles and cache control.
type MarketDataHandler struct {
	l       *xlogger.Logger
	coord   *usecase.DataCoordinator
	cache   *usecase.HistoricalCache
	candles *usecase.CandlesUseCase

	strategies     map[string]models.DataRequirement
	symbols        []string
	assetOf        func(string) models.AssetType
	invalidators   []SymbolInvalidator
	preloadTimeout time.Duration
	health         func(context.Context) error
}

func NewMarketDataHandler(l *xlogger.Logger, coord *usecase.DataCoordinator, cache *usecase.HistoricalCache, candles *usecase.CandlesUseCase, opts ...Option) *MarketDataHandler {
	if l == nil {
		l = xlogger.Nop()
	}
	h := &MarketDataHandler{
		l:              l,
		coord:          coord,
		cache:          cache,
		candles:        candles,
		assetOf:        func(string) models.AssetType { return models.AssetEquity },
		preloadTimeout: 5 * time.Minute,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetHealthCheck installs the check behind /healthz.
func (h *MarketDataHandler) SetHealthCheck(fn func(context.Context) error) { h.health = fn }

func (h *MarketDataHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.GET("/strategy-data", h.StrategyData)
	g.GET("/candles/live", h.LiveCandles)
	g.GET("/candles/current", h.CurrentCandle)
	g.GET("/candles/history", h.History)
	g.POST("/cache/refresh", h.RefreshCache)
	g.DELETE("/cache/:symbol", h.InvalidateCache)
	g.POST("/preload", h.Preload)
}

func (h *MarketDataHandler) Health(c echo.Context) error {
	if h.health != nil {
		if err := h.health(c.Request().Context()); err != nil {
			h.l.Warn("health check failed", xlogger.Error(err))
			return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError(err.Error()))
		}
	}
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

func (h *MarketDataHandler) StrategyData(c echo.Context) error {
	req := &models.StrategyDataRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	dr, appErr := h.requirement(req)
	if appErr != nil {
		return xhttp.AppErrorResponse(c, appErr)
	}
	asset := h.assetOf(req.Symbol)
	if req.AssetType != "" {
		asset, _ = models.ParseAssetType(req.AssetType)
	}

	series, err := h.coord.GetStrategyData(c.Request().Context(), req.Symbol, dr, asset)
	if err != nil {
		return xhttp.AppErrorResponse(c, h.mapError(err))
	}
	return xhttp.SuccessResponse(c, models.NewSeriesResponse(req.Symbol, dr.Timeframe, series))
}

func (h *MarketDataHandler) requirement(req *models.StrategyDataRequest) (models.DataRequirement, *xhttp.AppError) {
	if req.Strategy != "" {
		dr, ok := h.strategies[req.Strategy]
		if !ok {
			return dr, xhttp.NotFoundErrorf("unknown strategy %q", req.Strategy)
		}
		return dr, nil
	}
	tf, err := models.ParseTimeframe(req.Timeframe)
	if err != nil {
		return models.DataRequirement{}, xhttp.BadRequestError("timeframe", err.Error())
	}
	return models.DataRequirement{
		Timeframe:       tf,
		Periods:         req.Periods,
		MinPeriods:      req.MinPeriods,
		RealtimeEnabled: xhttp.ParseBoolDefault(req.Realtime, true),
	}, nil
}

func (h *MarketDataHandler) LiveCandles(c echo.Context) error {
	req := &models.LiveCandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tf, err := models.ParseTimeframe(req.Timeframe)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("timeframe", err.Error()))
	}
	candles, err := h.candles.Live(req.Symbol, tf, req.Count, xhttp.ParseBoolDefault(req.IncludeIncomplete, true))
	if err != nil {
		return xhttp.AppErrorResponse(c, h.mapError(err))
	}
	return xhttp.SuccessResponse(c, models.NewSeriesResponse(req.Symbol, tf, candles))
}

func (h *MarketDataHandler) CurrentCandle(c echo.Context) error {
	req := &models.CurrentCandleRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tf, err := models.ParseTimeframe(req.Timeframe)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("timeframe", err.Error()))
	}
	candle, ok, err := h.candles.Current(req.Symbol, tf)
	if err != nil {
		return xhttp.AppErrorResponse(c, h.mapError(err))
	}
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no open %s candle for %s", tf, req.Symbol))
	}
	return xhttp.SuccessResponse(c, models.NewCandleMessage(candle))
}

func (h *MarketDataHandler) History(c echo.Context) error {
	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tf, err := models.ParseTimeframe(req.Timeframe)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("timeframe", err.Error()))
	}
	from, ok := xutil.ParseTime(req.From)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from", "from must be RFC3339 or epoch"))
	}
	to := xhttp.ParseTimeDefault(req.To, time.Now())

	res, err := h.candles.History(c.Request().Context(), usecase.GetCandlesParams{
		Symbol:    req.Symbol,
		From:      from,
		To:        to,
		Timeframe: tf,
		Limit:     req.Limit,
	})
	if err != nil {
		h.l.Error("history query failed", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("history unavailable").WithError(err))
	}
	return xhttp.SuccessResponse(c, models.NewSeriesResponse(res.Symbol, res.Timeframe, res.Candles))
}

func (h *MarketDataHandler) RefreshCache(c echo.Context) error {
	req := &models.RefreshRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tf, err := models.ParseTimeframe(req.Timeframe)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("timeframe", err.Error()))
	}
	ctx := c.Request().Context()
	// drop the second-level copy first or the store may answer from it
	h.invalidateSecondLevel(ctx, req.Symbol)
	candles := h.cache.Refresh(ctx, req.Symbol, tf, req.Periods)
	return xhttp.SuccessResponse(c, models.NewSeriesResponse(req.Symbol, tf, candles))
}

func (h *MarketDataHandler) InvalidateCache(c echo.Context) error {
	symbol := c.Param("symbol")
	if symbol == "" {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("symbol", "symbol is required"))
	}
	removed := h.cache.Invalidate(symbol)
	h.invalidateSecondLevel(c.Request().Context(), symbol)
	h.l.Info("cache invalidated", xlogger.String("symbol", symbol), xlogger.Int("entries", removed))
	return xhttp.SuccessResponse(c, map[string]interface{}{"symbol": symbol, "removed": removed})
}

func (h *MarketDataHandler) invalidateSecondLevel(ctx context.Context, symbol string) {
	for _, inv := range h.invalidators {
		if err := inv.InvalidateSymbol(ctx, symbol); err != nil {
			h.l.Warn("second-level invalidation failed", xlogger.String("symbol", symbol), xlogger.Error(err))
		}
	}
}

// Preload warms the cache in the background and answers 202 right away.
func (h *MarketDataHandler) Preload(c echo.Context) error {
	req := &models.PreloadRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	reqs := h.strategies
	if len(req.Strategies) > 0 {
		reqs = make(map[string]models.DataRequirement, len(req.Strategies))
		for _, name := range req.Strategies {
			dr, ok := h.strategies[name]
			if !ok {
				return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("unknown strategy %q", name))
			}
			reqs[name] = dr
		}
	}
	symbols := h.symbols
	if len(req.Symbols) > 0 {
		symbols = xutil.NormalizeSymbols(req.Symbols)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), h.preloadTimeout)
	go func() {
		defer cancel()
		began := time.Now()
		if err := h.coord.Preload(ctx, reqs, symbols); err != nil {
			h.l.Error("preload failed", xlogger.Error(err))
			return
		}
		h.l.Info("preload finished",
			xlogger.Int("strategies", len(reqs)),
			xlogger.Int("symbols", len(symbols)),
			xlogger.Duration("duration_ms", time.Since(began)),
		)
	}()
	return xhttp.AcceptedResponse(c, map[string]int{"strategies": len(reqs), "symbols": len(symbols)})
}

func (h *MarketDataHandler) mapError(err error) error {
	if dq, ok := usecase.AsDataQualityError(err); ok {
		appErr := xhttp.UnprocessableError("ERR_"+string(dq.Reason), dq.Error())
		switch dq.Reason {
		case usecase.ReasonInsufficientData:
			appErr.WithParam("got", dq.Got).WithParam("want", dq.Want)
		default:
			appErr.WithParam("column", dq.Column)
		}
		return appErr
	}
	switch {
	case errors.Is(err, usecase.ErrInvalidRequirement):
		return xhttp.BadRequestError("", err.Error())
	case errors.Is(err, usecase.ErrTimeframeNotAggregated):
		return xhttp.NotFoundErrorf("%v", err)
	}
	h.l.Error("market data request failed", xlogger.Error(err))
	return xhttp.InternalError(http.StatusText(http.StatusInternalServerError)).WithError(err)
}
