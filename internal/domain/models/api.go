package models

// StrategyDataRequest asks for the series one strategy evaluates. Either
// Strategy names a configured requirement or Timeframe and Periods spell
// one out.
type StrategyDataRequest struct {
	Symbol     string `query:"symbol" validate:"required"`
	Strategy   string `query:"strategy"`
	Timeframe  string `query:"timeframe"`
	Periods    int    `query:"periods" validate:"gte=0,lte=10000"`
	MinPeriods int    `query:"min_periods" validate:"gte=0"`
	Realtime   string `query:"realtime" default:"true"`
	AssetType  string `query:"asset_type" validate:"omitempty,oneof=equity index future crypto"`
}

type LiveCandlesRequest struct {
	Symbol            string `query:"symbol" validate:"required"`
	Timeframe         string `query:"timeframe" default:"1minute"`
	Count             int    `query:"count" default:"100" validate:"gte=1,lte=5000"`
	IncludeIncomplete string `query:"include_incomplete" default:"true"`
}

type CurrentCandleRequest struct {
	Symbol    string `query:"symbol" validate:"required"`
	Timeframe string `query:"timeframe" default:"1minute"`
}

// HistoryRequest reads the store directly; From/To accept RFC3339 or epochs.
type HistoryRequest struct {
	Symbol    string `query:"symbol" validate:"required"`
	Timeframe string `query:"timeframe" default:"1day"`
	From      string `query:"from" validate:"required"`
	To        string `query:"to"`
	Limit     int    `query:"limit" validate:"gte=0,lte=50000"`
}

type RefreshRequest struct {
	Symbol    string `json:"symbol" validate:"required"`
	Timeframe string `json:"timeframe" validate:"required"`
	Periods   int    `json:"periods" validate:"gt=0,lte=10000"`
}

// PreloadRequest falls back to the configured strategies and symbols for
// empty lists.
type PreloadRequest struct {
	Strategies []string `json:"strategies"`
	Symbols    []string `json:"symbols"`
}

type SeriesResponse struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Count     int             `json:"count"`
	Candles   []CandleMessage `json:"candles"`
}

// NewSeriesResponse renders candles with nullable columns.
func NewSeriesResponse(symbol string, tf Timeframe, candles []Candle) SeriesResponse {
	out := make([]CandleMessage, len(candles))
	for i, c := range candles {
		out[i] = NewCandleMessage(c)
	}
	return SeriesResponse{Symbol: symbol, Timeframe: string(tf), Count: len(out), Candles: out}
}
