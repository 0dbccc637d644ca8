package repository

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	pkghttp "CandleFlow/pkg/http"
	applogger "CandleFlow/pkg/logger"
	"CandleFlow/pkg/util"
)

const brokerTimeLayout = "2006-01-02T15:04:05-0700"

// brokerIntervals maps timeframes onto the broker's interval path segment.
var brokerIntervals = map[models.Timeframe]string{
	models.TF1Minute:  "minute",
	models.TF3Minute:  "3minute",
	models.TF5Minute:  "5minute",
	models.TF10Minute: "10minute",
	models.TF15Minute: "15minute",
	models.TF30Minute: "30minute",
	models.TF60Minute: "60minute",
	models.TF1Day:     "day",
}

// historyResponse is the broker envelope:
// {"status":"success","data":{"candles":[[ts, o, h, l, c, v], ...]}}.
// Rows may be short or carry nulls when a column is unavailable.
type historyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Candles [][]interface{} `json:"candles"`
	} `json:"data"`
}

// HTTPStore reads history from a broker REST endpoint
// GET {base}/instruments/historical/{symbol}/{interval}?from=&to=.
type HTTPStore struct {
	client *pkghttp.Client
	loc    *time.Location
	l      *applogger.Logger
}

func NewHTTPStore(client *pkghttp.Client, loc *time.Location) *HTTPStore {
	if loc == nil {
		loc = time.UTC
	}
	return &HTTPStore{client: client, loc: loc, l: applogger.Nop()}
}

func (s *HTTPStore) SetLogger(l *applogger.Logger) {
	if l != nil {
		s.l = l
	}
}

func (s *HTTPStore) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	interval, ok := brokerIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("broker has no interval for timeframe %s", tf)
	}
	var resp historyResponse
	err := s.client.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("/instruments/historical/%s/%s", url.PathEscape(symbol), interval),
		QueryParams: map[string][]string{
			"from": {start.In(s.loc).Format("2006-01-02 15:04:05")},
			"to":   {end.In(s.loc).Format("2006-01-02 15:04:05")},
		},
	}, &resp)
	if err != nil {
		s.l.Error("broker history request failed",
			applogger.String("symbol", symbol),
			applogger.String("tf", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("broker history: %w", err)
	}
	if resp.Status != "" && resp.Status != "success" {
		return nil, fmt.Errorf("broker history: %s: %s", resp.Status, resp.Message)
	}

	bars := make([]models.Bar, 0, len(resp.Data.Candles))
	for i, row := range resp.Data.Candles {
		b, err := s.decodeRow(row)
		if err != nil {
			return nil, fmt.Errorf("broker history row %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func (s *HTTPStore) decodeRow(row []interface{}) (models.Bar, error) {
	if len(row) < 5 {
		return models.Bar{}, fmt.Errorf("expected at least 5 columns, got %d", len(row))
	}
	ts, err := s.decodeTime(row[0])
	if err != nil {
		return models.Bar{}, err
	}
	col := func(i int) float64 {
		if i >= len(row) {
			return math.NaN()
		}
		if v, ok := row[i].(float64); ok {
			return v
		}
		return math.NaN()
	}
	return models.Bar{
		Timestamp: ts,
		Open:      col(1),
		High:      col(2),
		Low:       col(3),
		Close:     col(4),
		Volume:    col(5),
	}, nil
}

func (s *HTTPStore) decodeTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(brokerTimeLayout, t); err == nil {
			return ts, nil
		}
		if ts, ok := util.ParseTime(t); ok {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case float64:
		return util.EpochTime(int64(t)), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

var _ domrepo.Store = (*HTTPStore)(nil)
