package repository

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	applogger "CandleFlow/pkg/logger"
	"CandleFlow/pkg/questdb"
)

var questdbColumns = []string{"ts", "symbol", "timeframe", "open", "high", "low", "close", "volume", "turnover", "tick_count"}

// QuestDBStore keeps every timeframe in one designated-timestamp table keyed
// by a timeframe symbol column.
type QuestDBStore struct {
	q      questdb.Querier
	table  string
	stored []models.Timeframe
	l      *applogger.Logger
}

func NewQuestDBStore(q questdb.Querier, table string, stored []models.Timeframe) *QuestDBStore {
	if table == "" {
		table = "candles"
	}
	return &QuestDBStore{q: q, table: table, stored: sortedTimeframes(stored), l: applogger.Nop()}
}

func (s *QuestDBStore) SetLogger(l *applogger.Logger) {
	if l != nil {
		s.l = l
	}
}

// Schema returns the DDL for the candle table. DEDUP keeps rewrites of the
// same candle idempotent.
func (s *QuestDBStore) Schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    ts TIMESTAMP,
    symbol SYMBOL,
    timeframe SYMBOL,
    open DOUBLE,
    high DOUBLE,
    low DOUBLE,
    close DOUBLE,
    volume DOUBLE,
    turnover DOUBLE,
    tick_count LONG
) TIMESTAMP(ts) PARTITION BY DAY WAL DEDUP UPSERT KEYS(ts, symbol, timeframe)`, s.table)
}

func (s *QuestDBStore) InitSchema(ctx context.Context) error {
	if err := s.q.Exec(ctx, s.Schema()); err != nil {
		return fmt.Errorf("questdb init schema: %w", err)
	}
	return nil
}

func (s *QuestDBStore) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	src, err := sourceTimeframe(s.stored, tf)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT ts, open, high, low, close, volume FROM %s
        WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
        ORDER BY ts`, s.table)

	rows, err := s.q.Query(ctx, q, symbol, string(src), start.UTC(), end.UTC())
	if err != nil {
		s.l.Error("questdb fetch_range query error",
			applogger.String("symbol", symbol),
			applogger.String("tf", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("fetch range: %w", err)
	}
	defer rows.Close()

	var out []models.Bar
	for rows.Next() {
		var (
			ts                     time.Time
			open, high, low, close *float64
			vol                    *float64
		)
		if err := rows.Scan(&ts, &open, &high, &low, &close, &vol); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		out = append(out, models.Bar{
			Timestamp: ts,
			Open:      models.FloatVal(open),
			High:      models.FloatVal(high),
			Low:       models.FloatVal(low),
			Close:     models.FloatVal(close),
			Volume:    models.FloatVal(vol),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// WriteCandles bulk-loads candles of stored timeframes with COPY.
func (s *QuestDBStore) WriteCandles(ctx context.Context, candles []models.Candle) error {
	rows := make([][]any, 0, len(candles))
	for _, c := range candles {
		if !slices.Contains(s.stored, c.Timeframe) {
			continue
		}
		var vol any
		if !math.IsNaN(c.Volume) {
			vol = c.Volume
		}
		rows = append(rows, []any{
			c.TimeframeStart.UTC(),
			c.Symbol,
			string(c.Timeframe),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			vol,
			c.Turnover,
			c.TickCount,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	n, err := s.q.CopyFrom(ctx, s.table, questdbColumns, rows)
	if err != nil {
		s.l.Error("questdb write_candles error", applogger.Int("rows", len(rows)), applogger.Error(err))
		return fmt.Errorf("copy candles: %w", err)
	}
	s.l.Debug("questdb write_candles ok", applogger.Int64("rows", n))
	return nil
}

// Close is a no-op; the pool belongs to pkg/questdb.Client.
func (s *QuestDBStore) Close() error { return nil }

var (
	_ domrepo.Store        = (*QuestDBStore)(nil)
	_ domrepo.CandleWriter = (*QuestDBStore)(nil)
)
