package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	pkgch "CandleFlow/pkg/clickhouse"
	applogger "CandleFlow/pkg/logger"
)

// ClickHouseStore serves historical rows from per-timeframe candle tables and
// persists completed candles into the same tables.
type ClickHouseStore struct {
	db       *sql.DB
	database string
	prefix   string
	// stored lists the timeframes that have a table, finest first.
	stored []models.Timeframe
	l      *applogger.Logger
}

// NewClickHouseStore uses tables named <prefix>_<timeframe>, e.g. candles_1minute.
func NewClickHouseStore(ch *pkgch.Client, database, prefix string, stored []models.Timeframe) *ClickHouseStore {
	if prefix == "" {
		prefix = "candles"
	}
	return &ClickHouseStore{db: ch.DB(), database: database, prefix: prefix, stored: sortedTimeframes(stored)}
}

func (s *ClickHouseStore) SetLogger(l *applogger.Logger) { s.l = l }

// Schema returns the DDL creating every stored table.
func (s *ClickHouseStore) Schema() []string {
	stmts := []string{pkgch.DatabaseDDL(s.database)}
	for _, tf := range s.stored {
		stmts = append(stmts, pkgch.CandleTableDDL(s.database, s.table(tf)))
	}
	return stmts
}

func (s *ClickHouseStore) table(tf models.Timeframe) string {
	return s.prefix + "_" + string(tf)
}

func (s *ClickHouseStore) sourceFor(tf models.Timeframe) (models.Timeframe, error) {
	return sourceTimeframe(s.stored, tf)
}

func (s *ClickHouseStore) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	began := time.Now()
	src, err := s.sourceFor(tf)
	if err != nil {
		return nil, err
	}
	table := s.table(src)
	q := fmt.Sprintf(`
        SELECT ts, open, high, low, close, volume
        FROM %s.%s FINAL
        WHERE symbol = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC`, s.database, table)

	rows, err := s.db.QueryContext(ctx, q, symbol, start.UTC(), end.UTC())
	if err != nil {
		s.logErr("clickhouse fetch_range query error", table, symbol, tf, err)
		return nil, fmt.Errorf("fetch range: %w", err)
	}
	defer rows.Close()

	out := make([]models.Bar, 0, 512)
	for rows.Next() {
		var (
			b                      models.Bar
			open, high, low, close sql.NullFloat64
			vol                    sql.NullFloat64
		)
		if err := rows.Scan(&b.Timestamp, &open, &high, &low, &close, &vol); err != nil {
			s.logErr("clickhouse fetch_range scan error", table, symbol, tf, err)
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Open, b.High, b.Low, b.Close, b.Volume = nullable(open), nullable(high), nullable(low), nullable(close), nullable(vol)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		s.logErr("clickhouse fetch_range rows error", table, symbol, tf, err)
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse fetch_range ok",
			applogger.String("table", table),
			applogger.String("symbol", symbol),
			applogger.String("tf", string(tf)),
			applogger.Int("rows", len(out)),
			applogger.Duration("duration_ms", time.Since(began)),
		)
	}
	return out, nil
}

// WriteCandles inserts candles into the table of their timeframe. Candles of
// timeframes without a table are skipped.
func (s *ClickHouseStore) WriteCandles(ctx context.Context, candles []models.Candle) error {
	byTF := make(map[models.Timeframe][]models.Candle)
	for _, c := range candles {
		if s.has(c.Timeframe) {
			byTF[c.Timeframe] = append(byTF[c.Timeframe], c)
		}
	}
	for tf, batch := range byTF {
		if err := s.insert(ctx, s.table(tf), batch); err != nil {
			s.logErr("clickhouse write_candles error", s.table(tf), "", tf, err)
			return err
		}
	}
	return nil
}

func (s *ClickHouseStore) has(tf models.Timeframe) bool {
	return slices.Contains(s.stored, tf)
}

func (s *ClickHouseStore) insert(ctx context.Context, table string, candles []models.Candle) error {
	const chunkSize = 2000
	for start := 0; start < len(candles); start += chunkSize {
		end := min(start+chunkSize, len(candles))
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*9)
		for _, c := range candles[start:end] {
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			var vol interface{}
			if !math.IsNaN(c.Volume) {
				vol = c.Volume
			}
			args = append(args,
				c.Symbol,
				c.TimeframeStart.UTC(),
				c.Open,
				c.High,
				c.Low,
				c.Close,
				vol,
				c.Turnover,
				uint64(c.TickCount),
			)
		}
		q := fmt.Sprintf("INSERT INTO %s.%s (symbol, ts, open, high, low, close, volume, turnover, tick_count) VALUES %s",
			s.database, table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert candles: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseStore) Health(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *ClickHouseStore) Close() error { return nil }

func (s *ClickHouseStore) logErr(msg, table, symbol string, tf models.Timeframe, err error) {
	if s.l == nil {
		return
	}
	s.l.Error(msg,
		applogger.String("table", table),
		applogger.String("symbol", symbol),
		applogger.String("tf", string(tf)),
		applogger.Error(err),
	)
}

func nullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

var (
	_ domrepo.Store        = (*ClickHouseStore)(nil)
	_ domrepo.CandleWriter = (*ClickHouseStore)(nil)
)
