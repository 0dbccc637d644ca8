package clickhouse

import "fmt"

// CandleTableDDL returns the DDL for one candle table. Rows are keyed by
// (symbol, ts) and re-inserts of the same candle collapse on merge.
func CandleTableDDL(database, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    symbol     LowCardinality(String),
    ts         DateTime64(3, 'UTC'),
    open       Float64,
    high       Float64,
    low        Float64,
    close      Float64,
    volume     Nullable(Float64),
    turnover   Float64 DEFAULT 0,
    tick_count UInt64 DEFAULT 0,
    inserted   DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(inserted)
PARTITION BY toYYYYMM(ts)
ORDER BY (symbol, ts)`, database, table)
}

func DatabaseDDL(database string) string {
	return fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)
}
