package questdb

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Rows is the subset of pgx.Rows the repositories consume.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Querier is what stores depend on; *Client satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) error
	CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Client talks to QuestDB over its PostgreSQL wire endpoint.
type Client struct {
	pool *pgxpool.Pool
}

func NewClient(ctx context.Context, opts ...ClientOption) (*Client, error) {
	cfg := &ClientConfig{
		Port:            8812,
		Database:        "qdb",
		User:            "admin",
		Password:        "quest",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}

	pcfg, err := pgxpool.ParseConfig(BuildDSN(*cfg))
	if err != nil {
		return nil, fmt.Errorf("questdb parse config: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("questdb pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("questdb ping: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.pool.Exec(ctx, sql, args...)
	return err
}

// CopyFrom bulk-loads rows into table.
func (c *Client) CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return c.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}

func (c *Client) Health(ctx context.Context) error { return c.pool.Ping(ctx) }

func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// BuildDSN renders cfg as a postgres:// connection string.
func BuildDSN(cfg ClientConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

var _ Querier = (*Client)(nil)
