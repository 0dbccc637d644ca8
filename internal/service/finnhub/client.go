package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

var errNotConnected = errors.New("finnhub not connected")

// Client is a MarketStream over the Finnhub trades WebSocket. The read loop
// started by Read reconnects on its own and reports each failure on the
// error channel.
type Client struct {
	apiKey         string
	websocketURL   string
	symbols        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	l              *logger.Logger

	mu        sync.Mutex
	wmu       sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func New(apiKey, websocketURL string, symbols []string, reconnectDelay, pingInterval time.Duration, l *logger.Logger) *Client {
	if l == nil {
		l = logger.Nop()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Client{
		apiKey:         apiKey,
		websocketURL:   websocketURL,
		symbols:        symbols,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		l:              l,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.websocketURL)
	if err != nil {
		return fmt.Errorf("finnhub url: %w", err)
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("token", c.apiKey)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("finnhub connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.l.Info("finnhub connected", logger.String("url", c.websocketURL))
	return nil
}

// Subscribe sends one subscribe frame per configured symbol.
func (c *Client) Subscribe(ctx context.Context) error {
	for _, s := range c.symbols {
		if err := c.writeJSON(map[string]string{"type": "subscribe", "symbol": s}); err != nil {
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	c.l.Info("finnhub subscribed", logger.Strings("symbols", c.symbols))
	return nil
}

func (c *Client) writeJSON(v interface{}) error {
	conn := c.current()
	if conn == nil {
		return errNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.conn
}

type fhTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type fhMessage struct {
	Type string    `json:"type"`
	Data []fhTrade `json:"data"`
}

// Read streams ticks until ctx is done. Both channels are closed on exit.
func (c *Client) Read(ctx context.Context) (<-chan models.Tick, <-chan error) {
	ticks := make(chan models.Tick, 1024)
	errs := make(chan error, 8)

	go c.pingLoop(ctx)
	go func() {
		defer close(ticks)
		defer close(errs)
		for ctx.Err() == nil {
			conn := c.current()
			if conn == nil {
				if err := c.Reconnect(ctx); err != nil {
					report(errs, err)
				}
				continue
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				report(errs, fmt.Errorf("finnhub read: %w", err))
				c.markDisconnected()
				continue
			}
			for _, t := range decodeTrades(b) {
				select {
				case ticks <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ticks, errs
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.current()
			if conn == nil {
				continue
			}
			c.wmu.Lock()
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.wmu.Unlock()
		}
	}
}

// decodeTrades ignores frames that are not trade batches (pings, errors).
func decodeTrades(b []byte) []models.Tick {
	var m fhMessage
	if err := json.Unmarshal(b, &m); err != nil || m.Type != "trade" {
		return nil
	}
	out := make([]models.Tick, 0, len(m.Data))
	for _, d := range m.Data {
		out = append(out, models.Tick{
			Symbol:    d.S,
			Timestamp: time.UnixMilli(d.T),
			Price:     d.P,
			Volume:    d.V,
		})
	}
	return out
}

func report(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connected = false
	c.mu.Unlock()
}

// Reconnect waits the reconnect delay, then dials and resubscribes.
func (c *Client) Reconnect(ctx context.Context) error {
	c.markDisconnected()
	select {
	case <-time.After(c.reconnectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

var _ drepo.MarketStream = (*Client)(nil)
