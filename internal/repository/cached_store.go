package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/cache"
	applogger "CandleFlow/pkg/logger"
)

type barMessage struct {
	T int64    `json:"t"`
	O *float64 `json:"o"`
	H *float64 `json:"h"`
	L *float64 `json:"l"`
	C *float64 `json:"c"`
	V *float64 `json:"v"`
}

// CachedStore puts a shared bytes cache (Redis in production) in front of
// another Store. Range ends are bucketed to the TTL so repeated lookbacks
// from several processes land on one key; a hit may therefore lag the
// source by up to ttl.
type CachedStore struct {
	next  domrepo.Store
	cache cache.BytesCache
	ttl   time.Duration
	l     *applogger.Logger
}

func NewCachedStore(next domrepo.Store, c cache.BytesCache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{next: next, cache: c, ttl: ttl, l: applogger.Nop()}
}

func (s *CachedStore) SetLogger(l *applogger.Logger) {
	if l != nil {
		s.l = l
	}
}

func (s *CachedStore) key(symbol string, tf models.Timeframe, start, end time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%d:%d", symbol, tf, start.Truncate(24*time.Hour).Unix(), end.Truncate(s.ttl).Unix())
}

func (s *CachedStore) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	key := s.key(symbol, tf, start, end)

	raw, ok, err := s.cache.GetBytes(ctx, key)
	if err != nil {
		s.l.Warn("bar cache read failed", applogger.String("key", key), applogger.Error(err))
	}
	if ok {
		var msgs []barMessage
		if err := json.Unmarshal(raw, &msgs); err == nil {
			return clipBars(decodeBars(msgs), start, end), nil
		}
		s.l.Warn("bar cache entry corrupt", applogger.String("key", key))
	}

	bars, err := s.next.FetchRange(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return bars, nil
	}
	if b, err := json.Marshal(encodeBars(bars)); err == nil {
		if err := s.cache.SetBytes(ctx, key, b, s.ttl); err != nil {
			s.l.Warn("bar cache write failed", applogger.String("key", key), applogger.Error(err))
		}
	}
	return bars, nil
}

// InvalidateSymbol drops every cached range of symbol.
func (s *CachedStore) InvalidateSymbol(ctx context.Context, symbol string) error {
	return s.cache.Delete(ctx, "bars:"+symbol+":*")
}

func encodeBars(bars []models.Bar) []barMessage {
	out := make([]barMessage, len(bars))
	for i, b := range bars {
		out[i] = barMessage{
			T: b.Timestamp.UnixMilli(),
			O: models.FloatPtr(b.Open),
			H: models.FloatPtr(b.High),
			L: models.FloatPtr(b.Low),
			C: models.FloatPtr(b.Close),
			V: models.FloatPtr(b.Volume),
		}
	}
	return out
}

func decodeBars(msgs []barMessage) []models.Bar {
	out := make([]models.Bar, len(msgs))
	for i, m := range msgs {
		out[i] = models.Bar{
			Timestamp: time.UnixMilli(m.T),
			Open:      models.FloatVal(m.O),
			High:      models.FloatVal(m.H),
			Low:       models.FloatVal(m.L),
			Close:     models.FloatVal(m.C),
			Volume:    models.FloatVal(m.V),
		}
	}
	return out
}

func clipBars(bars []models.Bar, start, end time.Time) []models.Bar {
	out := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

var _ domrepo.Store = (*CachedStore)(nil)
