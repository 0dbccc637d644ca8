package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
)

// CandleSink persists completed candles off the aggregation path. Enqueue
// never blocks: when the buffer is full the candle is dropped and counted.
type CandleSink struct {
	writers      []drepo.CandleWriter
	metrics      drepo.Metrics
	l            *logger.Logger
	batchSize    int
	flushEvery   time.Duration
	writeTimeout time.Duration

	ch       chan models.Candle
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

type SinkOption func(*CandleSink)

func WithSinkBatch(size int, every time.Duration) SinkOption {
	return func(s *CandleSink) {
		if size > 0 {
			s.batchSize = size
		}
		if every > 0 {
			s.flushEvery = every
		}
	}
}

func WithSinkBuffer(n int) SinkOption {
	return func(s *CandleSink) {
		if n > 0 {
			s.ch = make(chan models.Candle, n)
		}
	}
}

func WithSinkWriteTimeout(d time.Duration) SinkOption {
	return func(s *CandleSink) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithSinkLogger(l *logger.Logger) SinkOption {
	return func(s *CandleSink) {
		if l != nil {
			s.l = l
		}
	}
}

func NewCandleSink(m drepo.Metrics, writers []drepo.CandleWriter, opts ...SinkOption) *CandleSink {
	if m == nil {
		m = metrics.Nop{}
	}
	s := &CandleSink{
		writers:      writers,
		metrics:      m,
		l:            logger.Nop(),
		batchSize:    200,
		flushEvery:   time.Second,
		writeTimeout: 10 * time.Second,
		ch:           make(chan models.Candle, 4096),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue has the CompletionCallback signature so it can be registered with
// AggregatorSet.OnCandle.
func (s *CandleSink) Enqueue(_ string, c models.Candle) {
	select {
	case s.ch <- c:
	default:
		s.metrics.RecordError("candle_sink_full")
	}
}

// Start runs the flush worker until Stop.
func (s *CandleSink) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

func (s *CandleSink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]models.Candle, 0, s.batchSize)
	for {
		select {
		case c := <-s.ch:
			batch = append(batch, c)
			if len(batch) >= s.batchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.stopCh:
			for {
				select {
				case c := <-s.ch:
					batch = append(batch, c)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes batch to every writer and returns it emptied for reuse.
// Failed writes are logged and counted; the batch is not retried.
func (s *CandleSink) flush(batch []models.Candle) []models.Candle {
	if len(batch) == 0 {
		return batch
	}
	start := time.Now()
	for _, w := range s.writers {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := w.WriteCandles(ctx, batch)
		cancel()
		if err != nil {
			s.metrics.RecordError("candle_sink_write")
			s.l.Error("candle sink write failed", logger.Int("candles", len(batch)), logger.Error(err))
		}
	}
	s.metrics.RecordLatency("candle_sink_flush", time.Since(start).Seconds())
	return batch[:0]
}

// Stop drains buffered candles, flushes them and closes the writers.
func (s *CandleSink) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, w := range s.writers {
		if err := w.Close(); err != nil {
			s.l.Warn("candle writer close failed", logger.Error(err))
		}
	}
	return nil
}
