package usecase

import (
	"context"
	"sync"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	mid "CandleFlow/internal/middleware"
	"CandleFlow/pkg/logger"
)

// TickCollector pumps a live market stream through the pipeline. The stream
// owns reconnection; errors it reports are logged and counted here.
type TickCollector struct {
	stream  drepo.MarketStream
	pipe    *mid.RealtimePipeline
	metrics drepo.Metrics
	l       *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTickCollector(stream drepo.MarketStream, pipe *mid.RealtimePipeline, metrics drepo.Metrics, l *logger.Logger) *TickCollector {
	if l == nil {
		l = logger.Nop()
	}
	return &TickCollector{stream: stream, pipe: pipe, metrics: metrics, l: l}
}

func (c *TickCollector) IsConnected() bool { return c.stream.IsConnected() }

// Start connects, subscribes and consumes in the background until ctx ends
// or Shutdown is called.
func (c *TickCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.pipe.Start(ctx)
	ticks, errs := c.stream.Read(ctx)
	c.wg.Add(1)
	go c.consume(ctx, ticks, errs)
	return nil
}

func (c *TickCollector) consume(ctx context.Context, ticks <-chan models.Tick, errs <-chan error) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.metrics.RecordError("stream")
			c.l.Warn("market stream error", logger.Error(err))
		case t, ok := <-ticks:
			if !ok {
				return
			}
			// downstream failures are buffered by the pipeline
			_ = c.pipe.Process(ctx, t)
		}
	}
}

// Shutdown stops consumption, the pipeline and the stream.
func (c *TickCollector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	c.pipe.Stop()
	return c.stream.Close()
}
