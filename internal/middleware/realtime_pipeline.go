package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/ratelimit"
	applogger "CandleFlow/pkg/logger"
)

// ErrInvalidTick is returned for ticks the pipeline refuses to forward.
var ErrInvalidTick = errors.New("invalid tick")

// Proc is the downstream the pipeline feeds.
type Proc interface {
	Process(ctx context.Context, t models.Tick) error
}

// RealtimePipeline sits between a tick source and the processor. It
// validates, optionally transforms and throttles, and parks ticks in a retry
// buffer while the downstream is failing.
type RealtimePipeline struct {
	proc      Proc
	metrics   domrepo.Metrics
	l         *applogger.Logger
	limiter   *ratelimit.Limiter
	transform func(models.Tick) models.Tick
	bufSize   int
	backoff   time.Duration
	maxWait   time.Duration

	bufCh  chan models.Tick
	stopCh chan struct{}
	done   chan struct{}
	mu     sync.Mutex
	state  int // 0 idle, 1 running, 2 stopped
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS throttles each symbol to n ticks per second with a burst of n.
// Throttled ticks are dropped, so n <= 0 (the default) disables throttling.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.limiter = ratelimit.New(float64(n), float64(n))
		}
	}
}

// WithBufferSize sets the retry buffer used while downstream is unavailable.
func WithBufferSize(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithRetryBackoff bounds the delay between retries of a buffered tick.
func WithRetryBackoff(initial, max time.Duration) PipelineOption {
	return func(p *RealtimePipeline) {
		if initial > 0 {
			p.backoff = initial
		}
		if max >= p.backoff {
			p.maxWait = max
		}
	}
}

// WithTransform rewrites each tick before throttling; the result is revalidated.
func WithTransform(fn func(models.Tick) models.Tick) PipelineOption {
	return func(p *RealtimePipeline) { p.transform = fn }
}

func WithPipelineLogger(l *applogger.Logger) PipelineOption {
	return func(p *RealtimePipeline) {
		if l != nil {
			p.l = l
		}
	}
}

func NewRealtimePipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	p := &RealtimePipeline{
		proc:    proc,
		metrics: metrics,
		l:       applogger.Nop(),
		bufSize: 1000,
		backoff: 50 * time.Millisecond,
		maxWait: 2 * time.Second,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.Tick, p.bufSize)
	return p
}

// Start launches the retry loop. It is a no-op after the first call.
func (p *RealtimePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != 0 {
		return
	}
	p.state = 1
	go p.retryLoop(ctx)
}

// Stop ends the retry loop and waits for it. Buffered ticks are dropped and
// counted.
func (p *RealtimePipeline) Stop() {
	p.mu.Lock()
	if p.state != 1 {
		p.state = 2
		p.mu.Unlock()
		return
	}
	p.state = 2
	p.mu.Unlock()

	close(p.stopCh)
	<-p.done
	if n := len(p.bufCh); n > 0 {
		p.l.Warn("pipeline stopped with buffered ticks", applogger.Int("dropped", n))
		for i := 0; i < n; i++ {
			p.metrics.RecordError("pipeline_buffer_drop")
		}
	}
}

// Buffered returns the number of ticks waiting for retry.
func (p *RealtimePipeline) Buffered() int { return len(p.bufCh) }

func (p *RealtimePipeline) retryLoop(ctx context.Context) {
	defer close(p.done)
	wait := p.backoff
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case t := <-p.bufCh:
			if err := p.proc.Process(ctx, t); err == nil {
				wait = p.backoff
				continue
			}
			p.metrics.RecordError("pipeline_flush")
			select {
			case p.bufCh <- t:
			default:
				p.metrics.RecordError("pipeline_buffer_drop")
			}
			select {
			case <-time.After(wait):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			wait = min(wait*2, p.maxWait)
		}
	}
}

// Process validates, throttles and forwards t. When the downstream fails the
// tick is buffered for retry and the downstream error is returned.
func (p *RealtimePipeline) Process(ctx context.Context, t models.Tick) error {
	start := time.Now()
	if !t.Valid() {
		p.metrics.RecordError("pipeline_validate")
		return fmt.Errorf("%w: %s at %s price=%v volume=%v", ErrInvalidTick, t.Symbol, t.Timestamp, t.Price, t.Volume)
	}
	if p.transform != nil {
		t = p.transform(t)
		if !t.Valid() {
			p.metrics.RecordError("pipeline_transform_invalid")
			return fmt.Errorf("%w: after transform", ErrInvalidTick)
		}
	}
	if p.limiter != nil && !p.limiter.Allow(t.Symbol) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	if err := p.proc.Process(ctx, t); err != nil {
		p.metrics.RecordError("pipeline_process")
		select {
		case p.bufCh <- t:
		default:
			p.metrics.RecordError("pipeline_buffer_full")
			p.l.Warn("pipeline buffer full, tick dropped", applogger.String("symbol", t.Symbol))
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}
