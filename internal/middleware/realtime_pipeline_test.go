package middleware

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	"CandleFlow/pkg/metrics"
)

type countingMetrics struct {
	metrics.Nop
	mu     sync.Mutex
	errors map[string]int
}

func (m *countingMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errors == nil {
		m.errors = make(map[string]int)
	}
	m.errors[kind]++
}

func (m *countingMetrics) get(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

type flakyProc struct {
	failures atomic.Int32
	mu       sync.Mutex
	got      []models.Tick
}

func (p *flakyProc) Process(_ context.Context, t models.Tick) error {
	if p.failures.Add(-1) >= 0 {
		return errors.New("downstream unavailable")
	}
	p.mu.Lock()
	p.got = append(p.got, t)
	p.mu.Unlock()
	return nil
}

func (p *flakyProc) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func tickAt(sym string, sec int, price float64) models.Tick {
	return models.Tick{
		Symbol:    sym,
		Timestamp: time.Date(2024, 3, 4, 9, 15, sec, 0, time.UTC),
		Price:     price,
		Volume:    1,
	}
}

func TestRealtimePipeline_RejectsInvalidTicks(t *testing.T) {
	m := &countingMetrics{}
	proc := &flakyProc{}
	p := NewRealtimePipeline(proc, m)

	err := p.Process(context.Background(), tickAt("", 0, 100))
	assert.ErrorIs(t, err, ErrInvalidTick)
	err = p.Process(context.Background(), tickAt("NIFTY", 0, -1))
	assert.ErrorIs(t, err, ErrInvalidTick)
	assert.Equal(t, 2, m.get("pipeline_validate"))
	assert.Zero(t, proc.count())
}

func TestRealtimePipeline_TransformIsRevalidated(t *testing.T) {
	m := &countingMetrics{}
	proc := &flakyProc{}
	p := NewRealtimePipeline(proc, m, WithTransform(func(t models.Tick) models.Tick {
		t.Symbol = ""
		return t
	}))
	assert.ErrorIs(t, p.Process(context.Background(), tickAt("NIFTY", 0, 100)), ErrInvalidTick)
	assert.Equal(t, 1, m.get("pipeline_transform_invalid"))
}

func TestRealtimePipeline_ThrottlesPerSymbol(t *testing.T) {
	m := &countingMetrics{}
	proc := &flakyProc{}
	p := NewRealtimePipeline(proc, m, WithMaxRPS(2))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Process(context.Background(), tickAt("NIFTY", i, 100)))
	}
	require.NoError(t, p.Process(context.Background(), tickAt("BANKNIFTY", 0, 100)))

	assert.Equal(t, 3, proc.count())
	assert.Equal(t, 3, m.get("pipeline_throttle"))
}

func TestRealtimePipeline_NoThrottleByDefault(t *testing.T) {
	proc := &flakyProc{}
	p := NewRealtimePipeline(proc, &countingMetrics{})
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Process(context.Background(), tickAt("NIFTY", i%60, 100)))
	}
	assert.Equal(t, 50, proc.count())
}

func TestRealtimePipeline_RetriesBufferedTicks(t *testing.T) {
	m := &countingMetrics{}
	proc := &flakyProc{}
	proc.failures.Store(2)
	p := NewRealtimePipeline(proc, m, WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	p.Start(context.Background())
	defer p.Stop()

	err := p.Process(context.Background(), tickAt("NIFTY", 0, 100))
	require.Error(t, err)
	assert.Equal(t, 1, m.get("pipeline_process"))

	require.Eventually(t, func() bool { return proc.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, p.Buffered())
	assert.Equal(t, 1, m.get("pipeline_flush"))
}

func TestRealtimePipeline_BufferFull(t *testing.T) {
	m := &countingMetrics{}
	proc := &flakyProc{}
	proc.failures.Store(100)
	p := NewRealtimePipeline(proc, m, WithBufferSize(1))

	_ = p.Process(context.Background(), tickAt("NIFTY", 0, 100))
	_ = p.Process(context.Background(), tickAt("NIFTY", 1, 100))
	assert.Equal(t, 1, p.Buffered())
	assert.Equal(t, 1, m.get("pipeline_buffer_full"))

	p.Stop()
}
