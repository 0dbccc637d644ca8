package usecase

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	mid "CandleFlow/internal/middleware"
	"CandleFlow/pkg/metrics"
)

type errorLog struct {
	metrics.Nop
	mu    sync.Mutex
	kinds []string
}

func (e *errorLog) RecordError(kind string) {
	e.mu.Lock()
	e.kinds = append(e.kinds, kind)
	e.mu.Unlock()
}

func (e *errorLog) count(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, k := range e.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	ticks  []models.Tick
	err    error
	closed bool
}

func (p *fakePublisher) Publish(_ context.Context, t models.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ticks = append(p.ticks, t)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]models.Candle
	err     error
	closed  bool
}

func (w *fakeWriter) WriteCandles(_ context.Context, cs []models.Candle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]models.Candle(nil), cs...))
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestNewTickProcessor_ValidatesBackend(t *testing.T) {
	_, err := NewTickProcessor(nil, nil, nil, BackendDirect)
	assert.Error(t, err)
	_, err = NewTickProcessor(nil, nil, nil, BackendKafka)
	assert.Error(t, err)
	_, err = NewTickProcessor(nil, nil, nil, "clickhouse")
	assert.Error(t, err)
}

func TestTickProcessor_Direct(t *testing.T) {
	aggs := NewAggregatorSet([]models.Timeframe{models.TF1Minute, models.TF5Minute}, WithLocation(ist))
	p, err := NewTickProcessor(aggs, nil, nil, BackendDirect)
	require.NoError(t, err)

	require.NoError(t, p.Process(context.Background(), tick("NIFTY", at(9, 15, 5), 100, 1)))
	require.NoError(t, p.Process(context.Background(), tick("NIFTY", at(9, 16, 5), 101, 1)))

	one, _ := aggs.For(models.TF1Minute)
	five, _ := aggs.For(models.TF5Minute)
	assert.Len(t, one.GetCandles("NIFTY", 10, true), 2)
	assert.Len(t, five.GetCandles("NIFTY", 10, true), 1)
}

func TestTickProcessor_Kafka(t *testing.T) {
	pub := &fakePublisher{}
	errs := &errorLog{}
	p, err := NewTickProcessor(nil, pub, errs, BackendKafka)
	require.NoError(t, err)

	require.NoError(t, p.Process(context.Background(), tick("NIFTY", at(9, 15, 5), 100, 1)))
	assert.Len(t, pub.ticks, 1)

	pub.err = errors.New("broker down")
	require.Error(t, p.Process(context.Background(), tick("NIFTY", at(9, 15, 6), 100, 1)))
	assert.Equal(t, 1, errs.count("publish_tick"))

	require.NoError(t, p.Close())
	assert.True(t, pub.closed)
}

func TestKafkaTicksHandler(t *testing.T) {
	aggs := NewAggregatorSet([]models.Timeframe{models.TF1Minute}, WithLocation(ist))
	p, err := NewTickProcessor(aggs, nil, nil, BackendDirect)
	require.NoError(t, err)
	errs := &errorLog{}
	h := NewKafkaTicksHandler("ticks", p, errs)
	assert.Equal(t, "ticks", h.Topic())

	ms := at(9, 15, 10).UnixMilli()
	secs := at(9, 15, 20).Unix()
	require.NoError(t, h.Handle(context.Background(), []byte(`{"symbol":"NIFTY","t":`+itoa(ms)+`,"c":100,"v":2}`)))
	require.NoError(t, h.Handle(context.Background(), []byte(`{"symbol":"NIFTY","t":`+itoa(secs)+`,"c":102,"v":1,"turnover":150}`)))
	require.NoError(t, h.Handle(context.Background(), []byte(`{broken`)))
	require.NoError(t, h.Handle(context.Background(), []byte(`{"symbol":"NIFTY","t":0,"c":100,"v":1}`)))

	one, _ := aggs.For(models.TF1Minute)
	cur, ok := one.GetCurrentCandle("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 100.0, cur.Open)
	assert.Equal(t, 102.0, cur.Close)
	assert.Equal(t, 3.0, cur.Volume)
	assert.Equal(t, 350.0, cur.Turnover)
	assert.Equal(t, 1, errs.count("consumer_unmarshal"))
	assert.Equal(t, 1, errs.count("consumer_invalid_tick"))
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestCandleSink_FlushesOnBatchSizeAndStop(t *testing.T) {
	w1, w2 := &fakeWriter{}, &fakeWriter{}
	s := NewCandleSink(nil, []drepo.CandleWriter{w1, w2}, WithSinkBatch(2, time.Hour))
	s.Start()

	c := candleAt(at(9, 15, 0), models.TF1Minute, 100)
	s.Enqueue("NIFTY", c)
	s.Enqueue("NIFTY", c)
	s.Enqueue("NIFTY", c)

	require.Eventually(t, func() bool { return w1.total() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 3, w1.total())
	assert.Equal(t, 3, w2.total())
	assert.True(t, w1.closed)
}

func TestCandleSink_FlushesOnInterval(t *testing.T) {
	w := &fakeWriter{err: errors.New("insert failed")}
	errs := &errorLog{}
	s := NewCandleSink(errs, []drepo.CandleWriter{w}, WithSinkBatch(100, 10*time.Millisecond))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	s.Enqueue("NIFTY", candleAt(at(9, 15, 0), models.TF1Minute, 100))
	require.Eventually(t, func() bool { return errs.count("candle_sink_write") == 1 }, time.Second, 5*time.Millisecond)
}

func TestCandleSink_DropsWhenFull(t *testing.T) {
	errs := &errorLog{}
	s := NewCandleSink(errs, nil, WithSinkBuffer(1))
	c := candleAt(at(9, 15, 0), models.TF1Minute, 100)
	s.Enqueue("NIFTY", c)
	s.Enqueue("NIFTY", c)
	assert.Equal(t, 1, errs.count("candle_sink_full"))
}

func TestCandleSink_ReceivesCompletedCandles(t *testing.T) {
	w := &fakeWriter{}
	aggs := NewAggregatorSet([]models.Timeframe{models.TF1Minute}, WithLocation(ist))
	s := NewCandleSink(nil, []drepo.CandleWriter{w}, WithSinkBatch(1, time.Hour))
	aggs.OnCandle(s.Enqueue)
	s.Start()

	aggs.AddTick(tick("NIFTY", at(9, 15, 5), 100, 1))
	aggs.AddTick(tick("NIFTY", at(9, 16, 5), 101, 1))

	require.Eventually(t, func() bool { return w.total() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, models.TF1Minute, w.batches[0][0].Timeframe)
	assert.True(t, w.batches[0][0].TimeframeStart.Equal(at(9, 15, 0)))
}

type fakeStream struct {
	ticks  chan models.Tick
	errs   chan error
	closed bool
}

func (s *fakeStream) Connect(context.Context) error   { return nil }
func (s *fakeStream) Subscribe(context.Context) error { return nil }
func (s *fakeStream) Read(context.Context) (<-chan models.Tick, <-chan error) {
	return s.ticks, s.errs
}
func (s *fakeStream) Reconnect(context.Context) error { return nil }
func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}
func (s *fakeStream) IsConnected() bool { return !s.closed }

func TestTickCollector_FeedsPipeline(t *testing.T) {
	aggs := NewAggregatorSet([]models.Timeframe{models.TF1Minute}, WithLocation(ist))
	p, err := NewTickProcessor(aggs, nil, nil, BackendDirect)
	require.NoError(t, err)
	errs := &errorLog{}
	stream := &fakeStream{ticks: make(chan models.Tick, 4), errs: make(chan error, 1)}
	c := NewTickCollector(stream, mid.NewRealtimePipeline(p, errs), errs, nil)

	require.NoError(t, c.Start(context.Background()))
	stream.errs <- errors.New("socket reset")
	stream.ticks <- tick("NIFTY", at(9, 15, 5), 100, 1)
	stream.ticks <- tick("NIFTY", at(9, 15, 6), 0, 1)

	one, _ := aggs.For(models.TF1Minute)
	require.Eventually(t, func() bool {
		_, ok := one.GetCurrentCandle("NIFTY")
		return ok && errs.count("pipeline_validate") == 1 && errs.count("stream") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, stream.closed)
}
