package usecase

import (
	"context"
	"fmt"
	"time"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/metrics"
)

// Ingest backends for TickProcessor.
const (
	BackendDirect = "direct"
	BackendKafka  = "kafka"
)

// TickProcessor routes a tick to the configured backend: straight into the
// aggregators, or onto the ticks topic for a consumer to aggregate.
type TickProcessor struct {
	aggs    *AggregatorSet
	pub     drepo.TickPublisher
	metrics drepo.Metrics
	backend string
}

func NewTickProcessor(aggs *AggregatorSet, pub drepo.TickPublisher, m drepo.Metrics, backend string) (*TickProcessor, error) {
	if m == nil {
		m = metrics.Nop{}
	}
	switch backend {
	case BackendDirect:
		if aggs == nil {
			return nil, fmt.Errorf("backend %s needs aggregators", backend)
		}
	case BackendKafka:
		if pub == nil {
			return nil, fmt.Errorf("backend %s needs a tick publisher", backend)
		}
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
	return &TickProcessor{aggs: aggs, pub: pub, metrics: m, backend: backend}, nil
}

func (p *TickProcessor) Backend() string { return p.backend }

// Process hands t to the backend. Aggregation never fails; rejected ticks are
// counted by the aggregators themselves.
func (p *TickProcessor) Process(ctx context.Context, t models.Tick) error {
	start := time.Now()
	switch p.backend {
	case BackendKafka:
		if err := p.pub.Publish(ctx, t); err != nil {
			p.metrics.RecordError("publish_tick")
			return fmt.Errorf("publish tick: %w", err)
		}
	default:
		p.aggs.AddTick(t)
	}
	p.metrics.RecordLastPrice(t.Symbol, t.Price)
	p.metrics.RecordLatency("process_tick", time.Since(start).Seconds())
	return nil
}

// Close releases the publisher, if any.
func (p *TickProcessor) Close() error {
	if p.pub != nil {
		return p.pub.Close()
	}
	return nil
}
