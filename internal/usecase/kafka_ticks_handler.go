package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	pkgkafka "CandleFlow/pkg/kafka"
)

// Proc is the downstream a tick is handed to.
type Proc interface {
	Process(ctx context.Context, t models.Tick) error
}

// KafkaTicksHandler decodes ticks from the ticks topic and feeds them to the
// aggregation pipeline.
type KafkaTicksHandler struct {
	topic   string
	proc    Proc
	metrics domrepo.Metrics
}

func NewKafkaTicksHandler(topic string, proc Proc, metrics domrepo.Metrics) *KafkaTicksHandler {
	return &KafkaTicksHandler{topic: topic, proc: proc, metrics: metrics}
}

func (h *KafkaTicksHandler) Topic() string { return h.topic }

// Handle accepts {symbol, t, c, v, turnover?}; t may be epoch seconds or ms.
// Malformed payloads are counted and acknowledged rather than retried.
func (h *KafkaTicksHandler) Handle(ctx context.Context, b []byte) error {
	var m models.TickMessage
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return nil
	}
	t := m.Tick()
	if !t.Valid() {
		h.metrics.RecordError("consumer_invalid_tick")
		return nil
	}
	h.metrics.RecordLatency("ingest_e2e", time.Since(t.Timestamp).Seconds())

	if err := h.proc.Process(ctx, t); err != nil {
		h.metrics.RecordError("consumer_process")
		return fmt.Errorf("process tick %s: %w", t.Symbol, err)
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaTicksHandler)(nil)
