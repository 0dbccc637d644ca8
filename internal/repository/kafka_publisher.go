package repository

import (
	"context"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	pkgkafka "CandleFlow/pkg/kafka"
)

// KafkaTickPublisher forwards raw ticks to the ticks topic keyed by symbol.
type KafkaTickPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaTickPublisher(producer *pkgkafka.Producer, topic string) *KafkaTickPublisher {
	return &KafkaTickPublisher{producer: producer, topic: topic}
}

func (p *KafkaTickPublisher) Publish(ctx context.Context, t models.Tick) error {
	return p.producer.Publish(ctx, p.topic, []byte(t.Symbol), models.NewTickMessage(t))
}

func (p *KafkaTickPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// KafkaCandlePublisher publishes completed candles. It shares the producer
// with the tick publisher, so Close leaves it open.
type KafkaCandlePublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaCandlePublisher(producer *pkgkafka.Producer, topic string) *KafkaCandlePublisher {
	return &KafkaCandlePublisher{producer: producer, topic: topic}
}

func (p *KafkaCandlePublisher) WriteCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(candles))
	for i, c := range candles {
		msgs[i] = pkgkafka.Message{
			Key:   []byte(c.Symbol),
			Value: models.NewCandleMessage(c),
		}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaCandlePublisher) Close() error { return nil }

var (
	_ domrepo.TickPublisher = (*KafkaTickPublisher)(nil)
	_ domrepo.CandleWriter  = (*KafkaCandlePublisher)(nil)
)
