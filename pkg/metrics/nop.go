package metrics

import (
	"CandleFlow/internal/domain/models"
	"CandleFlow/internal/domain/repository"
)

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordTick(string, models.Timeframe, string) {}
func (Nop) RecordCandleCompleted(models.Timeframe) {}
func (Nop) RecordCacheLookup(models.Timeframe, string) {}
func (Nop) RecordStoreFetch(string) {}
func (Nop) RecordDataQualityFailure(string) {}
func (Nop) RecordError(string) {}
func (Nop) RecordLastPrice(string, float64) {}
func (Nop) RecordLatency(string, float64) {}

var _ repository.Metrics = Nop{}
