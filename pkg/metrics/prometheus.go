package metrics

import (
	"CandleFlow/internal/domain/models"
	"CandleFlow/internal/domain/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	ticksTotal       *prometheus.CounterVec
	candlesCompleted *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	storeFetches     *prometheus.CounterVec
	dataQuality      *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	lastPrice        *prometheus.GaugeVec
	latency          *prometheus.HistogramVec
}

// New creates a Prometheus metrics recorder registered against reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		ticksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_ticks_total",
				Help: "Ticks seen by the aggregator, by outcome",
			},
			[]string{"symbol", "timeframe", "outcome"},
		),
		candlesCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_candles_completed_total",
				Help: "Candles finalized on period rollover",
			},
			[]string{"timeframe"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_cache_lookups_total",
				Help: "Historical cache lookups by result",
			},
			[]string{"timeframe", "result"},
		),
		storeFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_store_fetches_total",
				Help: "Historical store range fetches by outcome",
			},
			[]string{"outcome"},
		),
		dataQuality: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_data_quality_failures_total",
				Help: "Strategy data requests rejected by validation",
			},
			[]string{"reason"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candleflow_last_price",
				Help: "Last accepted price for a symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candleflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordTick(symbol string, tf models.Timeframe, outcome string) {
	r.ticksTotal.WithLabelValues(symbol, string(tf), outcome).Inc()
}

func (r *Recorder) RecordCandleCompleted(tf models.Timeframe) {
	r.candlesCompleted.WithLabelValues(string(tf)).Inc()
}

func (r *Recorder) RecordCacheLookup(tf models.Timeframe, result string) {
	r.cacheLookups.WithLabelValues(string(tf), result).Inc()
}

func (r *Recorder) RecordStoreFetch(outcome string) {
	r.storeFetches.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordDataQualityFailure(reason string) {
	r.dataQuality.WithLabelValues(reason).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

var _ repository.Metrics = (*Recorder)(nil)
