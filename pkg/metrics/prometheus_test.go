package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordTick("AAA", models.TF1Minute, "accepted")
	r.RecordTick("AAA", models.TF1Minute, "accepted")
	r.RecordTick("AAA", models.TF1Minute, "duplicate")
	r.RecordCandleCompleted(models.TF5Minute)
	r.RecordDataQualityFailure("NULL_VALUES")
	r.RecordLastPrice("AAA", 101.5)
	r.RecordLatency("store_fetch", 0.02)

	fams := gather(t, reg)

	ticks := fams["candleflow_ticks_total"]
	require.NotNil(t, ticks)
	require.Len(t, ticks.GetMetric(), 2)
	var accepted float64
	for _, m := range ticks.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "outcome" && lp.GetValue() == "accepted" {
				accepted = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, accepted)

	assert.Equal(t, 1.0, fams["candleflow_candles_completed_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, fams["candleflow_data_quality_failures_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 101.5, fams["candleflow_last_price"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, uint64(1), fams["candleflow_operation_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}
