package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Verification("face", "registered")
	m.Verification("face", "registered")
	m.Verification("code", "invalid_code")
	m.MatchDistance(0.31)
	m.CodeValidation("grace")
	m.BatchSize(12)
	m.QueueEvent("publish", errors.New("down"))

	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				got[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				got[mf.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 3.0, got["smartclassroom_verifications_total"])
	assert.Equal(t, 1.0, got["smartclassroom_match_distance"])
	assert.Equal(t, 1.0, got["smartclassroom_code_validations_total"])
	assert.Equal(t, 1.0, got["smartclassroom_batch_size"])
	assert.Equal(t, 1.0, got["smartclassroom_queue_events_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Verification("face", "x")
		m.MatchDistance(1)
		m.CodeValidation("valid")
		m.BatchSize(1)
		m.QueueEvent("publish", nil)
	})
}
