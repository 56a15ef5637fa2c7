package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("test", prometheus.NewRegistry(), zaptest.NewLogger(t))
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.generationsTotal)
	assert.NotNil(t, collector.tokensUsed)
	assert.NotNil(t, collector.batchSize)
	assert.NotNil(t, collector.batchesTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordHTTPRequest("POST", "/api/v1/generate", 200, 100*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/api/v1/generate", 503, 5*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Equal(t, 2, count) // one series per status class

	value := testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/generate", "2xx"))
	assert.Equal(t, 1.0, value)
}

func TestCollector_RecordGeneration(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordGeneration("completed", 2*time.Second, 100, 50)
	collector.RecordGeneration("failed", 100*time.Millisecond, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.generationsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.generationsTotal.WithLabelValues("failed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.tokensUsed.WithLabelValues("prompt")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.tokensUsed.WithLabelValues("completion")))
}

func TestCollector_RecordBatch(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordBatch(4, 3*time.Second)
	collector.RecordBatch(1, 500*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.batchesTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.batchSize))
}

func TestCollector_RegisterQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector("test", reg, zaptest.NewLogger(t))

	depth := 7
	collector.RegisterQueueDepth("test", reg, func() float64 { return float64(depth) })

	families, err := reg.Gather()
	assert.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_queue_depth" {
			found = true
			assert.Equal(t, 7.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "queue_depth gauge should be registered")
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector(t)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("POST", "/api/v1/generate", 200, 100*time.Millisecond)
			collector.RecordGeneration("completed", time.Second, 10, 5)
			collector.RecordBatch(2, time.Second)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/generate", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.generationsTotal.WithLabelValues("completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.batchesTotal))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(0))
}
