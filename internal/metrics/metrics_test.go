package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.batchesSubmitted, "batchesSubmitted counter should be initialized")
	assert.NotNil(t, collector.recordsSent, "recordsSent counter should be initialized")
	assert.NotNil(t, collector.recordsReceived, "recordsReceived vector should be initialized")
	assert.NotNil(t, collector.notifications, "notifications vector should be initialized")
	assert.NotNil(t, collector.monitorFailures, "monitorFailures vector should be initialized")
	assert.NotNil(t, collector.processingTime, "processingTime histogram should be initialized")
	assert.NotNil(t, collector.jobsRunning, "jobsRunning gauge should be initialized")
}

func TestRecordCounters(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.RecordBatchSubmitted()
	for i := 0; i < 5; i++ {
		collector.RecordSent()
	}
	collector.RecordReceived(types.ChannelOutput)
	collector.RecordReceived(types.ChannelOutput)
	collector.RecordReceived(types.ChannelInvalid)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesSubmitted))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.recordsSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.recordsReceived.WithLabelValues(string(types.ChannelOutput))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recordsReceived.WithLabelValues(string(types.ChannelInvalid))))
}

func TestRecordNotification(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.RecordNotification(types.StatusStarted)
	collector.RecordNotification(types.StatusSendCompleted)
	collector.RecordNotification(types.StatusCompleted)
	collector.RecordProcessingTime(1500 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.notifications.WithLabelValues("completed")))
	assert.Equal(t, 3, testutil.CollectAndCount(collector.notifications))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.processingTime))
}

func TestRecordMonitorFailure(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.RecordMonitorFailure("stream monitor")
	collector.RecordMonitorFailure("stream monitor")
	collector.RecordMonitorFailure("health monitor")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.monitorFailures.WithLabelValues("stream monitor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.monitorFailures.WithLabelValues("health monitor")))
}

func TestJobsRunningGauge(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.JobStarted()
	collector.JobStarted()
	collector.JobStopped()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsRunning))
}

func TestSetThroughput(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.SetThroughput(1200, 3.5*1024*1024)

	assert.Equal(t, 1200.0, testutil.ToFloat64(collector.recordsPerSec))
	assert.Equal(t, 3.5*1024*1024, testutil.ToFloat64(collector.bytesPerSec))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	// Prometheus metrics should be thread-safe
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordSent()
			collector.RecordReceived(types.ChannelOutput)
			collector.RecordProcessingTime(100 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.recordsSent))
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A process should have only one collector
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestHandlerServesMetrics(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStartServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartServer did not return after cancel")
	}
}
