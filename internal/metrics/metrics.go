// ============================================================================
// Flink Harness Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集測試執行期間的指標，供 Prometheus 抓取
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - harness_batches_submitted_total: 建立的批次數
//      - harness_records_sent_total: 成功寫入 input channel 的紀錄數
//      - harness_records_received_total{kind}: 各 channel 收到的紀錄數
//      - harness_notifications_total{status}: 接受的批次通知數
//      - harness_monitor_failures_total{monitor}: 監控失敗次數
//
//   2. 分佈 (Histogram):
//      - harness_batch_processing_seconds: completed 通知的 startDate..endDate
//
//   3. 瞬時值 (Gauge):
//      - harness_jobs_running: 執行中的 job 數
//      - harness_throughput_records_per_second / harness_throughput_bytes_per_second:
//        最近一次 scenario 的吞吐量
//
// Prometheus 查詢示例:
//
//   # 每分鐘送出紀錄數
//   rate(harness_records_sent_total[1m])
//
//   # 95 分位批次處理時間
//   histogram_quantile(0.95, harness_batch_processing_seconds_bucket)
//
// HTTP 端點: /metrics
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器，實作 harness.Recorder
type Collector struct {
	// 批次與紀錄
	batchesSubmitted prometheus.Counter
	recordsSent      prometheus.Counter
	recordsReceived  *prometheus.CounterVec
	notifications    *prometheus.CounterVec

	// 失敗
	monitorFailures *prometheus.CounterVec

	// 效能指標
	processingTime prometheus.Histogram
	recordsPerSec  prometheus.Gauge
	bytesPerSec    prometheus.Gauge

	// 狀態指標
	jobsRunning prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到預設 registry
func NewCollector() *Collector {
	c := &Collector{
		batchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_batches_submitted_total",
			Help: "Total number of batches created in the registry",
		}),
		recordsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_records_sent_total",
			Help: "Total number of records accepted by the producer",
		}),
		recordsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_records_received_total",
			Help: "Total number of records read back, by channel kind",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_notifications_total",
			Help: "Total number of accepted batch notifications, by status",
		}, []string{"status"}),
		monitorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_monitor_failures_total",
			Help: "Total number of monitor failures, by monitor",
		}, []string{"monitor"}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harness_batch_processing_seconds",
			Help:    "Batch processing time reported by the pipeline",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		recordsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harness_throughput_records_per_second",
			Help: "Records per second of the last scenario run",
		}),
		bytesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harness_throughput_bytes_per_second",
			Help: "Bytes per second of the last scenario run",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harness_jobs_running",
			Help: "Current number of started jobs",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.batchesSubmitted)
	prometheus.MustRegister(c.recordsSent)
	prometheus.MustRegister(c.recordsReceived)
	prometheus.MustRegister(c.notifications)
	prometheus.MustRegister(c.monitorFailures)
	prometheus.MustRegister(c.processingTime)
	prometheus.MustRegister(c.recordsPerSec)
	prometheus.MustRegister(c.bytesPerSec)
	prometheus.MustRegister(c.jobsRunning)

	return c
}

// RecordBatchSubmitted 記錄批次建立
func (c *Collector) RecordBatchSubmitted() {
	c.batchesSubmitted.Inc()
}

// RecordSent 記錄紀錄送出
func (c *Collector) RecordSent() {
	c.recordsSent.Inc()
}

// RecordReceived 記錄從 channel 讀回的紀錄
func (c *Collector) RecordReceived(kind types.ChannelKind) {
	c.recordsReceived.WithLabelValues(string(kind)).Inc()
}

// RecordNotification 記錄接受的批次通知
func (c *Collector) RecordNotification(status types.BatchStatus) {
	c.notifications.WithLabelValues(status.String()).Inc()
}

// RecordProcessingTime 記錄批次處理時間
func (c *Collector) RecordProcessingTime(d time.Duration) {
	c.processingTime.Observe(d.Seconds())
}

// RecordMonitorFailure 記錄監控失敗
func (c *Collector) RecordMonitorFailure(monitor string) {
	c.monitorFailures.WithLabelValues(monitor).Inc()
}

func (c *Collector) JobStarted() { c.jobsRunning.Inc() }
func (c *Collector) JobStopped() { c.jobsRunning.Dec() }

// SetThroughput 設置最近一次 scenario 的吞吐量
func (c *Collector) SetThroughput(recordsPerSec, bytesPerSec float64) {
	c.recordsPerSec.Set(recordsPerSec)
	c.bytesPerSec.Set(bytesPerSec)
}

// Handler returns a mux serving /metrics from the default gatherer.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉返回 nil
func StartServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
