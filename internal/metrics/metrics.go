// ============================================================================
// calc-pi-dist Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露佇列運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - queue_jobs_enqueued_total:   入隊任務總數
//      - queue_jobs_dispatched_total: 已租出任務總數
//      - queue_jobs_completed_total:  第一次成功回報的任務總數
//      - queue_jobs_failed_total:     第一次回報失敗的任務總數
//      - queue_jobs_requeued_total:   租約過期被回收的次數
//      - queue_reclaim_errors_total:  回收 tick 失敗次數
//
//   2. 分佈 (Histogram)：
//      - queue_job_latency_seconds:       worker 執行單一任務的時間
//      - queue_reclaim_duration_seconds:  一次回收 tick 的耗時
//
//   3. 狀態 (Gauge)：
//      - queue_jobs_pending:   目前佇列長度
//      - queue_jobs_in_flight: 目前租用中數量
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(queue_jobs_completed_total[1m])
//
//   # 回收比例（worker 逾時的程度）
//   rate(queue_jobs_requeued_total[5m]) / rate(queue_jobs_dispatched_total[5m])
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRequeued   prometheus.Counter
	reclaimErrors  prometheus.Counter

	// 效能指標
	jobLatency      prometheus.Histogram
	reclaimDuration prometheus.Histogram

	// 狀態指標
	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_dispatched_total",
			Help: "Total number of leases handed to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs whose first report was a result",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs whose first report was a failure",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_requeued_total",
			Help: "Total number of expired leases returned to the queue",
		}),
		reclaimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_reclaim_errors_total",
			Help: "Total number of failed reclaim ticks",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_job_latency_seconds",
			Help:    "Job execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		reclaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_reclaim_duration_seconds",
			Help:    "Duration of one reclaim tick in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_pending",
			Help: "Current number of queued jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_in_flight",
			Help: "Current number of leased jobs",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsRequeued,
		c.reclaimErrors,
		c.jobLatency,
		c.reclaimDuration,
		c.jobsPending,
		c.jobsInFlight,
	)
	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue(n int) {
	c.jobsEnqueued.Add(float64(n))
}

// RecordDispatch 記錄任務租出
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted() {
	c.jobsCompleted.Inc()
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed() {
	c.jobsFailed.Inc()
}

// RecordRequeued 記錄回收數量
func (c *Collector) RecordRequeued(n int) {
	c.jobsRequeued.Add(float64(n))
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(s types.QueueState) {
	c.jobsPending.Set(float64(s.QueueLength))
	c.jobsInFlight.Set(float64(s.InflightCount))
}

// ObserveReclaim 記錄一次回收 tick
func (c *Collector) ObserveReclaim(d time.Duration, err error) {
	c.reclaimDuration.Observe(d.Seconds())
	if err != nil {
		c.reclaimErrors.Inc()
	}
}

// ObserveJobLatency 記錄 worker 執行時間
func (c *Collector) ObserveJobLatency(d time.Duration) {
	c.jobLatency.Observe(d.Seconds())
}

// Handler 回傳 /metrics 處理器；g 為 nil 時使用預設 gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer 建立 metrics HTTP 伺服器（未啟動）
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
