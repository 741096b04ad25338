// ============================================================================
// Forge-Queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務、provider、熔斷器的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - forge_jobs_submitted_total: 提交的任務數
//      - forge_jobs_claimed_total: 成功搶佔（queued → processing）的任務數
//      - forge_claim_conflicts_total: CAS 搶佔失敗（被其他實例搶走）
//      - forge_dispatch_skipped_total{reason}: 被跳過的分派 tick
//      - forge_jobs_completed_total{provider}
//      - forge_jobs_failed_total{kind="retry|terminal"}
//      - forge_jobs_reaped_total{reason="slow|abandoned"}
//      - forge_jobs_cancelled_total / forge_jobs_expired_total
//
//   2. Provider 指標:
//      - forge_provider_attempts_total{provider,outcome}
//      - forge_fallback_success_total{provider}
//      - forge_breaker_transitions_total{provider,state}
//      - forge_breaker_open{provider}: 1 = open
//
//   3. 狀態指標 (Gauge):
//      - forge_pool_running: 正在執行的任務數
//      - forge_batch_size: 最近一次建議的分派批次大小
//      - forge_queue_depth{status}
//
//   4. 性能指標 (Histogram):
//      - forge_job_duration_seconds: 任務處理時間（claim → 終態）
//
// Prometheus 查詢示例:
//
//   # fallback 比例
//   rate(forge_fallback_success_total[5m]) / rate(forge_jobs_completed_total[5m])
//
//   # 95 分位處理時間
//   histogram_quantile(0.95, forge_job_duration_seconds_bucket)
//
// 所有方法對 nil *Collector 安全，元件可以在沒有 metrics 的情況下運作（測試）。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  prometheus.Counter
	jobsClaimed    prometheus.Counter
	claimConflicts prometheus.Counter
	dispatchSkips  *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsReaped     *prometheus.CounterVec
	jobsCancelled  prometheus.Counter
	jobsExpired    prometheus.Counter

	// provider / 熔斷器
	providerAttempts   *prometheus.CounterVec
	fallbackSuccess    *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerOpen        *prometheus.GaugeVec

	// 狀態指標
	poolRunning prometheus.Gauge
	batchSize   prometheus.Gauge
	queueDepth  *prometheus.GaugeVec

	// 效能指標
	jobDuration prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewCollector 創建並註冊指標收集器
//
// 參數：
//   - reg: 註冊目標；nil 使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_jobs_submitted_total",
			Help: "Total number of jobs accepted for processing",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_jobs_claimed_total",
			Help: "Total number of jobs claimed by this instance",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_claim_conflicts_total",
			Help: "Total number of claims lost to a concurrent dispatcher",
		}),
		dispatchSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_dispatch_skipped_total",
			Help: "Dispatch ticks skipped, by reason",
		}, []string{"reason"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_jobs_completed_total",
			Help: "Total number of jobs completed successfully, by provider",
		}, []string{"provider"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_jobs_failed_total",
			Help: "Total number of job failures, by kind (retry or terminal)",
		}, []string{"kind"}),
		jobsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_jobs_reaped_total",
			Help: "Total number of stale jobs reclaimed, by reason",
		}, []string{"reason"}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		jobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_jobs_expired_total",
			Help: "Total number of jobs expired before being processed",
		}),
		providerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_provider_attempts_total",
			Help: "Provider execution attempts, by provider and outcome",
		}, []string{"provider", "outcome"}),
		fallbackSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_fallback_success_total",
			Help: "Successful executions on a provider other than the top-ranked one",
		}, []string{"provider"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by provider and new state",
		}, []string{"provider", "state"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_breaker_open",
			Help: "1 when the provider's circuit breaker is open",
		}, []string{"provider"}),
		poolRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forge_pool_running",
			Help: "Current number of jobs running in the worker pool",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forge_batch_size",
			Help: "Most recent recommended dispatch batch size",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_queue_depth",
			Help: "Number of jobs by status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forge_job_duration_seconds",
			Help:    "Job processing duration from claim to terminal state",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsClaimed,
		c.claimConflicts,
		c.dispatchSkips,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsReaped,
		c.jobsCancelled,
		c.jobsExpired,
		c.providerAttempts,
		c.fallbackSuccess,
		c.breakerTransitions,
		c.breakerOpen,
		c.poolRunning,
		c.batchSize,
		c.queueDepth,
		c.jobDuration,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordSubmitted 記錄被接受的任務數
func (c *Collector) RecordSubmitted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsSubmitted.Add(float64(n))
}

// RecordClaim 記錄成功搶佔
func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
}

// RecordClaimConflict 記錄搶佔衝突
func (c *Collector) RecordClaimConflict() {
	if c == nil {
		return
	}
	c.claimConflicts.Inc()
}

// RecordSkippedTick 記錄被跳過的分派 tick
func (c *Collector) RecordSkippedTick(reason string) {
	if c == nil {
		return
	}
	c.dispatchSkips.WithLabelValues(reason).Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(provider string, durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(provider).Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed 記錄任務失敗；terminal 為 false 表示已排程重試
func (c *Collector) RecordFailed(terminal bool) {
	if c == nil {
		return
	}
	kind := "retry"
	if terminal {
		kind = "terminal"
	}
	c.jobsFailed.WithLabelValues(kind).Inc()
}

// RecordReaped 記錄 stale 任務回收
func (c *Collector) RecordReaped(reason string) {
	if c == nil {
		return
	}
	c.jobsReaped.WithLabelValues(reason).Inc()
}

// RecordCancelled 記錄任務取消
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// RecordExpired 記錄任務過期
func (c *Collector) RecordExpired(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsExpired.Add(float64(n))
}

// RecordProviderAttempt 記錄一次 provider 呼叫
func (c *Collector) RecordProviderAttempt(provider string, ok bool) {
	if c == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "success"
	}
	c.providerAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordFallback 記錄 fallback provider 成功
func (c *Collector) RecordFallback(provider string) {
	if c == nil {
		return
	}
	c.fallbackSuccess.WithLabelValues(provider).Inc()
}

// BreakerOpened 實作 breaker.Observer
func (c *Collector) BreakerOpened(provider string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(provider, "open").Inc()
	c.breakerOpen.WithLabelValues(provider).Set(1)
}

// BreakerClosed 實作 breaker.Observer
func (c *Collector) BreakerClosed(provider string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(provider, "closed").Inc()
	c.breakerOpen.WithLabelValues(provider).Set(0)
}

// SetPoolRunning 更新正在執行的任務數
func (c *Collector) SetPoolRunning(n int) {
	if c == nil {
		return
	}
	c.poolRunning.Set(float64(n))
}

// SetBatchSize 更新建議批次大小
func (c *Collector) SetBatchSize(n int) {
	if c == nil {
		return
	}
	c.batchSize.Set(float64(n))
}

// UpdateQueueDepth 更新各狀態的任務數
func (c *Collector) UpdateQueueDepth(byStatus map[string]int) {
	if c == nil {
		return
	}
	for status, n := range byStatus {
		c.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// Handler 回傳 /metrics 的 HTTP handler
//
// 註冊到自訂 registry 時只暴露該 registry 的指標。
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
