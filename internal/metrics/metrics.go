// ============================================================================
// MoleQueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露伺服器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - molequeue_jobs_submitted_total: 接受的提交請求
//      - molequeue_job_transitions_total{state}: 進入各狀態的次數
//      - molequeue_job_retries_total: 遠端步驟失敗後的自動重試
//      - molequeue_jobs_failed_total: 超過重試上限、永久失敗的任務
//
//   2. 遠端操作 (Histogram / Counter)：
//      - molequeue_ssh_operations_total{kind,outcome}
//      - molequeue_ssh_operation_seconds{kind}
//
//   3. 協議 (Counter)：
//      - molequeue_rpc_packets_total{direction}
//      - molequeue_rpc_protocol_errors_total
//
//   4. 狀態指標 (Gauge)：
//      - molequeue_jobs{state}: 目前各狀態的任務數
//      - molequeue_connections: 目前的客戶端連線數
//      - molequeue_recovery_time_seconds: 啟動時恢復快照耗時
//
// Prometheus 查詢示例:
//
//   # 遠端操作失敗率
//   rate(molequeue_ssh_operations_total{outcome="error"}[5m])
//     / rate(molequeue_ssh_operations_total[5m])
//
//   # 95 分位上傳耗時
//   histogram_quantile(0.95, molequeue_ssh_operation_seconds_bucket{kind="dir-upload"})
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  prometheus.Counter
	jobTransitions *prometheus.CounterVec
	jobRetries     prometheus.Counter
	jobsFailed     prometheus.Counter

	// 遠端操作
	sshOps      *prometheus.CounterVec
	sshDuration *prometheus.HistogramVec

	// 協議
	rpcPackets        *prometheus.CounterVec
	rpcProtocolErrors prometheus.Counter

	// 狀態指標
	jobs         *prometheus.GaugeVec
	connections  prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "molequeue_jobs_submitted_total",
			Help: "Total number of job submissions accepted",
		}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "molequeue_job_transitions_total",
			Help: "Total number of job state transitions by target state",
		}, []string{"state"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "molequeue_job_retries_total",
			Help: "Total number of automatic resubmissions after a remote failure",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "molequeue_jobs_failed_total",
			Help: "Total number of jobs that exhausted their retries",
		}),
		sshOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "molequeue_ssh_operations_total",
			Help: "Total number of remote operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		sshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "molequeue_ssh_operation_seconds",
			Help:    "Remote operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
		rpcPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "molequeue_rpc_packets_total",
			Help: "Total number of JSON-RPC packets by direction",
		}, []string{"direction"}),
		rpcProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "molequeue_rpc_protocol_errors_total",
			Help: "Total number of protocol error replies sent",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "molequeue_jobs",
			Help: "Current number of jobs by state",
		}, []string{"state"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "molequeue_connections",
			Help: "Current number of client connections",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "molequeue_recovery_time_seconds",
			Help: "Time taken to restore the job snapshot at startup",
		}),
	}

	prometheus.MustRegister(
		c.jobsSubmitted,
		c.jobTransitions,
		c.jobRetries,
		c.jobsFailed,
		c.sshOps,
		c.sshDuration,
		c.rpcPackets,
		c.rpcProtocolErrors,
		c.jobs,
		c.connections,
		c.recoveryTime,
	)
	return c
}

// RecordSubmitted 記錄接受的提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordTransition 記錄任務進入新狀態
func (c *Collector) RecordTransition(state string) {
	if c == nil {
		return
	}
	c.jobTransitions.WithLabelValues(state).Inc()
}

// RecordRetry 記錄一次自動重試
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.jobRetries.Inc()
}

// RecordFailed 記錄永久失敗
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordSSHOperation 記錄一次遠端操作的結果與耗時
func (c *Collector) RecordSSHOperation(kind string, failed bool, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.sshOps.WithLabelValues(kind, outcome).Inc()
	c.sshDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordPacket 記錄收到 ("in") 或送出 ("out") 的封包
func (c *Collector) RecordPacket(direction string) {
	if c == nil {
		return
	}
	c.rpcPackets.WithLabelValues(direction).Inc()
}

// RecordProtocolError 記錄一次協議錯誤回覆
func (c *Collector) RecordProtocolError() {
	if c == nil {
		return
	}
	c.rpcProtocolErrors.Inc()
}

// UpdateJobStats 以 jobmanager.Stats() 的結果更新各狀態任務數
func (c *Collector) UpdateJobStats(stats map[string]int, states []string) {
	if c == nil {
		return
	}
	for _, s := range states {
		c.jobs.WithLabelValues(s).Set(float64(stats[s]))
	}
}

// SetConnections 設置目前連線數
func (c *Collector) SetConnections(n int) {
	if c == nil {
		return
	}
	c.connections.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// Handler 回傳 /metrics 端點的 HTTP handler，從目前的 DefaultRegisterer 收集
func Handler() http.Handler {
	if g, ok := prometheus.DefaultRegisterer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
