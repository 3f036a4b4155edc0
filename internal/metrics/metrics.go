// ============================================================================
// fedqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 worker 運行指標，透過 HTTP admin server 的 /metrics 暴露
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec, label: kind)：
//      - fedqueue_jobs_enqueued_total
//      - fedqueue_jobs_completed_total{outcome}
//      - fedqueue_jobs_decisions_total{action}
//      - fedqueue_jobs_dead_total
//
//   2. 延遲分佈 (HistogramVec)：
//      - fedqueue_job_duration_seconds{kind}
//      - fedqueue_delivery_latency_seconds{outcome}
//
//   3. 聯邦相關：
//      - fedqueue_delivery_attempts_total{outcome}
//      - fedqueue_resolver_cache_total{result}   hit / miss
//      - fedqueue_resolver_fetches_total{result} ok / unreachable / invalid
//      - fedqueue_media_variants_total
//      - fedqueue_scheduled_jobs_total{task}
//
//   4. 狀態 (Gauge)：
//      - fedqueue_jobs_in_flight
//
// 所有方法對 nil *Collector 是 no-op，元件在測試中可以不帶 metrics
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fedqueue"

// Collector Prometheus 指標收集器
type Collector struct {
	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	jobsDead      *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge

	deliveryAttempts *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec

	resolverCache   *prometheus.CounterVec
	resolverFetches *prometheus.CounterVec

	mediaVariants prometheus.Counter
	scheduledJobs *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建並註冊指標
//
// 參數：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs published to the broker",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of job attempts finished, by outcome",
		}, []string{"kind", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_decisions_total",
			Help:      "Retry scheduler decisions, by action",
		}, []string{"kind", "action"}),
		jobsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_total",
			Help:      "Total number of jobs moved to the dead-letter store",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler wall time per attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently held by a worker",
		}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Outbound delivery attempts, by outcome",
		}, []string{"outcome"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Remote inbox response latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		resolverCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_cache_total",
			Help:      "Resolver cache lookups, by result",
		}, []string{"result"}),
		resolverFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_fetches_total",
			Help:      "Remote document fetches, by result",
		}, []string{"result"}),
		mediaVariants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_variants_total",
			Help:      "Media variants uploaded to blob storage",
		}),
		scheduledJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs_total",
			Help:      "Maintenance jobs enqueued by the scheduler, by task",
		}, []string{"task"}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsCompleted,
		c.decisions,
		c.jobsDead,
		c.jobDuration,
		c.jobsInFlight,
		c.deliveryAttempts,
		c.deliveryLatency,
		c.resolverCache,
		c.resolverFetches,
		c.mediaVariants,
		c.scheduledJobs,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordEnqueue 記錄任務入隊
func (c *Collector) RecordEnqueue(kind string) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(kind).Inc()
}

// RecordDispatch 記錄任務交給 worker
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// RecordResult 記錄一次嘗試結束
func (c *Collector) RecordResult(kind, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsCompleted.WithLabelValues(kind, outcome).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordDecision 記錄 retry scheduler 的決定
func (c *Collector) RecordDecision(kind, action string) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(kind, action).Inc()
}

// RecordDead 記錄任務進入死信
func (c *Collector) RecordDead(kind string) {
	if c == nil {
		return
	}
	c.jobsDead.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordDeliveryAttempt(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.deliveryAttempts.WithLabelValues(outcome).Inc()
	c.deliveryLatency.WithLabelValues(outcome).Observe(seconds)
}

func (c *Collector) RecordResolverCache(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.resolverCache.WithLabelValues(result).Inc()
}

func (c *Collector) RecordResolverFetch(result string) {
	if c == nil {
		return
	}
	c.resolverFetches.WithLabelValues(result).Inc()
}

func (c *Collector) RecordMediaVariants(n int) {
	if c == nil {
		return
	}
	c.mediaVariants.Add(float64(n))
}

func (c *Collector) RecordScheduled(task string, n int) {
	if c == nil {
		return
	}
	c.scheduledJobs.WithLabelValues(task).Add(float64(n))
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
