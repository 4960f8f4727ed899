package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 转发流水线的 Prometheus 指标
// 所有方法对 nil 接收者安全，未启用指标时直接传 nil
type Metrics struct {
	registry *prometheus.Registry

	PostsTotal       *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	DownloadFailures prometheus.Counter
	RelayDuration    prometheus.Histogram
	ReconcileSweeps  prometheus.Counter
	DroppedEvents    prometheus.Counter
}

// New 创建指标并注册到独立的 registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		PostsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_relay_posts_total",
			Help: "Posts handled by the relay, by outcome",
		}, []string{"outcome"}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_relay_delivery_attempts_total",
			Help: "Outbound send attempts, by kind",
		}, []string{"kind"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_relay_delivery_failures_total",
			Help: "Failed outbound send attempts, by failure class",
		}, []string{"class"}),
		DownloadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "channel_relay_download_failures_total",
			Help: "Media downloads abandoned after exhausting retries",
		}),
		RelayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "channel_relay_relay_duration_seconds",
			Help:    "Time spent inside the per-channel critical section",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "channel_relay_reconcile_sweeps_total",
			Help: "Completed reconciliation sweeps",
		}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "channel_relay_dropped_events_total",
			Help: "Live events dropped because the worker queue was full",
		}),
	}
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry（测试用）
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PostHandled(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PostsTotal.WithLabelValues(outcome).Inc()
	m.RelayDuration.Observe(seconds)
}

func (m *Metrics) DeliveryAttempt(kind string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeliveryFailed(class string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(class).Inc()
}

func (m *Metrics) DownloadFailed() {
	if m == nil {
		return
	}
	m.DownloadFailures.Inc()
}

func (m *Metrics) SweepCompleted() {
	if m == nil {
		return
	}
	m.ReconcileSweeps.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}
