package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics exposes counters/histograms for the lead router.
type RouterMetrics struct {
	inboundTotal     *prometheus.CounterVec
	outboundTotal    *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
	queueEntries     *prometheus.CounterVec
	engineLatency    prometheus.Histogram
	transfers        *prometheus.CounterVec
	evaluations      *prometheus.CounterVec
	deliveryStatuses *prometheus.CounterVec
	taskRuns         *prometheus.CounterVec
}

// NewRouterMetrics registers the collectors on reg, or the default registerer.
func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	m := &RouterMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadrouter",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Inbound webhook events by source, kind and outcome",
		}, []string{"source", "kind", "outcome"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadrouter",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound sends by transport, direction and status",
		}, []string{"transport", "direction", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "leadrouter",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		queueEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadrouter",
			Subsystem: "queue",
			Name:      "entries_finished_total",
			Help:      "Queue entries by final status",
		}, []string{"status"}),
		engineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leadrouter",
			Subsystem: "processor",
			Name:      "engine_latency_seconds",
			Help:      "Latency of conversation engine turns",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadrouter",
			Subsystem: "transfer",
			Name:      "total",
			Help:      "Transfers by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadrouter",
			Subsystem: "qualification",
			Name:      "evaluations_total",
			Help:      "Qualification verdicts by reason",
		}, []string{"reason", "transfer"}),
		deliveryStatuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadrouter",
			Subsystem: "delivery",
			Name:      "status_changes_total",
			Help:      "Delivery status changes by origin and new status",
		}, []string{"origin", "status"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadrouter",
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Periodic task runs by task and outcome",
		}, []string{"task", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.inboundTotal, m.outboundTotal, m.webhookLatency, m.queueEntries,
		m.engineLatency, m.transfers, m.evaluations, m.deliveryStatuses, m.taskRuns,
	)
	return m
}

func (m *RouterMetrics) ObserveInbound(source, kind, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(source, kind, outcome).Inc()
}

func (m *RouterMetrics) ObserveOutbound(transport, direction, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(transport, direction, status).Inc()
}

func (m *RouterMetrics) ObserveWebhookLatency(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(source).Observe(d.Seconds())
}

func (m *RouterMetrics) ObserveQueueEntry(status string) {
	if m == nil {
		return
	}
	m.queueEntries.WithLabelValues(status).Inc()
}

func (m *RouterMetrics) ObserveEngineLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.engineLatency.Observe(d.Seconds())
}

func (m *RouterMetrics) ObserveTransfer(trigger, outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(trigger, outcome).Inc()
}

func (m *RouterMetrics) ObserveEvaluation(reason string, transfer bool) {
	if m == nil {
		return
	}
	label := "false"
	if transfer {
		label = "true"
	}
	m.evaluations.WithLabelValues(reason, label).Inc()
}

func (m *RouterMetrics) ObserveDeliveryStatus(origin, status string) {
	if m == nil {
		return
	}
	m.deliveryStatuses.WithLabelValues(origin, status).Inc()
}

func (m *RouterMetrics) ObserveTask(task, outcome string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, outcome).Inc()
}
