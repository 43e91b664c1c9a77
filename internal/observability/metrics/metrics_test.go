package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRouterMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRouterMetrics(reg)
	m.ObserveInbound("official", "message", "accepted")
	m.ObserveOutbound("gateway", "to_customer", "sent")
	m.ObserveOutbound("gateway", "to_customer", "sent")
	m.ObserveWebhookLatency("official", 50*time.Millisecond)
	m.ObserveQueueEntry("sent")
	m.ObserveEngineLatency(time.Second)
	m.ObserveTransfer("automatic", "notified")
	m.ObserveEvaluation("qualified_lead", true)
	m.ObserveDeliveryStatus("poll", "delivered")
	m.ObserveTask("queue.tick", "ok")

	require.Equal(t, 2.0, testutil.ToFloat64(m.outboundTotal.WithLabelValues("gateway", "to_customer", "sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("qualified_lead", "true")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var latency *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "leadrouter_webhook_latency_seconds" {
			latency = f
		}
	}
	require.NotNil(t, latency)
	require.Equal(t, dto.MetricType_HISTOGRAM, latency.GetType())
	require.Equal(t, uint64(1), latency.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestRouterMetricsNilSafe(t *testing.T) {
	var m *RouterMetrics
	m.ObserveInbound("official", "message", "accepted")
	m.ObserveOutbound("official", "to_seller", "failed")
	m.ObserveWebhookLatency("gateway", time.Millisecond)
	m.ObserveQueueEntry("error")
	m.ObserveEngineLatency(time.Millisecond)
	m.ObserveTransfer("manual", "failed")
	m.ObserveEvaluation("weak_signal", false)
	m.ObserveDeliveryStatus("callback", "read")
	m.ObserveTask("queue.reap", "error")
}
