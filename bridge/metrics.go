package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ActiveStack/gateway/metric"
)

type bridgeMetrics struct {
	publishes  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	openQueues prometheus.Gauge
}

func newBridgeMetrics(registrar metric.MetricsRegistrar) (*bridgeMetrics, error) {
	m := &bridgeMetrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "exchange",
			Name:      "publishes_total",
			Help:      "Confirmed publishes to agents by status",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "exchange",
			Name:      "deliveries_total",
			Help:      "Response queue deliveries by result",
		}, []string{"result"}),
		openQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "exchange",
			Name:      "open_queues",
			Help:      "Response queues currently consuming",
		}),
	}

	if registrar == nil {
		return m, nil
	}
	if err := registrar.RegisterCounterVec("exchange", "publishes", m.publishes); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounterVec("exchange", "deliveries", m.deliveries); err != nil {
		return nil, err
	}
	if err := registrar.RegisterGauge("exchange", "open_queues", m.openQueues); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bridgeMetrics) published(ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.publishes.WithLabelValues(status).Inc()
}

func (m *bridgeMetrics) delivered(result string) {
	m.deliveries.WithLabelValues(result).Inc()
}
