package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

// Metrics contains the process-wide gateway metrics. All record methods
// accept a nil receiver so components can run without a registry.
type Metrics struct {
	// Client sessions
	ConnectedClients prometheus.Gauge
	ClientStates     *prometheus.CounterVec
	Requests         *prometheus.CounterVec
	Pushes           prometheus.Counter
	Resends          prometheus.Counter
	Acks             *prometheus.CounterVec

	// Broker and control channel
	NATSConnected    prometheus.Gauge
	NATSReconnects   prometheus.Counter
	ControlConnected prometheus.Gauge

	// Supervisor
	LiveWorkers      prometheus.Gauge
	WorkerRestarts   *prometheus.CounterVec
	WorkerHeartbeats prometheus.Counter
}

// NewMetrics creates the gateway metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Number of open client connections",
		}),
		ClientStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "transitions_total",
			Help:      "Client session state transitions",
		}, []string{"state"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "requests_total",
			Help:      "Client requests by outcome (unauth, auth, rejected, unknown)",
		}, []string{"outcome"}),
		Pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "pushes_total",
			Help:      "Agent responses pushed to clients",
		}),
		Resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "resends_total",
			Help:      "Unacknowledged pushes re-emitted to clients",
		}),
		Acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "acks_total",
			Help:      "Client acknowledgements by outcome (matched, unknown)",
		}, []string{"outcome"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
		ControlConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "connected",
			Help:      "Control channel subscription status (0=down, 1=subscribed)",
		}),

		LiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "workers",
			Help:      "Worker processes currently registered",
		}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "worker_exits_total",
			Help:      "Worker removals by reason",
		}, []string{"reason"}),
		WorkerHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received from workers",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ConnectedClients, c.ClientStates, c.Requests, c.Pushes, c.Resends, c.Acks,
		c.NATSConnected, c.NATSReconnects, c.ControlConnected,
		c.LiveWorkers, c.WorkerRestarts, c.WorkerHeartbeats,
	}
}

// ClientConnected adjusts the connected-clients gauge
func (c *Metrics) ClientConnected(delta int) {
	if c == nil {
		return
	}
	c.ConnectedClients.Add(float64(delta))
}

// RecordClientState counts a session state transition
func (c *Metrics) RecordClientState(state string) {
	if c == nil {
		return
	}
	c.ClientStates.WithLabelValues(state).Inc()
}

// RecordRequest counts a client request by outcome
func (c *Metrics) RecordRequest(outcome string) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(outcome).Inc()
}

// RecordPush counts a push; resend marks a re-emission
func (c *Metrics) RecordPush(resend bool) {
	if c == nil {
		return
	}
	if resend {
		c.Resends.Inc()
		return
	}
	c.Pushes.Inc()
}

// RecordAck counts a client acknowledgement
func (c *Metrics) RecordAck(matched bool) {
	if c == nil {
		return
	}
	outcome := "unknown"
	if matched {
		outcome = "matched"
	}
	c.Acks.WithLabelValues(outcome).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	c.NATSConnected.Set(boolValue(connected))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordControlStatus updates the control channel status
func (c *Metrics) RecordControlStatus(subscribed bool) {
	if c == nil {
		return
	}
	c.ControlConnected.Set(boolValue(subscribed))
}

// SetLiveWorkers sets the registered worker count
func (c *Metrics) SetLiveWorkers(n int) {
	if c == nil {
		return
	}
	c.LiveWorkers.Set(float64(n))
}

// RecordWorkerExit counts a worker removal
func (c *Metrics) RecordWorkerExit(reason string) {
	if c == nil {
		return
	}
	c.WorkerRestarts.WithLabelValues(reason).Inc()
}

// RecordHeartbeat counts a worker heartbeat
func (c *Metrics) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.WorkerHeartbeats.Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
