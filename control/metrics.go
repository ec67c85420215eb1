// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for the reactor, admission, workers and sessions.

package control

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-ftp/api"
)

const namespace = "miniftp"

// Metrics holds every collector the server updates. Each instance owns its
// collectors, so tests can build one per registry.
type Metrics struct {
	accepted     prometheus.Counter
	acceptErrors prometheus.Counter
	rejected     prometheus.Counter
	pauses       prometheus.Counter
	closed       *prometheus.CounterVec
	active       prometheus.Gauge
	dataChannels prometheus.Gauge
	enqueued     prometheus.Counter
	queueDepth   prometheus.Gauge
	queueFull    prometheus.Counter
	panics       prometheus.Counter
	protoErrors  prometheus.Counter
	bytes        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Count of control connections admitted.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Count of failed accept calls.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Count of connections refused because the client limit was reached.",
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_pauses_total",
			Help:      "Count of times the listener was paused after a persistent accept error.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Count of sessions torn down, by reason.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions.",
		}),
		dataChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_channels_active",
			Help:      "Number of open data channels.",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Count of sessions handed to the workers.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Sessions waiting for a worker.",
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_queue_full_total",
			Help:      "Count of pushes that found the task queue full and waited for a worker.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Count of recovered panics in protocol handlers.",
		}),
		protoErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Count of errors returned by the protocol handler.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes moved through session sockets, by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.accepted, m.acceptErrors, m.rejected, m.pauses, m.closed, m.active,
		m.dataChannels, m.enqueued, m.queueDepth, m.queueFull, m.panics,
		m.protoErrors, m.bytes,
	}
}

// RecordAccepted counts an admitted connection.
func (m *Metrics) RecordAccepted() {
	m.accepted.Inc()
	m.active.Inc()
}

// RecordAcceptError counts a failed accept.
func (m *Metrics) RecordAcceptError() {
	m.acceptErrors.Inc()
}

// RecordRejected counts a connection refused by admission control.
func (m *Metrics) RecordRejected() {
	m.rejected.Inc()
}

// RecordListenerPaused counts a listener taken out of the interest set.
func (m *Metrics) RecordListenerPaused() {
	m.pauses.Inc()
}

// RecordClosed counts a torn down session.
func (m *Metrics) RecordClosed(reason api.CloseReason) {
	m.closed.WithLabelValues(string(reason)).Inc()
	m.active.Dec()
}

// SetDataChannels records the number of open data channels.
func (m *Metrics) SetDataChannels(n int) {
	m.dataChannels.Set(float64(n))
}

// RecordEnqueued counts a session pushed to the workers and the depth
// observed after the push.
func (m *Metrics) RecordEnqueued(depth int) {
	m.enqueued.Inc()
	m.queueDepth.Set(float64(depth))
}

// RecordQueueFull counts a push that had to wait for queue room.
func (m *Metrics) RecordQueueFull() {
	m.queueFull.Inc()
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordPanic counts a recovered worker panic.
func (m *Metrics) RecordPanic() {
	m.panics.Inc()
}

// RecordProtocolError counts a handler error.
func (m *Metrics) RecordProtocolError() {
	m.protoErrors.Inc()
}

// RecordBytes adds socket traffic.
func (m *Metrics) RecordBytes(read, written int) {
	if read > 0 {
		m.bytes.WithLabelValues("in").Add(float64(read))
	}
	if written > 0 {
		m.bytes.WithLabelValues("out").Add(float64(written))
	}
}
