package pregel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// workerMetrics tracks the prometheus instruments exported by a worker.
type workerMetrics struct {
	supersteps       prometheus.Counter
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	activeVertices   prometheus.Gauge
}

// newWorkerMetrics creates the worker instruments and registers them with
// reg. A nil registerer keeps the instruments private to the worker.
func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &workerMetrics{
		supersteps: factory.NewCounter(prometheus.CounterOpts{
			Name: "pregel_supersteps_total",
			Help: "The total number of supersteps executed by this worker",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pregel_messages_sent_total",
			Help: "The total number of vertex messages shipped to the transport",
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pregel_messages_received_total",
			Help: "The total number of vertex messages drained from the transport",
		}),
		activeVertices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pregel_active_vertices",
			Help: "The number of vertices processed in the current superstep",
		}),
	}
}
