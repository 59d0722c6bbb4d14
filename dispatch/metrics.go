package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "taskmesh_dispatch_queue_depth",
	Help: "number of tasks queued and not yet assigned to a daemon, by profile",
}, []string{"profile"})

var onlineDaemonsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "taskmesh_dispatch_daemons_online",
	Help: "number of daemon slots currently connected, by profile",
}, []string{"profile"})

var assignedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskmesh_dispatch_assigned_total",
	Help: "counter of tasks assigned to a daemon, by profile",
}, []string{"profile"})

var completedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskmesh_dispatch_completed_total",
	Help: "counter of task results delivered from a daemon, by profile and result kind",
}, []string{"profile", "kind"})

var transportLostCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskmesh_dispatch_transport_lost_total",
	Help: "counter of in-flight tasks resolved TransportLost by daemon disconnect, by profile",
}, []string{"profile"})

// reportQueueDepth publishes the current queue depth. Called after every
// enqueue/dequeue under d.mu, so it's always a consistent snapshot.
func (d *Dispatcher) reportQueueDepth() {
	queueDepthGauge.WithLabelValues(d.opts.Profile).Set(float64(len(d.queue)))
}

func (d *Dispatcher) reportOnlineCount() {
	var n int
	for _, rec := range d.daemons {
		if rec.Online {
			n++
		}
	}
	onlineDaemonsGauge.WithLabelValues(d.opts.Profile).Set(float64(n))
}
