package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var awaitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "taskmesh_host_await_wait_seconds",
	Help:    "time an await() call spent blocked before the handle resolved or the deadline elapsed",
	Buckets: prometheus.DefBuckets,
})

var awaitTimeoutsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskmesh_host_await_timeouts_total",
	Help: "counter of await() calls that hit their deadline before the handle resolved",
})

var launchCommandsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskmesh_host_launch_commands_total",
	Help: "counter of launch commands rendered or invoked by configure_daemons, by profile and plan kind",
}, []string{"profile", "plan_kind"})
