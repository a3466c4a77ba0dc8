// Package metrics defines the Prometheus collectors the execution
// environment service reports against.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the service updates. Registered once on
// a prometheus.Registry by the host daemon.
type Collectors struct {
	JobsSpawned     prometheus.Counter
	JobsTerminated  *prometheus.CounterVec
	Unresponsive    prometheus.Counter
	JobsRunning     prometheus.Gauge
}

// New constructs a fresh Collectors set, unregistered.
func New() *Collectors {
	return &Collectors{
		JobsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapexec_jobs_spawned_total",
			Help: "Total number of isolate jobs spawned.",
		}),
		JobsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapexec_jobs_terminated_total",
			Help: "Total number of isolate jobs terminated, by reason.",
		}, []string{"reason"}),
		Unresponsive: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapexec_unresponsive_total",
			Help: "Total number of liveness poll failures.",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapexec_jobs_running",
			Help: "Current number of live isolate jobs.",
		}),
	}
}

// MustRegister registers every collector on reg, panicking on duplicate
// registration (mirrors prometheus.MustRegister's own contract).
func (c *Collectors) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(c.JobsSpawned, c.JobsTerminated, c.Unresponsive, c.JobsRunning)
}

// Termination reasons recorded against JobsTerminated.
const (
	ReasonExplicit     = "explicit"
	ReasonExecuteError = "execute_error"
	ReasonShutdown     = "shutdown"
)
