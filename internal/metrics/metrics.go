// Package metrics exposes agent counters on a private Prometheus registry.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	iterations        *prometheus.CounterVec
	earlyExits        prometheus.Counter
	crashRecoveries   prometheus.Counter
	hazardSignals     prometheus.Counter
	heartbeatFailures prometheus.Counter
	lastThroughput    prometheus.Gauge
	lastLatency       prometheus.Gauge
	sessionMode       prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tuneagent_iterations_total",
			Help: "Experiment iterations completed, by result validity.",
		}, []string{"valid"}),
		earlyExits: f.NewCounter(prometheus.CounterOpts{
			Name: "tuneagent_early_exits_total",
			Help: "Iterations cut short by early bad-point detection.",
		}),
		crashRecoveries: f.NewCounter(prometheus.CounterOpts{
			Name: "tuneagent_crash_recoveries_total",
			Help: "Revert-and-restart recoveries performed.",
		}),
		hazardSignals: f.NewCounter(prometheus.CounterOpts{
			Name: "tuneagent_hazard_signals_total",
			Help: "Hazard incidents raised by the crash monitor.",
		}),
		heartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tuneagent_heartbeat_failures_total",
			Help: "Heartbeat ticks that failed to reach the job API.",
		}),
		lastThroughput: f.NewGauge(prometheus.GaugeOpts{
			Name: "tuneagent_last_throughput",
			Help: "Throughput of the last completed iteration, commits per second.",
		}),
		lastLatency: f.NewGauge(prometheus.GaugeOpts{
			Name: "tuneagent_last_query_runtime",
			Help: "Weighted mean statement execution time of the last iteration, ms.",
		}),
		sessionMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "tuneagent_session_mode",
			Help: "Session mode: 0 pre-tuning, 1 tuning, 2 post-tuning.",
		}),
	}
}

func (r *Registry) ObserveIteration(valid bool, throughput float64, latency *float64) {
	if r == nil {
		return
	}
	label := "false"
	if valid {
		label = "true"
	}
	r.iterations.WithLabelValues(label).Inc()
	r.lastThroughput.Set(throughput)
	if latency != nil {
		r.lastLatency.Set(*latency)
	}
}

func (r *Registry) EarlyExit() {
	if r != nil {
		r.earlyExits.Inc()
	}
}

func (r *Registry) CrashRecovery() {
	if r != nil {
		r.crashRecoveries.Inc()
	}
}

func (r *Registry) HazardSignal() {
	if r != nil {
		r.hazardSignals.Inc()
	}
}

func (r *Registry) HeartbeatFailure() {
	if r != nil {
		r.heartbeatFailures.Inc()
	}
}

func (r *Registry) SetMode(mode int) {
	if r != nil {
		r.sessionMode.Set(float64(mode))
	}
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}
