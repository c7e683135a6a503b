// Package metrics is the agent's private Prometheus surface: one
// prometheus.Registry per process, registered once in a constructor and
// never the global default registry, following the ProxyMetrics pattern in
// cmd/pulse-sensor-proxy/metrics.go. It is exposed only through the local
// status server's loopback listener, not on its own port, since an endpoint
// agent has no business opening a second inbound socket for this.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry holds every metric the agent's components report into.
type Registry struct {
	registry *prometheus.Registry

	syncAttempts       *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	policyViolations   *prometheus.CounterVec
	commandsDispatched *prometheus.CounterVec
	scriptEvaluations  *prometheus.CounterVec
	logEvents          *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
}

// New builds and registers every metric, stamping buildInfo with version.
func New(version string) *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		registry: reg,
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_sync_attempts_total",
			Help: "Controller sync cycles by outcome.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_queue_depth",
			Help: "Pending entries across the telemetry and action-response queues.",
		}),
		policyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_policy_violations_total",
			Help: "Process policy violations observed by the process monitor.",
		}, []string{"process_name"}),
		commandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_commands_dispatched_total",
			Help: "Helper/controller commands dispatched by command and result.",
		}, []string{"command", "result"}),
		scriptEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_script_evaluations_total",
			Help: "Script host evaluations by result.",
		}, []string{"result"}),
		logEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_log_events_total",
			Help: "Structured log events emitted, by level.",
		}, []string{"level"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_build_info",
			Help: "Agent build metadata.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		m.syncAttempts,
		m.queueDepth,
		m.policyViolations,
		m.commandsDispatched,
		m.scriptEvaluations,
		m.logEvents,
		m.buildInfo,
	)
	m.buildInfo.WithLabelValues(version).Set(1)

	return m
}

// Handler returns the /metrics handler for this registry, suitable for
// mounting behind an existing authenticated/loopback-only mux.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSync implements the Controller Client sync-outcome observer.
func (m *Registry) RecordSync(result string) {
	m.syncAttempts.WithLabelValues(result).Inc()
}

// SetQueueDepth implements the Durable Queue depth observer.
func (m *Registry) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordViolation implements procmon.ViolationReporter's metrics side.
func (m *Registry) RecordViolation(processName string) {
	m.policyViolations.WithLabelValues(processName).Inc()
}

// RecordCommand implements the Local Status Server's command observer.
func (m *Registry) RecordCommand(command, result string) {
	m.commandsDispatched.WithLabelValues(command, result).Inc()
}

// RecordScriptEvaluation implements scripthost.Evaluator's result observer.
func (m *Registry) RecordScriptEvaluation(result string) {
	m.scriptEvaluations.WithLabelValues(result).Inc()
}

// LogHook is a zerolog.Hook that counts emitted events by level, wired into
// the startup logger in cmd/agent so agent_log_events_total reflects every
// structured log line regardless of which component wrote it.
type LogHook struct {
	reg *Registry
}

// NewLogHook builds a LogHook bound to reg.
func NewLogHook(reg *Registry) LogHook {
	return LogHook{reg: reg}
}

// Run implements zerolog.Hook.
func (h LogHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel {
		return
	}
	h.reg.logEvents.WithLabelValues(level.String()).Inc()
}
