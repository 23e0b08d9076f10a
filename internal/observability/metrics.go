package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide instrument set.
type Metrics struct {
	Messages          *prometheus.CounterVec
	LLMDuration       *prometheus.HistogramVec
	LLMTokens         *prometheus.CounterVec
	ToolExecutions    *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	SchedulerRuns     *prometheus.CounterVec
	WorkersActive     prometheus.Gauge
	TriggersFired     prometheus.Counter
	ReflectionInserts prometheus.Counter
	ApprovalOutcome   *prometheus.CounterVec
}

// NewMetrics registers the instrument set on reg. Passing nil uses the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_messages_total",
			Help: "Messages processed by platform and direction.",
		}, []string{"platform", "direction"}),

		LLMDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_llm_request_duration_seconds",
			Help:    "LLM request latency by model.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),

		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_llm_tokens_total",
			Help: "LLM tokens by model and kind (input/output).",
		}, []string{"model", "kind"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_tool_executions_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vigil_queue_depth",
			Help: "Buffered messages per channel queue.",
		}, []string{"channel"}),

		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_scheduler_runs_total",
			Help: "Scheduler job executions by job and result.",
		}, []string{"job", "result"}),

		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_workers_active",
			Help: "Background workers currently running.",
		}),

		TriggersFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_projection_triggers_fired_total",
			Help: "Projections activated by fact triggers.",
		}),

		ReflectionInserts: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_reflection_projections_total",
			Help: "Projections inserted by the reflection pass.",
		}),

		ApprovalOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_trust_approvals_total",
			Help: "Trust gate handshake outcomes.",
		}, []string{"outcome"}),
	}
}
