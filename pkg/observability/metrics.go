package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeready-toolchain/revue/pkg/models"
)

// Metrics is the pipeline's Prometheus instrument set. All methods are
// nil-safe so wiring stays optional in tests.
type Metrics struct {
	EventsReceived    *prometheus.CounterVec
	EventsDeduped     prometheus.Counter
	EventsRejected    *prometheus.CounterVec
	EventsRequeued    prometheus.Counter
	AgentsFinished    *prometheus.CounterVec
	AgentDuration     prometheus.Histogram
	PhaseDuration     *prometheus.HistogramVec
	FindingsPosted    prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	ResolutionsMarked prometheus.Counter
	APICalls          *prometheus.CounterVec
	APIErrors         *prometheus.CounterVec
	BreakerChanges    *prometheus.CounterVec
}

// NewMetrics registers the instrument set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revue_events_received_total",
			Help: "Webhook events accepted by the ingestor.",
		}, []string{"kind"}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revue_events_deduped_total",
			Help: "Webhook events dropped as duplicates.",
		}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revue_events_rejected_total",
			Help: "Webhook events rejected before enqueue.",
		}, []string{"reason"}),
		EventsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revue_events_requeued_total",
			Help: "Queue entries redelivered after visibility expiry.",
		}),
		AgentsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revue_agents_finished_total",
			Help: "Agent runs reaching a terminal status.",
		}, []string{"status"}),
		AgentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "revue_agent_duration_seconds",
			Help:    "Wall time of agent runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 11),
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revue_phase_duration_seconds",
			Help:    "Wall time per agent phase.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"phase"}),
		FindingsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revue_findings_posted_total",
			Help: "Inline findings published to pull requests.",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revue_duplicates_skipped_total",
			Help: "Findings suppressed as duplicates of existing threads.",
		}),
		ResolutionsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revue_resolutions_marked_total",
			Help: "Prior findings confirmed fixed and marked resolved.",
		}),
		APICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revue_api_calls_total",
			Help: "Outbound calls by dependency.",
		}, []string{"dependency"}),
		APIErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revue_api_errors_total",
			Help: "Outbound call failures by dependency.",
		}, []string{"dependency"}),
		BreakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revue_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"breaker", "to"}),
	}

	reg.MustRegister(
		m.EventsReceived, m.EventsDeduped, m.EventsRejected, m.EventsRequeued,
		m.AgentsFinished, m.AgentDuration, m.PhaseDuration,
		m.FindingsPosted, m.DuplicatesSkipped, m.ResolutionsMarked,
		m.APICalls, m.APIErrors, m.BreakerChanges,
	)
	return m
}

// ObserveAgent records the terminal metrics of one agent run.
func (m *Metrics) ObserveAgent(state *models.AgentState, status models.AgentStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.AgentsFinished.WithLabelValues(string(status)).Inc()
	m.AgentDuration.Observe(duration.Seconds())
	for phase, ms := range state.Timings {
		m.PhaseDuration.WithLabelValues(phase).Observe(float64(ms) / 1000)
	}
	m.FindingsPosted.Add(float64(state.Counters.FindingsPosted))
	m.DuplicatesSkipped.Add(float64(state.Counters.DuplicatesSkipped))
	m.ResolutionsMarked.Add(float64(state.Counters.ResolutionsMarked))
}

// ObserveBreaker records a circuit-breaker transition.
func (m *Metrics) ObserveBreaker(name, to string) {
	if m == nil {
		return
	}
	m.BreakerChanges.WithLabelValues(name, to).Inc()
}
