package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the agent worker.
type Metrics struct {
	LifecycleTransitions *prometheus.CounterVec
	LifecycleState       prometheus.Gauge
	ActiveSessions       prometheus.Gauge
	Shutdowns            *prometheus.CounterVec
	ShutdownDuration     prometheus.Histogram
	Greetings            *prometheus.CounterVec
	Turns                *prometheus.CounterVec
	Interruptions        prometheus.Counter
	RoomEvents           *prometheus.CounterVec
	ProviderErrors       *prometheus.CounterVec
	FirstAudioLatency    prometheus.Histogram

	stages *stageWindow
	gather prometheus.Gatherer
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return newMetrics(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith registers instruments on reg, which lets tests use an isolated registry.
func NewMetricsWith(namespace string, reg *prometheus.Registry) *Metrics {
	return newMetrics(namespace, reg, reg)
}

func newMetrics(namespace string, reg prometheus.Registerer, gather prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LifecycleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Session lifecycle transitions by source and target state.",
		}, []string{"from", "to"}),
		LifecycleState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "Current lifecycle state (0=idle 1=connected 2=started 3=shutting_down 4=terminated).",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of started, not yet terminated agent sessions.",
		}),
		Shutdowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdowns_total",
			Help:      "Session shutdown executions by trigger and result.",
		}, []string{"trigger", "result"}),
		ShutdownDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shutdown_duration_ms",
			Help:      "Time spent in the shutdown routine in milliseconds.",
			Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		Greetings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "greetings_total",
			Help:      "Initial greeting requests by result.",
		}, []string{"result"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by source.",
		}, []string{"source"}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Assistant replies cut short by user speech.",
		}),
		RoomEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_events_total",
			Help:      "Room events delivered to subscribers by type.",
		}, []string{"event"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by modality and code.",
		}, []string{"provider", "code"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from end of user turn to first assistant audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		stages: newStageWindow(256),
		gather: gather,
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstAudio, float64(d.Milliseconds()))
}

// ObserveStage records a pipeline stage latency for the rolling snapshot.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveRoomEvent(event string) {
	if m == nil {
		return
	}
	m.RoomEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTurn(source string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

// ObserveTransition counts a lifecycle transition and publishes the new state.
func (m *Metrics) ObserveTransition(from, to string, state int) {
	if m == nil {
		return
	}
	m.LifecycleTransitions.WithLabelValues(from, to).Inc()
	m.LifecycleState.Set(float64(state))
}

func (m *Metrics) ObserveGreeting(result string) {
	if m == nil {
		return
	}
	m.Greetings.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveShutdown(trigger, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Shutdowns.WithLabelValues(trigger, result).Inc()
	m.ShutdownDuration.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageSessionClosing, float64(d.Milliseconds()))
}

func (m *Metrics) SessionStarted(startup time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.stages.Observe(StageSessionStart, float64(startup.Milliseconds()))
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// SnapshotStages returns rolling pipeline latency percentiles.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gather == nil {
		return promhttp.Handler()
	}
	if m.gather == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gather, promhttp.HandlerOpts{})
}
