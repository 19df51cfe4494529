package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records relay activity. A nil *Metrics is a no-op.
type Metrics struct {
	turns       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	streamBytes prometheus.Counter
	malformed   prometheus.Counter
	active      prometheus.Gauge
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "turns_total",
			Help:      "Generation turns by terminal outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of generation turns by terminal outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "stream_bytes_total",
			Help:      "Upstream bytes forwarded to clients.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "malformed_records_total",
			Help:      "Upstream records skipped because they were not valid JSON objects.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "active_turns",
			Help:      "Turns currently streaming.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.turns, m.duration, m.streamBytes, m.malformed, m.active)
	}
	return m
}

func (m *Metrics) turnStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) turnFinished(outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.turns.WithLabelValues(string(outcome)).Inc()
	m.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

func (m *Metrics) forwarded(n int) {
	if m == nil {
		return
	}
	m.streamBytes.Add(float64(n))
}

func (m *Metrics) malformedRecord() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}
