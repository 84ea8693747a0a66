package approvement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Created       *prometheus.CounterVec
	Votes         *prometheus.CounterVec
	Finalized     *prometheus.CounterVec
	Active        prometheus.Gauge
	SweepDuration prometheus.Histogram
	NotifyFailed  *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg. Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "approvement",
			Name:      "created_total",
			Help:      "Approvements created, by topic.",
		}, []string{"topic"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "approvement",
			Name:      "votes_total",
			Help:      "Votes received, by topic and result.",
		}, []string{"topic", "result"}),
		Finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "approvement",
			Name:      "finalized_total",
			Help:      "Approvements finalized, by topic and status.",
		}, []string{"topic", "status"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorum",
			Subsystem: "approvement",
			Name:      "active",
			Help:      "Approvements currently pending.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorum",
			Subsystem: "approvement",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiry sweeps.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		}),
		NotifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "channel",
			Name:      "notify_failures_total",
			Help:      "Failed channel notifications, by channel and operation.",
		}, []string{"channel", "op"}),
	}
	reg.MustRegister(m.Created, m.Votes, m.Finalized, m.Active, m.SweepDuration, m.NotifyFailed)
	return m
}

func (m *Metrics) created(topic string) {
	if m == nil {
		return
	}
	m.Created.WithLabelValues(topic).Inc()
}

func (m *Metrics) vote(topic, result string) {
	if m == nil {
		return
	}
	m.Votes.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) finalized(topic, status string) {
	if m == nil {
		return
	}
	m.Finalized.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.Active.Set(float64(n))
}

func (m *Metrics) sweepDone(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) notifyFailed(channel, op string) {
	if m == nil {
		return
	}
	m.NotifyFailed.WithLabelValues(channel, op).Inc()
}
