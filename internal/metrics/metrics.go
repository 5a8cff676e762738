// Package metrics exposes Prometheus collectors for sweeps, transitions and
// outbound delivery. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sweep outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the bot's collectors
type Metrics struct {
	sweeps        *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	events        *prometheus.CounterVec
	watermark     *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	attention     *prometheus.CounterVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcpbot_sweeps_total",
			Help: "Repository sweeps by outcome",
		}, []string{"repository", "outcome"}),
		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fcpbot_sweep_duration_seconds",
			Help:    "Duration of repository sweeps",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"repository"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcpbot_events_total",
			Help: "Remote events processed by ingestion",
		}, []string{"repository", "result"}),
		watermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fcpbot_watermark_timestamp_seconds",
			Help: "Unix time of the last fully ingested sweep start",
		}, []string{"repository"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcpbot_transitions_total",
			Help: "Proposal status transitions",
		}, []string{"repository", "from", "to"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcpbot_notifications_total",
			Help: "Outbox deliveries by result",
		}, []string{"repository", "result"}),
		attention: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcpbot_attention_flags_total",
			Help: "Proposals flagged for human action",
		}, []string{"repository"}),
	}
}

// ObserveSweep records one sweep's outcome and duration
func (m *Metrics) ObserveSweep(repo string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	m.sweeps.WithLabelValues(repo, outcome).Inc()
	m.sweepDuration.WithLabelValues(repo).Observe(d.Seconds())
}

// AddEvents counts ingested events; result is "applied", "ignored" or "skipped"
func (m *Metrics) AddEvents(repo, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(repo, result).Add(float64(n))
}

// SetWatermark publishes the watermark of repo
func (m *Metrics) SetWatermark(repo string, at time.Time) {
	if m == nil {
		return
	}
	m.watermark.WithLabelValues(repo).Set(float64(at.Unix()))
}

// AddTransition counts one status transition
func (m *Metrics) AddTransition(repo, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(repo, from, to).Inc()
}

// AddNotifications counts deliveries; result is "delivered", "failed" or "deferred"
func (m *Metrics) AddNotifications(repo, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.notifications.WithLabelValues(repo, result).Add(float64(n))
}

// AddAttention counts proposals newly flagged for human action
func (m *Metrics) AddAttention(repo string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.attention.WithLabelValues(repo).Add(float64(n))
}
