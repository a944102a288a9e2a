// Package metrics records what the sync engine does: writes and their
// outcomes, how incoming change events were reconciled, refetches and
// broadcasts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK         = "ok"
	OutcomeRolledBack = "rolled_back"
	OutcomeInvalid    = "invalid"
	OutcomePartial    = "partial"
)

type Recorder interface {
	// Mutation counts one create, update or delete by outcome and
	// observes how long the backend write took.
	Mutation(kind, op, outcome string, took time.Duration)
	// Reconcile counts one applied change event by result.
	Reconcile(kind, result string)
	Refetch(kind, reason string)
	// Broadcast counts one publish; acked tells whether the channel was
	// acknowledged before the timeout.
	Broadcast(kind string, acked bool)
}

type nop struct{}

func (nop) Mutation(string, string, string, time.Duration) {}
func (nop) Reconcile(string, string)                       {}
func (nop) Refetch(string, string)                         {}
func (nop) Broadcast(string, bool)                         {}

var Nop Recorder = nop{}

func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop
	}
	return r
}

// Prometheus is a Recorder exporting to a prometheus registry.
type Prometheus struct {
	mutations     *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	reconciled    *prometheus.CounterVec
	refetches     *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
}

// NewPrometheus registers the client metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tidysync_mutations_total",
			Help: "Optimistic mutations by kind, operation and outcome",
		}, []string{"kind", "op", "outcome"}),
		writeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tidysync_write_duration_seconds",
			Help:    "Backend write latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"kind", "op"}),
		reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tidysync_reconciled_events_total",
			Help: "Change events applied to collections by kind and result",
		}, []string{"kind", "result"}),
		refetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tidysync_refetches_total",
			Help: "Full collection refetches by kind and reason",
		}, []string{"kind", "reason"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tidysync_broadcasts_total",
			Help: "Change broadcasts by kind and whether the channel was acknowledged",
		}, []string{"kind", "acked"}),
	}
}

func (p *Prometheus) Mutation(kind, op, outcome string, took time.Duration) {
	p.mutations.WithLabelValues(kind, op, outcome).Inc()
	p.writeDuration.WithLabelValues(kind, op).Observe(took.Seconds())
}

func (p *Prometheus) Reconcile(kind, result string) {
	p.reconciled.WithLabelValues(kind, result).Inc()
}

func (p *Prometheus) Refetch(kind, reason string) {
	p.refetches.WithLabelValues(kind, reason).Inc()
}

func (p *Prometheus) Broadcast(kind string, acked bool) {
	label := "false"
	if acked {
		label = "true"
	}
	p.broadcasts.WithLabelValues(kind, label).Inc()
}
