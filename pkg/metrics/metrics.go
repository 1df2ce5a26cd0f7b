// Package metrics holds the Prometheus instruments for scenemesh.
//
// Instruments live in a struct bound to its own registry rather than in
// package globals, so several relays and participants can coexist in one
// process (tests do this constantly). A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daviddao/scenemesh/pkg/model"
)

const namespace = "scenemesh"

// Metrics is the set of replication instruments.
type Metrics struct {
	reg *prometheus.Registry

	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	applies        *prometheus.CounterVec
	commits        *prometheus.CounterVec
	nodes          *prometheus.GaugeVec
	users          prometheus.Gauge
	applyBatch     prometheus.Histogram
}

// New registers every instrument on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames published, by kind",
		}, []string{"kind"}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames received, by kind",
		}, []string{"kind"}),
		framesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_rejected_total",
			Help:      "Frames refused by the relay, by reason",
		}, []string{"reason"}),
		applies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "applies_total",
			Help:      "Node applies, by result (up, error, unresolved)",
		}, []string{"result"}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "commits_total",
			Help:      "Committed local changes, by type",
		}, []string{"type"}),
		nodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "nodes",
			Help:      "Nodes in the graph, by state",
		}, []string{"state"}),
		users: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "users_online",
			Help:      "Connected participants",
		}),
		applyBatch: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "apply_batch_size",
			Help:      "Nodes considered per apply batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent(kind string) {
	if m != nil {
		m.framesSent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameReceived(kind string) {
	if m != nil {
		m.framesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameRejected(reason string) {
	if m != nil {
		m.framesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Applied(result string) {
	if m != nil {
		m.applies.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Committed(typeID string) {
	if m != nil {
		m.commits.WithLabelValues(typeID).Inc()
	}
}

func (m *Metrics) ApplyBatch(size int) {
	if m != nil {
		m.applyBatch.Observe(float64(size))
	}
}

func (m *Metrics) UsersOnline(n int) {
	if m != nil {
		m.users.Set(float64(n))
	}
}

// NodeStates replaces the per-state node gauge.
func (m *Metrics) NodeStates(counts map[model.State]int) {
	if m == nil {
		return
	}
	for _, s := range []model.State{
		model.StateAdded, model.StateCommitted, model.StatePushed, model.StateFetched,
		model.StateUp, model.StateModified, model.StateError,
	} {
		m.nodes.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
