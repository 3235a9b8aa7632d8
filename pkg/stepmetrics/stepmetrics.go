// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stepmetrics exposes Prometheus metrics of synchronized optimizer steps.
//
// Metrics are labeled by replica id. Create one Metrics per process, register it and pass it to
// each replica's synchronizer (stepsync.WithMetrics):
//
//	metrics := stepmetrics.New("replicastep")
//	must.M(metrics.Register(prometheus.DefaultRegisterer))
package stepmetrics

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of the synchronized steps. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Steps          *prometheus.CounterVec
	StepErrors     *prometheus.CounterVec
	ReduceSeconds  *prometheus.HistogramVec
	ReducedBuffers *prometheus.CounterVec
	ExportFailures *prometheus.CounterVec
	LastLoss       *prometheus.GaugeVec
}

// New creates the metrics, all prefixed with namespace (it can be empty).
func New(namespace string) *Metrics {
	labels := []string{"replica"}
	return &Metrics{
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Number of synchronized optimizer steps completed.",
		}, labels),
		StepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Number of synchronized optimizer steps that failed.",
		}, labels),
		ReduceSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reduce_seconds",
			Help:      "Time spent in the cross-replica sum of the gradients, including waiting for the other replicas.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, labels),
		ReducedBuffers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reduced_buffers_total",
			Help:      "Number of gradient buffers reduced across replicas.",
		}, labels),
		ExportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Number of diagnostic exports that failed and were discarded.",
		}, labels),
		LastLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_loss",
			Help:      "Loss returned by the last optimizer step, if any.",
		}, labels),
	}
}

// Collectors returns all the collectors of m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Steps, m.StepErrors, m.ReduceSeconds, m.ReducedBuffers, m.ExportFailures,
		m.LastLoss}
}

// Register all collectors with the registerer.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := registerer.Register(c); err != nil {
			return errors.Wrapf(err, "stepmetrics: failed to register collector")
		}
	}
	return nil
}

// ForReplica returns the view of m for one replica. It is safe to call on a nil *Metrics.
func (m *Metrics) ForReplica(replicaID int) *Replica {
	if m == nil {
		return nil
	}
	return &Replica{metrics: m, label: strconv.Itoa(replicaID)}
}

// Replica records the metrics of one replica. A nil *Replica records nothing.
type Replica struct {
	metrics *Metrics
	label   string
}

// ObserveReduce records one cross-replica sum of numBuffers buffers that took elapsed.
func (r *Replica) ObserveReduce(numBuffers int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.metrics.ReduceSeconds.WithLabelValues(r.label).Observe(elapsed.Seconds())
	r.metrics.ReducedBuffers.WithLabelValues(r.label).Add(float64(numBuffers))
}

// ObserveStep records the outcome of a step. loss may be nil.
func (r *Replica) ObserveStep(loss *float64, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.metrics.StepErrors.WithLabelValues(r.label).Inc()
		return
	}
	r.metrics.Steps.WithLabelValues(r.label).Inc()
	if loss != nil {
		r.metrics.LastLoss.WithLabelValues(r.label).Set(*loss)
	}
}

// ObserveExportFailure records a discarded diagnostic export.
func (r *Replica) ObserveExportFailure() {
	if r == nil {
		return
	}
	r.metrics.ExportFailures.WithLabelValues(r.label).Inc()
}
