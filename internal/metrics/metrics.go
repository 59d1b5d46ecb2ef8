// Package metrics exposes Prometheus instruments for refresh, masking,
// retention, and chain cycles.
//
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "envsync"

var durationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800}

// Metrics holds the registered collectors.
type Metrics struct {
	refreshOutcomes  *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	maskedRows       *prometheus.CounterVec
	maskFailures     *prometheus.CounterVec
	retentionDeleted *prometheus.CounterVec
	retentionFailed  *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	chainCycles      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered (a second Metrics on the same registry) are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Refresh runs by terminal outcome",
		}, []string{"target", "outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "phase_duration_seconds",
			Help:      "Duration of refresh phases",
			Buckets:   durationBuckets,
		}, []string{"phase", "result"}),
		maskedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mask",
			Name:      "rows_total",
			Help:      "Rows masked (applied) or matched (dry run)",
		}, []string{"target", "mode"}),
		maskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mask",
			Name:      "column_failures_total",
			Help:      "Columns whose masking failed",
		}, []string{"target"}),
		retentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "backups_deleted_total",
			Help:      "Backups deleted by retention",
		}, []string{"target"}),
		retentionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "delete_failures_total",
			Help:      "Backups retention failed to delete",
		}, []string{"target"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "stage_duration_seconds",
			Help:      "Duration of task chain stages",
			Buckets:   durationBuckets,
		}, []string{"node", "state"}),
		chainCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "cycles_total",
			Help:      "Task chain cycles by trigger and result",
		}, []string{"trigger", "result"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	m.refreshOutcomes = registerCounter(reg, m.refreshOutcomes)
	m.phaseDuration = registerHistogram(reg, m.phaseDuration)
	m.maskedRows = registerCounter(reg, m.maskedRows)
	m.maskFailures = registerCounter(reg, m.maskFailures)
	m.retentionDeleted = registerCounter(reg, m.retentionDeleted)
	m.retentionFailed = registerCounter(reg, m.retentionFailed)
	m.stageDuration = registerHistogram(reg, m.stageDuration)
	m.chainCycles = registerCounter(reg, m.chainCycles)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// Handler serves the registry in the Prometheus exposition format.
// Falls back to the default gatherer when the registerer cannot gather.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RefreshFinished counts a terminated refresh run.
func (m *Metrics) RefreshFinished(target, outcome string) {
	if m == nil {
		return
	}
	m.refreshOutcomes.WithLabelValues(target, outcome).Inc()
}

// PhaseObserved records how long a refresh phase took and whether it succeeded.
func (m *Metrics) PhaseObserved(phase string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, result(ok)).Observe(d.Seconds())
}

// RowsMasked adds rows affected (or matched, in dry run) for target.
func (m *Metrics) RowsMasked(target, mode string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.maskedRows.WithLabelValues(target, mode).Add(float64(rows))
}

// MaskColumnFailed counts one failed column.
func (m *Metrics) MaskColumnFailed(target string) {
	if m == nil {
		return
	}
	m.maskFailures.WithLabelValues(target).Inc()
}

// BackupsDeleted adds deleted and failed deletion counts for target.
func (m *Metrics) BackupsDeleted(target string, deleted, failed int) {
	if m == nil {
		return
	}
	if deleted > 0 {
		m.retentionDeleted.WithLabelValues(target).Add(float64(deleted))
	}
	if failed > 0 {
		m.retentionFailed.WithLabelValues(target).Add(float64(failed))
	}
}

// StageObserved records one chain stage.
func (m *Metrics) StageObserved(node, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(node, state).Observe(d.Seconds())
}

// CycleFinished counts one chain cycle.
func (m *Metrics) CycleFinished(trigger string, ok bool) {
	if m == nil {
		return
	}
	m.chainCycles.WithLabelValues(trigger, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
