// Package observability provides Prometheus metrics for a batch run.
// Metrics are registered on a private registry and written out as a
// node-exporter textfile when the run ends.
package observability

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Training metrics
	TrainingExamples *prometheus.GaugeVec
	TrainingDuration *prometheus.HistogramVec
	ValidationAUC    *prometheus.GaugeVec
	Threshold        *prometheus.GaugeVec
	WindowsScored    *prometheus.CounterVec

	// Candidate metrics
	CandidatesCorroborated prometheus.Gauge
	CandidatesRetained     prometheus.Gauge

	// Run metrics
	RunsTotal         *prometheus.CounterVec
	LastSuccessfulRun prometheus.Gauge
}

// NewMetrics creates a Metrics instance with every metric registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "peerless"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TrainingExamples: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "examples",
			Help:      "Number of synthetic examples used to train each fold model",
		}, []string{"split"}),
		TrainingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "duration_seconds",
			Help:      "Time spent fitting and validating each fold model",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"split"}),
		ValidationAUC: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "auc",
			Help:      "Area under the precision/recall curve per fold pair",
		}, []string{"split", "fold"}),
		Threshold: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "threshold",
			Help:      "Operating probability threshold per fold pair",
		}, []string{"split", "fold"}),
		WindowsScored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "test",
			Name:      "windows_scored_total",
			Help:      "Total number of real windows scored per fold pair",
		}, []string{"split", "fold"}),

		CandidatesCorroborated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "candidates",
			Name:      "corroborated",
			Help:      "Number of time keys flagged by at least two fold pairs",
		}),
		CandidatesRetained: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "candidates",
			Name:      "retained",
			Help:      "Number of candidates left after deduplication",
		}),

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by command and status",
		}, []string{"command", "status"}),
		LastSuccessfulRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_run_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),
	}
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTraining records the size and duration of one fold fit.
func (m *Metrics) RecordTraining(split, examples int, d time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(split)
	m.TrainingExamples.WithLabelValues(s).Set(float64(examples))
	m.TrainingDuration.WithLabelValues(s).Observe(d.Seconds())
}

// RecordValidation records the validation summary of one fold pair.
func (m *Metrics) RecordValidation(split, fold int, auc, threshold float64) {
	if m == nil {
		return
	}
	s, f := strconv.Itoa(split), strconv.Itoa(fold)
	m.ValidationAUC.WithLabelValues(s, f).Set(auc)
	m.Threshold.WithLabelValues(s, f).Set(threshold)
}

// RecordScored counts real windows scored by one fold pair.
func (m *Metrics) RecordScored(split, fold, n int) {
	if m == nil {
		return
	}
	m.WindowsScored.WithLabelValues(strconv.Itoa(split), strconv.Itoa(fold)).Add(float64(n))
}

// RecordCandidates records the candidate counts before and after
// deduplication.
func (m *Metrics) RecordCandidates(corroborated, retained int) {
	if m == nil {
		return
	}
	m.CandidatesCorroborated.Set(float64(corroborated))
	m.CandidatesRetained.Set(float64(retained))
}

// RecordRun counts a finished run; err marks it failed.
func (m *Metrics) RecordRun(command string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	} else {
		m.LastSuccessfulRun.SetToCurrentTime()
	}
	m.RunsTotal.WithLabelValues(command, status).Inc()
}

// WriteTextfile writes every metric to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
