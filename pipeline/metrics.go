package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	InFlight         prometheus.Gauge
	Unused           *prometheus.GaugeVec
}

// NewMetrics creates the pipeline metrics and registers them with registry
// when it is not nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refanalyzer_analyses_total",
				Help: "Total number of module analyses by outcome",
			},
			[]string{"status"},
		),
		AnalysisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "refanalyzer_analysis_duration_seconds",
				Help:    "Module analysis duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "refanalyzer_analyses_in_flight",
				Help: "Number of module analyses currently holding a slot",
			},
		),
		Unused: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "refanalyzer_unused_references",
				Help: "Declared references with no actual usage, per module",
			},
			[]string{"module"},
		),
	}
	if registry != nil {
		registry.MustRegister(m.AnalysesTotal, m.AnalysisDuration, m.InFlight, m.Unused)
	}
	return m
}
