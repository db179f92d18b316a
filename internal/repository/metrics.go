package repository

import "github.com/prometheus/client_golang/prometheus"

var (
	resolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gend",
			Subsystem: "repository",
			Name:      "resolve_total",
			Help:      "Model resolutions by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gend",
			Subsystem: "repository",
			Name:      "loads_total",
			Help:      "Engine loads by outcome (ok, error)",
		},
		[]string{"outcome"},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gend",
			Subsystem: "repository",
			Name:      "load_duration_seconds",
			Help:      "Duration of engine loads in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gend",
			Subsystem: "repository",
			Name:      "evictions_total",
			Help:      "Handles removed from the cache by reason (lru, unload, close)",
		},
		[]string{"reason"},
	)

	residentModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gend",
			Subsystem: "repository",
			Name:      "resident_models",
			Help:      "Handles currently cached",
		},
	)

	residentMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gend",
			Subsystem: "repository",
			Name:      "resident_estimated_mb",
			Help:      "Estimated memory of cached handles in MB",
		},
	)

	admissionRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gend",
			Subsystem: "repository",
			Name:      "admission_rejected_total",
			Help:      "Generation admissions rejected after waiting MaxWait",
		},
	)
)

func init() {
	prometheus.MustRegister(resolveTotal, loadsTotal, loadDuration, evictionsTotal, residentModels, residentMB, admissionRejectedTotal)
}
