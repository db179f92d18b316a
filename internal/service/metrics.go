package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gend",
			Subsystem: "generation",
			Name:      "results_total",
			Help:      "Generation results by outcome",
		},
		[]string{"outcome"},
	)

	duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gend",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "End-to-end generation latency in seconds, including model load",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(resultsTotal, duration)
}

func observe(outcome string, d time.Duration) {
	resultsTotal.WithLabelValues(outcome).Inc()
	duration.WithLabelValues(outcome).Observe(d.Seconds())
}
