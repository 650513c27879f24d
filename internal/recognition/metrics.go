package recognition

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facelinker_recognition_calls_total",
		Help: "Recognition service calls by operation and outcome",
	}, []string{"op", "outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facelinker_recognition_retries_total",
		Help: "Recognition service attempts that were retried",
	}, []string{"op"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facelinker_recognition_attempt_duration_seconds",
		Help:    "Duration of single recognition service attempts",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"op"})
)
