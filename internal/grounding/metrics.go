package grounding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groundTermsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapnerd",
		Subsystem: "grounding",
		Name:      "terms_total",
		Help:      "Objective terms produced per rule template.",
	}, []string{"rule"})

	groundingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapnerd",
		Subsystem: "grounding",
		Name:      "duration_seconds",
		Help:      "Wall time of one grounding pass.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)
