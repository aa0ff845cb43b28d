package admm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// optimizeDuration measures one Optimize call.
	// Labels: state (converged, max_iterations, canceled)
	optimizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapnerd",
		Subsystem: "admm",
		Name:      "optimize_duration_seconds",
		Help:      "Duration of ADMM optimization runs in seconds",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"state"})

	iterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapnerd",
		Subsystem: "admm",
		Name:      "iterations_total",
		Help:      "Total ADMM iterations across all runs",
	})

	primalResidual = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapnerd",
		Subsystem: "admm",
		Name:      "primal_residual",
		Help:      "Primal residual at the last convergence check",
	})

	dualResidual = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapnerd",
		Subsystem: "admm",
		Name:      "dual_residual",
		Help:      "Dual residual at the last convergence check",
	})

	// problemSize tracks the last optimized problem.
	// Labels: kind (terms, global_variables, local_variables)
	problemSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mapnerd",
		Subsystem: "admm",
		Name:      "problem_size",
		Help:      "Size of the last optimized problem",
	}, []string{"kind"})
)
