package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registration outcomes used as metric labels.
const (
	OutcomeConverged     = "converged"
	OutcomeMaxIterations = "max_iterations"
	OutcomeFailed        = "failed"
)

var (
	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudmesh_registrations_total",
		Help: "Registration runs by pair and outcome",
	}, []string{"pair", "outcome"})

	registrationIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cloudmesh_registration_iterations",
		Help:    "Iterations per registration run",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	}, []string{"pair"})

	registrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cloudmesh_registration_duration_seconds",
		Help:    "Registration run duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"pair"})

	registrationFitness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cloudmesh_registration_fitness",
		Help: "Mean squared residual of the last successful registration",
	}, []string{"pair"})

	cloudMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudmesh_cloud_messages_total",
		Help: "Cloud messages received by topic and decode result",
	}, []string{"topic", "result"})
)

// registrationOutcome classifies a report. A run that stopped on the
// iteration limit is converged but reported separately.
func registrationOutcome(r RegistrationReport, maxIterations int) string {
	switch {
	case r.Error != "" || !r.Converged:
		return OutcomeFailed
	case maxIterations > 0 && r.Iterations >= maxIterations:
		return OutcomeMaxIterations
	default:
		return OutcomeConverged
	}
}

func observeRegistration(r RegistrationReport, maxIterations int) {
	outcome := registrationOutcome(r, maxIterations)
	registrationsTotal.WithLabelValues(r.PairID, outcome).Inc()
	registrationIterations.WithLabelValues(r.PairID).Observe(float64(r.Iterations))
	registrationDuration.WithLabelValues(r.PairID).Observe(r.DurationMs / 1000)
	if outcome != OutcomeFailed {
		registrationFitness.WithLabelValues(r.PairID).Set(r.Fitness)
	}
}

func observeCloudMessage(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "invalid"
	}
	cloudMessagesTotal.WithLabelValues(topic, result).Inc()
}
