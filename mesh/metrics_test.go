package mesh

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistrationOutcome(t *testing.T) {
	tests := []struct {
		name   string
		report RegistrationReport
		max    int
		want   string
	}{
		{"converged", RegistrationReport{Converged: true, Iterations: 3}, 50, OutcomeConverged},
		{"iteration limit", RegistrationReport{Converged: true, Iterations: 50}, 50, OutcomeMaxIterations},
		{"zero limit single pass", RegistrationReport{Converged: true, Iterations: 0}, 0, OutcomeConverged},
		{"error", RegistrationReport{Converged: false, Error: "boom"}, 50, OutcomeFailed},
		{"not converged", RegistrationReport{Iterations: 2}, 50, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, registrationOutcome(tt.report, tt.max))
		})
	}
}

func TestObserveRegistration(t *testing.T) {
	pair := "metrics-test-pair"
	before := testutil.ToFloat64(registrationsTotal.WithLabelValues(pair, OutcomeConverged))

	observeRegistration(RegistrationReport{PairID: pair, Converged: true, Iterations: 4, Fitness: 0.125, DurationMs: 3}, 50)
	observeRegistration(RegistrationReport{PairID: pair, Error: "no neighbors", Fitness: 9}, 50)

	assert.Equal(t, before+1, testutil.ToFloat64(registrationsTotal.WithLabelValues(pair, OutcomeConverged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(registrationsTotal.WithLabelValues(pair, OutcomeFailed)))
	assert.Equal(t, 0.125, testutil.ToFloat64(registrationFitness.WithLabelValues(pair)), "failed runs must not overwrite fitness")
}

func TestObserveCloudMessage(t *testing.T) {
	topic := "metrics/test/cloud"

	observeCloudMessage(topic, nil)
	observeCloudMessage(topic, nil)
	observeCloudMessage(topic, errors.New("bad zlib"))

	assert.Equal(t, 2.0, testutil.ToFloat64(cloudMessagesTotal.WithLabelValues(topic, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cloudMessagesTotal.WithLabelValues(topic, "invalid")))
}
