package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Attempt(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Attempt("alpha", OutcomeFailure)
	m.Attempt("alpha", OutcomeFailure)
	m.Attempt("beta", OutcomeSuccess)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("alpha", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("beta", OutcomeSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.attempts.WithLabelValues("beta", OutcomeSkipped)))
}

func TestMetrics_Completion(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Completion("alpha", 1500*time.Millisecond, 120, 30)
	m.Completion("alpha", 500*time.Millisecond, 10, 5)

	assert.Equal(t, 130.0, testutil.ToFloat64(m.tokens.WithLabelValues("alpha", "input")))
	assert.Equal(t, 35.0, testutil.ToFloat64(m.tokens.WithLabelValues("alpha", "output")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestMetrics_HTTPRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.HTTPRequest("POST", "/v1/complete", 200, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/v1/complete", "200")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Attempt("x", OutcomeSkipped)
		m.Completion("x", time.Second, 1, 1)
		m.HTTPRequest("GET", "/health", 200, time.Millisecond)
	})
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
