package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Submitted("contract")
	m.Submitted("contract")
	m.Transition("contract", "pending", "approved")
	m.Conflict("decide")
	m.Retry("decide")
	m.ValidationFailure("finalize")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted.WithLabelValues("contract")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("contract", "pending", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("decide")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("decide")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("finalize")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Submitted("task")
		m.Transition("task", "pending", "approved")
		m.Conflict("decide")
		m.Retry("decide")
		m.ValidationFailure("decide")
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Submitted("leave")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `approvals_requests_submitted_total{request_type="leave"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
