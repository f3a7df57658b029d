package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RequestsTotal(t *testing.T) {
	tests := []struct {
		name   string
		action string
		status string
		incN   int
	}{
		{name: "create success", action: "create", status: "Success", incN: 1},
		{name: "delete failure", action: "delete", status: "Failure", incN: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(RequestsTotal.WithLabelValues(tt.action, tt.status))
			for i := 0; i < tt.incN; i++ {
				RequestsTotal.WithLabelValues(tt.action, tt.status).Inc()
			}
			after := testutil.ToFloat64(RequestsTotal.WithLabelValues(tt.action, tt.status))
			if diff := after - before; diff != float64(tt.incN) {
				t.Fatalf("counter diff mismatch\nexpected: %#v\nactual: %#v", float64(tt.incN), diff)
			}
		})
	}
}

func TestMetrics_Histograms(t *testing.T) {
	RequestDuration.WithLabelValues("create").Observe(42)
	DeletionWaitDuration.Observe(15)
	DeletionWaitPolls.Observe(4)

	assert.Greater(t, testutil.CollectAndCount(RequestDuration), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(DeletionWaitDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(DeletionWaitPolls))
}

func TestMetrics_QueueWaiting(t *testing.T) {
	before := testutil.ToFloat64(QueueWaiting)
	QueueWaiting.Inc()
	QueueWaiting.Inc()
	QueueWaiting.Dec()
	assert.Equal(t, before+1, testutil.ToFloat64(QueueWaiting))
	QueueWaiting.Dec()
}

func TestRegister_ServesMetrics(t *testing.T) {
	FailuresTotal.WithLabelValues("create", "observation").Inc()
	mux := http.NewServeMux()
	Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "preview_env_failures_total")
}
