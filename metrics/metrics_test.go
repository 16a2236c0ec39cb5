package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/metrics"
)

func TestMetrics_EngineEvents(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.SaleTransition(affiliate.SaleApproved)
	m.SaleTransition(affiliate.SaleApproved)
	m.CommissionBooked(affiliate.BeneficiaryManager, affiliate.NewAmount(150_000))
	m.ContractTransition(affiliate.ContractTerminated)
	m.RecoveryFinished("recovered", 3)
	m.RecoveryFinished("failed", 0)
	m.NotificationDelivered("sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SaleTransitions.WithLabelValues("APPROVED")))
	assert.Equal(t, 150000.0, testutil.ToFloat64(m.CommissionsBooked.WithLabelValues("MANAGER", "KRW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContractTransitions.WithLabelValues("TERMINATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LeadsRecovered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsHandled.WithLabelValues("sent")))
}

func TestMetrics_ObserveJob(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.ObserveJob("recover_due", time.Now(), nil)
	m.ObserveJob("recover_due", time.Now(), errors.New("db locked"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("recover_due", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("recover_due", "error")))
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	// GIVEN: A chi router with a parameterized route behind the middleware
	// WHEN: Two different sale IDs are requested
	// THEN: Both land in the same route series

	m := metrics.New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/sales/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"s-1", "s-2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sales/"+id, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/sales/{id}", "404")))
}
