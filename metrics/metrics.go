// Package metrics exposes the affiliate engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/affiliate-engine/affiliate"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business metrics
	SaleTransitions      *prometheus.CounterVec
	CommissionsBooked    *prometheus.CounterVec
	ContractTransitions  *prometheus.CounterVec
	Recoveries           *prometheus.CounterVec
	LeadsRecovered       prometheus.Counter
	NotificationsHandled *prometheus.CounterVec

	// Job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

var _ affiliate.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "affiliate_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		SaleTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_sale_transitions_total",
				Help: "Sale state transitions by target status",
			},
			[]string{"status"},
		),
		CommissionsBooked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_commission_booked_total",
				Help: "Commission booked into the ledger, in currency units",
			},
			[]string{"beneficiary", "currency"},
		),
		ContractTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_contract_transitions_total",
				Help: "Contract state transitions by target status",
			},
			[]string{"status"},
		),
		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_recoveries_total",
				Help: "Partner data recoveries by outcome",
			},
			[]string{"outcome"}, // recovered, failed
		),
		LeadsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "affiliate_leads_recovered_total",
			Help: "Leads re-pointed to headquarters by recovery",
		}),
		NotificationsHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_notifications_total",
				Help: "Outbox deliveries by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_job_runs_total",
				Help: "Scheduled job runs by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "affiliate_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"job"},
		),
	}
}

// =============================================================================
// affiliate.Metrics
// =============================================================================

func (m *Metrics) SaleTransition(to affiliate.SaleStatus) {
	m.SaleTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) CommissionBooked(b affiliate.Beneficiary, amount affiliate.Amount) {
	v, _ := amount.Value.Float64()
	currency := amount.Currency
	if currency == "" {
		currency = affiliate.DefaultCurrency
	}
	m.CommissionsBooked.WithLabelValues(string(b), currency).Add(v)
}

func (m *Metrics) ContractTransition(to affiliate.ContractStatus) {
	m.ContractTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) RecoveryFinished(outcome string, leadsMoved int) {
	m.Recoveries.WithLabelValues(outcome).Inc()
	m.LeadsRecovered.Add(float64(leadsMoved))
}

func (m *Metrics) NotificationDelivered(outcome string) {
	m.NotificationsHandled.WithLabelValues(outcome).Inc()
}

// ObserveJob records one scheduled job run.
func (m *Metrics) ObserveJob(job string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.JobRuns.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Middleware records request count and latency per chi route pattern, so
// /api/sales/{id} is one series rather than one per sale.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
