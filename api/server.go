/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters per route pattern
  5. CORS:       Cross-origin requests for the partner portal
  6. Authenticate (under /api only): JWT bearer -> affiliate.Actor

UNAUTHENTICATED ROUTES:
  /healthz   liveness
  /metrics   Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations and route table
  - auth.go: Token validation
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	JWTSecret   string
	CORSOrigins []string
	// Metrics wraps every request; nil disables request metrics.
	Metrics func(http.Handler) http.Handler
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.JWTSecret))

		// Partner directory
		r.Route("/partners", func(r chi.Router) {
			r.Get("/", h.ListPartners)
			r.Post("/", h.EnrollPartner)
			r.Get("/by-code/{code}", h.GetPartnerByCode)
			r.Get("/{id}", h.GetPartner)
			r.Get("/{id}/manager", h.GetActiveRelation)
			r.Post("/{id}/manager", h.RecruitAgent)
			r.Put("/{id}/manager", h.TransferAgent)
			r.Delete("/{id}/manager", h.ReleaseAgent)
			r.Get("/{id}/relations", h.RelationHistory)
			r.Get("/{id}/agents", h.ListAgents)
			r.Get("/{id}/contracts", h.PartnerContracts)
		})

		// Customers
		r.Post("/ownership/resolve", h.ResolveOwnership)
		r.Route("/leads", func(r chi.Router) {
			r.Get("/", h.ListLeads)
			r.Post("/", h.CaptureLead)
			r.Get("/{id}", h.GetLead)
			r.Post("/{id}/status", h.AdvanceLead)
		})

		// Sales and ledger
		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Post("/", h.RecordSale)
			r.Get("/{id}", h.GetSale)
			r.Get("/{id}/preview", h.PreviewSale)
			r.Post("/{id}/evidence", h.SubmitEvidence)
			r.Post("/{id}/decision", h.DecideSale)
			r.Post("/{id}/refund", h.RefundSale)
			r.Post("/{id}/settle", h.SettleSale)
		})
		r.Get("/ledger", h.LedgerEntries)

		// Contracts
		r.Route("/contracts", func(r chi.Router) {
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
			r.Post("/{id}/send", h.SendContract)
			r.Post("/{id}/sign", h.SignContract)
			r.Post("/{id}/renewal", h.RequestRenewal)
			r.Post("/{id}/renewal/approve", h.ApproveRenewal)
			r.Post("/{id}/renewal/reject", h.RejectRenewal)
			r.Post("/{id}/terminate", h.TerminateContract)
			r.Post("/{id}/recover", h.RecoverContract)
		})

		// Tiers, audit, admin
		r.Get("/tiers", h.ListTiers)
		r.Post("/tiers", h.LoadTiers)
		r.Get("/audit", h.QueryAudit)
		r.Post("/admin/jobs/{job}", h.RunJob)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/{id}/load", h.LoadScenario)
		})
	})

	return r
}
