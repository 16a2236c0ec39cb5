/*
handlers.go - HTTP API handlers for the affiliate engine

PURPOSE:
  Exposes the affiliate engine via REST API. Handles HTTP request/response,
  JSON serialization and request validation, and delegates every decision
  to the engine. Handlers add no business rules of their own beyond
  scoping read endpoints to the calling partner.

ENDPOINTS:
  Partners:
    GET    /api/partners                     List partners (admin)
    POST   /api/partners                     Enroll partner (admin)
    GET    /api/partners/by-code/{code}      Look up by affiliate code
    GET    /api/partners/{id}                Partner details
    GET    /api/partners/{id}/manager        Active relation of an agent
    POST   /api/partners/{id}/manager        Recruit agent under a manager
    PUT    /api/partners/{id}/manager        Transfer agent to another manager
    DELETE /api/partners/{id}/manager        Release agent
    GET    /api/partners/{id}/relations      Relation history
    GET    /api/partners/{id}/agents         Active agents of a manager
    GET    /api/partners/{id}/contracts      Contracts of a partner

  Customers:
    POST   /api/ownership/resolve            Who owns this customer
    GET    /api/leads                        List leads
    POST   /api/leads                        Capture lead
    GET    /api/leads/{id}                   Lead details
    POST   /api/leads/{id}/status            Advance lead status

  Sales:
    GET    /api/sales                        List sales
    POST   /api/sales                        Record sale
    GET    /api/sales/{id}                   Sale details
    GET    /api/sales/{id}/preview           Commission split preview
    POST   /api/sales/{id}/evidence          Submit evidence
    POST   /api/sales/{id}/decision          Approve or reject (admin)
    POST   /api/sales/{id}/refund            Refund (admin)
    POST   /api/sales/{id}/settle            Settle (admin)
    GET    /api/ledger                       Ledger entries

  Contracts:
    POST   /api/contracts                    Create draft (admin)
    GET    /api/contracts/{id}               Contract details
    POST   /api/contracts/{id}/send          Send for signature
    POST   /api/contracts/{id}/sign          Record signature
    POST   /api/contracts/{id}/renewal       Request renewal
    POST   /api/contracts/{id}/renewal/approve
    POST   /api/contracts/{id}/renewal/reject
    POST   /api/contracts/{id}/terminate
    POST   /api/contracts/{id}/recover       Manual recovery retry

  Tiers, audit and admin:
    GET    /api/tiers                        Commission tiers
    POST   /api/tiers                        Load tier catalog JSON (admin)
    GET    /api/audit                        Audit trail (admin)
    POST   /api/admin/jobs/{job}             Run a scheduled job now
    GET    /api/scenarios                    Demo scenarios
    POST   /api/scenarios/{id}/load          Load a demo scenario (admin)

ERROR HANDLING:
  Engine errors are mapped by kind, with affiliate.Reason as the message:
  - 400: Validation errors, duplicate keys
  - 403: Unauthorized actor
  - 404: Not found
  - 409: State conflicts (invalid transition, recovery already done)
  - 422: No commission tier configured
  - 500: Everything else (logged)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Actor extraction
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *affiliate.Engine
	TierFactory *factory.TierFactory
	Jobs        *Scheduler // nil disables /api/admin/jobs
	Logger      *slog.Logger
	Now         func() time.Time

	validate *validator.Validate
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *affiliate.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:      engine,
		TierFactory: factory.NewTierFactory(),
		Logger:      logger,
		Now:         time.Now,
		validate:    validator.New(),
	}
}

// =============================================================================
// PARTNER HANDLERS
// =============================================================================

func (h *Handler) ListPartners(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var filter affiliate.PartnerFilter
	if v := r.URL.Query().Get("role"); v != "" {
		role := affiliate.PartnerRole(strings.ToUpper(v))
		filter.Role = &role
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := affiliate.PartnerStatus(strings.ToUpper(v))
		filter.Status = &status
	}

	partners, err := h.Engine.Directory.ListPartners(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(partners, toPartnerDTO))
}

func (h *Handler) EnrollPartner(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.Engine.Directory.Enroll(r.Context(), affiliate.EnrollInput{
		Role:          affiliate.PartnerRole(req.Role),
		Name:          req.Name,
		Email:         req.Email,
		AffiliateCode: req.AffiliateCode,
	}, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPartnerDTO(*p))
}

func (h *Handler) GetPartner(w http.ResponseWriter, r *http.Request) {
	id := affiliate.PartnerID(chi.URLParam(r, "id"))
	if !h.requireSelfOrAdmin(w, r, id) {
		return
	}
	p, err := h.Engine.Directory.GetPartner(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartnerDTO(*p))
}

// GetPartnerByCode is open to every authenticated actor: the affiliate code
// is what customers and partners share publicly.
func (h *Handler) GetPartnerByCode(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Directory.GetPartnerByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	dto := toPartnerDTO(*p)
	if !actorFrom(r).IsPrivileged() {
		dto.Email = ""
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetActiveRelation(w http.ResponseWriter, r *http.Request) {
	id := affiliate.PartnerID(chi.URLParam(r, "id"))
	if !h.requireSelfOrAdmin(w, r, id) {
		return
	}
	rel, err := h.Engine.Directory.ActiveRelationForAgent(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if rel == nil {
		writeError(w, http.StatusNotFound, "Agent has no active manager", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRelationDTO(*rel))
}

func (h *Handler) RecruitAgent(w http.ResponseWriter, r *http.Request) {
	var req AssignManagerRequest
	if !h.decode(w, r, &req) {
		return
	}
	agentID := affiliate.PartnerID(chi.URLParam(r, "id"))
	rel, err := h.Engine.Directory.Recruit(r.Context(), affiliate.PartnerID(req.ManagerID), agentID, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRelationDTO(*rel))
}

func (h *Handler) TransferAgent(w http.ResponseWriter, r *http.Request) {
	var req AssignManagerRequest
	if !h.decode(w, r, &req) {
		return
	}
	agentID := affiliate.PartnerID(chi.URLParam(r, "id"))
	rel, err := h.Engine.Directory.Transfer(r.Context(), agentID, affiliate.PartnerID(req.ManagerID), actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRelationDTO(*rel))
}

func (h *Handler) ReleaseAgent(w http.ResponseWriter, r *http.Request) {
	agentID := affiliate.PartnerID(chi.URLParam(r, "id"))
	rel, err := h.Engine.Directory.Release(r.Context(), agentID, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRelationDTO(*rel))
}

func (h *Handler) RelationHistory(w http.ResponseWriter, r *http.Request) {
	id := affiliate.PartnerID(chi.URLParam(r, "id"))
	if !h.requireSelfOrAdmin(w, r, id) {
		return
	}
	rels, err := h.Engine.Directory.RelationHistory(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(rels, toRelationDTO))
}

func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	id := affiliate.PartnerID(chi.URLParam(r, "id"))
	if !h.requireSelfOrAdmin(w, r, id) {
		return
	}
	agents, err := h.Engine.Directory.ActiveAgentsUnderManager(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(agents, toPartnerDTO))
}

func (h *Handler) PartnerContracts(w http.ResponseWriter, r *http.Request) {
	id := affiliate.PartnerID(chi.URLParam(r, "id"))
	if !h.requireSelfOrAdmin(w, r, id) {
		return
	}
	contracts, err := h.Engine.Contracts.ContractsForPartner(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(contracts, toContractDTO))
}

// =============================================================================
// OWNERSHIP & LEAD HANDLERS
// =============================================================================

func (h *Handler) ResolveOwnership(w http.ResponseWriter, r *http.Request) {
	var req ResolveOwnershipRequest
	if !h.decode(w, r, &req) {
		return
	}
	own, err := h.Engine.Resolver.ResolveOwnership(r.Context(), affiliate.CustomerIdentity{Name: req.Name, Phone: req.Phone})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OwnershipDTO{
		Type:      string(own.Type),
		AgentID:   idPtr(own.AgentID),
		ManagerID: idPtr(own.ManagerID),
		LeadID:    idPtr(own.LeadID),
	})
}

func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := affiliate.LeadFilter{
		AgentID:   partnerIDPtr(optional(q.Get("agent_id"))),
		ManagerID: partnerIDPtr(optional(q.Get("manager_id"))),
	}
	if v := q.Get("status"); v != "" {
		status := affiliate.LeadStatus(strings.ToUpper(v))
		filter.Status = &status
	}
	if v := q.Get("phone"); v != "" {
		normalized, err := h.Engine.Resolver.NormalizePhone(v)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		filter.Phone = normalized
	}
	leads, ok := listHeld(h, w, r, filter.AgentID, filter.ManagerID,
		func(agentID, managerID *affiliate.PartnerID) ([]affiliate.Lead, error) {
			f := filter
			f.AgentID, f.ManagerID = agentID, managerID
			return h.Engine.Leads.ListLeads(r.Context(), f)
		},
		func(l affiliate.Lead) (string, *affiliate.PartnerID, *affiliate.PartnerID, time.Time) {
			return string(l.ID), l.AgentID, l.ManagerID, l.CreatedAt
		})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(leads, toLeadDTO))
}

func (h *Handler) CaptureLead(w http.ResponseWriter, r *http.Request) {
	var req CaptureLeadRequest
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.Engine.Leads.CaptureLead(r.Context(), affiliate.LeadInput{
		CustomerName: req.CustomerName,
		Phone:        req.Phone,
		Channel:      req.Channel,
		AgentID:      partnerIDPtr(req.AgentID),
		ManagerID:    partnerIDPtr(req.ManagerID),
	}, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeadDTO(*lead))
}

func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.Engine.Leads.GetLead(r.Context(), affiliate.LeadID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !h.requireHolder(w, r, lead.AgentID, lead.ManagerID) {
		return
	}
	writeJSON(w, http.StatusOK, toLeadDTO(*lead))
}

func (h *Handler) AdvanceLead(w http.ResponseWriter, r *http.Request) {
	var req AdvanceLeadRequest
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.Engine.Leads.AdvanceLead(r.Context(), affiliate.LeadID(chi.URLParam(r, "id")),
		affiliate.LeadStatus(req.Status), actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeadDTO(*lead))
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := affiliate.SaleFilter{
		AgentID:   partnerIDPtr(optional(q.Get("agent_id"))),
		ManagerID: partnerIDPtr(optional(q.Get("manager_id"))),
	}
	if v := q.Get("status"); v != "" {
		status := affiliate.SaleStatus(strings.ToUpper(v))
		filter.Status = &status
	}
	sales, ok := listHeld(h, w, r, filter.AgentID, filter.ManagerID,
		func(agentID, managerID *affiliate.PartnerID) ([]affiliate.Sale, error) {
			f := filter
			f.AgentID, f.ManagerID = agentID, managerID
			return h.Engine.Sales.ListSales(r.Context(), f)
		},
		func(s affiliate.Sale) (string, *affiliate.PartnerID, *affiliate.PartnerID, time.Time) {
			return string(s.ID), s.AgentID, s.ManagerID, s.CreatedAt
		})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(sales, toSaleDTO))
}

func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req RecordSaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	saleAmount, err := affiliate.ParseAmount(req.SaleAmount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sale_amount", err)
		return
	}
	costAmount := saleAmount.Zero()
	if req.CostAmount != "" {
		if costAmount, err = affiliate.ParseAmount(req.CostAmount, req.Currency); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cost_amount", err)
			return
		}
	}
	var soldAt time.Time
	if req.SoldAt != nil {
		// format already checked by the validator
		soldAt, _ = time.Parse(time.RFC3339, *req.SoldAt)
	}

	sale, err := h.Engine.Sales.RecordSale(r.Context(), affiliate.SaleInput{
		ProductID:     req.ProductID,
		CabinType:     req.CabinType,
		FareCategory:  req.FareCategory,
		SaleAmount:    saleAmount,
		CostAmount:    costAmount,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		AgentID:       partnerIDPtr(req.AgentID),
		ManagerID:     partnerIDPtr(req.ManagerID),
		SoldAt:        soldAt,
	}, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(*sale))
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Engine.Sales.GetSale(r.Context(), affiliate.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !h.requireHolder(w, r, sale.AgentID, sale.ManagerID) {
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) PreviewSale(w http.ResponseWriter, r *http.Request) {
	id := affiliate.SaleID(chi.URLParam(r, "id"))
	sale, err := h.Engine.Sales.GetSale(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !h.requireHolder(w, r, sale.AgentID, sale.ManagerID) {
		return
	}
	split, err := h.Engine.Sales.Preview(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSplitDTO(*split))
}

func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req SubmitEvidenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	sale, err := h.Engine.Sales.SubmitEvidence(r.Context(), affiliate.SaleID(chi.URLParam(r, "id")),
		req.EvidenceRef, req.EvidenceType, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) DecideSale(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sale, err := h.Engine.Sales.Decide(r.Context(), affiliate.SaleID(chi.URLParam(r, "id")),
		affiliate.Decision(req.Decision), req.Reason, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) RefundSale(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	sale, err := h.Engine.Sales.Refund(r.Context(), affiliate.SaleID(chi.URLParam(r, "id")), req.Reason, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) SettleSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Engine.Sales.Settle(r.Context(), affiliate.SaleID(chi.URLParam(r, "id")), actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter affiliate.LedgerFilter
	if v := q.Get("sale_id"); v != "" {
		id := affiliate.SaleID(v)
		filter.SaleID = &id
	}
	filter.PartnerID = partnerIDPtr(optional(q.Get("partner_id")))
	if v := q.Get("beneficiary"); v != "" {
		b := affiliate.Beneficiary(strings.ToUpper(v))
		filter.Beneficiary = &b
	}
	if v := q.Get("settled"); v != "" {
		settled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid settled flag", err)
			return
		}
		filter.Settled = &settled
	}

	actor := actorFrom(r)
	if !actor.IsPrivileged() {
		if filter.PartnerID != nil && *filter.PartnerID != affiliate.PartnerID(actor.ID) {
			writeError(w, http.StatusForbidden, "Partners may only read their own ledger", nil)
			return
		}
		self := affiliate.PartnerID(actor.ID)
		filter.PartnerID = &self
	}

	entries, err := h.Engine.Sales.LedgerEntries(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(entries, toLedgerEntryDTO))
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Engine.Contracts.CreateContract(r.Context(), affiliate.PartnerID(req.PartnerID), actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(*c))
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Contracts.GetContract(r.Context(), affiliate.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !h.requireSelfOrAdmin(w, r, c.PartnerID) {
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c))
}

func (h *Handler) SendContract(w http.ResponseWriter, r *http.Request) {
	h.contractTransition(w, r, h.Engine.Contracts.SendForSignature)
}

func (h *Handler) SignContract(w http.ResponseWriter, r *http.Request) {
	var req SignContractRequest
	if !h.decode(w, r, &req) {
		return
	}
	signedAt := h.Now()
	if req.SignedAt != nil {
		signedAt, _ = time.Parse(time.RFC3339, *req.SignedAt)
	}
	c, err := h.Engine.Contracts.CompleteSignature(r.Context(), affiliate.ContractID(chi.URLParam(r, "id")), signedAt, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c))
}

func (h *Handler) RequestRenewal(w http.ResponseWriter, r *http.Request) {
	h.contractTransition(w, r, h.Engine.Contracts.RequestRenewal)
}

func (h *Handler) ApproveRenewal(w http.ResponseWriter, r *http.Request) {
	h.contractTransition(w, r, h.Engine.Contracts.ApproveRenewal)
}

func (h *Handler) RejectRenewal(w http.ResponseWriter, r *http.Request) {
	h.contractTermination(w, r, h.Engine.Contracts.RejectRenewal)
}

func (h *Handler) TerminateContract(w http.ResponseWriter, r *http.Request) {
	h.contractTermination(w, r, h.Engine.Contracts.Terminate)
}

func (h *Handler) RecoverContract(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Contracts.RecoverManagerNow(r.Context(), affiliate.ContractID(chi.URLParam(r, "id")), actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecoveryReportDTO(*report))
}

type contractOp func(context.Context, affiliate.ContractID, affiliate.Actor) (*affiliate.Contract, error)

func (h *Handler) contractTransition(w http.ResponseWriter, r *http.Request, op contractOp) {
	c, err := op(r.Context(), affiliate.ContractID(chi.URLParam(r, "id")), actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c))
}

type terminationOp func(context.Context, affiliate.ContractID, string, affiliate.Actor) (*affiliate.TerminationResult, error)

// contractTermination answers 200 even when the follow-up recovery failed:
// the termination itself committed and the response carries recovery_error.
func (h *Handler) contractTermination(w http.ResponseWriter, r *http.Request, op terminationOp) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := op(r.Context(), affiliate.ContractID(chi.URLParam(r, "id")), req.Reason, actorFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if res.RecoveryErr != nil {
		h.Logger.Warn("termination committed but recovery failed",
			"contract_id", res.Contract.ID, "error", res.RecoveryErr)
	}
	writeJSON(w, http.StatusOK, toTerminationDTO(*res))
}

// =============================================================================
// TIER, AUDIT & JOB HANDLERS
// =============================================================================

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Engine.Store.ListTiers(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(tiers, h.TierFactory.ToJSON))
}

// LoadTiers accepts the same catalog document as the -tiers startup file.
func (h *Handler) LoadTiers(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	tiers, err := h.TierFactory.ParseCatalog(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tier catalog", err)
		return
	}
	if err := factory.LoadTiers(r.Context(), h.Engine.Store, tiers); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.Logger.Info("tier catalog loaded", "tiers", len(tiers), "actor", actorFrom(r).ID)
	writeJSON(w, http.StatusOK, map[string]int{"loaded": len(tiers)})
}

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	q := r.URL.Query()
	filter := affiliate.AuditFilter{
		TargetID: q.Get("target_id"),
		ActorID:  q.Get("actor_id"),
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, affiliate.AuditAction(a))
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s timestamp", name), err)
				return
			}
			*dst = &t
		}
	}

	records, err := h.Engine.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(records, toAuditRecordDTO))
}

func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	if h.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler is not running", nil)
		return
	}
	job := chi.URLParam(r, "job")
	result, err := h.Jobs.RunNow(r.Context(), job)
	if errors.Is(err, ErrUnknownJob) {
		writeError(w, http.StatusNotFound, "Unknown job", err)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResultDTO{Job: job, Result: result})
}

// =============================================================================
// ACCESS HELPERS
// =============================================================================

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if actorFrom(r).IsPrivileged() {
		return true
	}
	writeError(w, http.StatusForbidden, "Admin access required", nil)
	return false
}

func (h *Handler) requireSelfOrAdmin(w http.ResponseWriter, r *http.Request, id affiliate.PartnerID) bool {
	a := actorFrom(r)
	if a.IsPrivileged() || a.IsPartner(id) {
		return true
	}
	writeError(w, http.StatusForbidden, "Access denied", nil)
	return false
}

// holdings is what a partner may read: records it holds as agent and, for a
// manager, manager-direct records plus those of the agents currently
// reporting to it. Stored manager pointers on agent records are ignored;
// they go stale when an agent is transferred.
type holdings struct {
	self    affiliate.PartnerID
	manager bool
	agents  []affiliate.PartnerID
}

func (hd *holdings) covers(agentID, managerID *affiliate.PartnerID) bool {
	if agentID != nil {
		return *agentID == hd.self || slices.Contains(hd.agents, *agentID)
	}
	return hd.manager && managerID != nil && *managerID == hd.self
}

// scopes expands a partner's list query into one (agent, manager) filter
// pair per holding. ok is false when the requested filter reaches outside
// the partner's holdings.
func (hd *holdings) scopes(agentID, managerID *affiliate.PartnerID) (out [][2]*affiliate.PartnerID, ok bool) {
	if managerID != nil && (!hd.manager || *managerID != hd.self) {
		return nil, false
	}
	if agentID != nil {
		if !hd.covers(agentID, nil) {
			return nil, false
		}
		return [][2]*affiliate.PartnerID{{agentID, nil}}, true
	}
	if !hd.manager {
		return [][2]*affiliate.PartnerID{{&hd.self, nil}}, true
	}
	out = append(out, [2]*affiliate.PartnerID{nil, &hd.self})
	for i := range hd.agents {
		out = append(out, [2]*affiliate.PartnerID{&hd.agents[i], nil})
	}
	return out, true
}

// partnerHoldings returns nil for back-office actors.
func (h *Handler) partnerHoldings(w http.ResponseWriter, r *http.Request) (*holdings, bool) {
	a := actorFrom(r)
	if a.IsPrivileged() {
		return nil, true
	}
	self := affiliate.PartnerID(a.ID)
	p, err := h.Engine.Directory.GetPartner(r.Context(), self)
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	hd := &holdings{self: self, manager: p.Role == affiliate.RoleManager}
	if hd.manager {
		rels, err := h.Engine.Store.ActiveRelationsForManager(r.Context(), self)
		if err != nil {
			h.handleError(w, r, err)
			return nil, false
		}
		for _, rel := range rels {
			hd.agents = append(hd.agents, rel.AgentID)
		}
	}
	return hd, true
}

// requireHolder lets a partner read a lead or sale only while it holds it.
func (h *Handler) requireHolder(w http.ResponseWriter, r *http.Request, agentID, managerID *affiliate.PartnerID) bool {
	hd, ok := h.partnerHoldings(w, r)
	if !ok {
		return false
	}
	if hd == nil || hd.covers(agentID, managerID) {
		return true
	}
	writeError(w, http.StatusForbidden, "Access denied", nil)
	return false
}

// listHeld runs list once per holding and merges the results, oldest first.
// Back-office actors get a single unscoped run.
func listHeld[T any](h *Handler, w http.ResponseWriter, r *http.Request, agentID, managerID *affiliate.PartnerID,
	list func(agentID, managerID *affiliate.PartnerID) ([]T, error),
	key func(T) (id string, agentID, managerID *affiliate.PartnerID, created time.Time),
) ([]T, bool) {
	hd, ok := h.partnerHoldings(w, r)
	if !ok {
		return nil, false
	}
	if hd == nil {
		out, err := list(agentID, managerID)
		if err != nil {
			h.handleError(w, r, err)
			return nil, false
		}
		return out, true
	}
	scopes, ok := hd.scopes(agentID, managerID)
	if !ok {
		writeError(w, http.StatusForbidden, "Partners may only list their own records", nil)
		return nil, false
	}

	seen := make(map[string]bool)
	out := []T{}
	for _, sc := range scopes {
		items, err := list(sc[0], sc[1])
		if err != nil {
			h.handleError(w, r, err)
			return nil, false
		}
		for _, item := range items {
			id, a, m, _ := key(item)
			if seen[id] || !hd.covers(a, m) {
				continue
			}
			seen[id] = true
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		_, _, _, ci := key(out[i])
		_, _, _, cj := key(out[j])
		return ci.Before(cj)
	})
	return out, true
}

// =============================================================================
// REQUEST & RESPONSE HELPERS
// =============================================================================

// decode reads an optional JSON body into dst and validates it. An empty
// body decodes to the zero value, which the validator then judges.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// handleError maps engine errors to HTTP statuses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case affiliate.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case affiliate.IsUnauthorized(err):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, affiliate.ErrNoTierConfigured):
		status, code = http.StatusUnprocessableEntity, "no_tier"
	case errors.Is(err, affiliate.ErrAlreadySubmitted):
		status, code = http.StatusConflict, "already_submitted"
	case errors.Is(err, affiliate.ErrAlreadyDecided):
		status, code = http.StatusConflict, "already_decided"
	case affiliate.IsConflict(err):
		status, code = http.StatusConflict, "conflict"
	case affiliate.IsClientError(err):
		status, code = http.StatusBadRequest, "invalid"
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: affiliate.Reason(err), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
