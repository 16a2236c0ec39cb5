/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the engine with realistic
	affiliate data. Each scenario goes through the public engine
	operations, so it produces the same audit trail and notifications as
	real traffic.

AVAILABLE SCENARIOS:

	balcony-standard:     Manager, agent, Balcony/Standard tier, one approved sale
	manager-termination:  Manager with two agents and leads, terminated and recovered
	agent-termination:    Agent terminated; leads stay put until the delay elapses

HOW SCENARIOS WORK:
 1. Upsert the demo commission tier
 2. Enroll partners and build the hierarchy
 3. Capture leads, record and decide sales
 4. Drive contracts through their lifecycle

USAGE VIA API:

	POST /api/scenarios/balcony-standard/load

NOTE:

	Scenarios only add data; nothing is reset or deleted. Loading one twice
	creates a second, independent set of partners.

SEE ALSO:
  - handlers.go: route list
  - factory/tiers.go: tier JSON
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResult lists what a scenario created.
type ScenarioResult struct {
	Scenario  string   `json:"scenario"`
	Partners  []string `json:"partners"`
	Leads     []string `json:"leads,omitempty"`
	Sales     []string `json:"sales,omitempty"`
	Contracts []string `json:"contracts,omitempty"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "balcony-standard",
		Name:        "Balcony / Standard sale",
		Description: "A 2,500,000 KRW sale by a supervised agent, approved and split 300k / 150k / 100k",
	},
	{
		ID:          "manager-termination",
		Name:        "Manager termination",
		Description: "A branch manager is terminated; its agents are released and every lead returns to HQ",
	},
	{
		ID:          "agent-termination",
		Name:        "Agent termination",
		Description: "An agent is terminated; its leads move to HQ only after the recovery delay",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) (*ScenarioResult, error){
	"balcony-standard":    (*Handler).loadBalconyStandardScenario,
	"manager-termination": (*Handler).loadManagerTerminationScenario,
	"agent-termination":   (*Handler).loadAgentTerminationScenario,
}

// demoTier covers every date from 2025 on so demo sales always price.
var demoTier = factory.TierJSON{
	ID:            "demo-cruise-7n-balcony",
	ProductID:     "DEMO-CRUISE-7N",
	CabinType:     "BALCONY",
	FareCategory:  "STANDARD",
	EffectiveFrom: "2025-01-01",
	SaleAmount:    "2500000",
	CostAmount:    "1950000",
	HQShare:       "300000",
	BranchShare:   "150000",
	SalesShare:    "100000",
}

var (
	demoAdmin    = affiliate.AdminActor("demo-admin")
	demoReviewer = affiliate.AdminActor("demo-reviewer")
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs one scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	result, err := h.RunScenario(r.Context(), id)
	if errors.Is(err, ErrUnknownScenario) {
		writeError(w, http.StatusNotFound, "Unknown scenario", err)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunScenario loads a scenario by ID. cmd/server uses it for -scenario.
func (h *Handler) RunScenario(ctx context.Context, id string) (*ScenarioResult, error) {
	load, ok := scenarioLoaders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, id)
	}
	result, err := load(h, ctx)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	h.Logger.Info("scenario loaded", "scenario", id, "partners", len(result.Partners))
	return result, nil
}

var ErrUnknownScenario = errors.New("unknown scenario")

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBalconyStandardScenario(ctx context.Context) (*ScenarioResult, error) {
	res := &ScenarioResult{Scenario: "balcony-standard"}
	if err := h.ensureDemoTier(ctx); err != nil {
		return nil, err
	}

	_, agent, err := h.demoPair(ctx, res, "Busan Branch", "Kim Agent")
	if err != nil {
		return nil, err
	}

	lead, err := h.Engine.Leads.CaptureLead(ctx, affiliate.LeadInput{
		CustomerName: "Choi Customer",
		Phone:        "010-1234-5678",
		Channel:      "landing",
		AgentID:      &agent.ID,
	}, demoAdmin)
	if err != nil {
		return nil, err
	}
	res.Leads = append(res.Leads, string(lead.ID))

	sale, err := h.Engine.Sales.RecordSale(ctx, affiliate.SaleInput{
		ProductID:     demoTier.ProductID,
		CabinType:     demoTier.CabinType,
		FareCategory:  demoTier.FareCategory,
		SaleAmount:    affiliate.MustParseAmount(demoTier.SaleAmount),
		CostAmount:    affiliate.MustParseAmount(demoTier.CostAmount),
		CustomerName:  lead.CustomerName,
		CustomerPhone: lead.Phone,
		AgentID:       &agent.ID,
	}, affiliate.PartnerActor(agent.ID))
	if err != nil {
		return nil, err
	}
	if _, err := h.Engine.Sales.SubmitEvidence(ctx, sale.ID, "demo/receipts/"+string(sale.ID)+".pdf", "receipt",
		affiliate.PartnerActor(agent.ID)); err != nil {
		return nil, err
	}
	if _, err := h.Engine.Sales.Approve(ctx, sale.ID, demoReviewer); err != nil {
		return nil, err
	}
	res.Sales = append(res.Sales, string(sale.ID))
	return res, nil
}

func (h *Handler) loadManagerTerminationScenario(ctx context.Context) (*ScenarioResult, error) {
	res := &ScenarioResult{Scenario: "manager-termination"}

	manager, agent1, err := h.demoPair(ctx, res, "Incheon Branch", "Lee Agent")
	if err != nil {
		return nil, err
	}
	agent2, err := h.enroll(ctx, res, affiliate.RoleAgent, "Park Agent")
	if err != nil {
		return nil, err
	}
	if _, err := h.Engine.Directory.Recruit(ctx, manager.ID, agent2.ID, demoAdmin); err != nil {
		return nil, err
	}

	for i, holder := range []affiliate.LeadInput{
		{AgentID: &agent1.ID},
		{AgentID: &agent2.ID},
		{ManagerID: &manager.ID},
	} {
		holder.CustomerName = fmt.Sprintf("Customer %d", i+1)
		holder.Phone = fmt.Sprintf("010-5555-%04d", i+1)
		holder.Channel = "referral"
		lead, err := h.Engine.Leads.CaptureLead(ctx, holder, demoAdmin)
		if err != nil {
			return nil, err
		}
		res.Leads = append(res.Leads, string(lead.ID))
	}

	c, err := h.signedContract(ctx, res, manager.ID)
	if err != nil {
		return nil, err
	}
	result, err := h.Engine.Contracts.Terminate(ctx, c.ID, "branch closed", demoAdmin)
	if err != nil {
		return nil, err
	}
	if result.RecoveryErr != nil {
		return nil, result.RecoveryErr
	}
	return res, nil
}

func (h *Handler) loadAgentTerminationScenario(ctx context.Context) (*ScenarioResult, error) {
	res := &ScenarioResult{Scenario: "agent-termination"}

	_, agent, err := h.demoPair(ctx, res, "Daegu Branch", "Jung Agent")
	if err != nil {
		return nil, err
	}
	lead, err := h.Engine.Leads.CaptureLead(ctx, affiliate.LeadInput{
		CustomerName: "Yoon Customer",
		Phone:        "010-7777-0001",
		Channel:      "event",
		AgentID:      &agent.ID,
	}, demoAdmin)
	if err != nil {
		return nil, err
	}
	res.Leads = append(res.Leads, string(lead.ID))

	c, err := h.signedContract(ctx, res, agent.ID)
	if err != nil {
		return nil, err
	}
	if _, err := h.Engine.Contracts.Terminate(ctx, c.ID, "performance review", demoAdmin); err != nil {
		return nil, err
	}
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) ensureDemoTier(ctx context.Context) error {
	tier, err := h.TierFactory.FromJSON(demoTier)
	if err != nil {
		return err
	}
	return factory.LoadTiers(ctx, h.Engine.Store, []affiliate.CommissionTier{tier})
}

func (h *Handler) enroll(ctx context.Context, res *ScenarioResult, role affiliate.PartnerRole, name string) (*affiliate.Partner, error) {
	p, err := h.Engine.Directory.Enroll(ctx, affiliate.EnrollInput{Role: role, Name: name}, demoAdmin)
	if err != nil {
		return nil, err
	}
	res.Partners = append(res.Partners, string(p.ID))
	return p, nil
}

// demoPair enrolls a manager and an agent reporting to it.
func (h *Handler) demoPair(ctx context.Context, res *ScenarioResult, managerName, agentName string) (*affiliate.Partner, *affiliate.Partner, error) {
	manager, err := h.enroll(ctx, res, affiliate.RoleManager, managerName)
	if err != nil {
		return nil, nil, err
	}
	agent, err := h.enroll(ctx, res, affiliate.RoleAgent, agentName)
	if err != nil {
		return nil, nil, err
	}
	if _, err := h.Engine.Directory.Recruit(ctx, manager.ID, agent.ID, demoAdmin); err != nil {
		return nil, nil, err
	}
	return manager, agent, nil
}

func (h *Handler) signedContract(ctx context.Context, res *ScenarioResult, partnerID affiliate.PartnerID) (*affiliate.Contract, error) {
	c, err := h.Engine.Contracts.CreateContract(ctx, partnerID, demoAdmin)
	if err != nil {
		return nil, err
	}
	if _, err := h.Engine.Contracts.SendForSignature(ctx, c.ID, demoAdmin); err != nil {
		return nil, err
	}
	signed, err := h.Engine.Contracts.CompleteSignature(ctx, c.ID, h.Now().Add(-time.Hour), affiliate.PartnerActor(partnerID))
	if err != nil {
		return nil, err
	}
	res.Contracts = append(res.Contracts, string(signed.ID))
	return signed, nil
}
