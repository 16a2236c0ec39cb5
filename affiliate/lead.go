package affiliate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// LeadService captures customers from any entry channel and advances them
// through NEW -> CONTACTED -> PURCHASED, or to LOST.
type LeadService struct {
	*core
	resolver *OwnershipResolver
}

type LeadInput struct {
	CustomerName string
	Phone        string
	Channel      string
	AgentID      *PartnerID
	ManagerID    *PartnerID
}

// CaptureLead creates a NEW lead. An agent-held lead takes its manager from
// the agent's active relation.
func (s *LeadService) CaptureLead(ctx context.Context, in LeadInput, actor Actor) (*Lead, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	key, err := s.resolver.NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	lead := Lead{
		ID:           LeadID(uuid.NewString()),
		CustomerName: strings.TrimSpace(in.CustomerName),
		Phone:        key,
		Status:       LeadNew,
		Channel:      in.Channel,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		agentID, managerID, err := attribute(ctx, tx, in.AgentID, in.ManagerID)
		if err != nil {
			return err
		}
		if !actor.IsPrivileged() {
			if err := requireActive(ctx, tx, actor, "capture leads"); err != nil {
				return err
			}
			self := PartnerID(actor.ID)
			if (agentID == nil || *agentID != self) && (managerID == nil || *managerID != self) {
				return unauthorized(actor, "capture leads", "partners capture leads for themselves or their own agents")
			}
		}
		lead.AgentID, lead.ManagerID = agentID, managerID

		if err := tx.CreateLead(ctx, lead); err != nil {
			return err
		}
		detail := map[string]any{"phone": lead.Phone, "channel": lead.Channel}
		if agentID != nil {
			detail["agent_id"] = string(*agentID)
		}
		if managerID != nil {
			detail["manager_id"] = string(*managerID)
		}
		return Record(ctx, tx, now, AuditLeadCaptured, string(lead.ID), actor, detail)
	})
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// attribute validates an agent and/or manager attribution and returns the
// pair to store. The agent's manager always comes from its active relation.
func attribute(ctx context.Context, s PartnerStore, agentID, managerID *PartnerID) (*PartnerID, *PartnerID, error) {
	if agentID != nil {
		agent, err := getPartner(ctx, s, *agentID)
		if err != nil {
			return nil, nil, err
		}
		if agent.Role != RoleAgent {
			return nil, nil, invalid("agent_id", fmt.Sprintf("partner %s is not an agent", agent.ID))
		}
		if !agent.IsActive() {
			return nil, nil, invalid("agent_id", fmt.Sprintf("agent %s is inactive", agent.ID))
		}
		rel, err := s.ActiveRelationForAgent(ctx, agent.ID)
		if err != nil {
			return nil, nil, err
		}
		if rel == nil {
			return nil, nil, invalid("agent_id", fmt.Sprintf("agent %s has no active manager", agent.ID))
		}
		if managerID != nil && *managerID != rel.ManagerID {
			return nil, nil, invalid("manager_id", fmt.Sprintf("agent %s reports to %s, not %s", agent.ID, rel.ManagerID, *managerID))
		}
		return ptr(agent.ID), ptr(rel.ManagerID), nil
	}
	if managerID != nil {
		manager, err := getPartner(ctx, s, *managerID)
		if err != nil {
			return nil, nil, err
		}
		if manager.Role != RoleManager {
			return nil, nil, invalid("manager_id", fmt.Sprintf("partner %s is not a manager", manager.ID))
		}
		if !manager.IsActive() {
			return nil, nil, invalid("manager_id", fmt.Sprintf("manager %s is inactive", manager.ID))
		}
		return nil, ptr(manager.ID), nil
	}
	return nil, nil, nil
}

var leadTransitions = map[LeadStatus][]LeadStatus{
	LeadNew:       {LeadContacted, LeadLost},
	LeadContacted: {LeadPurchased, LeadLost},
}

// AdvanceLead moves a lead forward. Only the lead's current owner or the back
// office may advance it.
func (s *LeadService) AdvanceLead(ctx context.Context, id LeadID, to LeadStatus, actor Actor) (*Lead, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var out Lead
	err := s.store.WithTx(ctx, func(tx Store) error {
		lead, err := tx.GetLead(ctx, id)
		if err != nil {
			return err
		}
		if lead == nil {
			return notFound("lead", string(id))
		}
		if !actor.IsPrivileged() {
			if err := requireActive(ctx, tx, actor, "update lead "+string(id)); err != nil {
				return err
			}
			own, err := leadOwnership(ctx, tx, *lead)
			if err != nil {
				return err
			}
			if !own.Holds(PartnerID(actor.ID)) {
				return unauthorized(actor, "update lead "+string(id), "lead is owned by someone else")
			}
		}
		allowed := false
		for _, next := range leadTransitions[lead.Status] {
			if next == to {
				allowed = true
			}
		}
		if !allowed {
			return &TransitionError{Entity: "lead", ID: string(id), From: string(lead.Status), Action: "move to " + string(to)}
		}

		now := s.clock()
		if err := tx.UpdateLeadStatus(ctx, id, to, now); err != nil {
			return err
		}
		if err := Record(ctx, tx, now, AuditLeadAdvanced, string(id), actor, map[string]any{
			"from": string(lead.Status), "to": string(to),
		}); err != nil {
			return err
		}
		lead.Status, lead.UpdatedAt = to, now
		out = *lead
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LeadService) GetLead(ctx context.Context, id LeadID) (*Lead, error) {
	l, err := s.store.GetLead(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, notFound("lead", string(id))
	}
	return l, nil
}

func (s *LeadService) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	return s.store.ListLeads(ctx, filter)
}
