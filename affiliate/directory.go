/*
directory.go - Partner directory: who manages whom

PURPOSE:
  Holds partners and the manager -> agent relations between them. Reads
  only ever return ACTIVE relations, except RelationHistory which is the
  explicit history request. Writes (enroll, recruit, release, transfer)
  each run in one unit of work together with their audit record.

INVARIANTS:
  - An agent has at most one ACTIVE relation (no dual reporting)
  - Relations are ended, never deleted
  - Only ACTIVE managers recruit, only agents are recruited

SEE ALSO:
  - ownership.go: derives a customer's manager from these relations
  - recovery.go: ends a terminated manager's relations
*/
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Directory struct {
	*core
}

// =============================================================================
// READS
// =============================================================================

func (d *Directory) GetPartner(ctx context.Context, id PartnerID) (*Partner, error) {
	return getPartner(ctx, d.store, id)
}

func (d *Directory) GetPartnerByCode(ctx context.Context, code string) (*Partner, error) {
	p, err := d.store.GetPartnerByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("partner", code)
	}
	return p, nil
}

func (d *Directory) ListPartners(ctx context.Context, filter PartnerFilter) ([]Partner, error) {
	return d.store.ListPartners(ctx, filter)
}

// ActiveRelationForAgent returns the agent's current relation, or nil if the
// agent reports to nobody.
func (d *Directory) ActiveRelationForAgent(ctx context.Context, agentID PartnerID) (*Relation, error) {
	if _, err := getPartner(ctx, d.store, agentID); err != nil {
		return nil, err
	}
	return d.store.ActiveRelationForAgent(ctx, agentID)
}

// ActiveAgentsUnderManager returns the ACTIVE agents currently reporting to
// the manager. A terminated agent whose relation is still open, pending its
// delayed recovery, is left out.
func (d *Directory) ActiveAgentsUnderManager(ctx context.Context, managerID PartnerID) ([]Partner, error) {
	if _, err := getPartner(ctx, d.store, managerID); err != nil {
		return nil, err
	}
	rels, err := d.store.ActiveRelationsForManager(ctx, managerID)
	if err != nil {
		return nil, err
	}
	agents := make([]Partner, 0, len(rels))
	for _, r := range rels {
		a, err := getPartner(ctx, d.store, r.AgentID)
		if err != nil {
			return nil, err
		}
		if !a.IsActive() {
			continue
		}
		agents = append(agents, *a)
	}
	return agents, nil
}

// RelationHistory returns every relation the agent ever had, ended ones included.
func (d *Directory) RelationHistory(ctx context.Context, agentID PartnerID) ([]Relation, error) {
	if _, err := getPartner(ctx, d.store, agentID); err != nil {
		return nil, err
	}
	return d.store.RelationsForAgent(ctx, agentID)
}

// =============================================================================
// WRITES
// =============================================================================

type EnrollInput struct {
	Role          PartnerRole
	Name          string
	Email         string
	AffiliateCode string // generated when empty
}

// Enroll creates an ACTIVE partner. Only back-office actors enroll partners.
func (d *Directory) Enroll(ctx context.Context, in EnrollInput, actor Actor) (*Partner, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "enroll partners", "back-office only")
	}
	if in.Role != RoleManager && in.Role != RoleAgent {
		return nil, invalid("role", "must be MANAGER or AGENT")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name", "is required")
	}

	now := d.clock()
	p := Partner{
		ID:            PartnerID(uuid.NewString()),
		Role:          in.Role,
		Status:        PartnerActive,
		AffiliateCode: strings.ToUpper(strings.TrimSpace(in.AffiliateCode)),
		Name:          strings.TrimSpace(in.Name),
		Email:         strings.TrimSpace(in.Email),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.AffiliateCode == "" {
		p.AffiliateCode = affiliateCode(p.Role)
	}

	err := d.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreatePartner(ctx, p); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return invalid("affiliate_code", fmt.Sprintf("%s is already taken", p.AffiliateCode))
			}
			return err
		}
		return Record(ctx, tx, now, AuditPartnerEnrolled, string(p.ID), actor, map[string]any{
			"role": string(p.Role), "affiliate_code": p.AffiliateCode,
		})
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("partner enrolled", "partner_id", p.ID, "role", p.Role)
	return &p, nil
}

func affiliateCode(role PartnerRole) string {
	prefix := "AG"
	if role == RoleManager {
		prefix = "BM"
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(raw[:8])
}

// Recruit places an agent under a manager. The manager itself or a
// back-office actor may recruit.
func (d *Directory) Recruit(ctx context.Context, managerID, agentID PartnerID, actor Actor) (*Relation, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() && !actor.IsPartner(managerID) {
		return nil, unauthorized(actor, "recruit agents", "only the manager or back office may recruit")
	}

	var rel Relation
	err := d.store.WithTx(ctx, func(tx Store) error {
		r, err := d.startRelation(ctx, tx, managerID, agentID, actor)
		if err != nil {
			return err
		}
		rel = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("agent recruited", "manager_id", managerID, "agent_id", agentID)
	return &rel, nil
}

// Release ends the agent's active relation. The agent's current manager or a
// back-office actor may release.
func (d *Directory) Release(ctx context.Context, agentID PartnerID, actor Actor) (*Relation, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var ended Relation
	err := d.store.WithTx(ctx, func(tx Store) error {
		rel, err := tx.ActiveRelationForAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if rel == nil {
			return invalid("agent_id", fmt.Sprintf("agent %s has no active manager", agentID))
		}
		if !actor.IsPrivileged() && !actor.IsPartner(rel.ManagerID) {
			return unauthorized(actor, "release agent "+string(agentID), "only the current manager or back office may release")
		}
		r, err := d.endRelation(ctx, tx, *rel, actor, "released")
		if err != nil {
			return err
		}
		ended = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("agent released", "agent_id", agentID, "manager_id", ended.ManagerID)
	return &ended, nil
}

// Transfer moves an agent to another manager in one unit of work. Leads keep
// their stored manager; ownership follows the new relation at read time.
func (d *Directory) Transfer(ctx context.Context, agentID, newManagerID PartnerID, actor Actor) (*Relation, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "transfer agents", "back-office only")
	}

	var rel Relation
	err := d.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.ActiveRelationForAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if current != nil {
			if current.ManagerID == newManagerID {
				return invalid("manager_id", fmt.Sprintf("agent %s already reports to %s", agentID, newManagerID))
			}
			if _, err := d.endRelation(ctx, tx, *current, actor, "transferred"); err != nil {
				return err
			}
		}
		r, err := d.startRelation(ctx, tx, newManagerID, agentID, actor)
		if err != nil {
			return err
		}
		rel = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("agent transferred", "agent_id", agentID, "manager_id", newManagerID)
	return &rel, nil
}

func (d *Directory) startRelation(ctx context.Context, tx Store, managerID, agentID PartnerID, actor Actor) (*Relation, error) {
	manager, err := getPartner(ctx, tx, managerID)
	if err != nil {
		return nil, err
	}
	agent, err := getPartner(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if manager.Role != RoleManager {
		return nil, invalid("manager_id", fmt.Sprintf("partner %s is not a manager", managerID))
	}
	if agent.Role != RoleAgent {
		return nil, invalid("agent_id", fmt.Sprintf("partner %s is not an agent", agentID))
	}
	if !manager.IsActive() {
		return nil, invalid("manager_id", fmt.Sprintf("manager %s is inactive", managerID))
	}
	if !agent.IsActive() {
		return nil, invalid("agent_id", fmt.Sprintf("agent %s is inactive", agentID))
	}

	now := d.clock()
	rel := Relation{
		ID:          RelationID(uuid.NewString()),
		ManagerID:   managerID,
		AgentID:     agentID,
		Status:      RelationActive,
		ConnectedAt: now,
	}
	if err := tx.CreateRelation(ctx, rel); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, invalid("agent_id", fmt.Sprintf("agent %s already reports to a manager", agentID))
		}
		return nil, err
	}
	if err := Record(ctx, tx, now, AuditRelationStarted, string(rel.ID), actor, map[string]any{
		"manager_id": string(managerID), "agent_id": string(agentID),
	}); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (d *Directory) endRelation(ctx context.Context, tx Store, rel Relation, actor Actor, reason string) (*Relation, error) {
	now := d.clock()
	ok, err := tx.EndRelation(ctx, rel.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("end relation %s: %w", rel.ID, ErrConcurrentModification)
	}
	if err := Record(ctx, tx, now, AuditRelationEnded, string(rel.ID), actor, map[string]any{
		"manager_id": string(rel.ManagerID), "agent_id": string(rel.AgentID), "reason": reason,
	}); err != nil {
		return nil, err
	}
	rel.Status = RelationEnded
	rel.DisconnectedAt = &now
	return &rel, nil
}
