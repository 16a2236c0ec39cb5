/*
ownership.go - Read-time ownership resolution

PURPOSE:
  Decides which partner currently has rights over a customer. Consulted
  before every privileged partner action (sale submission, lead updates).

ALGORITHM:
  1. Normalize the phone number to E.164
  2. Take the most recently created lead for that phone that is not LOST
  3. Lead held by an agent: the agent owns it, and the manager is whoever
     the agent reports to NOW (the lead's stored manager may be stale)
  4. Lead held only by a manager: the manager owns it
  5. No lead, or a lead recovered to headquarters: NONE

  Ownership is never cached. Moving an agent between managers changes
  the answer for every one of the agent's customers immediately.

SEE ALSO:
  - directory.go: the relations followed in step 3
  - lead.go: lead capture
*/
package affiliate

import (
	"context"
	"fmt"

	"github.com/warp/affiliate-engine/phone"
)

type OwnershipResolver struct {
	*core
	Region string
}

// NormalizePhone returns the E.164 lookup key for raw.
func (r *OwnershipResolver) NormalizePhone(raw string) (string, error) {
	p, err := phone.Normalize(raw, r.Region)
	if err != nil {
		return "", invalid("phone", err.Error())
	}
	return p, nil
}

// ResolveOwnership returns the customer's current owner.
func (r *OwnershipResolver) ResolveOwnership(ctx context.Context, id CustomerIdentity) (Ownership, error) {
	return r.resolve(ctx, r.store, id)
}

func (r *OwnershipResolver) resolve(ctx context.Context, s Store, id CustomerIdentity) (Ownership, error) {
	key, err := r.NormalizePhone(id.Phone)
	if err != nil {
		return Ownership{}, err
	}
	leads, err := s.LeadsByPhone(ctx, key)
	if err != nil {
		return Ownership{}, fmt.Errorf("load leads for %s: %w", key, err)
	}
	for _, l := range leads {
		if l.Status == LeadLost {
			continue
		}
		return leadOwnership(ctx, s, l)
	}
	return Ownership{Type: OwnerNone}, nil
}

// leadOwnership derives the owner of a single lead from current relations.
func leadOwnership(ctx context.Context, s PartnerStore, l Lead) (Ownership, error) {
	own := Ownership{Type: OwnerNone, LeadID: ptr(l.ID)}
	switch {
	case l.AgentID != nil:
		own.Type = OwnerAgent
		own.AgentID = ptr(*l.AgentID)
		rel, err := s.ActiveRelationForAgent(ctx, *l.AgentID)
		if err != nil {
			return Ownership{}, fmt.Errorf("load relation for agent %s: %w", *l.AgentID, err)
		}
		if rel != nil {
			own.ManagerID = ptr(rel.ManagerID)
		}
	case l.ManagerID != nil:
		own.Type = OwnerManager
		own.ManagerID = ptr(*l.ManagerID)
	}
	return own, nil
}

// Holds reports whether the partner is the owning agent or the derived
// owning manager.
func (o Ownership) Holds(id PartnerID) bool {
	return (o.AgentID != nil && *o.AgentID == id) || (o.ManagerID != nil && *o.ManagerID == id)
}

// Authorize allows back-office actors, the owning agent and the owning
// manager to act on the customer. Everyone else gets UnauthorizedError.
func (r *OwnershipResolver) Authorize(ctx context.Context, actor Actor, id CustomerIdentity) error {
	return r.authorize(ctx, r.store, actor, id, "act on customer")
}

func (r *OwnershipResolver) authorize(ctx context.Context, s Store, actor Actor, id CustomerIdentity, action string) error {
	if err := actor.validate(); err != nil {
		return err
	}
	if actor.IsPrivileged() {
		return nil
	}
	if err := requireActive(ctx, s, actor, action); err != nil {
		return err
	}
	own, err := r.resolve(ctx, s, id)
	if err != nil {
		return err
	}
	if own.Holds(PartnerID(actor.ID)) {
		return nil
	}
	if own.Type == OwnerNone {
		return unauthorized(actor, action, "customer belongs to headquarters")
	}
	return unauthorized(actor, action, "customer is owned by another partner")
}
