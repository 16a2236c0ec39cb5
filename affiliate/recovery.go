/*
recovery.go - Reassigning a terminated partner's customers to headquarters

PURPOSE:
  When a contract is terminated, the partner's customers go back to
  headquarters. Only ownership pointers change: no lead, sale, contract or
  document is ever deleted, and open sales are left exactly as they are.

PROCEDURE (one unit of work, all or nothing):
  1. Claim the DBRecovered guard (compare-and-swap, false -> true)
  2. Manager: leads held directly by the manager, plus leads held by any
     agent currently reporting to the manager, are re-pointed to NONE;
     every ACTIVE relation under the manager is ended
     Agent: the agent's leads are re-pointed to NONE; the agent's ACTIVE
     relation is ended
  3. Audit db_recovered and enqueue the success notification

  If any step fails the whole unit rolls back, the guard stays false, and
  a separate unit records the error, audits db_recovery_failed and
  notifies headquarters. The scheduled sweep retries it.

IDEMPOTENCY:
  A second recovery of the same contract finds the guard set and returns
  ErrRecoveryInProgressOrDone without touching anything.

SEE ALSO:
  - contract.go: termination, which triggers recovery
  - api/scheduler.go: runs RecoverDue periodically
*/
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecoveryReport describes what one recovery moved.
type RecoveryReport struct {
	ContractID     ContractID
	PartnerID      PartnerID
	Role           PartnerRole
	LeadsMoved     []LeadID
	RelationsEnded []RelationID
	At             time.Time
}

// RecoverySweep summarizes one RecoverDue run.
type RecoverySweep struct {
	Recovered int
	Failed    int
	Skipped   int
}

// RecoverManagerNow runs recovery for a terminated contract immediately.
// It is the manual retry for a failed manager recovery and also serves as
// an operator override for an agent whose delay has not elapsed.
func (s *ContractService) RecoverManagerNow(ctx context.Context, id ContractID, actor Actor) (*RecoveryReport, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "recover partner data", "back-office only")
	}
	c, err := loadContract(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ContractTerminated {
		return nil, &TransitionError{Entity: "contract", ID: string(id), From: string(c.Status), Action: "recover"}
	}
	if c.DBRecovered {
		return nil, fmt.Errorf("contract %s: %w", id, ErrRecoveryInProgressOrDone)
	}
	report, err := s.recover(ctx, *c, actor)
	s.afterCommit(ctx)
	return report, err
}

// RecoverDue recovers every terminated contract whose recovery is due.
// Each contract recovers in its own unit of work; a failure on one does
// not stop the others.
func (s *ContractService) RecoverDue(ctx context.Context, now time.Time) (RecoverySweep, error) {
	var sweep RecoverySweep
	due, err := s.store.ContractsDueForRecovery(ctx, now)
	if err != nil {
		return sweep, fmt.Errorf("load contracts due for recovery: %w", err)
	}
	for _, c := range due {
		_, err := s.recover(ctx, c, SystemActor)
		switch {
		case err == nil:
			sweep.Recovered++
		case errors.Is(err, ErrRecoveryInProgressOrDone):
			sweep.Skipped++
		default:
			sweep.Failed++
		}
	}
	if len(due) > 0 {
		s.logger.Info("recovery sweep finished",
			"recovered", sweep.Recovered, "failed", sweep.Failed, "skipped", sweep.Skipped)
		s.afterCommit(ctx)
	}
	return sweep, nil
}

func (s *ContractService) recover(ctx context.Context, c Contract, actor Actor) (*RecoveryReport, error) {
	now := s.clock()
	report := RecoveryReport{ContractID: c.ID, PartnerID: c.PartnerID, At: now}

	err := s.store.WithTx(ctx, func(tx Store) error {
		claimed, err := tx.ClaimRecovery(ctx, c.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return fmt.Errorf("contract %s: %w", c.ID, ErrRecoveryInProgressOrDone)
		}

		partner, err := getPartner(ctx, tx, c.PartnerID)
		if err != nil {
			return err
		}
		report.Role = partner.Role

		var (
			rels []Relation
			sel  = LeadReassignment{RecoveredFrom: partner.ID, At: now}
		)
		switch partner.Role {
		case RoleManager:
			rels, err = tx.ActiveRelationsForManager(ctx, partner.ID)
			if err != nil {
				return err
			}
			sel.ManagerID = ptr(partner.ID)
			for _, r := range rels {
				sel.AgentIDs = append(sel.AgentIDs, r.AgentID)
			}
		default:
			rel, err := tx.ActiveRelationForAgent(ctx, partner.ID)
			if err != nil {
				return err
			}
			if rel != nil {
				rels = append(rels, *rel)
			}
			sel.AgentIDs = []PartnerID{partner.ID}
		}

		moved, err := tx.ReassignLeadsToHQ(ctx, sel)
		if err != nil {
			return fmt.Errorf("reassign leads of %s: %w", partner.ID, err)
		}
		report.LeadsMoved = moved

		for _, r := range rels {
			ok, err := tx.EndRelation(ctx, r.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("end relation %s: %w", r.ID, ErrConcurrentModification)
			}
			report.RelationsEnded = append(report.RelationsEnded, r.ID)
			if err := Record(ctx, tx, now, AuditRelationEnded, string(r.ID), actor, map[string]any{
				"manager_id": string(r.ManagerID), "agent_id": string(r.AgentID), "reason": "recovery",
			}); err != nil {
				return err
			}
		}

		if err := Record(ctx, tx, now, AuditDBRecovered, string(c.ID), actor, map[string]any{
			"partner_id":      string(partner.ID),
			"role":            string(partner.Role),
			"leads_moved":     len(moved),
			"relations_ended": len(report.RelationsEnded),
		}); err != nil {
			return err
		}
		return enqueue(ctx, tx, now, NotifyDBRecoverySucceeded, string(c.ID), nil, map[string]string{
			"contract_id": string(c.ID),
			"partner_id":  string(partner.ID),
			"leads_moved": fmt.Sprint(len(moved)),
		})
	})
	if err != nil {
		if errors.Is(err, ErrRecoveryInProgressOrDone) {
			return nil, err
		}
		s.metrics.RecoveryFinished("failed", 0)
		s.recordFailure(ctx, c, actor, err)
		return nil, err
	}

	s.metrics.RecoveryFinished("recovered", len(report.LeadsMoved))
	s.logger.Info("partner data recovered",
		"contract_id", c.ID, "partner_id", c.PartnerID, "role", report.Role,
		"leads_moved", len(report.LeadsMoved), "relations_ended", len(report.RelationsEnded))
	return &report, nil
}

// recordFailure stores a failed attempt in its own unit of work. Errors here
// are only logged; the recovery error is what the caller sees.
func (s *ContractService) recordFailure(ctx context.Context, c Contract, actor Actor, cause error) {
	now := s.clock()
	s.logger.Error("partner data recovery failed",
		"contract_id", c.ID, "partner_id", c.PartnerID, "error", cause)

	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SetRecoveryError(ctx, c.ID, cause.Error()); err != nil {
			return err
		}
		if err := Record(ctx, tx, now, AuditDBRecoveryFailed, string(c.ID), actor, map[string]any{
			"partner_id": string(c.PartnerID), "error": cause.Error(),
		}); err != nil {
			return err
		}
		return enqueue(ctx, tx, now, NotifyDBRecoveryFailed, string(c.ID), nil, map[string]string{
			"contract_id": string(c.ID), "partner_id": string(c.PartnerID), "error": cause.Error(),
		})
	})
	if err != nil {
		s.logger.Error("failed to record recovery failure", "contract_id", c.ID, "error", err)
	}
}
