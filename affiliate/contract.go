/*
contract.go - Contract renewal and termination orchestration

PURPOSE:
  Walks a partner's enrollment contract through its lifecycle and, on
  termination, triggers recovery of the partner's customers.

STATE MACHINE:
  DRAFT -> PENDING_SIGNATURE -> COMPLETED -> RENEWAL_PENDING -> COMPLETED (renewed)
                                    │               │
                                    └───────────────┴──> TERMINATED (terminal)

RENEWAL DATE:
  On approval the new renewal date is the current one plus a year if the
  current one is still in the future, otherwise today plus a year. A late
  renewal neither loses time nor compounds from a stale date.
    current 2025-01-01, today 2025-06-01 -> 2026-06-01
    current 2025-12-01, today 2025-06-01 -> 2026-12-01

TERMINATION:
  1. One unit of work commits the TERMINATED status, the reason, the
     partner going INACTIVE, the audit record and the notification.
  2. Manager: recovery runs right away in a second unit of work. If it
     fails, the termination stays committed, DBRecovered stays false and
     the failure is returned in TerminationResult.RecoveryErr.
  3. Agent: RecoveryDueAt is set one recovery delay later and the
     scheduled sweep (RecoverDue) picks it up.

SEE ALSO:
  - recovery.go: the recovery procedure and sweep
*/
package affiliate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ContractService struct {
	*core
	RecoveryDelay time.Duration
	RenewalWindow time.Duration
}

// TerminationResult carries the committed contract and, for managers, the
// outcome of the immediate recovery. RecoveryErr does not mean the
// termination failed.
type TerminationResult struct {
	Contract    Contract
	Recovery    *RecoveryReport
	RecoveryErr error
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// CreateContract opens a DRAFT contract for a partner.
func (s *ContractService) CreateContract(ctx context.Context, partnerID PartnerID, actor Actor) (*Contract, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "create contracts", "back-office only")
	}

	now := s.clock()
	c := Contract{
		ID:        ContractID(uuid.NewString()),
		PartnerID: partnerID,
		Status:    ContractDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithTx(ctx, func(tx Store) error {
		if _, err := getPartner(ctx, tx, partnerID); err != nil {
			return err
		}
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}
		return Record(ctx, tx, now, AuditContractCreated, string(c.ID), actor, map[string]any{
			"partner_id": string(partnerID),
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ContractTransition(ContractDraft)
	return &c, nil
}

// SendForSignature moves a DRAFT contract to PENDING_SIGNATURE.
func (s *ContractService) SendForSignature(ctx context.Context, id ContractID, actor Actor) (*Contract, error) {
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "send contracts", "back-office only")
	}
	return s.transition(ctx, id, actor, transitionSpec{
		action: "send for signature",
		from:   []ContractStatus{ContractDraft},
		audit:  AuditContractSent,
		notify: NotifyContractSent,
		apply: func(c *Contract, now time.Time) map[string]any {
			c.Status = ContractPendingSignature
			return nil
		},
	})
}

// CompleteSignature activates the contract. The first renewal date is one
// year after the signing date.
func (s *ContractService) CompleteSignature(ctx context.Context, id ContractID, signedAt time.Time, actor Actor) (*Contract, error) {
	return s.transition(ctx, id, actor, transitionSpec{
		action:       "sign",
		from:         []ContractStatus{ContractPendingSignature},
		partnerMayDo: true,
		audit:        AuditContractSigned,
		apply: func(c *Contract, now time.Time) map[string]any {
			if signedAt.IsZero() {
				signedAt = now
			}
			signed := signedAt.UTC()
			renewal := AddYears(DateOf(signed), 1)
			c.Status = ContractCompleted
			c.SignedAt = &signed
			c.RenewalDate = &renewal
			return map[string]any{"renewal_date": renewal.Format(DateLayout)}
		},
	})
}

// RequestRenewal opens the renewal window on a COMPLETED contract.
func (s *ContractService) RequestRenewal(ctx context.Context, id ContractID, actor Actor) (*Contract, error) {
	return s.transition(ctx, id, actor, transitionSpec{
		action:       "request renewal of",
		from:         []ContractStatus{ContractCompleted},
		partnerMayDo: true,
		audit:        AuditContractRenewalRequested,
		notify:       NotifyRenewalDue,
		apply: func(c *Contract, now time.Time) map[string]any {
			c.Status = ContractRenewalPending
			return nil
		},
	})
}

// OpenRenewalWindows moves every COMPLETED contract renewing within the
// renewal window into RENEWAL_PENDING. Returns how many moved.
func (s *ContractService) OpenRenewalWindows(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ContractsForRenewal(ctx, now.Add(s.RenewalWindow))
	if err != nil {
		return 0, fmt.Errorf("load contracts for renewal: %w", err)
	}
	opened := 0
	for _, c := range due {
		if _, err := s.RequestRenewal(ctx, c.ID, SystemActor); err != nil {
			if IsConflict(err) {
				continue
			}
			return opened, err
		}
		opened++
	}
	if opened > 0 {
		s.logger.Info("renewal windows opened", "count", opened)
	}
	return opened, nil
}

// ApproveRenewal extends a RENEWAL_PENDING contract by a year.
func (s *ContractService) ApproveRenewal(ctx context.Context, id ContractID, actor Actor) (*Contract, error) {
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "approve renewals", "back-office only")
	}
	return s.transition(ctx, id, actor, transitionSpec{
		action: "renew",
		from:   []ContractStatus{ContractRenewalPending},
		audit:  AuditContractRenewed,
		notify: NotifyRenewalApproved,
		apply: func(c *Contract, now time.Time) map[string]any {
			previous := ""
			if c.RenewalDate != nil {
				previous = c.RenewalDate.Format(DateLayout)
			}
			next := NextRenewalDate(c.RenewalDate, now)
			c.Status = ContractCompleted
			c.RenewalDate = &next
			c.RenewedAt = &now
			c.RenewalCount++
			return map[string]any{"previous_renewal_date": previous, "renewal_date": next.Format(DateLayout)}
		},
	})
}

// RejectRenewal terminates a RENEWAL_PENDING contract.
func (s *ContractService) RejectRenewal(ctx context.Context, id ContractID, reason string, actor Actor) (*TerminationResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "renewal rejected"
	}
	return s.terminate(ctx, id, reason, actor, []ContractStatus{ContractRenewalPending}, NotifyRenewalRejected)
}

// Terminate ends an active (COMPLETED or RENEWAL_PENDING) contract.
func (s *ContractService) Terminate(ctx context.Context, id ContractID, reason string, actor Actor) (*TerminationResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "a termination reason is required")
	}
	return s.terminate(ctx, id, reason, actor,
		[]ContractStatus{ContractCompleted, ContractRenewalPending},
		NotifyContractTerminated)
}

func (s *ContractService) terminate(ctx context.Context, id ContractID, reason string, actor Actor, from []ContractStatus, kind NotificationKind) (*TerminationResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "terminate contracts", "back-office only")
	}

	var (
		out  Contract
		role PartnerRole
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		c, err := loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		if !statusIn(c.Status, from) {
			return &TransitionError{Entity: "contract", ID: string(id), From: string(c.Status), Action: "terminate"}
		}
		partner, err := getPartner(ctx, tx, c.PartnerID)
		if err != nil {
			return err
		}
		role = partner.Role

		now := s.clock()
		next := *c
		next.Status = ContractTerminated
		next.TerminatedAt = &now
		next.TerminationReason = reason
		next.UpdatedAt = now
		if partner.Role == RoleManager {
			// due immediately so the sweep retries a failed immediate recovery
			next.RecoveryDueAt = &now
		} else {
			next.RecoveryDueAt = timePtr(now.Add(s.RecoveryDelay))
		}

		ok, err := tx.UpdateContractIf(ctx, next, c.Status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("terminate contract %s: %w", id, ErrConcurrentModification)
		}
		if err := tx.UpdatePartnerStatus(ctx, partner.ID, PartnerInactive, now); err != nil {
			return err
		}
		if err := Record(ctx, tx, now, AuditContractTerminated, string(id), actor, map[string]any{
			"partner_id":      string(partner.ID),
			"role":            string(partner.Role),
			"reason":          reason,
			"recovery_due_at": next.RecoveryDueAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
		if err := enqueue(ctx, tx, now, kind, string(id), ptr(partner.ID), map[string]string{
			"contract_id": string(id), "reason": reason,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ContractTransition(ContractTerminated)
	s.logger.Info("contract terminated", "contract_id", id, "partner_id", out.PartnerID, "role", role)

	result := &TerminationResult{Contract: out}
	if role == RoleManager {
		report, err := s.recover(ctx, out, actor)
		if err != nil {
			result.RecoveryErr = err
		} else {
			result.Recovery = report
			if c, err := loadContract(ctx, s.store, id); err == nil {
				result.Contract = *c
			}
		}
	}
	s.afterCommit(ctx)
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *ContractService) GetContract(ctx context.Context, id ContractID) (*Contract, error) {
	return loadContract(ctx, s.store, id)
}

func (s *ContractService) ContractsForPartner(ctx context.Context, partnerID PartnerID) ([]Contract, error) {
	return s.store.ContractsForPartner(ctx, partnerID)
}

// =============================================================================
// TRANSITION HELPER
// =============================================================================

type transitionSpec struct {
	action       string
	from         []ContractStatus
	partnerMayDo bool // the contract's own partner may trigger it
	audit        AuditAction
	notify       NotificationKind // empty for none
	apply        func(c *Contract, now time.Time) map[string]any
}

func (s *ContractService) transition(ctx context.Context, id ContractID, actor Actor, spec transitionSpec) (*Contract, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var out Contract
	err := s.store.WithTx(ctx, func(tx Store) error {
		c, err := loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		if !actor.IsPrivileged() && !(spec.partnerMayDo && actor.IsPartner(c.PartnerID)) {
			return unauthorized(actor, spec.action+" contract "+string(id), "not the contract's partner")
		}
		if !statusIn(c.Status, spec.from) {
			return &TransitionError{Entity: "contract", ID: string(id), From: string(c.Status), Action: spec.action}
		}

		now := s.clock()
		next := *c
		detail := spec.apply(&next, now)
		next.UpdatedAt = now
		if detail == nil {
			detail = map[string]any{}
		}
		detail["from"] = string(c.Status)
		detail["to"] = string(next.Status)

		ok, err := tx.UpdateContractIf(ctx, next, c.Status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s contract %s: %w", spec.action, id, ErrConcurrentModification)
		}
		if err := Record(ctx, tx, now, spec.audit, string(id), actor, detail); err != nil {
			return err
		}
		if spec.notify != "" {
			payload := map[string]string{"contract_id": string(id), "status": string(next.Status)}
			if next.RenewalDate != nil {
				payload["renewal_date"] = next.RenewalDate.Format(DateLayout)
			}
			if err := enqueue(ctx, tx, now, spec.notify, string(id), ptr(c.PartnerID), payload); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ContractTransition(out.Status)
	if spec.notify != "" {
		s.afterCommit(ctx)
	}
	return &out, nil
}

func statusIn(s ContractStatus, set []ContractStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func loadContract(ctx context.Context, s ContractStore, id ContractID) (*Contract, error) {
	c, err := s.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("contract", string(id))
	}
	return c, nil
}
