/*
sale.go - Sale approval state machine

PURPOSE:
  Moves a single sale from recording to payout. Every transition runs in
  one unit of work that carries the status change, the ledger entries (on
  approval), the audit record and the outbox notification.

STATE MACHINE:
  PENDING ──submit──> PENDING_APPROVAL ──approve──> APPROVED ──settle──> CONFIRMED
                        │        ^                     │                     │
                      reject     └──submit── REJECTED  └──────refund──────┬──┘
                        └───────────────────> REJECTED                REFUNDED

  REJECTED -> PENDING_APPROVAL is the only back edge, and the only way a
  rejected sale can ever reach APPROVED.

AT MOST ONE PENDING:
  Transitions are compare-and-swap on the stored status (UpdateSaleIf).
  When two submissions race, one wins and the other sees AlreadySubmitted;
  when two decisions race, the loser sees AlreadyDecided.

AUTHORIZATION:
  - Submit: the sale's agent, the sale's manager (recorded or current), or
    the customer's current owner per the ownership resolver
  - Decide: an ADMIN actor who did not submit the evidence
  - Refund / settle: back office or the payout job (SYSTEM)

SEE ALSO:
  - commission.go: the split materialized on approval
  - ownership.go: submitter authorization
*/
package affiliate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SaleService struct {
	*core
	resolver   *OwnershipResolver
	calculator *CommissionCalculator
}

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

type SaleInput struct {
	ProductID     string
	CabinType     string
	FareCategory  string
	SaleAmount    Amount
	CostAmount    Amount
	CustomerName  string
	CustomerPhone string
	AgentID       *PartnerID
	ManagerID     *PartnerID
	SoldAt        time.Time // defaults to now
}

// =============================================================================
// RECORD
// =============================================================================

// RecordSale creates a PENDING sale. A partner may only record sales
// attributed to itself; an agent's manager comes from its active relation.
func (s *SaleService) RecordSale(ctx context.Context, in SaleInput, actor Actor) (*Sale, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ProductID) == "" {
		return nil, invalid("product_id", "is required")
	}
	if strings.TrimSpace(in.CabinType) == "" {
		return nil, invalid("cabin_type", "is required")
	}
	if strings.TrimSpace(in.FareCategory) == "" {
		return nil, invalid("fare_category", "is required")
	}
	if in.SaleAmount.IsNegative() {
		return nil, invalid("sale_amount", "must not be negative")
	}
	if in.CostAmount.IsNegative() {
		return nil, invalid("cost_amount", "must not be negative")
	}

	now := s.clock()
	sale := Sale{
		ID:           SaleID(uuid.NewString()),
		ProductID:    strings.TrimSpace(in.ProductID),
		CabinType:    strings.TrimSpace(in.CabinType),
		FareCategory: strings.TrimSpace(in.FareCategory),
		SaleAmount:   in.SaleAmount,
		CostAmount:   in.CostAmount,
		CustomerName: strings.TrimSpace(in.CustomerName),
		Status:       SalePending,
		SoldAt:       in.SoldAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sale.SoldAt.IsZero() {
		sale.SoldAt = now
	}
	if strings.TrimSpace(in.CustomerPhone) != "" {
		key, err := s.resolver.NormalizePhone(in.CustomerPhone)
		if err != nil {
			return nil, err
		}
		sale.CustomerPhone = key
	}

	err := s.store.WithTx(ctx, func(tx Store) error {
		agentID, managerID, err := attribute(ctx, tx, in.AgentID, in.ManagerID)
		if err != nil {
			return err
		}
		if !actor.IsPrivileged() {
			if err := requireActive(ctx, tx, actor, "record sales"); err != nil {
				return err
			}
			self := PartnerID(actor.ID)
			if (agentID == nil || *agentID != self) && (managerID == nil || *managerID != self) {
				return unauthorized(actor, "record sales", "partners record only their own sales")
			}
		}
		sale.AgentID, sale.ManagerID = agentID, managerID

		if err := tx.CreateSale(ctx, sale); err != nil {
			return err
		}
		return Record(ctx, tx, now, AuditSaleRecorded, string(sale.ID), actor, map[string]any{
			"product_id":    sale.ProductID,
			"cabin_type":    sale.CabinType,
			"fare_category": sale.FareCategory,
			"sale_amount":   sale.SaleAmount.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SaleTransition(SalePending)
	return &sale, nil
}

// =============================================================================
// SUBMIT EVIDENCE
// =============================================================================

// SubmitEvidence moves a PENDING or REJECTED sale to PENDING_APPROVAL.
func (s *SaleService) SubmitEvidence(ctx context.Context, id SaleID, evidenceRef, evidenceType string, actor Actor) (*Sale, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	evidenceRef, evidenceType = strings.TrimSpace(evidenceRef), strings.TrimSpace(evidenceType)
	if evidenceRef == "" {
		return nil, invalid("evidence_ref", "is required")
	}
	if evidenceType == "" {
		return nil, invalid("evidence_type", "is required")
	}

	var out Sale
	err := s.store.WithTx(ctx, func(tx Store) error {
		sale, err := loadSale(ctx, tx, id)
		if err != nil {
			return err
		}
		if sale.Status != SalePending && sale.Status != SaleRejected {
			return submitConflict(*sale)
		}
		if err := s.authorizeSubmitter(ctx, tx, *sale, actor); err != nil {
			return err
		}

		now := s.clock()
		next := *sale
		next.Status = SalePendingApproval
		next.EvidenceRef = evidenceRef
		next.EvidenceType = evidenceType
		next.SubmittedBy = actor.ID
		next.SubmittedAt = &now
		next.DecidedBy = ""
		next.RejectionReason = ""
		next.UpdatedAt = now

		ok, err := tx.UpdateSaleIf(ctx, next, sale.Status)
		if err != nil {
			return err
		}
		if !ok {
			return s.reclassify(ctx, tx, id, submitConflict)
		}

		if err := Record(ctx, tx, now, AuditSaleSubmitted, string(id), actor, map[string]any{
			"evidence_ref":  evidenceRef,
			"evidence_type": evidenceType,
			"resubmission":  sale.Status == SaleRejected,
		}); err != nil {
			return err
		}
		if err := enqueue(ctx, tx, now, NotifySaleSubmitted, string(id), nil, map[string]string{
			"sale_id": string(id), "evidence_type": evidenceType,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SaleTransition(SalePendingApproval)
	s.logger.Info("sale evidence submitted", "sale_id", id, "actor", actor.ID)
	s.afterCommit(ctx)
	return &out, nil
}

// authorizeSubmitter admits the sale's agent, the agent's current manager,
// the manager of a manager-direct sale, or the customer's current owner. The
// manager stored on an agent sale is not trusted: it goes stale on transfer.
func (s *SaleService) authorizeSubmitter(ctx context.Context, tx Store, sale Sale, actor Actor) error {
	if actor.IsPrivileged() {
		return nil
	}
	action := "submit evidence for sale " + string(sale.ID)
	if err := requireActive(ctx, tx, actor, action); err != nil {
		return err
	}
	self := PartnerID(actor.ID)
	if sale.AgentID != nil {
		if *sale.AgentID == self {
			return nil
		}
		rel, err := tx.ActiveRelationForAgent(ctx, *sale.AgentID)
		if err != nil {
			return err
		}
		if rel != nil && rel.ManagerID == self {
			return nil
		}
	} else if sale.ManagerID != nil && *sale.ManagerID == self {
		return nil
	}
	if sale.CustomerPhone != "" {
		return s.resolver.authorize(ctx, tx, actor, CustomerIdentity{Name: sale.CustomerName, Phone: sale.CustomerPhone}, action)
	}
	return unauthorized(actor, action, "sale is attributed to another partner")
}

func submitConflict(sale Sale) error {
	te := &TransitionError{Entity: "sale", ID: string(sale.ID), From: string(sale.Status), Action: "submit evidence for"}
	switch sale.Status {
	case SalePendingApproval:
		te.Kind = ErrAlreadySubmitted
	case SaleApproved, SaleConfirmed:
		te.Kind = ErrAlreadyDecided
	case SalePending, SaleRejected:
		return fmt.Errorf("sale %s: %w", sale.ID, ErrConcurrentModification)
	}
	return te
}

// =============================================================================
// DECIDE
// =============================================================================

// Approve is Decide with DecisionApprove.
func (s *SaleService) Approve(ctx context.Context, id SaleID, actor Actor) (*Sale, error) {
	return s.Decide(ctx, id, DecisionApprove, "", actor)
}

// Reject is Decide with DecisionReject. reason is mandatory.
func (s *SaleService) Reject(ctx context.Context, id SaleID, reason string, actor Actor) (*Sale, error) {
	return s.Decide(ctx, id, DecisionReject, reason, actor)
}

// Decide approves or rejects a PENDING_APPROVAL sale. Approval books the
// commission ledger entries in the same unit of work.
func (s *SaleService) Decide(ctx context.Context, id SaleID, decision Decision, reason string, actor Actor) (*Sale, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if actor.Kind != ActorAdmin {
		return nil, unauthorized(actor, "review sales", "only back-office reviewers decide sales")
	}
	reason = strings.TrimSpace(reason)
	switch decision {
	case DecisionApprove:
	case DecisionReject:
		if reason == "" {
			return nil, invalid("reason", "a rejection reason is required")
		}
	default:
		return nil, invalid("decision", "must be APPROVE or REJECT")
	}

	var (
		out     Sale
		entries []LedgerEntry
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		sale, err := loadSale(ctx, tx, id)
		if err != nil {
			return err
		}
		if sale.Status != SalePendingApproval {
			return decideConflict(*sale)
		}
		if sale.SubmittedBy == actor.ID {
			return unauthorized(actor, "review sale "+string(id), "reviewers cannot decide their own submission")
		}

		now := s.clock()
		next := *sale
		next.DecidedBy = actor.ID
		next.UpdatedAt = now

		var split *Split
		if decision == DecisionApprove {
			split, err = s.calculator.Split(ctx, tx, *sale)
			if err != nil {
				return err
			}
			entries = split.Entries(*sale, now)
			if err := checkBalanced(entries, split.Tier); err != nil {
				return err
			}
			next.Status = SaleApproved
			next.ApprovedAt = &now
		} else {
			next.Status = SaleRejected
			next.RejectedAt = &now
			next.RejectionReason = reason
		}

		ok, err := tx.UpdateSaleIf(ctx, next, SalePendingApproval)
		if err != nil {
			return err
		}
		if !ok {
			return s.reclassify(ctx, tx, id, decideConflict)
		}

		if decision == DecisionApprove {
			if err := tx.AppendLedgerEntries(ctx, entries); err != nil {
				return fmt.Errorf("book commission for sale %s: %w", id, err)
			}
			if err := Record(ctx, tx, now, AuditSaleApproved, string(id), actor, map[string]any{
				"tier_id":  string(split.Tier.ID),
				"hq":       split.HQ.String(),
				"manager":  split.Manager.String(),
				"agent":    split.Agent.String(),
				"override": split.Override.String(),
			}); err != nil {
				return err
			}
		} else {
			if err := Record(ctx, tx, now, AuditSaleRejected, string(id), actor, map[string]any{
				"reason": reason,
			}); err != nil {
				return err
			}
		}

		kind := NotifySaleApproved
		if decision == DecisionReject {
			kind = NotifySaleRejected
		}
		if err := notifySaleParties(ctx, tx, now, kind, next, map[string]string{
			"sale_id": string(id), "status": string(next.Status), "reason": reason,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SaleTransition(out.Status)
	for _, e := range entries {
		s.metrics.CommissionBooked(e.Beneficiary, e.Amount)
	}
	s.logger.Info("sale decided", "sale_id", id, "status", out.Status, "reviewer", actor.ID, "entries", len(entries))
	s.afterCommit(ctx)
	return &out, nil
}

func decideConflict(sale Sale) error {
	te := &TransitionError{Entity: "sale", ID: string(sale.ID), From: string(sale.Status), Action: "decide"}
	switch sale.Status {
	case SalePendingApproval:
		return fmt.Errorf("sale %s: %w", sale.ID, ErrConcurrentModification)
	case SalePending:
	default:
		te.Kind = ErrAlreadyDecided
	}
	return te
}

// reclassify re-reads a sale after a lost compare-and-swap so the caller
// sees why it lost.
func (s *SaleService) reclassify(ctx context.Context, tx Store, id SaleID, classify func(Sale) error) error {
	current, err := loadSale(ctx, tx, id)
	if err != nil {
		return err
	}
	return classify(*current)
}

// =============================================================================
// REFUND & SETTLE
// =============================================================================

// Refund marks an APPROVED or CONFIRMED sale REFUNDED. Ledger entries stay;
// reversals belong to the settlement job.
func (s *SaleService) Refund(ctx context.Context, id SaleID, reason string, actor Actor) (*Sale, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "refund sales", "back-office only")
	}

	var out Sale
	err := s.store.WithTx(ctx, func(tx Store) error {
		sale, err := loadSale(ctx, tx, id)
		if err != nil {
			return err
		}
		if sale.Status != SaleApproved && sale.Status != SaleConfirmed {
			return &TransitionError{Entity: "sale", ID: string(id), From: string(sale.Status), Action: "refund"}
		}

		now := s.clock()
		next := *sale
		next.Status = SaleRefunded
		next.RefundedAt = &now
		next.UpdatedAt = now
		ok, err := tx.UpdateSaleIf(ctx, next, sale.Status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("refund sale %s: %w", id, ErrConcurrentModification)
		}
		if err := Record(ctx, tx, now, AuditSaleRefunded, string(id), actor, map[string]any{
			"from": string(sale.Status), "reason": strings.TrimSpace(reason),
		}); err != nil {
			return err
		}
		if err := notifySaleParties(ctx, tx, now, NotifySaleRefunded, next, map[string]string{
			"sale_id": string(id), "reason": strings.TrimSpace(reason),
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SaleTransition(SaleRefunded)
	s.afterCommit(ctx)
	return &out, nil
}

// Settle is the payout job's entry point: it flips the sale's ledger entries
// to settled and moves the sale from APPROVED to CONFIRMED.
func (s *SaleService) Settle(ctx context.Context, id SaleID, actor Actor) (*Sale, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() {
		return nil, unauthorized(actor, "settle sales", "payout job or back office only")
	}

	var out Sale
	err := s.store.WithTx(ctx, func(tx Store) error {
		sale, err := loadSale(ctx, tx, id)
		if err != nil {
			return err
		}
		if sale.Status != SaleApproved {
			return &TransitionError{Entity: "sale", ID: string(id), From: string(sale.Status), Action: "settle"}
		}

		now := s.clock()
		next := *sale
		next.Status = SaleConfirmed
		next.ConfirmedAt = &now
		next.UpdatedAt = now
		ok, err := tx.UpdateSaleIf(ctx, next, SaleApproved)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("settle sale %s: %w", id, ErrConcurrentModification)
		}
		n, err := tx.MarkLedgerSettled(ctx, id, now)
		if err != nil {
			return err
		}
		if err := Record(ctx, tx, now, AuditSaleSettled, string(id), actor, map[string]any{
			"entries_settled": n,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SaleTransition(SaleConfirmed)
	return &out, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *SaleService) GetSale(ctx context.Context, id SaleID) (*Sale, error) {
	return loadSale(ctx, s.store, id)
}

func (s *SaleService) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	return s.store.ListSales(ctx, filter)
}

// Preview computes the split a sale would get if approved now, without
// writing anything.
func (s *SaleService) Preview(ctx context.Context, id SaleID) (*Split, error) {
	sale, err := loadSale(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	return s.calculator.Split(ctx, s.store, *sale)
}

// LedgerEntries is a read-only ledger query.
func (s *SaleService) LedgerEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	return s.store.LedgerEntries(ctx, filter)
}

func loadSale(ctx context.Context, s SaleStore, id SaleID) (*Sale, error) {
	sale, err := s.GetSale(ctx, id)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, notFound("sale", string(id))
	}
	return sale, nil
}

// notifySaleParties enqueues one notification per attributed partner, or a
// single headquarters notification for an unattributed sale.
func notifySaleParties(ctx context.Context, tx Outbox, at time.Time, kind NotificationKind, sale Sale, payload map[string]string) error {
	var recipients []*PartnerID
	if sale.AgentID != nil {
		recipients = append(recipients, sale.AgentID)
	}
	if sale.ManagerID != nil {
		recipients = append(recipients, sale.ManagerID)
	}
	if len(recipients) == 0 {
		recipients = append(recipients, nil)
	}
	for _, r := range recipients {
		if err := enqueue(ctx, tx, at, kind, string(sale.ID), r, payload); err != nil {
			return err
		}
	}
	return nil
}
