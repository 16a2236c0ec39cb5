package affiliate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG - Who did what when
// =============================================================================

type AuditAction string

const (
	AuditPartnerEnrolled          AuditAction = "partner_enrolled"
	AuditRelationStarted          AuditAction = "relation_started"
	AuditRelationEnded            AuditAction = "relation_ended"
	AuditLeadCaptured             AuditAction = "lead_captured"
	AuditLeadAdvanced             AuditAction = "lead_advanced"
	AuditSaleRecorded             AuditAction = "sale_recorded"
	AuditSaleSubmitted            AuditAction = "sale_submitted"
	AuditSaleApproved             AuditAction = "sale_approved"
	AuditSaleRejected             AuditAction = "sale_rejected"
	AuditSaleRefunded             AuditAction = "sale_refunded"
	AuditSaleSettled              AuditAction = "sale_settled"
	AuditContractCreated          AuditAction = "contract_created"
	AuditContractSent             AuditAction = "contract_sent"
	AuditContractSigned           AuditAction = "contract_signed"
	AuditContractRenewalRequested AuditAction = "contract_renewal_requested"
	AuditContractRenewed          AuditAction = "contract_renewed"
	AuditContractTerminated       AuditAction = "contract_terminated"
	AuditDBRecovered              AuditAction = "db_recovered"
	AuditDBRecoveryFailed         AuditAction = "db_recovery_failed"
)

// AuditRecord is write-once.
type AuditRecord struct {
	ID        string
	Action    AuditAction
	TargetID  string
	ActorID   string
	ActorKind ActorKind
	At        time.Time
	Detail    map[string]any
}

type AuditFilter struct {
	TargetID string
	ActorID  string
	Actions  []AuditAction
	From     *time.Time
	To       *time.Time
}

// Matches reports whether r passes the filter.
func (f AuditFilter) Matches(r AuditRecord) bool {
	if f.TargetID != "" && r.TargetID != f.TargetID {
		return false
	}
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.From != nil && r.At.Before(*f.From) {
		return false
	}
	if f.To != nil && r.At.After(*f.To) {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == r.Action {
			return true
		}
	}
	return false
}

// Record appends an audit record through log, which must be the store handle
// of the unit of work that carries the state change.
func Record(ctx context.Context, log AuditLog, at time.Time, action AuditAction, target string, actor Actor, detail map[string]any) error {
	r := AuditRecord{
		ID:        uuid.NewString(),
		Action:    action,
		TargetID:  target,
		ActorID:   actor.ID,
		ActorKind: actor.Kind,
		At:        at.UTC(),
		Detail:    detail,
	}
	if err := log.AppendAudit(ctx, r); err != nil {
		return fmt.Errorf("audit %s %s: %w", action, target, err)
	}
	return nil
}
