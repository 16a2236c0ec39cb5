/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND TIME:
  Amounts travel as decimal strings ("2500000", "12.50") with a separate
  currency, never as floats. Timestamps are RFC3339 UTC; calendar dates
  (renewal dates, tier ranges) are YYYY-MM-DD.

VALIDATION:
  Request types carry go-playground/validator tags, checked in decode()
  before any engine call. Semantic checks stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/tiers.go: TierJSON, reused for the tier endpoints
*/
package api

import (
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// REQUESTS
// =============================================================================

type EnrollRequest struct {
	Role          string `json:"role" validate:"required,oneof=MANAGER AGENT"`
	Name          string `json:"name" validate:"required,max=200"`
	Email         string `json:"email" validate:"omitempty,email"`
	AffiliateCode string `json:"affiliate_code" validate:"omitempty,alphanum,max=32"`
}

type AssignManagerRequest struct {
	ManagerID string `json:"manager_id" validate:"required"`
}

type ResolveOwnershipRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone" validate:"required"`
}

type CaptureLeadRequest struct {
	CustomerName string  `json:"customer_name" validate:"required"`
	Phone        string  `json:"phone" validate:"required"`
	Channel      string  `json:"channel"`
	AgentID      *string `json:"agent_id,omitempty"`
	ManagerID    *string `json:"manager_id,omitempty"`
}

type AdvanceLeadRequest struct {
	Status string `json:"status" validate:"required,oneof=CONTACTED PURCHASED LOST"`
}

type RecordSaleRequest struct {
	ProductID     string  `json:"product_id" validate:"required"`
	CabinType     string  `json:"cabin_type" validate:"required"`
	FareCategory  string  `json:"fare_category" validate:"required"`
	SaleAmount    string  `json:"sale_amount" validate:"required,numeric"`
	CostAmount    string  `json:"cost_amount" validate:"omitempty,numeric"`
	Currency      string  `json:"currency" validate:"omitempty,len=3,uppercase"`
	CustomerName  string  `json:"customer_name" validate:"required"`
	CustomerPhone string  `json:"customer_phone" validate:"required"`
	AgentID       *string `json:"agent_id,omitempty"`
	ManagerID     *string `json:"manager_id,omitempty"`
	SoldAt        *string `json:"sold_at,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type SubmitEvidenceRequest struct {
	EvidenceRef  string `json:"evidence_ref" validate:"required"`
	EvidenceType string `json:"evidence_type" validate:"required"`
}

type DecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	Reason   string `json:"reason" validate:"required_if=Decision REJECT"`
}

// ReasonRequest is shared by refund, renewal rejection and termination.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

type CreateContractRequest struct {
	PartnerID string `json:"partner_id" validate:"required"`
}

type SignContractRequest struct {
	SignedAt *string `json:"signed_at,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type PartnerDTO struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	AffiliateCode string `json:"affiliate_code"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type RelationDTO struct {
	ID             string  `json:"id"`
	ManagerID      string  `json:"manager_id"`
	AgentID        string  `json:"agent_id"`
	Status         string  `json:"status"`
	ConnectedAt    string  `json:"connected_at"`
	DisconnectedAt *string `json:"disconnected_at,omitempty"`
}

type OwnershipDTO struct {
	Type      string  `json:"type"`
	AgentID   *string `json:"agent_id,omitempty"`
	ManagerID *string `json:"manager_id,omitempty"`
	LeadID    *string `json:"lead_id,omitempty"`
}

type LeadDTO struct {
	ID            string  `json:"id"`
	CustomerName  string  `json:"customer_name"`
	Phone         string  `json:"phone"`
	Status        string  `json:"status"`
	Channel       string  `json:"channel,omitempty"`
	AgentID       *string `json:"agent_id,omitempty"`
	ManagerID     *string `json:"manager_id,omitempty"`
	RecoveredFrom *string `json:"recovered_from,omitempty"`
	RecoveredAt   *string `json:"recovered_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type SaleDTO struct {
	ID              string  `json:"id"`
	ProductID       string  `json:"product_id"`
	CabinType       string  `json:"cabin_type"`
	FareCategory    string  `json:"fare_category"`
	SaleAmount      string  `json:"sale_amount"`
	CostAmount      string  `json:"cost_amount"`
	Currency        string  `json:"currency"`
	CustomerName    string  `json:"customer_name"`
	CustomerPhone   string  `json:"customer_phone"`
	AgentID         *string `json:"agent_id,omitempty"`
	ManagerID       *string `json:"manager_id,omitempty"`
	Status          string  `json:"status"`
	EvidenceRef     string  `json:"evidence_ref,omitempty"`
	EvidenceType    string  `json:"evidence_type,omitempty"`
	SubmittedBy     string  `json:"submitted_by,omitempty"`
	DecidedBy       string  `json:"decided_by,omitempty"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	SoldAt          string  `json:"sold_at"`
	SubmittedAt     *string `json:"submitted_at,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty"`
	RejectedAt      *string `json:"rejected_at,omitempty"`
	ConfirmedAt     *string `json:"confirmed_at,omitempty"`
	RefundedAt      *string `json:"refunded_at,omitempty"`
}

type SplitDTO struct {
	TierID   string `json:"tier_id"`
	HQ       string `json:"hq"`
	Manager  string `json:"manager"`
	Agent    string `json:"agent"`
	Override string `json:"override"`
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type LedgerEntryDTO struct {
	ID             string  `json:"id"`
	SaleID         string  `json:"sale_id"`
	Beneficiary    string  `json:"beneficiary"`
	PartnerID      *string `json:"partner_id,omitempty"`
	Amount         string  `json:"amount"`
	OverrideAmount string  `json:"override_amount,omitempty"`
	Currency       string  `json:"currency"`
	IsSettled      bool    `json:"is_settled"`
	SettledAt      *string `json:"settled_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type ContractDTO struct {
	ID                string  `json:"id"`
	PartnerID         string  `json:"partner_id"`
	Status            string  `json:"status"`
	RenewalDate       *string `json:"renewal_date,omitempty"`
	RenewalCount      int     `json:"renewal_count"`
	SignedAt          *string `json:"signed_at,omitempty"`
	RenewedAt         *string `json:"renewed_at,omitempty"`
	TerminatedAt      *string `json:"terminated_at,omitempty"`
	TerminationReason string  `json:"termination_reason,omitempty"`
	DBRecovered       bool    `json:"db_recovered"`
	RecoveredAt       *string `json:"recovered_at,omitempty"`
	RecoveryDueAt     *string `json:"recovery_due_at,omitempty"`
	RecoveryError     string  `json:"recovery_error,omitempty"`
}

type RecoveryReportDTO struct {
	ContractID     string   `json:"contract_id"`
	PartnerID      string   `json:"partner_id"`
	Role           string   `json:"role"`
	LeadsMoved     []string `json:"leads_moved"`
	RelationsEnded []string `json:"relations_ended"`
	At             string   `json:"at"`
}

// TerminationDTO is returned by terminate and reject-renewal. A non-empty
// RecoveryError means the contract is terminated but its data recovery
// failed and will be retried.
type TerminationDTO struct {
	Contract      ContractDTO        `json:"contract"`
	Recovery      *RecoveryReportDTO `json:"recovery,omitempty"`
	RecoveryError string             `json:"recovery_error,omitempty"`
}

type AuditRecordDTO struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	TargetID  string         `json:"target_id"`
	ActorID   string         `json:"actor_id"`
	ActorKind string         `json:"actor_kind"`
	At        string         `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type JobResultDTO struct {
	Job    string `json:"job"`
	Result any    `json:"result"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func datePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(affiliate.DateLayout)
	return &s
}

func idPtr[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func partnerIDPtr(s *string) *affiliate.PartnerID {
	if s == nil || *s == "" {
		return nil
	}
	id := affiliate.PartnerID(*s)
	return &id
}

func toPartnerDTO(p affiliate.Partner) PartnerDTO {
	return PartnerDTO{
		ID:            string(p.ID),
		Role:          string(p.Role),
		Status:        string(p.Status),
		AffiliateCode: p.AffiliateCode,
		Name:          p.Name,
		Email:         p.Email,
		CreatedAt:     formatTime(p.CreatedAt),
	}
}

func toRelationDTO(r affiliate.Relation) RelationDTO {
	return RelationDTO{
		ID:             string(r.ID),
		ManagerID:      string(r.ManagerID),
		AgentID:        string(r.AgentID),
		Status:         string(r.Status),
		ConnectedAt:    formatTime(r.ConnectedAt),
		DisconnectedAt: timePtr(r.DisconnectedAt),
	}
}

func toLeadDTO(l affiliate.Lead) LeadDTO {
	return LeadDTO{
		ID:            string(l.ID),
		CustomerName:  l.CustomerName,
		Phone:         l.Phone,
		Status:        string(l.Status),
		Channel:       l.Channel,
		AgentID:       idPtr(l.AgentID),
		ManagerID:     idPtr(l.ManagerID),
		RecoveredFrom: idPtr(l.RecoveredFrom),
		RecoveredAt:   timePtr(l.RecoveredAt),
		CreatedAt:     formatTime(l.CreatedAt),
		UpdatedAt:     formatTime(l.UpdatedAt),
	}
}

func toSaleDTO(s affiliate.Sale) SaleDTO {
	return SaleDTO{
		ID:              string(s.ID),
		ProductID:       s.ProductID,
		CabinType:       s.CabinType,
		FareCategory:    s.FareCategory,
		SaleAmount:      s.SaleAmount.Value.String(),
		CostAmount:      s.CostAmount.Value.String(),
		Currency:        s.SaleAmount.Currency,
		CustomerName:    s.CustomerName,
		CustomerPhone:   s.CustomerPhone,
		AgentID:         idPtr(s.AgentID),
		ManagerID:       idPtr(s.ManagerID),
		Status:          string(s.Status),
		EvidenceRef:     s.EvidenceRef,
		EvidenceType:    s.EvidenceType,
		SubmittedBy:     s.SubmittedBy,
		DecidedBy:       s.DecidedBy,
		RejectionReason: s.RejectionReason,
		SoldAt:          formatTime(s.SoldAt),
		SubmittedAt:     timePtr(s.SubmittedAt),
		ApprovedAt:      timePtr(s.ApprovedAt),
		RejectedAt:      timePtr(s.RejectedAt),
		ConfirmedAt:     timePtr(s.ConfirmedAt),
		RefundedAt:      timePtr(s.RefundedAt),
	}
}

func toSplitDTO(s affiliate.Split) SplitDTO {
	return SplitDTO{
		TierID:   string(s.Tier.ID),
		HQ:       s.HQ.Value.String(),
		Manager:  s.Manager.Value.String(),
		Agent:    s.Agent.Value.String(),
		Override: s.Override.Value.String(),
		Total:    s.Total().Value.String(),
		Currency: s.HQ.Currency,
	}
}

func toLedgerEntryDTO(e affiliate.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:          string(e.ID),
		SaleID:      string(e.SaleID),
		Beneficiary: string(e.Beneficiary),
		PartnerID:   idPtr(e.PartnerID),
		Amount:      e.Amount.Value.String(),
		Currency:    e.Amount.Currency,
		IsSettled:   e.IsSettled,
		SettledAt:   timePtr(e.SettledAt),
		CreatedAt:   formatTime(e.CreatedAt),
	}
	if e.Beneficiary == affiliate.BeneficiaryManager {
		dto.OverrideAmount = e.OverrideAmount.Value.String()
	}
	return dto
}

func toContractDTO(c affiliate.Contract) ContractDTO {
	return ContractDTO{
		ID:                string(c.ID),
		PartnerID:         string(c.PartnerID),
		Status:            string(c.Status),
		RenewalDate:       datePtr(c.RenewalDate),
		RenewalCount:      c.RenewalCount,
		SignedAt:          timePtr(c.SignedAt),
		RenewedAt:         timePtr(c.RenewedAt),
		TerminatedAt:      timePtr(c.TerminatedAt),
		TerminationReason: c.TerminationReason,
		DBRecovered:       c.DBRecovered,
		RecoveredAt:       timePtr(c.RecoveredAt),
		RecoveryDueAt:     timePtr(c.RecoveryDueAt),
		RecoveryError:     c.RecoveryError,
	}
}

func toRecoveryReportDTO(r affiliate.RecoveryReport) RecoveryReportDTO {
	dto := RecoveryReportDTO{
		ContractID:     string(r.ContractID),
		PartnerID:      string(r.PartnerID),
		Role:           string(r.Role),
		LeadsMoved:     make([]string, len(r.LeadsMoved)),
		RelationsEnded: make([]string, len(r.RelationsEnded)),
		At:             formatTime(r.At),
	}
	for i, id := range r.LeadsMoved {
		dto.LeadsMoved[i] = string(id)
	}
	for i, id := range r.RelationsEnded {
		dto.RelationsEnded[i] = string(id)
	}
	return dto
}

func toTerminationDTO(res affiliate.TerminationResult) TerminationDTO {
	dto := TerminationDTO{Contract: toContractDTO(res.Contract)}
	if res.Recovery != nil {
		r := toRecoveryReportDTO(*res.Recovery)
		dto.Recovery = &r
	}
	if res.RecoveryErr != nil {
		dto.RecoveryError = affiliate.Reason(res.RecoveryErr)
	}
	return dto
}

func toAuditRecordDTO(r affiliate.AuditRecord) AuditRecordDTO {
	return AuditRecordDTO{
		ID:        r.ID,
		Action:    string(r.Action),
		TargetID:  r.TargetID,
		ActorID:   r.ActorID,
		ActorKind: string(r.ActorKind),
		At:        formatTime(r.At),
		Detail:    r.Detail,
	}
}

// mapSlice converts a slice with f, returning an empty (not nil) slice so
// lists always encode as [].
func mapSlice[T, D any](in []T, f func(T) D) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
