/*
Package affiliate provides the affiliate hierarchy, ownership and commission engine.

PURPOSE:
  Partners (branch managers and sales agents) sell cruise products. This
  package decides who owns a customer, moves a sale through its approval
  workflow, splits the commission three ways (HQ, manager, agent) and walks
  partner contracts through renewal and termination. Terminated partners
  have their customers recovered back to headquarters. Nothing is ever
  deleted; only ownership pointers and statuses change.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a decimal money value with a currency
  - Partner / Relation: the two-level manager -> agent hierarchy
  - Lead: a customer acquisition record carrying an ownership pointer
  - Sale: a transaction moving through the approval state machine
  - CommissionTier: the rate row defining the three-way split
  - LedgerEntry: an immutable settlement record created on approval
  - Contract: a partner's enrollment agreement
  - AuditRecord / Notification: side records written with every transition

DESIGN PRINCIPLES:
  1. Precision: money uses decimal.Decimal, never float64
  2. Type Safety: every identifier has its own string type
  3. Typed state: statuses and timestamps are explicit fields, not blobs
  4. Append-only: leads, sales, ledger entries and contracts are never removed

SEE ALSO:
  - store.go: persistence interfaces
  - sale.go: sale approval state machine
  - contract.go: renewal and termination orchestration
  - recovery.go: reassignment of a terminated partner's customers
*/
package affiliate

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money with currency
// =============================================================================

// DefaultCurrency is used when an amount is created without one.
const DefaultCurrency = "KRW"

type Amount struct {
	Value    decimal.Decimal
	Currency string
}

func NewAmount(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value), Currency: DefaultCurrency}
}

// ParseAmount parses a decimal string such as "2500000" or "12.50".
func ParseAmount(s, currency string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return Amount{Value: d, Currency: currency}, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s, DefaultCurrency)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Zero() Amount              { return Amount{Value: decimal.Zero, Currency: a.currency()} }
func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value), Currency: a.currency()} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value), Currency: a.currency()} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) String() string            { return a.Value.String() }

// Max returns the larger of a and b.
func (a Amount) Max(b Amount) Amount {
	if b.GreaterThan(a) {
		return b
	}
	return a
}

func (a Amount) currency() string {
	if a.Currency == "" {
		return DefaultCurrency
	}
	return a.Currency
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PartnerID string
type RelationID string
type LeadID string
type SaleID string
type TierID string
type EntryID string
type ContractID string

// =============================================================================
// PARTNER DIRECTORY
// =============================================================================

type PartnerRole string

const (
	RoleManager PartnerRole = "MANAGER"
	RoleAgent   PartnerRole = "AGENT"
)

type PartnerStatus string

const (
	PartnerActive   PartnerStatus = "ACTIVE"
	PartnerInactive PartnerStatus = "INACTIVE"
)

// Partner is a person enrolled in the affiliate program. Role is fixed at
// creation; Status is only changed by the contract orchestrator.
type Partner struct {
	ID            PartnerID
	Role          PartnerRole
	Status        PartnerStatus
	AffiliateCode string
	Name          string
	Email         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p Partner) IsActive() bool { return p.Status == PartnerActive }

type RelationStatus string

const (
	RelationActive RelationStatus = "ACTIVE"
	RelationEnded  RelationStatus = "ENDED"
)

// Relation links one manager to one agent. An agent has at most one ACTIVE
// relation at a time.
type Relation struct {
	ID             RelationID
	ManagerID      PartnerID
	AgentID        PartnerID
	Status         RelationStatus
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// =============================================================================
// LEADS
// =============================================================================

type LeadStatus string

const (
	LeadNew       LeadStatus = "NEW"
	LeadContacted LeadStatus = "CONTACTED"
	LeadPurchased LeadStatus = "PURCHASED"
	LeadLost      LeadStatus = "LOST"
)

// Lead is a customer acquisition record. When AgentID is set, ManagerID was
// taken from the agent's active relation at creation time and may be stale.
type Lead struct {
	ID            LeadID
	CustomerName  string
	Phone         string // E.164
	Status        LeadStatus
	Channel       string
	AgentID       *PartnerID
	ManagerID     *PartnerID
	RecoveredFrom *PartnerID
	RecoveredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOwned reports whether any partner currently holds the lead.
func (l Lead) IsOwned() bool { return l.AgentID != nil || l.ManagerID != nil }

// =============================================================================
// SALES
// =============================================================================

type SaleStatus string

const (
	SalePending         SaleStatus = "PENDING"
	SalePendingApproval SaleStatus = "PENDING_APPROVAL"
	SaleApproved        SaleStatus = "APPROVED"
	SaleConfirmed       SaleStatus = "CONFIRMED"
	SaleRejected        SaleStatus = "REJECTED"
	SaleRefunded        SaleStatus = "REFUNDED"
)

// Sale is one commercial transaction attributed to at most one agent and
// at most one manager.
type Sale struct {
	ID              SaleID
	ProductID       string
	CabinType       string
	FareCategory    string
	SaleAmount      Amount
	CostAmount      Amount
	CustomerName    string
	CustomerPhone   string
	AgentID         *PartnerID
	ManagerID       *PartnerID
	Status          SaleStatus
	EvidenceRef     string
	EvidenceType    string
	SubmittedBy     string
	DecidedBy       string
	RejectionReason string
	SoldAt          time.Time
	SubmittedAt     *time.Time
	ApprovedAt      *time.Time
	RejectedAt      *time.Time
	ConfirmedAt     *time.Time
	RefundedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NetRevenue is the sale amount minus the cost amount.
func (s Sale) NetRevenue() Amount { return s.SaleAmount.Sub(s.CostAmount) }

// =============================================================================
// COMMISSION
// =============================================================================

// CommissionTier is a rate row keyed by product, cabin and fare with an
// inclusive effective date range. Shares are absolute amounts per unit sale.
type CommissionTier struct {
	ID            TierID
	ProductID     string
	CabinType     string
	FareCategory  string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	SaleAmount    Amount
	CostAmount    Amount
	HQShare       Amount
	BranchShare   Amount
	SalesShare    Amount
}

// OverrideAmount is max(branch - sales, 0): what the manager earns on top of
// the supervised agent.
func (t CommissionTier) OverrideAmount() Amount {
	return t.BranchShare.Sub(t.SalesShare).Max(t.BranchShare.Zero())
}

// Total is the sum of the three shares.
func (t CommissionTier) Total() Amount {
	return t.HQShare.Add(t.BranchShare).Add(t.SalesShare)
}

// Covers reports whether the tier's effective range contains day.
func (t CommissionTier) Covers(day time.Time) bool {
	d := DateOf(day)
	if d.Before(DateOf(t.EffectiveFrom)) {
		return false
	}
	return t.EffectiveTo == nil || !d.After(DateOf(*t.EffectiveTo))
}

type Beneficiary string

const (
	BeneficiaryHQ      Beneficiary = "HQ"
	BeneficiaryManager Beneficiary = "MANAGER"
	BeneficiaryAgent   Beneficiary = "AGENT"
)

// LedgerEntry is created exactly once per (sale, beneficiary) on approval.
// Only IsSettled and SettledAt change afterwards.
type LedgerEntry struct {
	ID             EntryID
	SaleID         SaleID
	Beneficiary    Beneficiary
	PartnerID      *PartnerID // nil for HQ
	Amount         Amount
	OverrideAmount Amount // manager entry only
	IsSettled      bool
	SettledAt      *time.Time
	CreatedAt      time.Time
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractStatus string

const (
	ContractDraft            ContractStatus = "DRAFT"
	ContractPendingSignature ContractStatus = "PENDING_SIGNATURE"
	ContractCompleted        ContractStatus = "COMPLETED"
	ContractRenewalPending   ContractStatus = "RENEWAL_PENDING"
	ContractTerminated       ContractStatus = "TERMINATED"
)

// Contract is a partner's enrollment agreement. It is a legal record and is
// never deleted.
type Contract struct {
	ID                ContractID
	PartnerID         PartnerID
	Status            ContractStatus
	RenewalDate       *time.Time
	RenewalCount      int
	SignedAt          *time.Time
	RenewedAt         *time.Time
	TerminatedAt      *time.Time
	TerminationReason string
	DBRecovered       bool
	RecoveredAt       *time.Time
	RecoveryDueAt     *time.Time
	RecoveryError     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsActive reports whether the contract is in force.
func (c Contract) IsActive() bool {
	return c.Status == ContractCompleted || c.Status == ContractRenewalPending
}

// =============================================================================
// OWNERSHIP
// =============================================================================

type OwnerType string

const (
	OwnerNone    OwnerType = "NONE"
	OwnerAgent   OwnerType = "AGENT"
	OwnerManager OwnerType = "MANAGER"
)

// CustomerIdentity identifies a customer. Phone is the lookup key.
type CustomerIdentity struct {
	Name  string
	Phone string
}

// Ownership is the read-time answer to "who may act on this customer".
// OwnerNone means headquarters.
type Ownership struct {
	Type      OwnerType
	AgentID   *PartnerID
	ManagerID *PartnerID
	LeadID    *LeadID
}
