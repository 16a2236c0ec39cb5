/*
store.go - Persistence interfaces for the affiliate engine

PURPOSE:
  Defines the boundary between the engine and the relational store. Each
  component gets a narrow interface; Store combines them and TxStore adds
  the unit of work every write path runs in.

NO-DELETE CONTRACT:
  There is no Delete method anywhere. Leads are re-pointed, relations are
  ended, sales and contracts change status, ledger entries only flip their
  settled flag.

COMPARE-AND-SWAP:
  State transitions never do read-then-write in application code alone.
  UpdateSaleIf, UpdateContractIf, EndRelation and ClaimRecovery apply the
  change only when the stored status still matches, and report whether
  they did. Two racing callers therefore get exactly one winner.

NOT FOUND:
  Single-record getters return (nil, nil) when the record does not exist.
  Services turn that into a NotFoundError.

IMPLEMENTATIONS:
  - affiliate/store/memory.go: in-memory, for tests and demos
  - store/sqlite: production SQLite

SEE ALSO:
  - audit.go: AuditRecord and the audit writer
  - outbox.go: Notification and the dispatcher
*/
package affiliate

import (
	"context"
	"time"
)

// =============================================================================
// PARTNER DIRECTORY
// =============================================================================

type PartnerFilter struct {
	Role   *PartnerRole
	Status *PartnerStatus
}

type PartnerStore interface {
	// CreatePartner fails with ErrDuplicateKey on a reused ID or affiliate code.
	CreatePartner(ctx context.Context, p Partner) error
	GetPartner(ctx context.Context, id PartnerID) (*Partner, error)
	GetPartnerByCode(ctx context.Context, code string) (*Partner, error)
	ListPartners(ctx context.Context, filter PartnerFilter) ([]Partner, error)
	UpdatePartnerStatus(ctx context.Context, id PartnerID, status PartnerStatus, at time.Time) error

	// CreateRelation fails with ErrDuplicateKey if the agent already has an
	// ACTIVE relation.
	CreateRelation(ctx context.Context, r Relation) error
	ActiveRelationForAgent(ctx context.Context, agentID PartnerID) (*Relation, error)
	ActiveRelationsForManager(ctx context.Context, managerID PartnerID) ([]Relation, error)
	// RelationsForAgent returns the full history, oldest first.
	RelationsForAgent(ctx context.Context, agentID PartnerID) ([]Relation, error)
	// EndRelation moves an ACTIVE relation to ENDED. Returns false if it was
	// not ACTIVE.
	EndRelation(ctx context.Context, id RelationID, at time.Time) (bool, error)
}

// =============================================================================
// LEADS
// =============================================================================

type LeadFilter struct {
	AgentID   *PartnerID
	ManagerID *PartnerID
	Phone     string
	Status    *LeadStatus
}

// LeadReassignment selects the leads a recovery moves to headquarters:
// leads held directly by ManagerID (no agent), plus leads held by any of
// AgentIDs.
type LeadReassignment struct {
	ManagerID     *PartnerID
	AgentIDs      []PartnerID
	RecoveredFrom PartnerID
	At            time.Time
}

type LeadStore interface {
	CreateLead(ctx context.Context, l Lead) error
	GetLead(ctx context.Context, id LeadID) (*Lead, error)
	// LeadsByPhone returns leads for a normalized phone, newest first.
	LeadsByPhone(ctx context.Context, phone string) ([]Lead, error)
	UpdateLeadStatus(ctx context.Context, id LeadID, status LeadStatus, at time.Time) error
	// ReassignLeadsToHQ clears the ownership pointers of the selected leads
	// and returns the IDs it moved.
	ReassignLeadsToHQ(ctx context.Context, r LeadReassignment) ([]LeadID, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error)
	CountLeads(ctx context.Context) (int, error)
}

// =============================================================================
// SALES
// =============================================================================

type SaleFilter struct {
	AgentID   *PartnerID
	ManagerID *PartnerID
	Status    *SaleStatus
}

type SaleStore interface {
	CreateSale(ctx context.Context, s Sale) error
	GetSale(ctx context.Context, id SaleID) (*Sale, error)
	// UpdateSaleIf writes s only if the stored status equals expected.
	UpdateSaleIf(ctx context.Context, s Sale, expected SaleStatus) (bool, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)
	CountSales(ctx context.Context) (int, error)
}

// =============================================================================
// COMMISSION TIERS & LEDGER
// =============================================================================

type TierStore interface {
	// SaveTier inserts or replaces a tier by ID.
	SaveTier(ctx context.Context, t CommissionTier) error
	// FindTiers returns every tier for the key regardless of date.
	FindTiers(ctx context.Context, productID, cabinType, fareCategory string) ([]CommissionTier, error)
	ListTiers(ctx context.Context) ([]CommissionTier, error)
}

type LedgerFilter struct {
	SaleID      *SaleID
	PartnerID   *PartnerID
	Beneficiary *Beneficiary
	Settled     *bool
}

type LedgerStore interface {
	// AppendLedgerEntries is all-or-nothing. A second entry for the same
	// (sale, beneficiary) fails with ErrDuplicateLedgerEntry.
	AppendLedgerEntries(ctx context.Context, entries []LedgerEntry) error
	LedgerEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
	// MarkLedgerSettled flips unsettled entries of a sale and returns how many.
	MarkLedgerSettled(ctx context.Context, saleID SaleID, at time.Time) (int, error)
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractStore interface {
	CreateContract(ctx context.Context, c Contract) error
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	// UpdateContractIf writes c only if the stored status equals expected.
	UpdateContractIf(ctx context.Context, c Contract, expected ContractStatus) (bool, error)
	// ClaimRecovery atomically sets DBRecovered on a TERMINATED contract that
	// has not been recovered yet. Returns false if the guard was already set.
	ClaimRecovery(ctx context.Context, id ContractID, at time.Time) (bool, error)
	// SetRecoveryError records a failed recovery attempt.
	SetRecoveryError(ctx context.Context, id ContractID, message string) error
	// ContractsDueForRecovery lists terminated, unrecovered contracts whose
	// RecoveryDueAt is at or before now.
	ContractsDueForRecovery(ctx context.Context, now time.Time) ([]Contract, error)
	// ContractsForRenewal lists COMPLETED contracts renewing on or before the date.
	ContractsForRenewal(ctx context.Context, before time.Time) ([]Contract, error)
	ContractsForPartner(ctx context.Context, partnerID PartnerID) ([]Contract, error)
}

// =============================================================================
// AUDIT & OUTBOX
// =============================================================================

// AuditLog is append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, r AuditRecord) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

// Outbox holds notifications written in the same unit of work as the
// transition that produced them.
type Outbox interface {
	EnqueueNotification(ctx context.Context, n Notification) error
	// PendingNotifications returns unsent notifications with fewer than
	// maxAttempts failures, oldest first.
	PendingNotifications(ctx context.Context, limit, maxAttempts int) ([]Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, message string) error
}

// =============================================================================
// STORE & UNIT OF WORK
// =============================================================================

// Store is the full persistence surface used by the engine.
type Store interface {
	PartnerStore
	LeadStore
	SaleStore
	TierStore
	LedgerStore
	ContractStore
	AuditLog
	Outbox
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the handed Store is
	// rolled back. If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
