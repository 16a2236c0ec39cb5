// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a TxStore kept in maps. Every call takes one mutex; WithTx holds
// it for the whole callback, so units of work are serialized and a failed
// one is rolled back from a snapshot.
type Memory struct {
	mu sync.Mutex
	st *memState
}

func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(affiliate.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// lock runs f against the current state under the mutex.
func lock[T any](m *Memory, f func(s *memState) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(m.st)
}

func lockErr(m *Memory, f func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(m.st)
}

func (m *Memory) CreatePartner(ctx context.Context, p affiliate.Partner) error {
	return lockErr(m, func(s *memState) error { return s.CreatePartner(ctx, p) })
}
func (m *Memory) GetPartner(ctx context.Context, id affiliate.PartnerID) (*affiliate.Partner, error) {
	return lock(m, func(s *memState) (*affiliate.Partner, error) { return s.GetPartner(ctx, id) })
}
func (m *Memory) GetPartnerByCode(ctx context.Context, code string) (*affiliate.Partner, error) {
	return lock(m, func(s *memState) (*affiliate.Partner, error) { return s.GetPartnerByCode(ctx, code) })
}
func (m *Memory) ListPartners(ctx context.Context, f affiliate.PartnerFilter) ([]affiliate.Partner, error) {
	return lock(m, func(s *memState) ([]affiliate.Partner, error) { return s.ListPartners(ctx, f) })
}
func (m *Memory) UpdatePartnerStatus(ctx context.Context, id affiliate.PartnerID, st affiliate.PartnerStatus, at time.Time) error {
	return lockErr(m, func(s *memState) error { return s.UpdatePartnerStatus(ctx, id, st, at) })
}
func (m *Memory) CreateRelation(ctx context.Context, r affiliate.Relation) error {
	return lockErr(m, func(s *memState) error { return s.CreateRelation(ctx, r) })
}
func (m *Memory) ActiveRelationForAgent(ctx context.Context, id affiliate.PartnerID) (*affiliate.Relation, error) {
	return lock(m, func(s *memState) (*affiliate.Relation, error) { return s.ActiveRelationForAgent(ctx, id) })
}
func (m *Memory) ActiveRelationsForManager(ctx context.Context, id affiliate.PartnerID) ([]affiliate.Relation, error) {
	return lock(m, func(s *memState) ([]affiliate.Relation, error) { return s.ActiveRelationsForManager(ctx, id) })
}
func (m *Memory) RelationsForAgent(ctx context.Context, id affiliate.PartnerID) ([]affiliate.Relation, error) {
	return lock(m, func(s *memState) ([]affiliate.Relation, error) { return s.RelationsForAgent(ctx, id) })
}
func (m *Memory) EndRelation(ctx context.Context, id affiliate.RelationID, at time.Time) (bool, error) {
	return lock(m, func(s *memState) (bool, error) { return s.EndRelation(ctx, id, at) })
}
func (m *Memory) CreateLead(ctx context.Context, l affiliate.Lead) error {
	return lockErr(m, func(s *memState) error { return s.CreateLead(ctx, l) })
}
func (m *Memory) GetLead(ctx context.Context, id affiliate.LeadID) (*affiliate.Lead, error) {
	return lock(m, func(s *memState) (*affiliate.Lead, error) { return s.GetLead(ctx, id) })
}
func (m *Memory) LeadsByPhone(ctx context.Context, phone string) ([]affiliate.Lead, error) {
	return lock(m, func(s *memState) ([]affiliate.Lead, error) { return s.LeadsByPhone(ctx, phone) })
}
func (m *Memory) UpdateLeadStatus(ctx context.Context, id affiliate.LeadID, st affiliate.LeadStatus, at time.Time) error {
	return lockErr(m, func(s *memState) error { return s.UpdateLeadStatus(ctx, id, st, at) })
}
func (m *Memory) ReassignLeadsToHQ(ctx context.Context, r affiliate.LeadReassignment) ([]affiliate.LeadID, error) {
	return lock(m, func(s *memState) ([]affiliate.LeadID, error) { return s.ReassignLeadsToHQ(ctx, r) })
}
func (m *Memory) ListLeads(ctx context.Context, f affiliate.LeadFilter) ([]affiliate.Lead, error) {
	return lock(m, func(s *memState) ([]affiliate.Lead, error) { return s.ListLeads(ctx, f) })
}
func (m *Memory) CountLeads(ctx context.Context) (int, error) {
	return lock(m, func(s *memState) (int, error) { return s.CountLeads(ctx) })
}
func (m *Memory) CreateSale(ctx context.Context, sale affiliate.Sale) error {
	return lockErr(m, func(s *memState) error { return s.CreateSale(ctx, sale) })
}
func (m *Memory) GetSale(ctx context.Context, id affiliate.SaleID) (*affiliate.Sale, error) {
	return lock(m, func(s *memState) (*affiliate.Sale, error) { return s.GetSale(ctx, id) })
}
func (m *Memory) UpdateSaleIf(ctx context.Context, sale affiliate.Sale, expected affiliate.SaleStatus) (bool, error) {
	return lock(m, func(s *memState) (bool, error) { return s.UpdateSaleIf(ctx, sale, expected) })
}
func (m *Memory) ListSales(ctx context.Context, f affiliate.SaleFilter) ([]affiliate.Sale, error) {
	return lock(m, func(s *memState) ([]affiliate.Sale, error) { return s.ListSales(ctx, f) })
}
func (m *Memory) CountSales(ctx context.Context) (int, error) {
	return lock(m, func(s *memState) (int, error) { return s.CountSales(ctx) })
}
func (m *Memory) SaveTier(ctx context.Context, t affiliate.CommissionTier) error {
	return lockErr(m, func(s *memState) error { return s.SaveTier(ctx, t) })
}
func (m *Memory) FindTiers(ctx context.Context, product, cabin, fare string) ([]affiliate.CommissionTier, error) {
	return lock(m, func(s *memState) ([]affiliate.CommissionTier, error) { return s.FindTiers(ctx, product, cabin, fare) })
}
func (m *Memory) ListTiers(ctx context.Context) ([]affiliate.CommissionTier, error) {
	return lock(m, func(s *memState) ([]affiliate.CommissionTier, error) { return s.ListTiers(ctx) })
}
func (m *Memory) AppendLedgerEntries(ctx context.Context, entries []affiliate.LedgerEntry) error {
	return lockErr(m, func(s *memState) error { return s.AppendLedgerEntries(ctx, entries) })
}
func (m *Memory) LedgerEntries(ctx context.Context, f affiliate.LedgerFilter) ([]affiliate.LedgerEntry, error) {
	return lock(m, func(s *memState) ([]affiliate.LedgerEntry, error) { return s.LedgerEntries(ctx, f) })
}
func (m *Memory) MarkLedgerSettled(ctx context.Context, id affiliate.SaleID, at time.Time) (int, error) {
	return lock(m, func(s *memState) (int, error) { return s.MarkLedgerSettled(ctx, id, at) })
}
func (m *Memory) CreateContract(ctx context.Context, c affiliate.Contract) error {
	return lockErr(m, func(s *memState) error { return s.CreateContract(ctx, c) })
}
func (m *Memory) GetContract(ctx context.Context, id affiliate.ContractID) (*affiliate.Contract, error) {
	return lock(m, func(s *memState) (*affiliate.Contract, error) { return s.GetContract(ctx, id) })
}
func (m *Memory) UpdateContractIf(ctx context.Context, c affiliate.Contract, expected affiliate.ContractStatus) (bool, error) {
	return lock(m, func(s *memState) (bool, error) { return s.UpdateContractIf(ctx, c, expected) })
}
func (m *Memory) ClaimRecovery(ctx context.Context, id affiliate.ContractID, at time.Time) (bool, error) {
	return lock(m, func(s *memState) (bool, error) { return s.ClaimRecovery(ctx, id, at) })
}
func (m *Memory) SetRecoveryError(ctx context.Context, id affiliate.ContractID, msg string) error {
	return lockErr(m, func(s *memState) error { return s.SetRecoveryError(ctx, id, msg) })
}
func (m *Memory) ContractsDueForRecovery(ctx context.Context, now time.Time) ([]affiliate.Contract, error) {
	return lock(m, func(s *memState) ([]affiliate.Contract, error) { return s.ContractsDueForRecovery(ctx, now) })
}
func (m *Memory) ContractsForRenewal(ctx context.Context, before time.Time) ([]affiliate.Contract, error) {
	return lock(m, func(s *memState) ([]affiliate.Contract, error) { return s.ContractsForRenewal(ctx, before) })
}
func (m *Memory) ContractsForPartner(ctx context.Context, id affiliate.PartnerID) ([]affiliate.Contract, error) {
	return lock(m, func(s *memState) ([]affiliate.Contract, error) { return s.ContractsForPartner(ctx, id) })
}
func (m *Memory) AppendAudit(ctx context.Context, r affiliate.AuditRecord) error {
	return lockErr(m, func(s *memState) error { return s.AppendAudit(ctx, r) })
}
func (m *Memory) QueryAudit(ctx context.Context, f affiliate.AuditFilter) ([]affiliate.AuditRecord, error) {
	return lock(m, func(s *memState) ([]affiliate.AuditRecord, error) { return s.QueryAudit(ctx, f) })
}
func (m *Memory) EnqueueNotification(ctx context.Context, n affiliate.Notification) error {
	return lockErr(m, func(s *memState) error { return s.EnqueueNotification(ctx, n) })
}
func (m *Memory) PendingNotifications(ctx context.Context, limit, maxAttempts int) ([]affiliate.Notification, error) {
	return lock(m, func(s *memState) ([]affiliate.Notification, error) { return s.PendingNotifications(ctx, limit, maxAttempts) })
}
func (m *Memory) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return lockErr(m, func(s *memState) error { return s.MarkNotificationSent(ctx, id, at) })
}
func (m *Memory) MarkNotificationFailed(ctx context.Context, id, msg string) error {
	return lockErr(m, func(s *memState) error { return s.MarkNotificationFailed(ctx, id, msg) })
}

// =============================================================================
// STATE - unlocked implementation, also the view handed to WithTx callbacks
// =============================================================================

type memState struct {
	partners  []affiliate.Partner
	relations []affiliate.Relation
	leads     []affiliate.Lead
	sales     []affiliate.Sale
	tiers     []affiliate.CommissionTier
	ledger    []affiliate.LedgerEntry
	contracts []affiliate.Contract
	audit     []affiliate.AuditRecord
	outbox    []affiliate.Notification
}

func newMemState() *memState { return &memState{} }

// clone copies every slice. Records are values and pointer fields inside
// them are replaced, never written through, so a shallow element copy is
// enough.
func (s *memState) clone() *memState {
	return &memState{
		partners:  append([]affiliate.Partner(nil), s.partners...),
		relations: append([]affiliate.Relation(nil), s.relations...),
		leads:     append([]affiliate.Lead(nil), s.leads...),
		sales:     append([]affiliate.Sale(nil), s.sales...),
		tiers:     append([]affiliate.CommissionTier(nil), s.tiers...),
		ledger:    append([]affiliate.LedgerEntry(nil), s.ledger...),
		contracts: append([]affiliate.Contract(nil), s.contracts...),
		audit:     append([]affiliate.AuditRecord(nil), s.audit...),
		outbox:    append([]affiliate.Notification(nil), s.outbox...),
	}
}

func missing(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, affiliate.ErrNotFound)
}

// --- partners ---------------------------------------------------------------

func (s *memState) CreatePartner(_ context.Context, p affiliate.Partner) error {
	for _, e := range s.partners {
		if e.ID == p.ID || e.AffiliateCode == p.AffiliateCode {
			return affiliate.ErrDuplicateKey
		}
	}
	s.partners = append(s.partners, p)
	return nil
}

func (s *memState) GetPartner(_ context.Context, id affiliate.PartnerID) (*affiliate.Partner, error) {
	for _, p := range s.partners {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *memState) GetPartnerByCode(_ context.Context, code string) (*affiliate.Partner, error) {
	for _, p := range s.partners {
		if p.AffiliateCode == code {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *memState) ListPartners(_ context.Context, f affiliate.PartnerFilter) ([]affiliate.Partner, error) {
	var out []affiliate.Partner
	for _, p := range s.partners {
		if f.Role != nil && p.Role != *f.Role {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *memState) UpdatePartnerStatus(_ context.Context, id affiliate.PartnerID, st affiliate.PartnerStatus, at time.Time) error {
	for i := range s.partners {
		if s.partners[i].ID == id {
			s.partners[i].Status = st
			s.partners[i].UpdatedAt = at
			return nil
		}
	}
	return missing("partner", string(id))
}

// --- relations --------------------------------------------------------------

func (s *memState) CreateRelation(_ context.Context, r affiliate.Relation) error {
	for _, e := range s.relations {
		if e.ID == r.ID {
			return affiliate.ErrDuplicateKey
		}
		if r.Status == affiliate.RelationActive && e.AgentID == r.AgentID && e.Status == affiliate.RelationActive {
			return affiliate.ErrDuplicateKey
		}
	}
	s.relations = append(s.relations, r)
	return nil
}

func (s *memState) ActiveRelationForAgent(_ context.Context, id affiliate.PartnerID) (*affiliate.Relation, error) {
	for _, r := range s.relations {
		if r.AgentID == id && r.Status == affiliate.RelationActive {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memState) ActiveRelationsForManager(_ context.Context, id affiliate.PartnerID) ([]affiliate.Relation, error) {
	var out []affiliate.Relation
	for _, r := range s.relations {
		if r.ManagerID == id && r.Status == affiliate.RelationActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memState) RelationsForAgent(_ context.Context, id affiliate.PartnerID) ([]affiliate.Relation, error) {
	var out []affiliate.Relation
	for _, r := range s.relations {
		if r.AgentID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memState) EndRelation(_ context.Context, id affiliate.RelationID, at time.Time) (bool, error) {
	for i := range s.relations {
		r := &s.relations[i]
		if r.ID != id {
			continue
		}
		if r.Status != affiliate.RelationActive {
			return false, nil
		}
		r.Status = affiliate.RelationEnded
		r.DisconnectedAt = &at
		return true, nil
	}
	return false, missing("relation", string(id))
}

// --- leads ------------------------------------------------------------------

func (s *memState) CreateLead(_ context.Context, l affiliate.Lead) error {
	for _, e := range s.leads {
		if e.ID == l.ID {
			return affiliate.ErrDuplicateKey
		}
	}
	s.leads = append(s.leads, l)
	return nil
}

func (s *memState) GetLead(_ context.Context, id affiliate.LeadID) (*affiliate.Lead, error) {
	for _, l := range s.leads {
		if l.ID == id {
			return &l, nil
		}
	}
	return nil, nil
}

func (s *memState) LeadsByPhone(_ context.Context, phone string) ([]affiliate.Lead, error) {
	var out []affiliate.Lead
	for i := len(s.leads) - 1; i >= 0; i-- {
		if s.leads[i].Phone == phone {
			out = append(out, s.leads[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memState) UpdateLeadStatus(_ context.Context, id affiliate.LeadID, st affiliate.LeadStatus, at time.Time) error {
	for i := range s.leads {
		if s.leads[i].ID == id {
			s.leads[i].Status = st
			s.leads[i].UpdatedAt = at
			return nil
		}
	}
	return missing("lead", string(id))
}

func (s *memState) ReassignLeadsToHQ(_ context.Context, r affiliate.LeadReassignment) ([]affiliate.LeadID, error) {
	agents := make(map[affiliate.PartnerID]bool, len(r.AgentIDs))
	for _, a := range r.AgentIDs {
		agents[a] = true
	}
	var moved []affiliate.LeadID
	for i := range s.leads {
		l := &s.leads[i]
		direct := r.ManagerID != nil && l.AgentID == nil && l.ManagerID != nil && *l.ManagerID == *r.ManagerID
		viaAgent := l.AgentID != nil && agents[*l.AgentID]
		if !direct && !viaAgent {
			continue
		}
		from, at := r.RecoveredFrom, r.At
		l.AgentID = nil
		l.ManagerID = nil
		l.RecoveredFrom = &from
		l.RecoveredAt = &at
		l.UpdatedAt = at
		moved = append(moved, l.ID)
	}
	return moved, nil
}

func (s *memState) ListLeads(_ context.Context, f affiliate.LeadFilter) ([]affiliate.Lead, error) {
	var out []affiliate.Lead
	for _, l := range s.leads {
		if f.AgentID != nil && (l.AgentID == nil || *l.AgentID != *f.AgentID) {
			continue
		}
		if f.ManagerID != nil && (l.ManagerID == nil || *l.ManagerID != *f.ManagerID) {
			continue
		}
		if f.Phone != "" && l.Phone != f.Phone {
			continue
		}
		if f.Status != nil && l.Status != *f.Status {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *memState) CountLeads(_ context.Context) (int, error) { return len(s.leads), nil }

// --- sales ------------------------------------------------------------------

func (s *memState) CreateSale(_ context.Context, sale affiliate.Sale) error {
	for _, e := range s.sales {
		if e.ID == sale.ID {
			return affiliate.ErrDuplicateKey
		}
	}
	s.sales = append(s.sales, sale)
	return nil
}

func (s *memState) GetSale(_ context.Context, id affiliate.SaleID) (*affiliate.Sale, error) {
	for _, sale := range s.sales {
		if sale.ID == id {
			return &sale, nil
		}
	}
	return nil, nil
}

func (s *memState) UpdateSaleIf(_ context.Context, sale affiliate.Sale, expected affiliate.SaleStatus) (bool, error) {
	for i := range s.sales {
		if s.sales[i].ID != sale.ID {
			continue
		}
		if s.sales[i].Status != expected {
			return false, nil
		}
		s.sales[i] = sale
		return true, nil
	}
	return false, missing("sale", string(sale.ID))
}

func (s *memState) ListSales(_ context.Context, f affiliate.SaleFilter) ([]affiliate.Sale, error) {
	var out []affiliate.Sale
	for _, sale := range s.sales {
		if f.AgentID != nil && (sale.AgentID == nil || *sale.AgentID != *f.AgentID) {
			continue
		}
		if f.ManagerID != nil && (sale.ManagerID == nil || *sale.ManagerID != *f.ManagerID) {
			continue
		}
		if f.Status != nil && sale.Status != *f.Status {
			continue
		}
		out = append(out, sale)
	}
	return out, nil
}

func (s *memState) CountSales(_ context.Context) (int, error) { return len(s.sales), nil }

// --- tiers & ledger ---------------------------------------------------------

func (s *memState) SaveTier(_ context.Context, t affiliate.CommissionTier) error {
	for i := range s.tiers {
		if s.tiers[i].ID == t.ID {
			s.tiers[i] = t
			return nil
		}
	}
	s.tiers = append(s.tiers, t)
	return nil
}

func (s *memState) FindTiers(_ context.Context, product, cabin, fare string) ([]affiliate.CommissionTier, error) {
	var out []affiliate.CommissionTier
	for _, t := range s.tiers {
		if t.ProductID == product && t.CabinType == cabin && t.FareCategory == fare {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memState) ListTiers(_ context.Context) ([]affiliate.CommissionTier, error) {
	return append([]affiliate.CommissionTier(nil), s.tiers...), nil
}

type ledgerKey struct {
	sale        affiliate.SaleID
	beneficiary affiliate.Beneficiary
}

func (s *memState) AppendLedgerEntries(_ context.Context, entries []affiliate.LedgerEntry) error {
	seen := make(map[ledgerKey]bool, len(s.ledger)+len(entries))
	for _, e := range s.ledger {
		seen[ledgerKey{e.SaleID, e.Beneficiary}] = true
	}
	for _, e := range entries {
		k := ledgerKey{e.SaleID, e.Beneficiary}
		if seen[k] {
			return fmt.Errorf("sale %s %s: %w", e.SaleID, e.Beneficiary, affiliate.ErrDuplicateLedgerEntry)
		}
		seen[k] = true
	}
	s.ledger = append(s.ledger, entries...)
	return nil
}

func (s *memState) LedgerEntries(_ context.Context, f affiliate.LedgerFilter) ([]affiliate.LedgerEntry, error) {
	var out []affiliate.LedgerEntry
	for _, e := range s.ledger {
		if f.SaleID != nil && e.SaleID != *f.SaleID {
			continue
		}
		if f.PartnerID != nil && (e.PartnerID == nil || *e.PartnerID != *f.PartnerID) {
			continue
		}
		if f.Beneficiary != nil && e.Beneficiary != *f.Beneficiary {
			continue
		}
		if f.Settled != nil && e.IsSettled != *f.Settled {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memState) MarkLedgerSettled(_ context.Context, id affiliate.SaleID, at time.Time) (int, error) {
	n := 0
	for i := range s.ledger {
		e := &s.ledger[i]
		if e.SaleID == id && !e.IsSettled {
			e.IsSettled = true
			e.SettledAt = &at
			n++
		}
	}
	return n, nil
}

// --- contracts --------------------------------------------------------------

func (s *memState) CreateContract(_ context.Context, c affiliate.Contract) error {
	for _, e := range s.contracts {
		if e.ID == c.ID {
			return affiliate.ErrDuplicateKey
		}
	}
	s.contracts = append(s.contracts, c)
	return nil
}

func (s *memState) GetContract(_ context.Context, id affiliate.ContractID) (*affiliate.Contract, error) {
	for _, c := range s.contracts {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memState) UpdateContractIf(_ context.Context, c affiliate.Contract, expected affiliate.ContractStatus) (bool, error) {
	for i := range s.contracts {
		if s.contracts[i].ID != c.ID {
			continue
		}
		if s.contracts[i].Status != expected {
			return false, nil
		}
		s.contracts[i] = c
		return true, nil
	}
	return false, missing("contract", string(c.ID))
}

func (s *memState) ClaimRecovery(_ context.Context, id affiliate.ContractID, at time.Time) (bool, error) {
	for i := range s.contracts {
		c := &s.contracts[i]
		if c.ID != id {
			continue
		}
		if c.Status != affiliate.ContractTerminated || c.DBRecovered {
			return false, nil
		}
		c.DBRecovered = true
		c.RecoveredAt = &at
		c.RecoveryError = ""
		c.UpdatedAt = at
		return true, nil
	}
	return false, missing("contract", string(id))
}

func (s *memState) SetRecoveryError(_ context.Context, id affiliate.ContractID, msg string) error {
	for i := range s.contracts {
		if s.contracts[i].ID == id {
			s.contracts[i].RecoveryError = msg
			return nil
		}
	}
	return missing("contract", string(id))
}

func (s *memState) ContractsDueForRecovery(_ context.Context, now time.Time) ([]affiliate.Contract, error) {
	var out []affiliate.Contract
	for _, c := range s.contracts {
		if c.Status == affiliate.ContractTerminated && !c.DBRecovered &&
			c.RecoveryDueAt != nil && !c.RecoveryDueAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memState) ContractsForRenewal(_ context.Context, before time.Time) ([]affiliate.Contract, error) {
	var out []affiliate.Contract
	for _, c := range s.contracts {
		if c.Status == affiliate.ContractCompleted && c.RenewalDate != nil && !c.RenewalDate.After(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memState) ContractsForPartner(_ context.Context, id affiliate.PartnerID) ([]affiliate.Contract, error) {
	var out []affiliate.Contract
	for _, c := range s.contracts {
		if c.PartnerID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- audit & outbox ---------------------------------------------------------

func (s *memState) AppendAudit(_ context.Context, r affiliate.AuditRecord) error {
	s.audit = append(s.audit, r)
	return nil
}

func (s *memState) QueryAudit(_ context.Context, f affiliate.AuditFilter) ([]affiliate.AuditRecord, error) {
	var out []affiliate.AuditRecord
	for _, r := range s.audit {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memState) EnqueueNotification(_ context.Context, n affiliate.Notification) error {
	s.outbox = append(s.outbox, n)
	return nil
}

func (s *memState) PendingNotifications(_ context.Context, limit, maxAttempts int) ([]affiliate.Notification, error) {
	var out []affiliate.Notification
	for _, n := range s.outbox {
		if n.SentAt != nil || n.Attempts >= maxAttempts {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memState) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].SentAt = &at
			s.outbox[i].Attempts++
			return nil
		}
	}
	return missing("notification", id)
}

func (s *memState) MarkNotificationFailed(_ context.Context, id, msg string) error {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts++
			s.outbox[i].LastError = msg
			return nil
		}
	}
	return missing("notification", id)
}

var (
	_ affiliate.TxStore = (*Memory)(nil)
	_ affiliate.Store   = (*memState)(nil)
)
