/*
commission.go - Three-way commission split

PURPOSE:
  Turns an approved sale into ledger entries for headquarters, the branch
  manager and the sales agent, using the commission tier for the sale's
  product, cabin and fare.

TIER LOOKUP:
  All tiers for (product, cabin, fare) are loaded; the one whose inclusive
  effective range contains the sale date wins, ties broken by the latest
  EffectiveFrom. No match is a hard stop (NoTierError): a sale is never
  approved with zero commission.

SPLIT:
  HQ      = hq share
  Manager = branch share, of which max(branch - sales, 0) is the override
            for supervising the agent (only when the sale has an agent)
  Agent   = sales share

  A share with no beneficiary (manager-direct sale has no agent, HQ sale
  has neither) is credited to HQ, so the entries always sum to
  hq + branch + sales. Zero shares produce no entry.

EXAMPLE:
  Balcony/Standard, sale 2,500,000, tier {hq 300,000, branch 150,000,
  sales 100,000}, sold by an agent under a manager:
    HQ 300,000 | MANAGER 150,000 (override 50,000) | AGENT 100,000

SEE ALSO:
  - sale.go: calls Split inside the approval unit of work
*/
package affiliate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommissionCalculator is stateless; tiers are read through the caller's
// store handle so lookups join the caller's unit of work.
type CommissionCalculator struct{}

// Split is the computed division of one sale.
type Split struct {
	Tier     CommissionTier
	HQ       Amount
	Manager  Amount
	Agent    Amount
	Override Amount
}

// Total is the sum of the three shares.
func (s Split) Total() Amount { return s.HQ.Add(s.Manager).Add(s.Agent) }

// FindTier returns the tier covering the given date.
func (c *CommissionCalculator) FindTier(ctx context.Context, tiers TierStore, productID, cabinType, fareCategory string, at time.Time) (*CommissionTier, error) {
	rows, err := tiers.FindTiers(ctx, productID, cabinType, fareCategory)
	if err != nil {
		return nil, fmt.Errorf("load tiers: %w", err)
	}
	var best *CommissionTier
	for i := range rows {
		t := rows[i]
		if !t.Covers(at) {
			continue
		}
		if best == nil || t.EffectiveFrom.After(best.EffectiveFrom) {
			best = &t
		}
	}
	if best == nil {
		return nil, &NoTierError{ProductID: productID, CabinType: cabinType, FareCategory: fareCategory, At: at}
	}
	return best, nil
}

// Split computes the commission for a sale.
func (c *CommissionCalculator) Split(ctx context.Context, tiers TierStore, sale Sale) (*Split, error) {
	tier, err := c.FindTier(ctx, tiers, sale.ProductID, sale.CabinType, sale.FareCategory, sale.SoldAt)
	if err != nil {
		return nil, err
	}

	s := &Split{
		Tier:     *tier,
		HQ:       tier.HQShare,
		Manager:  tier.BranchShare,
		Agent:    tier.SalesShare,
		Override: tier.HQShare.Zero(),
	}
	if sale.AgentID == nil {
		s.HQ = s.HQ.Add(s.Agent)
		s.Agent = s.Agent.Zero()
	}
	if sale.ManagerID == nil {
		s.HQ = s.HQ.Add(s.Manager)
		s.Manager = s.Manager.Zero()
	}
	if sale.AgentID != nil && sale.ManagerID != nil {
		s.Override = tier.OverrideAmount()
	}

	if !s.Total().Equal(tier.Total()) {
		return nil, fmt.Errorf("sale %s: split %s != tier %s: %w", sale.ID, s.Total(), tier.Total(), ErrLedgerImbalance)
	}
	return s, nil
}

// Entries materializes the split as ledger entries, one per non-zero share.
func (s Split) Entries(sale Sale, at time.Time) []LedgerEntry {
	var out []LedgerEntry
	add := func(b Beneficiary, partner *PartnerID, amount, override Amount) {
		if amount.IsZero() {
			return
		}
		out = append(out, LedgerEntry{
			ID:             EntryID(uuid.NewString()),
			SaleID:         sale.ID,
			Beneficiary:    b,
			PartnerID:      partner,
			Amount:         amount,
			OverrideAmount: override,
			CreatedAt:      at.UTC(),
		})
	}
	zero := s.HQ.Zero()
	add(BeneficiaryHQ, nil, s.HQ, zero)
	add(BeneficiaryManager, sale.ManagerID, s.Manager, s.Override)
	add(BeneficiaryAgent, sale.AgentID, s.Agent, zero)
	return out
}

// checkBalanced verifies that entries sum exactly to the tier total.
func checkBalanced(entries []LedgerEntry, tier CommissionTier) error {
	sum := tier.Total().Zero()
	for _, e := range entries {
		if e.Amount.IsNegative() {
			return fmt.Errorf("negative %s entry %s: %w", e.Beneficiary, e.Amount, ErrLedgerImbalance)
		}
		sum = sum.Add(e.Amount)
	}
	if !sum.Equal(tier.Total()) {
		return fmt.Errorf("entries sum to %s, tier total %s: %w", sum, tier.Total(), ErrLedgerImbalance)
	}
	return nil
}
