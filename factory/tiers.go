/*
Package factory provides JSON to Go commission tier conversion.

PURPOSE:
  Converts JSON tier catalogs into affiliate.CommissionTier rows. Rates
  change every season; finance maintains them as a JSON file and the
  server loads it at startup without a code change.

JSON SCHEMA:
  {
    "currency": "KRW",
    "tiers": [
      {
        "id": "cruise-7n-balcony-2025",
        "product_id": "CRUISE-7N",
        "cabin_type": "BALCONY",
        "fare_category": "STANDARD",
        "effective_from": "2025-01-01",
        "effective_to": "2025-12-31",
        "sale_amount": "2500000",
        "cost_amount": "1950000",
        "hq_share": "300000",
        "branch_share": "150000",
        "sales_share": "100000"
      }
    ]
  }

  Amounts are decimal strings so that no value passes through float64.
  effective_to is optional (open ended) and inclusive.

VALIDATION:
  - id and the product/cabin/fare key are required
  - ids are unique within a catalog
  - amounts are non-negative decimals
  - effective_to, when present, is not before effective_from

  Overlapping ranges for the same key are allowed; the calculator picks the
  tier with the latest effective_from.

USAGE:
  tiers, err := factory.ParseTiers(data)
  n, err := factory.LoadFile(ctx, "tiers.json", store)

SEE ALSO:
  - affiliate/commission.go: tier lookup and the three-way split
  - affiliate/types.go: CommissionTier
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a tier catalog.
type CatalogJSON struct {
	Currency string     `json:"currency,omitempty"` // Default for tiers without one
	Tiers    []TierJSON `json:"tiers"`
}

// TierJSON is the JSON representation of one commission tier.
type TierJSON struct {
	ID            string  `json:"id"`
	ProductID     string  `json:"product_id"`
	CabinType     string  `json:"cabin_type"`
	FareCategory  string  `json:"fare_category"`
	EffectiveFrom string  `json:"effective_from"`         // YYYY-MM-DD
	EffectiveTo   *string `json:"effective_to,omitempty"` // YYYY-MM-DD, inclusive
	Currency      string  `json:"currency,omitempty"`
	SaleAmount    string  `json:"sale_amount"`
	CostAmount    string  `json:"cost_amount"`
	HQShare       string  `json:"hq_share"`
	BranchShare   string  `json:"branch_share"`
	SalesShare    string  `json:"sales_share"`
}

// =============================================================================
// TIER FACTORY
// =============================================================================

// TierFactory converts JSON tiers to Go structs.
type TierFactory struct {
	// DefaultCurrency applies when neither the tier nor the catalog names one.
	DefaultCurrency string
}

// NewTierFactory creates a new tier factory.
func NewTierFactory() *TierFactory {
	return &TierFactory{DefaultCurrency: affiliate.DefaultCurrency}
}

// ParseTiers parses a JSON catalog with the default factory.
func ParseTiers(data []byte) ([]affiliate.CommissionTier, error) {
	return NewTierFactory().ParseCatalog(data)
}

// ParseCatalog parses a JSON catalog into validated tiers.
func (f *TierFactory) ParseCatalog(data []byte) ([]affiliate.CommissionTier, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse tier catalog JSON: %w", err)
	}

	seen := make(map[string]bool, len(cj.Tiers))
	tiers := make([]affiliate.CommissionTier, 0, len(cj.Tiers))
	for i, tj := range cj.Tiers {
		if tj.Currency == "" {
			tj.Currency = cj.Currency
		}
		t, err := f.FromJSON(tj)
		if err != nil {
			return nil, fmt.Errorf("tier %d (%s): %w", i, tj.ID, err)
		}
		if seen[tj.ID] {
			return nil, fmt.Errorf("tier %d: duplicate id %q", i, tj.ID)
		}
		seen[tj.ID] = true
		tiers = append(tiers, t)
	}
	return tiers, nil
}

// FromJSON converts one TierJSON to a CommissionTier.
func (f *TierFactory) FromJSON(tj TierJSON) (affiliate.CommissionTier, error) {
	for field, v := range map[string]string{
		"id":             tj.ID,
		"product_id":     tj.ProductID,
		"cabin_type":     tj.CabinType,
		"fare_category":  tj.FareCategory,
		"effective_from": tj.EffectiveFrom,
	} {
		if strings.TrimSpace(v) == "" {
			return affiliate.CommissionTier{}, fmt.Errorf("%s is required", field)
		}
	}

	currency := tj.Currency
	if currency == "" {
		currency = f.DefaultCurrency
	}

	t := affiliate.CommissionTier{
		ID:           affiliate.TierID(tj.ID),
		ProductID:    tj.ProductID,
		CabinType:    tj.CabinType,
		FareCategory: tj.FareCategory,
	}

	from, err := affiliate.ParseDate(tj.EffectiveFrom)
	if err != nil {
		return affiliate.CommissionTier{}, fmt.Errorf("invalid effective_from: %w", err)
	}
	t.EffectiveFrom = from
	if tj.EffectiveTo != nil && *tj.EffectiveTo != "" {
		to, err := affiliate.ParseDate(*tj.EffectiveTo)
		if err != nil {
			return affiliate.CommissionTier{}, fmt.Errorf("invalid effective_to: %w", err)
		}
		if to.Before(from) {
			return affiliate.CommissionTier{}, fmt.Errorf("effective_to %s is before effective_from %s", *tj.EffectiveTo, tj.EffectiveFrom)
		}
		t.EffectiveTo = &to
	}

	amounts := []struct {
		field string
		raw   string
		dst   *affiliate.Amount
	}{
		{"sale_amount", tj.SaleAmount, &t.SaleAmount},
		{"cost_amount", tj.CostAmount, &t.CostAmount},
		{"hq_share", tj.HQShare, &t.HQShare},
		{"branch_share", tj.BranchShare, &t.BranchShare},
		{"sales_share", tj.SalesShare, &t.SalesShare},
	}
	for _, a := range amounts {
		raw := a.raw
		if raw == "" {
			raw = "0"
		}
		v, err := affiliate.ParseAmount(raw, currency)
		if err != nil {
			return affiliate.CommissionTier{}, fmt.Errorf("invalid %s %q: %w", a.field, a.raw, err)
		}
		if v.IsNegative() {
			return affiliate.CommissionTier{}, fmt.Errorf("%s must not be negative", a.field)
		}
		*a.dst = v
	}

	return t, nil
}

// ToJSON converts a CommissionTier to TierJSON.
func (f *TierFactory) ToJSON(t affiliate.CommissionTier) TierJSON {
	tj := TierJSON{
		ID:            string(t.ID),
		ProductID:     t.ProductID,
		CabinType:     t.CabinType,
		FareCategory:  t.FareCategory,
		EffectiveFrom: t.EffectiveFrom.Format(affiliate.DateLayout),
		Currency:      t.HQShare.Currency,
		SaleAmount:    t.SaleAmount.String(),
		CostAmount:    t.CostAmount.String(),
		HQShare:       t.HQShare.String(),
		BranchShare:   t.BranchShare.String(),
		SalesShare:    t.SalesShare.String(),
	}
	if t.EffectiveTo != nil {
		to := t.EffectiveTo.Format(affiliate.DateLayout)
		tj.EffectiveTo = &to
	}
	return tj
}

// =============================================================================
// LOADING
// =============================================================================

// LoadTiers saves every tier into the store. Tiers are upserted by ID, so
// loading the same catalog twice is harmless.
func LoadTiers(ctx context.Context, store affiliate.TierStore, tiers []affiliate.CommissionTier) error {
	for _, t := range tiers {
		if err := store.SaveTier(ctx, t); err != nil {
			return fmt.Errorf("save tier %s: %w", t.ID, err)
		}
	}
	return nil
}

// LoadFile reads a catalog file, parses it and saves it into the store.
// It returns the number of tiers loaded.
func LoadFile(ctx context.Context, path string, store affiliate.TierStore) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tier catalog: %w", err)
	}
	tiers, err := ParseTiers(data)
	if err != nil {
		return 0, err
	}
	if err := LoadTiers(ctx, store, tiers); err != nil {
		return 0, err
	}
	return len(tiers), nil
}
