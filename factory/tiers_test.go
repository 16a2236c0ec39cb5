package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
	"github.com/warp/affiliate-engine/factory"
)

func TestParseTiers_Catalog(t *testing.T) {
	// GIVEN: A catalog with an open-ended tier and a catalog-level currency
	// WHEN: Parsing it
	// THEN: Amounts are exact decimals and dates are midnight UTC

	tiers, err := factory.ParseTiers([]byte(`{
		"currency": "USD",
		"tiers": [{
			"id": "t-1", "product_id": "CRUISE-7N", "cabin_type": "BALCONY", "fare_category": "STANDARD",
			"effective_from": "2025-01-01",
			"sale_amount": "2500.10", "cost_amount": "1950", "hq_share": "300.05", "branch_share": "150", "sales_share": "100"
		}]
	}`))
	require.NoError(t, err)
	require.Len(t, tiers, 1)

	tier := tiers[0]
	assert.Equal(t, affiliate.TierID("t-1"), tier.ID)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), tier.EffectiveFrom)
	assert.Nil(t, tier.EffectiveTo)
	assert.Equal(t, "USD", tier.HQShare.Currency)
	assert.Equal(t, "300.05", tier.HQShare.String())
	assert.Equal(t, "550.05", tier.Total().String())
	assert.Equal(t, "50", tier.OverrideAmount().String())
}

func TestParseTiers_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "malformed",
			json: `{"tiers": [`,
			want: "failed to parse tier catalog JSON",
		},
		{
			name: "missing key",
			json: `{"tiers": [{"id": "t-1", "product_id": "P", "cabin_type": "C", "effective_from": "2025-01-01"}]}`,
			want: "fare_category is required",
		},
		{
			name: "negative share",
			json: `{"tiers": [{"id": "t-1", "product_id": "P", "cabin_type": "C", "fare_category": "F",
				"effective_from": "2025-01-01", "hq_share": "-1"}]}`,
			want: "hq_share must not be negative",
		},
		{
			name: "float noise",
			json: `{"tiers": [{"id": "t-1", "product_id": "P", "cabin_type": "C", "fare_category": "F",
				"effective_from": "2025-01-01", "sales_share": "1e"}]}`,
			want: "invalid sales_share",
		},
		{
			name: "range inverted",
			json: `{"tiers": [{"id": "t-1", "product_id": "P", "cabin_type": "C", "fare_category": "F",
				"effective_from": "2025-06-01", "effective_to": "2025-01-01"}]}`,
			want: "is before effective_from",
		},
		{
			name: "bad date",
			json: `{"tiers": [{"id": "t-1", "product_id": "P", "cabin_type": "C", "fare_category": "F",
				"effective_from": "01/06/2025"}]}`,
			want: "invalid effective_from",
		},
		{
			name: "duplicate id",
			json: `{"tiers": [
				{"id": "t-1", "product_id": "P", "cabin_type": "C", "fare_category": "F", "effective_from": "2025-01-01"},
				{"id": "t-1", "product_id": "P", "cabin_type": "C", "fare_category": "G", "effective_from": "2025-01-01"}]}`,
			want: `duplicate id "t-1"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseTiers([]byte(tt.json))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTierFactory_ToJSONRoundTrip(t *testing.T) {
	f := factory.NewTierFactory()
	to := "2025-12-31"
	in := factory.TierJSON{
		ID: "t-1", ProductID: "P", CabinType: "C", FareCategory: "F",
		EffectiveFrom: "2025-01-01", EffectiveTo: &to,
		SaleAmount: "10", CostAmount: "5", HQShare: "3", BranchShare: "2", SalesShare: "1",
	}
	tier, err := f.FromJSON(in)
	require.NoError(t, err)

	out := f.ToJSON(tier)
	in.Currency = affiliate.DefaultCurrency
	assert.Equal(t, in, out)
}

func TestLoadFile_FeedsCalculator(t *testing.T) {
	// GIVEN: The sample catalog with a 2025 and a 2026 balcony tier
	// WHEN: It is loaded twice into a store
	// THEN: Each tier is stored once and the calculator picks by sale date

	ctx := context.Background()
	s := store.NewMemory()

	n, err := factory.LoadFile(ctx, "testdata/tiers.json", s)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = factory.LoadFile(ctx, "testdata/tiers.json", s)
	require.NoError(t, err)

	all, err := s.ListTiers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	calc := &affiliate.CommissionCalculator{}
	tier, err := calc.FindTier(ctx, s, "CRUISE-7N", "BALCONY", "STANDARD", time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, affiliate.TierID("cruise-7n-balcony-2026"), tier.ID)

	_, err = factory.LoadFile(ctx, "testdata/missing.json", s)
	assert.Error(t, err)
}
