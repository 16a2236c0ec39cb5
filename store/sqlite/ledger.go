package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// COMMISSION TIERS
// =============================================================================

const tierColumns = `id, product_id, cabin_type, fare_category, effective_from, effective_to,
	sale_amount, cost_amount, hq_share, branch_share, sales_share, currency`

func (q *queries) SaveTier(ctx context.Context, t affiliate.CommissionTier) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO commission_tiers (`+tierColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			cabin_type = excluded.cabin_type,
			fare_category = excluded.fare_category,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			sale_amount = excluded.sale_amount,
			cost_amount = excluded.cost_amount,
			hq_share = excluded.hq_share,
			branch_share = excluded.branch_share,
			sales_share = excluded.sales_share,
			currency = excluded.currency
	`,
		string(t.ID), t.ProductID, t.CabinType, t.FareCategory,
		formatTime(t.EffectiveFrom), nullTime(t.EffectiveTo),
		t.SaleAmount.String(), t.CostAmount.String(),
		t.HQShare.String(), t.BranchShare.String(), t.SalesShare.String(),
		currencyOf(t.HQShare),
	)
	return err
}

func (q *queries) FindTiers(ctx context.Context, productID, cabinType, fareCategory string) ([]affiliate.CommissionTier, error) {
	return q.queryTiers(ctx, `WHERE product_id = ? AND cabin_type = ? AND fare_category = ?`,
		productID, cabinType, fareCategory)
}

func (q *queries) ListTiers(ctx context.Context) ([]affiliate.CommissionTier, error) {
	return q.queryTiers(ctx, ``)
}

func (q *queries) queryTiers(ctx context.Context, clause string, args ...any) ([]affiliate.CommissionTier, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+tierColumns+` FROM commission_tiers `+clause+
		` ORDER BY product_id, cabin_type, fare_category, effective_from, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.CommissionTier
	for rows.Next() {
		var (
			t                                   affiliate.CommissionTier
			from                                string
			to                                  sql.NullString
			sale, cost, hq, branch, sales, curr string
		)
		if err := rows.Scan(&t.ID, &t.ProductID, &t.CabinType, &t.FareCategory, &from, &to,
			&sale, &cost, &hq, &branch, &sales, &curr); err != nil {
			return nil, err
		}
		if t.EffectiveFrom, err = parseTime(from); err != nil {
			return nil, err
		}
		if t.EffectiveTo, err = scanNullTime(to); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst *affiliate.Amount
			src string
		}{
			{&t.SaleAmount, sale},
			{&t.CostAmount, cost},
			{&t.HQShare, hq},
			{&t.BranchShare, branch},
			{&t.SalesShare, sales},
		} {
			if *f.dst, err = parseAmount(f.src, curr); err != nil {
				return nil, fmt.Errorf("tier %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER
// =============================================================================

const ledgerColumns = `id, sale_id, beneficiary, partner_id, amount, override_amount, currency,
	is_settled, settled_at, created_at`

// AppendLedgerEntries relies on the surrounding transaction for
// all-or-nothing; Store.AppendLedgerEntries opens one when there is none.
func (q *queries) AppendLedgerEntries(ctx context.Context, entries []affiliate.LedgerEntry) error {
	for _, e := range entries {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO ledger_entries (`+ledgerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(e.ID), string(e.SaleID), string(e.Beneficiary), nullPartner(e.PartnerID),
			e.Amount.String(), e.OverrideAmount.String(), currencyOf(e.Amount),
			e.IsSettled, nullTime(e.SettledAt), formatTime(e.CreatedAt),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("sale %s %s: %w", e.SaleID, e.Beneficiary, affiliate.ErrDuplicateLedgerEntry)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) LedgerEntries(ctx context.Context, filter affiliate.LedgerFilter) ([]affiliate.LedgerEntry, error) {
	var w where
	if filter.SaleID != nil {
		w.add("sale_id = ?", string(*filter.SaleID))
	}
	if filter.PartnerID != nil {
		w.add("partner_id = ?", string(*filter.PartnerID))
	}
	if filter.Beneficiary != nil {
		w.add("beneficiary = ?", string(*filter.Beneficiary))
	}
	if filter.Settled != nil {
		w.add("is_settled = ?", *filter.Settled)
	}

	rows, err := q.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries`+w.String()+
		` ORDER BY created_at, rowid`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.LedgerEntry
	for rows.Next() {
		var (
			e                             affiliate.LedgerEntry
			beneficiary, amount, override string
			currency, createdAt           string
			partnerID, settledAt          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SaleID, &beneficiary, &partnerID, &amount, &override, &currency,
			&e.IsSettled, &settledAt, &createdAt); err != nil {
			return nil, err
		}
		e.Beneficiary = affiliate.Beneficiary(beneficiary)
		e.PartnerID = scanPartner(partnerID)
		if e.Amount, err = parseAmount(amount, currency); err != nil {
			return nil, err
		}
		if e.OverrideAmount, err = parseAmount(override, currency); err != nil {
			return nil, err
		}
		if e.SettledAt, err = scanNullTime(settledAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *queries) MarkLedgerSettled(ctx context.Context, saleID affiliate.SaleID, at time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE ledger_entries SET is_settled = 1, settled_at = ?
		WHERE sale_id = ? AND is_settled = 0
	`, formatTime(at), string(saleID))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
