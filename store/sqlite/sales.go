package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `id, product_id, cabin_type, fare_category, sale_amount, cost_amount, currency,
	customer_name, customer_phone, agent_id, manager_id, status,
	evidence_ref, evidence_type, submitted_by, decided_by, rejection_reason,
	sold_at, submitted_at, approved_at, rejected_at, confirmed_at, refunded_at,
	created_at, updated_at`

func (q *queries) CreateSale(ctx context.Context, s affiliate.Sale) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(s.ID), s.ProductID, s.CabinType, s.FareCategory,
		s.SaleAmount.String(), s.CostAmount.String(), currencyOf(s.SaleAmount),
		nullString(s.CustomerName), nullString(s.CustomerPhone),
		nullPartner(s.AgentID), nullPartner(s.ManagerID), string(s.Status),
		nullString(s.EvidenceRef), nullString(s.EvidenceType),
		nullString(s.SubmittedBy), nullString(s.DecidedBy), nullString(s.RejectionReason),
		formatTime(s.SoldAt), nullTime(s.SubmittedAt), nullTime(s.ApprovedAt),
		nullTime(s.RejectedAt), nullTime(s.ConfirmedAt), nullTime(s.RefundedAt),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return affiliate.ErrDuplicateKey
	}
	return err
}

func (q *queries) GetSale(ctx context.Context, id affiliate.SaleID) (*affiliate.Sale, error) {
	sales, err := q.querySales(ctx, `WHERE id = ?`, string(id))
	if err != nil || len(sales) == 0 {
		return nil, err
	}
	return &sales[0], nil
}

// UpdateSaleIf rewrites every mutable column but only when the stored status
// still equals expected. Amounts, product key and attribution are fixed at
// creation and are not part of the statement.
func (q *queries) UpdateSaleIf(ctx context.Context, s affiliate.Sale, expected affiliate.SaleStatus) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sales SET
			status = ?, evidence_ref = ?, evidence_type = ?,
			submitted_by = ?, decided_by = ?, rejection_reason = ?,
			submitted_at = ?, approved_at = ?, rejected_at = ?,
			confirmed_at = ?, refunded_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(s.Status), nullString(s.EvidenceRef), nullString(s.EvidenceType),
		nullString(s.SubmittedBy), nullString(s.DecidedBy), nullString(s.RejectionReason),
		nullTime(s.SubmittedAt), nullTime(s.ApprovedAt), nullTime(s.RejectedAt),
		nullTime(s.ConfirmedAt), nullTime(s.RefundedAt), formatTime(s.UpdatedAt),
		string(s.ID), string(expected),
	)
	if err != nil {
		return false, err
	}
	return q.changed(ctx, res, "sales", "sale", string(s.ID))
}

func (q *queries) ListSales(ctx context.Context, filter affiliate.SaleFilter) ([]affiliate.Sale, error) {
	var w where
	if filter.AgentID != nil {
		w.add("agent_id = ?", string(*filter.AgentID))
	}
	if filter.ManagerID != nil {
		w.add("manager_id = ?", string(*filter.ManagerID))
	}
	if filter.Status != nil {
		w.add("status = ?", string(*filter.Status))
	}
	return q.querySales(ctx, w.String()+` ORDER BY created_at, rowid`, w.args...)
}

func (q *queries) CountSales(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales`).Scan(&n)
	return n, err
}

func (q *queries) querySales(ctx context.Context, clause string, args ...any) ([]affiliate.Sale, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSale(sc scanner) (*affiliate.Sale, error) {
	var (
		s                                        affiliate.Sale
		saleAmount, costAmount, currency, status string
		customerName, customerPhone              sql.NullString
		agentID, managerID                       sql.NullString
		evidenceRef, evidenceType                sql.NullString
		submittedBy, decidedBy, rejectionReason  sql.NullString
		soldAt, createdAt, updatedAt             string
		submittedAt, approvedAt, rejectedAt      sql.NullString
		confirmedAt, refundedAt                  sql.NullString
	)
	if err := sc.Scan(
		&s.ID, &s.ProductID, &s.CabinType, &s.FareCategory, &saleAmount, &costAmount, &currency,
		&customerName, &customerPhone, &agentID, &managerID, &status,
		&evidenceRef, &evidenceType, &submittedBy, &decidedBy, &rejectionReason,
		&soldAt, &submittedAt, &approvedAt, &rejectedAt, &confirmedAt, &refundedAt,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if s.SaleAmount, err = parseAmount(saleAmount, currency); err != nil {
		return nil, fmt.Errorf("sale %s: %w", s.ID, err)
	}
	if s.CostAmount, err = parseAmount(costAmount, currency); err != nil {
		return nil, fmt.Errorf("sale %s: %w", s.ID, err)
	}
	s.CustomerName = customerName.String
	s.CustomerPhone = customerPhone.String
	s.AgentID = scanPartner(agentID)
	s.ManagerID = scanPartner(managerID)
	s.Status = affiliate.SaleStatus(status)
	s.EvidenceRef = evidenceRef.String
	s.EvidenceType = evidenceType.String
	s.SubmittedBy = submittedBy.String
	s.DecidedBy = decidedBy.String
	s.RejectionReason = rejectionReason.String

	if s.SoldAt, err = parseTime(soldAt); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&s.SubmittedAt, submittedAt},
		{&s.ApprovedAt, approvedAt},
		{&s.RejectedAt, rejectedAt},
		{&s.ConfirmedAt, confirmedAt},
		{&s.RefundedAt, refundedAt},
	} {
		if *f.dst, err = scanNullTime(f.src); err != nil {
			return nil, fmt.Errorf("sale %s: %w", s.ID, err)
		}
	}
	return &s, nil
}
