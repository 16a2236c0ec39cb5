package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// CONTRACTS
// =============================================================================

const contractColumns = `id, partner_id, status, renewal_date, renewal_count, signed_at, renewed_at,
	terminated_at, termination_reason, db_recovered, recovered_at, recovery_due_at, recovery_error,
	created_at, updated_at`

func (q *queries) CreateContract(ctx context.Context, c affiliate.Contract) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(c.ID), string(c.PartnerID), string(c.Status), nullTime(c.RenewalDate), c.RenewalCount,
		nullTime(c.SignedAt), nullTime(c.RenewedAt), nullTime(c.TerminatedAt), nullString(c.TerminationReason),
		c.DBRecovered, nullTime(c.RecoveredAt), nullTime(c.RecoveryDueAt), nullString(c.RecoveryError),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return affiliate.ErrDuplicateKey
	}
	return err
}

func (q *queries) GetContract(ctx context.Context, id affiliate.ContractID) (*affiliate.Contract, error) {
	contracts, err := q.queryContracts(ctx, `WHERE id = ?`, string(id))
	if err != nil || len(contracts) == 0 {
		return nil, err
	}
	return &contracts[0], nil
}

// UpdateContractIf leaves db_recovered and recovered_at alone: those only
// move through ClaimRecovery.
func (q *queries) UpdateContractIf(ctx context.Context, c affiliate.Contract, expected affiliate.ContractStatus) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE contracts SET
			status = ?, renewal_date = ?, renewal_count = ?,
			signed_at = ?, renewed_at = ?, terminated_at = ?, termination_reason = ?,
			recovery_due_at = ?, recovery_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(c.Status), nullTime(c.RenewalDate), c.RenewalCount,
		nullTime(c.SignedAt), nullTime(c.RenewedAt), nullTime(c.TerminatedAt), nullString(c.TerminationReason),
		nullTime(c.RecoveryDueAt), nullString(c.RecoveryError), formatTime(c.UpdatedAt),
		string(c.ID), string(expected),
	)
	if err != nil {
		return false, err
	}
	return q.changed(ctx, res, "contracts", "contract", string(c.ID))
}

// ClaimRecovery is the single guard against recovering a contract twice.
func (q *queries) ClaimRecovery(ctx context.Context, id affiliate.ContractID, at time.Time) (bool, error) {
	ts := formatTime(at)
	res, err := q.db.ExecContext(ctx, `
		UPDATE contracts SET db_recovered = 1, recovered_at = ?, recovery_error = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND db_recovered = 0
	`, ts, ts, string(id), string(affiliate.ContractTerminated))
	if err != nil {
		return false, err
	}
	return q.changed(ctx, res, "contracts", "contract", string(id))
}

func (q *queries) SetRecoveryError(ctx context.Context, id affiliate.ContractID, message string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE contracts SET recovery_error = ? WHERE id = ?`,
		nullString(message), string(id))
	if err != nil {
		return err
	}
	return q.mustChange(ctx, res, "contracts", "contract", string(id))
}

func (q *queries) ContractsDueForRecovery(ctx context.Context, now time.Time) ([]affiliate.Contract, error) {
	return q.queryContracts(ctx, `
		WHERE status = ? AND db_recovered = 0 AND recovery_due_at IS NOT NULL AND recovery_due_at <= ?
		ORDER BY recovery_due_at, rowid
	`, string(affiliate.ContractTerminated), formatTime(now))
}

func (q *queries) ContractsForRenewal(ctx context.Context, before time.Time) ([]affiliate.Contract, error) {
	return q.queryContracts(ctx, `
		WHERE status = ? AND renewal_date IS NOT NULL AND renewal_date <= ?
		ORDER BY renewal_date, rowid
	`, string(affiliate.ContractCompleted), formatTime(before))
}

func (q *queries) ContractsForPartner(ctx context.Context, partnerID affiliate.PartnerID) ([]affiliate.Contract, error) {
	return q.queryContracts(ctx, `WHERE partner_id = ? ORDER BY created_at, rowid`, string(partnerID))
}

func (q *queries) queryContracts(ctx context.Context, clause string, args ...any) ([]affiliate.Contract, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.Contract
	for rows.Next() {
		var (
			c                                affiliate.Contract
			status, createdAt, updatedAt     string
			renewalDate, signedAt, renewedAt sql.NullString
			terminatedAt, recoveredAt, dueAt sql.NullString
			terminationReason, recoveryError sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.PartnerID, &status, &renewalDate, &c.RenewalCount, &signedAt, &renewedAt,
			&terminatedAt, &terminationReason, &c.DBRecovered, &recoveredAt, &dueAt, &recoveryError,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Status = affiliate.ContractStatus(status)
		c.TerminationReason = terminationReason.String
		c.RecoveryError = recoveryError.String
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst **time.Time
			src sql.NullString
		}{
			{&c.RenewalDate, renewalDate},
			{&c.SignedAt, signedAt},
			{&c.RenewedAt, renewedAt},
			{&c.TerminatedAt, terminatedAt},
			{&c.RecoveredAt, recoveredAt},
			{&c.RecoveryDueAt, dueAt},
		} {
			if *f.dst, err = scanNullTime(f.src); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
