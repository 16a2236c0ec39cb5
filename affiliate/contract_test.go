package affiliate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
)

func TestContract_SignatureSetsFirstRenewalDate(t *testing.T) {
	f := newFixture(t)
	m := f.manager("Branch A")

	c := f.activeContract(m, time.Date(2025, time.January, 1, 15, 30, 0, 0, time.UTC))
	assert.Equal(t, affiliate.ContractCompleted, c.Status)
	require.NotNil(t, c.RenewalDate)
	assert.Equal(t, "2026-01-01", c.RenewalDate.Format(affiliate.DateLayout))
	assert.True(t, c.IsActive())
	assert.Contains(t, f.notifier.kinds(), affiliate.NotifyContractSent)
}

func TestContract_PartnerSignsOnlyOwnContract(t *testing.T) {
	f := newFixture(t)
	m := f.manager("Branch A")
	other := f.manager("Branch B")

	c, err := f.eng.Contracts.CreateContract(f.ctx, m.ID, admin)
	require.NoError(t, err)
	_, err = f.eng.Contracts.SendForSignature(f.ctx, c.ID, affiliate.PartnerActor(m.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)
	_, err = f.eng.Contracts.SendForSignature(f.ctx, c.ID, admin)
	require.NoError(t, err)

	_, err = f.eng.Contracts.CompleteSignature(f.ctx, c.ID, june1(), affiliate.PartnerActor(other.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	_, err = f.eng.Contracts.CompleteSignature(f.ctx, c.ID, time.Time{}, affiliate.PartnerActor(m.ID))
	require.NoError(t, err)
	assert.Equal(t, "2026-06-01", f.contract(c.ID).RenewalDate.Format(affiliate.DateLayout))
}

func TestContract_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	m := f.manager("Branch A")
	c, err := f.eng.Contracts.CreateContract(f.ctx, m.ID, admin)
	require.NoError(t, err)

	_, err = f.eng.Contracts.CompleteSignature(f.ctx, c.ID, june1(), admin)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition, "DRAFT cannot be signed")

	_, err = f.eng.Contracts.ApproveRenewal(f.ctx, c.ID, admin)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition)

	_, err = f.eng.Contracts.CreateContract(f.ctx, "ghost", admin)
	assert.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestApproveRenewal_DateArithmetic(t *testing.T) {
	// GIVEN: Today is 2025-06-01
	// WHEN: Renewing a contract whose renewal date has passed (2025-01-01)
	//       and one whose renewal date is still ahead (2025-12-01)
	// THEN: The late one renews from today (2026-06-01), the early one from
	//       its current date (2026-12-01)

	tests := []struct {
		name     string
		signedAt time.Time
		want     string
	}{
		{"late renewal starts from today", date(2024, time.January, 1), "2026-06-01"},
		{"early renewal keeps remaining time", date(2024, time.December, 1), "2026-12-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.manager("Branch A")
			c := f.activeContract(m, tt.signedAt)

			_, err := f.eng.Contracts.RequestRenewal(f.ctx, c.ID, affiliate.PartnerActor(m.ID))
			require.NoError(t, err)

			renewed, err := f.eng.Contracts.ApproveRenewal(f.ctx, c.ID, admin)
			require.NoError(t, err)
			assert.Equal(t, affiliate.ContractCompleted, renewed.Status)
			assert.Equal(t, tt.want, renewed.RenewalDate.Format(affiliate.DateLayout))
			assert.Equal(t, 1, renewed.RenewalCount)
			assert.NotNil(t, renewed.RenewedAt)

			recs := f.audit(string(c.ID), affiliate.AuditContractRenewed)
			require.Len(t, recs, 1)
			assert.Equal(t, tt.want, recs[0].Detail["renewal_date"])
		})
	}
}

func TestApproveRenewal_PartnerCannotApprove(t *testing.T) {
	f := newFixture(t)
	m := f.manager("Branch A")
	c := f.activeContract(m, date(2024, time.June, 10))
	_, err := f.eng.Contracts.RequestRenewal(f.ctx, c.ID, affiliate.PartnerActor(m.ID))
	require.NoError(t, err)

	_, err = f.eng.Contracts.ApproveRenewal(f.ctx, c.ID, affiliate.PartnerActor(m.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)
}

func TestOpenRenewalWindows(t *testing.T) {
	// GIVEN: One contract renewing on 2025-06-20 and one on 2025-12-01
	// WHEN: The renewal sweep runs on 2025-06-01 with a 30 day window
	// THEN: Only the first moves to RENEWAL_PENDING; a second run opens none

	f := newFixture(t)
	soon := f.activeContract(f.manager("Branch A"), date(2024, time.June, 20))
	later := f.activeContract(f.manager("Branch B"), date(2024, time.December, 1))

	opened, err := f.eng.Contracts.OpenRenewalWindows(f.ctx, june1())
	require.NoError(t, err)
	assert.Equal(t, 1, opened)
	assert.Equal(t, affiliate.ContractRenewalPending, f.contract(soon.ID).Status)
	assert.Equal(t, affiliate.ContractCompleted, f.contract(later.ID).Status)
	assert.Contains(t, f.notifier.kinds(), affiliate.NotifyRenewalDue)

	opened, err = f.eng.Contracts.OpenRenewalWindows(f.ctx, june1())
	require.NoError(t, err)
	assert.Zero(t, opened)
}

func TestRejectRenewal_Terminates(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	c := f.activeContract(a, date(2024, time.June, 10))
	_, err := f.eng.Contracts.RequestRenewal(f.ctx, c.ID, admin)
	require.NoError(t, err)

	res, err := f.eng.Contracts.RejectRenewal(f.ctx, c.ID, "", admin)
	require.NoError(t, err)
	assert.Equal(t, affiliate.ContractTerminated, res.Contract.Status)
	assert.Equal(t, "renewal rejected", res.Contract.TerminationReason)
	assert.Contains(t, f.notifier.kinds(), affiliate.NotifyRenewalRejected)

	p, err := f.eng.Directory.GetPartner(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.PartnerInactive, p.Status)
}

func TestTerminate_Rules(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	c := f.activeContract(a, date(2025, time.March, 1))

	_, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "", admin)
	assert.ErrorIs(t, err, affiliate.ErrValidation, "reason required")

	_, err = f.eng.Contracts.Terminate(f.ctx, c.ID, "fraud", affiliate.PartnerActor(a.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	res, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "fraud", admin)
	require.NoError(t, err)
	assert.Equal(t, "fraud", res.Contract.TerminationReason)
	assert.NotNil(t, res.Contract.TerminatedAt)
	assert.False(t, res.Contract.IsActive())

	_, err = f.eng.Contracts.Terminate(f.ctx, c.ID, "again", admin)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition)

	_, err = f.eng.Contracts.RejectRenewal(f.ctx, c.ID, "late", admin)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition)

	contracts, err := f.eng.Contracts.ContractsForPartner(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, contracts, 1, "terminated contracts are kept")
}
