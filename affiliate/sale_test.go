package affiliate_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
)

func TestRecordSale_Validation(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	me := affiliate.PartnerActor(a.ID)

	_, err := f.eng.Sales.RecordSale(f.ctx, affiliate.SaleInput{CabinType: "BALCONY", FareCategory: "STANDARD", AgentID: &a.ID}, me)
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	_, err = f.eng.Sales.RecordSale(f.ctx, affiliate.SaleInput{
		ProductID: "CRUISE-7N", CabinType: "BALCONY", FareCategory: "STANDARD",
		SaleAmount: amount(-1), AgentID: &a.ID,
	}, me)
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	other := f.agent("Lee")
	_, err = f.eng.Sales.RecordSale(f.ctx, affiliate.SaleInput{
		ProductID: "CRUISE-7N", CabinType: "BALCONY", FareCategory: "STANDARD", AgentID: &a.ID,
	}, affiliate.PartnerActor(other.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)
}

func TestRecordSale_AttributesManagerFromRelation(t *testing.T) {
	f := newFixture(t)
	m, a := f.branch("Branch A", "Kim")

	sale := f.agentSale(a, phoneKim)
	assert.Equal(t, affiliate.SalePending, sale.Status)
	assert.Equal(t, "+821012345678", sale.CustomerPhone)
	require.NotNil(t, sale.ManagerID)
	assert.Equal(t, m.ID, *sale.ManagerID)
	assert.True(t, sale.NetRevenue().Equal(amount(550_000)))
}

func TestSubmitEvidence_MovesToPendingApproval(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")

	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))
	assert.Equal(t, affiliate.SalePendingApproval, sale.Status)
	assert.Equal(t, string(a.ID), sale.SubmittedBy)
	assert.NotNil(t, sale.SubmittedAt)
	assert.Len(t, f.audit(string(sale.ID), affiliate.AuditSaleSubmitted), 1)
	assert.Contains(t, f.notifier.kinds(), affiliate.NotifySaleSubmitted)
}

func TestSubmitEvidence_RequiresEvidence(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	sale := f.agentSale(a, phoneKim)

	_, err := f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, " ", "BOOKING_CONFIRMATION", affiliate.PartnerActor(a.ID))
	assert.ErrorIs(t, err, affiliate.ErrValidation)
}

func TestSubmitEvidence_SecondSubmissionIsAlreadySubmitted(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))

	_, err := f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://other.pdf", "RECEIPT", affiliate.PartnerActor(a.ID))
	assert.ErrorIs(t, err, affiliate.ErrAlreadySubmitted)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition)
	assert.Contains(t, affiliate.Reason(err), "awaiting review")
}

func TestSubmitEvidence_ConcurrentSubmissionsHaveOneWinner(t *testing.T) {
	// GIVEN: A PENDING sale that both the agent and the manager may submit
	// WHEN: Both submit at the same time, many times over
	// THEN: Exactly one succeeds; the other sees AlreadySubmitted

	f := newFixture(t)
	m, a := f.branch("Branch A", "Kim")

	for round := 0; round < 20; round++ {
		sale := f.agentSale(a, phoneKim)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, actor := range []affiliate.Actor{affiliate.PartnerActor(a.ID), affiliate.PartnerActor(m.ID)} {
			wg.Add(1)
			go func(i int, actor affiliate.Actor) {
				defer wg.Done()
				_, errs[i] = f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://evidence.pdf", "RECEIPT", actor)
			}(i, actor)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, affiliate.ErrAlreadySubmitted)
		}
		assert.Equal(t, 1, wins, "round %d", round)
		assert.Len(t, f.audit(string(sale.ID), affiliate.AuditSaleSubmitted), 1)
	}
}

func TestSubmitEvidence_UnrelatedPartnerRefused(t *testing.T) {
	f := newFixture(t)
	_, kim := f.branch("Branch A", "Kim")
	mB, lee := f.branch("Branch B", "Lee")
	f.leadFor(kim, phoneKim)
	sale := f.agentSale(kim, phoneKim)

	_, err := f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://x.pdf", "RECEIPT", affiliate.PartnerActor(lee.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)
	_, err = f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://x.pdf", "RECEIPT", affiliate.PartnerActor(mB.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)
}

func TestSubmitEvidence_TransferredAgentsNewManagerMaySubmit(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	mB := f.manager("Branch B")
	sale := f.agentSale(a, phoneKim)

	_, err := f.eng.Directory.Transfer(f.ctx, a.ID, mB.ID, admin)
	require.NoError(t, err)

	out := f.submit(sale, affiliate.PartnerActor(mB.ID))
	assert.Equal(t, affiliate.SalePendingApproval, out.Status)
}

func TestSubmitEvidence_FormerManagerRefusedAfterTransfer(t *testing.T) {
	// GIVEN: Kim's sale recorded under manager A, then Kim moves to manager B
	// WHEN: Manager A submits evidence
	// THEN: Refused; A's stored pointer on the sale no longer grants authority

	f := newFixture(t)
	mA, kim := f.branch("Branch A", "Kim")
	mB := f.manager("Branch B")
	f.leadFor(kim, phoneKim)
	sale := f.agentSale(kim, phoneKim)
	require.Equal(t, mA.ID, *sale.ManagerID)

	_, err := f.eng.Directory.Transfer(f.ctx, kim.ID, mB.ID, admin)
	require.NoError(t, err)

	own, err := f.eng.Resolver.ResolveOwnership(f.ctx, identity(phoneKim))
	require.NoError(t, err)
	require.Equal(t, mB.ID, *own.ManagerID)

	_, err = f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://x.pdf", "RECEIPT", affiliate.PartnerActor(mA.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	out := f.submit(sale, affiliate.PartnerActor(mB.ID))
	assert.Equal(t, affiliate.SalePendingApproval, out.Status)
}

func TestSubmitEvidence_TerminatedManagerRefused(t *testing.T) {
	// GIVEN: A manager-direct sale, then the manager's contract is terminated
	// WHEN: The now INACTIVE manager submits evidence
	// THEN: Refused and the sale stays PENDING; the back office may still submit

	f := newFixture(t)
	f.balconyTier()
	m := f.manager("Branch A")
	sale, err := f.eng.Sales.RecordSale(f.ctx, affiliate.SaleInput{
		ProductID:     "CRUISE-7N",
		CabinType:     "BALCONY",
		FareCategory:  "STANDARD",
		SaleAmount:    affiliate.NewAmount(2_500_000),
		CostAmount:    affiliate.NewAmount(1_950_000),
		CustomerName:  "Walk-in",
		CustomerPhone: phoneKim,
		ManagerID:     &m.ID,
	}, affiliate.PartnerActor(m.ID))
	require.NoError(t, err)

	c := f.activeContract(m, date(2025, time.January, 1))
	res, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "closed branch", admin)
	require.NoError(t, err)
	require.True(t, res.Contract.DBRecovered)

	_, err = f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://x.pdf", "RECEIPT", affiliate.PartnerActor(m.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	current, err := f.eng.Sales.GetSale(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.SalePending, current.Status)

	out := f.submit(*current, admin)
	assert.Equal(t, affiliate.SalePendingApproval, out.Status)
}

func TestDecide_OnlyAdminsAndNeverOwnSubmission(t *testing.T) {
	f := newFixture(t)
	f.balconyTier()
	m, a := f.branch("Branch A", "Kim")

	sale := f.submit(f.agentSale(a, phoneKim), admin)

	_, err := f.eng.Sales.Approve(f.ctx, sale.ID, affiliate.PartnerActor(m.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	_, err = f.eng.Sales.Approve(f.ctx, sale.ID, affiliate.SystemActor)
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	_, err = f.eng.Sales.Approve(f.ctx, sale.ID, admin)
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized, "self review")

	_, err = f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	assert.NoError(t, err)
}

func TestDecide_RejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))

	_, err := f.eng.Sales.Reject(f.ctx, sale.ID, "  ", reviewer)
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	_, err = f.eng.Sales.Decide(f.ctx, sale.ID, "MAYBE", "", reviewer)
	assert.ErrorIs(t, err, affiliate.ErrValidation)
}

func TestDecide_RejectThenResubmitThenApprove(t *testing.T) {
	// GIVEN: A submitted sale
	// WHEN: Rejected with a reason, resubmitted, then approved
	// THEN: The sale reaches APPROVED only via the resubmission; the rejection
	//       reason is cleared on resubmission and entries are booked once

	f := newFixture(t)
	f.balconyTier()
	_, a := f.branch("Branch A", "Kim")
	me := affiliate.PartnerActor(a.ID)
	sale := f.submit(f.agentSale(a, phoneKim), me)

	rejected, err := f.eng.Sales.Reject(f.ctx, sale.ID, "blurry receipt", reviewer)
	require.NoError(t, err)
	assert.Equal(t, affiliate.SaleRejected, rejected.Status)
	assert.Equal(t, "blurry receipt", rejected.RejectionReason)
	assert.Empty(t, f.ledger(sale.ID))

	_, err = f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	assert.ErrorIs(t, err, affiliate.ErrAlreadyDecided, "REJECTED cannot jump to APPROVED")

	resubmitted := f.submit(*rejected, me)
	assert.Equal(t, affiliate.SalePendingApproval, resubmitted.Status)
	assert.Empty(t, resubmitted.RejectionReason)

	approved, err := f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, affiliate.SaleApproved, approved.Status)
	assert.Len(t, f.ledger(sale.ID), 3)

	submitted := f.audit(string(sale.ID), affiliate.AuditSaleSubmitted)
	require.Len(t, submitted, 2)
	assert.Equal(t, true, submitted[1].Detail["resubmission"])
}

func TestDecide_DecidingTwiceIsAlreadyDecided(t *testing.T) {
	f := newFixture(t)
	f.balconyTier()
	_, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))

	_, err := f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	require.NoError(t, err)

	_, err = f.eng.Sales.Reject(f.ctx, sale.ID, "changed my mind", reviewer)
	assert.ErrorIs(t, err, affiliate.ErrAlreadyDecided)

	_, err = f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://again.pdf", "RECEIPT", affiliate.PartnerActor(a.ID))
	assert.ErrorIs(t, err, affiliate.ErrAlreadyDecided)
	assert.Len(t, f.ledger(sale.ID), 3)
}

func TestDecide_PendingSaleIsPlainInvalidTransition(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	sale := f.agentSale(a, phoneKim)

	_, err := f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition)
	assert.False(t, errors.Is(err, affiliate.ErrAlreadyDecided))
}

func TestDecide_ConcurrentApprovalsBookOnce(t *testing.T) {
	// GIVEN: A sale awaiting review
	// WHEN: Two reviewers approve at the same time
	// THEN: One wins, the other sees AlreadyDecided, exactly three entries exist

	f := newFixture(t)
	f.balconyTier()
	_, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []affiliate.Actor{reviewer, affiliate.AdminActor("admin-3")} {
		wg.Add(1)
		go func(i int, actor affiliate.Actor) {
			defer wg.Done()
			_, errs[i] = f.eng.Sales.Approve(f.ctx, sale.ID, actor)
		}(i, actor)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, affiliate.ErrAlreadyDecided)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.ledger(sale.ID), 3)
	assert.Len(t, f.audit(string(sale.ID), affiliate.AuditSaleApproved), 1)
}

func TestSettle_ConfirmsSaleAndLedger(t *testing.T) {
	f := newFixture(t)
	f.balconyTier()
	_, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))
	_, err := f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	require.NoError(t, err)

	_, err = f.eng.Sales.Settle(f.ctx, sale.ID, affiliate.PartnerActor(a.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	confirmed, err := f.eng.Sales.Settle(f.ctx, sale.ID, affiliate.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, affiliate.SaleConfirmed, confirmed.Status)
	for _, e := range f.ledger(sale.ID) {
		assert.True(t, e.IsSettled)
		assert.NotNil(t, e.SettledAt)
	}

	_, err = f.eng.Sales.Settle(f.ctx, sale.ID, affiliate.SystemActor)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition)
}

func TestRefund_KeepsLedger(t *testing.T) {
	f := newFixture(t)
	f.balconyTier()
	_, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))

	_, err := f.eng.Sales.Refund(f.ctx, sale.ID, "cancelled", admin)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition, "only approved sales refund")

	_, err = f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	require.NoError(t, err)

	refunded, err := f.eng.Sales.Refund(f.ctx, sale.ID, "cancelled", admin)
	require.NoError(t, err)
	assert.Equal(t, affiliate.SaleRefunded, refunded.Status)
	assert.NotNil(t, refunded.RefundedAt)
	assert.Len(t, f.ledger(sale.ID), 3)
}

func TestListSales_Filters(t *testing.T) {
	f := newFixture(t)
	_, kim := f.branch("Branch A", "Kim")
	_, lee := f.branch("Branch B", "Lee")
	f.agentSale(kim, phoneKim)
	f.agentSale(kim, phoneLee)
	s := f.agentSale(lee, phonePark)
	f.submit(s, affiliate.PartnerActor(lee.ID))

	kimSales, err := f.eng.Sales.ListSales(f.ctx, affiliate.SaleFilter{AgentID: &kim.ID})
	require.NoError(t, err)
	assert.Len(t, kimSales, 2)

	pending := affiliate.SalePendingApproval
	review, err := f.eng.Sales.ListSales(f.ctx, affiliate.SaleFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, s.ID, review[0].ID)
}
