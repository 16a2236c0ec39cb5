package affiliate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
)

func TestOutbox_DeliveryFailureDoesNotUndoTransition(t *testing.T) {
	// GIVEN: A notifier that is down
	// WHEN: Evidence is submitted
	// THEN: The sale is PENDING_APPROVAL anyway; the notification stays
	//       pending with the error recorded and goes out on the next flush

	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	sale := f.agentSale(a, phoneKim)

	f.notifier.setFail(errors.New("smtp timeout"))
	out, err := f.eng.Sales.SubmitEvidence(f.ctx, sale.ID, "s3://receipt.pdf", "RECEIPT", affiliate.PartnerActor(a.ID))
	require.NoError(t, err)
	assert.Equal(t, affiliate.SalePendingApproval, out.Status)

	pending, err := f.eng.Store.PendingNotifications(f.ctx, 10, affiliate.DefaultMaxDeliveryAttempts)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, affiliate.NotifySaleSubmitted, pending[0].Kind)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "smtp timeout", pending[0].LastError)

	f.notifier.setFail(nil)
	sent, err := f.eng.Dispatcher.Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	pending, err = f.eng.Store.PendingNotifications(f.ctx, 10, affiliate.DefaultMaxDeliveryAttempts)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutbox_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	sale := f.agentSale(a, phoneKim)

	f.notifier.setFail(errors.New("bounced"))
	f.submit(sale, affiliate.PartnerActor(a.ID))
	for i := 1; i < affiliate.DefaultMaxDeliveryAttempts; i++ {
		_, err := f.eng.Dispatcher.Flush(f.ctx)
		require.NoError(t, err)
	}

	pending, err := f.eng.Store.PendingNotifications(f.ctx, 10, affiliate.DefaultMaxDeliveryAttempts)
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.notifier.setFail(nil)
	sent, err := f.eng.Dispatcher.Flush(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestOutbox_ApprovalNotifiesEachAttributedPartner(t *testing.T) {
	f := newFixture(t)
	f.balconyTier()
	m, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))

	_, err := f.eng.Sales.Approve(f.ctx, sale.ID, reviewer)
	require.NoError(t, err)

	var recipients []affiliate.PartnerID
	f.notifier.mu.Lock()
	for _, n := range f.notifier.sent {
		if n.Kind == affiliate.NotifySaleApproved {
			require.NotNil(t, n.RecipientID)
			recipients = append(recipients, *n.RecipientID)
		}
	}
	f.notifier.mu.Unlock()
	assert.ElementsMatch(t, []affiliate.PartnerID{a.ID, m.ID}, recipients)
}

func TestAudit_RecordsActorAndFilters(t *testing.T) {
	f := newFixture(t)
	_, a := f.branch("Branch A", "Kim")
	sale := f.submit(f.agentSale(a, phoneKim), affiliate.PartnerActor(a.ID))

	recs, err := f.eng.Store.QueryAudit(f.ctx, affiliate.AuditFilter{ActorID: string(a.ID)})
	require.NoError(t, err)
	require.Len(t, recs, 2, "recorded and submitted")
	for _, r := range recs {
		assert.Equal(t, affiliate.ActorPartner, r.ActorKind)
		assert.Equal(t, string(sale.ID), r.TargetID)
	}

	from := f.clock.Now().Add(1)
	recs, err = f.eng.Store.QueryAudit(f.ctx, affiliate.AuditFilter{From: &from})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
