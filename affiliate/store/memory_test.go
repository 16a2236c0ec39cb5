package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
)

var t0 = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func pid(s string) *affiliate.PartnerID {
	id := affiliate.PartnerID(s)
	return &id
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A unit of work that writes a partner and then fails
	// WHEN: WithTx returns the error
	// THEN: The partner is gone

	ctx := context.Background()
	m := store.NewMemory()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx affiliate.Store) error {
		require.NoError(t, tx.CreatePartner(ctx, affiliate.Partner{ID: "p-1", AffiliateCode: "AG-1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := m.GetPartner(ctx, "p-1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMemory_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	sale := affiliate.Sale{ID: "s-1", Status: affiliate.SalePending}
	require.NoError(t, m.CreateSale(ctx, sale))

	sale.Status = affiliate.SalePendingApproval
	ok, err := m.UpdateSaleIf(ctx, sale, affiliate.SalePending)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.UpdateSaleIf(ctx, sale, affiliate.SalePending)
	require.NoError(t, err)
	assert.False(t, ok, "stored status moved on")

	_, err = m.UpdateSaleIf(ctx, affiliate.Sale{ID: "nope"}, affiliate.SalePending)
	assert.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestMemory_OneActiveRelationPerAgent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateRelation(ctx, affiliate.Relation{ID: "r-1", ManagerID: "m-1", AgentID: "a-1", Status: affiliate.RelationActive}))

	err := m.CreateRelation(ctx, affiliate.Relation{ID: "r-2", ManagerID: "m-2", AgentID: "a-1", Status: affiliate.RelationActive})
	assert.ErrorIs(t, err, affiliate.ErrDuplicateKey)

	ok, err := m.EndRelation(ctx, "r-1", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.EndRelation(ctx, "r-1", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.CreateRelation(ctx, affiliate.Relation{ID: "r-2", ManagerID: "m-2", AgentID: "a-1", Status: affiliate.RelationActive}))
	history, err := m.RelationsForAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestMemory_LedgerUniquePerBeneficiary(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	entry := affiliate.LedgerEntry{ID: "e-1", SaleID: "s-1", Beneficiary: affiliate.BeneficiaryHQ, Amount: affiliate.NewAmount(300_000)}
	require.NoError(t, m.AppendLedgerEntries(ctx, []affiliate.LedgerEntry{entry}))

	dup := entry
	dup.ID = "e-2"
	agent := affiliate.LedgerEntry{ID: "e-3", SaleID: "s-1", Beneficiary: affiliate.BeneficiaryAgent, PartnerID: pid("a-1")}
	err := m.AppendLedgerEntries(ctx, []affiliate.LedgerEntry{agent, dup})
	assert.ErrorIs(t, err, affiliate.ErrDuplicateLedgerEntry)

	all, err := m.LedgerEntries(ctx, affiliate.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "batch is all-or-nothing")

	n, err := m.MarkLedgerSettled(ctx, "s-1", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.MarkLedgerSettled(ctx, "s-1", t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemory_ReassignLeadsToHQ(t *testing.T) {
	// GIVEN: A manager-direct lead, an agent lead whose stored manager is
	//        someone else, and another agent's lead
	// WHEN: Reassigning for the manager and the first agent
	// THEN: The first two move, the third does not

	ctx := context.Background()
	m := store.NewMemory()
	leads := []affiliate.Lead{
		{ID: "l-direct", ManagerID: pid("m-1")},
		{ID: "l-agent", AgentID: pid("a-1"), ManagerID: pid("m-old")},
		{ID: "l-other", AgentID: pid("a-9"), ManagerID: pid("m-1")},
	}
	for _, l := range leads {
		require.NoError(t, m.CreateLead(ctx, l))
	}

	moved, err := m.ReassignLeadsToHQ(ctx, affiliate.LeadReassignment{
		ManagerID: pid("m-1"), AgentIDs: []affiliate.PartnerID{"a-1"}, RecoveredFrom: "m-1", At: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, []affiliate.LeadID{"l-direct", "l-agent"}, moved)

	other, err := m.GetLead(ctx, "l-other")
	require.NoError(t, err)
	assert.True(t, other.IsOwned())

	direct, err := m.GetLead(ctx, "l-direct")
	require.NoError(t, err)
	assert.False(t, direct.IsOwned())
	assert.Equal(t, affiliate.PartnerID("m-1"), *direct.RecoveredFrom)

	count, err := m.CountLeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMemory_ClaimRecoveryOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	due := t0.Add(-time.Minute)
	require.NoError(t, m.CreateContract(ctx, affiliate.Contract{ID: "c-1", Status: affiliate.ContractTerminated, RecoveryDueAt: &due}))
	require.NoError(t, m.CreateContract(ctx, affiliate.Contract{ID: "c-2", Status: affiliate.ContractCompleted}))

	list, err := m.ContractsDueForRecovery(ctx, t0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, m.SetRecoveryError(ctx, "c-1", "disk full"))
	ok, err := m.ClaimRecovery(ctx, "c-1", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.ClaimRecovery(ctx, "c-1", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.ClaimRecovery(ctx, "c-2", t0)
	require.NoError(t, err)
	assert.False(t, ok, "only terminated contracts recover")

	c, err := m.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.DBRecovered)
	assert.Empty(t, c.RecoveryError)

	list, err = m.ContractsDueForRecovery(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemory_LeadsByPhoneNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateLead(ctx, affiliate.Lead{ID: "old", Phone: "+821012345678", CreatedAt: t0}))
	require.NoError(t, m.CreateLead(ctx, affiliate.Lead{ID: "new", Phone: "+821012345678", CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, m.CreateLead(ctx, affiliate.Lead{ID: "else", Phone: "+821099999999", CreatedAt: t0}))

	leads, err := m.LeadsByPhone(ctx, "+821012345678")
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, affiliate.LeadID("new"), leads[0].ID)
}

func TestMemory_OutboxAttempts(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.EnqueueNotification(ctx, affiliate.Notification{ID: "n-1", Kind: affiliate.NotifySaleSubmitted}))
	require.NoError(t, m.EnqueueNotification(ctx, affiliate.Notification{ID: "n-2", Kind: affiliate.NotifySaleApproved}))

	require.NoError(t, m.MarkNotificationFailed(ctx, "n-1", "timeout"))
	require.NoError(t, m.MarkNotificationFailed(ctx, "n-1", "timeout"))
	require.NoError(t, m.MarkNotificationSent(ctx, "n-2", t0))

	pending, err := m.PendingNotifications(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	pending, err = m.PendingNotifications(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
