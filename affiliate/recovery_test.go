package affiliate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
)

func TestTerminateManager_RecoversWholeBranch(t *testing.T) {
	// GIVEN: Manager A with agents Kim and Lee, a direct lead, one lead per
	//        agent, an open sale by Kim, and an unrelated branch B lead
	// WHEN: Manager A's contract is terminated
	// THEN: All three branch A leads point to HQ, both relations end, the
	//       sale keeps its attribution, branch B is untouched, nothing is deleted

	f := newFixture(t)
	f.balconyTier()
	mA, kim := f.branch("Branch A", "Kim")
	lee := f.agent("Lee")
	f.recruit(mA, lee)
	_, park := f.branch("Branch B", "Park")

	direct := f.managerLead(mA, "010-5555-0001")
	kimLead := f.leadFor(kim, phoneKim)
	leeLead := f.leadFor(lee, phoneLee)
	parkLead := f.leadFor(park, phonePark)
	sale := f.submit(f.agentSale(kim, phoneKim), affiliate.PartnerActor(kim.ID))
	salesBefore, err := f.eng.Store.CountSales(f.ctx)
	require.NoError(t, err)

	c := f.activeContract(mA, date(2025, time.January, 1))
	f.clock.Advance(time.Hour)

	res, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "closed branch", admin)
	require.NoError(t, err)
	require.NoError(t, res.RecoveryErr)
	require.NotNil(t, res.Recovery)
	assert.ElementsMatch(t, []affiliate.LeadID{direct.ID, kimLead.ID, leeLead.ID}, res.Recovery.LeadsMoved)
	assert.Len(t, res.Recovery.RelationsEnded, 2)
	assert.True(t, res.Contract.DBRecovered)
	assert.NotNil(t, res.Contract.RecoveredAt)

	for _, id := range []affiliate.LeadID{direct.ID, kimLead.ID, leeLead.ID} {
		l := f.lead(id)
		assert.False(t, l.IsOwned(), "lead %s", id)
		require.NotNil(t, l.RecoveredFrom)
		assert.Equal(t, mA.ID, *l.RecoveredFrom)
		assert.NotNil(t, l.RecoveredAt)
	}
	assert.Equal(t, park.ID, *f.lead(parkLead.ID).AgentID)

	count, err := f.eng.Store.CountLeads(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	salesAfter, err := f.eng.Store.CountSales(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, salesBefore, salesAfter)

	own, err := f.eng.Resolver.ResolveOwnership(f.ctx, identity(phoneKim))
	require.NoError(t, err)
	assert.Equal(t, affiliate.OwnerNone, own.Type)

	agents, err := f.eng.Directory.ActiveAgentsUnderManager(f.ctx, mA.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)

	current, err := f.eng.Sales.GetSale(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.SalePendingApproval, current.Status)
	assert.Equal(t, kim.ID, *current.AgentID)
	assert.Equal(t, mA.ID, *current.ManagerID)

	assert.Len(t, f.audit(string(c.ID), affiliate.AuditDBRecovered), 1)
	assert.Contains(t, f.notifier.kinds(), affiliate.NotifyDBRecoverySucceeded)
	assert.Contains(t, f.notifier.kinds(), affiliate.NotifyContractTerminated)

	m, err := f.eng.Directory.GetPartner(f.ctx, mA.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.PartnerInactive, m.Status)
}

func TestRecovery_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	mA, kim := f.branch("Branch A", "Kim")
	kimLead := f.leadFor(kim, phoneKim)
	c := f.activeContract(mA, date(2025, time.January, 1))

	_, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "closed branch", admin)
	require.NoError(t, err)
	before := f.lead(kimLead.ID)

	_, err = f.eng.Contracts.RecoverManagerNow(f.ctx, c.ID, admin)
	assert.ErrorIs(t, err, affiliate.ErrRecoveryInProgressOrDone)

	sweep, err := f.eng.Contracts.RecoverDue(f.ctx, f.clock.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, affiliate.RecoverySweep{}, sweep)

	assert.Equal(t, before, f.lead(kimLead.ID))
	assert.Len(t, f.audit(string(c.ID), affiliate.AuditDBRecovered), 1)
}

func TestRecoverManagerNow_Guards(t *testing.T) {
	f := newFixture(t)
	mA := f.manager("Branch A")
	c := f.activeContract(mA, date(2025, time.January, 1))

	_, err := f.eng.Contracts.RecoverManagerNow(f.ctx, c.ID, admin)
	assert.ErrorIs(t, err, affiliate.ErrInvalidStateTransition, "contract still active")

	_, err = f.eng.Contracts.RecoverManagerNow(f.ctx, c.ID, affiliate.PartnerActor(mA.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	_, err = f.eng.Contracts.RecoverManagerNow(f.ctx, "missing", admin)
	assert.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestTerminateManager_RecoveryFailureKeepsTermination(t *testing.T) {
	// GIVEN: A store whose lead reassignment fails
	// WHEN: A manager is terminated
	// THEN: The termination commits, recovery rolls back entirely (leads and
	//       relations untouched, guard still false), the failure is recorded
	//       and headquarters is notified; the next sweep succeeds

	fs := &failingStore{Memory: store.NewMemory()}
	f := newFixtureWith(t, fs)
	mA, kim := f.branch("Branch A", "Kim")
	kimLead := f.leadFor(kim, phoneKim)
	c := f.activeContract(mA, date(2025, time.January, 1))

	fs.failReassign.Store(true)
	res, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "closed branch", admin)
	require.NoError(t, err, "termination itself succeeds")
	assert.ErrorIs(t, res.RecoveryErr, errDiskFull)
	assert.Nil(t, res.Recovery)

	stored := f.contract(c.ID)
	assert.Equal(t, affiliate.ContractTerminated, stored.Status)
	assert.False(t, stored.DBRecovered)
	assert.Contains(t, stored.RecoveryError, "disk full")

	l := f.lead(kimLead.ID)
	assert.Equal(t, kim.ID, *l.AgentID)
	assert.Equal(t, mA.ID, *l.ManagerID)
	rel, err := f.eng.Directory.ActiveRelationForAgent(f.ctx, kim.ID)
	require.NoError(t, err)
	assert.NotNil(t, rel, "relation not ended by the failed attempt")

	assert.Len(t, f.audit(string(c.ID), affiliate.AuditDBRecoveryFailed), 1)
	assert.Empty(t, f.audit(string(c.ID), affiliate.AuditDBRecovered))
	assert.Contains(t, f.notifier.kinds(), affiliate.NotifyDBRecoveryFailed)

	fs.failReassign.Store(false)
	sweep, err := f.eng.Contracts.RecoverDue(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Recovered)

	recovered := f.contract(c.ID)
	assert.True(t, recovered.DBRecovered)
	assert.Empty(t, recovered.RecoveryError)
	assert.False(t, f.lead(kimLead.ID).IsOwned())
}

func TestTerminateAgent_RecoveryWaitsForDelay(t *testing.T) {
	// GIVEN: An agent with a lead, terminated at T
	// WHEN: The sweep runs at T+1h and at T+24h
	// THEN: Nothing moves before the delay; afterwards the agent's lead goes
	//       to HQ and the agent's relation ends

	f := newFixture(t)
	m, kim := f.branch("Branch A", "Kim")
	lead := f.leadFor(kim, phoneKim)
	c := f.activeContract(kim, date(2025, time.January, 1))

	res, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "left the company", admin)
	require.NoError(t, err)
	assert.Nil(t, res.Recovery)
	assert.NoError(t, res.RecoveryErr)
	require.NotNil(t, res.Contract.RecoveryDueAt)
	terminatedAt := *res.Contract.TerminatedAt
	assert.Equal(t, terminatedAt.Add(affiliate.DefaultRecoveryDelay), *res.Contract.RecoveryDueAt)

	// The relation stays open until recovery, but Kim is no longer listed.
	rel, err := f.eng.Directory.ActiveRelationForAgent(f.ctx, kim.ID)
	require.NoError(t, err)
	require.NotNil(t, rel)
	agents, err := f.eng.Directory.ActiveAgentsUnderManager(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)

	sweep, err := f.eng.Contracts.RecoverDue(f.ctx, terminatedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, sweep.Recovered)
	assert.True(t, f.lead(lead.ID).IsOwned())

	f.clock.Set(terminatedAt.Add(24 * time.Hour))
	sweep, err = f.eng.Contracts.RecoverDue(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Recovered)

	l := f.lead(lead.ID)
	assert.False(t, l.IsOwned())
	assert.Equal(t, kim.ID, *l.RecoveredFrom)

	rel, err = f.eng.Directory.ActiveRelationForAgent(f.ctx, kim.ID)
	require.NoError(t, err)
	assert.Nil(t, rel)

	agents, err = f.eng.Directory.ActiveAgentsUnderManager(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestRecoverManagerNow_OverridesAgentDelay(t *testing.T) {
	f := newFixture(t)
	_, kim := f.branch("Branch A", "Kim")
	lead := f.leadFor(kim, phoneKim)
	c := f.activeContract(kim, date(2025, time.January, 1))
	_, err := f.eng.Contracts.Terminate(f.ctx, c.ID, "left the company", admin)
	require.NoError(t, err)

	report, err := f.eng.Contracts.RecoverManagerNow(f.ctx, c.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, affiliate.RoleAgent, report.Role)
	assert.Equal(t, []affiliate.LeadID{lead.ID}, report.LeadsMoved)
}
