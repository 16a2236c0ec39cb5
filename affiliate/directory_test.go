package affiliate_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
)

func TestEnroll_GeneratesRolePrefixedCode(t *testing.T) {
	// GIVEN: An empty directory
	// WHEN: Back office enrolls a manager and an agent without codes
	// THEN: Both are ACTIVE with BM-/AG- codes and an audit record each

	f := newFixture(t)
	m := f.manager("Seoul Branch")
	a := f.agent("Kim")

	assert.True(t, strings.HasPrefix(m.AffiliateCode, "BM-"), m.AffiliateCode)
	assert.True(t, strings.HasPrefix(a.AffiliateCode, "AG-"), a.AffiliateCode)
	assert.Equal(t, affiliate.PartnerActive, m.Status)
	assert.Len(t, f.audit(string(m.ID), affiliate.AuditPartnerEnrolled), 1)

	byCode, err := f.eng.Directory.GetPartnerByCode(f.ctx, a.AffiliateCode)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byCode.ID)
}

func TestEnroll_RequiresBackOffice(t *testing.T) {
	f := newFixture(t)
	m := f.manager("Seoul Branch")

	_, err := f.eng.Directory.Enroll(f.ctx, affiliate.EnrollInput{Role: affiliate.RoleAgent, Name: "Lee"}, affiliate.PartnerActor(m.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)
}

func TestEnroll_DuplicateCodeIsValidationError(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Directory.Enroll(f.ctx, affiliate.EnrollInput{Role: affiliate.RoleAgent, Name: "Kim", AffiliateCode: "ag-kim"}, admin)
	require.NoError(t, err)

	_, err = f.eng.Directory.Enroll(f.ctx, affiliate.EnrollInput{Role: affiliate.RoleAgent, Name: "Kim 2", AffiliateCode: "AG-KIM"}, admin)
	assert.ErrorIs(t, err, affiliate.ErrValidation)
}

func TestRecruit_AgentHasSingleActiveManager(t *testing.T) {
	// GIVEN: Agent already reporting to manager A
	// WHEN: Manager B tries to recruit the same agent
	// THEN: Refused; the agent still reports to A only

	f := newFixture(t)
	mA, a := f.branch("Branch A", "Kim")
	mB := f.manager("Branch B")

	_, err := f.eng.Directory.Recruit(f.ctx, mB.ID, a.ID, affiliate.PartnerActor(mB.ID))
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	rel, err := f.eng.Directory.ActiveRelationForAgent(f.ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, mA.ID, rel.ManagerID)
}

func TestRecruit_RoleChecks(t *testing.T) {
	f := newFixture(t)
	m1 := f.manager("Branch A")
	m2 := f.manager("Branch B")
	a := f.agent("Kim")

	_, err := f.eng.Directory.Recruit(f.ctx, m1.ID, m2.ID, admin)
	assert.ErrorIs(t, err, affiliate.ErrValidation, "a manager cannot be recruited")

	_, err = f.eng.Directory.Recruit(f.ctx, m1.ID, a.ID, affiliate.PartnerActor(m2.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized, "only the recruiting manager")

	_, err = f.eng.Directory.Recruit(f.ctx, m1.ID, "nobody", admin)
	assert.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestRelease_OnlyCurrentManager(t *testing.T) {
	f := newFixture(t)
	m, a := f.branch("Branch A", "Kim")
	other := f.manager("Branch B")

	_, err := f.eng.Directory.Release(f.ctx, a.ID, affiliate.PartnerActor(other.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)

	ended, err := f.eng.Directory.Release(f.ctx, a.ID, affiliate.PartnerActor(m.ID))
	require.NoError(t, err)
	assert.Equal(t, affiliate.RelationEnded, ended.Status)
	assert.NotNil(t, ended.DisconnectedAt)

	agents, err := f.eng.Directory.ActiveAgentsUnderManager(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestTransfer_KeepsHistory(t *testing.T) {
	// GIVEN: Agent under manager A
	// WHEN: Back office transfers the agent to manager B
	// THEN: History holds the ended A relation and the active B relation

	f := newFixture(t)
	mA, a := f.branch("Branch A", "Kim")
	mB := f.manager("Branch B")

	f.clock.Advance(1)
	_, err := f.eng.Directory.Transfer(f.ctx, a.ID, mB.ID, admin)
	require.NoError(t, err)

	history, err := f.eng.Directory.RelationHistory(f.ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, mA.ID, history[0].ManagerID)
	assert.Equal(t, affiliate.RelationEnded, history[0].Status)
	assert.Equal(t, mB.ID, history[1].ManagerID)
	assert.Equal(t, affiliate.RelationActive, history[1].Status)

	underA, err := f.eng.Directory.ActiveAgentsUnderManager(f.ctx, mA.ID)
	require.NoError(t, err)
	assert.Empty(t, underA)
	underB, err := f.eng.Directory.ActiveAgentsUnderManager(f.ctx, mB.ID)
	require.NoError(t, err)
	require.Len(t, underB, 1)
	assert.Equal(t, a.ID, underB[0].ID)
}

func TestTransfer_SameManagerRefused(t *testing.T) {
	f := newFixture(t)
	m, a := f.branch("Branch A", "Kim")

	_, err := f.eng.Directory.Transfer(f.ctx, a.ID, m.ID, admin)
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	_, err = f.eng.Directory.Transfer(f.ctx, a.ID, m.ID, affiliate.PartnerActor(m.ID))
	assert.ErrorIs(t, err, affiliate.ErrUnauthorized)
}
