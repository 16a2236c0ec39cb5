package affiliate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin    = affiliate.AdminActor("admin-1")
	reviewer = affiliate.AdminActor("admin-2")
)

const (
	phoneKim  = "010-1234-5678"
	phoneLee  = "010-2222-3333"
	phonePark = "010-9876-5432"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier keeps every delivered notification and can be told to fail.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []affiliate.Notification
	fail error
}

func (r *recordingNotifier) Notify(_ context.Context, n affiliate.Notification, _ *affiliate.Partner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) setFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *recordingNotifier) kinds() []affiliate.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]affiliate.NotificationKind, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	notifier *recordingNotifier
	eng      *affiliate.Engine
}

func june1() time.Time { return time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC) }

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, store.NewMemory())
}

func newFixtureWith(t *testing.T, s affiliate.TxStore) *fixture {
	t.Helper()
	clock := &testClock{now: june1()}
	notifier := &recordingNotifier{}
	eng := affiliate.NewEngine(s, affiliate.Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clock.Now,
		Notifier: notifier,
	})
	return &fixture{t: t, ctx: context.Background(), clock: clock, notifier: notifier, eng: eng}
}

func (f *fixture) enroll(role affiliate.PartnerRole, name string) affiliate.Partner {
	f.t.Helper()
	p, err := f.eng.Directory.Enroll(f.ctx, affiliate.EnrollInput{Role: role, Name: name, Email: name + "@example.com"}, admin)
	require.NoError(f.t, err)
	return *p
}

func (f *fixture) manager(name string) affiliate.Partner { return f.enroll(affiliate.RoleManager, name) }
func (f *fixture) agent(name string) affiliate.Partner   { return f.enroll(affiliate.RoleAgent, name) }

func (f *fixture) recruit(m, a affiliate.Partner) {
	f.t.Helper()
	_, err := f.eng.Directory.Recruit(f.ctx, m.ID, a.ID, admin)
	require.NoError(f.t, err)
}

// branch enrolls a manager with one recruited agent.
func (f *fixture) branch(managerName, agentName string) (affiliate.Partner, affiliate.Partner) {
	m := f.manager(managerName)
	a := f.agent(agentName)
	f.recruit(m, a)
	return m, a
}

func (f *fixture) tier(id, product, cabin, fare string, from time.Time, to *time.Time, hq, branch, sales int64) {
	f.t.Helper()
	require.NoError(f.t, f.eng.Store.SaveTier(f.ctx, affiliate.CommissionTier{
		ID:            affiliate.TierID(id),
		ProductID:     product,
		CabinType:     cabin,
		FareCategory:  fare,
		EffectiveFrom: from,
		EffectiveTo:   to,
		SaleAmount:    affiliate.NewAmount(2_500_000),
		CostAmount:    affiliate.NewAmount(1_950_000),
		HQShare:       affiliate.NewAmount(hq),
		BranchShare:   affiliate.NewAmount(branch),
		SalesShare:    affiliate.NewAmount(sales),
	}))
}

// balconyTier is the standard 7-night balcony tier: 300k / 150k / 100k.
func (f *fixture) balconyTier() {
	f.tier("tier-balcony", "CRUISE-7N", "BALCONY", "STANDARD", date(2025, time.January, 1), nil, 300_000, 150_000, 100_000)
}

func (f *fixture) leadFor(a affiliate.Partner, phone string) affiliate.Lead {
	f.t.Helper()
	l, err := f.eng.Leads.CaptureLead(f.ctx, affiliate.LeadInput{
		CustomerName: "Customer " + phone,
		Phone:        phone,
		Channel:      "referral",
		AgentID:      &a.ID,
	}, affiliate.PartnerActor(a.ID))
	require.NoError(f.t, err)
	return *l
}

func (f *fixture) managerLead(m affiliate.Partner, phone string) affiliate.Lead {
	f.t.Helper()
	l, err := f.eng.Leads.CaptureLead(f.ctx, affiliate.LeadInput{
		CustomerName: "Customer " + phone,
		Phone:        phone,
		Channel:      "walk-in",
		ManagerID:    &m.ID,
	}, affiliate.PartnerActor(m.ID))
	require.NoError(f.t, err)
	return *l
}

// agentSale records a balcony sale by the agent.
func (f *fixture) agentSale(a affiliate.Partner, phone string) affiliate.Sale {
	f.t.Helper()
	s, err := f.eng.Sales.RecordSale(f.ctx, affiliate.SaleInput{
		ProductID:     "CRUISE-7N",
		CabinType:     "BALCONY",
		FareCategory:  "STANDARD",
		SaleAmount:    affiliate.NewAmount(2_500_000),
		CostAmount:    affiliate.NewAmount(1_950_000),
		CustomerName:  "Customer " + phone,
		CustomerPhone: phone,
		AgentID:       &a.ID,
	}, affiliate.PartnerActor(a.ID))
	require.NoError(f.t, err)
	return *s
}

func (f *fixture) submit(s affiliate.Sale, by affiliate.Actor) affiliate.Sale {
	f.t.Helper()
	out, err := f.eng.Sales.SubmitEvidence(f.ctx, s.ID, "s3://evidence/"+string(s.ID)+".pdf", "BOOKING_CONFIRMATION", by)
	require.NoError(f.t, err)
	return *out
}

// activeContract creates, sends and signs a contract for the partner.
func (f *fixture) activeContract(p affiliate.Partner, signedAt time.Time) affiliate.Contract {
	f.t.Helper()
	c, err := f.eng.Contracts.CreateContract(f.ctx, p.ID, admin)
	require.NoError(f.t, err)
	_, err = f.eng.Contracts.SendForSignature(f.ctx, c.ID, admin)
	require.NoError(f.t, err)
	signed, err := f.eng.Contracts.CompleteSignature(f.ctx, c.ID, signedAt, affiliate.PartnerActor(p.ID))
	require.NoError(f.t, err)
	return *signed
}

func (f *fixture) lead(id affiliate.LeadID) affiliate.Lead {
	f.t.Helper()
	l, err := f.eng.Leads.GetLead(f.ctx, id)
	require.NoError(f.t, err)
	return *l
}

func (f *fixture) contract(id affiliate.ContractID) affiliate.Contract {
	f.t.Helper()
	c, err := f.eng.Contracts.GetContract(f.ctx, id)
	require.NoError(f.t, err)
	return *c
}

func (f *fixture) audit(target string, action affiliate.AuditAction) []affiliate.AuditRecord {
	f.t.Helper()
	recs, err := f.eng.Store.QueryAudit(f.ctx, affiliate.AuditFilter{TargetID: target, Actions: []affiliate.AuditAction{action}})
	require.NoError(f.t, err)
	return recs
}

func (f *fixture) ledger(id affiliate.SaleID) map[affiliate.Beneficiary]affiliate.LedgerEntry {
	f.t.Helper()
	entries, err := f.eng.Sales.LedgerEntries(f.ctx, affiliate.LedgerFilter{SaleID: &id})
	require.NoError(f.t, err)
	out := make(map[affiliate.Beneficiary]affiliate.LedgerEntry, len(entries))
	for _, e := range entries {
		out[e.Beneficiary] = e
	}
	require.Len(f.t, out, len(entries), "one entry per beneficiary")
	return out
}

func amount(v int64) affiliate.Amount { return affiliate.NewAmount(v) }

// =============================================================================
// FAILURE INJECTION
// =============================================================================

var errDiskFull = errors.New("disk full")

// failingStore hands WithTx callbacks a store whose lead reassignment fails
// while failReassign is set.
type failingStore struct {
	*store.Memory
	failReassign atomic.Bool
}

func (f *failingStore) WithTx(ctx context.Context, fn func(affiliate.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx affiliate.Store) error {
		return fn(&failingTx{Store: tx, parent: f})
	})
}

type failingTx struct {
	affiliate.Store
	parent *failingStore
}

func (t *failingTx) ReassignLeadsToHQ(ctx context.Context, r affiliate.LeadReassignment) ([]affiliate.LeadID, error) {
	if t.parent.failReassign.Load() {
		return nil, errDiskFull
	}
	return t.Store.ReassignLeadsToHQ(ctx, r)
}
