package rewards_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/ledger"
	"github.com/warp/recognition-engine/rewards"
	"github.com/warp/recognition-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const org = "org-1"

type fixture struct {
	store  *sqlite.Store
	svc    *rewards.Service
	ledger *ledger.Ledger
	admin  domain.User
}

func newFixture(t *testing.T) *fixture {
	return newFixtureAt(t, ":memory:")
}

// newFileFixture backs the fixture with a WAL database file, where
// concurrent transactions hold separate connections and really contend.
func newFileFixture(t *testing.T) *fixture {
	return newFixtureAt(t, filepath.Join(t.TempDir(), "rewards.db"))
}

// backends runs a test against both database kinds.
var backends = map[string]func(*testing.T) *fixture{
	"memory": newFixture,
	"file":   newFileFixture,
}

func newFixtureAt(t *testing.T, path string) *fixture {
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, svc: rewards.NewService(store, nil), ledger: ledger.New(store, nil)}
	f.admin = f.addUser(t, "hr", domain.RoleHRAdmin, 0)
	return f
}

func (f *fixture) addUser(t *testing.T, id string, role domain.Role, balance int64) domain.User {
	ctx := context.Background()
	u := domain.User{ID: id, OrgID: org, Email: id + "@acme.test", FirstName: id, Role: role, Active: true}
	require.NoError(t, f.store.SaveUser(ctx, u))
	if balance > 0 {
		require.NoError(t, f.ledger.PostEntries(ctx, []domain.LedgerEntry{{
			OrgID: org, UserID: id, Delta: balance,
			Reason: domain.ReasonAdjustment, RefType: domain.RefAdjustment, RefID: "seed-" + id,
		}}))
	}
	got, err := f.store.GetUser(ctx, org, id)
	require.NoError(t, err)
	return *got
}

func (f *fixture) addReward(t *testing.T, id string, points, availability int64, opts ...func(*domain.Reward)) domain.Reward {
	r := domain.Reward{
		ID: id, OrgID: org, Title: id, RewardType: domain.RewardPhysicalProduct,
		Provider: domain.ProviderInternal, PointsRequired: points, Availability: availability,
		Active: true, Regions: []string{"IN"},
	}
	for _, opt := range opts {
		opt(&r)
	}
	require.NoError(t, f.store.SaveReward(context.Background(), r))
	return r
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	u, err := f.store.GetUser(context.Background(), org, id)
	require.NoError(t, err)
	return u.PointsBalance
}

func (f *fixture) availability(t *testing.T, id string) int64 {
	r, err := f.store.GetReward(context.Background(), org, id)
	require.NoError(t, err)
	return r.Availability
}

func priced(prices map[domain.Currency]string) func(*domain.Reward) {
	return func(r *domain.Reward) {
		r.Prices = make(map[domain.Currency]decimal.Decimal, len(prices))
		for c, p := range prices {
			r.Prices[c] = decimal.RequireFromString(p)
		}
	}
}

// =============================================================================
// REDEEM
// =============================================================================

func TestRedeem_DebitsBalanceAndStock(t *testing.T) {
	// GIVEN: Employee with 300 points, reward costing 200 with 1 in stock
	// WHEN: Redeeming it
	// THEN: Balance 100, stock 0, pending_fulfillment, one -200 ledger entry

	f := newFixture(t)
	ctx := context.Background()
	emp := f.addUser(t, "emp", domain.RoleEmployee, 300)
	f.addReward(t, "headphones", 200, 1)

	red, err := f.svc.Redeem(ctx, emp, "headphones", map[string]string{"city": "Pune"})
	require.NoError(t, err)

	assert.Equal(t, domain.RedemptionPendingFulfillment, red.Status)
	assert.Equal(t, int64(200), red.PointsUsed)
	assert.Equal(t, int64(100), f.balance(t, "emp"))
	assert.Equal(t, int64(0), f.availability(t, "headphones"))

	entries, err := f.store.ListEntriesByRef(ctx, org, domain.RefRedemption, red.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-200), entries[0].Delta)
	assert.Equal(t, domain.ReasonRewardRedemption, entries[0].Reason)

	stored, err := f.store.GetRedemption(ctx, org, red.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pune", stored.DeliveryAddress["city"])

	rec, err := f.ledger.Reconcile(ctx, org, "emp")
	require.NoError(t, err)
	assert.True(t, rec.OK())
}

func TestRedeem_InsufficientPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emp := f.addUser(t, "emp", domain.RoleEmployee, 150)
	f.addReward(t, "watch", 200, 3)

	_, err := f.svc.Redeem(ctx, emp, "watch", nil)
	var ipErr *domain.InsufficientPointsError
	require.ErrorAs(t, err, &ipErr)
	assert.Equal(t, int64(150), ipErr.Available)
	assert.Equal(t, int64(200), ipErr.Required)

	assert.Equal(t, int64(150), f.balance(t, "emp"))
	assert.Equal(t, int64(3), f.availability(t, "watch"))
	mine, err := f.svc.ListMine(ctx, emp, 0)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestRedeem_OutOfStock(t *testing.T) {
	f := newFixture(t)
	emp := f.addUser(t, "emp", domain.RoleEmployee, 500)
	f.addReward(t, "gone", 100, 0)

	_, err := f.svc.Redeem(context.Background(), emp, "gone", nil)
	assert.ErrorIs(t, err, domain.ErrOutOfStock)
	assert.Equal(t, int64(500), f.balance(t, "emp"))
}

func TestRedeem_MissingOrInactiveReward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emp := f.addUser(t, "emp", domain.RoleEmployee, 500)
	f.addReward(t, "retired", 100, 5, func(r *domain.Reward) { r.Active = false })

	_, err := f.svc.Redeem(ctx, emp, "retired", nil)
	assert.True(t, domain.IsNotFound(err))
	_, err = f.svc.Redeem(ctx, emp, "missing", nil)
	assert.True(t, domain.IsNotFound(err))
	_, err = f.svc.Redeem(ctx, emp, "", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRedeem_OtherOrgRewardIsNotFound(t *testing.T) {
	f := newFixture(t)
	emp := f.addUser(t, "emp", domain.RoleEmployee, 500)
	require.NoError(t, f.store.SaveReward(context.Background(), domain.Reward{
		ID: "foreign", OrgID: "org-2", Title: "x", RewardType: domain.RewardVoucher,
		Provider: domain.ProviderInternal, PointsRequired: 10, Availability: 10, Active: true,
	}))

	_, err := f.svc.Redeem(context.Background(), emp, "foreign", nil)
	assert.True(t, domain.IsNotFound(err))
}

func TestRedeem_ConcurrentLastUnit(t *testing.T) {
	// GIVEN: A reward with availability 1 and 20 employees who can afford it
	// WHEN: All of them redeem at the same time
	// THEN: Exactly one redemption, 19 OutOfStockErrors, stock never negative

	for name, newF := range backends {
		t.Run(name, func(t *testing.T) {
			f := newF(t)
			ctx := context.Background()
			buyers := make([]domain.User, 20)
			for i := range buyers {
				buyers[i] = f.addUser(t, fmt.Sprintf("emp-%02d", i), domain.RoleEmployee, 500)
			}
			f.addReward(t, "last", 200, 1)

			var (
				wg   sync.WaitGroup
				errs = make([]error, len(buyers))
			)
			for i, u := range buyers {
				wg.Add(1)
				go func(i int, u domain.User) {
					defer wg.Done()
					_, errs[i] = f.svc.Redeem(ctx, u, "last", nil)
				}(i, u)
			}
			wg.Wait()

			var ok, outOfStock int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case assert.ErrorIs(t, err, domain.ErrOutOfStock):
					outOfStock++
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, len(buyers)-1, outOfStock)
			assert.Equal(t, int64(0), f.availability(t, "last"))

			var total int64
			for _, u := range buyers {
				total += f.balance(t, u.ID)
			}
			assert.Equal(t, int64(len(buyers))*500-200, total)

			all, err := f.svc.ListAll(ctx, f.admin, "")
			require.NoError(t, err)
			assert.Len(t, all, 1)

			drifted, err := f.ledger.ReconcileOrg(ctx, org)
			require.NoError(t, err)
			assert.Empty(t, drifted)
		})
	}
}

func TestRedeem_ConcurrentSameUserNeverOverdraws(t *testing.T) {
	// GIVEN: An employee with 300 points and a 200 point reward in stock
	// WHEN: Ten redemptions from that employee race
	// THEN: One succeeds, the rest fail on points, the balance stays >= 0

	for name, newF := range backends {
		t.Run(name, func(t *testing.T) {
			f := newF(t)
			ctx := context.Background()
			emp := f.addUser(t, "emp", domain.RoleEmployee, 300)
			f.addReward(t, "mug", 200, 10)

			var wg sync.WaitGroup
			errs := make([]error, 10)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = f.svc.Redeem(ctx, emp, "mug", nil)
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				assert.ErrorIs(t, err, domain.ErrInsufficientPoints)
			}
			assert.Equal(t, 1, succeeded)
			assert.Equal(t, int64(100), f.balance(t, "emp"))
			assert.Equal(t, int64(9), f.availability(t, "mug"))

			drifted, err := f.ledger.ReconcileOrg(ctx, org)
			require.NoError(t, err)
			assert.Empty(t, drifted)
		})
	}
}

func TestInitialStatus(t *testing.T) {
	tests := []struct {
		name     string
		provider domain.Provider
		typ      domain.RewardType
		want     domain.RedemptionStatus
	}{
		{"internal product", domain.ProviderInternal, domain.RewardPhysicalProduct, domain.RedemptionPendingFulfillment},
		{"manual vendor", domain.ProviderManualVendor, domain.RewardExperience, domain.RedemptionPendingFulfillment},
		{"amazon provider", domain.ProviderAmazonGiftCard, domain.RewardVoucher, domain.RedemptionPendingCode},
		{"gift card type", domain.ProviderInternal, domain.RewardGiftCard, domain.RedemptionPendingCode},
		{"digital type", domain.ProviderManualVendor, domain.RewardDigitalProduct, domain.RedemptionPendingCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rewards.InitialStatus(domain.Reward{Provider: tt.provider, RewardType: tt.typ})
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// FULFILLMENT
// =============================================================================

func redeemed(t *testing.T, f *fixture) *domain.Redemption {
	emp := f.addUser(t, "emp", domain.RoleEmployee, 1000)
	f.addReward(t, "speaker", 400, 5)
	red, err := f.svc.Redeem(context.Background(), emp, "speaker", nil)
	require.NoError(t, err)
	return red
}

func status(s domain.RedemptionStatus) *domain.RedemptionStatus { return &s }
func str(s string) *string { return &s }

func TestUpdateRedemption_StampsTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	red := redeemed(t, f)

	shipped, err := f.svc.UpdateRedemption(ctx, f.admin, red.ID, rewards.RedemptionPatch{
		Status: status(domain.RedemptionShipped), TrackingNumber: str("TRK-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "TRK-1", shipped.TrackingNumber)
	assert.Nil(t, shipped.DeliveredAt)
	assert.Nil(t, shipped.FulfilledAt)

	delivered, err := f.svc.UpdateRedemption(ctx, f.admin, red.ID, rewards.RedemptionPatch{
		Status: status(domain.RedemptionDelivered),
	})
	require.NoError(t, err)
	require.NotNil(t, delivered.DeliveredAt)
	assert.Nil(t, delivered.FulfilledAt)

	fulfilled, err := f.svc.UpdateRedemption(ctx, f.admin, red.ID, rewards.RedemptionPatch{
		Status: status(domain.RedemptionFulfilled),
	})
	require.NoError(t, err)
	require.NotNil(t, fulfilled.FulfilledAt)
	assert.True(t, fulfilled.DeliveredAt.Equal(*delivered.DeliveredAt), "delivered_at kept")

	stored, err := f.store.GetRedemption(ctx, org, red.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionFulfilled, stored.Status)
	assert.Equal(t, "TRK-1", stored.TrackingNumber)
	assert.Equal(t, int64(400), stored.PointsUsed)

	audit, err := f.store.ListAudit(ctx, org, 10)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestUpdateRedemption_ExplicitDeliveredAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	red := redeemed(t, f)
	at := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

	_, err := f.svc.UpdateRedemption(ctx, f.admin, red.ID, rewards.RedemptionPatch{DeliveredAt: &at})
	assert.ErrorIs(t, err, domain.ErrValidation, "still pending")

	updated, err := f.svc.UpdateRedemption(ctx, f.admin, red.ID, rewards.RedemptionPatch{
		Status: status(domain.RedemptionDelivered), DeliveredAt: &at,
	})
	require.NoError(t, err)
	assert.True(t, updated.DeliveredAt.Equal(at))
}

func TestUpdateRedemption_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	red := redeemed(t, f)

	_, err := f.svc.UpdateRedemption(ctx, f.admin, red.ID, rewards.RedemptionPatch{Status: status("lost")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	emp, err := f.store.GetUser(ctx, org, "emp")
	require.NoError(t, err)
	_, err = f.svc.UpdateRedemption(ctx, *emp, red.ID, rewards.RedemptionPatch{Status: status(domain.RedemptionCancelled)})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.ListAll(ctx, *emp, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.UpdateRedemption(ctx, f.admin, "missing", rewards.RedemptionPatch{})
	assert.True(t, domain.IsNotFound(err))
}

func TestListAll_StatusFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emp := f.addUser(t, "emp", domain.RoleEmployee, 1000)
	f.addReward(t, "book", 100, 5)
	f.addReward(t, "card", 100, 5, func(r *domain.Reward) { r.RewardType = domain.RewardGiftCard })

	_, err := f.svc.Redeem(ctx, emp, "book", nil)
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, emp, "card", nil)
	require.NoError(t, err)

	codes, err := f.svc.ListAll(ctx, f.admin, domain.RedemptionPendingCode)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "card", codes[0].RewardID)

	_, err = f.svc.ListAll(ctx, f.admin, "bogus")
	assert.ErrorIs(t, err, domain.ErrValidation)

	mine, err := f.svc.ListMine(ctx, emp, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestList_RegionAndCurrencyOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emp := f.addUser(t, "emp", domain.RoleEmployee, 0)

	f.addReward(t, "cheap-points", 100, 5, priced(map[domain.Currency]string{"INR": "2999.00", "USD": "39.99"}))
	f.addReward(t, "cheap-usd", 500, 5, priced(map[domain.Currency]string{"INR": "1999.50", "USD": "24.99"}))
	f.addReward(t, "no-usd", 50, 5, priced(map[domain.Currency]string{"INR": "499"}))
	f.addReward(t, "us-only", 10, 5, func(r *domain.Reward) { r.Regions = []string{"US"} })
	f.addReward(t, "inactive", 10, 5, func(r *domain.Reward) { r.Active = false })

	list, err := f.svc.List(ctx, emp, rewards.CatalogQuery{Region: "IN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"no-usd", "cheap-points", "cheap-usd"}, rewardIDs(list), "points order")

	list, err = f.svc.List(ctx, emp, rewards.CatalogQuery{Region: "IN", Currency: domain.CurrencyUSD})
	require.NoError(t, err)
	assert.Equal(t, []string{"cheap-usd", "cheap-points", "no-usd"}, rewardIDs(list))

	list, err = f.svc.List(ctx, emp, rewards.CatalogQuery{Currency: domain.CurrencyINR, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"no-usd", "cheap-usd"}, rewardIDs(list))

	list, err = f.svc.List(ctx, emp, rewards.CatalogQuery{})
	require.NoError(t, err)
	assert.Len(t, list, 4)

	_, err = f.svc.List(ctx, emp, rewards.CatalogQuery{Currency: "GBP"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.List(ctx, emp, rewards.CatalogQuery{Region: "APAC"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func rewardIDs(rs []domain.Reward) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestCreateReward_AdminOnlyAndValidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emp := f.addUser(t, "emp", domain.RoleEmployee, 0)

	in := rewards.RewardInput{
		Title:          "Coffee voucher",
		RewardType:     domain.RewardVoucher,
		PointsRequired: 150,
		Prices:         map[domain.Currency]decimal.Decimal{domain.CurrencyINR: decimal.RequireFromString("350.00")},
		Availability:   20,
		Regions:        []string{"IN"},
	}

	_, err := f.svc.CreateReward(ctx, emp, in)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	bad := in
	bad.PointsRequired = 0
	_, err = f.svc.CreateReward(ctx, f.admin, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad = in
	bad.Prices = map[domain.Currency]decimal.Decimal{domain.CurrencyUSD: decimal.NewFromInt(-1)}
	_, err = f.svc.CreateReward(ctx, f.admin, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad = in
	bad.Provider = "courier"
	_, err = f.svc.CreateReward(ctx, f.admin, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	created, err := f.svc.CreateReward(ctx, f.admin, in)
	require.NoError(t, err)
	assert.True(t, created.Active)
	assert.Equal(t, domain.ProviderInternal, created.Provider)

	stored, err := f.store.GetReward(ctx, org, created.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("350").Equal(stored.Price(domain.CurrencyINR)))
	assert.True(t, stored.Price(domain.CurrencyUSD).IsZero())

	audit, err := f.store.ListAudit(ctx, org, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, domain.AuditRewardCreated, audit[0].Action)
}

func TestUpdateReward_Patch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emp := f.addUser(t, "emp", domain.RoleEmployee, 0)
	f.addReward(t, "bag", 300, 2)

	inactive := false
	restock := int64(10)
	updated, err := f.svc.UpdateReward(ctx, f.admin, "bag", rewards.RewardPatch{Active: &inactive, Availability: &restock})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, int64(10), updated.Availability)
	assert.Equal(t, int64(300), updated.PointsRequired)

	_, err = f.svc.Get(ctx, emp, "bag")
	assert.True(t, domain.IsNotFound(err), "inactive rewards are hidden from employees")
	got, err := f.svc.Get(ctx, f.admin, "bag")
	require.NoError(t, err)
	assert.False(t, got.Active)

	negative := int64(-1)
	_, err = f.svc.UpdateReward(ctx, f.admin, "bag", rewards.RewardPatch{Availability: &negative})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.UpdateReward(ctx, emp, "bag", rewards.RewardPatch{Active: &inactive})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
