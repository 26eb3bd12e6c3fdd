/*
Package seed loads a demo organization for local development.

PURPOSE:
  Populates an empty database with a small org chart, starting balances
  and a rewards catalog, so the API can be explored right away.

WHAT IT CREATES:
  - org "demo"
  - an HR admin (bootstrapped directly; every other user is provisioned
    through users.Service by that admin, so the audit log is realistic)
  - an executive, two managers and their reports
  - WelcomePoints for every employee, posted as ledger adjustments
  - a catalog of rewards priced in INR, USD and EUR

HOW IT WORKS:
 1. Refuse if the demo org already exists
 2. Save org + admin
 3. Provision the rest of the org chart top-down
 4. Fund employees through the ledger
 5. Create rewards through the catalog service

NOTE:
  Every demo account uses DemoPassword. Development only.

SEE ALSO:
  - cmd/server/main.go: `seed` command
*/
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/rewards"
	"github.com/warp/recognition-engine/users"
)

const (
	DemoOrgID     = "demo"
	DemoPassword  = "demo-password"
	AdminEmail    = "priya.sharma@demo.test"
	WelcomePoints = 1000
)

var ErrAlreadySeeded = errors.New("demo organization already exists")

// Result lists what was created.
type Result struct {
	OrgID   string
	AdminID string
	Users   map[string]string // email -> id
	Rewards int
}

// =============================================================================
// DEMO DATA
// =============================================================================

type person struct {
	email      string
	first      string
	last       string
	role       domain.Role
	department string
	manager    string // email, "" for none
	allowance  int64  // 0 = no allowance
}

// Managers must precede their reports.
var people = []person{
	{"arjun.mehta@demo.test", "Arjun", "Mehta", domain.RoleExecutive, "Leadership", "", 5000},
	{"neha.kapoor@demo.test", "Neha", "Kapoor", domain.RoleManager, "Engineering", "arjun.mehta@demo.test", 500},
	{"vikram.singh@demo.test", "Vikram", "Singh", domain.RoleManager, "Sales", "arjun.mehta@demo.test", 500},
	{"rahul.verma@demo.test", "Rahul", "Verma", domain.RoleEmployee, "Engineering", "neha.kapoor@demo.test", 0},
	{"ananya.iyer@demo.test", "Ananya", "Iyer", domain.RoleEmployee, "Engineering", "neha.kapoor@demo.test", 0},
	{"sara.thomas@demo.test", "Sara", "Thomas", domain.RoleEmployee, "Sales", "vikram.singh@demo.test", 0},
	{"kabir.rao@demo.test", "Kabir", "Rao", domain.RoleEmployee, "Operations", "", 0},
}

type catalogItem struct {
	title         string
	description   string
	category      string
	rewardType    domain.RewardType
	provider      domain.Provider
	points        int64
	availability  int64
	inr, usd, eur string
	regions       []string
	tags          []string
}

var catalog = []catalogItem{
	{
		title: "Sony WH-CH720N Wireless Headphones", description: "Noise canceling wireless headphones with 35-hour battery life",
		category: "electronics", rewardType: domain.RewardPhysicalProduct, provider: domain.ProviderInternal,
		points: 800, availability: 25, inr: "8999.00", usd: "109.99", eur: "99.99",
		regions: []string{"IN"}, tags: []string{"electronics", "audio"},
	},
	{
		title: "Amazon Pay Gift Card - ₹5,000", description: "Digital gift card for Amazon India",
		category: "gift_cards", rewardType: domain.RewardGiftCard, provider: domain.ProviderAmazonGiftCard,
		points: 500, availability: 100, inr: "5000.00", usd: "60.00", eur: "55.00",
		regions: []string{"IN"}, tags: []string{"gift card", "shopping"},
	},
	{
		title: "Fitbit Charge 5 Fitness Tracker", description: "Fitness tracker with GPS and heart rate monitoring",
		category: "fitness", rewardType: domain.RewardPhysicalProduct, provider: domain.ProviderInternal,
		points: 1200, availability: 15, inr: "14999.00", usd: "179.99", eur: "169.99",
		regions: []string{"IN", "US"}, tags: []string{"fitness", "wearable"},
	},
	{
		title: "Myntra Fashion Voucher - ₹4,000", description: "Clothing, footwear and accessories on Myntra",
		category: "fashion", rewardType: domain.RewardVoucher, provider: domain.ProviderManualVendor,
		points: 400, availability: 75, inr: "4000.00", usd: "48.00", eur: "44.00",
		regions: []string{"IN"}, tags: []string{"fashion", "voucher"},
	},
	{
		title: "Starbucks USA Gift Card - $50", description: "Coffee and snacks at any Starbucks in the United States",
		category: "food", rewardType: domain.RewardGiftCard, provider: domain.ProviderManualVendor,
		points: 450, availability: 60, inr: "4200.00", usd: "50.00", eur: "46.00",
		regions: []string{"US"}, tags: []string{"coffee", "gift card"},
	},
	{
		title: "Eurail Global Pass - 3 Days", description: "Three days of train travel across Europe",
		category: "travel", rewardType: domain.RewardExperience, provider: domain.ProviderManualVendor,
		points: 2500, availability: 20, inr: "23500.00", usd: "280.00", eur: "260.00",
		regions: []string{"EU"}, tags: []string{"travel", "experience"},
	},
}

// =============================================================================
// LOADER
// =============================================================================

// Demo seeds the demo organization. It fails with ErrAlreadySeeded when run twice.
func Demo(ctx context.Context, store domain.TxStore, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := store.GetOrg(ctx, DemoOrgID); err == nil {
		return nil, ErrAlreadySeeded
	} else if !domain.IsNotFound(err) {
		return nil, err
	}

	admin, err := bootstrap(ctx, store)
	if err != nil {
		return nil, err
	}
	res := &Result{OrgID: DemoOrgID, AdminID: admin.ID, Users: map[string]string{admin.Email: admin.ID}}

	userSvc := users.NewService(store, logger)
	for _, p := range people {
		req := users.ProvisionRequest{
			Email:      p.email,
			Password:   DemoPassword,
			FirstName:  p.first,
			LastName:   p.last,
			Department: p.department,
			ManagerID:  res.Users[p.manager],
			Role:       p.role,
		}
		if p.allowance > 0 {
			allowance := p.allowance
			req.MonthlyAllowance = &allowance
		}
		u, err := userSvc.Provision(ctx, *admin, req)
		if err != nil {
			return nil, fmt.Errorf("provision %s: %w", p.email, err)
		}
		res.Users[u.Email] = u.ID

		if p.role == domain.RoleEmployee {
			if _, err := userSvc.AdjustPoints(ctx, *admin, u.ID, WelcomePoints, "welcome points"); err != nil {
				return nil, fmt.Errorf("fund %s: %w", p.email, err)
			}
		}
	}

	rewardSvc := rewards.NewService(store, logger)
	for _, item := range catalog {
		_, err := rewardSvc.CreateReward(ctx, *admin, rewards.RewardInput{
			Title:          item.title,
			Description:    item.description,
			Category:       item.category,
			RewardType:     item.rewardType,
			Provider:       item.provider,
			PointsRequired: item.points,
			Availability:   item.availability,
			Prices: map[domain.Currency]decimal.Decimal{
				domain.CurrencyINR: decimal.RequireFromString(item.inr),
				domain.CurrencyUSD: decimal.RequireFromString(item.usd),
				domain.CurrencyEUR: decimal.RequireFromString(item.eur),
			},
			Regions: item.regions,
			Tags:    item.tags,
		})
		if err != nil {
			return nil, fmt.Errorf("create reward %q: %w", item.title, err)
		}
		res.Rewards++
	}

	logger.Info("demo organization seeded",
		zap.String("org_id", res.OrgID),
		zap.Int("users", len(res.Users)),
		zap.Int("rewards", res.Rewards))
	return res, nil
}

// bootstrap creates the org and its first HR admin in one transaction.
func bootstrap(ctx context.Context, store domain.TxStore) (*domain.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	admin := domain.User{
		ID:           uuid.NewString(),
		OrgID:        DemoOrgID,
		Email:        AdminEmail,
		PasswordHash: string(hash),
		FirstName:    "Priya",
		LastName:     "Sharma",
		Role:         domain.RoleHRAdmin,
		Department:   "People",
		Preferences:  domain.DefaultPreferences(),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = store.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.SaveOrg(ctx, domain.Org{ID: DemoOrgID, Name: "Demo Corp", CreatedAt: now}); err != nil {
			return domain.Wrap(err, "save org")
		}
		return domain.Wrap(tx.SaveUser(ctx, admin), "save admin")
	})
	if err != nil {
		return nil, err
	}
	return &admin, nil
}
