package users_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/store/sqlite"
	"github.com/warp/recognition-engine/users"
)

const org = "org-1"

func setup(t *testing.T) (*sqlite.Store, *users.Service, domain.User) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	admin := domain.User{ID: "hr", OrgID: org, Email: "hr@acme.test", FirstName: "Hana", Role: domain.RoleHRAdmin, Active: true}
	require.NoError(t, store.SaveUser(context.Background(), admin))
	return store, users.NewService(store, nil), admin
}

func provision(t *testing.T, svc *users.Service, admin domain.User, email, manager string, role domain.Role) *domain.User {
	t.Helper()
	u, err := svc.Provision(context.Background(), admin, users.ProvisionRequest{
		Email: email, Password: "correct-horse", FirstName: email, ManagerID: manager, Role: role,
	})
	require.NoError(t, err)
	return u
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

// =============================================================================
// PROVISIONING
// =============================================================================

func TestProvision_CreatesActiveUserWithHashedPassword(t *testing.T) {
	store, svc, admin := setup(t)
	ctx := context.Background()

	u, err := svc.Provision(ctx, admin, users.ProvisionRequest{
		Email: "  Priya@Acme.test ", Password: "s3cret-pass", FirstName: "Priya", LastName: "Shah",
		Department: "Eng", ManagerID: "hr",
	})
	require.NoError(t, err)

	assert.Equal(t, "priya@acme.test", u.Email)
	assert.Equal(t, domain.RoleEmployee, u.Role)
	assert.True(t, u.Active)
	assert.Equal(t, "IN", u.Preferences.Region)
	assert.NotEqual(t, "s3cret-pass", u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("s3cret-pass")))

	stored, err := store.GetUserByEmail(ctx, org, "PRIYA@acme.test")
	require.NoError(t, err)
	assert.Equal(t, u.ID, stored.ID)
	assert.Equal(t, "hr", stored.ManagerID)
	assert.Equal(t, int64(0), stored.PointsBalance)

	audit, err := store.ListAudit(ctx, org, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, domain.AuditUserProvisioned, audit[0].Action)
	assert.Equal(t, u.ID, audit[0].EntityID)
}

func TestProvision_Rejections(t *testing.T) {
	_, svc, admin := setup(t)
	ctx := context.Background()
	provision(t, svc, admin, "taken@acme.test", "", "")

	valid := users.ProvisionRequest{Email: "new@acme.test", Password: "long-enough", FirstName: "New"}
	cases := map[string]func(r *users.ProvisionRequest){
		"bad email":          func(r *users.ProvisionRequest) { r.Email = "not-an-email" },
		"short password":     func(r *users.ProvisionRequest) { r.Password = "short" },
		"no first name":      func(r *users.ProvisionRequest) { r.FirstName = " " },
		"unknown role":       func(r *users.ProvisionRequest) { r.Role = "intern" },
		"missing manager":    func(r *users.ProvisionRequest) { r.ManagerID = "nobody" },
		"duplicate email":    func(r *users.ProvisionRequest) { r.Email = "TAKEN@acme.test" },
		"negative allowance": func(r *users.ProvisionRequest) { r.MonthlyAllowance = int64Ptr(-5) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := svc.Provision(ctx, admin, req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	employee := provision(t, svc, admin, "emp@acme.test", "", "")
	_, err := svc.Provision(ctx, *employee, valid)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// =============================================================================
// REPORTING LINE
// =============================================================================

func TestUpdateReporting_MovesUserAndAudits(t *testing.T) {
	store, svc, admin := setup(t)
	ctx := context.Background()
	mgr := provision(t, svc, admin, "mgr@acme.test", "", domain.RoleManager)
	emp := provision(t, svc, admin, "emp@acme.test", "", "")

	role := domain.RoleManager
	allowance := int64(500)
	updated, err := svc.UpdateReporting(ctx, admin, emp.ID, users.ReportingUpdate{
		ManagerID: &mgr.ID, Role: &role, Department: strPtr("Eng"), MonthlyAllowance: &allowance,
	})
	require.NoError(t, err)
	assert.Equal(t, mgr.ID, updated.ManagerID)
	assert.Equal(t, domain.RoleManager, updated.Role)
	assert.Equal(t, "Eng", updated.Department)
	require.NotNil(t, updated.MonthlyAllowance)
	assert.Equal(t, int64(500), *updated.MonthlyAllowance)

	cleared, err := svc.UpdateReporting(ctx, admin, emp.ID, users.ReportingUpdate{ManagerID: strPtr("")})
	require.NoError(t, err)
	assert.Empty(t, cleared.ManagerID)

	audit, err := store.ListAudit(ctx, org, 10)
	require.NoError(t, err)
	var reporting int
	for _, a := range audit {
		if a.Action == domain.AuditReportingUpdated {
			reporting++
		}
	}
	assert.Equal(t, 2, reporting)
}

func TestUpdateReporting_RejectsCycles(t *testing.T) {
	// GIVEN: a -> b -> c (c reports to b, b reports to a)
	// WHEN: Making c the manager of a
	// THEN: ValidationError and the chart is unchanged

	store, svc, admin := setup(t)
	ctx := context.Background()
	a := provision(t, svc, admin, "a@acme.test", "", domain.RoleManager)
	b := provision(t, svc, admin, "b@acme.test", a.ID, domain.RoleManager)
	c := provision(t, svc, admin, "c@acme.test", b.ID, "")

	_, err := svc.UpdateReporting(ctx, admin, a.ID, users.ReportingUpdate{ManagerID: &c.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.UpdateReporting(ctx, admin, a.ID, users.ReportingUpdate{ManagerID: &a.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored, err := store.GetUser(ctx, org, a.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ManagerID)

	// Moving c under a directly is fine.
	_, err = svc.UpdateReporting(ctx, admin, c.ID, users.ReportingUpdate{ManagerID: &a.ID})
	assert.NoError(t, err)
}

func TestUpdateReporting_InactiveManager(t *testing.T) {
	_, svc, admin := setup(t)
	ctx := context.Background()
	gone := provision(t, svc, admin, "gone@acme.test", "", domain.RoleManager)
	emp := provision(t, svc, admin, "emp@acme.test", "", "")
	_, err := svc.SetActive(ctx, admin, gone.ID, false)
	require.NoError(t, err)

	_, err = svc.UpdateReporting(ctx, admin, emp.ID, users.ReportingUpdate{ManagerID: &gone.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// =============================================================================
// ACTIVATION
// =============================================================================

func TestSetActive(t *testing.T) {
	store, svc, admin := setup(t)
	ctx := context.Background()
	emp := provision(t, svc, admin, "emp@acme.test", "", "")

	off, err := svc.SetActive(ctx, admin, emp.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)

	active, err := store.ListUsers(ctx, org, domain.UserFilter{ActiveOnly: true})
	require.NoError(t, err)
	for _, u := range active {
		assert.NotEqual(t, emp.ID, u.ID)
	}

	on, err := svc.SetActive(ctx, admin, emp.ID, true)
	require.NoError(t, err)
	assert.True(t, on.Active)

	_, err = svc.SetActive(ctx, admin, admin.ID, false)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.SetActive(ctx, *emp, admin.ID, false)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = svc.SetActive(ctx, admin, "missing", true)
	assert.True(t, domain.IsNotFound(err))

	audit, err := store.ListAudit(ctx, org, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.AuditUserActivated, audit[0].Action, "newest first")
	assert.Equal(t, domain.AuditUserDeactivated, audit[1].Action)
}

// =============================================================================
// PREFERENCES & POINTS
// =============================================================================

func TestUpdatePreferences_Merges(t *testing.T) {
	_, svc, admin := setup(t)
	ctx := context.Background()
	emp := provision(t, svc, admin, "emp@acme.test", "", "")

	usd := domain.CurrencyUSD
	u, err := svc.UpdatePreferences(ctx, *emp, users.PreferencesPatch{
		Region: strPtr("US"), Currency: &usd, Notifications: map[string]bool{"recognition_alerts": false},
	})
	require.NoError(t, err)
	assert.Equal(t, "US", u.Preferences.Region)
	assert.Equal(t, "USD", u.Preferences.Currency)
	assert.False(t, u.Preferences.Notifications["recognition_alerts"])
	assert.True(t, u.Preferences.Notifications["email_notifications"], "untouched keys kept")

	gbp := domain.Currency("GBP")
	_, err = svc.UpdatePreferences(ctx, *emp, users.PreferencesPatch{Currency: &gbp})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.UpdatePreferences(ctx, *emp, users.PreferencesPatch{Region: strPtr("Mars")})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAdjustPoints_GoesThroughLedger(t *testing.T) {
	store, svc, admin := setup(t)
	ctx := context.Background()
	emp := provision(t, svc, admin, "emp@acme.test", "", "")

	u, err := svc.AdjustPoints(ctx, admin, emp.ID, 250, "welcome bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(250), u.PointsBalance)
	assert.Equal(t, int64(250), u.TotalPointsEarned)

	u, err = svc.AdjustPoints(ctx, admin, emp.ID, -50, "correction")
	require.NoError(t, err)
	assert.Equal(t, int64(200), u.PointsBalance)
	assert.Equal(t, int64(250), u.TotalPointsEarned)

	_, err = svc.AdjustPoints(ctx, admin, emp.ID, -1000, "too much")
	assert.ErrorIs(t, err, domain.ErrInsufficientPoints)
	_, err = svc.AdjustPoints(ctx, admin, emp.ID, 0, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.AdjustPoints(ctx, *emp, emp.ID, 100, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	sum, err := store.SumDeltas(ctx, org, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), sum)
}

// =============================================================================
// MONTHLY RESET
// =============================================================================

func TestResetMonthlyAllowances_SkipsEmployees(t *testing.T) {
	store, svc, admin := setup(t)
	ctx := context.Background()
	mgr := provision(t, svc, admin, "mgr@acme.test", "", domain.RoleManager)
	emp := provision(t, svc, admin, "emp@acme.test", "", "")
	require.NoError(t, store.AddMonthlySpent(ctx, org, mgr.ID, 40))
	require.NoError(t, store.AddMonthlySpent(ctx, org, emp.ID, 10))

	n, err := svc.ResetMonthlyAllowances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetUser(ctx, org, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MonthlySpent)
	got, err = store.GetUser(ctx, org, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.MonthlySpent)
}

func TestAllowanceScheduler_ResetsOnMonthChange(t *testing.T) {
	// GIVEN: A scheduler first checking on March 31st
	// WHEN: Checking again the same month, then on April 1st
	// THEN: Only the April check resets spending

	store, svc, admin := setup(t)
	ctx := context.Background()
	mgr := provision(t, svc, admin, "mgr@acme.test", "", domain.RoleManager)
	require.NoError(t, store.AddMonthlySpent(ctx, org, mgr.ID, 40))

	now := time.Date(2025, time.March, 31, 22, 0, 0, 0, time.UTC)
	sched := users.NewAllowanceScheduler(svc, nil)
	sched.Now = func() time.Time { return now }

	assert.False(t, sched.Check(ctx), "first check only records the month")
	now = now.Add(time.Hour)
	assert.False(t, sched.Check(ctx))

	got, err := store.GetUser(ctx, org, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.MonthlySpent)

	now = now.Add(2 * time.Hour)
	assert.True(t, sched.Check(ctx))
	got, err = store.GetUser(ctx, org, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MonthlySpent)

	assert.False(t, sched.Check(ctx), "once per month")
}

func TestAllowanceScheduler_ResetsAfterRestartAcrossMonths(t *testing.T) {
	// GIVEN: A file database whose scheduler last ran in March
	// WHEN: The process stops, and a new one starts in April
	// THEN: The first April check resets spending; later ones do not

	path := filepath.Join(t.TempDir(), "recognition.db")
	ctx := context.Background()
	march := time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC)
	april := time.Date(2025, time.April, 3, 9, 0, 0, 0, time.UTC)

	store, err := sqlite.New(path)
	require.NoError(t, err)
	admin := domain.User{ID: "hr", OrgID: org, Email: "hr@acme.test", FirstName: "Hana", Role: domain.RoleHRAdmin, Active: true}
	require.NoError(t, store.SaveUser(ctx, admin))
	svc := users.NewService(store, nil)
	mgr := provision(t, svc, admin, "mgr@acme.test", "", domain.RoleManager)

	before := users.NewAllowanceScheduler(svc, nil)
	before.Now = func() time.Time { return march }
	assert.False(t, before.Check(ctx))
	require.NoError(t, store.AddMonthlySpent(ctx, org, mgr.ID, 40))
	require.NoError(t, store.Close())

	store, err = sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	after := users.NewAllowanceScheduler(users.NewService(store, nil), nil)
	after.Now = func() time.Time { return april }
	assert.True(t, after.Check(ctx), "April is due even though this process never saw March")

	got, err := store.GetUser(ctx, org, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MonthlySpent)

	period, err := store.JobPeriod(ctx, users.AllowanceJob)
	require.NoError(t, err)
	assert.Equal(t, "2025-04", period)

	require.NoError(t, store.AddMonthlySpent(ctx, org, mgr.ID, 15))
	assert.False(t, after.Check(ctx))
	got, err = store.GetUser(ctx, org, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.MonthlySpent)
}

func TestRolloverAllowances_IgnoresEarlierMonths(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	ran, _, err := svc.RolloverAllowances(ctx, "2025-05")
	require.NoError(t, err)
	assert.False(t, ran, "first run only records the month")

	ran, _, err = svc.RolloverAllowances(ctx, "2025-04")
	require.NoError(t, err)
	assert.False(t, ran, "a clock going backwards never resets")

	ran, _, err = svc.RolloverAllowances(ctx, "2025-06")
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestAllowanceScheduler_StartStop(t *testing.T) {
	_, svc, _ := setup(t)
	sched := users.NewAllowanceScheduler(svc, nil)
	sched.CheckInterval = time.Millisecond
	sched.Start()
	time.Sleep(5 * time.Millisecond)
	sched.Stop()
	sched.Stop()
}
