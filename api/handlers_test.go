/*
handlers_test.go - HTTP tests for the API

Tests drive the real router (auth middleware included) against an
in-memory store, with tokens minted by the Authenticator.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/ledger"
	"github.com/warp/recognition-engine/recognition"
	"github.com/warp/recognition-engine/rewards"
	"github.com/warp/recognition-engine/store/sqlite"
	"github.com/warp/recognition-engine/users"
)

const testOrg = "org-1"

type harness struct {
	t      *testing.T
	store  *sqlite.Store
	auth   *Authenticator
	router http.Handler
}

// newHarness builds the org chart:
//
//	exec (executive)      hr (hr_admin)
//	└── mgr (manager)
//	    ├── alice
//	    └── bob
//	gone (deactivated)
func newHarness(t *testing.T) *harness {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveOrg(ctx, domain.Org{ID: testOrg, Name: "Acme"}))
	add := func(id string, role domain.Role, manager string, active bool) {
		require.NoError(t, store.SaveUser(ctx, domain.User{
			ID: id, OrgID: testOrg, Email: id + "@acme.test", FirstName: id, Role: role,
			ManagerID: manager, Department: "Eng", Active: active, Preferences: domain.DefaultPreferences(),
		}))
	}
	add("exec", domain.RoleExecutive, "", true)
	add("hr", domain.RoleHRAdmin, "", true)
	add("mgr", domain.RoleManager, "exec", true)
	add("alice", domain.RoleEmployee, "mgr", true)
	add("bob", domain.RoleEmployee, "mgr", true)
	add("gone", domain.RoleEmployee, "mgr", false)

	h := &Handler{
		Recognitions: recognition.NewService(store, recognition.DefaultPointsConfig(), recognition.DefaultApprovalPolicy(), nil, nil),
		Rewards:      rewards.NewService(store, nil),
		Users:        users.NewService(store, nil),
		Ledger:       ledger.New(store, nil),
		Audit:        store,
	}
	auth := NewAuthenticator("test-secret", time.Hour, store)
	return &harness{t: t, store: store, auth: auth, router: NewRouter(h, auth, Options{})}
}

func (h *harness) token(userID string) string {
	tok, err := h.auth.IssueToken(testOrg, userID)
	require.NoError(h.t, err)
	return tok
}

// do sends a request as userID ("" = anonymous). body is JSON-encoded when non-nil.
func (h *harness) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(userID))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeAs[map[string]any](t, rec)
	s, _ := body["detail"].(string)
	return s
}

func spotAward(to string, points int64) map[string]any {
	return map[string]any{
		"to_user_id":       to,
		"recognition_type": "spot_award",
		"message":          "Shipped the release",
		"points_awarded":   points,
		"values_tags":      []string{"Ownership"},
	}
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "Not authenticated", detail(t, rec))

	// Deactivated accounts cannot act.
	rec = h.do(http.MethodGet, "/api/v1/users/me", "gone", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed with another secret.
	forged, err := NewAuthenticator("other", time.Hour, h.store).IssueToken(testOrg, "alice")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Could not validate credentials", detail(t, rr))

	rec = h.do(http.MethodGet, "/api/v1/users/me", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeAs[UserDTO](t, rec)
	assert.Equal(t, "alice", me.ID)
	assert.Equal(t, domain.RoleEmployee, me.Role)
}

func TestParseToken_Expired(t *testing.T) {
	h := newHarness(t)
	expired := NewAuthenticator("test-secret", -time.Minute, h.store)
	tok, err := expired.IssueToken(testOrg, "alice")
	require.NoError(t, err)

	_, err = h.auth.ParseToken(tok)
	assert.Error(t, err)
}

// =============================================================================
// RECOGNITIONS
// =============================================================================

func TestRecipients(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/recognitions/recipients", "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scopes := decodeAs[ScopesDTO](t, rec)

	assert.True(t, scopes.Report.Enabled)
	assert.Len(t, scopes.Report.Recipients, 2)
	assert.False(t, scopes.Global.Enabled)
	assert.NotNil(t, scopes.Global.Recipients, "disabled buckets still serialize as []")
}

func TestSubmitRecognition_LegacySingleRecipient(t *testing.T) {
	// GIVEN: Manager awarding 50 points to a direct report via to_user_id
	// WHEN: Submitting
	// THEN: Posted immediately, one +50 ledger entry visible to the recipient

	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/recognitions", "mgr", spotAward("alice", 50))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeAs[RecognitionDTO](t, rec)
	assert.Equal(t, domain.StatusPosted, got.Status)
	assert.Equal(t, []string{"alice"}, got.ToUserIDs)
	assert.Equal(t, int64(50), got.PointsAwarded)
	assert.True(t, got.IsPublic, "public by default")

	rec = h.do(http.MethodGet, "/api/v1/points/ledger/me", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeAs[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(50), entries[0].Delta)
	assert.Equal(t, domain.ReasonRecognitionAward, entries[0].Reason)
	assert.Equal(t, got.ID, entries[0].RefID)
}

func TestSubmitRecognition_ValidationDetail(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/recognitions", "alice", map[string]any{
		"to_user_ids": []string{"bob"},
		"message":     "   ",
		"values_tags": []string{"Ownership"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeAs[struct {
		Detail []domain.ValidationIssue `json:"detail"`
	}](t, rec)
	require.Len(t, body.Detail, 1)
	assert.Equal(t, "message", body.Detail[0].Field)

	rec = h.do(http.MethodPost, "/api/v1/recognitions", "alice", spotAward("exec", 10))
	assert.Equal(t, http.StatusForbidden, rec.Code, "exec is outside alice's scopes")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognitions", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+h.token("alice"))
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApprovalFlow(t *testing.T) {
	// GIVEN: Executive awarding 250 points to an employee via global scope
	// WHEN: HR approves it, then approves again
	// THEN: pending_approval -> approved, one ledger credit, second call 409

	h := newHarness(t)

	body := spotAward("alice", 250)
	body["scope"] = "global"
	rec := h.do(http.MethodPost, "/api/v1/recognitions", "exec", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pending := decodeAs[RecognitionDTO](t, rec)
	assert.Equal(t, domain.StatusPendingApproval, pending.Status)

	rec = h.do(http.MethodGet, "/api/v1/recognitions/pending", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/recognitions/pending", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decodeAs[[]RecognitionDTO](t, rec)
	require.Len(t, queue, 1)
	assert.Equal(t, pending.ID, queue[0].ID)

	rec = h.do(http.MethodPost, "/api/v1/recognitions/"+pending.ID+"/approve", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeAs[RecognitionDTO](t, rec)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.Equal(t, "hr", approved.DecidedBy)
	assert.NotEmpty(t, approved.DecidedAt)

	rec = h.do(http.MethodPost, "/api/v1/recognitions/"+pending.ID+"/approve", "hr", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, detail(t, rec), "cannot approve")

	alice, err := h.store.GetUser(context.Background(), testOrg, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250), alice.PointsBalance)

	rec = h.do(http.MethodPost, "/api/v1/recognitions/missing/approve", "hr", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReject_OptionalBody(t *testing.T) {
	h := newHarness(t)
	body := spotAward("bob", 100)
	body["scope"] = "global"
	pending := decodeAs[RecognitionDTO](t, h.do(http.MethodPost, "/api/v1/recognitions", "exec", body))

	rec := h.do(http.MethodPost, "/api/v1/recognitions/"+pending.ID+"/reject", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusRejected, decodeAs[RecognitionDTO](t, rec).Status)
}

func TestFeedAndReactions(t *testing.T) {
	h := newHarness(t)
	for _, msg := range []string{"first", "second", "third"} {
		rec := h.do(http.MethodPost, "/api/v1/recognitions", "alice", map[string]any{
			"to_user_ids":      []string{"bob"},
			"recognition_type": "kudos",
			"message":          msg,
			"values_tags":      []string{"Collaboration"},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := h.do(http.MethodGet, "/api/v1/recognitions/feed?limit=2", "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeAs[[]RecognitionDTO](t, rec)
	require.Len(t, page, 2)
	cursor := rec.Header().Get(nextCursorHeader)
	require.NotEmpty(t, cursor)

	rec = h.do(http.MethodGet, "/api/v1/recognitions/feed?limit=2&cursor="+url.QueryEscape(cursor), "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rest := decodeAs[[]RecognitionDTO](t, rec)
	require.Len(t, rest, 1)
	assert.Empty(t, rec.Header().Get(nextCursorHeader))

	rec = h.do(http.MethodPost, "/api/v1/recognitions/"+rest[0].ID+"/react", "mgr", ReactRequest{Emoji: "👏"})
	require.Equal(t, http.StatusOK, rec.Code)
	reactions := decodeAs[ReactionsResponse](t, rec)
	require.Len(t, reactions.Reactions, 1)
	assert.Equal(t, []string{"mgr"}, reactions.Reactions[0].UserIDs)

	rec = h.do(http.MethodGet, "/api/v1/recognitions?direction=sent", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]RecognitionDTO](t, rec), 3)

	rec = h.do(http.MethodGet, "/api/v1/recognitions/feed?limit=many", "mgr", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEligibility(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/recognitions/eligibility", "mgr", EligibilityRequest{
		ToUserIDs: []string{"alice", "mgr"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeAs[[]recognition.EligibilityEntry](t, rec)
	byID := map[string]recognition.EligibilityEntry{}
	for _, e := range entries {
		byID[e.UserID] = e
	}
	assert.True(t, byID["alice"].PointsEligible)
	assert.False(t, byID["mgr"].PointsEligible)
	assert.Equal(t, recognition.ReasonSelf, byID["mgr"].Reason)
}

// =============================================================================
// REWARDS & REDEMPTION
// =============================================================================

func TestRedemptionFlow(t *testing.T) {
	// GIVEN: HR funds bob with 300 points and lists a reward (200 pts, 1 left)
	// WHEN: bob redeems it, then alice tries the same reward
	// THEN: bob's redemption is created; alice gets 409 out of stock

	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/users/bob/assign-points", "hr", AssignPointsRequest{Points: 300, Note: "welcome"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(300), decodeAs[UserDTO](t, rec).PointsBalance)

	rec = h.do(http.MethodPost, "/api/v1/rewards", "hr", map[string]any{
		"title":             "Headphones",
		"reward_type":       "physical_product",
		"points_required":   200,
		"availability":      1,
		"prices":            map[string]any{"INR": "1499.00", "USD": 18},
		"available_regions": []string{"IN"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reward := decodeAs[RewardDTO](t, rec)
	assert.True(t, reward.IsActive)
	assert.Equal(t, domain.ProviderInternal, reward.Provider)
	assert.True(t, decimal.RequireFromString("1499").Equal(reward.Prices[domain.CurrencyINR]))

	rec = h.do(http.MethodPost, "/api/v1/rewards", "alice", map[string]any{"title": "Nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Not enough permissions", detail(t, rec))

	rec = h.do(http.MethodGet, "/api/v1/rewards?currency=USD&region=IN", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]RewardDTO](t, rec), 1)

	rec = h.do(http.MethodPost, "/api/v1/rewards/redeem", "bob", RedeemRequest{
		RewardID:        reward.ID,
		DeliveryAddress: map[string]string{"city": "Pune"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	redeemed := decodeAs[RedeemResponse](t, rec)
	assert.Equal(t, "Reward redeemed successfully", redeemed.Message)
	assert.Equal(t, domain.RedemptionPendingFulfillment, redeemed.Redemption.Status)

	rec = h.do(http.MethodPost, "/api/v1/rewards/redeem", "alice", RedeemRequest{RewardID: reward.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "reward is out of stock", detail(t, rec))

	rec = h.do(http.MethodGet, "/api/v1/rewards/redemptions/me", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]RedemptionDTO](t, rec), 1)

	rec = h.do(http.MethodPatch, "/api/v1/admin/redemptions/"+redeemed.Redemption.ID, "hr", map[string]any{
		"status":          "delivered",
		"tracking_number": "TRK-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeAs[RedemptionDTO](t, rec)
	assert.Equal(t, domain.RedemptionDelivered, updated.Status)
	assert.Equal(t, "TRK-1", updated.TrackingNumber)
	assert.NotEmpty(t, updated.DeliveredAt)

	rec = h.do(http.MethodGet, "/api/v1/admin/redemptions?status=delivered", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]RedemptionDTO](t, rec), 1)

	rec = h.do(http.MethodGet, "/api/v1/admin/ledger/reconcile", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeAs[[]ledger.Reconciliation](t, rec))
}

func TestRedeem_InsufficientPoints(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveReward(context.Background(), domain.Reward{
		ID: "mug", OrgID: testOrg, Title: "Mug", RewardType: domain.RewardPhysicalProduct,
		Provider: domain.ProviderInternal, PointsRequired: 100, Availability: 5, Active: true,
	}))

	rec := h.do(http.MethodPost, "/api/v1/rewards/redeem", "alice", RedeemRequest{RewardID: "mug"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, detail(t, rec), "insufficient points")
}

// =============================================================================
// USERS & AUDIT
// =============================================================================

func TestUserLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/users/provision", "hr", ProvisionUserRequest{
		Email: "New.Hire@Acme.test", Password: "correct-horse", FirstName: "New", LastName: "Hire",
		ManagerID: "mgr",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeAs[UserDTO](t, rec)
	assert.Equal(t, "new.hire@acme.test", created.Email)
	assert.Equal(t, domain.RoleEmployee, created.Role)

	mgr := "exec"
	rec = h.do(http.MethodPut, "/api/v1/users/"+created.ID+"/reporting", "hr", ReportingRequest{ManagerID: &mgr})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "exec", decodeAs[UserDTO](t, rec).ManagerID)

	rec = h.do(http.MethodPatch, "/api/v1/users/"+created.ID+"/deactivate", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeAs[UserDTO](t, rec).IsActive)

	rec = h.do(http.MethodPatch, "/api/v1/users/"+created.ID+"/activate", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	region := "US"
	rec = h.do(http.MethodPut, "/api/v1/users/me/preferences", "alice", PreferencesRequest{Region: &region})
	require.Equal(t, http.StatusOK, rec.Code)
	prefs := decodeAs[UserDTO](t, rec).Preferences
	assert.Equal(t, "US", prefs.Region)
	assert.Equal(t, "INR", prefs.Currency)

	rec = h.do(http.MethodGet, "/api/v1/users/bob", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/users", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]UserDTO](t, rec), 7)

	rec = h.do(http.MethodGet, "/api/v1/admin/audit-logs", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/admin/audit-logs", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	actions := map[domain.AuditAction]bool{}
	for _, e := range decodeAs[[]AuditDTO](t, rec) {
		actions[e.Action] = true
	}
	assert.True(t, actions[domain.AuditUserProvisioned])
	assert.True(t, actions[domain.AuditReportingUpdated])
	assert.True(t, actions[domain.AuditUserDeactivated])
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"validation":   {domain.Invalid("x", "bad"), http.StatusBadRequest},
		"forbidden":    {domain.Forbidden("no"), http.StatusForbidden},
		"not found":    {domain.Wrap(domain.NotFound("user", "u1"), "load"), http.StatusNotFound},
		"state":        {&domain.InvalidStateError{Entity: "recognition", From: "approved", Action: "approve"}, http.StatusConflict},
		"points":       {&domain.InsufficientPointsError{Available: 1, Required: 2}, http.StatusConflict},
		"stock":        {&domain.OutOfStockError{RewardID: "r"}, http.StatusConflict},
		"conflict":     {domain.ErrConflict, http.StatusConflict},
		"unclassified": {assert.AnError, http.StatusInternalServerError},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}

func TestToSubmit_FoldsLegacyRecipient(t *testing.T) {
	private := false
	req := SubmitRecognitionRequest{ToUserID: "a", ToUserIDs: []string{"b"}, IsPublic: &private}
	got := req.toSubmit()
	assert.Equal(t, []string{"a", "b"}, got.ToUserIDs)
	assert.False(t, got.IsPublic)

	assert.True(t, SubmitRecognitionRequest{ToUserIDs: []string{"b"}}.toSubmit().IsPublic)
}
