/*
handlers.go - HTTP API handlers for the recognition engine

PURPOSE:
  Exposes the recognition, points, rewards and user workflows via REST.
  Handlers parse the request, call one service method on behalf of the
  authenticated actor, and serialize the result. Business rules live in
  the services.

ENDPOINTS (under /api/v1):
  Recognitions:
    GET    /recognitions/recipients    Scope resolution
    POST   /recognitions/eligibility   Points eligibility per recipient
    POST   /recognitions               Submit
    GET    /recognitions               History (direction, recognition_type)
    GET    /recognitions/feed          Public feed (limit, cursor, value_tag)
    POST   /recognitions/{id}/react    Toggle reaction
    GET    /recognitions/pending       Approval queue
    POST   /recognitions/{id}/approve  Approve
    POST   /recognitions/{id}/reject   Reject

  Points:
    GET    /points/ledger/me           Ledger page (cursor, limit)

  Rewards:
    GET    /rewards                    Catalog (currency, region, limit)
    GET    /rewards/{id}               One reward
    POST   /rewards, PUT /rewards/{id} Catalog admin
    POST   /rewards/redeem             Redeem
    GET    /rewards/redemptions/me     Own redemptions

  Users:
    GET    /users, /users/me, /users/{id}
    PUT    /users/me/preferences
    POST   /users/provision
    PUT    /users/{id}/reporting
    PATCH  /users/{id}/activate, /users/{id}/deactivate
    POST   /users/{id}/assign-points

  Admin:
    GET    /admin/redemptions, PATCH /admin/redemptions/{id}
    GET    /admin/audit-logs
    GET    /admin/ledger/reconcile

PAGINATION:
  Cursor-paginated lists return the next cursor in the X-Next-Cursor
  header; the body stays a plain array.

ERROR HANDLING:
  See errors.go. Every error body is {"detail": ...}.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/ledger"
	"github.com/warp/recognition-engine/recognition"
	"github.com/warp/recognition-engine/rewards"
	"github.com/warp/recognition-engine/users"
)

const nextCursorHeader = "X-Next-Cursor"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Recognitions *recognition.Service
	Rewards      *rewards.Service
	Users        *users.Service
	Ledger       *ledger.Ledger
	Audit        domain.AuditStore
}

// =============================================================================
// RECOGNITION HANDLERS
// =============================================================================

// GetRecipients returns the actor's peer/report/global buckets.
func (h *Handler) GetRecipients(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.Recognitions.Recipients(r.Context(), Actor(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScopesDTO{
		Peer:   toScopeDTO(scopes.Peer),
		Report: toScopeDTO(scopes.Report),
		Global: toScopeDTO(scopes.Global),
	})
}

func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var req EligibilityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.Recognitions.Eligibility(r.Context(), Actor(r.Context()), recognition.EligibilityQuery{
		RecipientIDs: req.ToUserIDs,
		Type:         req.RecognitionType,
		Points:       req.PointsAwarded,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) SubmitRecognition(w http.ResponseWriter, r *http.Request) {
	var req SubmitRecognitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.Recognitions.Submit(r.Context(), Actor(r.Context()), req.toSubmit())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecognitionDTO(*rec))
}

// ListHistory returns recognitions the actor sent or received.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	recs, err := h.Recognitions.History(r.Context(), Actor(r.Context()), recognition.HistoryQuery{
		Direction: recognition.Direction(q.Get("direction")),
		Type:      domain.RecognitionType(q.Get("recognition_type")),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecognitionDTOs(recs))
}

func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := h.Recognitions.Feed(r.Context(), Actor(r.Context()), recognition.FeedQuery{
		Limit:    limit,
		Cursor:   q.Get("cursor"),
		ValueTag: q.Get("value_tag"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.NextCursor != "" {
		w.Header().Set(nextCursorHeader, page.NextCursor)
	}
	writeJSON(w, http.StatusOK, toRecognitionDTOs(page.Items))
}

func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	var req ReactRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reactions, err := h.Recognitions.React(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"), req.Emoji)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReactionsResponse{Reactions: reactions})
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Recognitions.ListPending(r.Context(), Actor(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecognitionDTOs(recs))
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Recognitions.Approve(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecognitionDTO(*rec))
}

// Reject accepts an optional {"reason": "..."} body.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.Recognitions.Reject(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecognitionDTO(*rec))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) GetMyLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor := Actor(r.Context())
	page, err := h.Ledger.Page(r.Context(), actor.OrgID, actor.ID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.NextCursor != "" {
		w.Header().Set(nextCursorHeader, page.NextCursor)
	}
	writeJSON(w, http.StatusOK, toLedgerDTOs(page.Entries))
}

// Reconcile lists users whose cached balance drifted from their ledger.
// An empty list means the organization is consistent.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actor := Actor(r.Context())
	if err := domain.MustBeAdmin(actor); err != nil {
		writeError(w, r, err)
		return
	}
	drift, err := h.Ledger.ReconcileOrg(r.Context(), actor.OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if drift == nil {
		drift = []ledger.Reconciliation{}
	}
	writeJSON(w, http.StatusOK, drift)
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := h.Rewards.List(r.Context(), Actor(r.Context()), rewards.CatalogQuery{
		Currency: domain.Currency(q.Get("currency")),
		Region:   q.Get("region"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTOs(list))
}

func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	rw, err := h.Rewards.Get(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(*rw))
}

func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req RewardRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := rewards.RewardInput{
		Title:          deref(req.Title),
		Description:    deref(req.Description),
		Category:       deref(req.Category),
		RewardType:     deref(req.RewardType),
		Provider:       deref(req.Provider),
		PointsRequired: deref(req.PointsRequired),
		Prices:         req.Prices,
		Availability:   deref(req.Availability),
		Active:         req.IsActive,
		Regions:        req.Regions,
		Tags:           req.Tags,
	}
	rw, err := h.Rewards.CreateReward(r.Context(), Actor(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRewardDTO(*rw))
}

func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	var req RewardRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch := rewards.RewardPatch{
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		RewardType:     req.RewardType,
		Provider:       req.Provider,
		PointsRequired: req.PointsRequired,
		Prices:         req.Prices,
		Availability:   req.Availability,
		Active:         req.IsActive,
		Regions:        req.Regions,
		Tags:           req.Tags,
	}
	rw, err := h.Rewards.UpdateReward(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(*rw))
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	red, err := h.Rewards.Redeem(r.Context(), Actor(r.Context()), req.RewardID, req.DeliveryAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RedeemResponse{
		Message:    "Reward redeemed successfully",
		Redemption: toRedemptionDTO(*red),
	})
}

func (h *Handler) ListMyRedemptions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.Rewards.ListMine(r.Context(), Actor(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTOs(list))
}

// =============================================================================
// ADMIN FULFILLMENT & AUDIT
// =============================================================================

func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	status := domain.RedemptionStatus(r.URL.Query().Get("status"))
	list, err := h.Rewards.ListAll(r.Context(), Actor(r.Context()), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTOs(list))
}

func (h *Handler) UpdateRedemption(w http.ResponseWriter, r *http.Request) {
	var req RedemptionUpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	red, err := h.Rewards.UpdateRedemption(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"), rewards.RedemptionPatch{
		Status:          req.Status,
		TrackingNumber:  req.TrackingNumber,
		FulfillmentCode: req.FulfillmentCode,
		DeliveredAt:     req.DeliveredAt,
		FulfilledAt:     req.FulfilledAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(*red))
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	actor := Actor(r.Context())
	if err := domain.MustBeAdmin(actor); err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.Audit.ListAudit(r.Context(), actor.OrgID, ledger.ClampLimit(limit))
	if err != nil {
		writeError(w, r, domain.Wrap(err, "list audit log"))
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toUserDTO(Actor(r.Context())))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Users.Get(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Users.List(r.Context(), Actor(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTOs(list))
}

func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.Users.UpdatePreferences(r.Context(), Actor(r.Context()), users.PreferencesPatch{
		Region:        req.Region,
		Currency:      req.Currency,
		Notifications: req.Notifications,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

func (h *Handler) ProvisionUser(w http.ResponseWriter, r *http.Request) {
	var req ProvisionUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.Users.Provision(r.Context(), Actor(r.Context()), users.ProvisionRequest{
		Email:            req.Email,
		Password:         req.Password,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Department:       req.Department,
		ManagerID:        req.ManagerID,
		Role:             req.Role,
		MonthlyAllowance: req.MonthlyAllowance,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(*u))
}

func (h *Handler) UpdateReporting(w http.ResponseWriter, r *http.Request) {
	var req ReportingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.Users.UpdateReporting(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"), users.ReportingUpdate{
		ManagerID:        req.ManagerID,
		Role:             req.Role,
		Department:       req.Department,
		MonthlyAllowance: req.MonthlyAllowance,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

func (h *Handler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	u, err := h.Users.SetActive(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"), active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

func (h *Handler) AssignPoints(w http.ResponseWriter, r *http.Request) {
	var req AssignPointsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.Users.AdjustPoints(r.Context(), Actor(r.Context()), chi.URLParam(r, "id"), req.Points, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// =============================================================================
// HELPERS
// =============================================================================

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.Invalid(key, "%s must be an integer", key)
	}
	return n, nil
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return domain.Invalid("body", "Invalid request body: %v", err)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
