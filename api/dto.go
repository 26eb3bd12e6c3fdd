/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIMESTAMPS:
  RFC 3339 in UTC. Optional timestamps are omitted when unset.

LEGACY SHAPES:
  SubmitRecognitionRequest still accepts a single to_user_id and folds it
  into to_user_ids.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/recognition"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID                string             `json:"id"`
	OrgID             string             `json:"org_id"`
	Email             string             `json:"email"`
	FirstName         string             `json:"first_name"`
	LastName          string             `json:"last_name"`
	Role              domain.Role        `json:"role"`
	Department        string             `json:"department,omitempty"`
	ManagerID         string             `json:"manager_id,omitempty"`
	PointsBalance     int64              `json:"points_balance"`
	TotalPointsEarned int64              `json:"total_points_earned"`
	RecognitionCount  int64              `json:"recognition_count"`
	MonthlyAllowance  *int64             `json:"monthly_points_allowance"`
	MonthlySpent      int64              `json:"monthly_points_spent"`
	Preferences       domain.Preferences `json:"preferences"`
	IsActive          bool               `json:"is_active"`
	CreatedAt         string             `json:"created_at"`
}

func toUserDTO(u domain.User) UserDTO {
	return UserDTO{
		ID:                u.ID,
		OrgID:             u.OrgID,
		Email:             u.Email,
		FirstName:         u.FirstName,
		LastName:          u.LastName,
		Role:              u.Role,
		Department:        u.Department,
		ManagerID:         u.ManagerID,
		PointsBalance:     u.PointsBalance,
		TotalPointsEarned: u.TotalPointsEarned,
		RecognitionCount:  u.RecognitionCount,
		MonthlyAllowance:  u.MonthlyAllowance,
		MonthlySpent:      u.MonthlySpent,
		Preferences:       u.Preferences,
		IsActive:          u.Active,
		CreatedAt:         formatTime(u.CreatedAt),
	}
}

func toUserDTOs(users []domain.User) []UserDTO {
	out := make([]UserDTO, len(users))
	for i, u := range users {
		out[i] = toUserDTO(u)
	}
	return out
}

// RecipientDTO is the public view of a user offered as a recipient.
type RecipientDTO struct {
	ID         string      `json:"id"`
	FirstName  string      `json:"first_name"`
	LastName   string      `json:"last_name"`
	Email      string      `json:"email"`
	Role       domain.Role `json:"role"`
	Department string      `json:"department,omitempty"`
}

type ScopeDTO struct {
	Enabled     bool           `json:"enabled"`
	Recipients  []RecipientDTO `json:"recipients"`
	Description string         `json:"description"`
}

type ScopesDTO struct {
	Peer   ScopeDTO `json:"peer"`
	Report ScopeDTO `json:"report"`
	Global ScopeDTO `json:"global"`
}

func toScopeDTO(s recognition.ScopeResult) ScopeDTO {
	dto := ScopeDTO{Enabled: s.Enabled, Description: s.Description, Recipients: make([]RecipientDTO, len(s.Recipients))}
	for i, u := range s.Recipients {
		dto.Recipients[i] = RecipientDTO{
			ID:         u.ID,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Email:      u.Email,
			Role:       u.Role,
			Department: u.Department,
		}
	}
	return dto
}

type ProvisionUserRequest struct {
	Email            string      `json:"email"`
	Password         string      `json:"password"`
	FirstName        string      `json:"first_name"`
	LastName         string      `json:"last_name"`
	Department       string      `json:"department"`
	ManagerID        string      `json:"manager_id"`
	Role             domain.Role `json:"role"`
	MonthlyAllowance *int64      `json:"monthly_points_allowance"`
}

type ReportingRequest struct {
	ManagerID        *string      `json:"manager_id"`
	Role             *domain.Role `json:"role"`
	Department       *string      `json:"department"`
	MonthlyAllowance *int64       `json:"monthly_points_allowance"`
}

type PreferencesRequest struct {
	Region        *string          `json:"region"`
	Currency      *domain.Currency `json:"currency"`
	Notifications map[string]bool  `json:"notification_preferences"`
}

type AssignPointsRequest struct {
	Points int64  `json:"points"`
	Note   string `json:"note"`
}

// =============================================================================
// RECOGNITIONS
// =============================================================================

type SubmitRecognitionRequest struct {
	FromUserID      string                 `json:"from_user_id"`
	ToUserID        string                 `json:"to_user_id"`
	ToUserIDs       []string               `json:"to_user_ids"`
	RecognitionType domain.RecognitionType `json:"recognition_type"`
	Message         string                 `json:"message"`
	PointsAwarded   *int64                 `json:"points_awarded"`
	ValuesTags      []string               `json:"values_tags"`
	IsPublic        *bool                  `json:"is_public"`
	Scope           domain.Scope           `json:"scope"`
}

// toSubmit folds the legacy single recipient into the list. Recognitions
// are public unless the caller says otherwise.
func (req SubmitRecognitionRequest) toSubmit() recognition.SubmitRequest {
	ids := req.ToUserIDs
	if req.ToUserID != "" {
		ids = append([]string{req.ToUserID}, ids...)
	}
	public := true
	if req.IsPublic != nil {
		public = *req.IsPublic
	}
	return recognition.SubmitRequest{
		FromUserID:    req.FromUserID,
		ToUserIDs:     ids,
		Type:          req.RecognitionType,
		Message:       req.Message,
		PointsAwarded: req.PointsAwarded,
		ValuesTags:    req.ValuesTags,
		IsPublic:      public,
		Scope:         req.Scope,
	}
}

type EligibilityRequest struct {
	ToUserIDs       []string               `json:"to_user_ids"`
	RecognitionType domain.RecognitionType `json:"recognition_type"`
	PointsAwarded   int64                  `json:"points_awarded"`
}

type ReactRequest struct {
	Emoji string `json:"emoji"`
}

type ReactionsResponse struct {
	Reactions []domain.Reaction `json:"reactions"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type RecognitionDTO struct {
	ID              string                   `json:"id"`
	FromUserID      string                   `json:"from_user_id"`
	ToUserIDs       []string                 `json:"to_user_ids"`
	Message         string                   `json:"message"`
	RecognitionType domain.RecognitionType   `json:"recognition_type"`
	PointsAwarded   int64                    `json:"points_awarded"`
	ValuesTags      []string                 `json:"values_tags"`
	IsPublic        bool                     `json:"is_public"`
	Status          domain.RecognitionStatus `json:"status"`
	Scope           domain.Scope             `json:"scope"`
	Reactions       []domain.Reaction        `json:"reactions"`
	DecidedBy       string                   `json:"decided_by,omitempty"`
	DecidedAt       string                   `json:"decided_at,omitempty"`
	CreatedAt       string                   `json:"created_at"`
}

func toRecognitionDTO(r domain.Recognition) RecognitionDTO {
	dto := RecognitionDTO{
		ID:              r.ID,
		FromUserID:      r.FromUserID,
		ToUserIDs:       nonNilStrings(r.ToUserIDs),
		Message:         r.Message,
		RecognitionType: r.Type,
		PointsAwarded:   r.PointsAwarded,
		ValuesTags:      nonNilStrings(r.ValuesTags),
		IsPublic:        r.IsPublic,
		Status:          r.Status,
		Scope:           r.Scope,
		Reactions:       r.Reactions,
		DecidedBy:       r.DecidedBy,
		DecidedAt:       formatTimePtr(r.DecidedAt),
		CreatedAt:       formatTime(r.CreatedAt),
	}
	if dto.Reactions == nil {
		dto.Reactions = []domain.Reaction{}
	}
	return dto
}

func toRecognitionDTOs(recs []domain.Recognition) []RecognitionDTO {
	out := make([]RecognitionDTO, len(recs))
	for i, r := range recs {
		out[i] = toRecognitionDTO(r)
	}
	return out
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID        string              `json:"id"`
	OrgID     string              `json:"org_id"`
	UserID    string              `json:"user_id"`
	Delta     int64               `json:"delta"`
	Reason    domain.LedgerReason `json:"reason"`
	RefType   domain.RefType      `json:"ref_type"`
	RefID     string              `json:"ref_id"`
	CreatedAt string              `json:"created_at"`
}

func toLedgerDTOs(entries []domain.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = LedgerEntryDTO{
			ID:        e.ID,
			OrgID:     e.OrgID,
			UserID:    e.UserID,
			Delta:     e.Delta,
			Reason:    e.Reason,
			RefType:   e.RefType,
			RefID:     e.RefID,
			CreatedAt: formatTime(e.CreatedAt),
		}
	}
	return out
}

// =============================================================================
// REWARDS & REDEMPTIONS
// =============================================================================

type RewardDTO struct {
	ID             string                              `json:"id"`
	Title          string                              `json:"title"`
	Description    string                              `json:"description"`
	Category       string                              `json:"category,omitempty"`
	RewardType     domain.RewardType                   `json:"reward_type"`
	Provider       domain.Provider                     `json:"provider"`
	PointsRequired int64                               `json:"points_required"`
	Prices         map[domain.Currency]decimal.Decimal `json:"prices"`
	Availability   int64                               `json:"availability"`
	IsActive       bool                                `json:"is_active"`
	Regions        []string                            `json:"available_regions"`
	Tags           []string                            `json:"tags"`
	CreatedAt      string                              `json:"created_at"`
}

func toRewardDTO(r domain.Reward) RewardDTO {
	dto := RewardDTO{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		Category:       r.Category,
		RewardType:     r.RewardType,
		Provider:       r.Provider,
		PointsRequired: r.PointsRequired,
		Prices:         r.Prices,
		Availability:   r.Availability,
		IsActive:       r.Active,
		Regions:        nonNilStrings(r.Regions),
		Tags:           nonNilStrings(r.Tags),
		CreatedAt:      formatTime(r.CreatedAt),
	}
	if dto.Prices == nil {
		dto.Prices = map[domain.Currency]decimal.Decimal{}
	}
	return dto
}

func toRewardDTOs(rewards []domain.Reward) []RewardDTO {
	out := make([]RewardDTO, len(rewards))
	for i, r := range rewards {
		out[i] = toRewardDTO(r)
	}
	return out
}

// RewardRequest creates or patches a reward. On update, absent fields keep
// their value.
type RewardRequest struct {
	Title          *string                             `json:"title"`
	Description    *string                             `json:"description"`
	Category       *string                             `json:"category"`
	RewardType     *domain.RewardType                  `json:"reward_type"`
	Provider       *domain.Provider                    `json:"provider"`
	PointsRequired *int64                              `json:"points_required"`
	Prices         map[domain.Currency]decimal.Decimal `json:"prices"`
	Availability   *int64                              `json:"availability"`
	IsActive       *bool                               `json:"is_active"`
	Regions        []string                            `json:"available_regions"`
	Tags           []string                            `json:"tags"`
}

type RedeemRequest struct {
	RewardID        string            `json:"reward_id"`
	DeliveryAddress map[string]string `json:"delivery_address"`
}

type RedeemResponse struct {
	Message    string        `json:"message"`
	Redemption RedemptionDTO `json:"redemption"`
}

type RedemptionDTO struct {
	ID              string                  `json:"id"`
	UserID          string                  `json:"user_id"`
	RewardID        string                  `json:"reward_id"`
	Provider        domain.Provider         `json:"provider"`
	PointsUsed      int64                   `json:"points_used"`
	Status          domain.RedemptionStatus `json:"status"`
	DeliveryAddress map[string]string       `json:"delivery_address,omitempty"`
	TrackingNumber  string                  `json:"tracking_number,omitempty"`
	FulfillmentCode string                  `json:"fulfillment_code,omitempty"`
	DeliveredAt     string                  `json:"delivered_at,omitempty"`
	FulfilledAt     string                  `json:"fulfilled_at,omitempty"`
	RedeemedAt      string                  `json:"redeemed_at"`
}

func toRedemptionDTO(r domain.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:              r.ID,
		UserID:          r.UserID,
		RewardID:        r.RewardID,
		Provider:        r.Provider,
		PointsUsed:      r.PointsUsed,
		Status:          r.Status,
		DeliveryAddress: r.DeliveryAddress,
		TrackingNumber:  r.TrackingNumber,
		FulfillmentCode: r.FulfillmentCode,
		DeliveredAt:     formatTimePtr(r.DeliveredAt),
		FulfilledAt:     formatTimePtr(r.FulfilledAt),
		RedeemedAt:      formatTime(r.RedeemedAt),
	}
}

func toRedemptionDTOs(rs []domain.Redemption) []RedemptionDTO {
	out := make([]RedemptionDTO, len(rs))
	for i, r := range rs {
		out[i] = toRedemptionDTO(r)
	}
	return out
}

type RedemptionUpdateRequest struct {
	Status          *domain.RedemptionStatus `json:"status"`
	TrackingNumber  *string                  `json:"tracking_number"`
	FulfillmentCode *string                  `json:"fulfillment_code"`
	DeliveredAt     *time.Time               `json:"delivered_at"`
	FulfilledAt     *time.Time               `json:"fulfilled_at"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditDTO struct {
	ID         string             `json:"id"`
	ActorID    string             `json:"actor_id"`
	Action     domain.AuditAction `json:"action"`
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Diff       map[string]any     `json:"diff,omitempty"`
	CreatedAt  string             `json:"created_at"`
}

func toAuditDTOs(entries []domain.AuditEntry) []AuditDTO {
	out := make([]AuditDTO, len(entries))
	for i, e := range entries {
		out[i] = AuditDTO{
			ID:         e.ID,
			ActorID:    e.ActorID,
			Action:     e.Action,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Diff:       e.Diff,
			CreatedAt:  formatTime(e.CreatedAt),
		}
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
