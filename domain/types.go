/*
Package domain provides the shared model of the recognition engine.

PURPOSE:
  Every workflow package (ledger, recognition, rewards, users) speaks in
  these types. Persistence implementations (store/sqlite) read and write
  them. Nothing in this package performs I/O.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: an employee in an organization, with a cached points balance
  - Recognition: an award sent by one user to 1..5 recipients
  - LedgerEntry: an immutable signed change to a user's points
  - Reward / Redemption: the catalog and the exchange of points for it
  - AuditEntry: who changed what, for admin review

MULTI-TENANCY:
  Every record carries an OrgID. Stores always filter by it; a user of
  one organization can never observe records of another.

INVARIANTS:
  1. User.PointsBalance == sum(LedgerEntry.Delta) for that user
  2. Reward.Availability >= 0
  3. Recognition recipients: 1..5, values tags: 1..3

SEE ALSO:
  - roles.go: Capability table consulted by every role check
  - errors.go: Typed error kinds
  - store.go: Persistence interfaces
*/
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LIMITS
// =============================================================================

const (
	MaxRecipients    = 5
	MinValuesTags    = 1
	MaxValuesTags    = 3
	MaxMessageLength = 1000
)

// =============================================================================
// ORGANIZATION
// =============================================================================

type Org struct {
	ID              string
	Name            string
	SlackWebhookURL string
	TeamsWebhookURL string
	CreatedAt       time.Time
}

// WebhookURLs returns the non-empty outbound notification targets.
func (o Org) WebhookURLs() []string {
	var urls []string
	for _, u := range []string{o.SlackWebhookURL, o.TeamsWebhookURL} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// =============================================================================
// USER
// =============================================================================

type Preferences struct {
	Region        string          `json:"region"`
	Currency      string          `json:"currency"`
	Notifications map[string]bool `json:"notifications,omitempty"`
}

// DefaultPreferences matches what a freshly provisioned user sees.
func DefaultPreferences() Preferences {
	return Preferences{
		Region:   "IN",
		Currency: string(CurrencyINR),
		Notifications: map[string]bool{
			"email_notifications": true,
			"recognition_alerts":  true,
		},
	}
}

type User struct {
	ID           string
	OrgID        string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Role         Role
	ManagerID    string // empty when the user has no manager
	Department   string

	// Cached counters. PointsBalance is a materialized view of the ledger
	// and is only ever changed in the same transaction as a ledger append.
	PointsBalance     int64
	TotalPointsEarned int64
	RecognitionCount  int64

	// MonthlyAllowance caps points a user may award per month. Nil = no cap.
	MonthlyAllowance *int64
	MonthlySpent     int64

	Preferences Preferences
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// RemainingAllowance returns the points the user may still award this month.
// ok is false when the user has no allowance configured.
func (u User) RemainingAllowance() (remaining int64, ok bool) {
	if u.MonthlyAllowance == nil {
		return 0, false
	}
	remaining = *u.MonthlyAllowance - u.MonthlySpent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// =============================================================================
// RECOGNITION
// =============================================================================

type RecognitionType string

const (
	TypeKudos             RecognitionType = "kudos"
	TypeSpotAward         RecognitionType = "spot_award"
	TypeMilestone         RecognitionType = "milestone"
	TypePeerToPeer        RecognitionType = "peer_to_peer"
	TypeManagerToEmployee RecognitionType = "manager_to_employee"
	TypeTeamRecognition   RecognitionType = "team_recognition"
	TypeCompanyWide       RecognitionType = "company_wide"
)

var recognitionTypes = map[RecognitionType]bool{
	TypeKudos: true, TypeSpotAward: true, TypeMilestone: true, TypePeerToPeer: true,
	TypeManagerToEmployee: true, TypeTeamRecognition: true, TypeCompanyWide: true,
}

func (t RecognitionType) Valid() bool { return recognitionTypes[t] }

type RecognitionStatus string

const (
	StatusPosted          RecognitionStatus = "posted"
	StatusPendingApproval RecognitionStatus = "pending_approval"
	StatusApproved        RecognitionStatus = "approved"
	StatusRejected        RecognitionStatus = "rejected"
)

// Credited reports whether points of a recognition in this status are on the ledger.
func (s RecognitionStatus) Credited() bool {
	return s == StatusPosted || s == StatusApproved
}

// Scope classifies a recipient relative to the sender.
type Scope string

const (
	ScopePeer   Scope = "peer"
	ScopeReport Scope = "report"
	ScopeGlobal Scope = "global"
)

func (s Scope) Valid() bool { return s == ScopePeer || s == ScopeReport || s == ScopeGlobal }

// Rank orders scopes from narrowest to widest.
func (s Scope) Rank() int {
	switch s {
	case ScopePeer:
		return 1
	case ScopeReport:
		return 2
	case ScopeGlobal:
		return 3
	}
	return 0
}

// ValuesTags is the fixed set of company values a recognition may cite.
var ValuesTags = []string{
	"Customer focus",
	"Ownership",
	"Collaboration",
	"Innovation",
	"Growth mindset",
	"Integrity",
}

func IsValuesTag(tag string) bool {
	for _, t := range ValuesTags {
		if t == tag {
			return true
		}
	}
	return false
}

type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

type Recognition struct {
	ID            string
	OrgID         string
	FromUserID    string
	ToUserIDs     []string
	Message       string
	Type          RecognitionType
	PointsAwarded int64
	ValuesTags    []string
	IsPublic      bool
	Status        RecognitionStatus
	Scope         Scope
	Reactions     []Reaction

	// Approval gate decision. Empty/nil until approved or rejected.
	DecidedBy string
	DecidedAt *time.Time

	CreatedAt time.Time
}

// Involves reports whether userID sent or received the recognition.
func (r Recognition) Involves(userID string) bool {
	if r.FromUserID == userID {
		return true
	}
	for _, id := range r.ToUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// =============================================================================
// POINTS LEDGER
// =============================================================================

type LedgerReason string

const (
	ReasonRecognitionAward LedgerReason = "recognition_award"
	ReasonRewardRedemption LedgerReason = "reward_redemption"
	ReasonAdjustment       LedgerReason = "adjustment"
)

type RefType string

const (
	RefRecognition RefType = "recognition"
	RefRedemption  RefType = "redemption"
	RefAdjustment  RefType = "adjustment"
)

// LedgerEntry is append-only: never updated, never deleted.
type LedgerEntry struct {
	ID        string
	OrgID     string
	UserID    string
	Delta     int64
	Reason    LedgerReason
	RefType   RefType
	RefID     string
	CreatedAt time.Time
}

// =============================================================================
// REWARDS CATALOG
// =============================================================================

type Currency string

const (
	CurrencyINR Currency = "INR"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

var Currencies = []Currency{CurrencyINR, CurrencyUSD, CurrencyEUR}

func (c Currency) Valid() bool {
	for _, known := range Currencies {
		if c == known {
			return true
		}
	}
	return false
}

var Regions = []string{"IN", "US", "EU"}

func IsRegion(r string) bool {
	for _, known := range Regions {
		if r == known {
			return true
		}
	}
	return false
}

type RewardType string

const (
	RewardPhysicalProduct RewardType = "physical_product"
	RewardDigitalProduct  RewardType = "digital_product"
	RewardExperience      RewardType = "experience"
	RewardGiftCard        RewardType = "gift_card"
	RewardVoucher         RewardType = "voucher"
	RewardCash            RewardType = "cash_reward"
)

var rewardTypes = map[RewardType]bool{
	RewardPhysicalProduct: true, RewardDigitalProduct: true, RewardExperience: true,
	RewardGiftCard: true, RewardVoucher: true, RewardCash: true,
}

func (t RewardType) Valid() bool { return rewardTypes[t] }

type Provider string

const (
	ProviderInternal       Provider = "internal"
	ProviderAmazonGiftCard Provider = "amazon_giftcard"
	ProviderManualVendor   Provider = "manual_vendor"
)

type Reward struct {
	ID             string
	OrgID          string
	Title          string
	Description    string
	Category       string
	RewardType     RewardType
	Provider       Provider
	PointsRequired int64
	Prices         map[Currency]decimal.Decimal
	Availability   int64
	Active         bool
	Regions        []string
	Tags           []string
	CreatedAt      time.Time
}

// AvailableIn reports whether the reward is offered in region.
// An empty region matches every reward.
func (r Reward) AvailableIn(region string) bool {
	if region == "" {
		return true
	}
	for _, reg := range r.Regions {
		if reg == region {
			return true
		}
	}
	return false
}

// Price returns the price in currency, or zero if the reward has none.
func (r Reward) Price(c Currency) decimal.Decimal {
	if p, ok := r.Prices[c]; ok {
		return p
	}
	return decimal.Zero
}

// =============================================================================
// REDEMPTION
// =============================================================================

type RedemptionStatus string

const (
	RedemptionPendingFulfillment RedemptionStatus = "pending_fulfillment"
	RedemptionPendingCode        RedemptionStatus = "pending_code"
	RedemptionShipped            RedemptionStatus = "shipped"
	RedemptionDelivered          RedemptionStatus = "delivered"
	RedemptionFulfilled          RedemptionStatus = "fulfilled"
	RedemptionCancelled          RedemptionStatus = "cancelled"
	RedemptionFailed             RedemptionStatus = "failed"
)

var redemptionStatuses = map[RedemptionStatus]bool{
	RedemptionPendingFulfillment: true, RedemptionPendingCode: true, RedemptionShipped: true,
	RedemptionDelivered: true, RedemptionFulfilled: true, RedemptionCancelled: true,
	RedemptionFailed: true,
}

func (s RedemptionStatus) Valid() bool { return redemptionStatuses[s] }

type Redemption struct {
	ID              string
	OrgID           string
	UserID          string
	RewardID        string
	Provider        Provider
	PointsUsed      int64 // snapshot of Reward.PointsRequired at redemption time
	Status          RedemptionStatus
	DeliveryAddress map[string]string
	TrackingNumber  string
	FulfillmentCode string
	DeliveredAt     *time.Time
	FulfilledAt     *time.Time
	RedeemedAt      time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditRecognitionApproved AuditAction = "recognition_approved"
	AuditRecognitionRejected AuditAction = "recognition_rejected"
	AuditRedemptionUpdated   AuditAction = "redemption_updated"
	AuditRewardCreated       AuditAction = "reward_created"
	AuditRewardUpdated       AuditAction = "reward_updated"
	AuditUserProvisioned     AuditAction = "user_provisioned"
	AuditReportingUpdated    AuditAction = "reporting_updated"
	AuditUserActivated       AuditAction = "user_activated"
	AuditUserDeactivated     AuditAction = "user_deactivated"
	AuditPointsAdjusted      AuditAction = "points_adjusted"
)

// AuditEntry records who did what when. Also append-only.
type AuditEntry struct {
	ID         string
	OrgID      string
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	Diff       map[string]any
	CreatedAt  time.Time
}
