/*
store.go - Persistence interfaces

PURPOSE:
  Defines the boundary between workflows and the database. Workflows never
  issue SQL; they call these methods, usually inside TxStore.WithTx so that
  a ledger append, the cached balance update and any stock decrement commit
  or roll back together.

KEY INTERFACES:
  Store:   The union of all record stores
  TxStore: Store plus WithTx for atomic multi-table writes

CONDITIONAL WRITES:
  ApplyPoints and DecrementAvailability are guarded updates: they fail with
  InsufficientPointsError / OutOfStockError instead of driving a balance or
  stock negative. Combined with WithTx this prevents double spends when two
  redemptions race for the last item or the last points.

NOT FOUND:
  Get* methods return a *NotFoundError (errors.Is(err, ErrNotFound)).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go
*/
package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

type UserFilter struct {
	ActiveOnly bool
	ManagerID  string
	Department string
	Roles      []Role
}

type RecognitionFilter struct {
	Statuses    []RecognitionStatus
	FromUserID  string
	ToUserID    string
	Participant string // sender OR recipient
	Type        RecognitionType
	PublicOnly  bool
	ValueTag    string
	Before      *Cursor // (created_at, id) strictly before this cursor
	Limit       int
	OldestFirst bool
}

type RewardFilter struct {
	ActiveOnly bool
	Region     string
	Limit      int
}

type RedemptionFilter struct {
	UserID string
	Status RedemptionStatus
	Limit  int
}

// =============================================================================
// CURSOR - (created_at, id) keyset pagination
// =============================================================================

// CursorTimeLayout is fixed-width so cursors and stored timestamps sort lexically.
const CursorTimeLayout = "2006-01-02T15:04:05.000000000Z"

type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAt returns the cursor pointing at the given row.
func CursorAt(createdAt time.Time, id string) *Cursor {
	return &Cursor{CreatedAt: createdAt, ID: id}
}

func (c Cursor) String() string {
	return c.CreatedAt.UTC().Format(CursorTimeLayout) + "|" + c.ID
}

// ParseCursor decodes an opaque "created_at|id" cursor. Empty input yields nil.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	ts, id, ok := strings.Cut(s, "|")
	if !ok || id == "" {
		return nil, Invalid("cursor", "cursor must be in '<created_at>|<id>' format")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, Invalid("cursor", "cursor timestamp is invalid: %v", err)
	}
	return &Cursor{CreatedAt: t.UTC(), ID: id}, nil
}

// =============================================================================
// STORES
// =============================================================================

type OrgStore interface {
	GetOrg(ctx context.Context, id string) (*Org, error)
	SaveOrg(ctx context.Context, org Org) error
}

type UserStore interface {
	GetUser(ctx context.Context, orgID, id string) (*User, error)
	GetUserByEmail(ctx context.Context, orgID, email string) (*User, error)
	ListUsers(ctx context.Context, orgID string, filter UserFilter) ([]User, error)

	// SaveUser inserts or replaces profile fields. It never touches the
	// cached points counters; those change only through ApplyPoints.
	SaveUser(ctx context.Context, u User) error

	// ApplyPoints adds delta to points_balance and earned to
	// total_points_earned. Fails with InsufficientPointsError if the
	// balance would become negative.
	ApplyPoints(ctx context.Context, orgID, userID string, delta, earned int64) error

	// RecordRecognitionReceived bumps recognition_count.
	RecordRecognitionReceived(ctx context.Context, orgID, userID string) error

	// AddMonthlySpent adds points to the sender's monthly_points_spent.
	AddMonthlySpent(ctx context.Context, orgID, userID string, points int64) error

	// ResetMonthlySpent zeroes monthly_points_spent for users with the given roles
	// across all organizations. Returns the number of users touched.
	ResetMonthlySpent(ctx context.Context, roles []Role) (int64, error)
}

type LedgerStore interface {
	AppendEntries(ctx context.Context, entries []LedgerEntry) error
	// ListEntries returns entries ordered by (created_at desc, id desc).
	ListEntries(ctx context.Context, orgID, userID string, before *Cursor, limit int) ([]LedgerEntry, error)
	ListEntriesByRef(ctx context.Context, orgID string, refType RefType, refID string) ([]LedgerEntry, error)
	SumDeltas(ctx context.Context, orgID, userID string) (int64, error)
}

type RecognitionStore interface {
	SaveRecognition(ctx context.Context, r Recognition) error
	GetRecognition(ctx context.Context, orgID, id string) (*Recognition, error)
	// ListRecognitions orders newest first unless filter.OldestFirst.
	ListRecognitions(ctx context.Context, orgID string, filter RecognitionFilter) ([]Recognition, error)
}

type RewardStore interface {
	SaveReward(ctx context.Context, r Reward) error
	GetReward(ctx context.Context, orgID, id string) (*Reward, error)
	ListRewards(ctx context.Context, orgID string, filter RewardFilter) ([]Reward, error)
	// DecrementAvailability takes one unit of stock or fails with OutOfStockError.
	DecrementAvailability(ctx context.Context, orgID, rewardID string) error
}

type RedemptionStore interface {
	SaveRedemption(ctx context.Context, r Redemption) error
	GetRedemption(ctx context.Context, orgID, id string) (*Redemption, error)
	ListRedemptions(ctx context.Context, orgID string, filter RedemptionFilter) ([]Redemption, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, orgID string, limit int) ([]AuditEntry, error)
}

// JobStore remembers the last period a periodic job completed, so a job
// that was down across a period boundary still runs once when it comes back.
type JobStore interface {
	// JobPeriod returns the last recorded period of job, "" if it never ran.
	JobPeriod(ctx context.Context, job string) (string, error)
	SetJobPeriod(ctx context.Context, job, period string) error
}

type Store interface {
	OrgStore
	UserStore
	LedgerStore
	RecognitionStore
	RewardStore
	RedemptionStore
	AuditStore
	JobStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// LoadActiveUser fetches a user and rejects deactivated accounts as not found.
func LoadActiveUser(ctx context.Context, s UserStore, orgID, id string) (*User, error) {
	u, err := s.GetUser(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, NotFound("user", id)
	}
	return u, nil
}

// MustBeAdmin returns an AuthorizationError unless actor may administer.
func MustBeAdmin(actor User) error {
	if !actor.Role.Capabilities().Administer {
		return Forbidden("Not enough permissions")
	}
	return nil
}

// Wrap annotates a store error without hiding its kind.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
