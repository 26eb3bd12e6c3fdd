/*
Package ledger is the single write path for points.

PURPOSE:
  Every change to a user's points is an entry here: recognition awards
  (positive), reward redemptions (negative), manual adjustments. The cached
  User.PointsBalance is a materialized view of the entries and is updated
  in the same transaction as the append, never as a separate step.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ALL-OR-NOTHING: Post writes every entry of a batch or none of them.
  3. CONSERVATION: points_balance == sum(delta) for every user.
  4. NON-NEGATIVE: a debit that would overdraw a balance fails the whole batch.

CORRECTIONS:
  Mistakes are fixed by posting an adjustment with the opposite sign.
  Both entries remain in the log.

ORDERING:
  Pages are ordered by (created_at desc, id desc). The cursor is the
  "created_at|id" pair of the last row of the previous page.

SEE ALSO:
  - domain/store.go: LedgerStore, UserStore.ApplyPoints
  - recognition/workflow.go, rewards/redemption.go: the two callers
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recognition-engine/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store  domain.TxStore
	Logger *zap.Logger
}

func New(store domain.TxStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{Store: store, Logger: logger}
}

// PostEntries appends entries and updates the owning users' cached counters
// in one transaction.
func (l *Ledger) PostEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	return l.Store.WithTx(ctx, func(s domain.Store) error {
		return Post(ctx, s, entries)
	})
}

// Post is PostEntries for callers that already hold a transaction. s must be
// the transactional Store handed to WithTx.
//
// Entries without ID or CreatedAt get one. Positive deltas also count
// towards total_points_earned.
func Post(ctx context.Context, s domain.Store, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := make([]domain.LedgerEntry, len(entries))
	for i, e := range entries {
		if err := validate(e); err != nil {
			return err
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		batch[i] = e
	}

	for _, e := range batch {
		var earned int64
		if e.Delta > 0 {
			earned = e.Delta
		}
		if err := s.ApplyPoints(ctx, e.OrgID, e.UserID, e.Delta, earned); err != nil {
			return err
		}
	}
	if err := s.AppendEntries(ctx, batch); err != nil {
		return domain.Wrap(err, "append ledger entries")
	}
	return nil
}

func validate(e domain.LedgerEntry) error {
	switch {
	case e.OrgID == "" || e.UserID == "":
		return domain.Invalid("user_id", "ledger entry requires org and user")
	case e.Delta == 0:
		return domain.Invalid("delta", "ledger entry delta must be non-zero")
	case e.Reason == "":
		return domain.Invalid("reason", "ledger entry requires a reason")
	case e.RefType == "" || e.RefID == "":
		return domain.Invalid("ref_id", "ledger entry requires a source reference")
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

type Page struct {
	Entries    []domain.LedgerEntry
	NextCursor string // empty on the last page
}

// Page returns up to limit entries for a user, newest first, starting after cursor.
func (l *Ledger) Page(ctx context.Context, orgID, userID, cursor string, limit int) (Page, error) {
	after, err := domain.ParseCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)

	// One extra row tells us whether another page exists.
	entries, err := l.Store.ListEntries(ctx, orgID, userID, after, limit+1)
	if err != nil {
		return Page{}, domain.Wrap(err, "list ledger entries")
	}

	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = domain.CursorAt(last.CreatedAt, last.ID).String()
	}
	if page.Entries == nil {
		page.Entries = []domain.LedgerEntry{}
	}
	return page, nil
}

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation compares the cached balance with the sum of the log.
type Reconciliation struct {
	UserID        string `json:"user_id"`
	CachedBalance int64  `json:"cached_balance"`
	LedgerSum     int64  `json:"ledger_sum"`
}

func (r Reconciliation) Drift() int64 { return r.CachedBalance - r.LedgerSum }
func (r Reconciliation) OK() bool     { return r.Drift() == 0 }

// Reconcile recomputes one user's balance from the ledger.
func (l *Ledger) Reconcile(ctx context.Context, orgID, userID string) (Reconciliation, error) {
	var rec Reconciliation
	err := l.Store.WithTx(ctx, func(s domain.Store) error {
		u, err := s.GetUser(ctx, orgID, userID)
		if err != nil {
			return err
		}
		sum, err := s.SumDeltas(ctx, orgID, userID)
		if err != nil {
			return domain.Wrap(err, "sum ledger deltas")
		}
		rec = Reconciliation{UserID: userID, CachedBalance: u.PointsBalance, LedgerSum: sum}
		return nil
	})
	return rec, err
}

// ReconcileOrg checks every user in an organization and returns those that drifted.
func (l *Ledger) ReconcileOrg(ctx context.Context, orgID string) ([]Reconciliation, error) {
	var drifted []Reconciliation
	err := l.Store.WithTx(ctx, func(s domain.Store) error {
		users, err := s.ListUsers(ctx, orgID, domain.UserFilter{})
		if err != nil {
			return err
		}
		for _, u := range users {
			sum, err := s.SumDeltas(ctx, orgID, u.ID)
			if err != nil {
				return domain.Wrap(err, "sum ledger deltas")
			}
			rec := Reconciliation{UserID: u.ID, CachedBalance: u.PointsBalance, LedgerSum: sum}
			if !rec.OK() {
				l.Logger.Warn("ledger drift detected",
					zap.String("org_id", orgID),
					zap.String("user_id", u.ID),
					zap.Int64("cached_balance", rec.CachedBalance),
					zap.Int64("ledger_sum", rec.LedgerSum))
				drifted = append(drifted, rec)
			}
		}
		return nil
	})
	return drifted, err
}
