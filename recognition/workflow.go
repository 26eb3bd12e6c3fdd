/*
Package recognition implements sending, approving and browsing recognitions.

PURPOSE:
  A recognition is a message from one user to 1..5 others, tagged with
  company values, optionally carrying points. Depending on the approval
  policy it either posts immediately (points hit the ledger in the same
  transaction) or waits in pending_approval for an HR admin.

KEY CONCEPTS:
  - Snapshot (resolver.go): the actor's peer/report/global buckets
  - CheckEligibility (eligibility.go): which recipients may receive points
  - Machine (statemachine.go): submit/approve/reject transitions
  - ApprovalPolicy (policy.go): guards on the submit transition

ATOMICITY:
  The recognition row, every recipient's ledger entry, the cached balances
  and the sender's monthly spend are written in one transaction. A failure
  on any recipient leaves no trace for any of them.

SEE ALSO:
  - approval.go: Approve, Reject, ListPending
  - feed.go: History, Feed, React
  - ledger/ledger.go: Post
*/
package recognition

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/ledger"
)

// Notifier is told about recognitions that became visible with points settled.
// It is called in the background after commit; its errors are logged and
// never fail the request.
type Notifier interface {
	RecognitionPosted(ctx context.Context, n Notification) error
}

type Notification struct {
	Org         domain.Org
	Recognition domain.Recognition
	Sender      domain.User
	Recipients  []domain.User
}

// DefaultNotifyTimeout bounds one background notification.
const DefaultNotifyTimeout = 10 * time.Second

// Service runs the recognition workflows.
type Service struct {
	Store         domain.TxStore
	Points        PointsConfig
	Policy        ApprovalPolicy
	Notifier      Notifier // optional
	NotifyTimeout time.Duration
	Logger        *zap.Logger

	machine       *Machine
	notifications sync.WaitGroup
}

func NewService(store domain.TxStore, points PointsConfig, policy ApprovalPolicy, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:         store,
		Points:        points,
		Policy:        policy,
		Notifier:      notifier,
		NotifyTimeout: DefaultNotifyTimeout,
		Logger:        logger,
		machine:       NewMachine(policy),
	}
}

// WaitNotifications blocks until every background notification has returned.
// Call it before closing the store on shutdown.
func (s *Service) WaitNotifications() {
	s.notifications.Wait()
}

// =============================================================================
// READS: scopes and eligibility
// =============================================================================

// Recipients resolves the actor's three recipient scopes.
func (s *Service) Recipients(ctx context.Context, actor domain.User) (Scopes, error) {
	snap, err := LoadSnapshot(ctx, s.Store, actor)
	if err != nil {
		return Scopes{}, err
	}
	return snap.Scopes, nil
}

// FlatRecipients is Recipients collapsed to the actor's widest enabled scope.
func (s *Service) FlatRecipients(ctx context.Context, actor domain.User) ([]domain.User, error) {
	snap, err := LoadSnapshot(ctx, s.Store, actor)
	if err != nil {
		return nil, err
	}
	return snap.Flatten(), nil
}

func (s *Service) Eligibility(ctx context.Context, actor domain.User, q EligibilityQuery) ([]EligibilityEntry, error) {
	if len(q.RecipientIDs) == 0 {
		return nil, domain.Invalid("to_user_ids", "At least one recipient is required")
	}
	if len(q.RecipientIDs) > domain.MaxRecipients {
		return nil, domain.Invalid("to_user_ids", "You can recognize up to %d people at once", domain.MaxRecipients)
	}
	snap, err := LoadSnapshot(ctx, s.Store, actor)
	if err != nil {
		return nil, err
	}
	return CheckEligibility(snap, q, s.Points), nil
}

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitRequest struct {
	// FromUserID, when set, must be the actor. Sending on behalf of
	// someone else is refused.
	FromUserID    string
	ToUserIDs     []string
	Type          domain.RecognitionType
	Message       string
	PointsAwarded *int64
	ValuesTags    []string
	IsPublic      bool
	// Scope, when set, requires every recipient to be in that bucket.
	Scope domain.Scope
}

// Submit validates and records a recognition.
func (s *Service) Submit(ctx context.Context, actor domain.User, req SubmitRequest) (*domain.Recognition, error) {
	if req.FromUserID != "" && req.FromUserID != actor.ID {
		return nil, domain.Forbidden("You cannot send recognition on behalf of another user")
	}
	recipientIDs, err := s.validate(&req, actor)
	if err != nil {
		return nil, err
	}

	var (
		rec        domain.Recognition
		sender     domain.User
		recipients []domain.User
	)
	err = s.Store.WithTx(ctx, func(tx domain.Store) error {
		// Re-read the sender: allowance and role may have changed.
		fresh, err := domain.LoadActiveUser(ctx, tx, actor.OrgID, actor.ID)
		if err != nil {
			return err
		}
		sender = *fresh

		snap, err := LoadSnapshot(ctx, tx, sender)
		if err != nil {
			return err
		}
		resolved, scope, err := s.resolveRecipients(snap, recipientIDs, req.Scope)
		if err != nil {
			return err
		}
		points, err := s.determinePoints(snap, req, resolved)
		if err != nil {
			return err
		}

		proposal := Proposal{Actor: sender, Type: req.Type, Scope: scope, Points: points, Recipients: resolved}
		status, err := s.machine.Transition("", EventSubmit, proposal)
		if err != nil {
			return err
		}

		rec = domain.Recognition{
			ID:            uuid.NewString(),
			OrgID:         sender.OrgID,
			FromUserID:    sender.ID,
			ToUserIDs:     recipientIDs,
			Message:       req.Message,
			Type:          req.Type,
			PointsAwarded: points,
			ValuesTags:    req.ValuesTags,
			IsPublic:      req.IsPublic,
			Status:        status,
			Scope:         scope,
			CreatedAt:     time.Now().UTC(),
		}
		if err := tx.SaveRecognition(ctx, rec); err != nil {
			return domain.Wrap(err, "save recognition")
		}
		for _, r := range resolved {
			recipients = append(recipients, r.User)
		}
		if status.Credited() {
			return settle(ctx, tx, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("recognition submitted",
		zap.String("org_id", rec.OrgID),
		zap.String("recognition_id", rec.ID),
		zap.String("user_id", rec.FromUserID),
		zap.String("status", string(rec.Status)),
		zap.String("scope", string(rec.Scope)),
		zap.Int64("points", rec.PointsAwarded),
		zap.Int("recipients", len(rec.ToUserIDs)))

	if rec.Status.Credited() {
		s.notify(ctx, rec, &sender, recipients)
	}
	return &rec, nil
}

// validate normalizes req in place and returns the distinct recipient ids
// with the sender removed.
func (s *Service) validate(req *SubmitRequest, actor domain.User) ([]string, error) {
	if req.Type == "" {
		req.Type = domain.TypePeerToPeer
	}
	if !req.Type.Valid() {
		return nil, domain.Invalid("recognition_type", "Unknown recognition type %q", req.Type)
	}
	if req.Scope != "" && !req.Scope.Valid() {
		return nil, domain.Invalid("scope", "Unknown scope %q", req.Scope)
	}

	if len(req.ToUserIDs) == 0 {
		return nil, domain.Invalid("to_user_ids", "At least one recipient is required")
	}
	if len(req.ToUserIDs) > domain.MaxRecipients {
		return nil, domain.Invalid("to_user_ids", "You can recognize up to %d people at once", domain.MaxRecipients)
	}
	var ids []string
	for _, id := range dedupe(req.ToUserIDs) {
		if id != actor.ID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, domain.Invalid("to_user_ids", "You must choose someone other than yourself")
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, domain.Invalid("message", "Message is required")
	}
	if len([]rune(req.Message)) > domain.MaxMessageLength {
		return nil, domain.Invalid("message", "Message must be at most %d characters", domain.MaxMessageLength)
	}

	req.ValuesTags = dedupe(req.ValuesTags)
	if len(req.ValuesTags) < domain.MinValuesTags || len(req.ValuesTags) > domain.MaxValuesTags {
		return nil, domain.Invalid("values_tags", "Choose between %d and %d company values", domain.MinValuesTags, domain.MaxValuesTags)
	}
	for _, tag := range req.ValuesTags {
		if !domain.IsValuesTag(tag) {
			return nil, domain.Invalid("values_tags", "Unknown company value %q", tag)
		}
	}
	return ids, nil
}

// resolveRecipients enforces scope permissions and classifies each recipient.
// The recognition's scope is the requested one, or else the widest bucket any
// recipient was reached through.
func (s *Service) resolveRecipients(snap *Snapshot, ids []string, requested domain.Scope) ([]Recipient, domain.Scope, error) {
	caps := snap.Actor.Role.Capabilities()
	switch requested {
	case domain.ScopeGlobal:
		if !caps.GlobalScope {
			return nil, "", domain.Forbidden("Only HR and executive leaders can send global recognition.")
		}
	case domain.ScopeReport:
		if !caps.ReportScope {
			return nil, "", domain.Forbidden("Only managers and HR leaders can recognize direct reports.")
		}
	}

	resolved := make([]Recipient, 0, len(ids))
	widest := domain.Scope("")
	for _, id := range ids {
		u, ok := snap.Users[id]
		if !ok {
			return nil, "", domain.Invalid("to_user_ids", "One or more selected teammates were not found")
		}

		scope := requested
		if scope != "" {
			if !snap.InScope(id, scope) {
				return nil, "", domain.Forbidden("%s", outOfScopeMessage(scope))
			}
		} else {
			var reachable bool
			if scope, reachable = snap.Classify(id); !reachable {
				return nil, "", domain.Forbidden("You are not allowed to recognize %s", u.FullName())
			}
		}
		if scope.Rank() > widest.Rank() {
			widest = scope
		}
		resolved = append(resolved, Recipient{User: u, Scope: scope})
	}
	return resolved, widest, nil
}

func outOfScopeMessage(scope domain.Scope) string {
	switch scope {
	case domain.ScopePeer:
		return "Peer recognition requires that you and your colleague share the same manager."
	case domain.ScopeReport:
		return "Report recognition is limited to your reporting line."
	}
	return "Recipient is not in your organization."
}

// determinePoints applies the eligibility rules. A requested amount is only
// read, and range checked, when the actor may configure it; otherwise it is
// ignored. Ineligible combinations degrade to zero points; only an exceeded
// allowance is an error.
func (s *Service) determinePoints(snap *Snapshot, req SubmitRequest, resolved []Recipient) (int64, error) {
	if req.Type == domain.TypeKudos {
		return 0, nil
	}

	points := s.Points.Default
	if req.PointsAwarded != nil && s.Points.configurable(req.Type) && canConfigure(snap.Actor.Role, resolved) {
		points = *req.PointsAwarded
		if err := s.Points.checkConfigured(points); err != nil {
			return 0, err
		}
	}

	ids := make([]string, len(resolved))
	for i, r := range resolved {
		ids[i] = r.User.ID
	}
	for _, e := range CheckEligibility(snap, EligibilityQuery{RecipientIDs: ids, Type: req.Type, Points: points}, s.Points) {
		if e.PointsEligible {
			continue
		}
		if e.Reason == ReasonAllowanceExceeded {
			remaining, _ := snap.Actor.RemainingAllowance()
			return 0, domain.Invalid("points_awarded",
				"Monthly points allowance exceeded: %d remaining, %d requested", remaining, points*int64(len(ids)))
		}
		return 0, nil
	}
	return points, nil
}

// canConfigure: the actor may choose the amount for every recipient.
func canConfigure(role domain.Role, resolved []Recipient) bool {
	for _, r := range resolved {
		if !role.CanConfigurePoints(r.Scope) {
			return false
		}
	}
	return true
}

// settle credits a posted or approved recognition. Must run inside the
// transaction that changed its status.
func settle(ctx context.Context, tx domain.Store, rec domain.Recognition) error {
	for _, id := range rec.ToUserIDs {
		if err := tx.RecordRecognitionReceived(ctx, rec.OrgID, id); err != nil {
			return err
		}
	}
	if rec.PointsAwarded <= 0 {
		return nil
	}

	entries := make([]domain.LedgerEntry, 0, len(rec.ToUserIDs))
	for _, id := range rec.ToUserIDs {
		entries = append(entries, domain.LedgerEntry{
			OrgID:   rec.OrgID,
			UserID:  id,
			Delta:   rec.PointsAwarded,
			Reason:  domain.ReasonRecognitionAward,
			RefType: domain.RefRecognition,
			RefID:   rec.ID,
		})
	}
	if err := ledger.Post(ctx, tx, entries); err != nil {
		return err
	}
	spent := rec.PointsAwarded * int64(len(rec.ToUserIDs))
	return tx.AddMonthlySpent(ctx, rec.OrgID, rec.FromUserID, spent)
}

// notify hands rec to the Notifier on its own goroutine, detached from the
// request's cancellation and bounded by NotifyTimeout. A nil sender means
// sender and recipients are loaded from the store first.
func (s *Service) notify(ctx context.Context, rec domain.Recognition, sender *domain.User, recipients []domain.User) {
	if s.Notifier == nil || !rec.IsPublic {
		return
	}
	ctx = context.WithoutCancel(ctx)

	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		ctx, cancel := context.WithTimeout(ctx, s.NotifyTimeout)
		defer cancel()

		n, err := s.notification(ctx, rec, sender, recipients)
		if err != nil {
			if !domain.IsNotFound(err) {
				s.Logger.Warn("prepare recognition notification",
					zap.String("org_id", rec.OrgID),
					zap.String("recognition_id", rec.ID),
					zap.Error(err))
			}
			return
		}
		if err := s.Notifier.RecognitionPosted(ctx, n); err != nil {
			s.Logger.Warn("recognition notification failed",
				zap.String("org_id", rec.OrgID),
				zap.String("recognition_id", rec.ID),
				zap.Error(err))
		}
	}()
}

func (s *Service) notification(ctx context.Context, rec domain.Recognition, sender *domain.User, recipients []domain.User) (Notification, error) {
	org, err := s.Store.GetOrg(ctx, rec.OrgID)
	if err != nil {
		return Notification{}, err
	}
	if sender == nil {
		if sender, err = s.Store.GetUser(ctx, rec.OrgID, rec.FromUserID); err != nil {
			return Notification{}, err
		}
		if recipients, err = loadRecipients(ctx, s.Store, rec); err != nil {
			return Notification{}, err
		}
	}
	return Notification{Org: *org, Recognition: rec, Sender: *sender, Recipients: recipients}, nil
}

// loadRecipients reads the recipients of rec; missing users are skipped.
func loadRecipients(ctx context.Context, users domain.UserStore, rec domain.Recognition) ([]domain.User, error) {
	out := make([]domain.User, 0, len(rec.ToUserIDs))
	for _, id := range rec.ToUserIDs {
		u, err := users.GetUser(ctx, rec.OrgID, id)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load recipient %s: %w", id, err)
		}
		out = append(out, *u)
	}
	return out, nil
}
