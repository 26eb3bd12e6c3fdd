package recognition

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recognition-engine/domain"
)

// =============================================================================
// APPROVAL GATE
// =============================================================================

// Approve moves a pending recognition to approved and posts its points.
// The status check and the ledger write share one transaction, so two
// concurrent approvals cannot both credit.
func (s *Service) Approve(ctx context.Context, actor domain.User, id string) (*domain.Recognition, error) {
	return s.decide(ctx, actor, id, EventApprove, "")
}

// Reject moves a pending recognition to rejected. No ledger effect, ever.
func (s *Service) Reject(ctx context.Context, actor domain.User, id, reason string) (*domain.Recognition, error) {
	return s.decide(ctx, actor, id, EventReject, reason)
}

func (s *Service) decide(ctx context.Context, actor domain.User, id string, ev Event, reason string) (*domain.Recognition, error) {
	if !actor.Role.Capabilities().Approve {
		return nil, domain.Forbidden("Only HR admins can review recognitions")
	}

	var rec *domain.Recognition
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		rec, err = tx.GetRecognition(ctx, actor.OrgID, id)
		if err != nil {
			return err
		}
		from := rec.Status
		to, err := s.machine.Transition(from, ev, Proposal{Actor: actor})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		rec.Status = to
		rec.DecidedBy = actor.ID
		rec.DecidedAt = &now
		if err := tx.SaveRecognition(ctx, *rec); err != nil {
			return domain.Wrap(err, "save recognition")
		}
		if to.Credited() {
			if err := settle(ctx, tx, *rec); err != nil {
				return err
			}
		}

		action := domain.AuditRecognitionApproved
		if ev == EventReject {
			action = domain.AuditRecognitionRejected
		}
		diff := map[string]any{"from": string(from), "to": string(to), "points_awarded": rec.PointsAwarded}
		if reason != "" {
			diff["reason"] = reason
		}
		return tx.AppendAudit(ctx, domain.AuditEntry{
			ID:         uuid.NewString(),
			OrgID:      actor.OrgID,
			ActorID:    actor.ID,
			Action:     action,
			EntityType: "recognition",
			EntityID:   rec.ID,
			Diff:       diff,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("recognition "+string(rec.Status),
		zap.String("org_id", rec.OrgID),
		zap.String("recognition_id", rec.ID),
		zap.String("user_id", actor.ID),
		zap.Int64("points", rec.PointsAwarded))

	if rec.Status.Credited() {
		s.notify(ctx, *rec, nil, nil)
	}
	return rec, nil
}

// ListPending returns pending_approval recognitions, newest first.
func (s *Service) ListPending(ctx context.Context, actor domain.User) ([]domain.Recognition, error) {
	if !actor.Role.Capabilities().Approve {
		return nil, domain.Forbidden("Only HR admins can review recognitions")
	}
	recs, err := s.Store.ListRecognitions(ctx, actor.OrgID, domain.RecognitionFilter{
		Statuses: []domain.RecognitionStatus{domain.StatusPendingApproval},
	})
	if err != nil {
		return nil, domain.Wrap(err, "list pending recognitions")
	}
	return nonNilRecognitions(recs), nil
}

func nonNilRecognitions(recs []domain.Recognition) []domain.Recognition {
	if recs == nil {
		return []domain.Recognition{}
	}
	return recs
}
