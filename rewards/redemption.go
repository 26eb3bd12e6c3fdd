package rewards

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/ledger"
)

const (
	DefaultRedemptionLimit = 50
	MaxRedemptionLimit     = 200
)

// =============================================================================
// FULFILLMENT PROVIDERS
// =============================================================================

// providerStatus is the status a new redemption starts in, per provider.
var providerStatus = map[domain.Provider]domain.RedemptionStatus{
	domain.ProviderInternal:       domain.RedemptionPendingFulfillment,
	domain.ProviderAmazonGiftCard: domain.RedemptionPendingCode,
	domain.ProviderManualVendor:   domain.RedemptionPendingFulfillment,
}

// InitialStatus returns where a redemption of r starts. Code-delivered
// rewards wait for a code whatever their provider.
func InitialStatus(r domain.Reward) domain.RedemptionStatus {
	if r.RewardType == domain.RewardGiftCard || r.RewardType == domain.RewardDigitalProduct {
		return domain.RedemptionPendingCode
	}
	if st, ok := providerStatus[r.Provider]; ok {
		return st
	}
	return domain.RedemptionPendingFulfillment
}

// =============================================================================
// REDEEM
// =============================================================================

// Redeem exchanges the actor's points for one unit of a reward.
//
// The stock decrement, the ledger debit and the redemption row commit
// together. Both the stock and the balance are guarded updates inside the
// transaction, so concurrent redemptions cannot drive either negative.
func (s *Service) Redeem(ctx context.Context, actor domain.User, rewardID string, address map[string]string) (*domain.Redemption, error) {
	if rewardID == "" {
		return nil, domain.Invalid("reward_id", "Reward is required")
	}

	var red domain.Redemption
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		reward, err := tx.GetReward(ctx, actor.OrgID, rewardID)
		if err != nil {
			return err
		}
		if !reward.Active {
			return domain.NotFound("reward", rewardID)
		}
		user, err := domain.LoadActiveUser(ctx, tx, actor.OrgID, actor.ID)
		if err != nil {
			return err
		}

		if reward.Availability <= 0 {
			return &domain.OutOfStockError{RewardID: reward.ID}
		}
		if user.PointsBalance < reward.PointsRequired {
			return &domain.InsufficientPointsError{
				UserID:    user.ID,
				Available: user.PointsBalance,
				Required:  reward.PointsRequired,
			}
		}

		if err := tx.DecrementAvailability(ctx, reward.OrgID, reward.ID); err != nil {
			return err
		}
		red = domain.Redemption{
			ID:              uuid.NewString(),
			OrgID:           actor.OrgID,
			UserID:          user.ID,
			RewardID:        reward.ID,
			Provider:        reward.Provider,
			PointsUsed:      reward.PointsRequired,
			Status:          InitialStatus(*reward),
			DeliveryAddress: address,
			RedeemedAt:      time.Now().UTC(),
		}
		if err := tx.SaveRedemption(ctx, red); err != nil {
			return domain.Wrap(err, "save redemption")
		}
		return ledger.Post(ctx, tx, []domain.LedgerEntry{{
			OrgID:   red.OrgID,
			UserID:  red.UserID,
			Delta:   -red.PointsUsed,
			Reason:  domain.ReasonRewardRedemption,
			RefType: domain.RefRedemption,
			RefID:   red.ID,
		}})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("reward redeemed",
		zap.String("org_id", red.OrgID),
		zap.String("redemption_id", red.ID),
		zap.String("reward_id", red.RewardID),
		zap.String("user_id", red.UserID),
		zap.Int64("points", red.PointsUsed),
		zap.String("status", string(red.Status)))
	return &red, nil
}

// ListMine returns the actor's redemptions, newest first.
func (s *Service) ListMine(ctx context.Context, actor domain.User, limit int) ([]domain.Redemption, error) {
	if limit <= 0 {
		limit = DefaultRedemptionLimit
	}
	if limit > MaxRedemptionLimit {
		limit = MaxRedemptionLimit
	}
	out, err := s.Store.ListRedemptions(ctx, actor.OrgID, domain.RedemptionFilter{UserID: actor.ID, Limit: limit})
	if err != nil {
		return nil, domain.Wrap(err, "list redemptions")
	}
	return nonNil(out), nil
}

// =============================================================================
// FULFILLMENT (admin)
// =============================================================================

// ListAll returns every redemption of the org, optionally by status.
func (s *Service) ListAll(ctx context.Context, actor domain.User, status domain.RedemptionStatus) ([]domain.Redemption, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, domain.Invalid("status", "Unknown redemption status %q", status)
	}
	out, err := s.Store.ListRedemptions(ctx, actor.OrgID, domain.RedemptionFilter{Status: status})
	if err != nil {
		return nil, domain.Wrap(err, "list redemptions")
	}
	return nonNil(out), nil
}

// RedemptionPatch is an admin fulfillment update. Nil fields are left unchanged.
type RedemptionPatch struct {
	Status          *domain.RedemptionStatus
	TrackingNumber  *string
	FulfillmentCode *string
	DeliveredAt     *time.Time
	FulfilledAt     *time.Time
}

// UpdateRedemption applies an admin patch. Any known status may follow any
// other. Reaching delivered or fulfilled stamps delivered_at / fulfilled_at
// unless the patch carries one; those timestamps are refused on a
// redemption that has not reached the matching status.
func (s *Service) UpdateRedemption(ctx context.Context, actor domain.User, id string, p RedemptionPatch) (*domain.Redemption, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	if p.Status != nil && !p.Status.Valid() {
		return nil, domain.Invalid("status", "Unknown redemption status %q", *p.Status)
	}

	var red *domain.Redemption
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if red, err = tx.GetRedemption(ctx, actor.OrgID, id); err != nil {
			return err
		}
		diff, err := p.apply(red, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := tx.SaveRedemption(ctx, *red); err != nil {
			return domain.Wrap(err, "save redemption")
		}
		return tx.AppendAudit(ctx, auditEntry(actor, domain.AuditRedemptionUpdated, "redemption", red.ID, diff))
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("redemption updated",
		zap.String("org_id", red.OrgID),
		zap.String("redemption_id", red.ID),
		zap.String("user_id", actor.ID),
		zap.String("status", string(red.Status)))
	return red, nil
}

func (p RedemptionPatch) apply(red *domain.Redemption, now time.Time) (map[string]any, error) {
	diff := map[string]any{}
	if p.Status != nil && *p.Status != red.Status {
		diff["from"] = string(red.Status)
		diff["to"] = string(*p.Status)
		red.Status = *p.Status
	}
	if p.TrackingNumber != nil {
		red.TrackingNumber = *p.TrackingNumber
		diff["tracking_number"] = red.TrackingNumber
	}
	if p.FulfillmentCode != nil {
		red.FulfillmentCode = *p.FulfillmentCode
		diff["fulfillment_code"] = true
	}

	delivered := red.Status == domain.RedemptionDelivered || red.Status == domain.RedemptionFulfilled
	if p.DeliveredAt != nil {
		if !delivered {
			return nil, domain.Invalid("delivered_at", "delivered_at can only be set on a delivered redemption")
		}
		t := p.DeliveredAt.UTC()
		red.DeliveredAt = &t
	} else if red.Status == domain.RedemptionDelivered && red.DeliveredAt == nil {
		red.DeliveredAt = &now
	}

	if p.FulfilledAt != nil {
		if red.Status != domain.RedemptionFulfilled {
			return nil, domain.Invalid("fulfilled_at", "fulfilled_at can only be set on a fulfilled redemption")
		}
		t := p.FulfilledAt.UTC()
		red.FulfilledAt = &t
	} else if red.Status == domain.RedemptionFulfilled && red.FulfilledAt == nil {
		red.FulfilledAt = &now
	}
	return diff, nil
}

func nonNil(rs []domain.Redemption) []domain.Redemption {
	if rs == nil {
		return []domain.Redemption{}
	}
	return rs
}
