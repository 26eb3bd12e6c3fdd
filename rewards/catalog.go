/*
Package rewards provides the rewards catalog and the redemption workflow.

PURPOSE:
  Employees exchange points for catalog rewards. A redemption debits the
  ledger, takes one unit of stock and opens a fulfillment record, all in
  one transaction. Admins curate the catalog and advance fulfillment.

KEY CONCEPTS:
  Reward:      Catalog item with a points price and per-currency list prices
  Provider:    Who fulfills it; decides the initial redemption status
  Redemption:  One exchange, tracked from pending_* to fulfilled/cancelled

PRICES:
  List prices are decimal.Decimal per currency (INR, USD, EUR). They are
  informational: redemption always costs PointsRequired points.

SEE ALSO:
  - redemption.go: Redeem, UpdateRedemption
  - ledger/ledger.go: Post (the debit path)
*/
package rewards

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/recognition-engine/domain"
)

const (
	DefaultCatalogLimit = 20
	MaxCatalogLimit     = 100
)

// Service runs catalog and redemption operations.
type Service struct {
	Store  domain.TxStore
	Logger *zap.Logger
}

func NewService(store domain.TxStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Store: store, Logger: logger}
}

// =============================================================================
// CATALOG QUERIES
// =============================================================================

type CatalogQuery struct {
	// Currency orders results by list price in that currency, cheapest
	// first. Rewards without a price in it come last.
	Currency domain.Currency
	// Region keeps only rewards offered there.
	Region string
	Limit  int
}

// List returns active rewards of the actor's organization.
func (s *Service) List(ctx context.Context, actor domain.User, q CatalogQuery) ([]domain.Reward, error) {
	if q.Currency != "" && !q.Currency.Valid() {
		return nil, domain.Invalid("currency", "Unsupported currency %q", q.Currency)
	}
	if q.Region != "" && !domain.IsRegion(q.Region) {
		return nil, domain.Invalid("region", "Unsupported region %q", q.Region)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultCatalogLimit
	}
	if limit > MaxCatalogLimit {
		limit = MaxCatalogLimit
	}

	filter := domain.RewardFilter{ActiveOnly: true, Region: q.Region}
	if q.Currency == "" {
		filter.Limit = limit
	}
	rewards, err := s.Store.ListRewards(ctx, actor.OrgID, filter)
	if err != nil {
		return nil, domain.Wrap(err, "list rewards")
	}

	if q.Currency != "" {
		sortByPrice(rewards, q.Currency)
		if len(rewards) > limit {
			rewards = rewards[:limit]
		}
	}
	if rewards == nil {
		rewards = []domain.Reward{}
	}
	return rewards, nil
}

// sortByPrice keeps the store's points ordering among equal prices.
func sortByPrice(rewards []domain.Reward, c domain.Currency) {
	sort.SliceStable(rewards, func(i, j int) bool {
		pi, iok := rewards[i].Prices[c]
		pj, jok := rewards[j].Prices[c]
		if iok != jok {
			return iok
		}
		return pi.LessThan(pj)
	})
}

func (s *Service) Get(ctx context.Context, actor domain.User, id string) (*domain.Reward, error) {
	r, err := s.Store.GetReward(ctx, actor.OrgID, id)
	if err != nil {
		return nil, err
	}
	if !r.Active && !actor.Role.Capabilities().Administer {
		return nil, domain.NotFound("reward", id)
	}
	return r, nil
}

// =============================================================================
// CATALOG ADMIN
// =============================================================================

// RewardInput creates a reward. Provider defaults to internal, Active to true.
type RewardInput struct {
	Title          string
	Description    string
	Category       string
	RewardType     domain.RewardType
	Provider       domain.Provider
	PointsRequired int64
	Prices         map[domain.Currency]decimal.Decimal
	Availability   int64
	Active         *bool
	Regions        []string
	Tags           []string
}

// RewardPatch updates a reward. Nil fields are left unchanged.
type RewardPatch struct {
	Title          *string
	Description    *string
	Category       *string
	RewardType     *domain.RewardType
	Provider       *domain.Provider
	PointsRequired *int64
	Prices         map[domain.Currency]decimal.Decimal
	Availability   *int64
	Active         *bool
	Regions        []string
	Tags           []string
}

func (s *Service) CreateReward(ctx context.Context, actor domain.User, in RewardInput) (*domain.Reward, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	r := domain.Reward{
		ID:             uuid.NewString(),
		OrgID:          actor.OrgID,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		Category:       in.Category,
		RewardType:     in.RewardType,
		Provider:       in.Provider,
		PointsRequired: in.PointsRequired,
		Prices:         in.Prices,
		Availability:   in.Availability,
		Active:         true,
		Regions:        in.Regions,
		Tags:           in.Tags,
		CreatedAt:      time.Now().UTC(),
	}
	if in.Active != nil {
		r.Active = *in.Active
	}
	if r.Provider == "" {
		r.Provider = domain.ProviderInternal
	}
	if err := validateReward(r); err != nil {
		return nil, err
	}

	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.SaveReward(ctx, r); err != nil {
			return domain.Wrap(err, "save reward")
		}
		return tx.AppendAudit(ctx, auditEntry(actor, domain.AuditRewardCreated, "reward", r.ID, map[string]any{
			"title":           r.Title,
			"points_required": r.PointsRequired,
			"availability":    r.Availability,
		}))
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("reward created",
		zap.String("org_id", r.OrgID),
		zap.String("reward_id", r.ID),
		zap.String("user_id", actor.ID))
	return &r, nil
}

func (s *Service) UpdateReward(ctx context.Context, actor domain.User, id string, p RewardPatch) (*domain.Reward, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}

	var r *domain.Reward
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if r, err = tx.GetReward(ctx, actor.OrgID, id); err != nil {
			return err
		}
		diff := p.apply(r)
		if err := validateReward(*r); err != nil {
			return err
		}
		if err := tx.SaveReward(ctx, *r); err != nil {
			return domain.Wrap(err, "save reward")
		}
		return tx.AppendAudit(ctx, auditEntry(actor, domain.AuditRewardUpdated, "reward", r.ID, diff))
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// apply copies the set fields onto r and returns the names of changed fields.
func (p RewardPatch) apply(r *domain.Reward) map[string]any {
	diff := map[string]any{}
	if p.Title != nil {
		r.Title = strings.TrimSpace(*p.Title)
		diff["title"] = r.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
		diff["description"] = r.Description
	}
	if p.Category != nil {
		r.Category = *p.Category
		diff["category"] = r.Category
	}
	if p.RewardType != nil {
		r.RewardType = *p.RewardType
		diff["reward_type"] = string(r.RewardType)
	}
	if p.Provider != nil {
		r.Provider = *p.Provider
		diff["provider"] = string(r.Provider)
	}
	if p.PointsRequired != nil {
		r.PointsRequired = *p.PointsRequired
		diff["points_required"] = r.PointsRequired
	}
	if p.Prices != nil {
		r.Prices = p.Prices
		diff["prices"] = true
	}
	if p.Availability != nil {
		r.Availability = *p.Availability
		diff["availability"] = r.Availability
	}
	if p.Active != nil {
		r.Active = *p.Active
		diff["active"] = r.Active
	}
	if p.Regions != nil {
		r.Regions = p.Regions
		diff["regions"] = r.Regions
	}
	if p.Tags != nil {
		r.Tags = p.Tags
		diff["tags"] = r.Tags
	}
	return diff
}

func validateReward(r domain.Reward) error {
	if r.Title == "" {
		return domain.Invalid("title", "Title is required")
	}
	if !r.RewardType.Valid() {
		return domain.Invalid("reward_type", "Unknown reward type %q", r.RewardType)
	}
	if _, ok := providerStatus[r.Provider]; !ok {
		return domain.Invalid("provider", "Unknown provider %q", r.Provider)
	}
	if r.PointsRequired <= 0 {
		return domain.Invalid("points_required", "Points required must be positive")
	}
	if r.Availability < 0 {
		return domain.Invalid("availability", "Availability cannot be negative")
	}
	for c, price := range r.Prices {
		if !c.Valid() {
			return domain.Invalid("prices", "Unsupported currency %q", c)
		}
		if price.IsNegative() {
			return domain.Invalid("prices", "Price in %s cannot be negative", c)
		}
	}
	for _, region := range r.Regions {
		if !domain.IsRegion(region) {
			return domain.Invalid("available_regions", "Unsupported region %q", region)
		}
	}
	return nil
}

func auditEntry(actor domain.User, action domain.AuditAction, entityType, entityID string, diff map[string]any) domain.AuditEntry {
	return domain.AuditEntry{
		ID:         uuid.NewString(),
		OrgID:      actor.OrgID,
		ActorID:    actor.ID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Diff:       diff,
		CreatedAt:  time.Now().UTC(),
	}
}
