/*
Package users manages the user lifecycle of an organization.

PURPOSE:
  Admin operations that shape the org chart the recognition scopes are
  computed from: provisioning, reporting-line changes, activation. Plus
  self-service preferences, manual points adjustments and the monthly
  allowance reset.

INVARIANTS:
  1. The reporting graph stays acyclic: a user is never placed under one
     of their own reports.
  2. Deactivated users keep their ledger and history; they only drop out
     of every recipient scope.
  3. Points never change here except through ledger.Post.

SEE ALSO:
  - scheduler.go: AllowanceScheduler (monthly reset)
  - recognition/resolver.go: consumes ManagerID / Department
*/
package users

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/recognition-engine/domain"
	"github.com/warp/recognition-engine/ledger"
)

const minPasswordLength = 8

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
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, actor domain.User, id string) (*domain.User, error) {
	if id != actor.ID {
		if err := domain.MustBeAdmin(actor); err != nil {
			return nil, err
		}
	}
	return s.Store.GetUser(ctx, actor.OrgID, id)
}

// List returns every user of the actor's org, active or not.
func (s *Service) List(ctx context.Context, actor domain.User) ([]domain.User, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	users, err := s.Store.ListUsers(ctx, actor.OrgID, domain.UserFilter{})
	if err != nil {
		return nil, domain.Wrap(err, "list users")
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}

// =============================================================================
// PROVISIONING
// =============================================================================

type ProvisionRequest struct {
	Email            string
	Password         string
	FirstName        string
	LastName         string
	Department       string
	ManagerID        string
	Role             domain.Role // empty = employee
	MonthlyAllowance *int64
}

// Provision creates an active user in the actor's organization.
func (s *Service) Provision(ctx context.Context, actor domain.User, req ProvisionRequest) (*domain.User, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := domain.User{
		ID:               uuid.NewString(),
		OrgID:            actor.OrgID,
		Email:            strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash:     string(hash),
		FirstName:        strings.TrimSpace(req.FirstName),
		LastName:         strings.TrimSpace(req.LastName),
		Role:             req.Role,
		ManagerID:        req.ManagerID,
		Department:       req.Department,
		MonthlyAllowance: req.MonthlyAllowance,
		Preferences:      domain.DefaultPreferences(),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if u.Role == "" {
		u.Role = domain.RoleEmployee
	}

	err = s.Store.WithTx(ctx, func(tx domain.Store) error {
		if _, err := tx.GetUserByEmail(ctx, u.OrgID, u.Email); err == nil {
			return domain.Invalid("email", "Email already registered")
		} else if !domain.IsNotFound(err) {
			return err
		}
		if u.ManagerID != "" {
			if _, err := domain.LoadActiveUser(ctx, tx, u.OrgID, u.ManagerID); err != nil {
				return managerError(err)
			}
		}
		if err := tx.SaveUser(ctx, u); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return domain.Invalid("email", "Email already registered")
			}
			return domain.Wrap(err, "save user")
		}
		return tx.AppendAudit(ctx, auditEntry(actor, domain.AuditUserProvisioned, u.ID, map[string]any{
			"email":      u.Email,
			"role":       string(u.Role),
			"manager_id": u.ManagerID,
		}))
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("user provisioned",
		zap.String("org_id", u.OrgID),
		zap.String("user_id", u.ID),
		zap.String("role", string(u.Role)),
		zap.String("actor_id", actor.ID))
	return &u, nil
}

func (r ProvisionRequest) validate() error {
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return domain.Invalid("email", "A valid email is required")
	}
	if len(r.Password) < minPasswordLength {
		return domain.Invalid("password", "Password must be at least %d characters", minPasswordLength)
	}
	if strings.TrimSpace(r.FirstName) == "" {
		return domain.Invalid("first_name", "First name is required")
	}
	if r.Role != "" && !r.Role.Valid() {
		return domain.Invalid("role", "Unknown role %q", r.Role)
	}
	if r.MonthlyAllowance != nil && *r.MonthlyAllowance < 0 {
		return domain.Invalid("monthly_points_allowance", "Allowance cannot be negative")
	}
	return nil
}

// =============================================================================
// REPORTING LINE
// =============================================================================

// ReportingUpdate changes where a user sits in the org chart. Nil fields are
// left unchanged; an empty ManagerID clears the manager.
type ReportingUpdate struct {
	ManagerID        *string
	Role             *domain.Role
	Department       *string
	MonthlyAllowance *int64
}

func (s *Service) UpdateReporting(ctx context.Context, actor domain.User, userID string, upd ReportingUpdate) (*domain.User, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	if upd.Role != nil && !upd.Role.Valid() {
		return nil, domain.Invalid("role", "Unknown role %q", *upd.Role)
	}
	if upd.MonthlyAllowance != nil && *upd.MonthlyAllowance < 0 {
		return nil, domain.Invalid("monthly_points_allowance", "Allowance cannot be negative")
	}

	var u *domain.User
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if u, err = tx.GetUser(ctx, actor.OrgID, userID); err != nil {
			return err
		}
		diff := map[string]any{}

		if upd.ManagerID != nil && *upd.ManagerID != u.ManagerID {
			if err := checkManager(ctx, tx, u.OrgID, u.ID, *upd.ManagerID); err != nil {
				return err
			}
			diff["manager_id"] = map[string]any{"from": u.ManagerID, "to": *upd.ManagerID}
			u.ManagerID = *upd.ManagerID
		}
		if upd.Role != nil && *upd.Role != u.Role {
			diff["role"] = map[string]any{"from": string(u.Role), "to": string(*upd.Role)}
			u.Role = *upd.Role
		}
		if upd.Department != nil && *upd.Department != u.Department {
			diff["department"] = map[string]any{"from": u.Department, "to": *upd.Department}
			u.Department = *upd.Department
		}
		if upd.MonthlyAllowance != nil {
			diff["monthly_points_allowance"] = *upd.MonthlyAllowance
			u.MonthlyAllowance = upd.MonthlyAllowance
		}

		if err := tx.SaveUser(ctx, *u); err != nil {
			return domain.Wrap(err, "save user")
		}
		return tx.AppendAudit(ctx, auditEntry(actor, domain.AuditReportingUpdated, u.ID, diff))
	})
	if err != nil {
		return nil, err
	}
	return s.Store.GetUser(ctx, actor.OrgID, u.ID)
}

// checkManager rejects a missing or inactive manager and any assignment that
// would close a loop in the reporting graph.
func checkManager(ctx context.Context, users domain.UserStore, orgID, userID, managerID string) error {
	if managerID == "" {
		return nil
	}
	if managerID == userID {
		return domain.Invalid("manager_id", "A user cannot manage themselves")
	}
	mgr, err := domain.LoadActiveUser(ctx, users, orgID, managerID)
	if err != nil {
		return managerError(err)
	}

	seen := map[string]bool{userID: true}
	for next := mgr.ManagerID; next != ""; {
		if seen[next] {
			return domain.Invalid("manager_id", "This change would create a reporting cycle")
		}
		seen[next] = true
		up, err := users.GetUser(ctx, orgID, next)
		if domain.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		next = up.ManagerID
	}
	return nil
}

func managerError(err error) error {
	if domain.IsNotFound(err) {
		return domain.Invalid("manager_id", "Manager not found")
	}
	return err
}

// =============================================================================
// ACTIVATION
// =============================================================================

// SetActive activates or deactivates a user. Admins cannot deactivate themselves.
func (s *Service) SetActive(ctx context.Context, actor domain.User, userID string, active bool) (*domain.User, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	if !active && userID == actor.ID {
		return nil, domain.Invalid("user_id", "You cannot deactivate your own account")
	}

	var u *domain.User
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if u, err = tx.GetUser(ctx, actor.OrgID, userID); err != nil {
			return err
		}
		if u.Active == active {
			return nil
		}
		u.Active = active
		if err := tx.SaveUser(ctx, *u); err != nil {
			return domain.Wrap(err, "save user")
		}
		action := domain.AuditUserDeactivated
		if active {
			action = domain.AuditUserActivated
		}
		return tx.AppendAudit(ctx, auditEntry(actor, action, u.ID, map[string]any{"active": active}))
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// =============================================================================
// PREFERENCES
// =============================================================================

// PreferencesPatch merges into the actor's preferences. Nil fields are kept.
type PreferencesPatch struct {
	Region        *string
	Currency      *domain.Currency
	Notifications map[string]bool
}

func (s *Service) UpdatePreferences(ctx context.Context, actor domain.User, p PreferencesPatch) (*domain.User, error) {
	if p.Region != nil && !domain.IsRegion(*p.Region) {
		return nil, domain.Invalid("region", "Unsupported region %q", *p.Region)
	}
	if p.Currency != nil && !p.Currency.Valid() {
		return nil, domain.Invalid("currency", "Unsupported currency %q", *p.Currency)
	}

	var u *domain.User
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if u, err = domain.LoadActiveUser(ctx, tx, actor.OrgID, actor.ID); err != nil {
			return err
		}
		if p.Region != nil {
			u.Preferences.Region = *p.Region
		}
		if p.Currency != nil {
			u.Preferences.Currency = string(*p.Currency)
		}
		if len(p.Notifications) > 0 && u.Preferences.Notifications == nil {
			u.Preferences.Notifications = make(map[string]bool, len(p.Notifications))
		}
		for k, v := range p.Notifications {
			u.Preferences.Notifications[k] = v
		}
		return tx.SaveUser(ctx, *u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// =============================================================================
// POINTS ADJUSTMENT & MONTHLY RESET
// =============================================================================

// AdjustPoints posts an admin adjustment to a user's ledger. Negative
// adjustments cannot take the balance below zero.
func (s *Service) AdjustPoints(ctx context.Context, actor domain.User, userID string, delta int64, note string) (*domain.User, error) {
	if err := domain.MustBeAdmin(actor); err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, domain.Invalid("points", "Points must be non-zero")
	}

	ref := uuid.NewString()
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		if _, err := domain.LoadActiveUser(ctx, tx, actor.OrgID, userID); err != nil {
			return err
		}
		err := ledger.Post(ctx, tx, []domain.LedgerEntry{{
			OrgID:   actor.OrgID,
			UserID:  userID,
			Delta:   delta,
			Reason:  domain.ReasonAdjustment,
			RefType: domain.RefAdjustment,
			RefID:   ref,
		}})
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, auditEntry(actor, domain.AuditPointsAdjusted, userID, map[string]any{
			"delta": delta,
			"note":  note,
			"ref":   ref,
		}))
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("points adjusted",
		zap.String("org_id", actor.OrgID),
		zap.String("user_id", userID),
		zap.String("actor_id", actor.ID),
		zap.Int64("delta", delta))
	return s.Store.GetUser(ctx, actor.OrgID, userID)
}

// AllowanceJob names the monthly reset in the job store.
const AllowanceJob = "monthly_allowance_reset"

// ResetMonthlyAllowances zeroes the monthly spend of every role that has an
// allowance cycle, across all organizations. It runs unconditionally.
func (s *Service) ResetMonthlyAllowances(ctx context.Context) (int64, error) {
	n, err := s.Store.ResetMonthlySpent(ctx, allowanceRoles())
	if err != nil {
		return 0, domain.Wrap(err, "reset monthly allowances")
	}
	s.Logger.Info("monthly allowances reset", zap.Int64("users", n))
	return n, nil
}

// RolloverAllowances resets monthly spend if month ("2006-01") is later than
// the last month recorded for AllowanceJob, and reports whether it did. On a
// database with no record it only records month. The check, the reset and
// the new record share one transaction, so concurrent callers reset once.
func (s *Service) RolloverAllowances(ctx context.Context, month string) (bool, int64, error) {
	var (
		ran  bool
		n    int64
		prev string
	)
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if prev, err = tx.JobPeriod(ctx, AllowanceJob); err != nil {
			return err
		}
		if prev != "" && prev >= month {
			return nil
		}
		if prev != "" {
			if n, err = tx.ResetMonthlySpent(ctx, allowanceRoles()); err != nil {
				return err
			}
			ran = true
		}
		return tx.SetJobPeriod(ctx, AllowanceJob, month)
	})
	if err != nil {
		return false, 0, domain.Wrap(err, "roll over monthly allowances")
	}
	if ran {
		s.Logger.Info("monthly allowances reset",
			zap.String("month", month),
			zap.String("previous_month", prev),
			zap.Int64("users", n))
	}
	return ran, n, nil
}

func allowanceRoles() []domain.Role {
	var roles []domain.Role
	for _, r := range domain.Roles {
		if r.HasAllowanceReset() {
			roles = append(roles, r)
		}
	}
	return roles
}

func auditEntry(actor domain.User, action domain.AuditAction, userID string, diff map[string]any) domain.AuditEntry {
	return domain.AuditEntry{
		ID:         uuid.NewString(),
		OrgID:      actor.OrgID,
		ActorID:    actor.ID,
		Action:     action,
		EntityType: "user",
		EntityID:   userID,
		Diff:       diff,
		CreatedAt:  time.Now().UTC(),
	}
}
