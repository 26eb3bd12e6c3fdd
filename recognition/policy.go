package recognition

import (
	"fmt"

	"github.com/warp/recognition-engine/domain"
)

// =============================================================================
// POINTS CONFIG
// =============================================================================

// PointsConfig bounds the points a recognition may carry.
type PointsConfig struct {
	// Default is awarded when points are not configurable or not given.
	Default int64 `yaml:"default_points" json:"default_points"`
	// Max caps any single award per recipient.
	Max int64 `yaml:"max_points" json:"max_points"`
	// MinConfigurable is the lowest amount a privileged sender may choose.
	MinConfigurable int64 `yaml:"min_configurable_points" json:"min_configurable_points"`
	// ConfigurableTypes lists recognition types whose amount may be chosen.
	ConfigurableTypes []domain.RecognitionType `yaml:"configurable_types" json:"configurable_types"`
}

func DefaultPointsConfig() PointsConfig {
	return PointsConfig{
		Default:           10,
		Max:               10000,
		MinConfigurable:   10,
		ConfigurableTypes: []domain.RecognitionType{domain.TypeSpotAward},
	}
}

func (c PointsConfig) Validate() error {
	if c.Default < 0 || c.Default > c.Max {
		return fmt.Errorf("default points %d outside [0, %d]", c.Default, c.Max)
	}
	if c.MinConfigurable < 1 || c.MinConfigurable > c.Max {
		return fmt.Errorf("min configurable points %d outside [1, %d]", c.MinConfigurable, c.Max)
	}
	for _, t := range c.ConfigurableTypes {
		if !t.Valid() {
			return fmt.Errorf("unknown recognition type %q", t)
		}
	}
	return nil
}

// checkConfigured bounds an amount chosen by a privileged sender.
func (c PointsConfig) checkConfigured(points int64) error {
	switch {
	case points < 0:
		return domain.Invalid("points_awarded", "Points must be positive")
	case points > c.Max:
		return domain.Invalid("points_awarded", "Points exceed the allowable limit of %d", c.Max)
	case points < c.MinConfigurable:
		return domain.Invalid("points_awarded", "Points must be at least %d", c.MinConfigurable)
	}
	return nil
}

func (c PointsConfig) configurable(t domain.RecognitionType) bool {
	for _, ct := range c.ConfigurableTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// =============================================================================
// APPROVAL POLICY
// =============================================================================

// ApprovalRule is one guard on the submit transition. A recognition matches
// when every non-empty field matches.
type ApprovalRule struct {
	ActorRoles     []domain.Role `yaml:"actor_roles" json:"actor_roles"`
	Scope          domain.Scope  `yaml:"scope" json:"scope"`
	RecipientRoles []domain.Role `yaml:"recipient_roles" json:"recipient_roles"`
	MinPoints      int64         `yaml:"min_points" json:"min_points"`
}

// ApprovalPolicy decides whether a submission goes to pending_approval.
// Recognitions that award no points never need approval.
type ApprovalPolicy struct {
	Rules []ApprovalRule `yaml:"rules" json:"rules"`
}

// DefaultApprovalPolicy: executives awarding points to an employee through
// the global scope need HR approval.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{Rules: []ApprovalRule{{
		ActorRoles:     []domain.Role{domain.RoleExecutive},
		Scope:          domain.ScopeGlobal,
		RecipientRoles: []domain.Role{domain.RoleEmployee},
		MinPoints:      1,
	}}}
}

func (p ApprovalPolicy) Validate() error {
	for i, r := range p.Rules {
		for _, role := range append(append([]domain.Role{}, r.ActorRoles...), r.RecipientRoles...) {
			if !role.Valid() {
				return fmt.Errorf("approval rule %d: unknown role %q", i, role)
			}
		}
		if r.Scope != "" && !r.Scope.Valid() {
			return fmt.Errorf("approval rule %d: unknown scope %q", i, r.Scope)
		}
	}
	return nil
}

// Requires reports whether the proposed recognition needs approval.
func (p ApprovalPolicy) Requires(pr Proposal) bool {
	if pr.Points <= 0 {
		return false
	}
	for _, r := range p.Rules {
		if r.matches(pr) {
			return true
		}
	}
	return false
}

func (r ApprovalRule) matches(pr Proposal) bool {
	if len(r.ActorRoles) > 0 && !hasRole(r.ActorRoles, pr.Actor.Role) {
		return false
	}
	if r.MinPoints > 0 && pr.Points < r.MinPoints {
		return false
	}
	if len(r.RecipientRoles) == 0 && r.Scope == "" {
		return true
	}
	for _, rc := range pr.Recipients {
		if r.Scope != "" && rc.Scope != r.Scope {
			continue
		}
		if len(r.RecipientRoles) > 0 && !hasRole(r.RecipientRoles, rc.User.Role) {
			continue
		}
		return true
	}
	return false
}

func hasRole(roles []domain.Role, r domain.Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}
