package domain

import "fmt"

// =============================================================================
// ROLES & CAPABILITIES
// =============================================================================

type Role string

const (
	RoleEmployee  Role = "employee"
	RoleManager   Role = "manager"
	RoleHRAdmin   Role = "hr_admin"
	RoleExecutive Role = "executive"
	RoleCLevel    Role = "c_level"
)

var Roles = []Role{RoleEmployee, RoleManager, RoleHRAdmin, RoleExecutive, RoleCLevel}

// Capabilities is what a role may do. Every role check in the engine goes
// through this table; no package compares role strings directly.
type Capabilities struct {
	// ReportScope: may recognize users who report to them.
	ReportScope bool
	// TransitiveReports: the report scope covers the whole chain below,
	// not only direct reports.
	TransitiveReports bool
	// GlobalScope: may recognize anyone in the organization.
	GlobalScope bool
	// ConfigurePoints: may choose the point amount for any recipient.
	ConfigurePoints bool
	// ConfigureReportPoints: may choose the point amount for report-scope
	// recipients only.
	ConfigureReportPoints bool
	// Approve: may approve or reject pending recognitions.
	Approve bool
	// Administer: may manage users, the catalog and redemption fulfillment.
	Administer bool
}

var capabilityTable = map[Role]Capabilities{
	RoleEmployee: {},
	RoleManager: {
		ReportScope:           true,
		ConfigureReportPoints: true,
	},
	RoleHRAdmin: {
		ReportScope:       true,
		TransitiveReports: true,
		GlobalScope:       true,
		ConfigurePoints:   true,
		Approve:           true,
		Administer:        true,
	},
	RoleExecutive: {
		ReportScope:       true,
		TransitiveReports: true,
		GlobalScope:       true,
		ConfigurePoints:   true,
		Administer:        true,
	},
	RoleCLevel: {
		ReportScope:       true,
		TransitiveReports: true,
		GlobalScope:       true,
		ConfigurePoints:   true,
		Administer:        true,
	},
}

// Capabilities returns the capability set of r. Unknown roles get nothing.
func (r Role) Capabilities() Capabilities {
	return capabilityTable[r]
}

// CanConfigurePoints reports whether r may choose the amount for a recipient in scope.
func (r Role) CanConfigurePoints(scope Scope) bool {
	c := r.Capabilities()
	return c.ConfigurePoints || (c.ConfigureReportPoints && scope == ScopeReport)
}

func (r Role) Valid() bool {
	_, ok := capabilityTable[r]
	return ok
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// HasAllowanceReset lists roles whose monthly spent counter is reset by the monthly job.
func (r Role) HasAllowanceReset() bool {
	return r != RoleEmployee && r.Valid()
}
