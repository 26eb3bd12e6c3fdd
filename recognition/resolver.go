/*
resolver.go - Recipient scopes

PURPOSE:
  Computes, for an acting user, the three recipient buckets:

    peer:   colleagues sharing the actor's manager (department when the
            actor has no manager)
    report: users below the actor in the reporting tree (direct reports for
            managers, the whole chain for roles with TransitiveReports)
    global: every active user in the organization

  Which buckets are enabled comes from the role capability table. Every
  bucket is always present in the result, possibly disabled or empty.

SNAPSHOT:
  A Snapshot is built from one read of the org's active users. Eligibility
  and scope enforcement are pure functions over it. Submission builds a
  fresh snapshot inside its transaction, so authorization is re-checked at
  write time rather than trusted from an earlier read.
*/
package recognition

import (
	"context"

	"github.com/warp/recognition-engine/domain"
)

const (
	descPeerManager    = "Peers are colleagues who share your manager."
	descPeerDepartment = "Peers are colleagues within your department when no manager is assigned."
	descPeerMissing    = "Peers require a shared manager. Please contact HR if your reporting line is missing."
	descReportDisabled = "Only managers and HR leaders can access the report scope."
	descReportEmpty    = "You don't have direct reports yet."
	descReportDirect   = "Your direct reports."
	descReportChain    = "Everyone in your reporting chain."
	descGlobalDisabled = "Only HR and executive leaders can recognize anyone in the company."
	descGlobalEnabled  = "Anyone in your organization."
)

type ScopeResult struct {
	Enabled     bool
	Recipients  []domain.User
	Description string
}

type Scopes struct {
	Peer   ScopeResult
	Report ScopeResult
	Global ScopeResult
}

// Get returns the bucket for scope.
func (s Scopes) Get(scope domain.Scope) ScopeResult {
	switch scope {
	case domain.ScopePeer:
		return s.Peer
	case domain.ScopeReport:
		return s.Report
	case domain.ScopeGlobal:
		return s.Global
	}
	return ScopeResult{}
}

// Snapshot is the org graph as seen by one actor.
type Snapshot struct {
	Actor  domain.User
	Users  map[string]domain.User // active users of the org, by id
	Scopes Scopes

	members map[domain.Scope]map[string]bool
}

// LoadSnapshot reads the actor's organization and resolves its scopes.
func LoadSnapshot(ctx context.Context, users domain.UserStore, actor domain.User) (*Snapshot, error) {
	active, err := users.ListUsers(ctx, actor.OrgID, domain.UserFilter{ActiveOnly: true})
	if err != nil {
		return nil, domain.Wrap(err, "list users")
	}
	return NewSnapshot(actor, active), nil
}

// NewSnapshot resolves scopes for actor over the given active users.
func NewSnapshot(actor domain.User, users []domain.User) *Snapshot {
	s := &Snapshot{
		Actor:   actor,
		Users:   make(map[string]domain.User, len(users)),
		members: make(map[domain.Scope]map[string]bool, 3),
	}
	for _, u := range users {
		if u.Active {
			s.Users[u.ID] = u
		}
	}

	caps := actor.Role.Capabilities()
	s.Scopes.Peer = s.resolvePeers(users)
	s.Scopes.Report = s.resolveReports(users, caps)
	s.Scopes.Global = s.resolveGlobal(users, caps)

	for _, scope := range []domain.Scope{domain.ScopePeer, domain.ScopeReport, domain.ScopeGlobal} {
		ids := make(map[string]bool)
		for _, u := range s.Scopes.Get(scope).Recipients {
			ids[u.ID] = true
		}
		s.members[scope] = ids
	}
	return s
}

func (s *Snapshot) resolvePeers(users []domain.User) ScopeResult {
	res := ScopeResult{Enabled: true}
	var match func(domain.User) bool
	switch {
	case s.Actor.ManagerID != "":
		res.Description = descPeerManager
		match = func(u domain.User) bool { return u.ManagerID == s.Actor.ManagerID }
	case s.Actor.Department != "":
		res.Description = descPeerDepartment
		match = func(u domain.User) bool { return u.Department == s.Actor.Department }
	default:
		res.Description = descPeerMissing
		return res
	}
	for _, u := range users {
		if u.Active && u.ID != s.Actor.ID && match(u) {
			res.Recipients = append(res.Recipients, u)
		}
	}
	return res
}

func (s *Snapshot) resolveReports(users []domain.User, caps domain.Capabilities) ScopeResult {
	if !caps.ReportScope {
		return ScopeResult{Description: descReportDisabled}
	}

	reportsOf := make(map[string][]domain.User)
	for _, u := range users {
		if u.Active && u.ManagerID != "" {
			reportsOf[u.ManagerID] = append(reportsOf[u.ManagerID], u)
		}
	}

	res := ScopeResult{Enabled: true, Description: descReportDirect}
	if !caps.TransitiveReports {
		res.Recipients = reportsOf[s.Actor.ID]
	} else {
		res.Description = descReportChain
		// Breadth-first down the tree. visited guards against cycles in bad data.
		visited := map[string]bool{s.Actor.ID: true}
		queue := []string{s.Actor.ID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, r := range reportsOf[id] {
				if visited[r.ID] {
					continue
				}
				visited[r.ID] = true
				res.Recipients = append(res.Recipients, r)
				queue = append(queue, r.ID)
			}
		}
	}
	if len(res.Recipients) == 0 {
		res.Description = descReportEmpty
	}
	return res
}

func (s *Snapshot) resolveGlobal(users []domain.User, caps domain.Capabilities) ScopeResult {
	if !caps.GlobalScope {
		return ScopeResult{Description: descGlobalDisabled}
	}
	res := ScopeResult{Enabled: true, Description: descGlobalEnabled}
	for _, u := range users {
		if u.Active && u.ID != s.Actor.ID {
			res.Recipients = append(res.Recipients, u)
		}
	}
	return res
}

// InScope reports whether userID is in the given enabled bucket.
func (s *Snapshot) InScope(userID string, scope domain.Scope) bool {
	return s.members[scope][userID]
}

// Classify returns the narrowest enabled bucket containing userID.
func (s *Snapshot) Classify(userID string) (domain.Scope, bool) {
	for _, scope := range []domain.Scope{domain.ScopePeer, domain.ScopeReport, domain.ScopeGlobal} {
		if s.members[scope][userID] {
			return scope, true
		}
	}
	return "", false
}

// Flatten returns the single recipient list of the actor's highest-privilege
// enabled scope.
func (s *Snapshot) Flatten() []domain.User {
	switch {
	case s.Scopes.Global.Enabled:
		return s.Scopes.Global.Recipients
	case s.Scopes.Report.Enabled:
		return s.Scopes.Report.Recipients
	}
	return s.Scopes.Peer.Recipients
}
