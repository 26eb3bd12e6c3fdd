/*
statemachine.go - Recognition status transitions

STATES:
  posted            points (if any) are on the ledger
  pending_approval  waiting for HR; no ledger entries
  approved          HR approved; points are on the ledger
  rejected          HR rejected; terminal, never any ledger entries

TRANSITIONS:
  submit:  (new)            -> pending_approval   when the approval guard matches
           (new)            -> posted             otherwise
  approve: pending_approval -> approved
  reject:  pending_approval -> rejected

  Any other move is an InvalidStateError. Adding an approval condition means
  adding an ApprovalRule, not a branch here.
*/
package recognition

import (
	"github.com/warp/recognition-engine/domain"
)

type Event string

const (
	EventSubmit  Event = "submit"
	EventApprove Event = "approve"
	EventReject  Event = "reject"
)

// Recipient is a resolved recipient with the bucket it was reached through.
type Recipient struct {
	User  domain.User
	Scope domain.Scope
}

// Proposal is the input to the submit guards.
type Proposal struct {
	Actor      domain.User
	Type       domain.RecognitionType
	Scope      domain.Scope
	Points     int64
	Recipients []Recipient
}

// Guard decides whether an edge applies.
type Guard func(Proposal) bool

type edge struct {
	from  domain.RecognitionStatus
	to    domain.RecognitionStatus
	guard Guard // nil = always
}

// Machine holds the transition table. Edges for one event are tried in order.
type Machine struct {
	edges map[Event][]edge
}

// NewMachine builds the table with the approval policy as the submit guard.
func NewMachine(policy ApprovalPolicy) *Machine {
	return &Machine{edges: map[Event][]edge{
		EventSubmit: {
			{from: "", to: domain.StatusPendingApproval, guard: policy.Requires},
			{from: "", to: domain.StatusPosted},
		},
		EventApprove: {
			{from: domain.StatusPendingApproval, to: domain.StatusApproved},
		},
		EventReject: {
			{from: domain.StatusPendingApproval, to: domain.StatusRejected},
		},
	}}
}

// Transition returns the status reached from `from` on ev.
func (m *Machine) Transition(from domain.RecognitionStatus, ev Event, p Proposal) (domain.RecognitionStatus, error) {
	for _, e := range m.edges[ev] {
		if e.from != from {
			continue
		}
		if e.guard == nil || e.guard(p) {
			return e.to, nil
		}
	}
	state := string(from)
	if state == "" {
		state = "new"
	}
	return "", &domain.InvalidStateError{Entity: "recognition", From: state, Action: string(ev)}
}
