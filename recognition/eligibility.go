package recognition

import (
	"github.com/warp/recognition-engine/domain"
)

// Reasons a recipient is not points-eligible.
const (
	ReasonSelf              = "cannot award points to self"
	ReasonInsufficientRole  = "insufficient role"
	ReasonKudos             = "kudos recognitions carry no points"
	ReasonAllowanceExceeded = "monthly allowance exceeded"
	ReasonNotFound          = "recipient not found"
)

type EligibilityEntry struct {
	UserID         string `json:"user_id"`
	PointsEligible bool   `json:"points_eligible"`
	Reason         string `json:"reason,omitempty"`
}

// EligibilityQuery describes the award being considered. Type and Points
// are optional; an empty Type is checked as a points-bearing award of the
// default amount.
type EligibilityQuery struct {
	RecipientIDs []string
	Type         domain.RecognitionType
	Points       int64
}

// CheckEligibility evaluates each recipient against the actor's snapshot.
// It has no side effects. Entries are one per distinct requested id; callers
// should index the result by UserID.
func CheckEligibility(snap *Snapshot, q EligibilityQuery, cfg PointsConfig) []EligibilityEntry {
	ids := dedupe(q.RecipientIDs)
	entries := make([]EligibilityEntry, 0, len(ids))

	points := q.Points
	if points <= 0 {
		points = cfg.Default
	}

	eligible := 0
	for _, id := range ids {
		e := EligibilityEntry{UserID: id}
		switch {
		case id == snap.Actor.ID:
			e.Reason = ReasonSelf
		case q.Type == domain.TypeKudos:
			e.Reason = ReasonKudos
		default:
			if _, ok := snap.Users[id]; !ok {
				e.Reason = ReasonNotFound
			} else if _, ok := snap.Classify(id); !ok {
				e.Reason = ReasonInsufficientRole
			} else {
				e.PointsEligible = true
				eligible++
			}
		}
		entries = append(entries, e)
	}

	// The allowance covers the whole award, so it fails every recipient at once.
	if remaining, capped := snap.Actor.RemainingAllowance(); capped && int64(eligible)*points > remaining {
		for i := range entries {
			if entries[i].PointsEligible {
				entries[i].PointsEligible = false
				entries[i].Reason = ReasonAllowanceExceeded
			}
		}
	}
	return entries
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
