package recognition

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/warp/recognition-engine/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	DefaultFeedLimit    = 20
	MaxFeedLimit        = 50
	maxEmojiLength      = 16
)

// =============================================================================
// HISTORY
// =============================================================================

type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
	DirectionAll      Direction = "all"
)

type HistoryQuery struct {
	Direction Direction
	Type      domain.RecognitionType
	Limit     int
}

// History lists recognitions the actor sent and/or received, newest first.
// Private and pending recognitions are included: the actor is a participant.
func (s *Service) History(ctx context.Context, actor domain.User, q HistoryQuery) ([]domain.Recognition, error) {
	f := domain.RecognitionFilter{Type: q.Type, Limit: clamp(q.Limit, DefaultHistoryLimit, MaxHistoryLimit)}
	switch Direction(strings.ToLower(string(q.Direction))) {
	case DirectionReceived:
		f.ToUserID = actor.ID
	case DirectionSent:
		f.FromUserID = actor.ID
	case DirectionAll, "":
		f.Participant = actor.ID
	default:
		return nil, domain.Invalid("direction", "direction must be one of received, sent, all")
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, domain.Invalid("recognition_type", "Unknown recognition type %q", q.Type)
	}

	recs, err := s.Store.ListRecognitions(ctx, actor.OrgID, f)
	if err != nil {
		return nil, domain.Wrap(err, "list history")
	}
	return nonNilRecognitions(recs), nil
}

// =============================================================================
// PUBLIC FEED
// =============================================================================

type FeedQuery struct {
	Limit    int
	Cursor   string
	ValueTag string
}

type FeedPage struct {
	Items      []domain.Recognition
	NextCursor string
}

// Feed lists public recognitions whose points have settled, newest first.
func (s *Service) Feed(ctx context.Context, actor domain.User, q FeedQuery) (FeedPage, error) {
	before, err := domain.ParseCursor(q.Cursor)
	if err != nil {
		return FeedPage{}, err
	}
	if q.ValueTag != "" && !domain.IsValuesTag(q.ValueTag) {
		return FeedPage{}, domain.Invalid("value_tag", "Unknown company value %q", q.ValueTag)
	}
	limit := clamp(q.Limit, DefaultFeedLimit, MaxFeedLimit)

	recs, err := s.Store.ListRecognitions(ctx, actor.OrgID, domain.RecognitionFilter{
		Statuses:   []domain.RecognitionStatus{domain.StatusPosted, domain.StatusApproved},
		PublicOnly: true,
		ValueTag:   q.ValueTag,
		Before:     before,
		Limit:      limit + 1,
	})
	if err != nil {
		return FeedPage{}, domain.Wrap(err, "list feed")
	}

	page := FeedPage{Items: nonNilRecognitions(recs)}
	if len(recs) > limit {
		page.Items = recs[:limit]
		last := page.Items[limit-1]
		page.NextCursor = domain.CursorAt(last.CreatedAt, last.ID).String()
	}
	return page, nil
}

// =============================================================================
// REACTIONS
// =============================================================================

// React toggles the actor's emoji reaction and returns the updated list.
// Public recognitions accept reactions from anyone in the org; private ones
// only from participants.
func (s *Service) React(ctx context.Context, actor domain.User, id, emoji string) ([]domain.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return nil, domain.Invalid("emoji", "emoji must be 1 to %d characters", maxEmojiLength)
	}

	var reactions []domain.Reaction
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		rec, err := tx.GetRecognition(ctx, actor.OrgID, id)
		if err != nil {
			return err
		}
		if !rec.IsPublic && !rec.Involves(actor.ID) {
			return domain.Forbidden("You cannot react to a private recognition")
		}
		rec.Reactions = toggleReaction(rec.Reactions, emoji, actor.ID)
		reactions = rec.Reactions
		return tx.SaveRecognition(ctx, *rec)
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

// toggleReaction adds or removes userID under emoji. Empty reactions are dropped.
func toggleReaction(reactions []domain.Reaction, emoji, userID string) []domain.Reaction {
	out := make([]domain.Reaction, 0, len(reactions)+1)
	found := false
	for _, r := range reactions {
		if r.Emoji != emoji {
			out = append(out, r)
			continue
		}
		found = true
		users := make([]string, 0, len(r.UserIDs)+1)
		removed := false
		for _, u := range r.UserIDs {
			if u == userID {
				removed = true
				continue
			}
			users = append(users, u)
		}
		if !removed {
			users = append(users, userID)
		}
		if len(users) > 0 {
			out = append(out, domain.Reaction{Emoji: emoji, UserIDs: users})
		}
	}
	if !found {
		out = append(out, domain.Reaction{Emoji: emoji, UserIDs: []string{userID}})
	}
	return out
}

func clamp(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
