package attendance

import (
	"context"
	"strings"
	"time"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/events"
	"example.com/attendance/internal/ranking"
	"example.com/attendance/internal/reliability"
)

// AwardResult describes a single change to a user's point balance.
type AwardResult struct {
	Action       ranking.Action
	Delta        int
	Total        int
	Skipped      bool
	PreviousTier ranking.Tier
	Tier         ranking.Tier
}

// CrossedTier reports whether the award moved the user into a different tier.
func (r AwardResult) CrossedTier() bool {
	return r.PreviousTier.Level != r.Tier.Level
}

// RankedUp reports whether the award moved the user into a higher tier.
func (r AwardResult) RankedUp() bool {
	return r.Tier.Level > r.PreviousTier.Level
}

// Reputation is the read model combining points, rank and reliability.
type Reputation struct {
	UserID           string
	TotalPoints      int
	Tier             ranking.Tier
	NextTier         *ranking.Tier
	Progress         float64
	Reliability      reliability.Record
	ReliabilityLabel string
}

// Award grants the fixed points for action. completeProfile is granted at most once;
// repeats return a Skipped result instead of an error.
func (e *Engine) Award(ctx context.Context, userID string, action ranking.Action) (AwardResult, error) {
	points, ok := ranking.PointsFor(action)
	if !ok {
		return AwardResult{}, domain.Validationf("unknown point action %q", action)
	}
	if strings.TrimSpace(userID) == "" {
		return AwardResult{}, domain.Validationf("user_id is required")
	}

	now := e.now()
	var result AwardResult
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return domain.NotFoundf("user %s not found", userID)
		}
		if ranking.OneShot(action) {
			if user.PointsAwarded.ProfileCompletionAwarded {
				tier := ranking.RankFor(user.TotalPoints)
				result = AwardResult{Action: action, Total: user.TotalPoints, Skipped: true, PreviousTier: tier, Tier: tier}
				return nil
			}
			user.PointsAwarded.ProfileCompletionAwarded = true
		}
		result, err = e.applyPoints(ctx, tx, *user, action, points, now)
		return err
	})
	if err != nil {
		return AwardResult{}, domain.StoreError("award points", err)
	}
	e.observeAward(userID, result)
	return result, nil
}

// HandleFollowToggle grants followGym points when gymID enters the user's outstanding follow
// set and revokes them when it leaves. Repeated toggles in the same direction change nothing.
func (e *Engine) HandleFollowToggle(ctx context.Context, userID, gymID string, following bool) (AwardResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(gymID) == "" {
		return AwardResult{}, domain.Validationf("user_id and gym_id are required")
	}
	points, _ := ranking.PointsFor(ranking.ActionFollowGym)

	now := e.now()
	var result AwardResult
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return domain.NotFoundf("user %s not found", userID)
		}
		held := user.PointsAwarded.FollowOutstanding(gymID)
		if held == following {
			tier := ranking.RankFor(user.TotalPoints)
			result = AwardResult{Action: ranking.ActionFollowGym, Total: user.TotalPoints, Skipped: true, PreviousTier: tier, Tier: tier}
			return nil
		}
		delta := points
		if following {
			user.PointsAwarded = user.PointsAwarded.WithFollow(gymID)
		} else {
			user.PointsAwarded = user.PointsAwarded.WithoutFollow(gymID)
			delta = -points
		}
		result, err = e.applyPoints(ctx, tx, *user, ranking.ActionFollowGym, delta, now)
		return err
	})
	if err != nil {
		return AwardResult{}, domain.StoreError("toggle follow", err)
	}
	e.observeAward(userID, result)
	return result, nil
}

// Reputation returns the user's points, rank and reliability summary.
func (e *Engine) Reputation(ctx context.Context, userID string) (*Reputation, error) {
	var user *domain.User
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, domain.StoreError("load user", err)
	}
	if user == nil {
		return nil, domain.NotFoundf("user %s not found", userID)
	}

	rep := &Reputation{
		UserID:           user.ID,
		TotalPoints:      user.TotalPoints,
		Tier:             ranking.RankFor(user.TotalPoints),
		Progress:         ranking.Progress(user.TotalPoints),
		Reliability:      user.Reliability,
		ReliabilityLabel: reliability.Label(user.Reliability.Score),
	}
	if next, ok := ranking.NextTier(user.TotalPoints); ok {
		rep.NextTier = &next
	}
	return rep, nil
}

// applyPoints saves the user with delta added and appends the points.awarded event.
func (e *Engine) applyPoints(ctx context.Context, tx domain.Tx, user domain.User, action ranking.Action, delta int, now time.Time) (AwardResult, error) {
	previous := ranking.RankFor(user.TotalPoints)
	user.TotalPoints = max(user.TotalPoints+delta, 0)
	current := ranking.RankFor(user.TotalPoints)
	if err := tx.SaveUser(ctx, user); err != nil {
		return AwardResult{}, err
	}

	record := events.NewRecord(events.TypePointsAwarded, events.AggregateUser, user.ID, user.ID, events.PointsAwarded{
		UserID:       user.ID,
		Action:       string(action),
		Delta:        delta,
		TotalPoints:  user.TotalPoints,
		Tier:         current.Name,
		PreviousTier: previous.Name,
		OccurredAt:   now,
	}, now)
	if err := tx.AppendEvent(ctx, record); err != nil {
		return AwardResult{}, err
	}
	return AwardResult{
		Action:       action,
		Delta:        delta,
		Total:        user.TotalPoints,
		PreviousTier: previous,
		Tier:         current,
	}, nil
}

func (e *Engine) observeAward(userID string, result AwardResult) {
	recordPointsAward(result)
	if result.RankedUp() {
		e.logger.Info().
			Str("user_id", userID).
			Str("tier", result.Tier.Name).
			Int("total_points", result.Total).
			Msg("user ranked up")
	}
}
