// Package ranking holds the static point table and the rank tiers derived from cumulative points.
package ranking

// Action names a point-earning user action.
type Action string

const (
	ActionCheckIn         Action = "checkin"
	ActionCheckInWithPlan Action = "checkinWithPlan"
	ActionReview          Action = "review"
	ActionFollowGym       Action = "followGym"
	ActionCompleteProfile Action = "completeProfile"
)

var pointTable = map[Action]int{
	ActionCheckIn:         10,
	ActionCheckInWithPlan: 15,
	ActionReview:          15,
	ActionFollowGym:       2,
	ActionCompleteProfile: 10,
}

// PointsFor returns the fixed award for action.
func PointsFor(action Action) (int, bool) {
	pts, ok := pointTable[action]
	return pts, ok
}

// OneShot reports whether action may only ever be granted once per user.
func OneShot(action Action) bool {
	return action == ActionCompleteProfile
}

// Tier is a gamification rank.
type Tier struct {
	Level     int    `json:"level"`
	Name      string `json:"name"`
	MinPoints int    `json:"minPoints"`
}

// Tiers is ordered by ascending MinPoints; the first entry must start at zero.
var Tiers = []Tier{
	{Level: 0, Name: "Rookie", MinPoints: 0},
	{Level: 1, Name: "Regular", MinPoints: 100},
	{Level: 2, Name: "Veteran", MinPoints: 250},
	{Level: 3, Name: "Legend", MinPoints: 500},
}

// RankFor resolves the tier for totalPoints. Negative totals resolve to the base tier.
func RankFor(totalPoints int) Tier {
	for i := len(Tiers) - 1; i >= 0; i-- {
		if Tiers[i].MinPoints <= totalPoints {
			return Tiers[i]
		}
	}
	return Tiers[0]
}

// NextTier returns the tier after the one totalPoints resolves to.
func NextTier(totalPoints int) (Tier, bool) {
	current := RankFor(totalPoints)
	if current.Level+1 >= len(Tiers) {
		return Tier{}, false
	}
	return Tiers[current.Level+1], true
}

// Progress is the fraction of the current tier already covered, 1 at the top tier.
func Progress(totalPoints int) float64 {
	current := RankFor(totalPoints)
	next, ok := NextTier(totalPoints)
	if !ok {
		return 1
	}
	span := next.MinPoints - current.MinPoints
	done := totalPoints - current.MinPoints
	if done <= 0 {
		return 0
	}
	ratio := float64(done) / float64(span)
	if ratio > 1 {
		return 1
	}
	return ratio
}
