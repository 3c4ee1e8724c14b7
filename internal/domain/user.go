package domain

import (
	"slices"
	"time"

	"example.com/attendance/internal/geo"
	"example.com/attendance/internal/reliability"
)

// User is the engine's view of a member account.
type User struct {
	ID             string
	DisplayName    string
	TotalPoints    int
	Reliability    reliability.Record
	ActivePresence *ActivePresenceRef
	PointsAwarded  PointsAwarded
}

// ActivePresenceRef is the denormalised pointer to the user's current check-in.
type ActivePresenceRef struct {
	GymID       string    `json:"gymId"`
	GymName     string    `json:"gymName"`
	CheckedInAt time.Time `json:"checkedInAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PointsAwarded tracks guarded awards so they cannot be farmed.
type PointsAwarded struct {
	FollowedGyms             []string `json:"followedGyms"`
	ProfileCompletionAwarded bool     `json:"profileCompletionAwarded"`
}

// FollowOutstanding reports whether follow points for gymID are currently held.
func (p PointsAwarded) FollowOutstanding(gymID string) bool {
	return slices.Contains(p.FollowedGyms, gymID)
}

// WithFollow returns a copy with gymID added to the outstanding set.
func (p PointsAwarded) WithFollow(gymID string) PointsAwarded {
	if p.FollowOutstanding(gymID) {
		return p
	}
	p.FollowedGyms = append(slices.Clone(p.FollowedGyms), gymID)
	return p
}

// WithoutFollow returns a copy with gymID removed from the outstanding set.
func (p PointsAwarded) WithoutFollow(gymID string) PointsAwarded {
	p.FollowedGyms = slices.DeleteFunc(slices.Clone(p.FollowedGyms), func(id string) bool { return id == gymID })
	return p
}

// Gym is a venue users check in to.
type Gym struct {
	ID                   string
	Name                 string
	Location             *geo.Coordinate
	CheckInRadiusMeters  float64
	AutoExpireMinutes    int
	CurrentPresenceCount int
	ScheduleCounts       map[string]int
}

// RadiusOr returns the configured check-in radius or fallback when unset.
func (g Gym) RadiusOr(fallback float64) float64 {
	if g.CheckInRadiusMeters > 0 {
		return g.CheckInRadiusMeters
	}
	return fallback
}

// AutoExpireOr returns the configured presence lifetime or fallback when unset.
func (g Gym) AutoExpireOr(fallback time.Duration) time.Duration {
	if g.AutoExpireMinutes > 0 {
		return time.Duration(g.AutoExpireMinutes) * time.Minute
	}
	return fallback
}
