// Package events defines the attendance event payloads exchanged over Kafka.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Outbound event types emitted through the outbox.
const (
	TypePresenceCheckedIn  = "presence.checked_in"
	TypePresenceCheckedOut = "presence.checked_out"
	TypePresenceExpired    = "presence.expired"
	TypeScheduleCreated    = "schedule.created"
	TypeScheduleAttended   = "schedule.attended"
	TypeScheduleCancelled  = "schedule.cancelled"
	TypeScheduleNoShow     = "schedule.no_show"
	TypePointsAwarded      = "points.awarded"
)

// Inbound event types produced by collaborating services.
const (
	TypeReviewCreated    = "review.created"
	TypeProfileCompleted = "profile.completed"
	TypeGymFollowChanged = "gym.follow_changed"
)

// Aggregate names used for outbox rows.
const (
	AggregatePresence = "presence"
	AggregateSchedule = "schedule"
	AggregateUser     = "user"
)

// Record is an outbox entry written in the same transaction as the change it describes.
type Record struct {
	ID            string
	EventType     string
	AggregateType string
	AggregateID   string
	PartitionKey  string
	Payload       interface{}
	OccurredAt    time.Time
}

// NewRecord builds a Record partitioned by user so per-user ordering is preserved downstream.
func NewRecord(eventType, aggregateType, aggregateID, userID string, payload interface{}, at time.Time) Record {
	return Record{
		ID:            uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		PartitionKey:  userID,
		Payload:       payload,
		OccurredAt:    at,
	}
}

// PresenceChanged is emitted on every presence transition.
type PresenceChanged struct {
	PresenceID      string    `json:"presence_id"`
	UserID          string    `json:"user_id"`
	GymID           string    `json:"gym_id"`
	Status          string    `json:"status"`
	DistanceFromGym float64   `json:"distance_from_gym"`
	ScheduleID      string    `json:"schedule_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ScheduleChanged is emitted on every schedule transition.
type ScheduleChanged struct {
	ScheduleID       string    `json:"schedule_id"`
	UserID           string    `json:"user_id"`
	GymID            string    `json:"gym_id"`
	Status           string    `json:"status"`
	TimeSlot         string    `json:"time_slot"`
	ScheduledTime    time.Time `json:"scheduled_time"`
	LateCancellation bool      `json:"late_cancellation,omitempty"`
	ReliabilityScore int       `json:"reliability_score"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// PointsAwarded is emitted whenever a user's point balance changes.
type PointsAwarded struct {
	UserID       string    `json:"user_id"`
	Action       string    `json:"action"`
	Delta        int       `json:"delta"`
	TotalPoints  int       `json:"total_points"`
	Tier         string    `json:"tier"`
	PreviousTier string    `json:"previous_tier"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ReviewCreated is published by the review service once a review is stored.
type ReviewCreated struct {
	ReviewID string `json:"review_id"`
	UserID   string `json:"user_id"`
	GymID    string `json:"gym_id"`
}

// ProfileCompleted is published by the profile service when every required field is set.
type ProfileCompleted struct {
	UserID string `json:"user_id"`
}

// GymFollowChanged is published by the social service after a follow or unfollow.
type GymFollowChanged struct {
	UserID    string `json:"user_id"`
	GymID     string `json:"gym_id"`
	Following bool   `json:"following"`
}
