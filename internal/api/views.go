package api

import (
	"time"

	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/geo"
	"example.com/attendance/internal/ranking"
	"example.com/attendance/internal/reliability"
)

// PresenceView exposes a presence document.
type PresenceView struct {
	PresenceID      string         `json:"presence_id"`
	UserID          string         `json:"user_id"`
	GymID           string         `json:"gym_id"`
	Status          string         `json:"status"`
	CheckInLocation geo.Coordinate `json:"check_in_location"`
	DistanceFromGym float64        `json:"distance_from_gym"`
	CheckedInAt     time.Time      `json:"checked_in_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	CheckedOutAt    *time.Time     `json:"checked_out_at,omitempty"`
	ScheduleID      *string        `json:"schedule_id,omitempty"`
}

// ScheduleView exposes a schedule document.
type ScheduleView struct {
	ScheduleID     string     `json:"schedule_id"`
	UserID         string     `json:"user_id"`
	GymID          string     `json:"gym_id"`
	Status         string     `json:"status"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	TimeSlot       string     `json:"time_slot"`
	CreatedAt      time.Time  `json:"created_at"`
	AttendedAt     *time.Time `json:"attended_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	MarkedNoShowAt *time.Time `json:"marked_no_show_at,omitempty"`
	PresenceID     *string    `json:"presence_id,omitempty"`
}

// AwardView exposes a point award.
type AwardView struct {
	Action       string       `json:"action"`
	Delta        int          `json:"delta"`
	TotalPoints  int          `json:"total_points"`
	Skipped      bool         `json:"skipped"`
	Tier         ranking.Tier `json:"tier"`
	PreviousTier ranking.Tier `json:"previous_tier"`
	RankedUp     bool         `json:"ranked_up"`
}

// ReputationView exposes a user's points, rank and reliability.
type ReputationView struct {
	UserID           string             `json:"user_id"`
	TotalPoints      int                `json:"total_points"`
	Tier             ranking.Tier       `json:"tier"`
	NextTier         *ranking.Tier      `json:"next_tier,omitempty"`
	Progress         float64            `json:"progress"`
	Reliability      reliability.Record `json:"reliability"`
	ReliabilityLabel string             `json:"reliability_label"`
}

func toPresenceView(p domain.Presence) PresenceView {
	return PresenceView{
		PresenceID:      p.ID,
		UserID:          p.UserID,
		GymID:           p.GymID,
		Status:          string(p.Status),
		CheckInLocation: p.CheckInLocation,
		DistanceFromGym: p.DistanceFromGym,
		CheckedInAt:     p.CheckedInAt,
		ExpiresAt:       p.ExpiresAt,
		CheckedOutAt:    p.CheckedOutAt,
		ScheduleID:      p.ScheduleID,
	}
}

func toScheduleView(s domain.Schedule) ScheduleView {
	return ScheduleView{
		ScheduleID:     s.ID,
		UserID:         s.UserID,
		GymID:          s.GymID,
		Status:         string(s.Status),
		ScheduledTime:  s.ScheduledTime,
		TimeSlot:       s.TimeSlot,
		CreatedAt:      s.CreatedAt,
		AttendedAt:     s.AttendedAt,
		CancelledAt:    s.CancelledAt,
		MarkedNoShowAt: s.MarkedNoShowAt,
		PresenceID:     s.PresenceID,
	}
}

func toAwardView(a attendance.AwardResult) AwardView {
	return AwardView{
		Action:       string(a.Action),
		Delta:        a.Delta,
		TotalPoints:  a.Total,
		Skipped:      a.Skipped,
		Tier:         a.Tier,
		PreviousTier: a.PreviousTier,
		RankedUp:     a.RankedUp(),
	}
}

func toReputationView(r attendance.Reputation) ReputationView {
	return ReputationView{
		UserID:           r.UserID,
		TotalPoints:      r.TotalPoints,
		Tier:             r.Tier,
		NextTier:         r.NextTier,
		Progress:         r.Progress,
		Reliability:      r.Reliability,
		ReliabilityLabel: r.ReliabilityLabel,
	}
}
