package domain

import (
	"fmt"
	"time"
)

// ScheduleStatus is the lifecycle state of a reservation.
type ScheduleStatus string

const (
	ScheduleScheduled ScheduleStatus = "SCHEDULED"
	ScheduleAttended  ScheduleStatus = "ATTENDED"
	ScheduleNoShow    ScheduleStatus = "NO_SHOW"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s ScheduleStatus) Valid() bool {
	switch s {
	case ScheduleScheduled, ScheduleAttended, ScheduleNoShow, ScheduleCancelled:
		return true
	}
	return false
}

// Terminal reports whether the schedule has been resolved.
func (s ScheduleStatus) Terminal() bool {
	return s.Valid() && s != ScheduleScheduled
}

// CanTransition reports whether s may move to next. Terminal states never revert.
func (s ScheduleStatus) CanTransition(next ScheduleStatus) bool {
	switch s {
	case ScheduleScheduled:
		return next == ScheduleAttended || next == ScheduleNoShow || next == ScheduleCancelled
	case ScheduleAttended, ScheduleNoShow, ScheduleCancelled:
		return false
	}
	return false
}

// slotLayout renders a UTC hour; it sorts lexically in time order.
const slotLayout = "2006-01-02T15"

// SlotKey floors t to the hour in UTC.
func SlotKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(slotLayout)
}

// ScheduleID is the compound document key doubling as the per-slot dedupe key.
func ScheduleID(userID, slotKey string) string {
	return userID + "_" + slotKey
}

// Schedule is a user's stated intent to visit a gym.
type Schedule struct {
	ID             string
	UserID         string
	GymID          string
	Status         ScheduleStatus
	ScheduledTime  time.Time
	TimeSlot       string
	CreatedAt      time.Time
	AttendedAt     *time.Time
	CancelledAt    *time.Time
	MarkedNoShowAt *time.Time
	PresenceID     *string
}

// NewSchedule builds a SCHEDULED reservation.
func NewSchedule(userID, gymID string, scheduled, now time.Time) Schedule {
	slot := SlotKey(scheduled)
	return Schedule{
		ID:            ScheduleID(userID, slot),
		UserID:        userID,
		GymID:         gymID,
		Status:        ScheduleScheduled,
		ScheduledTime: scheduled.UTC(),
		TimeSlot:      slot,
		CreatedAt:     now,
	}
}

// WithinGrace reports whether now falls inside the symmetric window around the scheduled time.
func (s Schedule) WithinGrace(now time.Time, grace time.Duration) bool {
	diff := now.Sub(s.ScheduledTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= grace
}

// Overdue reports whether a SCHEDULED entry is past its grace window at now.
func (s Schedule) Overdue(now time.Time, grace time.Duration) bool {
	return s.Status == ScheduleScheduled && s.ScheduledTime.Before(now.Add(-grace))
}

// MarkAttended resolves the schedule as fulfilled by presenceID.
func (s *Schedule) MarkAttended(presenceID string, at time.Time) error {
	if err := s.transition(ScheduleAttended); err != nil {
		return err
	}
	s.AttendedAt = &at
	s.PresenceID = &presenceID
	return nil
}

// MarkNoShow resolves the schedule as missed.
func (s *Schedule) MarkNoShow(at time.Time) error {
	if err := s.transition(ScheduleNoShow); err != nil {
		return err
	}
	s.MarkedNoShowAt = &at
	return nil
}

// Cancel resolves the schedule as withdrawn by the user.
func (s *Schedule) Cancel(at time.Time) error {
	if err := s.transition(ScheduleCancelled); err != nil {
		return err
	}
	s.CancelledAt = &at
	return nil
}

func (s *Schedule) transition(next ScheduleStatus) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: schedule %s %s -> %s", ErrInvalidTransition, s.ID, s.Status, next)
	}
	s.Status = next
	return nil
}
