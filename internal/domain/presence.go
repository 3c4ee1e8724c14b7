package domain

import (
	"fmt"
	"time"

	"example.com/attendance/internal/geo"
)

// PresenceStatus is the lifecycle state of a check-in.
type PresenceStatus string

const (
	PresenceActive     PresenceStatus = "ACTIVE"
	PresenceCheckedOut PresenceStatus = "CHECKED_OUT"
	PresenceExpired    PresenceStatus = "EXPIRED"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceActive, PresenceCheckedOut, PresenceExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PresenceStatus) Terminal() bool {
	return s == PresenceCheckedOut || s == PresenceExpired
}

// CanTransition reports whether s may move to next.
func (s PresenceStatus) CanTransition(next PresenceStatus) bool {
	switch s {
	case PresenceActive:
		return next == PresenceCheckedOut || next == PresenceExpired
	case PresenceCheckedOut, PresenceExpired:
		return false
	}
	return false
}

// PresenceID is the compound document key; a re-check-in at the same gym reuses it.
func PresenceID(userID, gymID string) string {
	return userID + "_" + gymID
}

// Presence records one user's visit to one gym.
type Presence struct {
	ID              string
	UserID          string
	GymID           string
	Status          PresenceStatus
	CheckInLocation geo.Coordinate
	DistanceFromGym float64
	CheckedInAt     time.Time
	ExpiresAt       time.Time
	CheckedOutAt    *time.Time
	ScheduleID      *string
}

// NewPresence builds an ACTIVE presence starting at now.
func NewPresence(userID, gymID string, loc geo.Coordinate, distance float64, now time.Time, lifetime time.Duration) Presence {
	return Presence{
		ID:              PresenceID(userID, gymID),
		UserID:          userID,
		GymID:           gymID,
		Status:          PresenceActive,
		CheckInLocation: loc,
		DistanceFromGym: distance,
		CheckedInAt:     now,
		ExpiresAt:       now.Add(lifetime),
	}
}

// Overdue reports whether an ACTIVE presence has outlived its expiry at now.
func (p Presence) Overdue(now time.Time) bool {
	return p.Status == PresenceActive && !now.Before(p.ExpiresAt)
}

// CheckOut moves the presence to CHECKED_OUT.
func (p *Presence) CheckOut(at time.Time) error {
	if err := p.transition(PresenceCheckedOut); err != nil {
		return err
	}
	p.CheckedOutAt = &at
	return nil
}

// Expire moves the presence to EXPIRED.
func (p *Presence) Expire() error {
	return p.transition(PresenceExpired)
}

// LinkSchedule records the reservation this visit fulfilled.
func (p *Presence) LinkSchedule(scheduleID string) {
	p.ScheduleID = &scheduleID
}

func (p *Presence) transition(next PresenceStatus) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("%w: presence %s %s -> %s", ErrInvalidTransition, p.ID, p.Status, next)
	}
	p.Status = next
	return nil
}
