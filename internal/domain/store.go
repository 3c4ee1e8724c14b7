package domain

import (
	"context"
	"time"

	"example.com/attendance/internal/events"
)

// Cursor models the pagination token for presence history.
type Cursor struct {
	CheckedInAt time.Time
	ID          string
}

// Store is the document-store collaborator. Every read and write happens inside RunInTx;
// implementations guarantee the callback's writes are applied atomically or not at all.
type Store interface {
	RunInTx(ctx context.Context, fn func(Tx) error) error
}

// Tx exposes document operations. Getters return (nil, nil) when the document is absent.
type Tx interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	// LockUser reads the user for a read-modify-write; concurrent lockers wait.
	LockUser(ctx context.Context, userID string) (*User, error)
	SaveUser(ctx context.Context, user User) error

	GetGym(ctx context.Context, gymID string) (*Gym, error)
	ListGymIDs(ctx context.Context) ([]string, error)
	AdjustPresenceCount(ctx context.Context, gymID string, delta int) error
	AdjustScheduleCount(ctx context.Context, gymID, slotKey string, delta int) error
	SetGymCounters(ctx context.Context, gymID string, presenceCount int, slotCounts map[string]int) error

	GetPresence(ctx context.Context, presenceID string) (*Presence, error)
	FindActivePresence(ctx context.Context, userID string) (*Presence, error)
	ListActivePresencesByGym(ctx context.Context, gymID string) ([]Presence, error)
	ListPresencesByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Presence, *Cursor, error)
	ListOverduePresences(ctx context.Context, now time.Time, limit int) ([]Presence, error)
	// InsertPresence writes an ACTIVE presence; it fails with ErrConflict when the user
	// already holds an ACTIVE presence or the document at the key is still ACTIVE.
	InsertPresence(ctx context.Context, presence Presence) error
	// UpdatePresence writes presence only if the stored status equals expected.
	UpdatePresence(ctx context.Context, presence Presence, expected PresenceStatus) (bool, error)

	GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error)
	// ListSchedulesByUser orders by scheduled time; an empty status lists every schedule.
	ListSchedulesByUser(ctx context.Context, userID string, status ScheduleStatus) ([]Schedule, error)
	ListOverdueSchedules(ctx context.Context, cutoff time.Time, limit int) ([]Schedule, error)
	CountScheduledBySlot(ctx context.Context, gymID string) (map[string]int, error)
	// InsertSchedule writes a SCHEDULED reservation, replacing a terminal one at the same key
	// and failing with ErrConflict when the key is still SCHEDULED.
	InsertSchedule(ctx context.Context, schedule Schedule) error
	// UpdateSchedule writes schedule only if the stored status equals expected.
	UpdateSchedule(ctx context.Context, schedule Schedule, expected ScheduleStatus) (bool, error)

	AppendEvent(ctx context.Context, record events.Record) error
}
