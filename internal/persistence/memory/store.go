// Package memory provides an in-process domain.Store for local development and tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/events"
)

// Store keeps every document in maps guarded by one mutex. Transactions run against a
// copy of the state that replaces the live state only when the callback succeeds.
type Store struct {
	mu    sync.Mutex
	state *state

	claimMu sync.Mutex
	claimed map[string]string
}

type state struct {
	users     map[string]domain.User
	gyms      map[string]domain.Gym
	presences map[string]domain.Presence
	schedules map[string]domain.Schedule
	outbox    []events.Record
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		state: &state{
			users:     make(map[string]domain.User),
			gyms:      make(map[string]domain.Gym),
			presences: make(map[string]domain.Presence),
			schedules: make(map[string]domain.Schedule),
		},
		claimed: make(map[string]string),
	}
}

// ClaimEvent records an inbound event key, reporting false when it was already claimed.
func (s *Store) ClaimEvent(_ context.Context, key, eventType string) (bool, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if _, ok := s.claimed[key]; ok {
		return false, nil
	}
	s.claimed[key] = eventType
	return true, nil
}

// ReleaseEvent forgets a claimed key.
func (s *Store) ReleaseEvent(_ context.Context, key string) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	delete(s.claimed, key)
	return nil
}

// PutUser seeds or replaces a user document.
func (s *Store) PutUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[user.ID] = cloneUser(user)
}

// PutGym seeds or replaces a gym document.
func (s *Store) PutGym(gym domain.Gym) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gym.ScheduleCounts = maps.Clone(gym.ScheduleCounts)
	s.state.gyms[gym.ID] = gym
}

// Events returns a copy of the outbox records appended so far.
func (s *Store) Events() []events.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.outbox)
}

// RunInTx implements domain.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	if err := fn(&tx{st: draft}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (st *state) clone() *state {
	out := &state{
		users:     make(map[string]domain.User, len(st.users)),
		gyms:      make(map[string]domain.Gym, len(st.gyms)),
		presences: maps.Clone(st.presences),
		schedules: maps.Clone(st.schedules),
		outbox:    slices.Clone(st.outbox),
	}
	for id, u := range st.users {
		out.users[id] = cloneUser(u)
	}
	for id, g := range st.gyms {
		g.ScheduleCounts = maps.Clone(g.ScheduleCounts)
		out.gyms[id] = g
	}
	return out
}

func cloneUser(u domain.User) domain.User {
	u.PointsAwarded.FollowedGyms = slices.Clone(u.PointsAwarded.FollowedGyms)
	if u.ActivePresence != nil {
		ref := *u.ActivePresence
		u.ActivePresence = &ref
	}
	return u
}

type tx struct {
	st *state
}

func (t *tx) GetUser(_ context.Context, userID string) (*domain.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return nil, nil
	}
	u = cloneUser(u)
	return &u, nil
}

func (t *tx) LockUser(ctx context.Context, userID string) (*domain.User, error) {
	return t.GetUser(ctx, userID)
}

func (t *tx) SaveUser(_ context.Context, user domain.User) error {
	if _, ok := t.st.users[user.ID]; !ok {
		return domain.NotFoundf("user %s not found", user.ID)
	}
	t.st.users[user.ID] = cloneUser(user)
	return nil
}

func (t *tx) GetGym(_ context.Context, gymID string) (*domain.Gym, error) {
	g, ok := t.st.gyms[gymID]
	if !ok {
		return nil, nil
	}
	g.ScheduleCounts = maps.Clone(g.ScheduleCounts)
	return &g, nil
}

func (t *tx) ListGymIDs(context.Context) ([]string, error) {
	ids := slices.Collect(maps.Keys(t.st.gyms))
	sort.Strings(ids)
	return ids, nil
}

func (t *tx) AdjustPresenceCount(_ context.Context, gymID string, delta int) error {
	g, ok := t.st.gyms[gymID]
	if !ok {
		return domain.NotFoundf("gym %s not found", gymID)
	}
	g.CurrentPresenceCount = max(0, g.CurrentPresenceCount+delta)
	t.st.gyms[gymID] = g
	return nil
}

func (t *tx) AdjustScheduleCount(_ context.Context, gymID, slotKey string, delta int) error {
	g, ok := t.st.gyms[gymID]
	if !ok {
		return domain.NotFoundf("gym %s not found", gymID)
	}
	counts := maps.Clone(g.ScheduleCounts)
	if counts == nil {
		counts = make(map[string]int)
	}
	counts[slotKey] = max(0, counts[slotKey]+delta)
	g.ScheduleCounts = counts
	t.st.gyms[gymID] = g
	return nil
}

func (t *tx) SetGymCounters(_ context.Context, gymID string, presenceCount int, slotCounts map[string]int) error {
	g, ok := t.st.gyms[gymID]
	if !ok {
		return domain.NotFoundf("gym %s not found", gymID)
	}
	g.CurrentPresenceCount = presenceCount
	g.ScheduleCounts = maps.Clone(slotCounts)
	t.st.gyms[gymID] = g
	return nil
}

func (t *tx) GetPresence(_ context.Context, presenceID string) (*domain.Presence, error) {
	p, ok := t.st.presences[presenceID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *tx) FindActivePresence(_ context.Context, userID string) (*domain.Presence, error) {
	for _, p := range t.st.presences {
		if p.UserID == userID && p.Status == domain.PresenceActive {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *tx) ListActivePresencesByGym(_ context.Context, gymID string) ([]domain.Presence, error) {
	out := make([]domain.Presence, 0)
	for _, p := range t.st.presences {
		if p.GymID == gymID && p.Status == domain.PresenceActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CheckedInAt.Equal(out[j].CheckedInAt) {
			return out[i].CheckedInAt.Before(out[j].CheckedInAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) ListPresencesByUser(_ context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Presence, *domain.Cursor, error) {
	all := make([]domain.Presence, 0)
	for _, p := range t.st.presences {
		if p.UserID == userID {
			all = append(all, p)
		}
	}
	// Newest first, matching the Postgres ordering.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CheckedInAt.Equal(all[j].CheckedInAt) {
			return all[i].CheckedInAt.After(all[j].CheckedInAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]domain.Presence, 0, max(limit, 0))
	for _, p := range all {
		if cursor != nil && !before(p, *cursor) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1]
		next = &domain.Cursor{CheckedInAt: last.CheckedInAt, ID: last.ID}
	}
	return out, next, nil
}

func before(p domain.Presence, c domain.Cursor) bool {
	if p.CheckedInAt.Equal(c.CheckedInAt) {
		return strings.Compare(p.ID, c.ID) < 0
	}
	return p.CheckedInAt.Before(c.CheckedInAt)
}

func (t *tx) ListOverduePresences(_ context.Context, now time.Time, limit int) ([]domain.Presence, error) {
	out := make([]domain.Presence, 0)
	for _, p := range t.st.presences {
		if p.Overdue(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertPresence(_ context.Context, presence domain.Presence) error {
	if existing, ok := t.st.presences[presence.ID]; ok && existing.Status == domain.PresenceActive {
		return domain.Conflictf("presence %s is still active", presence.ID)
	}
	for _, p := range t.st.presences {
		if p.UserID == presence.UserID && p.Status == domain.PresenceActive {
			return &domain.Error{Kind: domain.ErrConflict, Detail: "user already has an active check-in", Ref: p.GymID}
		}
	}
	t.st.presences[presence.ID] = presence
	return nil
}

func (t *tx) UpdatePresence(_ context.Context, presence domain.Presence, expected domain.PresenceStatus) (bool, error) {
	current, ok := t.st.presences[presence.ID]
	if !ok || current.Status != expected {
		return false, nil
	}
	t.st.presences[presence.ID] = presence
	return true, nil
}

func (t *tx) GetSchedule(_ context.Context, scheduleID string) (*domain.Schedule, error) {
	s, ok := t.st.schedules[scheduleID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *tx) ListSchedulesByUser(_ context.Context, userID string, status domain.ScheduleStatus) ([]domain.Schedule, error) {
	out := make([]domain.Schedule, 0)
	for _, s := range t.st.schedules {
		if s.UserID != userID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	sortSchedules(out)
	return out, nil
}

func (t *tx) ListOverdueSchedules(_ context.Context, cutoff time.Time, limit int) ([]domain.Schedule, error) {
	out := make([]domain.Schedule, 0)
	for _, s := range t.st.schedules {
		if s.Status == domain.ScheduleScheduled && s.ScheduledTime.Before(cutoff) {
			out = append(out, s)
		}
	}
	sortSchedules(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) CountScheduledBySlot(_ context.Context, gymID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, s := range t.st.schedules {
		if s.GymID == gymID && s.Status == domain.ScheduleScheduled {
			counts[s.TimeSlot]++
		}
	}
	return counts, nil
}

func (t *tx) InsertSchedule(_ context.Context, schedule domain.Schedule) error {
	if existing, ok := t.st.schedules[schedule.ID]; ok && existing.Status == domain.ScheduleScheduled {
		return domain.Conflictf("a visit is already scheduled for slot %s", schedule.TimeSlot)
	}
	t.st.schedules[schedule.ID] = schedule
	return nil
}

func (t *tx) UpdateSchedule(_ context.Context, schedule domain.Schedule, expected domain.ScheduleStatus) (bool, error) {
	current, ok := t.st.schedules[schedule.ID]
	if !ok || current.Status != expected {
		return false, nil
	}
	t.st.schedules[schedule.ID] = schedule
	return true, nil
}

func (t *tx) AppendEvent(_ context.Context, record events.Record) error {
	t.st.outbox = append(t.st.outbox, record)
	return nil
}

func sortSchedules(list []domain.Schedule) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ScheduledTime.Equal(list[j].ScheduledTime) {
			return list[i].ScheduledTime.Before(list[j].ScheduledTime)
		}
		return list[i].ID < list[j].ID
	})
}
