package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/events"
	"example.com/attendance/internal/geo"
	"example.com/attendance/internal/persistence/memory"
	"example.com/attendance/internal/ranking"
	"example.com/attendance/internal/reliability"
)

// metersPerDegreeLat matches geo.EarthRadiusMeters.
const metersPerDegreeLat = 111194.93

var (
	rucker = geo.Coordinate{Lat: 40.8296, Lon: -73.9362}
	west4  = geo.Coordinate{Lat: 40.7313, Lon: -74.0010}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

type recordingNotifier struct {
	mu     sync.Mutex
	counts map[string]int
}

func (n *recordingNotifier) NotifyPresenceCount(_ context.Context, gymID string, count int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.counts == nil {
		n.counts = make(map[string]int)
	}
	n.counts[gymID] = count
	return nil
}

func (n *recordingNotifier) last(gymID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[gymID]
}

type fixture struct {
	store    *memory.Store
	clock    *clock
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.Load(memory.Seed{
		Users: []memory.SeedUser{
			{ID: "u1", DisplayName: "Dee"},
			{ID: "u2", DisplayName: "Sam"},
		},
		Gyms: []memory.SeedGym{
			{ID: "g1", Name: "Rucker Park", Location: &rucker, CheckInRadiusMeters: 100},
			{ID: "g2", Name: "West 4th", Location: &west4},
			{ID: "g3", Name: "Unmapped"},
		},
	})
	clk := &clock{t: time.Date(2026, time.May, 1, 16, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	base := []Option{WithClock(clk.Now), WithNotifier(notifier), WithLogger(zerolog.Nop())}
	return &fixture{
		store:    store,
		clock:    clk,
		notifier: notifier,
		engine:   NewEngine(store, append(base, opts...)...),
	}
}

func north(c geo.Coordinate, meters float64) geo.Coordinate {
	return geo.Coordinate{Lat: c.Lat + meters/metersPerDegreeLat, Lon: c.Lon}
}

func (f *fixture) user(t *testing.T, id string) domain.User {
	t.Helper()
	var out domain.User
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx domain.Tx) error {
		u, err := tx.GetUser(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, u)
		out = *u
		return nil
	}))
	return out
}

func (f *fixture) gym(t *testing.T, id string) domain.Gym {
	t.Helper()
	var out domain.Gym
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx domain.Tx) error {
		g, err := tx.GetGym(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, g)
		out = *g
		return nil
	}))
	return out
}

func (f *fixture) checkIn(t *testing.T, userID, gymID string, loc geo.Coordinate) *CheckInResult {
	t.Helper()
	res, err := f.engine.CheckIn(context.Background(), CheckInInput{ActorID: userID, UserID: userID, GymID: gymID, Location: loc})
	require.NoError(t, err)
	return res
}

func (f *fixture) schedule(t *testing.T, userID, gymID string, at time.Time) *domain.Schedule {
	t.Helper()
	s, err := f.engine.CreateSchedule(context.Background(), CreateScheduleInput{ActorID: userID, UserID: userID, GymID: gymID, ScheduledTime: at})
	require.NoError(t, err)
	return s
}

func eventTypes(store *memory.Store) []string {
	out := make([]string, 0)
	for _, rec := range store.Events() {
		out = append(out, rec.EventType)
	}
	return out
}

func TestCheckInRespectsGymRadius(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CheckIn(ctx, CheckInInput{ActorID: "u1", UserID: "u1", GymID: "g1", Location: north(rucker, 150)})
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Zero(t, f.gym(t, "g1").CurrentPresenceCount)

	res := f.checkIn(t, "u1", "g1", north(rucker, 40))
	require.Equal(t, domain.PresenceActive, res.Presence.Status)
	require.InDelta(t, 40, res.Presence.DistanceFromGym, 0.5)
	require.Equal(t, "u1_g1", res.Presence.ID)
	require.Equal(t, f.clock.Now().Add(180*time.Minute), res.Presence.ExpiresAt)
	require.Nil(t, res.MatchedSchedule)
	require.NotNil(t, res.Award)
	require.Equal(t, 10, res.Award.Delta)

	require.Equal(t, 1, f.gym(t, "g1").CurrentPresenceCount)
	require.Equal(t, 1, f.notifier.last("g1"))
	u := f.user(t, "u1")
	require.Equal(t, 10, u.TotalPoints)
	require.NotNil(t, u.ActivePresence)
	require.Equal(t, "Rucker Park", u.ActivePresence.GymName)
	require.Contains(t, eventTypes(f.store), events.TypePresenceCheckedIn)
}

func TestCheckInUsesDefaultRadiusWhenGymHasNone(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CheckIn(context.Background(), CheckInInput{ActorID: "u1", UserID: "u1", GymID: "g2", Location: north(west4, 160)})
	require.ErrorIs(t, err, domain.ErrValidation)

	f.checkIn(t, "u1", "g2", north(west4, 140))
}

func TestCheckInGeoBypass(t *testing.T) {
	f := newFixture(t, WithGeoBypass(true))

	res := f.checkIn(t, "u1", "g1", north(rucker, 5000))
	require.InDelta(t, 5000, res.Presence.DistanceFromGym, 5)
}

func TestCheckInRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CheckIn(ctx, CheckInInput{ActorID: "u2", UserID: "u1", GymID: "g1", Location: rucker})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.CheckIn(ctx, CheckInInput{ActorID: "u1", UserID: "u1", GymID: "g1", Location: geo.Coordinate{Lat: 91, Lon: 0}})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.engine.CheckIn(ctx, CheckInInput{ActorID: "u1", UserID: "u1", GymID: "missing", Location: rucker})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.CheckIn(ctx, CheckInInput{ActorID: "u1", UserID: "u1", GymID: "g3", Location: rucker})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.engine.CheckIn(ctx, CheckInInput{ActorID: "ghost", UserID: "ghost", GymID: "g1", Location: rucker})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSecondCheckInConflictsWithActivePresence(t *testing.T) {
	f := newFixture(t)
	f.checkIn(t, "u1", "g1", rucker)

	_, err := f.engine.CheckIn(context.Background(), CheckInInput{ActorID: "u1", UserID: "u1", GymID: "g2", Location: west4})
	require.ErrorIs(t, err, domain.ErrConflict)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, "g1", derr.Ref)
	require.Contains(t, derr.Detail, "Rucker Park")

	require.Zero(t, f.gym(t, "g2").CurrentPresenceCount)
	require.Equal(t, 10, f.user(t, "u1").TotalPoints)
}

func TestCheckOutClosesPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "u1", "g1", rucker)
	f.clock.Advance(45 * time.Minute)

	_, err := f.engine.CheckOut(ctx, "u2", "u1")
	require.ErrorIs(t, err, domain.ErrForbidden)

	p, err := f.engine.CheckOut(ctx, "u1", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.PresenceCheckedOut, p.Status)
	require.NotNil(t, p.CheckedOutAt)
	require.Zero(t, f.gym(t, "g1").CurrentPresenceCount)
	require.Nil(t, f.user(t, "u1").ActivePresence)
	require.Zero(t, f.notifier.last("g1"))

	_, err = f.engine.CheckOut(ctx, "u1", "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Re-check-in at the same gym reuses the compound key.
	res := f.checkIn(t, "u1", "g1", rucker)
	require.Equal(t, domain.PresenceActive, res.Presence.Status)
	require.Equal(t, 1, f.gym(t, "g1").CurrentPresenceCount)
}

func TestLazyExpiryOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "u1", "g1", rucker)
	f.clock.Advance(3 * time.Hour)

	_, err := f.engine.ActivePresence(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	p, err := f.engine.GetPresence(ctx, "u1_g1")
	require.NoError(t, err)
	require.Equal(t, domain.PresenceExpired, p.Status)
	require.Zero(t, f.gym(t, "g1").CurrentPresenceCount)
	require.Nil(t, f.user(t, "u1").ActivePresence)
	require.Contains(t, eventTypes(f.store), events.TypePresenceExpired)

	// The stale presence no longer blocks a new check-in elsewhere.
	f.checkIn(t, "u1", "g2", west4)
}

func TestCheckOutOfExpiredPresenceReportsNotFound(t *testing.T) {
	f := newFixture(t)
	f.checkIn(t, "u1", "g1", rucker)
	f.clock.Advance(4 * time.Hour)

	_, err := f.engine.CheckOut(context.Background(), "u1", "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	p, err := f.engine.GetPresence(context.Background(), "u1_g1")
	require.NoError(t, err)
	require.Equal(t, domain.PresenceExpired, p.Status)
	require.Zero(t, f.gym(t, "g1").CurrentPresenceCount)
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "u1", "g1", rucker)
	f.checkIn(t, "u2", "g1", rucker)

	applied, err := f.engine.Expire(ctx, "u1_g1")
	require.NoError(t, err)
	require.False(t, applied, "not yet due")

	f.clock.Advance(3 * time.Hour)
	applied, err = f.engine.Expire(ctx, "u1_g1")
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = f.engine.Expire(ctx, "u1_g1")
	require.NoError(t, err)
	require.False(t, applied)

	require.Equal(t, 1, f.gym(t, "g1").CurrentPresenceCount)

	_, err = f.engine.Expire(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpireOverdueSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "u1", "g1", rucker)
	f.checkIn(t, "u2", "g2", west4)
	f.clock.Advance(3 * time.Hour)

	n, err := f.engine.ExpireOverdue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = f.engine.ExpireOverdue(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, f.gym(t, "g1").CurrentPresenceCount)
	require.Zero(t, f.gym(t, "g2").CurrentPresenceCount)
}

func TestGymPresencesAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "u1", "g1", rucker)
	f.clock.Advance(time.Hour)
	f.checkIn(t, "u2", "g1", rucker)

	active, err := f.engine.GymPresences(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, active, 2)

	f.clock.Advance(150 * time.Minute)
	active, err = f.engine.GymPresences(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "u2", active[0].UserID)
	require.Equal(t, 1, f.gym(t, "g1").CurrentPresenceCount)

	_, err = f.engine.GymPresences(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.checkIn(t, "u1", "g2", west4)
	page, next, err := f.engine.PresenceHistory(ctx, "u1", nil, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "g2", page[0].GymID)
	require.NotNil(t, next)

	page, _, err = f.engine.PresenceHistory(ctx, "u1", next, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, domain.PresenceExpired, page[0].Status)
}

func TestScheduledCheckInEarnsPlanBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sixPM := time.Date(2026, time.May, 1, 18, 0, 0, 0, time.UTC)
	s := f.schedule(t, "u1", "g1", sixPM)
	require.Equal(t, "u1_2026-05-01T18", s.ID)
	require.Equal(t, 1, f.gym(t, "g1").ScheduleCounts["2026-05-01T18"])

	f.clock.Set(sixPM.Add(20 * time.Minute))
	res := f.checkIn(t, "u1", "g1", rucker)
	require.NotNil(t, res.MatchedSchedule)
	require.Equal(t, domain.ScheduleAttended, res.MatchedSchedule.Status)
	require.NotNil(t, res.Presence.ScheduleID)
	require.Equal(t, s.ID, *res.Presence.ScheduleID)
	require.Equal(t, 15, res.Award.Delta)

	u := f.user(t, "u1")
	require.Equal(t, 15, u.TotalPoints)
	require.Equal(t, 1, u.Reliability.TotalScheduled)
	require.Equal(t, 1, u.Reliability.TotalAttended)
	require.Zero(t, f.gym(t, "g1").ScheduleCounts["2026-05-01T18"])

	stored, err := f.engine.GetPresence(ctx, res.Presence.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ScheduleID)

	list, err := f.engine.UserSchedules(ctx, "u1", domain.ScheduleAttended)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, res.Presence.ID, *list[0].PresenceID)
}

func TestCheckInOutsideGraceDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	sixPM := time.Date(2026, time.May, 1, 18, 0, 0, 0, time.UTC)
	f.schedule(t, "u1", "g1", sixPM)

	f.clock.Set(sixPM.Add(-61 * time.Minute))
	res := f.checkIn(t, "u1", "g1", rucker)
	require.Nil(t, res.MatchedSchedule)
	require.Equal(t, 10, res.Award.Delta)
}

func TestMatchPicksEarliestSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 17, 30, 0, 0, time.UTC))
	f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 18, 15, 0, 0, time.UTC))

	f.clock.Set(time.Date(2026, time.May, 1, 18, 0, 0, 0, time.UTC))
	res := f.checkIn(t, "u1", "g1", rucker)
	require.NotNil(t, res.MatchedSchedule)
	require.Equal(t, "u1_2026-05-01T17", res.MatchedSchedule.ID)

	pending, err := f.engine.UserSchedules(ctx, "u1", domain.ScheduleScheduled)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "u1_2026-05-01T18", pending[0].ID)
}

func TestNoShowThenAttendScores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 18, 0, 0, 0, time.UTC))

	f.clock.Set(time.Date(2026, time.May, 1, 19, 1, 0, 0, time.UTC))
	n, err := f.engine.SweepNoShows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 90, f.user(t, "u1").Reliability.Score)

	applied, err := f.engine.MarkNoShow(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 90, f.user(t, "u1").Reliability.Score)

	f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 20, 0, 0, 0, time.UTC))
	f.clock.Set(time.Date(2026, time.May, 1, 20, 5, 0, 0, time.UTC))
	f.checkIn(t, "u1", "g1", rucker)

	rel := f.user(t, "u1").Reliability
	require.Equal(t, 92, rel.Score)
	require.Equal(t, reliability.Record{Score: 92, TotalScheduled: 2, TotalAttended: 1, TotalNoShow: 1}, rel)
}

func TestMarkNoShowWaitsForGraceWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 18, 0, 0, 0, time.UTC))

	f.clock.Set(time.Date(2026, time.May, 1, 18, 59, 0, 0, time.UTC))
	applied, err := f.engine.MarkNoShow(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 1, f.gym(t, "g1").ScheduleCounts[s.TimeSlot])
}

func TestMarkAttendedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 18, 0, 0, 0, time.UTC))

	applied, err := f.engine.MarkAttended(ctx, s.ID, "u1_g1")
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = f.engine.MarkAttended(ctx, s.ID, "u1_g1")
	require.NoError(t, err)
	require.False(t, applied)

	u := f.user(t, "u1")
	require.Equal(t, 1, u.Reliability.TotalAttended)
	require.Equal(t, reliability.MaxScore, u.Reliability.Score)
	require.Zero(t, f.gym(t, "g1").ScheduleCounts[s.TimeSlot])

	f.clock.Advance(6 * time.Hour)
	applied, err = f.engine.MarkNoShow(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestScheduleCapIsFive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.schedule(t, "u1", "g1", base.Add(time.Duration(i)*time.Hour))
	}

	_, err := f.engine.CreateSchedule(ctx, CreateScheduleInput{ActorID: "u1", UserID: "u1", GymID: "g1", ScheduledTime: base.Add(10 * time.Hour)})
	require.ErrorIs(t, err, domain.ErrConflict)

	pending, err := f.engine.UserSchedules(ctx, "u1", domain.ScheduleScheduled)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	require.Equal(t, 5, f.user(t, "u1").Reliability.TotalScheduled)
}

func TestScheduleSlotConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2026, time.May, 2, 18, 0, 0, 0, time.UTC)
	f.schedule(t, "u1", "g1", at)

	_, err := f.engine.CreateSchedule(ctx, CreateScheduleInput{ActorID: "u1", UserID: "u1", GymID: "g1", ScheduledTime: at.Add(30 * time.Minute)})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.engine.CreateSchedule(ctx, CreateScheduleInput{ActorID: "u1", UserID: "u1", GymID: "g2", ScheduledTime: at.Add(15 * time.Minute)})
	require.ErrorIs(t, err, domain.ErrConflict)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, "g1", derr.Ref)

	// A different hour at another gym is fine.
	f.schedule(t, "u1", "g2", at.Add(time.Hour))
}

func TestScheduleTimeWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	cases := []struct {
		name string
		at   time.Time
		kind error
	}{
		{name: "past", at: now.Add(-time.Minute), kind: domain.ErrValidation},
		{name: "now", at: now, kind: domain.ErrValidation},
		{name: "beyond horizon", at: now.Add(7*24*time.Hour + time.Minute), kind: domain.ErrValidation},
		{name: "zero", at: time.Time{}, kind: domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateSchedule(ctx, CreateScheduleInput{ActorID: "u1", UserID: "u1", GymID: "g1", ScheduledTime: tc.at})
			require.ErrorIs(t, err, tc.kind)
		})
	}

	_, err := f.engine.CreateSchedule(ctx, CreateScheduleInput{ActorID: "u1", UserID: "u1", GymID: "missing", ScheduledTime: now.Add(time.Hour)})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.CreateSchedule(ctx, CreateScheduleInput{ActorID: "u2", UserID: "u1", GymID: "g1", ScheduledTime: now.Add(time.Hour)})
	require.ErrorIs(t, err, domain.ErrForbidden)

	f.schedule(t, "u1", "g1", now.Add(7*24*time.Hour))
}

func TestCancelLateAndOnTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon := f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 18, 0, 0, 0, time.UTC))
	later := f.schedule(t, "u1", "g1", time.Date(2026, time.May, 1, 20, 0, 0, 0, time.UTC))

	f.clock.Set(time.Date(2026, time.May, 1, 17, 50, 0, 0, time.UTC))

	_, err := f.engine.CancelSchedule(ctx, "u2", soon.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	res, err := f.engine.CancelSchedule(ctx, "u1", soon.ID)
	require.NoError(t, err)
	require.True(t, res.Late)
	require.Equal(t, 5, res.Penalty)
	require.Equal(t, domain.ScheduleCancelled, res.Schedule.Status)
	require.Equal(t, 95, f.user(t, "u1").Reliability.Score)

	res, err = f.engine.CancelSchedule(ctx, "u1", later.ID)
	require.NoError(t, err)
	require.False(t, res.Late)
	require.Zero(t, res.Penalty)

	u := f.user(t, "u1")
	require.Equal(t, 95, u.Reliability.Score)
	require.Equal(t, 2, u.Reliability.TotalCancelled)
	require.Zero(t, f.gym(t, "g1").ScheduleCounts[soon.TimeSlot])

	_, err = f.engine.CancelSchedule(ctx, "u1", soon.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = f.engine.CancelSchedule(ctx, "u1", "u1_2030-01-01T00")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Contains(t, eventTypes(f.store), events.TypeScheduleCancelled)
}

func TestCancelledSlotCanBeRebooked(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, time.May, 1, 20, 0, 0, 0, time.UTC)
	s := f.schedule(t, "u1", "g1", at)
	_, err := f.engine.CancelSchedule(context.Background(), "u1", s.ID)
	require.NoError(t, err)

	again := f.schedule(t, "u1", "g2", at)
	require.Equal(t, s.ID, again.ID)
	require.Equal(t, domain.ScheduleScheduled, again.Status)
}

func TestFollowTogglesNetTwoPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, following := range []bool{true, true, false, true, false, false, true} {
		_, err := f.engine.HandleFollowToggle(ctx, "u1", "g1", following)
		require.NoError(t, err)
	}
	u := f.user(t, "u1")
	require.Equal(t, 2, u.TotalPoints)
	require.Equal(t, []string{"g1"}, u.PointsAwarded.FollowedGyms)

	res, err := f.engine.HandleFollowToggle(ctx, "u1", "g1", true)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestProfileCompletionIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Award(ctx, "u1", ranking.ActionCompleteProfile)
	require.NoError(t, err)
	require.Equal(t, 10, res.Delta)
	require.False(t, res.Skipped)

	res, err = f.engine.Award(ctx, "u1", ranking.ActionCompleteProfile)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 10, f.user(t, "u1").TotalPoints)

	_, err = f.engine.Award(ctx, "u1", ranking.Action("bogus"))
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.engine.Award(ctx, "ghost", ranking.ActionReview)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAwardCrossesTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutUser(domain.User{ID: "u3", TotalPoints: 95, Reliability: reliability.NewRecord()})

	res, err := f.engine.Award(ctx, "u3", ranking.ActionReview)
	require.NoError(t, err)
	require.Equal(t, 110, res.Total)
	require.True(t, res.CrossedTier())
	require.True(t, res.RankedUp())
	require.Equal(t, "Regular", res.Tier.Name)

	rep, err := f.engine.Reputation(ctx, "u3")
	require.NoError(t, err)
	require.Equal(t, 110, rep.TotalPoints)
	require.Equal(t, "Regular", rep.Tier.Name)
	require.NotNil(t, rep.NextTier)
	require.Equal(t, "Veteran", rep.NextTier.Name)
	require.InDelta(t, 10.0/150.0, rep.Progress, 1e-9)
	require.Equal(t, "Excellent", rep.ReliabilityLabel)

	_, err = f.engine.Reputation(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "u1", "g1", rucker)
	s := f.schedule(t, "u2", "g1", time.Date(2026, time.May, 1, 20, 0, 0, 0, time.UTC))

	require.NoError(t, f.store.RunInTx(ctx, func(tx domain.Tx) error {
		if err := tx.AdjustPresenceCount(ctx, "g1", 4); err != nil {
			return err
		}
		return tx.AdjustScheduleCount(ctx, "g1", "2026-05-01T09", 2)
	}))

	counters, err := f.engine.ReconcileGym(ctx, "g1")
	require.NoError(t, err)
	require.True(t, counters.Drift)
	require.Equal(t, 1, counters.CurrentPresenceCount)
	require.Equal(t, map[string]int{s.TimeSlot: 1}, counters.ScheduleCounts)

	g := f.gym(t, "g1")
	require.Equal(t, 1, g.CurrentPresenceCount)
	require.Zero(t, g.ScheduleCounts["2026-05-01T09"])
	require.Equal(t, 1, f.notifier.last("g1"))

	drifted, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Zero(t, drifted)

	_, err = f.engine.ReconcileGym(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweeperRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "u1", "g1", rucker)
	f.schedule(t, "u2", "g1", time.Date(2026, time.May, 1, 17, 0, 0, 0, time.UTC))
	require.NoError(t, f.store.RunInTx(ctx, func(tx domain.Tx) error {
		return tx.AdjustPresenceCount(ctx, "g2", 3)
	}))

	f.clock.Advance(4 * time.Hour)
	sweeper := NewSweeper(f.engine, SweeperConfig{Interval: time.Minute, BatchSize: 10, ReconcileInterval: time.Hour}, zerolog.Nop())
	require.NoError(t, sweeper.RunOnce(ctx))

	require.Zero(t, f.gym(t, "g1").CurrentPresenceCount)
	require.Zero(t, f.gym(t, "g2").CurrentPresenceCount)
	require.Equal(t, 90, f.user(t, "u2").Reliability.Score)
}

func TestActivePresenceInvariantUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gymID, loc := "g1", rucker
			if i%2 == 1 {
				gymID, loc = "g2", west4
			}
			_, errs[i] = f.engine.CheckIn(ctx, CheckInInput{ActorID: "u1", UserID: "u1", GymID: gymID, Location: loc})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrConflict)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, f.gym(t, "g1").CurrentPresenceCount+f.gym(t, "g2").CurrentPresenceCount)
}

// flakyStore fails every transaction from the nth onwards.
type flakyStore struct {
	domain.Store
	mu     sync.Mutex
	calls  int
	failAt int
}

var errUnavailable = errors.New("store unavailable")

func (s *flakyStore) RunInTx(ctx context.Context, fn func(domain.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.failAt > 0 && s.calls >= s.failAt
	s.mu.Unlock()
	if fail {
		return errUnavailable
	}
	return s.Store.RunInTx(ctx, fn)
}

func TestCheckInSurvivesSideEffectFailures(t *testing.T) {
	f := newFixture(t)
	// Reads, gym lookup and the check-in transaction succeed; matching and the award fail.
	flaky := &flakyStore{Store: f.store, failAt: 4}
	engine := NewEngine(flaky, WithClock(f.clock.Now), WithLogger(zerolog.Nop()))

	res, err := engine.CheckIn(context.Background(), CheckInInput{ActorID: "u1", UserID: "u1", GymID: "g1", Location: rucker})
	require.NoError(t, err)
	require.Nil(t, res.Award)
	require.Nil(t, res.MatchedSchedule)
	require.Equal(t, 1, f.gym(t, "g1").CurrentPresenceCount)
	require.Zero(t, f.user(t, "u1").TotalPoints)
}

func TestStoreFailuresAreWrapped(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(&flakyStore{Store: f.store, failAt: 1}, WithClock(f.clock.Now), WithLogger(zerolog.Nop()))

	_, err := engine.CheckIn(context.Background(), CheckInInput{ActorID: "u1", UserID: "u1", GymID: "g1", Location: rucker})
	require.ErrorIs(t, err, domain.ErrStore)
	require.ErrorIs(t, err, errUnavailable)
}
