package attendance

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/events"
	"example.com/attendance/internal/reliability"
)

// CreateScheduleInput captures a reservation request.
type CreateScheduleInput struct {
	ActorID       string
	UserID        string
	GymID         string
	ScheduledTime time.Time
}

// CancelResult reports the outcome of a cancellation.
type CancelResult struct {
	Schedule domain.Schedule
	Late     bool
	// Penalty is the reliability score deducted, zero for timely cancellations.
	Penalty int
}

// CreateSchedule reserves a future visit at a gym.
func (e *Engine) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*domain.Schedule, error) {
	if err := authorize(in.ActorID, in.UserID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.GymID) == "" {
		return nil, domain.Validationf("gym_id is required")
	}
	if in.ScheduledTime.IsZero() {
		return nil, domain.Validationf("scheduled_time is required")
	}

	now := e.now()
	if !in.ScheduledTime.After(now) {
		return nil, domain.Validationf("scheduled time must be in the future")
	}
	if in.ScheduledTime.After(now.Add(e.policy.ScheduleHorizon)) {
		return nil, domain.Validationf("scheduled time must be within %s", e.policy.ScheduleHorizon)
	}

	schedule := domain.NewSchedule(in.UserID, in.GymID, in.ScheduledTime, now)
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		gym, err := tx.GetGym(ctx, in.GymID)
		if err != nil {
			return err
		}
		if gym == nil {
			return domain.NotFoundf("gym %s not found", in.GymID)
		}
		user, err := tx.LockUser(ctx, in.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return domain.NotFoundf("user %s not found", in.UserID)
		}

		pending, err := tx.ListSchedulesByUser(ctx, in.UserID, domain.ScheduleScheduled)
		if err != nil {
			return err
		}
		for _, s := range pending {
			if s.TimeSlot == schedule.TimeSlot && s.GymID == schedule.GymID {
				return &domain.Error{Kind: domain.ErrConflict, Detail: "already scheduled at this gym for this hour", Ref: s.ID}
			}
		}
		if len(pending) >= e.policy.MaxActiveSchedules {
			return domain.Conflictf("at most %d upcoming visits can be scheduled", e.policy.MaxActiveSchedules)
		}
		for _, s := range pending {
			if s.TimeSlot == schedule.TimeSlot {
				return &domain.Error{Kind: domain.ErrConflict, Detail: "another gym is already scheduled for this hour", Ref: s.GymID}
			}
		}

		if err := tx.InsertSchedule(ctx, schedule); err != nil {
			return err
		}
		if err := tx.AdjustScheduleCount(ctx, schedule.GymID, schedule.TimeSlot, 1); err != nil {
			return err
		}
		record, err := e.applyReliability(ctx, tx, in.UserID, reliability.EventScheduleCreated)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, scheduleEvent(events.TypeScheduleCreated, schedule, record.Score, now))
	})
	if err != nil {
		return nil, domain.StoreError("create schedule", err)
	}
	recordScheduleTransition(domain.ScheduleScheduled)
	e.logger.Info().
		Str("user_id", in.UserID).
		Str("gym_id", in.GymID).
		Str("time_slot", schedule.TimeSlot).
		Msg("schedule created")
	return &schedule, nil
}

// CancelSchedule withdraws a pending reservation, applying the late-cancellation penalty
// when the visit is less than LateCancelThreshold away.
func (e *Engine) CancelSchedule(ctx context.Context, actorID, scheduleID string) (*CancelResult, error) {
	now := e.now()
	var result CancelResult
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		s, err := tx.GetSchedule(ctx, scheduleID)
		if err != nil {
			return err
		}
		if s == nil {
			return domain.NotFoundf("schedule %s not found", scheduleID)
		}
		if err := authorize(actorID, s.UserID); err != nil {
			return err
		}
		if s.Status != domain.ScheduleScheduled {
			return domain.Conflictf("schedule is already %s", strings.ToLower(string(s.Status)))
		}

		late := s.ScheduledTime.Sub(now) < e.policy.LateCancelThreshold
		next := *s
		if err := next.Cancel(now); err != nil {
			return domain.Conflictf("%v", err)
		}
		applied, err := tx.UpdateSchedule(ctx, next, domain.ScheduleScheduled)
		if err != nil {
			return err
		}
		if !applied {
			return domain.Conflictf("schedule is no longer pending")
		}
		if err := tx.AdjustScheduleCount(ctx, next.GymID, next.TimeSlot, -1); err != nil {
			return err
		}
		ev := reliability.CancelEvent(late)
		record, err := e.applyReliability(ctx, tx, next.UserID, ev)
		if err != nil {
			return err
		}
		payload := scheduleEvent(events.TypeScheduleCancelled, next, record.Score, now)
		changed := payload.Payload.(events.ScheduleChanged)
		changed.LateCancellation = late
		payload.Payload = changed
		if err := tx.AppendEvent(ctx, payload); err != nil {
			return err
		}
		result = CancelResult{Schedule: next, Late: late, Penalty: -e.policy.Reliability.Delta(ev)}
		return nil
	})
	if err != nil {
		return nil, domain.StoreError("cancel schedule", err)
	}
	recordScheduleTransition(domain.ScheduleCancelled)
	return &result, nil
}

// MatchForCheckIn marks the earliest SCHEDULED entry at gymID within the grace window of now
// as attended by presenceID. It returns nil when nothing matched.
func (e *Engine) MatchForCheckIn(ctx context.Context, userID, gymID, presenceID string, now time.Time) (*domain.Schedule, error) {
	var matched *domain.Schedule
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		matched = nil
		pending, err := tx.ListSchedulesByUser(ctx, userID, domain.ScheduleScheduled)
		if err != nil {
			return err
		}
		candidates := make([]domain.Schedule, 0, len(pending))
		for _, s := range pending {
			if s.GymID == gymID && s.WithinGrace(now, e.policy.GraceWindow) {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].ScheduledTime.Equal(candidates[j].ScheduledTime) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].ScheduledTime.Before(candidates[j].ScheduledTime)
		})
		s, applied, err := e.markAttendedInTx(ctx, tx, candidates[0].ID, presenceID, now)
		if err != nil || !applied {
			return err
		}
		matched = &s
		return nil
	})
	if err != nil {
		return nil, domain.StoreError("match schedule", err)
	}
	if matched != nil {
		recordScheduleTransition(domain.ScheduleAttended)
	}
	return matched, nil
}

// MarkAttended resolves a schedule as fulfilled by presenceID. It is a no-op unless the
// schedule is still SCHEDULED.
func (e *Engine) MarkAttended(ctx context.Context, scheduleID, presenceID string) (bool, error) {
	now := e.now()
	var applied bool
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		var err error
		_, applied, err = e.markAttendedInTx(ctx, tx, scheduleID, presenceID, now)
		return err
	})
	if err != nil {
		return false, domain.StoreError("mark attended", err)
	}
	if applied {
		recordScheduleTransition(domain.ScheduleAttended)
	}
	return applied, nil
}

func (e *Engine) markAttendedInTx(ctx context.Context, tx domain.Tx, scheduleID, presenceID string, now time.Time) (domain.Schedule, bool, error) {
	s, err := tx.GetSchedule(ctx, scheduleID)
	if err != nil {
		return domain.Schedule{}, false, err
	}
	if s == nil {
		return domain.Schedule{}, false, domain.NotFoundf("schedule %s not found", scheduleID)
	}
	if s.Status != domain.ScheduleScheduled {
		return *s, false, nil
	}

	next := *s
	if err := next.MarkAttended(presenceID, now); err != nil {
		return *s, false, nil
	}
	applied, err := tx.UpdateSchedule(ctx, next, domain.ScheduleScheduled)
	if err != nil || !applied {
		return *s, false, err
	}
	if err := tx.AdjustScheduleCount(ctx, next.GymID, next.TimeSlot, -1); err != nil {
		return *s, false, err
	}
	record, err := e.applyReliability(ctx, tx, next.UserID, reliability.EventAttend)
	if err != nil {
		return *s, false, err
	}

	presence, err := tx.GetPresence(ctx, presenceID)
	if err != nil {
		return *s, false, err
	}
	if presence != nil && presence.ScheduleID == nil {
		linked := *presence
		linked.LinkSchedule(next.ID)
		if _, err := tx.UpdatePresence(ctx, linked, presence.Status); err != nil {
			return *s, false, err
		}
	}

	if err := tx.AppendEvent(ctx, scheduleEvent(events.TypeScheduleAttended, next, record.Score, now)); err != nil {
		return *s, false, err
	}
	return next, true, nil
}

// MarkNoShow resolves an overdue schedule as missed. It is a no-op unless the schedule is
// SCHEDULED and its grace window has passed.
func (e *Engine) MarkNoShow(ctx context.Context, scheduleID string) (bool, error) {
	now := e.now()
	var applied bool
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		applied = false
		s, err := tx.GetSchedule(ctx, scheduleID)
		if err != nil {
			return err
		}
		if s == nil {
			return domain.NotFoundf("schedule %s not found", scheduleID)
		}
		if !s.Overdue(now, e.policy.GraceWindow) {
			return nil
		}

		next := *s
		if err := next.MarkNoShow(now); err != nil {
			return nil
		}
		applied, err = tx.UpdateSchedule(ctx, next, domain.ScheduleScheduled)
		if err != nil || !applied {
			return err
		}
		if err := tx.AdjustScheduleCount(ctx, next.GymID, next.TimeSlot, -1); err != nil {
			return err
		}
		record, err := e.applyReliability(ctx, tx, next.UserID, reliability.EventNoShow)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, scheduleEvent(events.TypeScheduleNoShow, next, record.Score, now))
	})
	if err != nil {
		return false, domain.StoreError("mark no-show", err)
	}
	if applied {
		recordScheduleTransition(domain.ScheduleNoShow)
		e.logger.Info().Str("schedule_id", scheduleID).Msg("schedule marked no-show")
	}
	return applied, nil
}

// SweepNoShows marks up to limit overdue schedules as NO_SHOW and returns how many changed.
func (e *Engine) SweepNoShows(ctx context.Context, limit int) (int, error) {
	cutoff := e.now().Add(-e.policy.GraceWindow)
	var due []domain.Schedule
	if err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		var err error
		due, err = tx.ListOverdueSchedules(ctx, cutoff, limit)
		return err
	}); err != nil {
		return 0, domain.StoreError("list overdue schedules", err)
	}

	var errs error
	marked := 0
	for _, s := range due {
		applied, err := e.MarkNoShow(ctx, s.ID)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if applied {
			marked++
		}
	}
	return marked, errs
}

// UserSchedules lists a user's schedules ordered by scheduled time. An empty status lists all.
func (e *Engine) UserSchedules(ctx context.Context, userID string, status domain.ScheduleStatus) ([]domain.Schedule, error) {
	if status != "" && !status.Valid() {
		return nil, domain.Validationf("unknown schedule status %q", status)
	}
	var out []domain.Schedule
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		var err error
		out, err = tx.ListSchedulesByUser(ctx, userID, status)
		return err
	})
	if err != nil {
		return nil, domain.StoreError("list schedules", err)
	}
	if out == nil {
		out = []domain.Schedule{}
	}
	return out, nil
}

func scheduleEvent(eventType string, s domain.Schedule, score int, at time.Time) events.Record {
	return events.NewRecord(eventType, events.AggregateSchedule, s.ID, s.UserID, events.ScheduleChanged{
		ScheduleID:       s.ID,
		UserID:           s.UserID,
		GymID:            s.GymID,
		Status:           string(s.Status),
		TimeSlot:         s.TimeSlot,
		ScheduledTime:    s.ScheduledTime,
		ReliabilityScore: score,
		OccurredAt:       at,
	}, at)
}
