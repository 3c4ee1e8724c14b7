package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/events"
	"example.com/attendance/internal/geo"
	"example.com/attendance/internal/ranking"
)

// CheckInInput captures a check-in request.
type CheckInInput struct {
	ActorID  string
	UserID   string
	GymID    string
	Location geo.Coordinate
}

// CheckInResult describes a successful check-in and its side effects.
type CheckInResult struct {
	Presence        domain.Presence
	MatchedSchedule *domain.Schedule
	// Award is nil when the point award failed; the check-in itself still stands.
	Award *AwardResult
}

// CheckIn validates the user's location against the gym and opens an ACTIVE presence.
func (e *Engine) CheckIn(ctx context.Context, in CheckInInput) (*CheckInResult, error) {
	res, err := e.checkIn(ctx, in)
	recordCheckIn(err)
	return res, err
}

func (e *Engine) checkIn(ctx context.Context, in CheckInInput) (*CheckInResult, error) {
	if err := authorize(in.ActorID, in.UserID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.GymID) == "" {
		return nil, domain.Validationf("gym_id is required")
	}
	if err := in.Location.Validate(); err != nil {
		return nil, domain.Validationf("%v", err)
	}

	if e.guard != nil {
		release, err := e.guard.Acquire(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	now := e.now()

	// Fast path: fail before touching the gym when an unexpired check-in exists elsewhere.
	if _, err := e.activePresence(ctx, in.UserID, now); err == nil {
		return nil, e.activeConflict(ctx, in.UserID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var gym *domain.Gym
	if err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		var err error
		gym, err = tx.GetGym(ctx, in.GymID)
		return err
	}); err != nil {
		return nil, domain.StoreError("load gym", err)
	}
	if gym == nil {
		return nil, domain.NotFoundf("gym %s not found", in.GymID)
	}
	if gym.Location == nil {
		return nil, domain.Validationf("gym %s has no location configured", gym.ID)
	}

	distance, err := geo.DistanceMeters(in.Location, *gym.Location)
	if err != nil {
		return nil, domain.Validationf("%v", err)
	}
	radius := gym.RadiusOr(e.policy.DefaultRadiusMeters)
	if !e.geoBypass && !geo.WithinRadius(distance, radius) {
		return nil, &domain.Error{
			Kind:   domain.ErrValidation,
			Detail: formatOutOfRange(distance, radius, gym.Name),
			Ref:    gym.ID,
		}
	}

	presence := domain.NewPresence(in.UserID, gym.ID, in.Location, distance, now, gym.AutoExpireOr(e.policy.DefaultAutoExpire))
	var expired *domain.Presence

	err = e.store.RunInTx(ctx, func(tx domain.Tx) error {
		user, err := tx.LockUser(ctx, in.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return domain.NotFoundf("user %s not found", in.UserID)
		}

		existing, err := tx.FindActivePresence(ctx, in.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.Overdue(now) {
				return &domain.Error{Kind: domain.ErrConflict, Detail: "already checked in; check out first", Ref: existing.GymID}
			}
			if _, err := e.expireInTx(ctx, tx, *existing, now); err != nil {
				return err
			}
			expired = existing
		}

		if err := tx.InsertPresence(ctx, presence); err != nil {
			return err
		}
		if err := tx.AdjustPresenceCount(ctx, gym.ID, 1); err != nil {
			return err
		}
		if err := e.setPointer(ctx, tx, in.UserID, &domain.ActivePresenceRef{
			GymID:       gym.ID,
			GymName:     gym.Name,
			CheckedInAt: presence.CheckedInAt,
			ExpiresAt:   presence.ExpiresAt,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, presenceEvent(events.TypePresenceCheckedIn, presence, now))
	})
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) && errors.Is(err, domain.ErrConflict) && derr.Ref != "" {
			return nil, e.conflictAt(ctx, derr.Ref)
		}
		return nil, domain.StoreError("check in", err)
	}
	recordPresenceTransition(domain.PresenceActive)
	if expired != nil {
		recordPresenceTransition(domain.PresenceExpired)
		if expired.GymID != gym.ID {
			e.notifyGym(ctx, expired.GymID)
		}
	}

	result := &CheckInResult{Presence: presence}

	matched, err := e.MatchForCheckIn(ctx, in.UserID, gym.ID, presence.ID, now)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", in.UserID).Str("gym_id", gym.ID).Msg("schedule matching failed")
	}
	action := ranking.ActionCheckIn
	if matched != nil {
		result.MatchedSchedule = matched
		result.Presence.LinkSchedule(matched.ID)
		action = ranking.ActionCheckInWithPlan
	}

	award, err := e.Award(ctx, in.UserID, action)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", in.UserID).Str("action", string(action)).Msg("check-in award failed")
	} else {
		result.Award = &award
	}

	e.notifyGym(ctx, gym.ID)
	e.logger.Info().
		Str("user_id", in.UserID).
		Str("gym_id", gym.ID).
		Float64("distance_m", distance).
		Bool("matched_schedule", matched != nil).
		Msg("checked in")
	return result, nil
}

// CheckOut closes the caller's ACTIVE presence.
func (e *Engine) CheckOut(ctx context.Context, actorID, userID string) (*domain.Presence, error) {
	if err := authorize(actorID, userID); err != nil {
		return nil, err
	}
	now := e.now()

	var out domain.Presence
	var expired bool
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		p, err := tx.FindActivePresence(ctx, userID)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.NotFoundf("no active check-in")
		}
		out = *p
		if p.Overdue(now) {
			expired, err = e.expireInTx(ctx, tx, *p, now)
			return err
		}

		next := *p
		if err := next.CheckOut(now); err != nil {
			return err
		}
		applied, err := tx.UpdatePresence(ctx, next, domain.PresenceActive)
		if err != nil {
			return err
		}
		if !applied {
			return domain.NotFoundf("no active check-in")
		}
		if err := tx.AdjustPresenceCount(ctx, next.GymID, -1); err != nil {
			return err
		}
		if err := e.clearPointer(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return tx.AppendEvent(ctx, presenceEvent(events.TypePresenceCheckedOut, next, now))
	})
	if err != nil {
		return nil, domain.StoreError("check out", err)
	}

	e.notifyGym(ctx, out.GymID)
	if expired {
		recordPresenceTransition(domain.PresenceExpired)
		return nil, domain.NotFoundf("check-in at gym %s already expired", out.GymID)
	}
	recordPresenceTransition(domain.PresenceCheckedOut)
	return &out, nil
}

// Expire moves an overdue ACTIVE presence to EXPIRED. It reports whether a transition
// happened; calling it on a terminal or not-yet-due presence is a no-op.
func (e *Engine) Expire(ctx context.Context, presenceID string) (bool, error) {
	now := e.now()
	var applied bool
	var gymID string
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		p, err := tx.GetPresence(ctx, presenceID)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.NotFoundf("presence %s not found", presenceID)
		}
		gymID = p.GymID
		applied, err = e.expireInTx(ctx, tx, *p, now)
		return err
	})
	if err != nil {
		return false, domain.StoreError("expire presence", err)
	}
	if applied {
		recordPresenceTransition(domain.PresenceExpired)
		e.notifyGym(ctx, gymID)
	}
	return applied, nil
}

// ExpireOverdue sweeps up to limit overdue presences and returns how many were expired.
func (e *Engine) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := e.now()
	var due []domain.Presence
	if err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		var err error
		due, err = tx.ListOverduePresences(ctx, now, limit)
		return err
	}); err != nil {
		return 0, domain.StoreError("list overdue presences", err)
	}

	var errs error
	expired := 0
	for _, p := range due {
		applied, err := e.Expire(ctx, p.ID)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if applied {
			expired++
		}
	}
	return expired, errs
}

// GetPresence returns a presence by ID after applying lazy expiry.
func (e *Engine) GetPresence(ctx context.Context, presenceID string) (*domain.Presence, error) {
	now := e.now()
	var out domain.Presence
	var expired bool
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		p, err := tx.GetPresence(ctx, presenceID)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.NotFoundf("presence %s not found", presenceID)
		}
		out, expired, err = e.refresh(ctx, tx, *p, now)
		return err
	})
	if err != nil {
		return nil, domain.StoreError("get presence", err)
	}
	e.afterLazyExpiry(ctx, expired, out.GymID)
	return &out, nil
}

// ActivePresence returns the user's unexpired ACTIVE presence or ErrNotFound.
func (e *Engine) ActivePresence(ctx context.Context, userID string) (*domain.Presence, error) {
	return e.activePresence(ctx, userID, e.now())
}

func (e *Engine) activePresence(ctx context.Context, userID string, now time.Time) (*domain.Presence, error) {
	var out *domain.Presence
	var expiredGym string
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		p, err := tx.FindActivePresence(ctx, userID)
		if err != nil || p == nil {
			return err
		}
		refreshed, expired, err := e.refresh(ctx, tx, *p, now)
		if err != nil {
			return err
		}
		if expired {
			expiredGym = refreshed.GymID
			return nil
		}
		out = &refreshed
		return nil
	})
	if err != nil {
		return nil, domain.StoreError("find active presence", err)
	}
	e.afterLazyExpiry(ctx, expiredGym != "", expiredGym)
	if out == nil {
		return nil, domain.NotFoundf("no active check-in")
	}
	return out, nil
}

// GymPresences lists the gym's ACTIVE presences, expiring overdue ones on the way.
func (e *Engine) GymPresences(ctx context.Context, gymID string) ([]domain.Presence, error) {
	now := e.now()
	out := make([]domain.Presence, 0)
	expiredAny := false
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		out = out[:0]
		expiredAny = false
		gym, err := tx.GetGym(ctx, gymID)
		if err != nil {
			return err
		}
		if gym == nil {
			return domain.NotFoundf("gym %s not found", gymID)
		}
		active, err := tx.ListActivePresencesByGym(ctx, gymID)
		if err != nil {
			return err
		}
		for _, p := range active {
			refreshed, expired, err := e.refresh(ctx, tx, p, now)
			if err != nil {
				return err
			}
			if expired {
				expiredAny = true
				continue
			}
			out = append(out, refreshed)
		}
		return nil
	})
	if err != nil {
		return nil, domain.StoreError("list gym presences", err)
	}
	e.afterLazyExpiry(ctx, expiredAny, gymID)
	return out, nil
}

// PresenceHistory pages through a user's presences newest first, applying lazy expiry.
func (e *Engine) PresenceHistory(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Presence, *domain.Cursor, error) {
	if limit <= 0 {
		limit = 20
	}
	now := e.now()
	var out []domain.Presence
	var next *domain.Cursor
	var expiredGym string
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		page, cur, err := tx.ListPresencesByUser(ctx, userID, cursor, limit)
		if err != nil {
			return err
		}
		out = make([]domain.Presence, 0, len(page))
		for _, p := range page {
			refreshed, expired, err := e.refresh(ctx, tx, p, now)
			if err != nil {
				return err
			}
			if expired {
				expiredGym = refreshed.GymID
			}
			out = append(out, refreshed)
		}
		next = cur
		return nil
	})
	if err != nil {
		return nil, nil, domain.StoreError("list presence history", err)
	}
	e.afterLazyExpiry(ctx, expiredGym != "", expiredGym)
	return out, next, nil
}

// refresh applies lazy expiry to p and returns the presence as it now stands.
func (e *Engine) refresh(ctx context.Context, tx domain.Tx, p domain.Presence, now time.Time) (domain.Presence, bool, error) {
	if !p.Overdue(now) {
		return p, false, nil
	}
	applied, err := e.expireInTx(ctx, tx, p, now)
	if err != nil {
		return p, false, err
	}
	current, err := tx.GetPresence(ctx, p.ID)
	if err != nil {
		return p, false, err
	}
	if current == nil {
		return p, false, domain.NotFoundf("presence %s not found", p.ID)
	}
	return *current, applied || current.Status.Terminal(), nil
}

func (e *Engine) afterLazyExpiry(ctx context.Context, expired bool, gymID string) {
	if !expired {
		return
	}
	recordPresenceTransition(domain.PresenceExpired)
	e.notifyGym(ctx, gymID)
}

// expireInTx performs the EXPIRED transition with a conditional write so a concurrent
// sweep and lazy read cannot both decrement the gym counter.
func (e *Engine) expireInTx(ctx context.Context, tx domain.Tx, p domain.Presence, now time.Time) (bool, error) {
	if !p.Overdue(now) {
		return false, nil
	}
	next := p
	if err := next.Expire(); err != nil {
		return false, nil
	}
	applied, err := tx.UpdatePresence(ctx, next, domain.PresenceActive)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.AdjustPresenceCount(ctx, p.GymID, -1); err != nil {
		return false, err
	}
	if err := e.clearPointer(ctx, tx, p); err != nil {
		return false, err
	}
	if err := tx.AppendEvent(ctx, presenceEvent(events.TypePresenceExpired, next, now)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) setPointer(ctx context.Context, tx domain.Tx, userID string, ref *domain.ActivePresenceRef) error {
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return domain.NotFoundf("user %s not found", userID)
	}
	user.ActivePresence = ref
	return tx.SaveUser(ctx, *user)
}

// clearPointer drops the user's active pointer only while it still refers to p.
func (e *Engine) clearPointer(ctx context.Context, tx domain.Tx, p domain.Presence) error {
	user, err := tx.LockUser(ctx, p.UserID)
	if err != nil || user == nil {
		return err
	}
	if user.ActivePresence == nil || user.ActivePresence.GymID != p.GymID {
		return nil
	}
	user.ActivePresence = nil
	return tx.SaveUser(ctx, *user)
}

func (e *Engine) activeConflict(ctx context.Context, userID string) error {
	var gymID string
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		p, err := tx.FindActivePresence(ctx, userID)
		if err != nil || p == nil {
			return err
		}
		gymID = p.GymID
		return nil
	})
	if err != nil {
		return domain.StoreError("find active presence", err)
	}
	return e.conflictAt(ctx, gymID)
}

// conflictAt names the gym the user must check out of first.
func (e *Engine) conflictAt(ctx context.Context, gymID string) error {
	name := gymID
	_ = e.store.RunInTx(ctx, func(tx domain.Tx) error {
		gym, err := tx.GetGym(ctx, gymID)
		if err == nil && gym != nil && gym.Name != "" {
			name = gym.Name
		}
		return nil
	})
	return &domain.Error{
		Kind:   domain.ErrConflict,
		Detail: "already checked in at " + name + "; check out first",
		Ref:    gymID,
	}
}

func presenceEvent(eventType string, p domain.Presence, at time.Time) events.Record {
	payload := events.PresenceChanged{
		PresenceID:      p.ID,
		UserID:          p.UserID,
		GymID:           p.GymID,
		Status:          string(p.Status),
		DistanceFromGym: p.DistanceFromGym,
		OccurredAt:      at,
	}
	if p.ScheduleID != nil {
		payload.ScheduleID = *p.ScheduleID
	}
	return events.NewRecord(eventType, events.AggregatePresence, p.ID, p.UserID, payload, at)
}

func formatOutOfRange(distance, radius float64, gymName string) string {
	return fmt.Sprintf("you are %.0fm from %s; check-in requires being within %.0fm", distance, gymName, radius)
}
