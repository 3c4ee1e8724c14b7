// Package attendance implements the presence and schedule lifecycles together with the
// reliability and points bookkeeping they drive.
package attendance

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/reliability"
)

// Policy holds the tunable windows and limits of the engine.
type Policy struct {
	// DefaultRadiusMeters applies to gyms without a configured check-in radius.
	DefaultRadiusMeters float64
	// DefaultAutoExpire applies to gyms without a configured presence lifetime.
	DefaultAutoExpire time.Duration
	// GraceWindow is the symmetric window around a scheduled time that counts as attendance.
	GraceWindow time.Duration
	// LateCancelThreshold is tuned independently of GraceWindow.
	LateCancelThreshold time.Duration
	MaxActiveSchedules  int
	ScheduleHorizon     time.Duration
	Reliability         reliability.Policy
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		DefaultRadiusMeters: 150,
		DefaultAutoExpire:   180 * time.Minute,
		GraceWindow:         60 * time.Minute,
		LateCancelThreshold: 60 * time.Minute,
		MaxActiveSchedules:  5,
		ScheduleHorizon:     7 * 24 * time.Hour,
		Reliability:         reliability.DefaultPolicy,
	}
}

// CheckInGuard serialises check-ins for one user across processes.
type CheckInGuard interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}

// GymNotifier receives live presence counts after they change.
type GymNotifier interface {
	NotifyPresenceCount(ctx context.Context, gymID string, count int) error
}

// Option configures optional behaviour for the Engine.
type Option func(*Engine)

// WithPolicy overrides the default windows and limits.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger overrides the logger used for best-effort failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithGuard installs a cross-process check-in lock.
func WithGuard(guard CheckInGuard) Option {
	return func(e *Engine) {
		e.guard = guard
	}
}

// WithNotifier installs a live presence-count publisher.
func WithNotifier(notifier GymNotifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithGeoBypass disables the radius check. Intended for test environments only.
func WithGeoBypass(bypass bool) Option {
	return func(e *Engine) {
		e.geoBypass = bypass
	}
}

// Engine orchestrates presence, schedule, reliability and points workflows over a Store.
type Engine struct {
	store     domain.Store
	policy    Policy
	now       func() time.Time
	logger    zerolog.Logger
	guard     CheckInGuard
	notifier  GymNotifier
	geoBypass bool
}

// NewEngine constructs an Engine.
func NewEngine(store domain.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.With().Str("component", "attendance").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

func authorize(actorID, userID string) error {
	if actorID == "" || actorID != userID {
		return domain.Forbidden()
	}
	return nil
}

// notifyGym publishes the stored presence count. Failures are logged, never returned.
func (e *Engine) notifyGym(ctx context.Context, gymID string) {
	if e.notifier == nil {
		return
	}
	var count int
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		gym, err := tx.GetGym(ctx, gymID)
		if err != nil || gym == nil {
			return err
		}
		count = gym.CurrentPresenceCount
		return nil
	})
	if err == nil {
		err = e.notifier.NotifyPresenceCount(ctx, gymID, count)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("gym_id", gymID).Msg("live presence publish failed")
	}
}
