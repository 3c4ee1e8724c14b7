package attendance

import (
	"context"
	"errors"

	"example.com/attendance/internal/domain"
)

// GymCounters is the recomputed aggregate state of a gym.
type GymCounters struct {
	GymID                string         `json:"gymId"`
	CurrentPresenceCount int            `json:"currentPresenceCount"`
	ScheduleCounts       map[string]int `json:"scheduleCounts"`
	// Drift reports whether the stored counters differed from the recomputed ones.
	Drift bool `json:"drift"`
}

// ReconcileGym recomputes a gym's presence and per-slot counts from the presence and
// schedule documents and overwrites the stored aggregates.
func (e *Engine) ReconcileGym(ctx context.Context, gymID string) (*GymCounters, error) {
	var out GymCounters
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
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
		count := len(active)
		slots, err := tx.CountScheduledBySlot(ctx, gymID)
		if err != nil {
			return err
		}
		if slots == nil {
			slots = map[string]int{}
		}

		out = GymCounters{
			GymID:                gymID,
			CurrentPresenceCount: count,
			ScheduleCounts:       slots,
			Drift:                gym.CurrentPresenceCount != count || !sameCounts(gym.ScheduleCounts, slots),
		}
		if !out.Drift {
			return nil
		}
		return tx.SetGymCounters(ctx, gymID, count, slots)
	})
	if err != nil {
		return nil, domain.StoreError("reconcile gym", err)
	}
	if out.Drift {
		recordReconcileDrift()
		e.logger.Warn().
			Str("gym_id", gymID).
			Int("presence_count", out.CurrentPresenceCount).
			Msg("gym counters corrected")
		e.notifyGym(ctx, gymID)
	}
	return &out, nil
}

// ReconcileAll reconciles every gym and returns how many had drifted.
func (e *Engine) ReconcileAll(ctx context.Context) (int, error) {
	var ids []string
	if err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		var err error
		ids, err = tx.ListGymIDs(ctx)
		return err
	}); err != nil {
		return 0, domain.StoreError("list gyms", err)
	}

	var errs error
	drifted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifted, errors.Join(errs, err)
		}
		counters, err := e.ReconcileGym(ctx, id)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if counters.Drift {
			drifted++
		}
	}
	return drifted, errs
}

// sameCounts compares slot maps ignoring zero entries.
func sameCounts(stored, computed map[string]int) bool {
	for k, v := range stored {
		if v != 0 && computed[k] != v {
			return false
		}
	}
	for k, v := range computed {
		if v != 0 && stored[k] != v {
			return false
		}
	}
	return true
}
