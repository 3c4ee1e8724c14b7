package attendance

import (
	"context"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/reliability"
)

// applyReliability folds ev into the user's reliability record under the user-row lock of tx.
func (e *Engine) applyReliability(ctx context.Context, tx domain.Tx, userID string, ev reliability.Event) (reliability.Record, error) {
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return reliability.Record{}, err
	}
	if user == nil {
		return reliability.Record{}, domain.NotFoundf("user %s not found", userID)
	}
	user.Reliability = e.policy.Reliability.Apply(user.Reliability, ev)
	if err := tx.SaveUser(ctx, *user); err != nil {
		return reliability.Record{}, err
	}
	recordReliabilityEvent(ev)
	return user.Reliability, nil
}
