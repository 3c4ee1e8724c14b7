package live

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/attendance/internal/domain"
)

// releaseScript deletes the lock only while it still holds the caller's token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// CheckInLock serialises check-ins per user across API replicas with SET NX.
type CheckInLock struct {
	client Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCheckInLock constructs a CheckInLock. The TTL bounds how long a crashed holder blocks the user.
func NewCheckInLock(client Client, ttl time.Duration, logger zerolog.Logger) *CheckInLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &CheckInLock{client: client, ttl: ttl, logger: logger}
}

func lockKey(userID string) string {
	return "attendance:checkin-lock:" + userID
}

// Acquire takes the user's check-in lock or fails with ErrConflict when another request holds it.
func (l *CheckInLock) Acquire(ctx context.Context, userID string) (func(), error) {
	key := lockKey(userID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire check-in lock: %w", domain.ErrStore, err)
	}
	if !ok {
		return nil, domain.Conflictf("another check-in for this user is in progress")
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.client.Eval(releaseCtx, releaseScript, []string{key}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("user_id", userID).Msg("check-in lock release failed")
		}
	}
	return release, nil
}
