package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/events"
	"example.com/attendance/internal/ranking"
)

// Ledger is the slice of the attendance engine driven by inbound events.
type Ledger interface {
	Award(ctx context.Context, userID string, action ranking.Action) (attendance.AwardResult, error)
	HandleFollowToggle(ctx context.Context, userID, gymID string, following bool) (attendance.AwardResult, error)
}

// Deduper remembers which inbound events were already applied.
type Deduper interface {
	ClaimEvent(ctx context.Context, key, eventType string) (bool, error)
	ReleaseEvent(ctx context.Context, key string) error
}

// LedgerHandler turns review, profile and follow events into point awards.
type LedgerHandler struct {
	ledger Ledger
	dedupe Deduper
	logger zerolog.Logger
}

// NewLedgerHandler constructs a handler. dedupe may be nil, in which case redelivered events are applied again.
func NewLedgerHandler(ledger Ledger, dedupe Deduper, logger zerolog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, dedupe: dedupe, logger: logger}
}

// Handle applies one inbound event. Events that can never apply are acknowledged and dropped;
// store failures are returned so the record is redelivered.
func (h *LedgerHandler) Handle(ctx context.Context, msg Message) error {
	if !handles(msg.EventType) {
		recordIgnored(msg)
		return nil
	}

	key := msg.Key()
	if h.dedupe != nil {
		fresh, err := h.dedupe.ClaimEvent(ctx, key, msg.EventType)
		if err != nil {
			return fmt.Errorf("claim %s: %w", key, err)
		}
		if !fresh {
			recordDuplicate(msg)
			h.logger.Debug().Str("key", key).Msg("duplicate event skipped")
			return nil
		}
	}

	result, err := h.apply(ctx, msg)
	switch {
	case err == nil:
		h.logger.Info().
			Str("event_type", msg.EventType).
			Str("action", string(result.Action)).
			Int("delta", result.Delta).
			Int("total", result.Total).
			Bool("skipped", result.Skipped).
			Msg("ledger event applied")
		return nil
	case errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound):
		h.logger.Warn().Err(err).Str("event_type", msg.EventType).Str("key", key).Msg("ledger event dropped")
		return nil
	default:
		if h.dedupe != nil {
			if releaseErr := h.dedupe.ReleaseEvent(ctx, key); releaseErr != nil {
				err = errors.Join(err, releaseErr)
			}
		}
		return err
	}
}

func (h *LedgerHandler) apply(ctx context.Context, msg Message) (attendance.AwardResult, error) {
	switch msg.EventType {
	case events.TypeReviewCreated:
		var ev events.ReviewCreated
		if err := decode(msg, &ev); err != nil {
			return attendance.AwardResult{}, err
		}
		return h.ledger.Award(ctx, ev.UserID, ranking.ActionReview)
	case events.TypeProfileCompleted:
		var ev events.ProfileCompleted
		if err := decode(msg, &ev); err != nil {
			return attendance.AwardResult{}, err
		}
		return h.ledger.Award(ctx, ev.UserID, ranking.ActionCompleteProfile)
	case events.TypeGymFollowChanged:
		var ev events.GymFollowChanged
		if err := decode(msg, &ev); err != nil {
			return attendance.AwardResult{}, err
		}
		if ev.GymID == "" {
			return attendance.AwardResult{}, domain.Validationf("gym_id is required")
		}
		return h.ledger.HandleFollowToggle(ctx, ev.UserID, ev.GymID, ev.Following)
	}
	return attendance.AwardResult{}, domain.Validationf("unsupported event type %q", msg.EventType)
}

func handles(eventType string) bool {
	switch eventType {
	case events.TypeReviewCreated, events.TypeProfileCompleted, events.TypeGymFollowChanged:
		return true
	}
	return false
}

func decode(msg Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return domain.Validationf("decode %s: %v", msg.EventType, err)
	}
	return nil
}
