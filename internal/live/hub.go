// Package live fans gym presence counts out to subscribers and guards concurrent check-ins
// with Redis.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Update is a gym presence count broadcast to live subscribers.
type Update struct {
	GymID string    `json:"gymId"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// subscriberBuffer bounds how far a slow subscriber may lag before updates are dropped.
const subscriberBuffer = 16

// Hub is the in-process fan-out of updates to subscribers keyed by gym.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Update]struct{}
	logger      zerolog.Logger
}

// NewHub constructs an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Update]struct{}),
		logger:      logger,
	}
}

// Subscribe registers for a gym's updates. The channel closes once ctx is done.
func (h *Hub) Subscribe(ctx context.Context, gymID string) (<-chan Update, error) {
	ch := make(chan Update, subscriberBuffer)

	h.mu.Lock()
	if h.subscribers[gymID] == nil {
		h.subscribers[gymID] = make(map[chan Update]struct{})
	}
	h.subscribers[gymID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(gymID, ch)
	}()
	return ch, nil
}

// Deliver forwards u to every subscriber of its gym without blocking.
func (h *Hub) Deliver(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[u.GymID] {
		select {
		case ch <- u:
		default:
			h.logger.Warn().Str("gym_id", u.GymID).Msg("live subscriber lagging, update dropped")
		}
	}
}

// NotifyPresenceCount delivers the count locally; used when no Redis is configured.
func (h *Hub) NotifyPresenceCount(_ context.Context, gymID string, count int) error {
	h.Deliver(Update{GymID: gymID, Count: count, At: time.Now().UTC()})
	return nil
}

// Subscribers reports how many subscribers a gym currently has.
func (h *Hub) Subscribers(gymID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[gymID])
}

func (h *Hub) remove(gymID string, ch chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[gymID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, gymID)
	}
}
