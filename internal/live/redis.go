package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client is the subset of the go-redis client used by this package.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

const channelPrefix = "attendance:gym:"

func gymChannel(gymID string) string {
	return channelPrefix + gymID + ":presence"
}

// Broadcaster publishes presence counts over Redis pub/sub so every API replica can serve
// live subscribers, and relays received updates into a local Hub.
type Broadcaster struct {
	client Client
	hub    *Hub
	logger zerolog.Logger
	now    func() time.Time
}

// NewBroadcaster constructs a Broadcaster relaying into hub.
func NewBroadcaster(client Client, hub *Hub, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		client: client,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NotifyPresenceCount publishes the gym's current count.
func (b *Broadcaster) NotifyPresenceCount(ctx context.Context, gymID string, count int) error {
	raw, err := json.Marshal(Update{GymID: gymID, Count: count, At: b.now()})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, gymChannel(gymID), raw).Err(); err != nil {
		return fmt.Errorf("publish presence count: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber for a gym.
func (b *Broadcaster) Subscribe(ctx context.Context, gymID string) (<-chan Update, error) {
	return b.hub.Subscribe(ctx, gymID)
}

// Run relays Redis messages into the hub until ctx is cancelled. It should be called in a goroutine.
func (b *Broadcaster) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			b.relay(msg.Channel, msg.Payload)
		}
	}
}

func (b *Broadcaster) relay(channel, payload string) {
	var u Update
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("bad live payload")
		return
	}
	if u.GymID == "" {
		u.GymID = strings.TrimSuffix(strings.TrimPrefix(channel, channelPrefix), ":presence")
	}
	b.hub.Deliver(u)
}
