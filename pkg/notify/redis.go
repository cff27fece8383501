package notify

import (
	"context"
	"encoding/json"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/apperr"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "compliance.evaluations"

// RedisNotifier publishes notifications on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects lazily to addr.
func NewRedisNotifier(addr, password string, db int, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{
		client:  redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		channel: channel,
	}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return apperr.E(apperr.KindNotification, "notify.Redis", "encode notification", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return apperr.E(apperr.KindNotification, "notify.Redis", "publish to "+r.channel, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisNotifier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisNotifier) Close() error { return r.client.Close() }
