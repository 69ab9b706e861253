package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events on redis pub/sub. The channel is prefixed so
// several deployments can share one redis.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink connects and pings; an unreachable redis is a startup error.
func NewRedisSink(ctx context.Context, addr, password, prefix string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisSink{client: client, prefix: prefix}, nil
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Send(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, r.prefix+":"+channel, payload).Err()
}

func (r *RedisSink) Close() error { return r.client.Close() }
