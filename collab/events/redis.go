package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events with PUBLISH on one channel per session.
type RedisPublisher struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig contains configuration options for the Redis publisher.
type RedisConfig struct {
	// Client is the Redis client to use. If nil, one is created for Addr.
	Client redis.UniversalClient
	// Addr is used when Client is nil. Defaults to "localhost:6379".
	Addr string
	// KeyPrefix is prepended to every channel name. Defaults to "collab:events:".
	KeyPrefix string
}

// NewRedisPublisher creates a publisher and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "collab:events:"
	}

	return &RedisPublisher{client: client, keyPrefix: prefix}, nil
}

// Publish sends ev to the session's channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(ev.SessionID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.Channel(ev.SessionID), err)
	}
	return nil
}

// Channel returns the channel name used for sessionID.
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.keyPrefix + sessionID
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
