package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink publishes events to one Redis pub/sub channel per bot.
type RedisSink struct {
	logger *zap.Logger
	client redis.UniversalClient
}

// NewRedisClient builds a Redis client with pooling and timeouts
// suitable for a long-running publisher.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})
}

// NewRedisSink wraps an existing client as an event sink.
func NewRedisSink(logger *zap.Logger, client redis.UniversalClient) *RedisSink {
	return &RedisSink{logger: logger, client: client}
}

// Publish serializes the envelope and publishes it on the bot's
// channel.
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, Channel(event.Bot), payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
