package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/handoff-protocol/handoff/internal/metrics"
	"github.com/handoff-protocol/handoff/protocol"
)

const (
	cacheTTL     = 24 * time.Hour
	cacheWindow  = 200 // most recent messages kept per session
	rateLimitTTL = time.Minute
)

// RedisCache keeps the hot tail of each session's history so history.request
// for recent pages never touches the SQL store, and backs the rate limiter.
// Every method is best-effort: a miss or an error falls through to the
// MessageStore.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisCache) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for the rate limiter middleware.
func (s *RedisCache) Client() *redis.Client {
	return s.client
}

// sessionMessagesKey returns the key for a session's message sorted set.
func sessionMessagesKey(chatID string) string {
	return fmt.Sprintf("session:%s:messages", chatID)
}

// rateLimitKey returns the key for a client's rate limit counter.
func rateLimitKey(scope, id string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, id)
}

// CacheMessage upserts one message in its session's hot window. The score is
// the message id, so ZRange order equals history order and a re-cache after
// a read update replaces the stale entry.
func (s *RedisCache) CacheMessage(ctx context.Context, msg protocol.Message) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := sessionMessagesKey(msg.ChatID)
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, fmt.Sprintf("%d", msg.ID), fmt.Sprintf("%d", msg.ID))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.ID), Member: string(data)})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-cacheWindow-1))
	pipe.Expire(ctx, key, cacheTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentMessages serves a history page from the hot window, oldest first.
// ok is false when the cache cannot answer the page completely and the
// caller must go to the store: any page that reaches past the window's
// oldest entry is a miss, since earlier messages may only exist in SQL.
func (s *RedisCache) RecentMessages(ctx context.Context, chatID string, beforeID int64, limit int) ([]protocol.Message, bool, error) {
	defer observeRedis(time.Now())

	key := sessionMessagesKey(chatID)

	maxScore := "+inf"
	if beforeID > 0 {
		maxScore = fmt.Sprintf("(%d", beforeID) // exclusive
	}

	results, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit + 1), // one extra to prove the page is complete
	}).Result()
	if err != nil {
		return nil, false, err
	}
	if len(results) <= limit {
		// The window may have been truncated below this page.
		return nil, false, nil
	}

	messages := make([]protocol.Message, 0, limit)
	for _, data := range results[:limit] {
		var msg protocol.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	reverseMessages(messages)
	return messages, true, nil
}

// Allow implements a fixed-window rate limit: true while the counter for
// (scope, id) stays under limit within the window.
func (s *RedisCache) Allow(ctx context.Context, scope, id string, limit int) (bool, error) {
	defer observeRedis(time.Now())

	key := rateLimitKey(scope, id)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rateLimitTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}

func observeRedis(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}
