package rules

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automations/internal/logger"
)

const redisKeyPrefix = "automations:rules:"

// RedisRulesCache stores each board's rules as one JSON value. Redis errors
// are logged and treated as a miss so the engine falls back to the store.
type RedisRulesCache struct {
	client *redis.Client
	config CacheConfig
}

func NewRedisRulesCache(client *redis.Client, config CacheConfig) *RedisRulesCache {
	return &RedisRulesCache{client: client, config: config}
}

func redisKey(boardID string) string {
	return redisKeyPrefix + boardID
}

func (c *RedisRulesCache) Get(ctx context.Context, boardID string) ([]*Rule, bool) {
	data, err := c.client.Get(ctx, redisKey(boardID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.WarnContext(ctx, "rules cache read failed", "board_id", boardID, "error", err)
		return nil, false
	}

	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		logger.WarnContext(ctx, "rules cache entry undecodable", "board_id", boardID, "error", err)
		return nil, false
	}
	if rules == nil {
		rules = []*Rule{}
	}
	return rules, true
}

func (c *RedisRulesCache) Set(ctx context.Context, boardID string, rules []*Rule) {
	if rules == nil {
		rules = []*Rule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		logger.WarnContext(ctx, "rules cache encode failed", "board_id", boardID, "error", err)
		return
	}
	if err := c.client.Set(ctx, redisKey(boardID), data, c.config.TTL).Err(); err != nil {
		logger.WarnContext(ctx, "rules cache write failed", "board_id", boardID, "error", err)
	}
}

func (c *RedisRulesCache) Invalidate(ctx context.Context, boardID string) {
	if err := c.client.Del(ctx, redisKey(boardID)).Err(); err != nil {
		logger.WarnContext(ctx, "rules cache invalidate failed", "board_id", boardID, "error", err)
	}
}

func (c *RedisRulesCache) InvalidateAll(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logger.WarnContext(ctx, "rules cache scan failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.WarnContext(ctx, "rules cache invalidate failed", "error", err)
	}
}
