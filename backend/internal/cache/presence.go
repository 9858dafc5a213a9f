// Package cache keeps the cross-instance presence roster in redis. Each
// server instance writes the members connected to it; any instance can read
// the full roster of a topic when a client joins.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabServer/backend/internal/presence"
)

type Roster interface {
	Touch(ctx context.Context, topic string, e presence.Entry, ttl time.Duration) error
	Remove(ctx context.Context, topic, userID string) error
	Alive(ctx context.Context, topic string) ([]presence.Entry, error)
	Topics(ctx context.Context) ([]string, error)
}

type redisRoster struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisRoster(rdb redis.UniversalClient, now func() time.Time) Roster {
	if now == nil {
		now = time.Now
	}
	return &redisRoster{rdb: rdb, now: now}
}

// sweepScript drops members whose expireAt score is at or before ARGV[1]
// together with their entries.
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Touch adds or refreshes a member. Heartbeats call it again with the same
// entry to push the expiry forward.
func (r *redisRoster) Touch(ctx context.Context, topic string, e presence.Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	expireAt := r.now().Add(ttl).UnixMilli()
	tx := r.rdb.TxPipeline()
	tx.ZAdd(ctx, rosterKey(topic), redis.Z{Score: float64(expireAt), Member: e.UserID})
	tx.HSet(ctx, entriesKey(topic), e.UserID, raw)
	tx.SAdd(ctx, topicsKey(), topic)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("roster touch %s: %w", topic, err)
	}
	return nil
}

func (r *redisRoster) Remove(ctx context.Context, topic, userID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, rosterKey(topic), userID)
	tx.HDel(ctx, entriesKey(topic), userID)
	_, err := tx.Exec(ctx)
	return err
}

// Alive sweeps expired members, then returns the live ones sorted by user id.
func (r *redisRoster) Alive(ctx context.Context, topic string) ([]presence.Entry, error) {
	now := r.now().UnixMilli()
	err := sweepScript.Run(ctx, r.rdb, []string{rosterKey(topic), entriesKey(topic)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("roster sweep %s: %w", topic, err)
	}

	ids, err := r.rdb.ZRangeByScore(ctx, rosterKey(topic), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.rdb.HMGet(ctx, entriesKey(topic), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]presence.Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			out = append(out, presence.Entry{UserID: ids[i], Color: presence.ColorFor(ids[i])})
			continue
		}
		var e presence.Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("roster entry %s/%s: %w", topic, ids[i], err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *redisRoster) Topics(ctx context.Context) ([]string, error) {
	topics, err := r.rdb.SMembers(ctx, topicsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(topics)
	return topics, nil
}
