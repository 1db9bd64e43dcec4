package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"campaign-loop/internal/campaign"
)

// Submit only creates the entry when the campaign has no outstanding one.
const submitLuaScript = `
local existing = redis.call("GET", KEYS[2])
if existing then
    return {existing, 0}
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "status", ARGV[2])
redis.call("SET", KEYS[2], ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
return {ARGV[4], 1}
`

// Resolve flips a pending entry exactly once.
const resolveLuaScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
    return -1
end
if status ~= "pending" then
    return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "status", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
return 1
`

// RedisInbox stores each entry as a hash and indexes pending keys in a sorted set
// scored by submission time.
type RedisInbox struct {
	client redis.UniversalClient
	prefix string

	submitScript  *redis.Script
	resolveScript *redis.Script
}

var _ Inbox = (*RedisInbox)(nil)

// NewRedisInbox wires a Redis client into an Inbox.
func NewRedisInbox(client redis.UniversalClient, prefix string) *RedisInbox {
	if prefix == "" {
		prefix = "campaignloop:auth"
	}
	return &RedisInbox{
		client:        client,
		prefix:        prefix,
		submitScript:  redis.NewScript(submitLuaScript),
		resolveScript: redis.NewScript(resolveLuaScript),
	}
}

func (r *RedisInbox) entryKey(key string) string         { return r.prefix + ":entry:" + key }
func (r *RedisInbox) campaignKey(campaignID string) string { return r.prefix + ":campaign:" + campaignID }
func (r *RedisInbox) pendingKey() string                  { return r.prefix + ":pending" }

func (r *RedisInbox) Submit(ctx context.Context, e Entry) (Entry, bool, error) {
	e.Status = EntryPending
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("marshal inbox entry: %w", err)
	}

	res, err := r.submitScript.Run(ctx, r.client,
		[]string{r.entryKey(e.Key), r.campaignKey(e.Decision.CampaignID), r.pendingKey()},
		string(data), string(EntryPending), e.SubmittedAt.UnixMilli(), e.Key,
	).Slice()
	if err != nil {
		return Entry{}, false, fmt.Errorf("submit inbox entry: %w", err)
	}
	if len(res) != 2 {
		return Entry{}, false, fmt.Errorf("submit inbox entry: unexpected reply %v", res)
	}

	key, _ := res[0].(string)
	created, _ := res[1].(int64)
	if created == 1 {
		return e, true, nil
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if key != e.Key {
		return existing, false, campaign.ErrConflict
	}
	return existing, false, nil
}

func (r *RedisInbox) Get(ctx context.Context, key string) (Entry, error) {
	raw, err := r.client.HGet(ctx, r.entryKey(key), "data").Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, campaign.ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get inbox entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("decode inbox entry: %w", err)
	}
	return e, nil
}

func (r *RedisInbox) ListPending(ctx context.Context) ([]Entry, error) {
	keys, err := r.client.ZRange(ctx, r.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending keys: %w", err)
	}

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		e, err := r.Get(ctx, key)
		if errors.Is(err, campaign.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisInbox) ForCampaign(ctx context.Context, campaignID string) (Entry, bool, error) {
	key, err := r.client.Get(ctx, r.campaignKey(campaignID)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup campaign entry: %w", err)
	}

	e, err := r.Get(ctx, key)
	if errors.Is(err, campaign.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *RedisInbox) Approve(ctx context.Context, key, actor string, at time.Time) (Entry, error) {
	return r.update(ctx, key, EntryApproved, actor, "", at)
}

func (r *RedisInbox) Reject(ctx context.Context, key, actor, note string, at time.Time) (Entry, error) {
	return r.update(ctx, key, EntryRejected, actor, note, at)
}

func (r *RedisInbox) update(ctx context.Context, key string, status EntryStatus, actor, note string, at time.Time) (Entry, error) {
	e, err := r.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	e, err = resolve(e, status, actor, note, at)
	if err != nil {
		return e, err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal inbox entry: %w", err)
	}
	res, err := r.resolveScript.Run(ctx, r.client,
		[]string{r.entryKey(key), r.pendingKey()},
		string(data), string(status), key,
	).Int64()
	if err != nil {
		return Entry{}, fmt.Errorf("resolve inbox entry: %w", err)
	}
	switch res {
	case -1:
		return Entry{}, campaign.ErrNotFound
	case 0:
		current, getErr := r.Get(ctx, key)
		if getErr != nil {
			return Entry{}, getErr
		}
		return current, ErrAlreadyResolved
	}
	return e, nil
}

func (r *RedisInbox) Remove(ctx context.Context, key string) error {
	e, err := r.Get(ctx, key)
	if errors.Is(err, campaign.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(key))
		pipe.ZRem(ctx, r.pendingKey(), key)
		pipe.Del(ctx, r.campaignKey(e.Decision.CampaignID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove inbox entry: %w", err)
	}
	return nil
}
