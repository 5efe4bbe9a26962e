package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrManyScript = redis.NewScript(`
local ttl = tonumber(ARGV[2])
local out = {}
for i, key in ipairs(KEYS) do
  out[i] = redis.call("INCRBY", key, ARGV[1])
  if ttl > 0 and redis.call("PTTL", key) < 0 then
    redis.call("PEXPIRE", key, ttl)
  end
end
out[#KEYS + 1] = redis.call("PTTL", KEYS[1])
return out
`)

var debitWithinScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local delta = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
if max > 0 and current + delta > max then
  return {current, 0}
end
local value = redis.call("INCRBY", KEYS[1], delta)
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {value, 1}
`)

var takeTokensScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + (elapsed / 1000.0) * rate)
local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`)

// Redis implements Store on go-redis. Works against a single node, a
// failover group or a cluster (keys of one script call must share a slot).
type Redis struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Client() redis.UniversalClient { return r.client }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return res, wrap("get", err)
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return wrap("set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap("setnx", err)
}

func (r *Redis) GetDel(ctx context.Context, key string) (string, error) {
	res, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return res, wrap("getdel", err)
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return wrap("del", r.client.Del(ctx, key).Err())
}

func (r *Redis) IncrMany(ctx context.Context, keys []string, delta int64, ttl time.Duration) ([]int64, time.Duration, error) {
	if len(keys) == 0 {
		return nil, 0, nil
	}
	for _, k := range keys[1:] {
		if HashTag(k) != HashTag(keys[0]) {
			return nil, 0, fmt.Errorf("incr: keys %q and %q map to different cluster slots", keys[0], k)
		}
	}
	res, err := incrManyScript.Run(ctx, r.client, keys, delta, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, 0, wrap("incr", err)
	}
	if len(res) != len(keys)+1 {
		return nil, 0, fmt.Errorf("%w: incr: unexpected reply length %d", ErrUnavailable, len(res))
	}
	remaining := time.Duration(res[len(keys)]) * time.Millisecond
	if remaining < 0 {
		remaining = ttl
	}
	return res[:len(keys)], remaining, nil
}

func (r *Redis) DebitWithin(ctx context.Context, key string, delta, max int64, ttl time.Duration) (int64, bool, error) {
	res, err := debitWithinScript.Run(ctx, r.client, []string{key}, delta, max, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, wrap("debit", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: debit: unexpected reply length %d", ErrUnavailable, len(res))
	}
	return res[0], res[1] == 1, nil
}

func (r *Redis) TakeTokens(ctx context.Context, key string, b Bucket, now time.Time) (BucketResult, error) {
	res, err := takeTokensScript.Run(ctx, r.client, []string{key},
		strconv.FormatFloat(b.Capacity, 'f', -1, 64),
		strconv.FormatFloat(b.RefillPerSec, 'f', -1, 64),
		strconv.FormatFloat(b.Cost, 'f', -1, 64),
		now.UnixMilli(),
		b.TTL.Milliseconds(),
	).Slice()
	if err != nil {
		return BucketResult{}, wrap("bucket", err)
	}
	if len(res) != 2 {
		return BucketResult{}, fmt.Errorf("%w: bucket: unexpected reply length %d", ErrUnavailable, len(res))
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return BucketResult{}, fmt.Errorf("%w: bucket: %v", ErrUnavailable, err)
	}
	return BucketResult{Allowed: allowed == 1, Remaining: remaining}, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap("sadd", r.client.SAdd(ctx, key, toAny(members)...).Err())
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap("srem", r.client.SRem(ctx, key, toAny(members)...).Err())
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	return ok, wrap("sismember", err)
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := r.client.SMembers(ctx, key).Result()
	return res, wrap("smembers", err)
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	return n, wrap("scard", err)
}

func (r *Redis) Ping(ctx context.Context) error {
	return wrap("ping", r.client.Ping(ctx).Err())
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// HashTag returns the part of key Redis Cluster hashes: the text inside the
// first {...} pair when it is non-empty, otherwise the whole key.
func HashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	n := strings.IndexByte(key[start+1:], '}')
	if n <= 0 {
		return key
	}
	return key[start+1 : start+1+n]
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
