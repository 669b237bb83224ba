package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis sorted set for ready ids, a second
// sorted set for delayed ids and a hash for in-flight ids.
type RedisQueue struct {
	client   *redis.Client
	ready    string
	delayed  string
	inflight string
	prio     string
	seq      string
}

// NewRedisQueue creates a RedisQueue whose keys share prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{
		client:   client,
		ready:    prefix + ":ready",
		delayed:  prefix + ":delayed",
		inflight: prefix + ":inflight",
		prio:     prefix + ":priority",
		seq:      prefix + ":seq",
	}
}

// KEYS: ready, delayed, priority, seq. ARGV: id, priority, scale.
var enqueueScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
local seq = redis.call('INCR', KEYS[4])
local score = tonumber(ARGV[2]) * tonumber(ARGV[3]) + seq
local existing = redis.call('ZSCORE', KEYS[1], ARGV[1])
if existing and tonumber(existing) <= score then
  return 0
end
redis.call('ZADD', KEYS[1], string.format('%.0f', score), ARGV[1])
return 1
`)

// KEYS: ready, inflight. ARGV: now ms, scale.
var claimScript = redis.NewScript(`
local r = redis.call('ZPOPMIN', KEYS[1])
if #r == 0 then
  return false
end
local p = math.floor(tonumber(r[2]) / tonumber(ARGV[2]))
redis.call('HSET', KEYS[2], r[1], ARGV[1] .. ':' .. p)
return r[1]
`)

// KEYS: inflight. ARGV: id, now ms.
var touchScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return 0
end
local p = string.match(v, ':(%d+)$') or '0'
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. ':' .. p)
return 1
`)

// KEYS: delayed, ready, priority, seq. ARGV: now ms, limit, scale.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  local p = tonumber(redis.call('HGET', KEYS[3], id) or '0')
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], 'NX', string.format('%.0f', p * tonumber(ARGV[3]) + seq), id)
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[3], id)
end
return #due
`)

// KEYS: inflight, ready, seq. ARGV: cutoff ms, scale.
var requeueScript = redis.NewScript(`
local entries = redis.call('HGETALL', KEYS[1])
local n = 0
for i = 1, #entries, 2 do
  local ts, p = string.match(entries[i+1], '^(%d+):(%d+)$')
  if ts == nil or tonumber(ts) < tonumber(ARGV[1]) then
    redis.call('HDEL', KEYS[1], entries[i])
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], 'NX', string.format('%.0f', tonumber(p or '0') * tonumber(ARGV[2]) + seq), entries[i])
    n = n + 1
  end
end
return n
`)

const promoteBatch = 500

func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID, priority int) error {
	err := enqueueScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.prio, q.seq},
		id.String(), priority, int64(priorityScale)).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Schedule(ctx context.Context, id uuid.UUID, priority int, at time.Time) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.prio, id.String(), priority)
		pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(at.UnixMilli()), Member: id.String()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.ready, id.String())
		pipe.ZRem(ctx, q.delayed, id.String())
		pipe.HDel(ctx, q.prio, id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (uuid.UUID, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.ready, q.inflight},
		time.Now().UnixMilli(), int64(priorityScale)).Text()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrEmpty
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim: %w", err)
	}
	id, err := uuid.Parse(res)
	if err != nil {
		q.client.HDel(ctx, q.inflight, res)
		return uuid.Nil, fmt.Errorf("claim: malformed id %q: %w", res, err)
	}
	return id, nil
}

func (q *RedisQueue) Touch(ctx context.Context, id uuid.UUID) error {
	return touchScript.Run(ctx, q.client, []string{q.inflight}, id.String(), time.Now().UnixMilli()).Err()
}

func (q *RedisQueue) Ack(ctx context.Context, id uuid.UUID) error {
	return q.client.HDel(ctx, q.inflight, id.String()).Err()
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayed, q.ready, q.prio, q.seq},
		now.UnixMilli(), promoteBatch, int64(priorityScale)).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) RequeueStale(ctx context.Context, before time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.inflight, q.ready, q.seq},
		before.UnixMilli(), int64(priorityScale)).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	var ready, delayed, inflight *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.ZCard(ctx, q.ready)
		delayed = pipe.ZCard(ctx, q.delayed)
		inflight = pipe.HLen(ctx, q.inflight)
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depth{Ready: ready.Val(), Delayed: delayed.Val(), InFlight: inflight.Val()}, nil
}

// String identifies the backend in health output.
func (q *RedisQueue) String() string { return "redis:" + strconv.Quote(q.ready) }

var _ Queue = (*RedisQueue)(nil)
