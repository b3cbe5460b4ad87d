package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "newsletter:jobs"
	defaultLease          = 5 * time.Minute
)

// enqueueScript stores a job and schedules it. A job already waiting keeps a
// single entry at the earlier time; a job currently leased is left alone.
// KEYS: ready, data, inflight. ARGV: id, payload, available_ms.
var enqueueScript = goredis.NewScript(`
if redis.call("ZSCORE", KEYS[3], ARGV[1]) then
  return 0
end
local current = redis.call("ZSCORE", KEYS[1], ARGV[1])
if current then
  if tonumber(ARGV[3]) < tonumber(current) then
    redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
  end
  return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// dequeueScript returns expired leases to the ready set, then leases the
// first ready job. KEYS: ready, data, inflight, attempts. ARGV: now_ms,
// lease_deadline_ms. It returns {id, payload, attempt} or nil.
var dequeueScript = goredis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[3], id)
  redis.call("ZADD", KEYS[1], ARGV[1], id)
end

while true do
  local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call("ZREM", KEYS[1], id)
  local payload = redis.call("HGET", KEYS[2], id)
  if payload then
    redis.call("ZADD", KEYS[3], ARGV[2], id)
    local attempt = redis.call("HINCRBY", KEYS[4], id, 1)
    return {id, payload, attempt}
  end
end
`)

// ackScript drops a leased job. KEYS: ready, data, inflight, attempts. ARGV: id.
var ackScript = goredis.NewScript(`
redis.call("ZREM", KEYS[3], ARGV[1])
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  redis.call("HDEL", KEYS[2], ARGV[1])
  redis.call("HDEL", KEYS[4], ARGV[1])
end
return 1
`)

// nackScript moves a leased job back to the ready set. KEYS: ready, inflight.
// ARGV: id, available_ms.
var nackScript = goredis.NewScript(`
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var _ JobQueue = (*RedisJobQueue)(nil)

// RedisJobQueue keeps jobs in a ready sorted set scored by availability time
// and leases dequeued jobs through an in-flight sorted set scored by lease
// deadline. Leases that expire are handed out again.
type RedisJobQueue struct {
	client *goredis.Client
	lease  time.Duration
	now    func() time.Time

	readyKey    string
	dataKey     string
	inflightKey string
	attemptsKey string
}

type RedisQueueOption func(*RedisJobQueue)

func WithLease(lease time.Duration) RedisQueueOption {
	return func(q *RedisJobQueue) {
		if lease > 0 {
			q.lease = lease
		}
	}
}

func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(q *RedisJobQueue) {
		if strings.TrimSpace(prefix) != "" {
			q.setKeys(prefix)
		}
	}
}

func withClock(now func() time.Time) RedisQueueOption {
	return func(q *RedisJobQueue) {
		q.now = now
	}
}

func NewRedisJobQueue(client *goredis.Client, opts ...RedisQueueOption) (*RedisJobQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	q := &RedisJobQueue{
		client: client,
		lease:  defaultLease,
		now:    time.Now,
	}
	q.setKeys(defaultRedisKeyPrefix)
	for _, opt := range opts {
		opt(q)
	}

	return q, nil
}

func (q *RedisJobQueue) setKeys(prefix string) {
	q.readyKey = prefix + ":ready"
	q.dataKey = prefix + ":data"
	q.inflightKey = prefix + ":inflight"
	q.attemptsKey = prefix + ":attempts"
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = q.now()
	}
	job.Attempt = 0

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	keys := []string{q.readyKey, q.dataKey, q.inflightKey}
	if err := enqueueScript.Run(ctx, q.client, keys, job.ID, payload, availableAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisJobQueue) DequeueNext(ctx context.Context) (*Job, error) {
	now := q.now()
	keys := []string{q.readyKey, q.dataKey, q.inflightKey, q.attemptsKey}

	res, err := dequeueScript.Run(ctx, q.client, keys, now.UnixMilli(), now.Add(q.lease).UnixMilli()).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected dequeue reply: %v", res)
	}

	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	attempt, _ := res[2].(int64)

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// Drop the poisoned entry so it is not leased forever.
		_ = q.Ack(ctx, id)
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	job.Attempt = int(attempt)

	return &job, nil
}

func (q *RedisJobQueue) Ack(ctx context.Context, jobID string) error {
	keys := []string{q.readyKey, q.dataKey, q.inflightKey, q.attemptsKey}
	if err := ackScript.Run(ctx, q.client, keys, jobID).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisJobQueue) Nack(ctx context.Context, jobID string, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	availableAt := q.now().Add(retryAfter).UnixMilli()

	keys := []string{q.readyKey, q.inflightKey}
	if err := nackScript.Run(ctx, q.client, keys, jobID, availableAt).Err(); err != nil {
		return fmt.Errorf("failed to nack job %s: %w", jobID, err)
	}
	return nil
}

// Depth reports the number of waiting and leased jobs.
func (q *RedisJobQueue) Depth(ctx context.Context) (ready, inflight int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.ZCard(ctx, q.readyKey)
	inflightCmd := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return readyCmd.Val(), inflightCmd.Val(), nil
}

func (q *RedisJobQueue) Close() error {
	return nil
}
