package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "vodpipe:transcoding"

// Job hashes live at <prefix>:job:<id>. Waiting jobs sit in a sorted set
// scored by the unix millisecond they become claimable; active jobs sit in a
// second set scored by lease expiry.
//
// Every transition that depends on the lease token runs as a script so that
// the check and the write are atomic.

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'status', 'active', 'lease_token', ARGV[3], 'lease_expires_at', ARGV[2], 'updated_at', ARGV[1])
return id
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
  local maxAttempts = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
  redis.call('HSET', key, 'lease_token', '', 'lease_expires_at', 0, 'last_error', 'lease expired', 'updated_at', ARGV[1])
  if attempts >= maxAttempts then
    redis.call('HSET', key, 'status', 'failed')
  else
    redis.call('HSET', key, 'status', 'waiting', 'available_at', ARGV[1])
    redis.call('ZADD', KEYS[2], ARGV[1], id)
  end
end
return ids
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'status') ~= 'active' or redis.call('HGET', KEYS[2], 'lease_token') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], 'lease_expires_at', ARGV[3])
return 1
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'status') ~= 'active' or redis.call('HGET', KEYS[2], 'lease_token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'status', 'completed', 'lease_token', '', 'lease_expires_at', 0, 'last_error', '', 'result_url', ARGV[4], 'updated_at', ARGV[3])
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'status') ~= 'active' or redis.call('HGET', KEYS[3], 'lease_token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'lease_token', '', 'lease_expires_at', 0, 'last_error', ARGV[5], 'updated_at', ARGV[3])
local attempts = tonumber(redis.call('HGET', KEYS[3], 'attempts') or '0')
local maxAttempts = tonumber(redis.call('HGET', KEYS[3], 'max_attempts') or '1')
if attempts >= maxAttempts then
  redis.call('HSET', KEYS[3], 'status', 'failed')
  return 2
end
redis.call('HSET', KEYS[3], 'status', 'waiting', 'available_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// RedisQueue stores jobs in Redis. Several worker processes may share one
// queue; the scripts guarantee that a job is leased to at most one of them.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisQueue wraps an existing client. The caller owns the client and
// closes it after the queue.
func NewRedisQueue(client redis.UniversalClient, keyPrefix string, opts Options) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := strings.TrimRight(strings.TrimSpace(keyPrefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisQueue{client: client, prefix: prefix, opts: opts.withDefaults()}, nil
}

func (q *RedisQueue) waitingKey() string      { return q.prefix + ":waiting" }
func (q *RedisQueue) activeKey() string       { return q.prefix + ":active" }
func (q *RedisQueue) jobKeyPrefix() string    { return q.prefix + ":job:" }
func (q *RedisQueue) jobKey(id string) string { return q.jobKeyPrefix() + id }

func (q *RedisQueue) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	req, err := req.normalize()
	if err != nil {
		return Job{}, queueErr("enqueue", "", err)
	}
	now := q.opts.Now().UTC().Truncate(time.Millisecond)
	job := Job{
		ID:          uuid.NewString(),
		VideoID:     req.VideoID,
		SourceKey:   req.SourceKey,
		MaxAttempts: req.MaxAttempts,
		Backoff:     req.Backoff,
		Status:      StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
	ms := now.UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
			"id":               job.ID,
			"video_id":         job.VideoID,
			"source_key":       job.SourceKey,
			"attempts":         0,
			"max_attempts":     job.MaxAttempts,
			"backoff_type":     job.Backoff.Type,
			"backoff_delay_ms": job.Backoff.Delay.Milliseconds(),
			"status":           string(StatusWaiting),
			"created_at":       ms,
			"updated_at":       ms,
			"available_at":     ms,
			"lease_token":      "",
			"lease_expires_at": 0,
			"last_error":       "",
			"result_url":       "",
		})
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: float64(ms), Member: job.ID})
		return nil
	})
	if err != nil {
		return Job{}, queueErr("enqueue", job.ID, err)
	}
	q.notify(ctx, job)
	return job, nil
}

func (q *RedisQueue) Claim(ctx context.Context) (Lease, error) {
	now := q.opts.Now().UTC()
	if err := q.reap(ctx, now); err != nil {
		return Lease{}, err
	}
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.waitingKey(), q.activeKey()},
		now.UnixMilli(), now.Add(q.opts.Lease).UnixMilli(), token, q.jobKeyPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Lease{}, ErrNoJob
	}
	if err != nil {
		return Lease{}, queueErr("claim", "", err)
	}
	job, err := q.Get(ctx, res)
	if err != nil {
		return Lease{}, err
	}
	q.notify(ctx, job)
	return Lease{Job: job, Token: token, ExpiresAt: job.LeaseExpiresAt}, nil
}

func (q *RedisQueue) reap(ctx context.Context, now time.Time) error {
	ids, err := reapScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitingKey()},
		now.UnixMilli(), q.jobKeyPrefix(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return queueErr("reap", "", err)
	}
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		q.opts.Logger.Warn("lease expired", "job_id", id, "attempt", job.Attempts, "status", job.Status)
		q.notify(ctx, job)
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, lease *Lease) error {
	expires := q.opts.Now().UTC().Add(q.opts.Lease).Truncate(time.Millisecond)
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.jobKey(lease.Job.ID)},
		lease.Job.ID, lease.Token, expires.UnixMilli(),
	).Int()
	if err != nil {
		return queueErr("extend", lease.Job.ID, err)
	}
	if ok == 0 {
		return queueErr("extend", lease.Job.ID, ErrLeaseLost)
	}
	lease.ExpiresAt = expires
	lease.Job.LeaseExpiresAt = expires
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, lease Lease, resultURL string) (Job, error) {
	now := q.opts.Now().UTC()
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.jobKey(lease.Job.ID)},
		lease.Job.ID, lease.Token, now.UnixMilli(), resultURL,
	).Int()
	if err != nil {
		return Job{}, queueErr("ack", lease.Job.ID, err)
	}
	if ok == 0 {
		return Job{}, queueErr("ack", lease.Job.ID, ErrLeaseLost)
	}
	job, err := q.Get(ctx, lease.Job.ID)
	if err != nil {
		return Job{}, err
	}
	q.notify(ctx, job)
	return job, nil
}

func (q *RedisQueue) Fail(ctx context.Context, lease Lease, cause error) (Job, error) {
	now := q.opts.Now().UTC()
	// The lease pins the attempt number, so the delay can be computed here.
	next := now.Add(lease.Job.Backoff.After(lease.Job.Attempts))
	res, err := failScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitingKey(), q.jobKey(lease.Job.ID)},
		lease.Job.ID, lease.Token, now.UnixMilli(), next.UnixMilli(), errorMessage(cause),
	).Int()
	if err != nil {
		return Job{}, queueErr("fail", lease.Job.ID, err)
	}
	if res == 0 {
		return Job{}, queueErr("fail", lease.Job.ID, ErrLeaseLost)
	}
	job, err := q.Get(ctx, lease.Job.ID)
	if err != nil {
		return Job{}, err
	}
	q.notify(ctx, job)
	return job, nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Job{}, queueErr("get", id, err)
	}
	if len(fields) == 0 {
		return Job{}, queueErr("get", id, ErrNotFound)
	}
	return decodeJob(fields), nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	var waiting, active *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, q.waitingKey())
		active = pipe.ZCard(ctx, q.activeKey())
		return nil
	})
	if err != nil {
		return Counts{}, queueErr("counts", "", err)
	}
	return Counts{Waiting: waiting.Val(), Active: active.Val()}, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (q *RedisQueue) Close() error {
	return nil
}

func (q *RedisQueue) notify(ctx context.Context, job Job) {
	if q.opts.Observer != nil {
		q.opts.Observer.JobTransition(ctx, job)
	}
}

func decodeJob(fields map[string]string) Job {
	return Job{
		ID:          fields["id"],
		VideoID:     fields["video_id"],
		SourceKey:   fields["source_key"],
		Attempts:    atoi(fields["attempts"]),
		MaxAttempts: atoi(fields["max_attempts"]),
		Backoff: BackoffPolicy{
			Type:  fields["backoff_type"],
			Delay: time.Duration(atoi64(fields["backoff_delay_ms"])) * time.Millisecond,
		},
		Status:         Status(fields["status"]),
		CreatedAt:      msTime(fields["created_at"]),
		UpdatedAt:      msTime(fields["updated_at"]),
		AvailableAt:    msTime(fields["available_at"]),
		LeaseExpiresAt: msTime(fields["lease_expires_at"]),
		LastError:      fields["last_error"],
		ResultURL:      fields["result_url"],
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func msTime(s string) time.Time {
	ms := atoi64(s)
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
