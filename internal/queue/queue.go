// Package queue implements a durable, at-least-once job bus on Redis.
//
// Each logical queue owns a small family of keys under the wq: prefix:
//
//	wq:{q}:waiting   LIST of job ids ready to run
//	wq:{q}:delayed   ZSET of job ids scored by ready-at (unix ms)
//	wq:{q}:active    LIST of job ids currently leased
//	wq:{q}:leases    HASH job id → lease start (unix ms)
//	wq:{q}:live      SET of alive job ids (dedup)
//	wq:{q}:completed ZSET of finished ids scored by finished-at (unix ms)
//	wq:{q}:failed    ZSET of terminally failed ids scored by finished-at
//	wq:{q}:job:{id}  JSON job record
//
// Enqueueing an id that is still alive is a no-op returning ErrDuplicateJob.
// Retries use per-job exponential backoff through the delayed ZSET.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicateJob is returned when a job with the same id is already alive.
var ErrDuplicateJob = errors.New("queue: job already queued")

// ErrEmpty is returned by fetch when no job is ready.
var errEmpty = errors.New("queue: no job ready")

const keyPrefix = "wq:"

// KeepPolicy bounds how many finished jobs are retained and for how long.
type KeepPolicy struct {
	Count int
	Age   time.Duration
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	JobID            string // deterministic id for dedup; random when empty
	Delay            time.Duration
	Attempts         int // total attempts before terminal failure (min 1)
	BackoffBase      time.Duration
	RemoveOnComplete KeepPolicy
	RemoveOnFail     KeepPolicy
}

// Job is one unit of work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	BackoffBase  time.Duration   `json:"backoff_base"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	LastError    string          `json:"last_error,omitempty"`

	removeOnComplete KeepPolicy
	removeOnFail     KeepPolicy
}

// jobRecord is the persisted form of Job.
type jobRecord struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	AttemptsMade   int             `json:"attempts_made"`
	MaxAttempts    int             `json:"max_attempts"`
	BackoffBaseMS  int64           `json:"backoff_base_ms"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LastError      string          `json:"last_error,omitempty"`
	KeepDoneCount  int             `json:"keep_done_count"`
	KeepDoneAgeMS  int64           `json:"keep_done_age_ms"`
	KeepFailCount  int             `json:"keep_fail_count"`
	KeepFailAgeMS  int64           `json:"keep_fail_age_ms"`
}

// Counts is a snapshot of queue depths by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total is the number of jobs the queue currently tracks in any state.
func (c Counts) Total() int64 {
	return c.Waiting + c.Active + c.Delayed + c.Completed + c.Failed
}

// Queue is one logical job queue.
type Queue struct {
	name   string
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a handle to the named logical queue.
func New(name string, rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{name: name, rdb: rdb, logger: logger}
}

// Name returns the logical queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return keyPrefix + q.name + ":" + suffix
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// Enqueue adds a job. When opts.JobID is already alive the call is a no-op
// and returns the existing id with ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts EnqueueOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue %s: marshal payload: %w", q.name, err)
	}

	added, err := q.rdb.SAdd(ctx, q.key("live"), id).Result()
	if err != nil {
		return "", fmt.Errorf("queue %s: register job id: %w", q.name, err)
	}
	if added == 0 {
		return id, ErrDuplicateJob
	}

	rec := jobRecord{
		ID:            id,
		Queue:         q.name,
		Payload:       body,
		MaxAttempts:   opts.Attempts,
		BackoffBaseMS: opts.BackoffBase.Milliseconds(),
		EnqueuedAt:    time.Now().UTC(),
		KeepDoneCount: opts.RemoveOnComplete.Count,
		KeepDoneAgeMS: opts.RemoveOnComplete.Age.Milliseconds(),
		KeepFailCount: opts.RemoveOnFail.Count,
		KeepFailAgeMS: opts.RemoveOnFail.Age.Milliseconds(),
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("queue %s: marshal job record: %w", q.name, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(id), recJSON, 0)
	// A re-enqueued deterministic id must not keep its old finished entry, or
	// the age trim would delete the fresh record out from under the job.
	pipe.ZRem(ctx, q.key("completed"), id)
	pipe.ZRem(ctx, q.key("failed"), id)
	if opts.Delay > 0 {
		readyAt := time.Now().Add(opts.Delay).UnixMilli()
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: id})
	} else {
		pipe.LPush(ctx, q.key("waiting"), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll back the dedup reservation so a later enqueue can retry.
		_ = q.rdb.SRem(context.WithoutCancel(ctx), q.key("live"), id)
		return "", fmt.Errorf("queue %s: enqueue %s: %w", q.name, id, err)
	}
	return id, nil
}

// PromoteDelayed moves due delayed jobs into the waiting list.
func (q *Queue) PromoteDelayed(ctx context.Context, limit int) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: scan delayed: %w", q.name, err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("queue %s: promote %s: %w", q.name, id, err)
		}
		if removed == 0 {
			continue // another promoter won
		}
		if err := q.rdb.LPush(ctx, q.key("waiting"), id).Err(); err != nil {
			return promoted, fmt.Errorf("queue %s: push promoted %s: %w", q.name, id, err)
		}
		promoted++
	}
	return promoted, nil
}

// fetch leases the next waiting job. Returns errEmpty when none is ready.
func (q *Queue) fetch(ctx context.Context) (*Job, error) {
	id, err := q.rdb.LMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, errEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: fetch: %w", q.name, err)
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := q.rdb.HSet(ctx, q.key("leases"), id, now).Err(); err != nil {
		return nil, fmt.Errorf("queue %s: lease %s: %w", q.name, id, err)
	}

	recJSON, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		// Record vanished (cleaned up mid-flight): drop the orphan lease.
		q.discard(ctx, id)
		return nil, errEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: load record %s: %w", q.name, id, err)
	}

	var rec jobRecord
	if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
		q.discard(ctx, id)
		return nil, fmt.Errorf("queue %s: decode record %s: %w", q.name, id, err)
	}

	return &Job{
		ID:               rec.ID,
		Queue:            rec.Queue,
		Payload:          rec.Payload,
		AttemptsMade:     rec.AttemptsMade,
		MaxAttempts:      rec.MaxAttempts,
		BackoffBase:      time.Duration(rec.BackoffBaseMS) * time.Millisecond,
		EnqueuedAt:       rec.EnqueuedAt,
		LastError:        rec.LastError,
		removeOnComplete: KeepPolicy{Count: rec.KeepDoneCount, Age: time.Duration(rec.KeepDoneAgeMS) * time.Millisecond},
		removeOnFail:     KeepPolicy{Count: rec.KeepFailCount, Age: time.Duration(rec.KeepFailAgeMS) * time.Millisecond},
	}, nil
}

// discard removes all traces of a job id without recording an outcome.
func (q *Queue) discard(ctx context.Context, id string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, id)
	pipe.HDel(ctx, q.key("leases"), id)
	pipe.SRem(ctx, q.key("live"), id)
	pipe.Del(ctx, q.jobKey(id))
	_, _ = pipe.Exec(ctx)
}

// complete records a successful run and trims the completed set per policy.
func (q *Queue) complete(ctx context.Context, job *Job) error {
	evicted, err := q.aboutToEvict(ctx, q.key("completed"), job.removeOnComplete.Count)
	if err != nil {
		return fmt.Errorf("queue %s: complete %s: %w", q.name, job.ID, err)
	}

	now := time.Now().UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.HDel(ctx, q.key("leases"), job.ID)
	pipe.SRem(ctx, q.key("live"), job.ID)
	pipe.ZAdd(ctx, q.key("completed"), redis.Z{Score: float64(now), Member: job.ID})
	if job.removeOnComplete.Count > 0 {
		pipe.ZRemRangeByRank(ctx, q.key("completed"), 0, int64(-job.removeOnComplete.Count-1))
		for _, id := range evicted {
			pipe.Del(ctx, q.jobKey(id))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s: complete %s: %w", q.name, job.ID, err)
	}
	return nil
}

// aboutToEvict returns the finished ids the count cap will push out once the
// job being recorded is added. Their records must be deleted alongside or the
// job keys leak past every retention tier.
func (q *Queue) aboutToEvict(ctx context.Context, key string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	// The new member scores newest and ranks last, so the evictees are the
	// members at ranks 0..len-keep before the add.
	return q.rdb.ZRange(ctx, key, 0, int64(-keep)).Result()
}

// fail records a failed attempt. Non-final attempts go back through the
// delayed ZSET with exponential backoff; the final attempt lands in the
// failed ZSET and frees the dedup reservation.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) (terminal bool, err error) {
	job.AttemptsMade++
	job.LastError = cause.Error()

	rec := jobRecord{
		ID:            job.ID,
		Queue:         job.Queue,
		Payload:       job.Payload,
		AttemptsMade:  job.AttemptsMade,
		MaxAttempts:   job.MaxAttempts,
		BackoffBaseMS: job.BackoffBase.Milliseconds(),
		EnqueuedAt:    job.EnqueuedAt,
		LastError:     job.LastError,
		KeepDoneCount: job.removeOnComplete.Count,
		KeepDoneAgeMS: job.removeOnComplete.Age.Milliseconds(),
		KeepFailCount: job.removeOnFail.Count,
		KeepFailAgeMS: job.removeOnFail.Age.Milliseconds(),
	}
	recJSON, mErr := json.Marshal(rec)
	if mErr != nil {
		return false, fmt.Errorf("queue %s: marshal record %s: %w", q.name, job.ID, mErr)
	}

	terminal = job.AttemptsMade >= job.MaxAttempts

	var evicted []string
	if terminal {
		if evicted, err = q.aboutToEvict(ctx, q.key("failed"), job.removeOnFail.Count); err != nil {
			return true, fmt.Errorf("queue %s: fail %s: %w", q.name, job.ID, err)
		}
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.HDel(ctx, q.key("leases"), job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), recJSON, 0)
	if terminal {
		pipe.SRem(ctx, q.key("live"), job.ID)
		pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
		if job.removeOnFail.Count > 0 {
			pipe.ZRemRangeByRank(ctx, q.key("failed"), 0, int64(-job.removeOnFail.Count-1))
			for _, id := range evicted {
				pipe.Del(ctx, q.jobKey(id))
			}
		}
	} else {
		// backoff = base * 2^(attempts-1)
		backoff := job.BackoffBase << (job.AttemptsMade - 1)
		readyAt := time.Now().Add(backoff).UnixMilli()
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return terminal, fmt.Errorf("queue %s: fail %s: %w", q.name, job.ID, err)
	}
	return terminal, nil
}

// Counts returns queue depths by state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key("waiting"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue %s: counts: %w", q.name, err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// ReclaimStalled requeues active jobs whose lease is older than timeout.
// At-least-once delivery: a crashed worker's jobs come back after one sweep.
func (q *Queue) ReclaimStalled(ctx context.Context, timeout time.Duration) (int, error) {
	leases, err := q.rdb.HGetAll(ctx, q.key("leases")).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: read leases: %w", q.name, err)
	}

	cutoff := time.Now().Add(-timeout).UnixMilli()
	reclaimed := 0
	for id, startedStr := range leases {
		started, err := strconv.ParseInt(startedStr, 10, 64)
		if err != nil || started > cutoff {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.key("active"), 1, id)
		pipe.HDel(ctx, q.key("leases"), id)
		pipe.LPush(ctx, q.key("waiting"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("queue %s: reclaim %s: %w", q.name, id, err)
		}
		q.logger.Warn("queue: reclaimed stalled job", "queue", q.name, "job_id", id)
		reclaimed++
	}
	return reclaimed, nil
}

// TrimFinished removes completed/failed entries older than age and deletes
// their job records.
func (q *Queue) TrimFinished(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-age).UnixMilli(), 10)
	var removed int64
	for _, state := range []string{"completed", "failed"} {
		key := q.key(state)
		ids, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("queue %s: scan %s: %w", q.name, state, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		for _, id := range ids {
			// A live id here means the job was re-enqueued after finishing;
			// drop only the stale ZSET entry and keep the fresh record.
			alive, err := q.rdb.SIsMember(ctx, q.key("live"), id).Result()
			if err != nil {
				return removed, fmt.Errorf("queue %s: trim %s: %w", q.name, state, err)
			}
			if alive {
				continue
			}
			pipe.Del(ctx, q.jobKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("queue %s: trim %s: %w", q.name, state, err)
		}
		removed += int64(len(ids))
	}
	return removed, nil
}
