// retry.go
//
// Redis-backed retry queue for webhook events that failed to apply. The HTTP
// handler has already acknowledged the event, so this is the only second chance
// it gets. Jobs live in a sorted set scored by next-attempt time. StartWorker
// leases due jobs by pushing their score past the lease timeout, and removes a
// job only once it has succeeded, been rescheduled, or moved to the dead-letter
// list. A worker that dies mid-attempt leaves the job to reappear when its
// lease runs out.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Both keys share a hash tag so settleScript can touch them in one call on a cluster.
const (
	// RetryQueueKey is the sorted set of pending retries.
	RetryQueueKey = "tollgate:{webhook}:retry"
	// DeadLetterKey is the list of events that exhausted their attempts.
	DeadLetterKey = "tollgate:{webhook}:dead"
)

// DefaultMaxQueueSize caps pending retries so a storage outage can't grow Redis without bound.
const DefaultMaxQueueSize int64 = 10000

const deadLetterCap = 1000

// settleTimeout bounds the write that finishes a leased job. It runs on a
// context detached from the worker's so shutdown does not strand a finished attempt.
const settleTimeout = 5 * time.Second

const (
	settleDone  = "done"
	settleRetry = "retry"
	settleDead  = "dead"
)

// ErrQueueFull is returned by Enqueue when the queue has reached its size cap.
var ErrQueueFull = errors.New("webhook retry queue full")

// RetryJob is the serialized payload stored in the queue.
type RetryJob struct {
	Event     Event  `json:"event"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Processor applies one event.
type Processor interface {
	Process(ctx context.Context, ev Event) (Outcome, error)
}

// RetryRecorder receives retry queue outcome counts.
type RetryRecorder interface {
	RecordRetry(outcome string)
}

type nopRetryRecorder struct{}

func (nopRetryRecorder) RecordRetry(string) {}

// RetryOptions tunes a RetryQueue. Zero values take the defaults.
type RetryOptions struct {
	MaxAttempts  int           // total attempts including the original, default 5
	MaxQueueSize int64         // 0 = DefaultMaxQueueSize, negative = unlimited
	BaseDelay    time.Duration // first retry delay, doubled per attempt, default 30s
	MaxDelay     time.Duration // default 1h
	PollInterval time.Duration // default 1s
	Lease        time.Duration // how long a popped job stays hidden while it is tried, default 5m
	Recorder     RetryRecorder
	Now          func() time.Time
}

// RetryQueue reschedules failed webhook events with exponential backoff.
type RetryQueue struct {
	rdb          *redis.Client
	proc         Processor
	maxAttempts  int
	maxQueueSize int64
	baseDelay    time.Duration
	maxDelay     time.Duration
	pollInterval time.Duration
	lease        time.Duration
	rec          RetryRecorder
	now          func() time.Time
}

// NewRetryQueue returns a queue that hands due jobs to proc.
func NewRetryQueue(rdb *redis.Client, proc Processor, opts RetryOptions) *RetryQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.MaxQueueSize == 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.MaxQueueSize < 0 {
		opts.MaxQueueSize = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 30 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRetryRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RetryQueue{
		rdb:          rdb,
		proc:         proc,
		maxAttempts:  opts.MaxAttempts,
		maxQueueSize: opts.MaxQueueSize,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		pollInterval: opts.PollInterval,
		lease:        opts.Lease,
		rec:          opts.Recorder,
		now:          opts.Now,
	}
}

// enqueueScript atomically checks the queue size and adds the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = due unix ms, ARGV[3] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('ZCARD', KEYS[1]) >= max then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

// leaseDueScript returns the earliest job due at or before ARGV[1], or nil, and
// re-scores it to ARGV[2] (the lease expiry) so no other poll sees it meanwhile.
// The job stays in the set until settleScript removes it.
var leaseDueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
    return false
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], items[1])
return items[1]
`)

// settleScript finishes a leased job: removes it and, for "retry", adds the
// rescheduled payload, or for "dead", appends the payload to the capped dead-letter list.
// KEYS[1] = queue key, KEYS[2] = dead-letter key, ARGV[1] = leased member,
// ARGV[2] = done|retry|dead, ARGV[3] = new payload, ARGV[4] = due unix ms, ARGV[5] = dead-letter cap.
// Returns 0 without writing if the member is gone (another worker settled it after the lease ran out).
var settleScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
    return 0
end
if ARGV[2] == 'retry' then
    redis.call('ZADD', KEYS[1], ARGV[4], ARGV[3])
elseif ARGV[2] == 'dead' then
    redis.call('RPUSH', KEYS[2], ARGV[3])
    redis.call('LTRIM', KEYS[2], -tonumber(ARGV[5]), -1)
end
return 1
`)

// Enqueue schedules the first retry of ev after a failed attempt.
func (q *RetryQueue) Enqueue(ctx context.Context, ev Event, cause error) error {
	job := RetryJob{Event: ev, Attempts: 1}
	if cause != nil {
		job.LastError = cause.Error()
	}
	return q.schedule(ctx, job)
}

func (q *RetryQueue) schedule(ctx context.Context, job RetryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling retry job: %w", err)
	}
	due := q.now().Add(q.backoff(job.Attempts)).UnixMilli()
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{RetryQueueKey}, q.maxQueueSize, due, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing retry job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// backoff returns the delay before the attempt after `attempts` failures.
func (q *RetryQueue) backoff(attempts int) time.Duration {
	d := q.baseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.maxDelay {
			return q.maxDelay
		}
	}
	return d
}

// StartWorker drains due retries until ctx is cancelled (server shutdown). Call in a goroutine.
func (q *RetryQueue) StartWorker(ctx context.Context) {
	for {
		now := q.now()
		payload, err := leaseDueScript.Run(ctx, q.rdb, []string{RetryQueueKey},
			strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(now.Add(q.lease).UnixMilli(), 10)).Text()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				slog.Error("webhook retry worker: queue pop failed", "component", "entitlement", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		var job RetryJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			slog.Error("webhook retry worker: bad job payload, dead-lettering", "component", "entitlement", "error", err)
			if ferr := q.finish(ctx, payload, settleDead, payload, time.Time{}); ferr != nil {
				slog.Error("webhook dead-letter push failed", "component", "entitlement", "error", ferr)
			}
			continue
		}
		q.dispatch(ctx, payload, job)
	}
}

// dispatch re-applies one leased job, then removes, reschedules or dead-letters it.
// member is the job's payload as stored in the queue.
func (q *RetryQueue) dispatch(ctx context.Context, member string, job RetryJob) {
	_, err := q.proc.Process(ctx, job.Event)
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown, not a real failure. The lease expires and the job comes back.
		slog.Warn("webhook retry interrupted, job stays leased", "component", "entitlement",
			"event_id", job.Event.ID, "lease", q.lease)
		return
	}
	next, dead := q.settle(job, err)
	switch {
	case err == nil:
		q.rec.RecordRetry("succeeded")
		slog.Info("webhook retry succeeded", "component", "entitlement",
			"event_id", job.Event.ID, "attempts", job.Attempts+1)
		if ferr := q.finish(ctx, member, settleDone, "", time.Time{}); ferr != nil {
			slog.Error("webhook retry removal failed", "component", "entitlement", "event_id", job.Event.ID, "error", ferr)
		}
	case dead:
		q.rec.RecordRetry("dead_lettered")
		slog.Error("webhook retry exhausted, dead-lettering", "component", "entitlement",
			"event_id", job.Event.ID, "type", job.Event.Type, "attempts", next.Attempts, "error", err)
		if ferr := q.finishJob(ctx, member, settleDead, next); ferr != nil {
			slog.Error("webhook dead-letter push failed", "component", "entitlement", "event_id", job.Event.ID, "error", ferr)
		}
	default:
		q.rec.RecordRetry("rescheduled")
		slog.Warn("webhook retry failed, rescheduling", "component", "entitlement",
			"event_id", job.Event.ID, "attempts", next.Attempts, "error", err)
		if ferr := q.finishJob(ctx, member, settleRetry, next); ferr != nil {
			slog.Error("webhook retry reschedule failed", "component", "entitlement", "event_id", job.Event.ID, "error", ferr)
		}
	}
}

// settle decides what happens to job after an attempt that returned err.
// It returns the job with its attempt count advanced and whether it is out of attempts.
func (q *RetryQueue) settle(job RetryJob, err error) (RetryJob, bool) {
	if err == nil {
		return job, false
	}
	job.Attempts++
	job.LastError = err.Error()
	return job, job.Attempts >= q.maxAttempts
}

func (q *RetryQueue) finishJob(ctx context.Context, member, mode string, job RetryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling retry job: %w", err)
	}
	return q.finish(ctx, member, mode, string(data), q.now().Add(q.backoff(job.Attempts)))
}

// finish settles a leased member. It still writes after ctx is cancelled.
func (q *RetryQueue) finish(ctx context.Context, member, mode, payload string, due time.Time) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	keys := []string{RetryQueueKey, DeadLetterKey}
	settled, err := settleScript.Run(ctx, q.rdb, keys, member, mode, payload, due.UnixMilli(), deadLetterCap).Int64()
	if err != nil {
		return fmt.Errorf("settling retry job: %w", err)
	}
	if settled == 0 {
		slog.Warn("webhook retry job already settled elsewhere", "component", "entitlement", "mode", mode)
	}
	return nil
}

// Pending returns the number of scheduled retries, leased ones included.
func (q *RetryQueue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, RetryQueueKey).Result()
}
