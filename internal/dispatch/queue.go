package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrail/internal/clock"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "payrail:queue:"
	jobPrefix  = "payrail:job:"
	jobTTL     = 24 * time.Hour
	deadJobTTL = 14 * 24 * time.Hour
	promoteMax = 100
)

// promoteScript moves due ids from the delayed set back to the pending list.
const promoteScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
end
return #ids
`

// ExhaustedFunc is called once a job has used all of its attempts.
type ExhaustedFunc func(ctx context.Context, job Job, err error)

type Options struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	VisibilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	return o
}

// Queue is an at-least-once job queue on redis. Each named queue has a
// pending list, a processing list, a delayed sorted set scored by due time
// in unix milliseconds, and a dead list. Job bodies live under their own key.
type Queue struct {
	client  redis.UniversalClient
	mux     *Mux
	clock   clock.Clock
	log     *zap.Logger
	opts    Options
	promote *redis.Script

	mu          sync.RWMutex
	onExhausted []ExhaustedFunc
}

func NewQueue(client redis.UniversalClient, mux *Mux, clk clock.Clock, opts Options, log *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		client:  client,
		mux:     mux,
		clock:   clk,
		log:     log.Named("dispatch.queue"),
		opts:    opts.withDefaults(),
		promote: redis.NewScript(promoteScript),
	}
}

// OnExhausted registers a hook for dead-lettered jobs.
func (q *Queue) OnExhausted(fn ExhaustedFunc) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.onExhausted = append(q.onExhausted, fn)
	q.mu.Unlock()
}

func pendingKey(queue string) string    { return keyPrefix + queue + ":pending" }
func processingKey(queue string) string { return keyPrefix + queue + ":processing" }
func delayedKey(queue string) string    { return keyPrefix + queue + ":delayed" }
func deadKey(queue string) string       { return keyPrefix + queue + ":dead" }
func statsKey(queue string) string      { return keyPrefix + queue + ":stats" }
func unclaimedKey(queue string) string  { return keyPrefix + queue + ":unclaimed" }
func jobKey(id string) string           { return jobPrefix + id }

func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.Queue == "" || job.Name == "" {
		return ErrInvalidJob
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	job.EnqueuedAt = q.clock.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, jobTTL)
	pipe.LPush(ctx, pendingKey(job.Queue), job.ID)
	pipe.HIncrBy(ctx, statsKey(job.Queue), "enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Name, err)
	}
	q.log.Debug("dispatch.job.enqueued",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
	)
	return nil
}

// ProcessNext takes one job from queue and runs it. wait > 0 blocks for up
// to wait when the queue is empty. It reports whether a job was taken.
// Handler failures are absorbed into the retry/dead-letter flow; only
// backend failures are returned.
func (q *Queue) ProcessNext(ctx context.Context, queue string, wait time.Duration) (bool, error) {
	var (
		id  string
		err error
	)
	if wait > 0 {
		id, err = q.client.BRPopLPush(ctx, pendingKey(queue), processingKey(queue), wait).Result()
	} else {
		id, err = q.client.RPopLPush(ctx, pendingKey(queue), processingKey(queue)).Result()
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	job, err := q.load(ctx, id)
	if err != nil {
		q.log.Warn("dispatch.job.unreadable", zap.String("job_id", id), zap.Error(err))
		_ = q.client.LRem(ctx, processingKey(queue), 1, id).Err()
		return true, nil
	}

	job.Attempts++
	started := q.clock.Now()
	job.StartedAt = &started
	if err := q.save(ctx, job, jobTTL); err != nil {
		return true, err
	}

	runErr := q.mux.Run(ctx, job)
	return true, q.settle(ctx, job, runErr)
}

func (q *Queue) settle(ctx context.Context, job Job, runErr error) error {
	log := q.log.With(
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
		zap.Int("attempt", job.Attempts),
	)
	metrics := obsmetrics.Pipeline()

	if runErr == nil {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
		pipe.Del(ctx, jobKey(job.ID))
		pipe.HIncrBy(ctx, statsKey(job.Queue), "completed", 1)
		_, err := pipe.Exec(ctx)
		metrics.IncDispatchJob(job.Queue, job.Name, obsmetrics.DispatchResultOK)
		return err
	}

	job.LastError = runErr.Error()
	job.StartedAt = nil

	if errors.Is(runErr, ErrPermanent) {
		log.Warn("dispatch.job.dropped", zap.Error(runErr))
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
		pipe.Del(ctx, jobKey(job.ID))
		pipe.HIncrBy(ctx, statsKey(job.Queue), "dropped", 1)
		_, err := pipe.Exec(ctx)
		metrics.IncDispatchJob(job.Queue, job.Name, obsmetrics.DispatchResultDropped)
		return err
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	if job.Attempts >= maxAttempts {
		log.Error("dispatch.job.exhausted", zap.Error(runErr))
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, jobKey(job.ID), data, deadJobTTL)
		pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
		pipe.LPush(ctx, deadKey(job.Queue), job.ID)
		pipe.HIncrBy(ctx, statsKey(job.Queue), "dead", 1)
		_, err = pipe.Exec(ctx)
		metrics.IncDispatchJob(job.Queue, job.Name, obsmetrics.DispatchResultDead)
		metrics.IncDeadLetter(job.Queue)
		q.exhausted(ctx, job, runErr)
		return err
	}

	delay := Backoff(job.Attempts, q.opts.BaseBackoff, q.opts.MaxBackoff)
	due := q.clock.Now().Add(delay)
	log.Warn("dispatch.job.retry", zap.Duration("backoff", delay), zap.Error(runErr))
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, jobTTL)
	pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
	pipe.HIncrBy(ctx, statsKey(job.Queue), "retried", 1)
	_, err = pipe.Exec(ctx)
	metrics.IncDispatchJob(job.Queue, job.Name, obsmetrics.DispatchResultRetry)
	metrics.IncDispatchRetry(job.Queue)
	return err
}

func (q *Queue) exhausted(ctx context.Context, job Job, err error) {
	q.mu.RLock()
	hooks := append([]ExhaustedFunc(nil), q.onExhausted...)
	q.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, job, err)
	}
}

// PromoteDue moves delayed jobs whose backoff has elapsed back to pending.
func (q *Queue) PromoteDue(ctx context.Context, queue string) (int, error) {
	now := q.clock.Now().UnixMilli()
	n, err := q.promote.Run(ctx, q.client,
		[]string{delayedKey(queue), pendingKey(queue)},
		strconv.FormatInt(now, 10), promoteMax,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RequeueStuck returns jobs that sat in processing past the visibility
// timeout to the head of pending. This recovers jobs held by crashed workers.
// A job popped but not yet stamped with StartedAt is timed from the first
// sweep that sees it, so a worker between pop and save is left alone.
func (q *Queue) RequeueStuck(ctx context.Context, queue string) (int, error) {
	ids, err := q.client.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := q.clock.Now()
	requeued := 0
	inFlight := make(map[string]bool, len(ids))
	for _, id := range ids {
		inFlight[id] = true
		job, err := q.load(ctx, id)
		if err != nil {
			_ = q.client.LRem(ctx, processingKey(queue), 1, id).Err()
			continue
		}
		if job.StartedAt == nil {
			seen, err := q.firstSeen(ctx, queue, id, now)
			if err != nil {
				return requeued, err
			}
			if now.Sub(seen) <= q.opts.VisibilityTimeout {
				continue
			}
		} else if now.Sub(*job.StartedAt) <= q.opts.VisibilityTimeout {
			continue
		}
		job.StartedAt = nil
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, jobKey(id), data, jobTTL)
		pipe.LRem(ctx, processingKey(queue), 1, id)
		pipe.RPush(ctx, pendingKey(queue), id)
		pipe.HDel(ctx, unclaimedKey(queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		q.log.Warn("dispatch.job.recovered", zap.String("job_id", id), zap.String("queue", queue))
		requeued++
	}
	q.pruneUnclaimed(ctx, queue, inFlight)
	return requeued, nil
}

// firstSeen records when a sweep first found id in processing without a
// start stamp and returns that time.
func (q *Queue) firstSeen(ctx context.Context, queue, id string, now time.Time) (time.Time, error) {
	key := unclaimedKey(queue)
	if err := q.client.HSetNX(ctx, key, id, now.UnixMilli()).Err(); err != nil {
		return time.Time{}, err
	}
	raw, err := q.client.HGet(ctx, key, id).Result()
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return now, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (q *Queue) pruneUnclaimed(ctx context.Context, queue string, inFlight map[string]bool) {
	key := unclaimedKey(queue)
	seen, err := q.client.HKeys(ctx, key).Result()
	if err != nil {
		return
	}
	var stale []string
	for _, id := range seen {
		if !inFlight[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		_ = q.client.HDel(ctx, key, stale...).Err()
	}
}

type Stats struct {
	Queue      string           `json:"queue"`
	Pending    int64            `json:"pending"`
	Processing int64            `json:"processing"`
	Delayed    int64            `json:"delayed"`
	Dead       int64            `json:"dead"`
	Counters   map[string]int64 `json:"counters"`
}

func (q *Queue) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, pendingKey(queue))
	processing := pipe.LLen(ctx, processingKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	dead := pipe.LLen(ctx, deadKey(queue))
	counters := pipe.HGetAll(ctx, statsKey(queue))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	out := Stats{
		Queue:      queue,
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
		Counters:   make(map[string]int64),
	}
	for k, v := range counters.Val() {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			out.Counters[k] = n
		}
	}
	return out, nil
}

// DeadJobs returns up to limit dead-lettered jobs, newest first.
func (q *Queue) DeadJobs(ctx context.Context, queue string, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Consume runs concurrency workers on queue until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, queue string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.consumeLoop(ctx, queue, worker)
		}(i)
	}
	wg.Wait()
}

func (q *Queue) consumeLoop(ctx context.Context, queue string, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := q.ProcessNext(ctx, queue, time.Second)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		q.log.Warn("dispatch.worker.error",
			zap.String("queue", queue),
			zap.Int("worker", worker),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (q *Queue) load(ctx context.Context, id string) (Job, error) {
	data, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *Queue) save(ctx context.Context, job Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, jobKey(job.ID), data, ttl).Err()
}
