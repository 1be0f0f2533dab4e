package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testQueue struct {
	queue  *Queue
	mux    *Mux
	clock  *clock.FakeClock
	redis  *miniredis.Miniredis
	client *redis.Client
}

func newTestQueue(t *testing.T, opts Options) testQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	mux := NewMux()
	return testQueue{
		queue:  NewQueue(client, mux, clk, opts, zap.NewNop()),
		mux:    mux,
		clock:  clk,
		redis:  mr,
		client: client,
	}
}

func mustJob(t *testing.T, name string) Job {
	t.Helper()
	job, err := NewJob(QueueWebhooks, name, map[string]string{"provider": "stripe"})
	require.NoError(t, err)
	return job
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 12, want: time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempt, 2*time.Second, time.Minute), "attempt %d", tc.attempt)
	}
}

func TestMux(t *testing.T) {
	mux := NewMux()
	mux.Handle("boom", func(context.Context, Job) error { panic("kaboom") })

	err := mux.Run(context.Background(), Job{Name: "missing"})
	require.ErrorIs(t, err, ErrUnknownJob)
	require.ErrorIs(t, err, ErrPermanent)

	err = mux.Run(context.Background(), Job{Name: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	assert.Panics(t, func() {
		mux.Handle("boom", func(context.Context, Job) error { return nil })
	})
	assert.Equal(t, []string{"boom"}, mux.Names())
}

func TestJobDecode(t *testing.T) {
	job, err := NewJob(QueueBilling, JobBillingRun, map[string]int{"n": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	var out map[string]int
	require.NoError(t, job.Decode(&out))
	assert.Equal(t, 3, out["n"])

	require.ErrorIs(t, Job{}.Decode(&out), ErrInvalidJob)
	_, err = NewJob("", JobBillingRun, nil)
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestQueue_ProcessesEnqueuedJob(t *testing.T) {
	tq := newTestQueue(t, Options{})
	ctx := context.Background()

	var got Job
	tq.mux.Handle(JobWebhookProcess, func(_ context.Context, job Job) error {
		got = job
		return nil
	})

	job := mustJob(t, JobWebhookProcess)
	require.NoError(t, tq.queue.Enqueue(ctx, job))

	took, err := tq.queue.ProcessNext(ctx, QueueWebhooks, 0)
	require.NoError(t, err)
	require.True(t, took)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 5, got.MaxAttempts)

	took, err = tq.queue.ProcessNext(ctx, QueueWebhooks, 0)
	require.NoError(t, err)
	assert.False(t, took)

	stats, err := tq.queue.Stats(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Counters["enqueued"])
	assert.Equal(t, int64(1), stats.Counters["completed"])
	assert.False(t, tq.redis.Exists(jobKey(job.ID)))
}

func TestQueue_RetriesWithBackoff(t *testing.T) {
	tq := newTestQueue(t, Options{BaseBackoff: 10 * time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()

	var calls int32
	tq.mux.Handle(JobWebhookProcess, func(context.Context, Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("provider timeout")
		}
		return nil
	})

	require.NoError(t, tq.queue.Enqueue(ctx, mustJob(t, JobWebhookProcess)))
	_, err := tq.queue.ProcessNext(ctx, QueueWebhooks, 0)
	require.NoError(t, err)

	stats, err := tq.queue.Stats(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	n, err := tq.queue.PromoteDue(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due before backoff elapses")

	tq.clock.Advance(11 * time.Second)
	n, err = tq.queue.PromoteDue(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	took, err := tq.queue.ProcessNext(ctx, QueueWebhooks, 0)
	require.NoError(t, err)
	require.True(t, took)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	stats, err = tq.queue.Stats(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Counters["retried"])
	assert.Equal(t, int64(1), stats.Counters["completed"])
}

func TestQueue_DeadLettersAfterMaxAttempts(t *testing.T) {
	tq := newTestQueue(t, Options{MaxAttempts: 2, BaseBackoff: time.Second})
	ctx := context.Background()

	errUpstream := errors.New("upstream unavailable")
	tq.mux.Handle(JobWebhookProcess, func(context.Context, Job) error { return errUpstream })

	var exhausted []Job
	tq.queue.OnExhausted(func(_ context.Context, job Job, err error) {
		assert.ErrorIs(t, err, errUpstream)
		exhausted = append(exhausted, job)
	})

	job := mustJob(t, JobWebhookProcess)
	require.NoError(t, tq.queue.Enqueue(ctx, job))

	_, err := tq.queue.ProcessNext(ctx, QueueWebhooks, 0)
	require.NoError(t, err)
	tq.clock.Advance(time.Minute)
	_, err = tq.queue.PromoteDue(ctx, QueueWebhooks)
	require.NoError(t, err)
	_, err = tq.queue.ProcessNext(ctx, QueueWebhooks, 0)
	require.NoError(t, err)

	require.Len(t, exhausted, 1)
	assert.Equal(t, job.ID, exhausted[0].ID)
	assert.Equal(t, 2, exhausted[0].Attempts)

	dead, err := tq.queue.DeadJobs(ctx, QueueWebhooks, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "upstream unavailable", dead[0].LastError)

	stats, err := tq.queue.Stats(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestQueue_PermanentFailureIsDropped(t *testing.T) {
	tq := newTestQueue(t, Options{})
	ctx := context.Background()

	tq.mux.Handle(JobWebhookProcess, func(context.Context, Job) error {
		return Permanent(errors.New("schema mismatch"))
	})
	called := false
	tq.queue.OnExhausted(func(context.Context, Job, error) { called = true })

	require.NoError(t, tq.queue.Enqueue(ctx, mustJob(t, JobWebhookProcess)))
	_, err := tq.queue.ProcessNext(ctx, QueueWebhooks, 0)
	require.NoError(t, err)

	stats, err := tq.queue.Stats(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Counters["dropped"])
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(0), stats.Dead)
	assert.False(t, called)
}

func TestQueue_RequeueStuck(t *testing.T) {
	tq := newTestQueue(t, Options{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	stale := mustJob(t, JobWebhookProcess)
	fresh := mustJob(t, JobWebhookProcess)
	require.NoError(t, tq.queue.Enqueue(ctx, stale))
	require.NoError(t, tq.queue.Enqueue(ctx, fresh))

	// Simulate two workers that took jobs and crashed.
	for i := 0; i < 2; i++ {
		_, err := tq.client.RPopLPush(ctx, pendingKey(QueueWebhooks), processingKey(QueueWebhooks)).Result()
		require.NoError(t, err)
	}
	startedStale := tq.clock.Now().Add(-2 * time.Minute)
	stale.StartedAt = &startedStale
	require.NoError(t, tq.queue.save(ctx, stale, jobTTL))
	startedFresh := tq.clock.Now().Add(-10 * time.Second)
	fresh.StartedAt = &startedFresh
	require.NoError(t, tq.queue.save(ctx, fresh, jobTTL))

	n, err := tq.queue.RequeueStuck(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := tq.queue.Stats(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)
}

func TestQueue_RequeueStuck_WaitsForUnstampedJob(t *testing.T) {
	tq := newTestQueue(t, Options{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	job := mustJob(t, JobWebhookProcess)
	require.NoError(t, tq.queue.Enqueue(ctx, job))

	// A worker popped the job but has not saved StartedAt yet.
	_, err := tq.client.RPopLPush(ctx, pendingKey(QueueWebhooks), processingKey(QueueWebhooks)).Result()
	require.NoError(t, err)

	n, err := tq.queue.RequeueStuck(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	tq.clock.Advance(30 * time.Second)
	n, err = tq.queue.RequeueStuck(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	tq.clock.Advance(2 * time.Minute)
	n, err = tq.queue.RequeueStuck(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := tq.queue.Stats(ctx, QueueWebhooks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)

	left, err := tq.client.HLen(ctx, unclaimedKey(QueueWebhooks)).Result()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestQueued_FallsBackToInline(t *testing.T) {
	tq := newTestQueue(t, Options{})
	ctx := context.Background()

	var ran int32
	tq.mux.Handle(JobNotificationSend, func(context.Context, Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	d := NewQueued(tq.queue, NewInline(tq.mux, zap.NewNop()), zap.NewNop())
	job, err := NewJob(QueueNotifications, JobNotificationSend, map[string]string{"to": "a@b.c"})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, job))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran), "queued jobs wait for a worker")

	tq.redis.Close()
	require.NoError(t, d.Dispatch(ctx, job))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestInline_ReturnsHandlerError(t *testing.T) {
	mux := NewMux()
	errBoom := errors.New("boom")
	mux.Handle(JobWebhookProcess, func(_ context.Context, job Job) error {
		assert.Equal(t, 1, job.Attempts)
		return errBoom
	})
	err := NewInline(mux, nil).Dispatch(context.Background(), Job{Queue: QueueWebhooks, Name: JobWebhookProcess})
	require.ErrorIs(t, err, errBoom)
}

func TestPool_StartStop(t *testing.T) {
	tq := newTestQueue(t, Options{})
	done := make(chan string, 1)
	tq.mux.Handle(JobWebhookProcess, func(_ context.Context, job Job) error {
		done <- job.ID
		return nil
	})

	job := mustJob(t, JobWebhookProcess)
	require.NoError(t, tq.queue.Enqueue(context.Background(), job))

	pool := NewPool(tq.queue, map[string]int{QueueWebhooks: 2}, zap.NewNop())
	pool.Start(context.Background())

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not consumed")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
}
